package tunnelerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeOfUnwraps(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("forwarding request: %w", Wrap(ComponentClient, StageForward, CodeLoopbackUnreachable, base))

	code, ok := CodeOf(err)
	if !ok {
		t.Fatal("CodeOf: want ok=true")
	}
	if code != CodeLoopbackUnreachable {
		t.Errorf("code = %q, want %q", code, CodeLoopbackUnreachable)
	}
}

func TestCodeOfMiss(t *testing.T) {
	if _, ok := CodeOf(errors.New("plain error")); ok {
		t.Fatal("CodeOf: want ok=false for a non-tunnelerr error")
	}
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := Wrap(ComponentServer, StageDispatch, CodeSubdomainUnknown, nil)
	got := err.Error()
	want := "server dispatch (subdomain_unknown)"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
