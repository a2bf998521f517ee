package cmdutil

import "testing"

func TestEnvString_TrimsAndFallsBack(t *testing.T) {
	t.Setenv("X", "  ok  ")
	if got := EnvString("X", "fallback"); got != "ok" {
		t.Fatalf("unexpected value: %q", got)
	}
	t.Setenv("X", "   ")
	if got := EnvString("X", "fallback"); got != "fallback" {
		t.Fatalf("unexpected fallback: %q", got)
	}
}

func TestEnvInt_ParsesAndFallsBack(t *testing.T) {
	t.Setenv("N", "")
	got, err := EnvInt("N", 7)
	if err != nil || got != 7 {
		t.Fatalf("unexpected: got=%v err=%v", got, err)
	}
	t.Setenv("N", "42")
	got, err = EnvInt("N", 0)
	if err != nil || got != 42 {
		t.Fatalf("unexpected: got=%v err=%v", got, err)
	}
	t.Setenv("N", "nope")
	_, err = EnvInt("N", 0)
	if err == nil {
		t.Fatalf("expected error")
	}
}
