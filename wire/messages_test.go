package wire

import (
	"encoding/json"
	"testing"
)

func TestHeaderMapFlattensMultiValue(t *testing.T) {
	got := HeaderMap(map[string][]string{
		"X-Foo": {"a", "b"},
		"X-Bar": {"c"},
	})
	count := map[string]int{}
	for _, h := range got {
		count[h.Name+"="+h.Value]++
	}
	for _, want := range []string{"X-Foo=a", "X-Foo=b", "X-Bar=c"} {
		if count[want] != 1 {
			t.Errorf("missing header pair %q in %+v", want, got)
		}
	}
	if len(got) != 3 {
		t.Errorf("len(got) = %d, want 3", len(got))
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	msg := HTTPResponseBinary{
		Type:      TypeHTTPResponseBinary,
		RequestID: "r1",
		Status:    200,
		Headers:   []Header{{Name: "Content-Type", Value: "application/octet-stream"}},
		BodySize:  1024,
	}
	b, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("Unmarshal envelope: %v", err)
	}
	if env.Type != TypeHTTPResponseBinary {
		t.Errorf("env.Type = %q, want %q", env.Type, TypeHTTPResponseBinary)
	}
	var round HTTPResponseBinary
	if err := json.Unmarshal(b, &round); err != nil {
		t.Fatalf("Unmarshal concrete: %v", err)
	}
	if round != msg {
		t.Errorf("round trip = %+v, want %+v", round, msg)
	}
}
