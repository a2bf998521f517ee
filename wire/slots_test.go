package wire

import "testing"

func TestHTTPSlotHeaderThenTake(t *testing.T) {
	var s HTTPSlot
	if stale := s.SetHeader(PendingHTTPHeader{RequestID: "r1", Status: 200, BodySize: 4}); stale {
		t.Fatalf("first SetHeader reported stale")
	}
	h, ok := s.TakeHeader()
	if !ok {
		t.Fatalf("TakeHeader: want ok")
	}
	if h.RequestID != "r1" {
		t.Errorf("RequestID = %q, want r1", h.RequestID)
	}
	if _, ok := s.TakeHeader(); ok {
		t.Fatalf("second TakeHeader: want empty slot")
	}
}

func TestHTTPSlotChunkReplacesHeader(t *testing.T) {
	var s HTTPSlot
	s.SetHeader(PendingHTTPHeader{RequestID: "r1"})
	if stale := s.SetChunk(PendingStreamChunk{RequestID: "r1", ChunkSize: 8}); !stale {
		t.Fatalf("SetChunk over an occupied header slot: want stale=true")
	}
	if _, ok := s.TakeHeader(); ok {
		t.Fatalf("TakeHeader after SetChunk: want header cleared")
	}
	c, ok := s.TakeChunk()
	if !ok || c.ChunkSize != 8 {
		t.Fatalf("TakeChunk = %+v, %v", c, ok)
	}
}

func TestHTTPSlotDoubleHeaderIsStale(t *testing.T) {
	var s HTTPSlot
	s.SetHeader(PendingHTTPHeader{RequestID: "r1"})
	if stale := s.SetHeader(PendingHTTPHeader{RequestID: "r2"}); !stale {
		t.Fatalf("second SetHeader without an intervening Take: want stale=true")
	}
	h, ok := s.TakeHeader()
	if !ok || h.RequestID != "r2" {
		t.Fatalf("TakeHeader = %+v, %v; want the later occupant to win", h, ok)
	}
}

func TestWSSlotSetTake(t *testing.T) {
	var s WSSlot
	if stale := s.Set("ws1"); stale {
		t.Fatalf("first Set reported stale")
	}
	id, ok := s.Take()
	if !ok || id != "ws1" {
		t.Fatalf("Take = %q, %v", id, ok)
	}
	if _, ok := s.Take(); ok {
		t.Fatalf("second Take: want empty slot")
	}
}

func TestDispatchOrder(t *testing.T) {
	var calls []string
	reset := func() (*HTTPSlot, *WSSlot) { return &HTTPSlot{}, &WSSlot{} }

	// Header takes priority over everything.
	h, w := reset()
	h.SetHeader(PendingHTTPHeader{RequestID: "r1"})
	w.Set("ws1")
	calls = nil
	Dispatch(h, w, []byte("x"),
		func(PendingHTTPHeader, []byte) { calls = append(calls, "header") },
		func(PendingStreamChunk, []byte) { calls = append(calls, "chunk") },
		func(string, []byte) { calls = append(calls, "ws") },
		func([]byte) { calls = append(calls, "drop") },
	)
	if len(calls) != 1 || calls[0] != "header" {
		t.Fatalf("calls = %v, want [header]", calls)
	}

	// Chunk takes priority over WS.
	h, w = reset()
	h.SetChunk(PendingStreamChunk{RequestID: "r1"})
	w.Set("ws1")
	calls = nil
	Dispatch(h, w, []byte("x"),
		func(PendingHTTPHeader, []byte) { calls = append(calls, "header") },
		func(PendingStreamChunk, []byte) { calls = append(calls, "chunk") },
		func(string, []byte) { calls = append(calls, "ws") },
		func([]byte) { calls = append(calls, "drop") },
	)
	if len(calls) != 1 || calls[0] != "chunk" {
		t.Fatalf("calls = %v, want [chunk]", calls)
	}

	// WS only.
	h, w = reset()
	w.Set("ws1")
	calls = nil
	Dispatch(h, w, []byte("x"),
		func(PendingHTTPHeader, []byte) { calls = append(calls, "header") },
		func(PendingStreamChunk, []byte) { calls = append(calls, "chunk") },
		func(string, []byte) { calls = append(calls, "ws") },
		func([]byte) { calls = append(calls, "drop") },
	)
	if len(calls) != 1 || calls[0] != "ws" {
		t.Fatalf("calls = %v, want [ws]", calls)
	}

	// Nothing pending: drop.
	h, w = reset()
	calls = nil
	Dispatch(h, w, []byte("x"),
		func(PendingHTTPHeader, []byte) { calls = append(calls, "header") },
		func(PendingStreamChunk, []byte) { calls = append(calls, "chunk") },
		func(string, []byte) { calls = append(calls, "ws") },
		func([]byte) { calls = append(calls, "drop") },
	)
	if len(calls) != 1 || calls[0] != "drop" {
		t.Fatalf("calls = %v, want [drop]", calls)
	}
}
