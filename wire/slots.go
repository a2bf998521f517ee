package wire

import "sync"

// BinaryTarget names which of the three binary-announcing message types
// most recently opened the "next binary frame belongs to X" window on a
// control connection.
type BinaryTarget int

const (
	// BinaryNone means no binary frame is currently expected.
	BinaryNone BinaryTarget = iota
	// BinaryHTTPHeader means the next binary frame is the body announced
	// by a prior http_response_binary.
	BinaryHTTPHeader
	// BinaryStreamChunk means the next binary frame is the chunk
	// announced by a prior http_response_stream_chunk.
	BinaryStreamChunk
	// BinaryWS means the next binary frame is the payload announced by a
	// prior ws_message_binary.
	BinaryWS
)

// PendingHTTPHeader is the single-element slot described in spec.md
// §3's PendingBinaryHeader: the most recent http_response_binary header,
// waiting for its body frame.
type PendingHTTPHeader struct {
	RequestID string
	Status    int
	Headers   []Header
	BodySize  int64
}

// PendingStreamChunk is the announcement half of an
// http_response_stream_chunk, waiting for its binary frame.
type PendingStreamChunk struct {
	RequestID string
	ChunkSize int
}

// HTTPSlot tracks the single "next HTTP-destined binary frame" window
// for one control connection. At most one of its two cases (a buffered
// response header, or a streaming chunk announcement) may be occupied at
// a time, and it is mutually exclusive with the WS slot on the same
// connection only in the sense that announcements must not interleave
// (see Dispatch).
//
// This is the tagged-variant design spec.md §9 calls for: never allow
// two slots to be simultaneously non-empty.
type HTTPSlot struct {
	mu     sync.Mutex
	header *PendingHTTPHeader
	chunk  *PendingStreamChunk
}

// SetHeader occupies the slot with a buffered-response announcement. It
// reports stale=true if the slot was already occupied, per spec.md §8's
// "two successive http_response_binary announcements without an
// intervening binary frame" protocol violation; the caller must then
// discard the stale occupant and log, per spec.md's stated recovery.
func (s *HTTPSlot) SetHeader(h PendingHTTPHeader) (stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale = s.header != nil || s.chunk != nil
	s.header = &h
	s.chunk = nil
	return stale
}

// SetChunk occupies the slot with a stream-chunk announcement.
func (s *HTTPSlot) SetChunk(c PendingStreamChunk) (stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale = s.header != nil || s.chunk != nil
	s.chunk = &c
	s.header = nil
	return stale
}

// TakeHeader clears and returns the buffered-response announcement, if
// any is occupying the slot.
func (s *HTTPSlot) TakeHeader() (PendingHTTPHeader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header == nil {
		return PendingHTTPHeader{}, false
	}
	h := *s.header
	s.header = nil
	return h, true
}

// TakeChunk clears and returns the stream-chunk announcement, if any is
// occupying the slot.
func (s *HTTPSlot) TakeChunk() (PendingStreamChunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunk == nil {
		return PendingStreamChunk{}, false
	}
	c := *s.chunk
	s.chunk = nil
	return c, true
}

// WSSlot tracks the single "next binary frame belongs to this browser
// WebSocket" window for one control connection.
type WSSlot struct {
	mu   sync.Mutex
	wsID string
	set  bool
}

// Set occupies the slot with a ws_message_binary announcement.
func (s *WSSlot) Set(wsID string) (stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stale = s.set
	s.wsID = wsID
	s.set = true
	return stale
}

// Take clears and returns the pending ws-id, if any.
func (s *WSSlot) Take() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return "", false
	}
	id := s.wsID
	s.wsID = ""
	s.set = false
	return id, true
}

// Dispatch implements the receiver-side fixed consultation order from
// spec.md §4.1: (a) pending HTTP header, else (b) pending stream chunk,
// else (c) pending WS target, else (d) drop.
func Dispatch(http *HTTPSlot, ws *WSSlot, binary []byte, onHeader func(PendingHTTPHeader, []byte), onChunk func(PendingStreamChunk, []byte), onWS func(string, []byte), onDrop func([]byte)) {
	if h, ok := http.TakeHeader(); ok {
		onHeader(h, binary)
		return
	}
	if c, ok := http.TakeChunk(); ok {
		onChunk(c, binary)
		return
	}
	if id, ok := ws.Take(); ok {
		onWS(id, binary)
		return
	}
	onDrop(binary)
}
