package wire

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/burrowed/tunnel/realtime/ws"
	"github.com/gorilla/websocket"
)

// Frame is one decoded inbound frame: either a JSON control message
// (Binary == nil) or a raw binary frame belonging to whatever
// announcement most recently opened a binary-follows window.
type Frame struct {
	// Control is non-nil for a text frame; Type is its "type" field.
	Type    string
	Control json.RawMessage
	// Binary is non-nil for a binary frame.
	Binary []byte
}

// Codec serializes JSON control messages and binary frames onto a
// WebSocket connection, and is the single owner of the write side: all
// outbound frames pass through WriteControl/WriteBinary/WriteSequence,
// and WriteSequence keeps a *_binary header and its body frame from being
// interleaved with
// another goroutine's write (spec.md §5, §9 "single-writer control
// channel").
type Codec struct {
	conn *ws.Conn

	writeMu sync.Mutex
}

// NewCodec wraps an already-upgraded/dialed WebSocket connection.
func NewCodec(conn *ws.Conn) *Codec {
	return &Codec{conn: conn}
}

// Underlying exposes the wrapped connection for read-limit / deadline
// configuration callers that need it directly (ping handlers, close).
func (c *Codec) Underlying() *ws.Conn { return c.conn }

// WriteControl writes v as a single JSON text frame.
func (c *Codec) WriteControl(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(ctx, websocket.TextMessage, b)
}

// WriteBinary writes b as a single binary frame. Callers that must send
// an announcement header and its binary frame atomically (so no other
// goroutine's control message can land between them) should hold
// WriteSequence instead of calling WriteControl/WriteBinary directly.
func (c *Codec) WriteBinary(ctx context.Context, b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(ctx, websocket.BinaryMessage, b)
}

// WriteSequence runs fn while holding the writer lock, so a header
// message and its binary follow-up are written atomically with respect
// to any other goroutine sharing this Codec.
func (c *Codec) WriteSequence(fn func(write func(messageType int, b []byte) error) error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return fn(func(messageType int, b []byte) error {
		return c.conn.Underlying().WriteMessage(messageType, b)
	})
}

// ReadFrame reads the next frame, classifying it as text or binary.
// Malformed JSON is surfaced as an error with the raw bytes attached so
// the caller can log-and-continue per spec.md §4.1 (a malformed text
// frame must not close the channel).
func (c *Codec) ReadFrame(ctx context.Context) (Frame, error) {
	mt, b, err := c.conn.ReadMessage(ctx)
	if err != nil {
		return Frame{}, err
	}
	switch mt {
	case websocket.BinaryMessage:
		return Frame{Binary: b}, nil
	case websocket.TextMessage:
		var env Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			return Frame{}, &MalformedFrameError{Raw: b, Err: err}
		}
		return Frame{Type: env.Type, Control: json.RawMessage(b)}, nil
	default:
		return Frame{}, fmt.Errorf("wire: unexpected websocket message type %d", mt)
	}
}

// MalformedFrameError wraps a text frame that failed to parse as JSON.
// Per spec.md §4.1/§7 it must be logged and dropped, not treated as
// fatal to the connection.
type MalformedFrameError struct {
	Raw []byte
	Err error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("wire: malformed json frame: %v", e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }
