// Package wire defines the JSON control messages and binary-frame
// announcement discipline carried over a tunnel's control WebSocket.
//
// Every message is a UTF-8 JSON text frame with a "type" discriminator.
// Three message types announce that exactly one binary frame follows on
// the wire: http_response_binary, http_response_stream_chunk, and
// ws_message_binary. See HTTPSlot, WSSlot and Dispatch for how a reader
// tracks which of those (if any) is currently open.
package wire

import "encoding/json"

// MaxFrameBytes bounds a single inbound WebSocket frame (control message
// or binary payload) on both the server's and the client's control
// connection.
const MaxFrameBytes = 100 << 20

// Server -> Client message types.
const (
	TypeConnected       = "connected"
	TypeHTTPRequest     = "http_request"
	TypeRequestTiming   = "request_timing"
	TypePing            = "ping"
	TypeError           = "error"
	TypeWSOpen          = "ws_open"
	TypeWSMessage       = "ws_message"
	TypeWSMessageBinary = "ws_message_binary"
	TypeWSClose         = "ws_close"
)

// Client -> Server message types.
const (
	TypeHTTPResponse            = "http_response"
	TypeHTTPResponseBinary      = "http_response_binary"
	TypeHTTPResponseStreamStart = "http_response_stream_start"
	TypeHTTPResponseStreamChunk = "http_response_stream_chunk"
	TypeHTTPResponseStreamEnd   = "http_response_stream_end"
	TypeHTTPResponseStreamError = "http_response_stream_error"
	TypePong                    = "pong"
	TypeWSOpened                = "ws_opened"
	TypeWSError                 = "ws_error"
)

// Envelope is used only to peek at the "type" discriminator before
// unmarshaling the rest of a text frame into its concrete struct.
type Envelope struct {
	Type string `json:"type"`
}

// Header is a single name/value pair preserving the original casing of
// the header name, since HTTP header names are forwarded verbatim.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// HeaderMap converts a header snapshot to the wire's ordered slice form.
func HeaderMap(h map[string][]string) []Header {
	out := make([]Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}

// Connected is sent once the server accepts a control-channel attach.
type Connected struct {
	Type      string `json:"type"`
	Subdomain string `json:"subdomain"`
}

// HTTPRequest forwards a public request to the client for local delivery.
type HTTPRequest struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	Method    string   `json:"method"`
	Path      string   `json:"path"`
	Headers   []Header `json:"headers"`
	Body      string   `json:"body"`
}

// RequestTiming is an advisory, best-effort message sent after a public
// response has been produced.
type RequestTiming struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId"`
	DurationMS int64  `json:"duration"`
}

// Ping is the server's protocol-level liveness probe (spec.md also uses
// native WebSocket ping frames for the same purpose; this JSON variant
// exists for transports that don't expose ping control frames).
type Ping struct {
	Type string `json:"type"`
}

// Error is a generic, non-fatal protocol diagnostic.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WSOpen asks the client to open a loopback WebSocket on behalf of a
// browser-initiated upgrade.
type WSOpen struct {
	Type     string   `json:"type"`
	WSID     string   `json:"wsId"`
	Path     string   `json:"path"`
	Headers  []Header `json:"headers"`
	Protocol string   `json:"protocol,omitempty"`
}

// WSMessage carries a text frame in either direction.
type WSMessage struct {
	Type string `json:"type"`
	WSID string `json:"wsId"`
	Data string `json:"data"`
}

// WSMessageBinary announces that a binary frame carrying the payload
// follows immediately.
type WSMessageBinary struct {
	Type string `json:"type"`
	WSID string `json:"wsId"`
}

// WSClose mirrors a close on either end of a passthrough socket.
type WSClose struct {
	Type   string `json:"type"`
	WSID   string `json:"wsId"`
	Code   int    `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// HTTPResponse carries a small, UTF-8-safe body inline.
type HTTPResponse struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	Status    int      `json:"status"`
	Headers   []Header `json:"headers"`
	Body      string   `json:"body"`
}

// HTTPResponseBinary announces a buffered, possibly-compressed body
// arriving as the next binary frame.
type HTTPResponseBinary struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	Status    int      `json:"status"`
	Headers   []Header `json:"headers"`
	BodySize  int64    `json:"bodySize"`
}

// HTTPResponseStreamStart opens a streaming response. TotalSize is
// omitted (left zero) when the upstream length is unknown (e.g. SSE).
type HTTPResponseStreamStart struct {
	Type      string   `json:"type"`
	RequestID string   `json:"requestId"`
	Status    int      `json:"status"`
	Headers   []Header `json:"headers"`
	TotalSize int64    `json:"totalSize,omitempty"`
}

// HTTPResponseStreamChunk announces that a binary frame carrying
// ChunkSize bytes of body follows immediately.
type HTTPResponseStreamChunk struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	ChunkSize int    `json:"chunkSize"`
}

// HTTPResponseStreamEnd closes a stream cleanly.
type HTTPResponseStreamEnd struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

// HTTPResponseStreamError aborts a stream with a message.
type HTTPResponseStreamError struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Error     string `json:"error"`
}

// Pong answers a server ping, and also arrives unsolicited every 30s as
// client keepalive.
type Pong struct {
	Type string `json:"type"`
}

// WSOpened confirms a successful loopback WebSocket dial.
type WSOpened struct {
	Type     string `json:"type"`
	WSID     string `json:"wsId"`
	Protocol string `json:"protocol,omitempty"`
}

// WSError reports a failed loopback WebSocket dial.
type WSError struct {
	Type  string `json:"type"`
	WSID  string `json:"wsId"`
	Error string `json:"error"`
}

// Marshal is a thin json.Marshal wrapper kept here so callers never
// import encoding/json just to serialize a wire message.
func Marshal(v any) ([]byte, error) { return json.Marshal(v) }
