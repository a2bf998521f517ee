// Package tunnelclient implements the tunnel client half: it dials the
// server's control channel, forwards http_request/ws_open messages to a
// local application, and relays the results back across the wire.
package tunnelclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/burrowed/tunnel/compress"
	"github.com/burrowed/tunnel/tunnelerr"
	"github.com/burrowed/tunnel/wire"
	"github.com/gorilla/websocket"
)

const (
	inlineThreshold    = 256 << 10
	rawStreamThreshold = 100 << 20
	inlineBinaryFloor  = 64 << 10
	streamChunkSize    = 64 << 10
)

// Dashboard receives best-effort, non-blocking notifications about
// requests the handler is forwarding, for a terminal UI or log line.
// A nil Dashboard is valid and simply means no one is watching.
type Dashboard interface {
	RequestObserved(method, path, class string)
}

// RequestHandler forwards http_request messages received on a control
// connection to a loopback HTTP server, and sends the result back using
// whichever of the four wire response modes spec.md §4.6 calls for.
type RequestHandler struct {
	localPort int
	client    *http.Client
	dashboard Dashboard
}

// NewRequestHandler returns a handler that forwards to
// http://localhost:<localPort>.
func NewRequestHandler(localPort int, dashboard Dashboard) *RequestHandler {
	return &RequestHandler{
		localPort: localPort,
		client: &http.Client{
			Transport: &http.Transport{DisableCompression: true},
		},
		dashboard: dashboard,
	}
}

// send abstracts however the caller transmits wire messages and
// announced binary frames back to the server, so RequestHandler does
// not need to know about the reconnect supervisor's live connection.
type send interface {
	SendControl(ctx context.Context, v any) error
	SendSequence(ctx context.Context, fn func(write func(messageType int, b []byte) error) error) error
}

// Handle forwards one http_request and writes its outcome back via out.
func (h *RequestHandler) Handle(ctx context.Context, out send, req wire.HTTPRequest) {
	h.notify(req)

	upstreamReq, err := h.buildUpstreamRequest(ctx, req)
	if err != nil {
		h.sendBadGateway(ctx, out, req.RequestID, err)
		return
	}

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.sendBadGateway(ctx, out, req.RequestID, err)
		return
	}
	defer resp.Body.Close()

	if conditional, ok := h.tryConditionalGet(req, resp); ok {
		_ = out.SendControl(ctx, conditional)
		return
	}

	switch {
	case isSSE(resp.Header):
		h.streamSSE(ctx, out, req.RequestID, resp)
	case resp.ContentLength >= 0 && resp.ContentLength <= inlineThreshold:
		h.sendInline(ctx, out, req, resp)
	case resp.ContentLength > inlineThreshold && resp.ContentLength <= rawStreamThreshold:
		h.sendCompressedStream(ctx, out, req, resp)
	default:
		h.sendRawStream(ctx, out, req.RequestID, resp)
	}
}

func (h *RequestHandler) notify(req wire.HTTPRequest) {
	if h.dashboard == nil {
		return
	}
	h.dashboard.RequestObserved(req.Method, req.Path, classify(req))
}

func classify(req wire.HTTPRequest) string {
	if strings.EqualFold(headerValue(req.Headers, "Upgrade"), "websocket") {
		return "ws"
	}
	if strings.Contains(headerValue(req.Headers, "Accept"), "text/event-stream") {
		return "sse"
	}
	if strings.Contains(req.Path, "/__hmr") || strings.Contains(req.Path, "hot-update") {
		return "sse"
	}
	return "http"
}

func (h *RequestHandler) buildUpstreamRequest(ctx context.Context, req wire.HTTPRequest) (*http.Request, error) {
	url := fmt.Sprintf("http://localhost:%d%s", h.localPort, req.Path)
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, err
	}
	upstreamReq.Header = stripRequestHeaders(req.Headers, req.Method)
	return upstreamReq, nil
}

func (h *RequestHandler) sendBadGateway(ctx context.Context, out send, requestID string, err error) {
	classified := tunnelerr.Wrap(tunnelerr.ComponentClient, tunnelerr.StageForward, tunnelerr.CodeLoopbackUnreachable, err)
	_ = out.SendControl(ctx, wire.HTTPResponse{
		Type:      wire.TypeHTTPResponse,
		RequestID: requestID,
		Status:    http.StatusBadGateway,
		Body:      "Bad Gateway: " + classified.Error(),
	})
}

// tryConditionalGet implements spec.md §4.6 step 4: a 200 response whose
// ETag matches the request's If-None-Match (modulo a weak "W/" prefix)
// is rewritten to a bodyless 304.
func (h *RequestHandler) tryConditionalGet(req wire.HTTPRequest, resp *http.Response) (wire.HTTPResponse, bool) {
	if resp.StatusCode != http.StatusOK {
		return wire.HTTPResponse{}, false
	}
	inm := headerValue(req.Headers, "If-None-Match")
	etag := resp.Header.Get("ETag")
	if inm == "" || etag == "" {
		return wire.HTTPResponse{}, false
	}
	if !strings.EqualFold(strings.TrimPrefix(inm, "W/"), strings.TrimPrefix(etag, "W/")) {
		return wire.HTTPResponse{}, false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	headers := make([]wire.Header, 0, 3)
	headers = append(headers, wire.Header{Name: "ETag", Value: etag})
	if cc := resp.Header.Get("Cache-Control"); cc != "" {
		headers = append(headers, wire.Header{Name: "Cache-Control", Value: cc})
	}
	if vary := resp.Header.Get("Vary"); vary != "" {
		headers = append(headers, wire.Header{Name: "Vary", Value: vary})
	}
	return wire.HTTPResponse{
		Type:      wire.TypeHTTPResponse,
		RequestID: req.RequestID,
		Status:    http.StatusNotModified,
		Headers:   headers,
	}, true
}

func isSSE(h http.Header) bool {
	return strings.Contains(strings.ToLower(h.Get("Content-Type")), "text/event-stream") ||
		strings.EqualFold(h.Get("X-Accel-Buffering"), "no")
}

func (h *RequestHandler) streamSSE(ctx context.Context, out send, requestID string, resp *http.Response) {
	headers := stripResponseHeaders(resp.Header)
	if err := out.SendControl(ctx, wire.HTTPResponseStreamStart{
		Type:      wire.TypeHTTPResponseStreamStart,
		RequestID: requestID,
		Status:    resp.StatusCode,
		Headers:   headers,
	}); err != nil {
		return
	}
	buf := make([]byte, streamChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if sendErr := h.sendChunk(ctx, out, requestID, buf[:n]); sendErr != nil {
				h.sendStreamError(ctx, out, requestID, sendErr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				_ = out.SendControl(ctx, wire.HTTPResponseStreamEnd{Type: wire.TypeHTTPResponseStreamEnd, RequestID: requestID})
				return
			}
			h.sendStreamError(ctx, out, requestID, err)
			return
		}
	}
}

func (h *RequestHandler) sendInline(ctx context.Context, out send, req wire.HTTPRequest, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.sendStreamError(ctx, out, req.RequestID, err)
		return
	}
	enc, encoded := h.maybeCompress(req, resp.Header, body)

	headers := stripResponseHeaders(resp.Header)
	if enc != compress.EncodingNone {
		headers = append(headers, wire.Header{Name: "Content-Encoding", Value: string(enc)})
	}

	if enc == compress.EncodingNone && len(encoded) < inlineBinaryFloor {
		_ = out.SendControl(ctx, wire.HTTPResponse{
			Type:      wire.TypeHTTPResponse,
			RequestID: req.RequestID,
			Status:    resp.StatusCode,
			Headers:   headers,
			Body:      string(encoded),
		})
		return
	}

	h.sendBufferedBinary(ctx, out, req.RequestID, resp.StatusCode, headers, encoded)
}

func (h *RequestHandler) sendCompressedStream(ctx context.Context, out send, req wire.HTTPRequest, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.sendStreamError(ctx, out, req.RequestID, err)
		return
	}
	enc, encoded := h.maybeCompress(req, resp.Header, body)
	headers := stripResponseHeaders(resp.Header)
	if enc != compress.EncodingNone {
		headers = append(headers, wire.Header{Name: "Content-Encoding", Value: string(enc)})
	}

	if err := out.SendControl(ctx, wire.HTTPResponseStreamStart{
		Type:      wire.TypeHTTPResponseStreamStart,
		RequestID: req.RequestID,
		Status:    resp.StatusCode,
		Headers:   headers,
		TotalSize: int64(len(encoded)),
	}); err != nil {
		return
	}

	r := bytes.NewReader(encoded)
	buf := make([]byte, streamChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if sendErr := h.sendChunk(ctx, out, req.RequestID, buf[:n]); sendErr != nil {
				h.sendStreamError(ctx, out, req.RequestID, sendErr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				_ = out.SendControl(ctx, wire.HTTPResponseStreamEnd{Type: wire.TypeHTTPResponseStreamEnd, RequestID: req.RequestID})
				return
			}
			h.sendStreamError(ctx, out, req.RequestID, err)
			return
		}
	}
}

func (h *RequestHandler) sendRawStream(ctx context.Context, out send, requestID string, resp *http.Response) {
	headers := wire.HeaderMap(resp.Header)
	start := wire.HTTPResponseStreamStart{
		Type:      wire.TypeHTTPResponseStreamStart,
		RequestID: requestID,
		Status:    resp.StatusCode,
		Headers:   headers,
	}
	if resp.ContentLength > 0 {
		start.TotalSize = resp.ContentLength
	}
	if err := out.SendControl(ctx, start); err != nil {
		return
	}
	buf := make([]byte, streamChunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if sendErr := h.sendChunk(ctx, out, requestID, buf[:n]); sendErr != nil {
				h.sendStreamError(ctx, out, requestID, sendErr)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				_ = out.SendControl(ctx, wire.HTTPResponseStreamEnd{Type: wire.TypeHTTPResponseStreamEnd, RequestID: requestID})
				return
			}
			h.sendStreamError(ctx, out, requestID, err)
			return
		}
	}
}

func (h *RequestHandler) sendBufferedBinary(ctx context.Context, out send, requestID string, status int, headers []wire.Header, body []byte) {
	_ = out.SendSequence(ctx, func(write func(int, []byte) error) error {
		header, err := wire.Marshal(wire.HTTPResponseBinary{
			Type:      wire.TypeHTTPResponseBinary,
			RequestID: requestID,
			Status:    status,
			Headers:   headers,
			BodySize:  int64(len(body)),
		})
		if err != nil {
			return err
		}
		if err := write(websocket.TextMessage, header); err != nil {
			return err
		}
		return write(websocket.BinaryMessage, body)
	})
}

func (h *RequestHandler) sendChunk(ctx context.Context, out send, requestID string, chunk []byte) error {
	return out.SendSequence(ctx, func(write func(int, []byte) error) error {
		header, err := wire.Marshal(wire.HTTPResponseStreamChunk{
			Type:      wire.TypeHTTPResponseStreamChunk,
			RequestID: requestID,
			ChunkSize: len(chunk),
		})
		if err != nil {
			return err
		}
		if err := write(websocket.TextMessage, header); err != nil {
			return err
		}
		return write(websocket.BinaryMessage, chunk)
	})
}

func (h *RequestHandler) sendStreamError(ctx context.Context, out send, requestID string, err error) {
	classified := tunnelerr.Wrap(tunnelerr.ComponentClient, tunnelerr.StageStream, tunnelerr.CodeUpstreamGone, err)
	_ = out.SendControl(ctx, wire.HTTPResponseStreamError{
		Type:      wire.TypeHTTPResponseStreamError,
		RequestID: requestID,
		Error:     classified.Error(),
	})
}

// maybeCompress applies spec.md §4.6's compression rule: negotiated only
// for Inline/Compressed-stream responses, gated by size/content-type/
// Accept-Encoding, falling back to the original body on any failure.
func (h *RequestHandler) maybeCompress(req wire.HTTPRequest, respHeaders http.Header, body []byte) (compress.Encoding, []byte) {
	enc := compress.Negotiate(headerValue(req.Headers, "Accept-Encoding"), respHeaders.Get("Content-Type"), len(body))
	if enc == compress.EncodingNone {
		return compress.EncodingNone, body
	}
	encoded, err := compress.Encode(enc, body)
	if err != nil {
		return compress.EncodingNone, body
	}
	return enc, encoded
}
