package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/burrowed/tunnel/internal/defaults"
	"github.com/burrowed/tunnel/observability"
	"github.com/burrowed/tunnel/registry"
	"github.com/burrowed/tunnel/tunnelerr"
	"github.com/burrowed/tunnel/wire"
	"github.com/google/uuid"
)

// readControlLoop owns the receive side of t's control connection for as
// long as it is attached. It blocks until the connection closes or a
// fatal read error occurs, dispatching every inbound frame along the
// way. A malformed text frame is logged and dropped, per spec.md §4.1/§7.
func (s *Server) readControlLoop(ctx context.Context, t *registry.Tunnel) {
	var httpSlot wire.HTTPSlot
	var wsSlot wire.WSSlot

	for {
		frame, err := t.Codec.ReadFrame(ctx)
		if err != nil {
			var malformed *wire.MalformedFrameError
			if errors.As(err, &malformed) {
				s.log.Printf("tunnel %s: dropping malformed frame: %v", t.Subdomain, malformed)
				continue
			}
			return
		}
		t.Touch()

		if frame.Binary != nil {
			wire.Dispatch(&httpSlot, &wsSlot, frame.Binary,
				func(h wire.PendingHTTPHeader, body []byte) { s.handleHTTPResponseBinary(t, h, body) },
				func(c wire.PendingStreamChunk, body []byte) { s.handleStreamChunk(t, c, body) },
				func(wsID string, body []byte) { s.handleWSMessageBinary(t, wsID, body) },
				func([]byte) { s.log.Printf("tunnel %s: dropping unannounced binary frame", t.Subdomain) },
			)
			continue
		}

		s.dispatchControlFrame(t, frame, &httpSlot, &wsSlot)
	}
}

func (s *Server) dispatchControlFrame(t *registry.Tunnel, frame wire.Frame, httpSlot *wire.HTTPSlot, wsSlot *wire.WSSlot) {
	switch frame.Type {
	case wire.TypeHTTPResponse:
		var m wire.HTTPResponse
		if err := json.Unmarshal(frame.Control, &m); err != nil {
			return
		}
		t.ResolveHTTPResponse(m.RequestID, registry.HTTPResult{Status: m.Status, Headers: m.Headers, Body: []byte(m.Body)})

	case wire.TypeHTTPResponseBinary:
		var m wire.HTTPResponseBinary
		if err := json.Unmarshal(frame.Control, &m); err != nil {
			return
		}
		if stale := httpSlot.SetHeader(wire.PendingHTTPHeader{RequestID: m.RequestID, Status: m.Status, Headers: m.Headers, BodySize: m.BodySize}); stale {
			s.log.Printf("tunnel %s: stale binary announcement discarded", t.Subdomain)
		}

	case wire.TypeHTTPResponseStreamStart:
		var m wire.HTTPResponseStreamStart
		if err := json.Unmarshal(frame.Control, &m); err != nil {
			return
		}
		t.PromoteToStream(m.RequestID, m.Status, m.Headers, m.TotalSize, m.TotalSize > 0)

	case wire.TypeHTTPResponseStreamChunk:
		var m wire.HTTPResponseStreamChunk
		if err := json.Unmarshal(frame.Control, &m); err != nil {
			return
		}
		if stale := httpSlot.SetChunk(wire.PendingStreamChunk{RequestID: m.RequestID, ChunkSize: m.ChunkSize}); stale {
			s.log.Printf("tunnel %s: stale binary announcement discarded", t.Subdomain)
		}

	case wire.TypeHTTPResponseStreamEnd:
		var m wire.HTTPResponseStreamEnd
		if err := json.Unmarshal(frame.Control, &m); err != nil {
			return
		}
		t.EndStream(m.RequestID)

	case wire.TypeHTTPResponseStreamError:
		var m wire.HTTPResponseStreamError
		if err := json.Unmarshal(frame.Control, &m); err != nil {
			return
		}
		t.ErrorStream(m.RequestID, errors.New(m.Error))

	case wire.TypePong:
		// Touch already recorded above; nothing else to do.

	case wire.TypeWSOpened:
		var m wire.WSOpened
		if err := json.Unmarshal(frame.Control, &m); err != nil {
			return
		}
		t.ResolveWSUpgrade(m.WSID, registry.WSUpgradeResult{Protocol: m.Protocol})

	case wire.TypeWSError:
		var m wire.WSError
		if err := json.Unmarshal(frame.Control, &m); err != nil {
			return
		}
		t.ResolveWSUpgrade(m.WSID, registry.WSUpgradeResult{Err: errors.New(m.Error)})

	case wire.TypeWSMessage:
		var m wire.WSMessage
		if err := json.Unmarshal(frame.Control, &m); err != nil {
			return
		}
		s.deliverWSText(t, m.WSID, m.Data)

	case wire.TypeWSMessageBinary:
		var m wire.WSMessageBinary
		if err := json.Unmarshal(frame.Control, &m); err != nil {
			return
		}
		if stale := wsSlot.Set(m.WSID); stale {
			s.log.Printf("tunnel %s: stale ws binary announcement discarded", t.Subdomain)
		}

	case wire.TypeWSClose:
		var m wire.WSClose
		if err := json.Unmarshal(frame.Control, &m); err != nil {
			return
		}
		s.deliverWSClose(t, m.WSID, m.Code, m.Reason)

	default:
		s.log.Printf("tunnel %s: unknown control frame type %q", t.Subdomain, frame.Type)
	}
}

func (s *Server) handleHTTPResponseBinary(t *registry.Tunnel, h wire.PendingHTTPHeader, body []byte) {
	t.ResolveHTTPResponse(h.RequestID, registry.HTTPResult{Status: h.Status, Headers: h.Headers, Body: body})
}

func (s *Server) handleStreamChunk(t *registry.Tunnel, c wire.PendingStreamChunk, body []byte) {
	t.PushStreamChunk(c.RequestID, body)
	s.obs.StreamProgress(t.Subdomain, observability.StreamKindHTTP, int64(len(body)))
}

// handlePublicRequest forwards one inbound public HTTP request to t's
// client and writes back whatever the client ultimately produces, per
// spec.md §4.4.
func (s *Server) handlePublicRequest(w http.ResponseWriter, r *http.Request, t *registry.Tunnel) {
	requestID := uuid.NewString()
	start := time.Now()
	s.obs.RequestStarted(t.Subdomain)

	var body []byte
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(io.LimitReader(r.Body, wire.MaxFrameBytes))
		if err != nil {
			http.Error(w, "bad request body", http.StatusBadRequest)
			s.obs.RequestCompleted(t.Subdomain, observability.RequestStatusAborted, time.Since(start))
			return
		}
		body = b
	}

	pending := t.NewPendingRequest(requestID)

	ctx, cancel := context.WithTimeout(r.Context(), defaults.RequestTimeout)
	defer cancel()

	msg := wire.HTTPRequest{
		Type:      wire.TypeHTTPRequest,
		RequestID: requestID,
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Headers:   wire.HeaderMap(r.Header),
		Body:      string(body),
	}
	if err := t.SendControl(ctx, msg); err != nil {
		t.CancelPendingRequest(requestID)
		classified := tunnelerr.Wrap(tunnelerr.ComponentServer, tunnelerr.StageDispatch, tunnelerr.CodeNoActiveTunnel, err)
		s.log.Printf("tunnel %s: %v", t.Subdomain, classified)
		http.Error(w, "tunnel unavailable", http.StatusBadGateway)
		s.obs.RequestCompleted(t.Subdomain, observability.RequestStatusBadGateway, time.Since(start))
		return
	}

	select {
	case res := <-pending.Result():
		s.writeBufferedResult(w, res, t, start)
	case streamStart := <-pending.StreamStarted():
		s.writeStream(w, requestID, streamStart, t, start)
	case <-ctx.Done():
		// PromoteToStream may have already won the race and moved
		// requestID into pendingStreams; Abandon unregisters whichever
		// table still holds it so the stream can't be orphaned there.
		t.Abandon(requestID)
		status := http.StatusGatewayTimeout
		reqStatus := observability.RequestStatusTimeout
		code := tunnelerr.CodeTimeout
		if r.Context().Err() != nil {
			status = http.StatusBadGateway
			reqStatus = observability.RequestStatusAborted
			code = tunnelerr.CodeCanceled
		}
		s.log.Printf("tunnel %s: %v", t.Subdomain, tunnelerr.Wrap(tunnelerr.ComponentServer, tunnelerr.StageDispatch, code, ctx.Err()))
		http.Error(w, "upstream timed out", status)
		if reqStatus == observability.RequestStatusTimeout {
			s.obs.RequestTimedOut(t.Subdomain)
		} else {
			s.obs.RequestCompleted(t.Subdomain, reqStatus, time.Since(start))
		}
	}

	go func() {
		_ = t.SendControl(context.Background(), wire.RequestTiming{
			Type:       wire.TypeRequestTiming,
			RequestID:  requestID,
			DurationMS: time.Since(start).Milliseconds(),
		})
	}()
}

func (s *Server) writeBufferedResult(w http.ResponseWriter, res registry.HTTPResult, t *registry.Tunnel, start time.Time) {
	if res.Err != nil {
		http.Error(w, "tunnel disconnected", http.StatusBadGateway)
		s.obs.RequestCompleted(t.Subdomain, observability.RequestStatusBadGateway, time.Since(start))
		return
	}
	applyHeaders(w.Header(), res.Headers)
	w.WriteHeader(res.Status)
	_, _ = w.Write(res.Body)
	s.obs.RequestCompleted(t.Subdomain, observability.RequestStatusOK, time.Since(start))
}

// errStreamConsumerGone marks a stream abandoned because the local
// response write failed (the public client disconnected mid-stream),
// as opposed to the tunnel client itself reporting an error.
var errStreamConsumerGone = errors.New("server: stream consumer gone")

// writeStream drains a promoted stream onto w. On any early exit that
// the client side doesn't already know about (a local write failure,
// not a client-reported ev.Err), it unregisters the stream via
// ErrorStream so readControlLoop stops delivering chunks for requestID
// instead of piling them into a buffer nobody drains.
func (s *Server) writeStream(w http.ResponseWriter, requestID string, start registry.StreamStart, t *registry.Tunnel, reqStart time.Time) {
	applyHeaders(w.Header(), start.Headers)
	w.WriteHeader(start.Status)
	flusher, _ := w.(http.Flusher)

	for ev := range start.Chunks {
		if ev.Err != nil {
			s.obs.RequestCompleted(t.Subdomain, observability.RequestStatusAborted, time.Since(reqStart))
			return
		}
		if len(ev.Chunk) > 0 {
			if _, err := w.Write(ev.Chunk); err != nil {
				t.ErrorStream(requestID, errStreamConsumerGone)
				s.obs.RequestCompleted(t.Subdomain, observability.RequestStatusAborted, time.Since(reqStart))
				return
			}
			s.obs.StreamProgress(t.Subdomain, observability.StreamKindHTTP, int64(len(ev.Chunk)))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if ev.End {
			break
		}
	}
	s.obs.RequestCompleted(t.Subdomain, observability.RequestStatusOK, time.Since(reqStart))
}

func applyHeaders(dst http.Header, headers []wire.Header) {
	for _, h := range headers {
		dst.Add(h.Name, h.Value)
	}
}
