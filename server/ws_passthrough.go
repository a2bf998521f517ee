package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/burrowed/tunnel/internal/contextutil"
	"github.com/burrowed/tunnel/internal/defaults"
	"github.com/burrowed/tunnel/observability"
	"github.com/burrowed/tunnel/realtime/ws"
	"github.com/burrowed/tunnel/registry"
	"github.com/burrowed/tunnel/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// handleBrowserWebSocket upgrades a browser's WebSocket request and
// relays it through t's control channel to the client's loopback
// WebSocket, per spec.md §4.5. Grounded on the request/response proxy's
// bidirectional relay pump, adapted to the tunnel's ws_open/ws_message/
// ws_close control messages instead of raw relayed frames.
func (s *Server) handleBrowserWebSocket(w http.ResponseWriter, r *http.Request, t *registry.Tunnel) {
	wsID := uuid.NewString()
	pending := t.NewPendingWSUpgrade(wsID)

	ctx, cancel := contextutil.WithTimeout(context.Background(), defaults.WSUpgradeTimeout)
	defer cancel()

	open := wire.WSOpen{
		Type:    wire.TypeWSOpen,
		WSID:    wsID,
		Path:    r.URL.RequestURI(),
		Headers: wire.HeaderMap(r.Header),
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		open.Protocol = proto
	}
	if err := t.SendControl(ctx, open); err != nil {
		t.CancelPendingWSUpgrade(wsID)
		http.Error(w, "tunnel unavailable", http.StatusBadGateway)
		return
	}

	var protocol string
	select {
	case res := <-pending.Result():
		if res.Err != nil {
			s.log.Printf("tunnel %s: upstream ws open failed: %v", t.Subdomain, res.Err)
			http.Error(w, "upstream ws open failed", http.StatusBadGateway)
			return
		}
		protocol = res.Protocol
	case <-ctx.Done():
		t.CancelPendingWSUpgrade(wsID)
		http.Error(w, "upstream ws open timed out", http.StatusBadGateway)
		return
	}

	// Only now, with the client's ws_opened in hand, do we complete the
	// browser's own 101 switch, answering with the protocol the client
	// actually negotiated rather than re-deciding it independently.
	upgraderOpts := ws.UpgraderOptions{}
	if protocol != "" {
		upgraderOpts.Subprotocols = []string{protocol}
	}
	browserConn, err := ws.Upgrade(w, r, upgraderOpts)
	if err != nil {
		s.log.Printf("tunnel %s: browser ws upgrade failed: %v", t.Subdomain, err)
		_ = t.SendControl(context.Background(), wire.WSClose{Type: wire.TypeWSClose, WSID: wsID, Code: websocket.CloseInternalServerErr, Reason: "browser upgrade failed"})
		return
	}
	browserConn.SetReadLimit(wire.MaxFrameBytes)

	t.RegisterBrowserSocket(wsID, browserConn)
	defer t.UnregisterBrowserSocket(wsID)

	runBrowserPump(t, wsID, browserConn)
}

// runBrowserPump relays frames between the browser connection and the
// client's loopback socket (via control messages) until either side
// closes or errors. One goroutine reads the browser connection and
// reports its first error on errCh; browser-bound frames arrive through
// deliverWSText/handleWSMessageBinary. Teardown happens exactly once.
func runBrowserPump(t *registry.Tunnel, wsID string, browserConn *ws.Conn) {
	errCh := make(chan error, 2)
	var once sync.Once
	closeAll := func(code int, reason string) {
		once.Do(func() {
			_ = browserConn.CloseWithStatus(code, reason)
			_ = t.SendControl(context.Background(), wire.WSClose{Type: wire.TypeWSClose, WSID: wsID, Code: code, Reason: reason})
		})
	}

	go func() {
		for {
			mt, data, err := browserConn.ReadMessage(context.Background())
			if err != nil {
				errCh <- err
				return
			}
			ctx := context.Background()
			var sendErr error
			switch mt {
			case websocket.TextMessage:
				sendErr = t.SendControl(ctx, wire.WSMessage{Type: wire.TypeWSMessage, WSID: wsID, Data: string(data)})
			case websocket.BinaryMessage:
				sendErr = t.SendSequence(ctx, func(write func(int, []byte) error) error {
					header, err := wire.Marshal(wire.WSMessageBinary{Type: wire.TypeWSMessageBinary, WSID: wsID})
					if err != nil {
						return err
					}
					if err := write(websocket.TextMessage, header); err != nil {
						return err
					}
					return write(websocket.BinaryMessage, data)
				})
			}
			if sendErr != nil {
				errCh <- sendErr
				return
			}
		}
	}()

	<-errCh
	closeAll(websocket.CloseNormalClosure, "closed")
}

// deliverWSText writes an inbound ws_message payload to its browser
// socket, if still tracked.
func (s *Server) deliverWSText(t *registry.Tunnel, wsID, data string) {
	bs, ok := t.BrowserSocket(wsID)
	if !ok {
		return
	}
	_ = bs.Conn.WriteMessage(context.Background(), websocket.TextMessage, []byte(data))
}

// handleWSMessageBinary writes an inbound ws_message_binary payload to
// its browser socket, if still tracked.
func (s *Server) handleWSMessageBinary(t *registry.Tunnel, wsID string, body []byte) {
	bs, ok := t.BrowserSocket(wsID)
	if !ok {
		return
	}
	_ = bs.Conn.WriteMessage(context.Background(), websocket.BinaryMessage, body)
	s.obs.StreamProgress(t.Subdomain, observability.StreamKindWS, int64(len(body)))
}

// deliverWSClose closes the browser socket in response to the client's
// ws_close, and forgets it.
func (s *Server) deliverWSClose(t *registry.Tunnel, wsID string, code int, reason string) {
	bs, ok := t.BrowserSocket(wsID)
	if !ok {
		return
	}
	t.UnregisterBrowserSocket(wsID)
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = bs.Conn.CloseWithStatus(code, reason)
}
