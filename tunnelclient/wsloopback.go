package tunnelclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/burrowed/tunnel/realtime/ws"
	"github.com/burrowed/tunnel/wire"
	"github.com/gorilla/websocket"
)

// loopbackSockets tracks the browser-facing WebSocket passthroughs this
// client has opened against its local application, keyed by the wsId
// the server assigned. Mirrors the tunnel registry's BrowserSocket
// table but lives client-side, keyed the same way.
type loopbackSockets struct {
	mu                  sync.Mutex
	open                map[string]*ws.Conn
	pendingBinaryTarget string
}

func newLoopbackSockets() *loopbackSockets {
	return &loopbackSockets{open: make(map[string]*ws.Conn)}
}

func (l *loopbackSockets) add(wsID string, conn *ws.Conn) {
	l.mu.Lock()
	l.open[wsID] = conn
	l.mu.Unlock()
}

func (l *loopbackSockets) get(wsID string) (*ws.Conn, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.open[wsID]
	return c, ok
}

func (l *loopbackSockets) remove(wsID string) {
	l.mu.Lock()
	delete(l.open, wsID)
	l.mu.Unlock()
}

func (l *loopbackSockets) sendText(wsID, data string) {
	conn, ok := l.get(wsID)
	if !ok {
		return
	}
	_ = conn.WriteMessage(context.Background(), websocket.TextMessage, []byte(data))
}

func (l *loopbackSockets) dispatchBinary(data []byte) {
	l.mu.Lock()
	wsID := l.pendingBinaryTarget
	l.pendingBinaryTarget = ""
	conn, ok := l.open[wsID]
	l.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.WriteMessage(context.Background(), websocket.BinaryMessage, data)
}

func (l *loopbackSockets) armBinaryTarget(wsID string) {
	l.mu.Lock()
	l.pendingBinaryTarget = wsID
	l.mu.Unlock()
}

func (l *loopbackSockets) closeOne(wsID string, code int, reason string) {
	l.mu.Lock()
	conn, ok := l.open[wsID]
	delete(l.open, wsID)
	l.mu.Unlock()
	if !ok {
		return
	}
	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	_ = conn.CloseWithStatus(code, reason)
}

func (l *loopbackSockets) closeAll(code int, reason string) {
	l.mu.Lock()
	conns := l.open
	l.open = make(map[string]*ws.Conn)
	l.mu.Unlock()
	for _, conn := range conns {
		_ = conn.CloseWithStatus(code, reason)
	}
}

// openLoopbackSocket dials the local application's WebSocket endpoint on
// behalf of a browser-initiated upgrade and, on success, relays frames
// from the loopback socket to the tunnel until either side closes, per
// spec.md §4.5 step 2 and the "client -> browser" half of the relay.
// Frames bound for the loopback socket go through loopbackSockets. Grounded on the request
// proxy's dial-then-pump relay, adapted to wrap each direction in the
// tunnel's ws_message/ws_message_binary/ws_close control messages
// instead of a raw length-prefixed frame.
func openLoopbackSocket(ctx context.Context, localPort int, out send, sockets *loopbackSockets, open wire.WSOpen) {
	dialURL := fmt.Sprintf("ws://localhost:%d%s", localPort, open.Path)
	header := make(map[string][]string)
	for _, h := range open.Headers {
		switch h.Name {
		case "Host", "Upgrade", "Connection", "Sec-WebSocket-Key", "Sec-WebSocket-Version", "Sec-WebSocket-Extensions":
			continue
		default:
			header[h.Name] = append(header[h.Name], h.Value)
		}
	}
	dialer := &websocket.Dialer{}
	if open.Protocol != "" {
		dialer.Subprotocols = []string{open.Protocol}
	}

	conn, resp, err := ws.Dial(ctx, dialURL, ws.DialOptions{Header: header, Dialer: dialer})
	if err != nil {
		msg := err.Error()
		if resp != nil {
			msg = fmt.Sprintf("upstream rejected upgrade: %s", resp.Status)
		}
		_ = out.SendControl(ctx, wire.WSError{Type: wire.TypeWSError, WSID: open.WSID, Error: msg})
		return
	}
	conn.SetReadLimit(wire.MaxFrameBytes)

	protocol := ""
	if resp != nil {
		protocol = resp.Header.Get("Sec-WebSocket-Protocol")
	}
	if err := out.SendControl(ctx, wire.WSOpened{Type: wire.TypeWSOpened, WSID: open.WSID, Protocol: protocol}); err != nil {
		_ = conn.Close()
		return
	}

	sockets.add(open.WSID, conn)
	defer sockets.remove(open.WSID)

	for {
		mt, data, err := conn.ReadMessage(ctx)
		if err != nil {
			_ = out.SendControl(ctx, wire.WSClose{Type: wire.TypeWSClose, WSID: open.WSID, Code: websocket.CloseNormalClosure})
			return
		}
		switch mt {
		case websocket.TextMessage:
			if err := out.SendControl(ctx, wire.WSMessage{Type: wire.TypeWSMessage, WSID: open.WSID, Data: string(data)}); err != nil {
				return
			}
		case websocket.BinaryMessage:
			err := out.SendSequence(ctx, func(write func(int, []byte) error) error {
				header, err := wire.Marshal(wire.WSMessageBinary{Type: wire.TypeWSMessageBinary, WSID: open.WSID})
				if err != nil {
					return err
				}
				if err := write(websocket.TextMessage, header); err != nil {
					return err
				}
				return write(websocket.BinaryMessage, data)
			})
			if err != nil {
				return
			}
		}
	}
}
