package tunnelclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/burrowed/tunnel/realtime/ws"
	"github.com/burrowed/tunnel/wire"
	"github.com/gorilla/websocket"
)

func dialLoopbackPair(t *testing.T) (*ws.Conn, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{})
		if err != nil {
			return
		}
		_ = conn
	}))
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := ws.Dial(ctx, wsURL, ws.DialOptions{})
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	return conn, srv.Close
}

func TestLoopbackSocketsAddGetRemove(t *testing.T) {
	sockets := newLoopbackSockets()
	conn, cleanup := dialLoopbackPair(t)
	defer cleanup()

	sockets.add("ws-1", conn)
	got, ok := sockets.get("ws-1")
	if !ok || got != conn {
		t.Fatal("expected to find the registered socket")
	}

	sockets.remove("ws-1")
	if _, ok := sockets.get("ws-1"); ok {
		t.Fatal("expected socket to be gone after remove")
	}
}

func TestLoopbackSocketsDispatchBinaryUsesArmedTarget(t *testing.T) {
	sockets := newLoopbackSockets()
	conn, cleanup := dialLoopbackPair(t)
	defer cleanup()

	sockets.add("ws-1", conn)
	sockets.armBinaryTarget("ws-1")
	sockets.dispatchBinary([]byte("payload"))

	// Unknown/unarmed targets must be dropped silently rather than panicking.
	sockets.dispatchBinary([]byte("orphaned"))
}

func TestLoopbackSocketsCloseOneDefaultsCode(t *testing.T) {
	sockets := newLoopbackSockets()
	conn, cleanup := dialLoopbackPair(t)
	defer cleanup()

	sockets.add("ws-1", conn)
	sockets.closeOne("ws-1", 0, "bye")
	if _, ok := sockets.get("ws-1"); ok {
		t.Fatal("expected socket to be removed by closeOne")
	}
}

func TestLoopbackSocketsCloseAllEmptiesTable(t *testing.T) {
	sockets := newLoopbackSockets()
	connA, cleanupA := dialLoopbackPair(t)
	defer cleanupA()
	connB, cleanupB := dialLoopbackPair(t)
	defer cleanupB()

	sockets.add("ws-a", connA)
	sockets.add("ws-b", connB)
	sockets.closeAll(websocket.CloseGoingAway, "shutting down")

	if _, ok := sockets.get("ws-a"); ok {
		t.Fatal("expected ws-a to be closed and removed")
	}
	if _, ok := sockets.get("ws-b"); ok {
		t.Fatal("expected ws-b to be closed and removed")
	}
}

func TestOpenLoopbackSocketSendsErrorOnDialFailure(t *testing.T) {
	sockets := newLoopbackSockets()
	out := &fakeSend{}
	// Nothing listens on port 1; the dial should fail fast and report ws_error.
	openLoopbackSocket(context.Background(), 1, out, sockets, wire.WSOpen{WSID: "ws-1", Path: "/socket"})

	last := out.last()
	if last == nil {
		t.Fatal("expected a control message to be sent")
	}
	if _, ok := last.(wire.WSError); !ok {
		t.Fatalf("expected a ws_error, got %#v", last)
	}
}
