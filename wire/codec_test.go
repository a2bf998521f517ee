package wire

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/burrowed/tunnel/realtime/ws"
	"github.com/gorilla/websocket"
)

func newCodecPair(t *testing.T) (client *Codec, server *Codec) {
	t.Helper()
	upgraded := make(chan *ws.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := ws.Upgrade(w, r, ws.UpgraderOptions{})
		if err != nil {
			t.Errorf("Upgrade: %v", err)
			return
		}
		upgraded <- c
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := ws.Dial(ctx, "ws"+srv.URL[4:], ws.DialOptions{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	select {
	case sc := <-upgraded:
		return NewCodec(c), NewCodec(sc)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server upgrade")
		return nil, nil
	}
}

func TestCodecControlRoundTrip(t *testing.T) {
	client, server := newCodecPair(t)
	defer client.Underlying().Close()
	defer server.Underlying().Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg := Connected{Type: TypeConnected, Subdomain: "sleepy-otter-a1b2"}
	if err := client.WriteControl(ctx, msg); err != nil {
		t.Fatalf("WriteControl: %v", err)
	}
	frame, err := server.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if frame.Type != TypeConnected {
		t.Errorf("frame.Type = %q, want %q", frame.Type, TypeConnected)
	}
	if frame.Binary != nil {
		t.Errorf("frame.Binary = %v, want nil for a text frame", frame.Binary)
	}
}

func TestCodecWriteSequenceIsAtomic(t *testing.T) {
	client, server := newCodecPair(t)
	defer client.Underlying().Close()
	defer server.Underlying().Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	body := []byte("binary-body")
	err := client.WriteSequence(func(write func(messageType int, b []byte) error) error {
		header, merr := Marshal(HTTPResponseBinary{
			Type:      TypeHTTPResponseBinary,
			RequestID: "r1",
			Status:    200,
			BodySize:  int64(len(body)),
		})
		if merr != nil {
			return merr
		}
		if err := write(websocket.TextMessage, header); err != nil {
			return err
		}
		return write(websocket.BinaryMessage, body)
	})
	if err != nil {
		t.Fatalf("WriteSequence: %v", err)
	}

	headerFrame, err := server.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame header: %v", err)
	}
	if headerFrame.Type != TypeHTTPResponseBinary {
		t.Fatalf("headerFrame.Type = %q, want %q", headerFrame.Type, TypeHTTPResponseBinary)
	}
	binFrame, err := server.ReadFrame(ctx)
	if err != nil {
		t.Fatalf("ReadFrame binary: %v", err)
	}
	if string(binFrame.Binary) != string(body) {
		t.Errorf("binFrame.Binary = %q, want %q", binFrame.Binary, body)
	}
}

func TestCodecReadFrameMalformedJSON(t *testing.T) {
	client, server := newCodecPair(t)
	defer client.Underlying().Close()
	defer server.Underlying().Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Underlying().Underlying().WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("raw WriteMessage: %v", err)
	}
	_, err := server.ReadFrame(ctx)
	if err == nil {
		t.Fatal("ReadFrame: want error for malformed JSON")
	}
	var malformed *MalformedFrameError
	if !errors.As(err, &malformed) {
		t.Fatalf("ReadFrame error = %v, want *MalformedFrameError", err)
	}
	if string(malformed.Raw) != "not json" {
		t.Errorf("malformed.Raw = %q, want %q", malformed.Raw, "not json")
	}
}
