package tunnelclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/burrowed/tunnel/auth"
	"github.com/burrowed/tunnel/internal/contextutil"
	"github.com/burrowed/tunnel/internal/defaults"
	"github.com/burrowed/tunnel/realtime/ws"
	"github.com/burrowed/tunnel/wire"
	"github.com/gorilla/websocket"
)

// Config configures a Client.
type Config struct {
	ServerURL string // e.g. "wss://tunnel.example.com"
	APIKey    string
	LocalPort int
	Subdomain string // preferred/sticky subdomain; empty lets the server pick
	Dashboard Dashboard
	Logger    *log.Logger
}

// ConnectionEvent reports a lifecycle transition of the supervisor's
// control connection, for a terminal UI.
type ConnectionEvent struct {
	State     string // "connecting", "open", "closed"
	Subdomain string
	Err       error
}

// Client drives the reconnect supervisor described in spec.md §4.7: it
// dials the server's control channel, forwards http_request/ws_open
// traffic to the local application, and reconnects with exponential
// backoff on any disconnect after the first successful open.
type Client struct {
	cfg     Config
	handler *RequestHandler
	log     *log.Logger

	Events chan ConnectionEvent

	mu        sync.Mutex
	subdomain string
}

// NewClient returns a Client ready to Run.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		cfg:       cfg,
		handler:   NewRequestHandler(cfg.LocalPort, cfg.Dashboard),
		log:       logger,
		Events:    make(chan ConnectionEvent, 32),
		subdomain: cfg.Subdomain,
	}
}

// Run connects and, on success, reconnects forever (with backoff) until
// ctx is cancelled. The first connection attempt's error is returned
// directly; per spec.md §4.7/§6, an initial failure is the one case
// that should end the process non-zero; every later failure is absorbed
// into the reconnect loop instead.
func (c *Client) Run(ctx context.Context) error {
	if err := c.connectOnce(ctx); err != nil {
		return err
	}
	attempt := 0
	for {
		attempt++
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(defaults.ReconnectDelay(attempt)):
		}
		c.emit(ConnectionEvent{State: "connecting", Subdomain: c.currentSubdomain()})
		if err := c.connectOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Printf("tunnel: reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		attempt = 0
	}
}

func (c *Client) currentSubdomain() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subdomain
}

func (c *Client) setSubdomain(s string) {
	c.mu.Lock()
	c.subdomain = s
	c.mu.Unlock()
}

// connectOnce dials, attaches, and blocks until the connection closes.
// It returns nil once an "open" state was reached, even if the
// connection later dropped; the caller treats only a pre-open failure
// as fatal.
func (c *Client) connectOnce(ctx context.Context) error {
	dialURL, err := c.buildConnectURL()
	if err != nil {
		return err
	}

	dialCtx, cancel := contextutil.WithTimeout(ctx, defaults.ConnectTimeout)
	conn, resp, err := ws.Dial(dialCtx, dialURL, ws.DialOptions{
		Header: http.Header{auth.HeaderName: []string{c.cfg.APIKey}},
	})
	cancel()
	if err != nil {
		if resp != nil {
			return fmt.Errorf("tunnel: connect rejected: %s", resp.Status)
		}
		return fmt.Errorf("tunnel: dial failed: %w", err)
	}
	conn.SetReadLimit(wire.MaxFrameBytes)
	codec := wire.NewCodec(conn)
	sender := codecSend{codec: codec}

	connCtx, connCancel := context.WithCancel(ctx)
	defer connCancel()

	sockets := newLoopbackSockets()
	defer sockets.closeAll(websocket.CloseGoingAway, "tunnel disconnected")

	go c.pongLoop(connCtx, sender)

	opened := false
	for {
		frame, err := codec.ReadFrame(connCtx)
		if err != nil {
			if opened {
				c.emit(ConnectionEvent{State: "closed", Subdomain: c.currentSubdomain(), Err: err})
				return nil
			}
			return err
		}

		if frame.Binary != nil {
			sockets.dispatchBinary(frame.Binary)
			continue
		}

		switch frame.Type {
		case wire.TypeConnected:
			var m wire.Connected
			if err := json.Unmarshal(frame.Control, &m); err != nil {
				continue
			}
			c.setSubdomain(m.Subdomain)
			opened = true
			c.emit(ConnectionEvent{State: "open", Subdomain: m.Subdomain})

		case wire.TypeHTTPRequest:
			var m wire.HTTPRequest
			if err := json.Unmarshal(frame.Control, &m); err != nil {
				continue
			}
			go c.handler.Handle(connCtx, sender, m)

		case wire.TypePing:
			_ = codec.WriteControl(connCtx, wire.Pong{Type: wire.TypePong})

		case wire.TypeWSOpen:
			var m wire.WSOpen
			if err := json.Unmarshal(frame.Control, &m); err != nil {
				continue
			}
			go openLoopbackSocket(connCtx, c.cfg.LocalPort, sender, sockets, m)

		case wire.TypeWSMessage:
			var m wire.WSMessage
			if err := json.Unmarshal(frame.Control, &m); err != nil {
				continue
			}
			sockets.sendText(m.WSID, m.Data)

		case wire.TypeWSMessageBinary:
			var m wire.WSMessageBinary
			if err := json.Unmarshal(frame.Control, &m); err != nil {
				continue
			}
			sockets.armBinaryTarget(m.WSID)

		case wire.TypeWSClose:
			var m wire.WSClose
			if err := json.Unmarshal(frame.Control, &m); err != nil {
				continue
			}
			sockets.closeOne(m.WSID, m.Code, m.Reason)

		case wire.TypeError:
			var m wire.Error
			if err := json.Unmarshal(frame.Control, &m); err == nil {
				c.log.Printf("tunnel: server error: %s", m.Message)
			}
		}
	}
}

// pongLoop sends an unsolicited keepalive pong every ClientPongInterval
// regardless of server pings, per spec.md §4.6.
func (c *Client) pongLoop(ctx context.Context, out send) {
	ticker := time.NewTicker(defaults.ClientPongInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = out.SendControl(ctx, wire.Pong{Type: wire.TypePong})
		}
	}
}

func (c *Client) buildConnectURL() (string, error) {
	base, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return "", fmt.Errorf("tunnel: invalid server url: %w", err)
	}
	base.Path = "/__tunnel__/connect"
	q := base.Query()
	q.Set("port", fmt.Sprintf("%d", c.cfg.LocalPort))
	if sd := c.currentSubdomain(); sd != "" {
		q.Set("subdomain", sd)
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (c *Client) emit(ev ConnectionEvent) {
	select {
	case c.Events <- ev:
	default:
	}
}

// codecSend adapts a *wire.Codec to the send interface RequestHandler
// and the WS loopback pump use to write back across the tunnel.
type codecSend struct {
	codec *wire.Codec
}

func (s codecSend) SendControl(ctx context.Context, v any) error {
	return s.codec.WriteControl(ctx, v)
}

func (s codecSend) SendSequence(ctx context.Context, fn func(write func(int, []byte) error) error) error {
	return s.codec.WriteSequence(fn)
}
