// Package registry holds the live set of connected tunnels and, per
// tunnel, the tables correlating in-flight public requests, streams, and
// browser WebSocket passthroughs with frames arriving on that tunnel's
// control connection.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/burrowed/tunnel/realtime/ws"
	"github.com/burrowed/tunnel/wire"
)

// ErrAbandoned marks a stream whose local waiter gave up (e.g. the
// request's context was canceled) after losing the race against
// PromoteToStream, rather than a failure reported by the client.
var ErrAbandoned = errors.New("registry: pending stream abandoned")

// HTTPResult is the outcome delivered to a pending request once the
// client sends http_response or http_response_binary.
type HTTPResult struct {
	Status  int
	Headers []wire.Header
	Body    []byte
	Err     error
}

// StreamStart is delivered to a pending request once the client responds
// with http_response_stream_start, redirecting the caller onto the
// streaming path instead of a single HTTPResult.
type StreamStart struct {
	Status    int
	Headers   []wire.Header
	TotalSize int64
	Known     bool
	Chunks    <-chan StreamEvent
}

// StreamEvent is one unit pushed onto a stream's channel: either a body
// chunk, a clean end, or a fatal error.
type StreamEvent struct {
	Chunk []byte
	End   bool
	Err   error
}

// PendingRequest is the correlation record for one in-flight public
// request forwarded to a client over the control channel.
type PendingRequest struct {
	id            string
	resultCh      chan HTTPResult
	streamStartCh chan StreamStart

	mu       sync.Mutex
	resolved bool
}

func newPendingRequest(id string) *PendingRequest {
	return &PendingRequest{
		id:            id,
		resultCh:      make(chan HTTPResult, 1),
		streamStartCh: make(chan StreamStart, 1),
	}
}

// Result blocks until the request resolves to a buffered HTTPResult or
// the channel is closed.
func (p *PendingRequest) Result() <-chan HTTPResult { return p.resultCh }

// StreamStarted blocks until the request is promoted to a stream.
func (p *PendingRequest) StreamStarted() <-chan StreamStart { return p.streamStartCh }

func (p *PendingRequest) resolveOnce() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return false
	}
	p.resolved = true
	return true
}

// PendingStream is the correlation record for an in-flight streaming
// response (http_response_stream_start/_chunk/_end/_error).
type PendingStream struct {
	id     string
	chunks chan StreamEvent

	mu     sync.Mutex
	closed bool
}

func newPendingStream(id string) *PendingStream {
	return &PendingStream{id: id, chunks: make(chan StreamEvent, 8)}
}

// push delivers ev without ever blocking the caller, which is always
// the single control-reader goroutine for this stream's tunnel. A
// consumer that stops draining Chunks (browser gone, write failed)
// must never be able to stall that goroutine, so a full buffer drops
// the event instead of waiting for room. A terminal event (End/Err)
// that can't be buffered still closes the channel directly, so a
// ranging reader sees end-of-stream instead of hanging forever.
func (s *PendingStream) push(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.chunks <- ev:
		if ev.End || ev.Err != nil {
			s.closed = true
			close(s.chunks)
		}
	default:
		if ev.End || ev.Err != nil {
			s.closed = true
			close(s.chunks)
		}
	}
}

// BrowserSocket tracks one browser-facing passthrough WebSocket so it can
// be closed when its tunnel disconnects.
type BrowserSocket struct {
	WSID string
	Conn *ws.Conn
}

// PendingWSUpgrade is the correlation record for a browser WebSocket
// upgrade awaiting the client's ws_opened/ws_error confirmation.
type PendingWSUpgrade struct {
	resultCh chan WSUpgradeResult
}

// WSUpgradeResult is delivered once the client answers a ws_open.
type WSUpgradeResult struct {
	Protocol string
	Err      error
}

func newPendingWSUpgrade() *PendingWSUpgrade {
	return &PendingWSUpgrade{resultCh: make(chan WSUpgradeResult, 1)}
}

// Result blocks until the client confirms or rejects the upgrade.
func (p *PendingWSUpgrade) Result() <-chan WSUpgradeResult { return p.resultCh }

// Tunnel is one connected client's control channel plus the tables
// correlating its in-flight requests, streams, and passthrough sockets.
// All table mutations go through Tunnel's own mutex, per spec.md §5's
// "Tunnel-internal tables guarded by a per-tunnel mutex" discipline.
type Tunnel struct {
	Subdomain      string
	KeyFingerprint string
	Codec          *wire.Codec
	ConnectedAt    time.Time

	out *outboundQueue

	mu                sync.Mutex
	pendingRequests   map[string]*PendingRequest
	pendingStreams    map[string]*PendingStream
	browserSockets    map[string]*BrowserSocket
	pendingWSUpgrades map[string]*PendingWSUpgrade
	lastActivity      time.Time
}

// outboundQueueCapacity bounds how many frames may be queued for a
// single tunnel's control connection before writers block.
const outboundQueueCapacity = 256

// NewTunnel wraps codec as a freshly attached tunnel for subdomain and
// starts its dedicated outbound-queue writer goroutine.
func NewTunnel(subdomain, keyFingerprint string, codec *wire.Codec) *Tunnel {
	now := time.Now()
	t := &Tunnel{
		Subdomain:         subdomain,
		KeyFingerprint:    keyFingerprint,
		Codec:             codec,
		out:               newOutboundQueue(outboundQueueCapacity),
		ConnectedAt:       now,
		pendingRequests:   make(map[string]*PendingRequest),
		pendingStreams:    make(map[string]*PendingStream),
		browserSockets:    make(map[string]*BrowserSocket),
		pendingWSUpgrades: make(map[string]*PendingWSUpgrade),
		lastActivity:      now,
	}
	go t.out.run()
	return t
}

// SendControl enqueues v to be written as a JSON control frame on this
// tunnel's outbound queue and blocks until it is actually written (or
// the queue rejects it).
func (t *Tunnel) SendControl(ctx context.Context, v any) error {
	done, err := t.out.enqueue(ctx, func() error { return t.Codec.WriteControl(ctx, v) })
	if err != nil {
		return err
	}
	return <-done
}

// SendSequence enqueues an atomic header+binary write (see
// wire.Codec.WriteSequence) on this tunnel's outbound queue.
func (t *Tunnel) SendSequence(ctx context.Context, fn func(write func(messageType int, b []byte) error) error) error {
	done, err := t.out.enqueue(ctx, func() error { return t.Codec.WriteSequence(fn) })
	if err != nil {
		return err
	}
	return <-done
}

// Touch records activity for the idle-timeout watchdog.
func (t *Tunnel) Touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// IdleSince reports how long the tunnel has gone without activity.
func (t *Tunnel) IdleSince() time.Duration {
	t.mu.Lock()
	last := t.lastActivity
	t.mu.Unlock()
	return time.Since(last)
}

// NewPendingRequest registers and returns a correlation record for id.
func (t *Tunnel) NewPendingRequest(id string) *PendingRequest {
	p := newPendingRequest(id)
	t.mu.Lock()
	t.pendingRequests[id] = p
	t.mu.Unlock()
	return p
}

// CancelPendingRequest removes id's record without resolving it, for use
// when a request times out locally before any client response arrives.
func (t *Tunnel) CancelPendingRequest(id string) {
	t.mu.Lock()
	delete(t.pendingRequests, id)
	t.mu.Unlock()
}

// Abandon removes any pending-request or pending-stream record for id
// without resolving either to a caller. Use this instead of
// CancelPendingRequest when the local waiter gives up (e.g. its ctx was
// canceled) after it may have already lost the race against
// PromoteToStream: if id was promoted to a stream in the meantime,
// Abandon unregisters and closes that stream too, rather than leaving
// it in pendingStreams forever with no one left to drain it.
func (t *Tunnel) Abandon(id string) {
	t.mu.Lock()
	delete(t.pendingRequests, id)
	s := t.pendingStreams[id]
	delete(t.pendingStreams, id)
	t.mu.Unlock()
	if s != nil {
		s.push(StreamEvent{Err: ErrAbandoned})
	}
}

// ResolveHTTPResponse delivers a buffered result for id, if it is still
// pending. It reports false if id is unknown or already resolved.
func (t *Tunnel) ResolveHTTPResponse(id string, res HTTPResult) bool {
	t.mu.Lock()
	p := t.pendingRequests[id]
	if p != nil {
		delete(t.pendingRequests, id)
	}
	t.mu.Unlock()
	if p == nil || !p.resolveOnce() {
		return false
	}
	p.resultCh <- res
	return true
}

// PromoteToStream moves id from pendingRequests to pendingStreams and
// wakes the waiter blocked on PendingRequest.StreamStarted.
func (t *Tunnel) PromoteToStream(id string, status int, headers []wire.Header, totalSize int64, known bool) bool {
	stream := newPendingStream(id)
	t.mu.Lock()
	p := t.pendingRequests[id]
	if p == nil {
		t.mu.Unlock()
		return false
	}
	delete(t.pendingRequests, id)
	t.pendingStreams[id] = stream
	t.mu.Unlock()

	if !p.resolveOnce() {
		return false
	}
	p.streamStartCh <- StreamStart{Status: status, Headers: headers, TotalSize: totalSize, Known: known, Chunks: stream.chunks}
	return true
}

// PushStreamChunk delivers chunk to id's stream, if still open.
func (t *Tunnel) PushStreamChunk(id string, chunk []byte) bool {
	t.mu.Lock()
	s := t.pendingStreams[id]
	t.mu.Unlock()
	if s == nil {
		return false
	}
	s.push(StreamEvent{Chunk: chunk})
	return true
}

// EndStream closes id's stream cleanly and forgets it.
func (t *Tunnel) EndStream(id string) bool {
	t.mu.Lock()
	s := t.pendingStreams[id]
	delete(t.pendingStreams, id)
	t.mu.Unlock()
	if s == nil {
		return false
	}
	s.push(StreamEvent{End: true})
	return true
}

// ErrorStream aborts id's stream with err and forgets it.
func (t *Tunnel) ErrorStream(id string, err error) bool {
	t.mu.Lock()
	s := t.pendingStreams[id]
	delete(t.pendingStreams, id)
	t.mu.Unlock()
	if s == nil {
		return false
	}
	s.push(StreamEvent{Err: err})
	return true
}

// RegisterBrowserSocket tracks a live passthrough socket under wsID.
func (t *Tunnel) RegisterBrowserSocket(wsID string, conn *ws.Conn) {
	t.mu.Lock()
	t.browserSockets[wsID] = &BrowserSocket{WSID: wsID, Conn: conn}
	t.mu.Unlock()
}

// BrowserSocket looks up a tracked passthrough socket by wsID.
func (t *Tunnel) BrowserSocket(wsID string) (*BrowserSocket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	bs, ok := t.browserSockets[wsID]
	return bs, ok
}

// UnregisterBrowserSocket stops tracking wsID.
func (t *Tunnel) UnregisterBrowserSocket(wsID string) {
	t.mu.Lock()
	delete(t.browserSockets, wsID)
	t.mu.Unlock()
}

// NewPendingWSUpgrade registers and returns a correlation record for a
// browser WebSocket upgrade identified by wsID.
func (t *Tunnel) NewPendingWSUpgrade(wsID string) *PendingWSUpgrade {
	p := newPendingWSUpgrade()
	t.mu.Lock()
	t.pendingWSUpgrades[wsID] = p
	t.mu.Unlock()
	return p
}

// ResolveWSUpgrade delivers the client's ws_opened/ws_error answer for
// wsID, if still pending.
func (t *Tunnel) ResolveWSUpgrade(wsID string, res WSUpgradeResult) bool {
	t.mu.Lock()
	p := t.pendingWSUpgrades[wsID]
	delete(t.pendingWSUpgrades, wsID)
	t.mu.Unlock()
	if p == nil {
		return false
	}
	p.resultCh <- res
	return true
}

// CancelPendingWSUpgrade removes wsID's record without resolving it.
func (t *Tunnel) CancelPendingWSUpgrade(wsID string) {
	t.mu.Lock()
	delete(t.pendingWSUpgrades, wsID)
	t.mu.Unlock()
}

// CloseControl closes the tunnel's own control WebSocket with the given
// close code and reason, without touching its pending-work tables. Used
// by the reconnect-eviction path (spec.md §4.2), which first unregisters
// the old tunnel (tearing down its pending work) and then closes its
// connection with code 1000 "Reconnecting".
func (t *Tunnel) CloseControl(code int, reason string) error {
	return t.Codec.Underlying().CloseWithStatus(code, reason)
}

// PendingRequestCount reports how many public requests are currently
// in flight on this tunnel, for the status endpoint.
func (t *Tunnel) PendingRequestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pendingRequests) + len(t.pendingStreams)
}

// HasPendingWork reports whether the tunnel has any outstanding request,
// stream, or browser socket, for use by the shutdown drain loop.
func (t *Tunnel) HasPendingWork() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pendingRequests) > 0 || len(t.pendingStreams) > 0 || len(t.browserSockets) > 0
}

// teardown rejects every pending request/stream/upgrade with err and
// closes every tracked browser socket with the given close code/reason.
// Called exactly once, by Registry.Unregister or Registry.UnregisterIfCurrent.
func (t *Tunnel) teardown(err error, wsCode int, wsReason string) {
	t.out.close(err)
	t.mu.Lock()
	requests := t.pendingRequests
	streams := t.pendingStreams
	upgrades := t.pendingWSUpgrades
	sockets := t.browserSockets
	t.pendingRequests = make(map[string]*PendingRequest)
	t.pendingStreams = make(map[string]*PendingStream)
	t.pendingWSUpgrades = make(map[string]*PendingWSUpgrade)
	t.browserSockets = make(map[string]*BrowserSocket)
	t.mu.Unlock()

	for _, p := range requests {
		if p.resolveOnce() {
			p.resultCh <- HTTPResult{Err: err}
		}
	}
	for _, s := range streams {
		s.push(StreamEvent{Err: err})
	}
	for _, p := range upgrades {
		p.resultCh <- WSUpgradeResult{Err: err}
	}
	for _, bs := range sockets {
		_ = bs.Conn.CloseWithStatus(wsCode, wsReason)
	}
}
