// Package observability decouples the tunnel's core logic from whatever
// is watching it: a Prometheus exporter, a terminal dashboard, or
// nothing at all. Callers hold an Observer reference and never check
// whether metrics are enabled.
package observability

import (
	"sync"
	"sync/atomic"
	"time"
)

// ConnectionState is the lifecycle state a control connection just
// entered.
type ConnectionState string

const (
	ConnectionAttached     ConnectionState = "attached"
	ConnectionReconnected  ConnectionState = "reconnected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// RequestStatus classifies how a forwarded request was ultimately
// resolved, for the tunnel_requests_total{status} series.
type RequestStatus string

const (
	RequestStatusOK         RequestStatus = "ok"
	RequestStatusTimeout    RequestStatus = "timeout"
	RequestStatusBadGateway RequestStatus = "bad_gateway"
	RequestStatusAborted    RequestStatus = "aborted"
)

// StreamKind distinguishes an HTTP body stream from a browser WebSocket
// passthrough for StreamProgress accounting.
type StreamKind string

const (
	StreamKindHTTP StreamKind = "http"
	StreamKindWS   StreamKind = "ws"
)

// Observer receives every event the core emits about tunnel health and
// traffic. All methods must be safe to call from arbitrary goroutines
// and must not block.
type Observer interface {
	// ConnectionStateChanged reports a tunnel entering state for subdomain.
	ConnectionStateChanged(subdomain string, state ConnectionState)
	// RequestStarted reports a newly dispatched public request.
	RequestStarted(subdomain string)
	// RequestCompleted reports a request's terminal outcome and latency.
	RequestCompleted(subdomain string, status RequestStatus, d time.Duration)
	// RequestTimedOut reports the 30-second pending-request timer firing.
	RequestTimedOut(subdomain string)
	// StreamProgress reports bytes moved on an active stream or browser
	// WebSocket, for a throughput gauge/counter.
	StreamProgress(subdomain string, kind StreamKind, bytes int64)
}

type noopObserver struct{}

func (noopObserver) ConnectionStateChanged(string, ConnectionState)       {}
func (noopObserver) RequestStarted(string)                               {}
func (noopObserver) RequestCompleted(string, RequestStatus, time.Duration) {}
func (noopObserver) RequestTimedOut(string)                              {}
func (noopObserver) StreamProgress(string, StreamKind, int64)            {}

// Noop is a zero-cost observer used when metrics are disabled.
var Noop Observer = noopObserver{}

// Atomic swaps its delegate observer at runtime, so a binary can start
// logging to Noop and switch to a real exporter once one attaches.
type Atomic struct {
	once sync.Once
	v    atomic.Value
}

type holder struct{ obs Observer }

// NewAtomic returns an initialized atomic observer backed by Noop.
func NewAtomic() *Atomic {
	a := &Atomic{}
	a.init()
	return a
}

func (a *Atomic) init() {
	a.once.Do(func() { a.v.Store(&holder{obs: Noop}) })
}

// Set replaces the delegate, falling back to Noop on nil.
func (a *Atomic) Set(obs Observer) {
	if obs == nil {
		obs = Noop
	}
	a.init()
	a.v.Store(&holder{obs: obs})
}

func (a *Atomic) load() Observer {
	a.init()
	return a.v.Load().(*holder).obs
}

func (a *Atomic) ConnectionStateChanged(subdomain string, state ConnectionState) {
	a.load().ConnectionStateChanged(subdomain, state)
}
func (a *Atomic) RequestStarted(subdomain string) { a.load().RequestStarted(subdomain) }
func (a *Atomic) RequestCompleted(subdomain string, status RequestStatus, d time.Duration) {
	a.load().RequestCompleted(subdomain, status, d)
}
func (a *Atomic) RequestTimedOut(subdomain string) { a.load().RequestTimedOut(subdomain) }
func (a *Atomic) StreamProgress(subdomain string, kind StreamKind, bytes int64) {
	a.load().StreamProgress(subdomain, kind, bytes)
}
