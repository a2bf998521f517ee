package registry

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrAlreadyRegistered is returned by Register when the subdomain is
// already claimed by a live tunnel; the dispatcher is responsible for the
// reconnect-eviction policy described in spec.md §4.2 before retrying.
var ErrAlreadyRegistered = errors.New("registry: subdomain already registered")

// ErrTunnelDisconnected is delivered to every pending request/stream/upgrade
// torn down by Unregister or UnregisterIfCurrent.
var ErrTunnelDisconnected = errors.New("tunnel disconnected")

// Registry is the process-wide map of live tunnels, keyed by subdomain.
type Registry struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{tunnels: make(map[string]*Tunnel)}
}

// Register inserts t. It refuses a duplicate subdomain; the caller
// decides (and carries out, via Unregister) whatever reconnect policy
// applies before calling Register again.
func (r *Registry) Register(t *Tunnel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tunnels[t.Subdomain]; exists {
		return ErrAlreadyRegistered
	}
	r.tunnels[t.Subdomain] = t
	return nil
}

// Get looks up the live tunnel for subdomain.
func (r *Registry) Get(subdomain string) (*Tunnel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tunnels[subdomain]
	return t, ok
}

// Has reports whether subdomain currently has a live tunnel.
func (r *Registry) Has(subdomain string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tunnels[subdomain]
	return ok
}

// Unregister removes subdomain's tunnel (if any) and atomically tears
// down its state: every pending request/stream/upgrade is rejected with
// "tunnel disconnected" and every tracked browser socket is closed with
// code 1001, per spec.md §4.2.
func (r *Registry) Unregister(subdomain string) {
	r.mu.Lock()
	t := r.tunnels[subdomain]
	delete(r.tunnels, subdomain)
	r.mu.Unlock()
	if t == nil {
		return
	}
	t.teardown(ErrTunnelDisconnected, websocket.CloseGoingAway, "tunnel disconnected")
}

// UnregisterIfCurrent removes subdomain's tunnel only if it is still t.
// A control connection's own cleanup path calls this (rather than
// Unregister) so that a reconnect which already replaced it in the
// registry is never clobbered by the stale connection's own teardown.
func (r *Registry) UnregisterIfCurrent(subdomain string, t *Tunnel) {
	r.mu.Lock()
	cur, ok := r.tunnels[subdomain]
	if !ok || cur != t {
		r.mu.Unlock()
		return
	}
	delete(r.tunnels, subdomain)
	r.mu.Unlock()
	t.teardown(ErrTunnelDisconnected, websocket.CloseGoingAway, "tunnel disconnected")
}

// Enumerate returns a snapshot slice of every live tunnel, for shutdown.
func (r *Registry) Enumerate() []*Tunnel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		out = append(out, t)
	}
	return out
}

// HasPendingRequests reports whether any live tunnel has outstanding
// work, for the shutdown drain loop.
func (r *Registry) HasPendingRequests() bool {
	for _, t := range r.Enumerate() {
		if t.HasPendingWork() {
			return true
		}
	}
	return false
}
