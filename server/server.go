// Package server implements the tunnel server's public HTTP surface: the
// control-channel attach endpoint, the health/verify/status endpoints,
// and the dispatcher that forwards public requests to an attached
// client over its control channel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/burrowed/tunnel/auth"
	"github.com/burrowed/tunnel/internal/defaults"
	"github.com/burrowed/tunnel/observability"
	"github.com/burrowed/tunnel/realtime/ws"
	"github.com/burrowed/tunnel/registry"
	"github.com/burrowed/tunnel/subdomain"
	"github.com/burrowed/tunnel/wire"
	"github.com/gorilla/websocket"
)

// Config configures a Server.
type Config struct {
	APIKey     string
	BaseDomain string
	Cache      *subdomain.Cache
	Observer   observability.Observer
	Logger     *log.Logger
}

// Server is the tunnel server's public HTTP handler.
type Server struct {
	apiKey string
	cache  *subdomain.Cache
	obs    observability.Observer
	log    *log.Logger

	registry *registry.Registry
}

// New validates cfg and returns a ready Server backed by a fresh
// registry.
func New(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("server: missing API key")
	}
	if strings.TrimSpace(cfg.BaseDomain) == "" {
		return nil, errors.New("server: missing base domain")
	}
	if cfg.Cache == nil {
		return nil, errors.New("server: missing subdomain cache")
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observability.Noop
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		apiKey:   cfg.APIKey,
		cache:    cfg.Cache,
		obs:      obs,
		log:      logger,
		registry: registry.New(),
	}, nil
}

// Registry exposes the live tunnel set, for shutdown draining.
func (s *Server) Registry() *registry.Registry { return s.registry }

// ServeHTTP is the single entry point for every public request reaching
// the tunnel server, per spec.md §6.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/__tunnel__/") {
		s.serveControlSurface(w, r)
		return
	}
	subdomainName := resolveSubdomainName(r)
	if subdomainName == "" {
		http.Error(w, "tunnel not found", http.StatusNotFound)
		return
	}
	t, ok := s.registry.Get(subdomainName)
	if !ok {
		http.Error(w, "tunnel not found", http.StatusNotFound)
		return
	}
	if isWebSocketUpgrade(r) {
		s.handleBrowserWebSocket(w, r, t)
		return
	}
	s.handlePublicRequest(w, r, t)
}

func (s *Server) serveControlSurface(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/__tunnel__/health":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	case "/__tunnel__/verify":
		if !auth.Check(s.apiKey, r.Header.Get(auth.HeaderName)) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	case "/__tunnel__/status":
		s.serveStatus(w, r)
	case "/__tunnel__/connect":
		s.handleConnect(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

type statusTunnel struct {
	Subdomain       string `json:"subdomain"`
	CreatedAt       int64  `json:"createdAt"`
	PendingRequests int    `json:"pendingRequests"`
}

type statusResponse struct {
	ActiveTunnels int            `json:"activeTunnels"`
	Tunnels       []statusTunnel `json:"tunnels"`
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	if !auth.Check(s.apiKey, r.Header.Get(auth.HeaderName)) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	tunnels := s.registry.Enumerate()
	out := statusResponse{ActiveTunnels: len(tunnels), Tunnels: make([]statusTunnel, 0, len(tunnels))}
	for _, t := range tunnels {
		out.Tunnels = append(out.Tunnels, statusTunnel{
			Subdomain:       t.Subdomain,
			CreatedAt:       t.ConnectedAt.UnixMilli(),
			PendingRequests: t.PendingRequestCount(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleConnect validates and completes a tunnel client's control-channel
// attach, per spec.md §4.2-§4.3, §6.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	apiKey := r.Header.Get(auth.HeaderName)
	if !auth.Check(s.apiKey, apiKey) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	portStr := q.Get("port")
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}
	fingerprint := auth.Fingerprint(s.apiKey)
	key := subdomain.CacheKey{KeyFingerprint: fingerprint, LocalPort: int(port)}

	name, ok := s.resolveSubdomainName(w, q.Get("subdomain"), key)
	if !ok {
		return
	}

	if old, exists := s.registry.Get(name); exists {
		if old.KeyFingerprint != fingerprint {
			http.Error(w, "subdomain already in use", http.StatusConflict)
			return
		}
		s.registry.UnregisterIfCurrent(name, old)
		_ = old.CloseControl(websocket.CloseNormalClosure, "Reconnecting")
	}

	conn, err := ws.Upgrade(w, r, ws.UpgraderOptions{})
	if err != nil {
		s.log.Printf("tunnel %s: upgrade failed: %v", name, err)
		return
	}
	conn.SetReadLimit(wire.MaxFrameBytes)

	codec := wire.NewCodec(conn)
	t := registry.NewTunnel(name, fingerprint, codec)
	if err := s.registry.Register(t); err != nil {
		_ = conn.CloseWithStatus(websocket.CloseInternalServerErr, "registration race")
		return
	}
	s.cache.Remember(key, name)
	s.obs.ConnectionStateChanged(name, observability.ConnectionAttached)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := t.SendControl(ctx, wire.Connected{Type: wire.TypeConnected, Subdomain: name}); err != nil {
		s.registry.UnregisterIfCurrent(name, t)
		return
	}

	go s.pingLoop(ctx, t)
	s.readControlLoop(ctx, t)

	s.registry.UnregisterIfCurrent(name, t)
	s.obs.ConnectionStateChanged(name, observability.ConnectionDisconnected)
}

func (s *Server) resolveSubdomainName(w http.ResponseWriter, requested string, key subdomain.CacheKey) (string, bool) {
	if requested != "" {
		if !subdomain.Pattern.MatchString(requested) {
			http.Error(w, "invalid subdomain format", http.StatusBadRequest)
			return "", false
		}
		if s.cache.ReservedByOther(key, requested) {
			http.Error(w, "subdomain reserved", http.StatusConflict)
			return "", false
		}
		return requested, true
	}
	if v, ok := s.cache.Lookup(key); ok {
		return v, true
	}
	for attempt := 0; attempt < 5; attempt++ {
		name, err := subdomain.New()
		if err != nil {
			http.Error(w, "subdomain allocation failed", http.StatusInternalServerError)
			return "", false
		}
		if !s.registry.Has(name) && !s.cache.ReservedByOther(key, name) {
			return name, true
		}
	}
	http.Error(w, "subdomain allocation failed", http.StatusInternalServerError)
	return "", false
}

// pingLoop sends a protocol-level ping every PingInterval and closes the
// connection once it has been idle beyond IdleTimeout.
func (s *Server) pingLoop(ctx context.Context, t *registry.Tunnel) {
	ticker := time.NewTicker(defaults.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.IdleSince() > defaults.IdleTimeout {
				_ = t.CloseControl(websocket.CloseGoingAway, "idle timeout")
				return
			}
			if err := t.Codec.Underlying().WritePing(defaults.PingInterval); err != nil {
				return
			}
		}
	}
}

func resolveSubdomainName(r *http.Request) string {
	if h := r.Header.Get("X-Tunnel-Subdomain"); h != "" {
		return h
	}
	host := r.Host
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		return host[:i]
	}
	return ""
}

func splitHostPort(host string) (string, string, error) {
	u := &url.URL{Host: host}
	h := u.Hostname()
	if h == "" {
		return "", "", errors.New("server: empty host")
	}
	return h, u.Port(), nil
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContainsToken(r.Header.Get("Connection"), "upgrade")
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
