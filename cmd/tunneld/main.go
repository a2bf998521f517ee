package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/burrowed/tunnel/internal/cmdutil"
	"github.com/burrowed/tunnel/internal/defaults"
	tversion "github.com/burrowed/tunnel/internal/version"
	"github.com/burrowed/tunnel/observability"
	"github.com/burrowed/tunnel/observability/prom"
	"github.com/burrowed/tunnel/server"
	"github.com/burrowed/tunnel/subdomain"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// switchHandler lets the metrics endpoint be toggled at runtime without
// tearing down its listener, mirroring the teacher's metrics controller.
type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

type metricsController struct {
	mu       sync.Mutex
	enabled  bool
	handler  *switchHandler
	observer *observability.Atomic
}

func newMetricsController(handler *switchHandler, observer *observability.Atomic) *metricsController {
	return &metricsController{handler: handler, observer: observer}
}

func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	obs := prom.New(reg)
	c.handler.Set(prom.Handler(reg))
	c.observer.Set(obs)
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.observer.Set(observability.Noop)
	c.enabled = false
}

type ready struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	Date       string `json:"date"`
	Listen     string `json:"listen"`
	BaseDomain string `json:"baseDomain"`
	HealthzURL string `json:"healthzUrl"`
	MetricsURL string `json:"metricsUrl,omitempty"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	apiKey := cmdutil.EnvString("API_KEY", "")
	baseDomain := cmdutil.EnvString("BASE_DOMAIN", "")
	tunnelPort, err := cmdutil.EnvInt("TUNNEL_PORT", 3100)
	if err != nil {
		fmt.Fprintf(stderr, "invalid TUNNEL_PORT: %v\n", err)
		return 2
	}
	caddyAdminURL := cmdutil.EnvString("CADDY_ADMIN_URL", "")
	cachePath := cmdutil.EnvString("TUNNEL_CACHE_FILE", "tunnel-subdomains.json")
	metricsListen := cmdutil.EnvString("TUNNEL_METRICS_LISTEN", "")

	fs := flag.NewFlagSet("tunneld", flag.ContinueOnError)
	fs.SetOutput(stderr)

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&apiKey, "api-key", apiKey, "shared API key clients authenticate with (required) (env: API_KEY)")
	fs.StringVar(&baseDomain, "base-domain", baseDomain, "wildcard base domain, e.g. tunnel.example.com (required) (env: BASE_DOMAIN)")
	fs.IntVar(&tunnelPort, "tunnel-port", tunnelPort, "listen port for the public HTTP/WebSocket surface (env: TUNNEL_PORT)")
	fs.StringVar(&caddyAdminURL, "caddy-admin-url", caddyAdminURL, "optional Caddy admin API used by an external route-registration collaborator (env: CADDY_ADMIN_URL)")
	fs.StringVar(&cachePath, "cache-file", cachePath, "path to the sticky subdomain cache file (env: TUNNEL_CACHE_FILE)")
	fs.StringVar(&metricsListen, "metrics-listen", metricsListen, "listen address for the metrics server (empty disables) (env: TUNNEL_METRICS_LISTEN)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, tversion.String(version, commit, date))
		return 0
	}

	usageErr := func(msg string) int {
		if msg != "" {
			fmt.Fprintln(stderr, msg)
		}
		fs.Usage()
		return 2
	}
	if apiKey == "" {
		return usageErr("missing --api-key")
	}
	if baseDomain == "" {
		return usageErr("missing --base-domain")
	}
	_ = caddyAdminURL // consumed only by the out-of-scope route-registration collaborator

	cache, err := subdomain.Load(cachePath, defaults.CacheFlushDebounce)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	observer := observability.NewAtomic()
	srv, err := server.New(server.Config{
		APIKey:     apiKey,
		BaseDomain: baseDomain,
		Cache:      cache,
		Observer:   observer,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(tunnelPort))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	httpSrv := &http.Server{Handler: srv}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal(err)
		}
	}()

	var metrics *metricsController
	var metricsSrv *http.Server
	var metricsLn net.Listener
	if metricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsHandler := newSwitchHandler()
		metricsMux.Handle("/metrics", metricsHandler)
		metrics = newMetricsController(metricsHandler, observer)
		metrics.Enable()

		metricsLn, err = net.Listen("tcp", metricsListen)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		metricsSrv = &http.Server{Handler: metricsMux}
		go func() {
			if err := metricsSrv.Serve(metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Fatal(err)
			}
		}()
	}

	out := ready{
		Version:    version,
		Commit:     commit,
		Date:       date,
		Listen:     ln.Addr().String(),
		BaseDomain: baseDomain,
		HealthzURL: fmt.Sprintf("http://%s/__tunnel__/health", ln.Addr().String()),
	}
	if metricsLn != nil {
		out.MetricsURL = fmt.Sprintf("http://%s/metrics", metricsLn.Addr().String())
	}
	_ = cmdutil.WriteJSON(stdout, out, false)

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		switch <-sig {
		case syscall.SIGHUP:
			logger.Printf("sighup: nothing to reload")
		case syscall.SIGUSR1:
			if metrics == nil {
				logger.Printf("metrics server disabled (missing --metrics-listen)")
				continue
			}
			metrics.Enable()
			logger.Printf("metrics enabled")
		case syscall.SIGUSR2:
			if metrics == nil {
				continue
			}
			metrics.Disable()
			logger.Printf("metrics disabled")
		default:
			drainAndShutdown(httpSrv, metricsSrv, srv, cache, logger)
			return 0
		}
	}
}

// drainAndShutdown waits up to ShutdownGrace for in-flight tunnel requests
// to finish before forcing both HTTP servers down and flushing the sticky
// subdomain cache.
func drainAndShutdown(httpSrv, metricsSrv *http.Server, srv *server.Server, cache *subdomain.Cache, logger *log.Logger) {
	deadline := time.Now().Add(defaults.ShutdownGrace)
	for time.Now().Before(deadline) && srv.Registry().HasPendingRequests() {
		time.Sleep(100 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownGrace)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(ctx)
	}
	if err := cache.Close(); err != nil {
		logger.Printf("cache flush on shutdown failed: %v", err)
	}
}
