// Package prom exports tunnel events to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/burrowed/tunnel/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Observer exports tunnel.observability events as Prometheus series.
type Observer struct {
	connections     prometheus.Gauge
	activeRequests  prometheus.Gauge
	activeStreams   prometheus.Gauge
	activeWS        prometheus.Gauge
	requestsTotal   *prometheus.CounterVec
	requestDuration prometheus.Histogram
	reconnectsTotal prometheus.Counter
	streamBytes     *prometheus.CounterVec
}

// New registers the tunnel metric series on reg.
func New(reg *prometheus.Registry) *Observer {
	o := &Observer{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_connections",
			Help: "Current number of attached tunnel control connections.",
		}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_active_requests",
			Help: "Current number of in-flight (non-streaming) public requests.",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_active_streams",
			Help: "Current number of active streaming HTTP responses.",
		}),
		activeWS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_active_ws",
			Help: "Current number of active browser WebSocket passthroughs.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_requests_total",
			Help: "Public requests by terminal status.",
		}, []string{"status"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tunnel_request_duration_seconds",
			Help:    "Public request latency from dispatch to resolution.",
			Buckets: prometheus.DefBuckets,
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_reconnects_total",
			Help: "Tunnel control connections that replaced a prior live connection.",
		}),
		streamBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_stream_bytes_total",
			Help: "Bytes moved over active HTTP/WS streams.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		o.connections,
		o.activeRequests,
		o.activeStreams,
		o.activeWS,
		o.requestsTotal,
		o.requestDuration,
		o.reconnectsTotal,
		o.streamBytes,
	)
	return o
}

// ConnectionStateChanged adjusts the connection gauge and the reconnect
// counter; active-request/stream/ws gauges are not reset here since
// Tunnel teardown already rejects that state through the usual
// RequestCompleted/StreamProgress paths.
func (o *Observer) ConnectionStateChanged(_ string, state observability.ConnectionState) {
	switch state {
	case observability.ConnectionAttached:
		o.connections.Inc()
	case observability.ConnectionReconnected:
		o.connections.Inc()
		o.reconnectsTotal.Inc()
	case observability.ConnectionDisconnected:
		o.connections.Dec()
	}
}

func (o *Observer) RequestStarted(_ string) {
	o.activeRequests.Inc()
}

func (o *Observer) RequestCompleted(_ string, status observability.RequestStatus, d time.Duration) {
	o.requestsTotal.WithLabelValues(string(status)).Inc()
	o.requestDuration.Observe(d.Seconds())
	o.activeRequests.Dec()
}

func (o *Observer) RequestTimedOut(_ string) {
	o.requestsTotal.WithLabelValues(string(observability.RequestStatusTimeout)).Inc()
	o.activeRequests.Dec()
}

func (o *Observer) StreamProgress(_ string, kind observability.StreamKind, bytes int64) {
	o.streamBytes.WithLabelValues(string(kind)).Add(float64(bytes))
}
