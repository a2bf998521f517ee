package prom

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/burrowed/tunnel/observability"
)

func TestObserverUpdatesSeries(t *testing.T) {
	reg := NewRegistry()
	o := New(reg)

	o.ConnectionStateChanged("acme", observability.ConnectionAttached)
	o.RequestStarted("acme")
	o.RequestCompleted("acme", observability.RequestStatusOK, 25*time.Millisecond)
	o.RequestTimedOut("acme")
	o.StreamProgress("acme", observability.StreamKindHTTP, 4096)
	o.ConnectionStateChanged("acme", observability.ConnectionReconnected)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler(reg).ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"tunnel_connections 2",
		`tunnel_requests_total{status="ok"} 1`,
		`tunnel_requests_total{status="timeout"} 1`,
		"tunnel_reconnects_total 1",
		`tunnel_stream_bytes_total{kind="http"} 4096`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q\nfull body:\n%s", want, body)
		}
	}
}

func TestObserverSatisfiesInterface(t *testing.T) {
	var _ observability.Observer = New(NewRegistry())
}
