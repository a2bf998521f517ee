package tunnelclient

import (
	"net/http"
	"strings"

	"github.com/burrowed/tunnel/wire"
)

// stripRequestHeaders builds the header set forwarded to the loopback
// app from a wire header snapshot, per spec.md §4.6: headers are
// forwarded as-is except a small strip list. Unlike the edge proxy's
// allow-list model, a tunnel client trusts its own server completely
// (it dialed it, using its own API key) so there is nothing to filter
// out except the handful of hop-by-hop/host fields the loopback request
// must set for itself.
func stripRequestHeaders(headers []wire.Header, method string) http.Header {
	out := make(http.Header, len(headers))
	hasBody := method != http.MethodGet && method != http.MethodHead
	for _, h := range headers {
		switch strings.ToLower(h.Name) {
		case "host", "x-tunnel-subdomain":
			continue
		case "content-length", "transfer-encoding":
			if !hasBody {
				continue
			}
		}
		out.Add(h.Name, h.Value)
	}
	return out
}

// stripResponseHeaders removes the headers the handler is authoritative
// for before sending a non-raw-stream response back across the tunnel,
// per spec.md §4.6's "header hygiene" step: content-encoding and
// content-length reflect whatever compression/framing the handler
// itself applies, and transfer-encoding never applies to the wire
// protocol's own framing.
func stripResponseHeaders(h http.Header) []wire.Header {
	out := make([]wire.Header, 0, len(h))
	for name, values := range h {
		switch strings.ToLower(name) {
		case "content-encoding", "content-length", "transfer-encoding":
			continue
		}
		for _, v := range values {
			out = append(out, wire.Header{Name: name, Value: v})
		}
	}
	return out
}

// headerValue returns the first value of name in headers, or "".
func headerValue(headers []wire.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
