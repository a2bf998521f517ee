// Package auth checks the X-API-Key used to authenticate a client's
// control-channel attach, and derives the short fingerprint used to key
// the sticky-subdomain cache.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HeaderName is the header carrying the tunnel client's API key on both
// the control-channel attach request and the connect-info probe.
const HeaderName = "X-API-Key"

// Check reports whether provided matches expected using a constant-time
// comparison, so response latency can't be used to brute-force the key
// one byte at a time. An empty expected key always fails closed.
func Check(expected, provided string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

// Fingerprint returns the first 8 hex characters of sha256(apiKey), used
// as the non-reversible key identity in the sticky-subdomain cache so the
// cache file never stores the key itself.
func Fingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:8]
}
