package compress

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

func bigBody(contentType string) (string, int) {
	return contentType, MinCompressibleBytes + 1
}

func TestNegotiatePrefersZstdThenBrotliThenGzip(t *testing.T) {
	ct, n := bigBody("text/plain")
	cases := []struct {
		accept string
		want   Encoding
	}{
		{"zstd, br, gzip", EncodingZstd},
		{"br, gzip", EncodingBr},
		{"gzip", EncodingGzip},
		{"deflate", EncodingNone},
		{"", EncodingNone},
	}
	for _, c := range cases {
		if got := Negotiate(c.accept, ct, n); got != c.want {
			t.Errorf("Negotiate(%q, ...) = %q, want %q", c.accept, got, c.want)
		}
	}
}

func TestNegotiateRejectsSmallBody(t *testing.T) {
	if got := Negotiate("gzip", "text/plain", MinCompressibleBytes-1); got != EncodingNone {
		t.Errorf("Negotiate with small body = %q, want EncodingNone", got)
	}
}

func TestNegotiateRejectsNonCompressibleType(t *testing.T) {
	_, n := bigBody("")
	if got := Negotiate("gzip", "image/png", n); got != EncodingNone {
		t.Errorf("Negotiate with image/png = %q, want EncodingNone", got)
	}
}

func TestNegotiateHonorsQZero(t *testing.T) {
	_, n := bigBody("")
	if got := Negotiate("gzip;q=0, br", "text/plain", n); got != EncodingBr {
		t.Errorf("Negotiate with gzip;q=0 = %q, want %q", got, EncodingBr)
	}
}

func TestNegotiateContentTypeWithCharset(t *testing.T) {
	_, n := bigBody("")
	if got := Negotiate("gzip", "application/json; charset=utf-8", n); got != EncodingGzip {
		t.Errorf("Negotiate with charset suffix = %q, want %q", got, EncodingGzip)
	}
}

func TestEncodeNoneReturnsBodyUnchanged(t *testing.T) {
	body := []byte("hello world")
	got, err := Encode(EncodingNone, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("Encode(EncodingNone, ...) = %q, want %q", got, body)
	}
}

func TestEncodeGzipRoundTrips(t *testing.T) {
	body := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog. ", 50))
	out, err := Encode(EncodingGzip, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r, err := gzip.NewReader(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("gzip.NewReader: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Error("gzip round trip did not reproduce the original body")
	}
}

func TestEncodeBrotliRoundTrips(t *testing.T) {
	body := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog. ", 50))
	out, err := Encode(EncodingBr, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := io.ReadAll(brotli.NewReader(bytes.NewReader(out)))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Error("brotli round trip did not reproduce the original body")
	}
}

func TestEncodeZstdRoundTrips(t *testing.T) {
	body := []byte(strings.Repeat("the quick brown fox jumps over the lazy dog. ", 50))
	out, err := Encode(EncodingZstd, body)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()
	got, err := dec.DecodeAll(out, nil)
	if err != nil {
		t.Fatalf("DecodeAll: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Error("zstd round trip did not reproduce the original body")
	}
}
