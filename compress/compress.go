// Package compress negotiates and applies response body compression for
// the client request handler, per spec.md §4.6: zstd first, then
// brotli, then gzip, gated by a minimum body size and a compressible
// content-type allow-list.
package compress

import (
	"bytes"
	"compress/gzip"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Encoding is the content-encoding token chosen for a response, or
// EncodingNone when compression does not apply.
type Encoding string

const (
	EncodingNone Encoding = ""
	EncodingZstd Encoding = "zstd"
	EncodingBr   Encoding = "br"
	EncodingGzip Encoding = "gzip"
)

// MinCompressibleBytes is the body-size floor below which compression is
// skipped even if otherwise eligible.
const MinCompressibleBytes = 1024

var compressiblePrefixes = []string{
	"text/",
	"application/json",
	"application/javascript",
	"application/xml",
	"application/xhtml",
	"image/svg",
}

// Negotiate picks the best encoding the client accepts (via
// acceptEncoding) among zstd, brotli, and gzip, or EncodingNone if the
// body is too small, the content type isn't compressible, or the client
// accepts none of them.
func Negotiate(acceptEncoding, contentType string, bodyLen int) Encoding {
	if bodyLen < MinCompressibleBytes {
		return EncodingNone
	}
	if !isCompressibleType(contentType) {
		return EncodingNone
	}
	accepted := parseAcceptEncoding(acceptEncoding)
	for _, enc := range []Encoding{EncodingZstd, EncodingBr, EncodingGzip} {
		if accepted[string(enc)] {
			return enc
		}
	}
	return EncodingNone
}

func isCompressibleType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	// Strip a trailing "; charset=..." parameter before matching.
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	for _, prefix := range compressiblePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func parseAcceptEncoding(header string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		name := strings.TrimSpace(part)
		if i := strings.IndexByte(name, ';'); i >= 0 {
			// A "q=0" weight means the client explicitly refuses it; treat
			// any other weight (or none) as accepted.
			q := strings.TrimSpace(name[i+1:])
			name = strings.TrimSpace(name[:i])
			if q == "q=0" || q == "q=0.0" {
				continue
			}
		}
		if name != "" {
			out[strings.ToLower(name)] = true
		}
	}
	return out
}

// Encode compresses body with enc. EncodingNone returns body unchanged.
// A compression failure is reported to the caller, which per spec.md
// §4.6 must fall back to sending the body uncompressed.
func Encode(enc Encoding, body []byte) ([]byte, error) {
	switch enc {
	case EncodingNone:
		return body, nil
	case EncodingZstd:
		return encodeZstd(body)
	case EncodingBr:
		return encodeBrotli(body)
	case EncodingGzip:
		return encodeGzip(body)
	default:
		return body, nil
	}
}

func encodeZstd(body []byte) ([]byte, error) {
	w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer w.Close()
	return w.EncodeAll(body, nil), nil
}

func encodeBrotli(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeGzip(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
