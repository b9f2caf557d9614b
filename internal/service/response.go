package service

import (
	"net/http"
	"strings"

	"image-resize-proxy/internal/codec"
)

// ForwardableHeaders are the only origin response headers passed to the client.
var ForwardableHeaders = []string{
	"cache-control",
	"expires",
	"last-modified",
	"access-control-allow-origin",
}

// CheckMIME reports whether the Content-Type in header names an image format
// the codec can decode from memory. Parameters after ";" are ignored; the
// type and subtype are compared exactly.
func CheckMIME(header http.Header) bool {
	ct := header.Get("Content-Type")
	mime, _, _ := strings.Cut(ct, ";")

	parts := strings.Split(mime, "/")
	if len(parts) != 2 {
		return false
	}
	if parts[0] != "image" {
		return false
	}
	return codec.Supported(parts[1])
}

// ForwardHeaders copies the forwardable headers from src to dst. Header
// names are matched case-insensitively and written to dst in canonical form
// ("Cache-Control"), which HTTP treats the same as the lower-case names.
func ForwardHeaders(src, dst http.Header) {
	for name, vals := range src {
		for _, fh := range ForwardableHeaders {
			if strings.EqualFold(name, fh) {
				dst[http.CanonicalHeaderKey(fh)] = append([]string(nil), vals...)
			}
		}
	}
}
