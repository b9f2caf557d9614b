// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ImageRequest is the transport-independent view of an inbound image request.
type ImageRequest struct {
	Ctx    context.Context
	Scheme string
	Host   string
	// RequestURI is the original path plus query string.
	RequestURI string
	Header     http.Header
}

// ResizeSpec describes the requested output bounds. A zero dimension means
// the dimension was not requested.
type ResizeSpec struct {
	Width            int
	Height           int
	AllowEnlargement bool
}

// Empty reports whether no resize was requested.
func (s ResizeSpec) Empty() bool {
	return s.Width == 0 && s.Height == 0
}

// UpstreamResponse is the origin's answer to an image fetch.
// Body is fully buffered by the service only after validation.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
	FromCache  bool
}

// OK reports whether the status is in the 2xx range.
func (r *UpstreamResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// ImageResult is what the pipeline hands back to the transport layer.
type ImageResult struct {
	Target      *url.URL
	Header      http.Header // forwarded origin headers
	ContentType string
	Body        []byte
	Resized     bool
}
