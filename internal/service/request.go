package service

import (
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"image-resize-proxy/internal/model"
)

// RequestURL rebuilds the absolute URL of an inbound request from its scheme,
// host and original path plus query.
func RequestURL(scheme, host, requestURI string) (*url.URL, error) {
	ref, err := url.Parse(requestURI)
	if err != nil {
		return nil, fmt.Errorf("parse request uri: %w", err)
	}
	base := &url.URL{Scheme: scheme, Host: host}
	return base.ResolveReference(ref), nil
}

// ExtractTarget returns the image URL named by the first "url" query
// parameter. It fails when the parameter is missing or empty, or when its
// value is not an absolute URL with a host. A stray "%" in the value is
// sent to the origin as "%25".
func ExtractTarget(u *url.URL) (*url.URL, error) {
	raw := ParseQuery(u.RawQuery).Get("url")
	if raw == "" {
		return nil, fmt.Errorf("%w: no url parameter", ErrInvalidTarget)
	}

	target, err := url.Parse(raw)
	if err != nil {
		target, err = url.Parse(escapeStrayPercent(raw))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}
	if !target.IsAbs() || target.Host == "" {
		return nil, fmt.Errorf("%w: %q is not an absolute URL", ErrInvalidTarget, raw)
	}
	return target, nil
}

// Allowed reports whether hostname may be fetched from. An empty allowlist
// allows every host; otherwise the match is exact and case-sensitive.
func Allowed(allowlist []string, hostname string) bool {
	if len(allowlist) == 0 {
		return true
	}
	return slices.Contains(allowlist, hostname)
}

// Hostname returns the host of u without its port. IPv6 literals keep their
// brackets, so an allowlist entry reads "[::1]".
func Hostname(u *url.URL) string {
	h := u.Hostname()
	if strings.Contains(h, ":") {
		return "[" + h + "]"
	}
	return h
}

// Dimension parses a size parameter. Leading whitespace is skipped and the
// longest run of digits (with an optional sign) is used, so "100px" is 100.
// Values that do not start with a number, or are not positive, are absent.
func Dimension(raw string) (int, bool) {
	s := strings.TrimLeft(raw, " \t\n\r\v\f")

	end := 0
	if end < len(s) && (s[end] == '+' || s[end] == '-') {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return 0, false
	}

	n, err := strconv.Atoi(s[:end])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// ResizeOptions derives the resize bounds from query parameters. maxwidth
// takes precedence over width, and maxheight over height, whenever the
// parameter is present at all, even if its value turns out to be invalid.
// Repeated parameters use their first value. Enlargement is never allowed.
func ResizeOptions(q url.Values) model.ResizeSpec {
	var spec model.ResizeSpec
	if w, ok := Dimension(firstOf(q, "maxwidth", "width")); ok {
		spec.Width = w
	}
	if h, ok := Dimension(firstOf(q, "maxheight", "height")); ok {
		spec.Height = h
	}
	return spec
}

// firstOf returns the first value of the first present key.
func firstOf(q url.Values, keys ...string) string {
	for _, k := range keys {
		if vals, ok := q[k]; ok && len(vals) > 0 {
			return vals[0]
		}
	}
	return ""
}

// FetchHeaders builds the outbound request headers. The inbound Referer is
// passed on verbatim so origins with hotlink protection see the page that
// embeds the image; nothing else is sent.
func FetchHeaders(inbound http.Header) http.Header {
	h := make(http.Header)
	if ref := inbound.Get("Referer"); ref != "" {
		h.Set("Referer", ref)
	}
	return h
}
