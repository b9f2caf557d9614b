package service

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"

	"image-resize-proxy/internal/client"
	"image-resize-proxy/internal/config"
	"image-resize-proxy/internal/model"
)

// fakeFetcher returns a canned response and records what it was asked for.
type fakeFetcher struct {
	status int
	header http.Header
	body   []byte
	err    error
	panics bool

	calls     int
	gotTarget *url.URL
	gotHeader http.Header
	closed    bool
}

type trackingBody struct {
	io.Reader
	f *fakeFetcher
}

func (b *trackingBody) Close() error {
	b.f.closed = true
	return nil
}

func (f *fakeFetcher) Fetch(_ context.Context, target *url.URL, header http.Header) (*model.UpstreamResponse, error) {
	f.calls++
	f.gotTarget = target
	f.gotHeader = header
	if f.panics {
		panic("decoder exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.UpstreamResponse{
		StatusCode: f.status,
		Header:     f.header,
		Body:       &trackingBody{Reader: bytes.NewReader(f.body), f: f},
	}, nil
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	m := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(m, m.Bounds(), &image.Uniform{color.NRGBA{0, 128, 255, 255}}, image.Point{}, draw.Src)
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, m); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newTestService(f Fetcher, allowlist ...string) *ImageService {
	cfg := &config.Config{Allowlist: config.AllowlistConfig{Hostnames: allowlist}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newImageService(f, cfg, logger, nil)
}

func imageRequest(requestURI string) *model.ImageRequest {
	return &model.ImageRequest{
		Ctx:        context.Background(),
		Scheme:     "http",
		Host:       "proxy.test",
		RequestURI: requestURI,
		Header:     http.Header{},
	}
}

func TestRequestURL(t *testing.T) {
	u, err := RequestURL("https", "proxy.test:8080", "/?url=https%3A%2F%2Fcdn.test%2Fa.png&maxwidth=10")
	if err != nil {
		t.Fatalf("RequestURL() error = %v", err)
	}
	if u.Scheme != "https" || u.Host != "proxy.test:8080" || u.Path != "/" {
		t.Errorf("RequestURL() = %q", u.String())
	}
	if got := u.Query().Get("url"); got != "https://cdn.test/a.png" {
		t.Errorf("url param = %q, want %q", got, "https://cdn.test/a.png")
	}
}

func TestExtractTarget(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    string
		wantErr bool
	}{
		{"absolute https", "url=https://cdn.test/cat.jpg", "https://cdn.test/cat.jpg", false},
		{"encoded", "url=https%3A%2F%2Fcdn.test%2Fcat.jpg%3Fv%3D2", "https://cdn.test/cat.jpg?v=2", false},
		{"first occurrence wins", "url=https://a.test/1.png&url=https://b.test/2.png", "https://a.test/1.png", false},
		{"with port", "url=http://cdn.test:8080/x.gif", "http://cdn.test:8080/x.gif", false},
		{"missing", "maxwidth=10", "", true},
		{"empty", "url=", "", true},
		{"relative path", "url=/cat.jpg", "", true},
		{"no scheme", "url=cdn.test/cat.jpg", "", true},
		{"no host", "url=file:///etc/passwd", "", true},
		{"semicolon in path", "url=https://example.com/a;v=1.jpg", "https://example.com/a;v=1.jpg", false},
		{"semicolon with other params", "url=https://example.com/a;b.png&width=10", "https://example.com/a;b.png", false},
		{"stray percent kept", "url=https://example.com/100%25off%zz.jpg", "https://example.com/100%25off%25zz.jpg", false},
		{"garbage", "url=%%%", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := &url.URL{Scheme: "http", Host: "proxy.test", Path: "/", RawQuery: tt.query}
			got, err := ExtractTarget(u)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ExtractTarget() = %v, want error", got)
				}
				if !errors.Is(err, ErrInvalidTarget) {
					t.Errorf("ExtractTarget() error = %v, want ErrInvalidTarget", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExtractTarget() error = %v", err)
			}
			if got.String() != tt.want {
				t.Errorf("ExtractTarget() = %q, want %q", got.String(), tt.want)
			}
		})
	}
}

func TestParseQuery(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		key  string
		want []string
	}{
		{"plain", "a=1&b=2", "b", []string{"2"}},
		{"order kept", "a=1&a=2", "a", []string{"1", "2"}},
		{"semicolon is not a separator", "a=1;b=2", "a", []string{"1;b=2"}},
		{"plus is space", "a=x+y", "a", []string{"x y"}},
		{"escaped", "a=%2Fx%3d", "a", []string{"/x="}},
		{"bad escape left as is", "a=50%zz", "a", []string{"50%zz"}},
		{"truncated escape", "a=5%2", "a", []string{"5%2"}},
		{"no value", "a&b=1", "a", []string{""}},
		{"empty segments skipped", "&&a=1&", "a", []string{"1"}},
		{"escaped key", "max%77idth=9", "maxwidth", []string{"9"}},
		{"value keeps later equals", "a=b=c", "a", []string{"b=c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseQuery(tt.raw)[tt.key]
			if !slices.Equal(got, tt.want) {
				t.Errorf("ParseQuery(%q)[%q] = %q, want %q", tt.raw, tt.key, got, tt.want)
			}
		})
	}
}

func TestHostname(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"https://cdn.test/a.png", "cdn.test"},
		{"https://cdn.test:8443/a.png", "cdn.test"},
		{"http://127.0.0.1:8080/a.png", "127.0.0.1"},
		{"http://[::1]:8080/a.png", "[::1]"},
		{"http://[2001:db8::1]/a.png", "[2001:db8::1]"},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			if err != nil {
				t.Fatalf("parse %q: %v", tt.raw, err)
			}
			if got := Hostname(u); got != tt.want {
				t.Errorf("Hostname(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	allow := []string{"images.example.com", "cdn.test"}
	tests := []struct {
		name      string
		allowlist []string
		host      string
		want      bool
	}{
		{"listed", allow, "cdn.test", true},
		{"not listed", allow, "evil.test", false},
		{"subdomain not matched", allow, "a.cdn.test", false},
		{"case sensitive", allow, "CDN.test", false},
		{"empty allowlist allows all", nil, "anything.test", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(tt.allowlist, tt.host); got != tt.want {
				t.Errorf("Allowed(%v, %q) = %v, want %v", tt.allowlist, tt.host, got, tt.want)
			}
		})
	}
}

func TestDimension(t *testing.T) {
	tests := []struct {
		raw    string
		want   int
		wantOK bool
	}{
		{"200", 200, true},
		{"  42", 42, true},
		{"100px", 100, true},
		{"+7", 7, true},
		{"12.9", 12, true},
		{"0", 0, false},
		{"-5", 0, false},
		{"px100", 0, false},
		{"", 0, false},
		{"abc", 0, false},
		{"-", 0, false},
		{"99999999999999999999999", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := Dimension(tt.raw)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("Dimension(%q) = (%d, %v), want (%d, %v)", tt.raw, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestResizeOptions(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  model.ResizeSpec
	}{
		{"none", "url=x", model.ResizeSpec{}},
		{"width", "width=100", model.ResizeSpec{Width: 100}},
		{"maxwidth", "maxwidth=80", model.ResizeSpec{Width: 80}},
		{"maxwidth wins", "width=100&maxwidth=80", model.ResizeSpec{Width: 80}},
		{"maxheight wins", "height=100&maxheight=60", model.ResizeSpec{Height: 60}},
		{"both", "maxwidth=80&maxheight=60", model.ResizeSpec{Width: 80, Height: 60}},
		{"first occurrence", "width=10&width=20", model.ResizeSpec{Width: 10}},
		{"invalid maxwidth hides width", "maxwidth=abc&width=90", model.ResizeSpec{}},
		{"zero ignored", "width=0&height=30", model.ResizeSpec{Height: 30}},
		{"negative ignored", "width=-10", model.ResizeSpec{}},
		{"trailing semicolon", "maxwidth=200;", model.ResizeSpec{Width: 200}},
		{"semicolon in url keeps width", "url=https://a.test/x;y.png&width=40", model.ResizeSpec{Width: 40}},
		{"bad escape", "maxheight=120%zz", model.ResizeSpec{Height: 120}},
		{"bad escape in url keeps height", "url=https://a.test/%zz.png&height=30", model.ResizeSpec{Height: 30}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResizeOptions(ParseQuery(tt.query))
			if got != tt.want {
				t.Errorf("ResizeOptions(%q) = %+v, want %+v", tt.query, got, tt.want)
			}
			if got.AllowEnlargement {
				t.Error("AllowEnlargement = true, want false")
			}
		})
	}
}

func TestFetchHeaders(t *testing.T) {
	in := http.Header{
		"Referer":       {"https://site.test/page"},
		"Cookie":        {"session=abc"},
		"Authorization": {"Bearer x"},
		"User-Agent":    {"browser"},
	}
	got := FetchHeaders(in)
	if len(got) != 1 {
		t.Errorf("FetchHeaders() = %v, want only Referer", got)
	}
	if got.Get("Referer") != "https://site.test/page" {
		t.Errorf("Referer = %q, want %q", got.Get("Referer"), "https://site.test/page")
	}

	if got := FetchHeaders(http.Header{"Cookie": {"a=b"}}); len(got) != 0 {
		t.Errorf("FetchHeaders() without referer = %v, want empty", got)
	}
}

func TestCheckMIME(t *testing.T) {
	tests := []struct {
		contentType string
		want        bool
	}{
		{"image/jpeg", true},
		{"image/png; charset=binary", true},
		{"image/gif", true},
		{"image/webp", true},
		{"image/svg+xml", false},
		{"image/x-icon", false},
		{"text/html", false},
		{"application/octet-stream", false},
		{"image", false},
		{"image/png/extra", false},
		{"Image/PNG", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.contentType, func(t *testing.T) {
			h := http.Header{}
			if tt.contentType != "" {
				h.Set("Content-Type", tt.contentType)
			}
			if got := CheckMIME(h); got != tt.want {
				t.Errorf("CheckMIME(%q) = %v, want %v", tt.contentType, got, tt.want)
			}
		})
	}
}

func TestForwardHeaders(t *testing.T) {
	src := http.Header{
		"cache-control":               {"public, max-age=60"},
		"expires":                     {"Thu, 01 Jan 2099 00:00:00 GMT"},
		"Last-Modified":               {"Mon, 01 Jan 2024 00:00:00 GMT"},
		"Access-Control-Allow-Origin": {"*"},
		"Set-Cookie":                  {"session=abc"},
		"Content-Length":              {"1234"},
		"Etag":                        {`"v1"`},
	}
	dst := make(http.Header)
	ForwardHeaders(src, dst)

	tests := []struct {
		key     string
		wantLen int
	}{
		{"Cache-Control", 1},
		{"Expires", 1},
		{"Last-Modified", 1},
		{"Access-Control-Allow-Origin", 1},
		{"Set-Cookie", 0},
		{"Content-Length", 0},
		{"Etag", 0},
	}

	for _, key := range []string{"Cache-Control", "Expires"} {
		if _, ok := dst[key]; !ok {
			t.Errorf("dst keys = %v, want canonical %s", slices.Collect(maps.Keys(dst)), key)
		}
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := len(dst.Values(tt.key)); got != tt.wantLen {
				t.Errorf("header %q: got %d values, want %d", tt.key, got, tt.wantLen)
			}
		})
	}
}

func TestProcess_Passthrough(t *testing.T) {
	img := pngBytes(t, 40, 20)
	f := &fakeFetcher{
		status: http.StatusOK,
		header: http.Header{
			"Content-Type":  {"image/png; charset=binary"},
			"Cache-Control": {"max-age=600"},
			"Set-Cookie":    {"a=b"},
		},
		body: img,
	}
	svc := newTestService(f)

	req := imageRequest("/?url=https://cdn.test/a.png")
	req.Header.Set("Referer", "https://site.test/")
	res, err := svc.Process(req)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if !bytes.Equal(res.Body, img) {
		t.Error("passthrough body differs from origin body")
	}
	if res.ContentType != "image/png; charset=binary" {
		t.Errorf("ContentType = %q, want origin value", res.ContentType)
	}
	if res.Resized {
		t.Error("Resized = true for passthrough")
	}
	if res.Header.Get("Cache-Control") != "max-age=600" {
		t.Errorf("Cache-Control = %q, want %q", res.Header.Get("Cache-Control"), "max-age=600")
	}
	if res.Header.Get("Set-Cookie") != "" {
		t.Error("Set-Cookie must not be forwarded")
	}
	if f.gotTarget.String() != "https://cdn.test/a.png" {
		t.Errorf("fetched %q, want %q", f.gotTarget, "https://cdn.test/a.png")
	}
	if f.gotHeader.Get("Referer") != "https://site.test/" {
		t.Errorf("Referer sent = %q, want %q", f.gotHeader.Get("Referer"), "https://site.test/")
	}
	if !f.closed {
		t.Error("upstream body was not closed")
	}
}

func TestProcess_LenientQuery(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		allowlist  []string
		wantTarget string
		wantWidth  int
	}{
		{
			name:       "semicolon in target",
			uri:        "/?url=https://example.com/a;v=1.png&maxwidth=10",
			wantTarget: "https://example.com/a;v=1.png",
			wantWidth:  10,
		},
		{
			name:       "stray percent in target",
			uri:        "/?url=https://example.com/100%25off%zz.png&width=10",
			wantTarget: "https://example.com/100%25off%25zz.png",
			wantWidth:  10,
		},
		{
			name:       "trailing semicolon on width",
			uri:        "/?url=https://cdn.test/a.png&maxwidth=20;",
			wantTarget: "https://cdn.test/a.png",
			wantWidth:  20,
		},
		{
			name:       "bracketed ipv6 allowlist entry",
			uri:        "/?url=http://[::1]:8080/a.png&width=10",
			allowlist:  []string{"[::1]"},
			wantTarget: "http://[::1]:8080/a.png",
			wantWidth:  10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{
				status: http.StatusOK,
				header: http.Header{"Content-Type": {"image/png"}},
				body:   pngBytes(t, 40, 20),
			}
			res, err := newTestService(f, tt.allowlist...).Process(imageRequest(tt.uri))
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if f.gotTarget.String() != tt.wantTarget {
				t.Errorf("fetched %q, want %q", f.gotTarget, tt.wantTarget)
			}
			cfg, _, err := image.DecodeConfig(bytes.NewReader(res.Body))
			if err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if cfg.Width != tt.wantWidth {
				t.Errorf("result width = %d, want %d", cfg.Width, tt.wantWidth)
			}
		})
	}
}

func TestProcess_Resize(t *testing.T) {
	f := &fakeFetcher{
		status: http.StatusOK,
		header: http.Header{"Content-Type": {"image/png"}},
		body:   pngBytes(t, 40, 20),
	}
	svc := newTestService(f)

	res, err := svc.Process(imageRequest("/?url=https://cdn.test/a.png&maxwidth=10"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want %q", res.ContentType, "image/png")
	}
	if !res.Resized {
		t.Error("Resized = false, want true")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(res.Body))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if cfg.Width != 10 || cfg.Height != 5 {
		t.Errorf("result size = %dx%d, want 10x5", cfg.Width, cfg.Height)
	}
}

func TestProcess_Errors(t *testing.T) {
	okHeader := http.Header{"Content-Type": {"image/png"}}

	tests := []struct {
		name      string
		uri       string
		allowlist []string
		fetcher   *fakeFetcher
		wantErr   error
		wantCalls int
	}{
		{
			name:    "missing url",
			uri:     "/",
			fetcher: &fakeFetcher{},
			wantErr: ErrInvalidTarget,
		},
		{
			name:    "relative url",
			uri:     "/?url=cat.png",
			fetcher: &fakeFetcher{},
			wantErr: ErrInvalidTarget,
		},
		{
			name:      "host not allowed",
			uri:       "/?url=https://evil.test/a.png",
			allowlist: []string{"cdn.test"},
			fetcher:   &fakeFetcher{},
			wantErr:   ErrHostNotAllowed,
		},
		{
			name:      "unbracketed ipv6 allowlist entry",
			uri:       "/?url=http://[::1]:8080/a.png",
			allowlist: []string{"::1"},
			fetcher:   &fakeFetcher{},
			wantErr:   ErrHostNotAllowed,
		},
		{
			name:      "transport error",
			uri:       "/?url=https://cdn.test/a.png",
			fetcher:   &fakeFetcher{err: errors.New("connection refused")},
			wantErr:   ErrFetch,
			wantCalls: 1,
		},
		{
			name:      "upstream 404",
			uri:       "/?url=https://cdn.test/a.png",
			fetcher:   &fakeFetcher{status: http.StatusNotFound, header: okHeader},
			wantErr:   ErrUpstreamStatus,
			wantCalls: 1,
		},
		{
			name:      "upstream 304",
			uri:       "/?url=https://cdn.test/a.png",
			fetcher:   &fakeFetcher{status: http.StatusNotModified, header: okHeader},
			wantErr:   ErrUpstreamStatus,
			wantCalls: 1,
		},
		{
			name:      "html response",
			uri:       "/?url=https://cdn.test/a.png",
			fetcher:   &fakeFetcher{status: http.StatusOK, header: http.Header{"Content-Type": {"text/html"}}},
			wantErr:   ErrUnsupportedMIME,
			wantCalls: 1,
		},
		{
			name:      "no content type",
			uri:       "/?url=https://cdn.test/a.png",
			fetcher:   &fakeFetcher{status: http.StatusOK, header: http.Header{}},
			wantErr:   ErrUnsupportedMIME,
			wantCalls: 1,
		},
		{
			name:      "corrupt image with resize",
			uri:       "/?url=https://cdn.test/a.png&width=10",
			fetcher:   &fakeFetcher{status: http.StatusOK, header: okHeader, body: []byte("not a png")},
			wantErr:   ErrFetch,
			wantCalls: 1,
		},
		{
			name:      "panic recovered",
			uri:       "/?url=https://cdn.test/a.png",
			fetcher:   &fakeFetcher{panics: true},
			wantErr:   ErrFetch,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(tt.fetcher, tt.allowlist...)
			res, err := svc.Process(imageRequest(tt.uri))
			if err == nil {
				t.Fatalf("Process() = %+v, want error", res)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Process() error = %v, want %v", err, tt.wantErr)
			}
			if res != nil {
				t.Errorf("Process() result = %+v, want nil", res)
			}
			if tt.fetcher.calls != tt.wantCalls {
				t.Errorf("fetch calls = %d, want %d", tt.fetcher.calls, tt.wantCalls)
			}
		})
	}
}

func TestProcess_CorruptPassthrough(t *testing.T) {
	// Without resize parameters the bytes are never decoded.
	f := &fakeFetcher{
		status: http.StatusOK,
		header: http.Header{"Content-Type": {"image/jpeg"}},
		body:   []byte("not really a jpeg"),
	}
	res, err := newTestService(f).Process(imageRequest("/?url=https://cdn.test/a.jpg"))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if string(res.Body) != "not really a jpeg" {
		t.Errorf("body = %q", res.Body)
	}
}

func TestProcess_WithClient(t *testing.T) {
	img := pngBytes(t, 64, 64)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/logo.png") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		_, _ = w.Write(img)
	}))
	defer upstream.Close()

	target, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("parse upstream url: %v", err)
	}

	cfg := &config.Config{
		Allowlist: config.AllowlistConfig{Hostnames: []string{target.Hostname()}},
		Upstream:  config.UpstreamConfig{TimeoutSeconds: 10, IdleConnections: 10},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ic, err := client.NewImageClient(cfg, logger, nil)
	if err != nil {
		t.Fatalf("NewImageClient: %v", err)
	}
	svc := NewImageService(ic, cfg, logger, nil)

	res, err := svc.Process(imageRequest("/?maxheight=16&url=" + url.QueryEscape(upstream.URL+"/logo.png")))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if res.Header.Get("Last-Modified") == "" {
		t.Error("Last-Modified was not forwarded")
	}
	cfgOut, format, err := image.DecodeConfig(bytes.NewReader(res.Body))
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if format != "png" || cfgOut.Height != 16 || cfgOut.Width != 16 {
		t.Errorf("result = %s %dx%d, want png 16x16", format, cfgOut.Width, cfgOut.Height)
	}

	_, err = svc.Process(imageRequest("/?url=" + url.QueryEscape(upstream.URL+"/missing.png")))
	if !errors.Is(err, ErrUpstreamStatus) {
		t.Errorf("Process() missing image error = %v, want ErrUpstreamStatus", err)
	}
}
