// Package service implements the image fetch, validate and resize pipeline.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"image-resize-proxy/internal/client"
	"image-resize-proxy/internal/codec"
	"image-resize-proxy/internal/config"
	"image-resize-proxy/internal/metrics"
	"image-resize-proxy/internal/model"
)

var (
	// ErrInvalidTarget is returned when the url parameter is missing or is not an absolute URL.
	ErrInvalidTarget = errors.New("invalid or missing image url")
	// ErrHostNotAllowed is returned when the target host is not in the allowlist.
	ErrHostNotAllowed = errors.New("host not allowed")
	// ErrFetch covers transport failures and any failure after the response was accepted.
	ErrFetch = errors.New("fetch failed")
	// ErrUpstreamStatus is returned when the origin answers with a non-2xx status.
	ErrUpstreamStatus = errors.New("upstream returned non-2xx status")
	// ErrUnsupportedMIME is returned when the origin content type is not a decodable image.
	ErrUnsupportedMIME = errors.New("unsupported mime type")
)

// Fetcher retrieves origin images. *client.ImageClient satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, target *url.URL, header http.Header) (*model.UpstreamResponse, error)
}

// ImageService runs the request pipeline for one image request.
type ImageService struct {
	fetcher   Fetcher
	allowlist []string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewImageService creates an ImageService backed by the upstream client.
// The metrics parameter is optional.
func NewImageService(c *client.ImageClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ImageService {
	return newImageService(c, cfg, logger, m)
}

func newImageService(f Fetcher, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ImageService {
	return &ImageService{
		fetcher:   f,
		allowlist: cfg.Allowlist.Hostnames,
		logger:    logger.With("component", "image_service"),
		metrics:   m,
	}
}

// Process validates the request, fetches the origin image and either passes
// it through or resizes it. Errors wrap one of the package sentinels.
func (s *ImageService) Process(req *model.ImageRequest) (*model.ImageResult, error) {
	reqURL, err := RequestURL(req.Scheme, req.Host, req.RequestURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTarget, err)
	}

	target, err := ExtractTarget(reqURL)
	if err != nil {
		return nil, err
	}
	if host := Hostname(target); !Allowed(s.allowlist, host) {
		return nil, fmt.Errorf("%w: %q", ErrHostNotAllowed, host)
	}

	spec := ResizeOptions(ParseQuery(reqURL.RawQuery))
	s.logger.Debug("processing image",
		"host", target.Host,
		"width", spec.Width,
		"height", spec.Height,
	)

	return s.fetchAndTransform(req.Ctx, target, spec, FetchHeaders(req.Header))
}

// fetchAndTransform runs everything from the origin fetch onward. Any failure
// here that is not a status or MIME rejection, including a panic in a
// decoder, is reported as ErrFetch.
func (s *ImageService) fetchAndTransform(ctx context.Context, target *url.URL, spec model.ResizeSpec, header http.Header) (res *model.ImageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = fmt.Errorf("%w: panic: %v", ErrFetch, r)
		}
	}()

	resp, err := s.fetcher.Fetch(ctx, target, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if !resp.OK() {
		return nil, fmt.Errorf("%w: %d", ErrUpstreamStatus, resp.StatusCode)
	}
	if !CheckMIME(resp.Header) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMIME, resp.Header.Get("Content-Type"))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrFetch, err)
	}

	res = &model.ImageResult{Target: target, Header: make(http.Header)}
	ForwardHeaders(resp.Header, res.Header)

	if spec.Empty() {
		res.ContentType = resp.Header.Get("Content-Type")
		res.Body = body
		return res, nil
	}

	start := time.Now()
	out, format, err := codec.Transform(body, spec)
	if s.metrics != nil {
		s.metrics.TransformDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: transform: %w", ErrFetch, err)
	}

	res.ContentType = codec.ContentType(format)
	res.Body = out
	res.Resized = true
	return res, nil
}
