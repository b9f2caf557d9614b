// Package client provides the upstream HTTP client used to fetch origin images.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/die-net/lrucache"
	aia "github.com/fcjr/aia-transport-go"
	"github.com/gregjones/httpcache"

	"image-resize-proxy/internal/config"
	"image-resize-proxy/internal/metrics"
	"image-resize-proxy/internal/model"
)

// ImageClient fetches images from origin servers.
type ImageClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewImageClient creates an ImageClient with connection pooling.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewImageClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ImageClient, error) {
	transport, err := newTransport(&cfg.Upstream)
	if err != nil {
		return nil, err
	}

	return &ImageClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		},
		logger:  logger.With("component", "image_client"),
		metrics: m,
	}, nil
}

// newTransport builds the round tripper chain: a pooled transport, optionally
// one that fetches missing intermediate certificates, optionally wrapped in an
// in-memory HTTP cache.
func newTransport(cfg *config.UpstreamConfig) (http.RoundTripper, error) {
	var transport *http.Transport
	if cfg.AIATransport {
		t, err := aia.NewTransport()
		if err != nil {
			return nil, fmt.Errorf("build aia transport: %w", err)
		}
		transport = t
	} else {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	transport.MaxIdleConns = cfg.IdleConnections
	transport.MaxIdleConnsPerHost = cfg.IdleConnections
	transport.IdleConnTimeout = 90 * time.Second

	if !cfg.Cache.Enabled {
		return transport, nil
	}

	// maxSize is in bytes, maxAge in seconds (0 = no age limit).
	cache := lrucache.New(cfg.Cache.MaxSizeMB*1e6, cfg.Cache.MaxAgeSeconds)
	return &httpcache.Transport{
		Transport:           transport,
		Cache:               cache,
		MarkCachedResponses: true,
	}, nil
}

// Fetch issues a single GET for target with the given request headers.
// There are no retries. The caller is responsible for closing the response body.
// ctx controls the lifetime of the upstream request: when it is canceled
// (e.g. client disconnects), the fetch is canceled too.
func (c *ImageClient) Fetch(ctx context.Context, target *url.URL, header http.Header) (*model.UpstreamResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	for k, vals := range header {
		req.Header[k] = append([]string(nil), vals...)
	}

	c.logger.Debug("upstream request", "host", target.Host, "path", target.Path)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via UpstreamResponse
	duration := time.Since(start).Seconds()

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.Observe(duration)
			c.metrics.UpstreamResponses.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	fromCache := resp.Header.Get(httpcache.XFromCache) == "1"
	if c.metrics != nil {
		c.metrics.UpstreamDuration.Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		if fromCache {
			c.metrics.UpstreamCacheHits.Inc()
		}
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
		FromCache:  fromCache,
	}, nil
}
