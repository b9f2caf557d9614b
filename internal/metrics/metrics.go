// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request and fetch latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ResponseSize     *prometheus.HistogramVec

	UpstreamDuration  prometheus.Histogram
	UpstreamResponses *prometheus.CounterVec
	UpstreamCacheHits prometheus.Counter

	Rejections        *prometheus.CounterVec
	TransformDuration prometheus.Histogram
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "image_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "image_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		ResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "image_proxy_http_response_size_bytes",
			Help:    "Size of successful response bodies in bytes.",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		}, []string{"path"}),

		UpstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "image_proxy_upstream_request_duration_seconds",
			Help:    "Origin fetch latency in seconds, up to response headers.",
			Buckets: defaultBuckets,
		}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_proxy_upstream_responses_total",
			Help: "Total origin responses by status code; transport failures use \"error\".",
		}, []string{"status_code"}),

		UpstreamCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "image_proxy_upstream_cache_hits_total",
			Help: "Origin responses served from the in-memory cache.",
		}),

		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "image_proxy_rejections_total",
			Help: "Image requests that ended in an error response, by reason.",
		}, []string{"reason"}),

		TransformDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "image_proxy_transform_duration_seconds",
			Help:    "Time taken to decode, resize and encode an image.",
			Buckets: defaultBuckets,
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResponseSize,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamCacheHits,
		m.Rejections,
		m.TransformDuration,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPaths lists the allowed path label values (bounded cardinality).
var knownPaths = map[string]bool{"/": true, "/healthz": true, "/status": true, "/metrics": true}

// NormalizePath returns a bounded path label for Prometheus metrics.
// The image endpoint carries its parameters in the query, so the path alone
// is the label.
func NormalizePath(path string) string {
	if knownPaths[path] {
		return path
	}
	return "other"
}
