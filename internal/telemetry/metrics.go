// Package telemetry provides application-level observability for the gateway.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// automatically available on the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<KGW_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint returns data in the Prometheus text
// exposition format and is intended to be scraped every 15–60 seconds. It is
// NOT served by the Gin router, so it is never subject to the admission
// pipeline, the IP throttle, or per-customer rate limits.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Admission decisions: authentication failures by reason, rate-limit outcomes
//   - Metadata cache hit/miss/eviction counters
//   - Usage event publish/drop counters
//   - Upstream proxy error counter
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (the Gin route template) rather than the raw
// request URL to prevent unbounded label cardinality from user-supplied path
// segments. Proxied traffic, which matches no route, is recorded under the
// literal "<proxy>" label by the metrics middleware.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics — labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(http_requests_total[5m])
//   - Error rate (%):                    sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Admission pipeline metrics.
//
// AuthFailuresTotal is a CounterVec with label {reason}; the reason values are
// "missing_credential", "invalid_credential", and "internal_error".
//
// RateLimitDecisionsTotal is a CounterVec with label {outcome}; the outcome
// values are "allowed", "denied", and "fail_open". A non-zero fail_open rate
// means the rate-limit store is unreachable and quota enforcement is
// suspended — alert on it:
//
//	increase(rate_limit_decisions_total{outcome="fail_open"}[5m]) > 0
var (
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_failures_total",
			Help: "Total number of rejected authentication attempts, by reason.",
		},
		[]string{"reason"},
	)

	RateLimitDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_decisions_total",
			Help: "Total number of rate limit checks, by outcome (allowed, denied, fail_open).",
		},
		[]string{"outcome"},
	)
)

// Metadata cache metrics. A falling hit ratio after a clear-all is expected;
// a persistently low ratio means the TTL is shorter than the key reuse
// interval or the key-management service is evicting aggressively.
//
// Example PromQL query:
//   - Hit ratio: rate(apikey_cache_hits_total[5m]) / (rate(apikey_cache_hits_total[5m]) + rate(apikey_cache_misses_total[5m]))
var (
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apikey_cache_hits_total",
			Help: "Total number of API key metadata cache hits.",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "apikey_cache_misses_total",
			Help: "Total number of API key metadata cache misses.",
		},
	)

	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_cache_evictions_total",
			Help: "Total number of cache evictions, by cause (ttl, explicit, clear_all).",
		},
		[]string{"cause"},
	)
)

// Usage recorder metrics. Dropped events are the price of the non-blocking
// contract: when the internal buffer is full the request path is never made
// to wait, the event is discarded and counted here instead.
//
// Example PromQL query:
//   - Drop rate: rate(usage_events_dropped_total[5m])
var (
	UsageEventsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_events_published_total",
			Help: "Total number of usage log events successfully appended to the stream.",
		},
	)

	UsageEventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_events_dropped_total",
			Help: "Total number of usage log events dropped, by cause (buffer_full, publish_error, marshal_error).",
		},
		[]string{"cause"},
	)
)

// UpstreamErrorsTotal counts proxied requests that failed before receiving an
// upstream response (dial errors, timeouts, aborted transfers).
var UpstreamErrorsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "upstream_errors_total",
		Help: "Total number of proxied requests that failed to reach the upstream backend.",
	},
)
