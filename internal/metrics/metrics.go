// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamOutcomes  *prometheus.CounterVec
	ConnectionsInUse  *prometheus.GaugeVec
	PoolWait          prometheus.Histogram

	knownPrefixes []string
}

// New creates a Metrics instance with a custom registry and all collectors registered.
// prefixes are the configured route prefixes and the metrics path; together
// with the health and status endpoints they bound the path_prefix label.
func New(prefixes ...string) *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edge_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edge_gateway_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_gateway_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_gateway_upstream_outcomes_total",
			Help: "Forwarded exchanges by route and outcome.",
		}, []string{"route", "outcome"}),

		ConnectionsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edge_gateway_upstream_connections_in_use",
			Help: "Upstream pool slots currently held, per upstream.",
		}, []string{"upstream"}),

		PoolWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edge_gateway_upstream_pool_wait_seconds",
			Help:    "Time spent waiting for an upstream pool slot.",
			Buckets: defaultBuckets,
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamOutcomes,
		m.ConnectionsInUse,
		m.PoolWait,
	)

	m.knownPrefixes = append(m.knownPrefixes, "/health", "/gateway/status")
	for _, p := range prefixes {
		if p != "" && p != "/" {
			m.knownPrefixes = append(m.knownPrefixes, strings.TrimSuffix(p, "/"))
		}
	}

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

// NormalizePath returns a bounded path label for Prometheus metrics.
// The longest matching known prefix wins.
func (m *Metrics) NormalizePath(path string) string {
	best := ""
	for _, prefix := range m.knownPrefixes {
		if len(prefix) <= len(best) {
			continue
		}
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			best = prefix
		}
	}
	if best == "" {
		return "other"
	}
	return best
}
