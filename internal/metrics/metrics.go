// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for upstream latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsTotal *prometheus.CounterVec
	ConnectionsOpen  prometheus.Gauge
	TunnelBytes      *prometheus.CounterVec
	ChainVerdicts    *prometheus.CounterVec
	UpstreamFailures prometheus.Counter

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_connections_total",
			Help: "Total accepted client connections by dispatch kind.",
		}, []string{"kind"}),

		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "intercept_proxy_connections_open",
			Help: "Client connections currently registered.",
		}),

		TunnelBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_tunnel_bytes_total",
			Help: "Bytes relayed through raw tunnels by direction.",
		}, []string{"direction"}),

		ChainVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_chain_verdicts_total",
			Help: "Rule chain outcomes by chain and verdict.",
		}, []string{"chain", "verdict"}),

		UpstreamFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "intercept_proxy_upstream_failures_total",
			Help: "Upstream connect or request failures answered with 502.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercept_proxy_upstream_request_duration_seconds",
			Help:    "Upstream exchange latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "intercept_proxy_admin_requests_total",
			Help: "Total admin API requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercept_proxy_admin_request_duration_seconds",
			Help:    "Admin API request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsOpen,
		m.TunnelBytes,
		m.ChainVerdicts,
		m.UpstreamFailures,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true, "CONNECT": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
