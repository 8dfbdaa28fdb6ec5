// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Stream buckets cover full generations, which run far longer than API calls.
var streamBuckets = []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Stream outcomes used as the "outcome" label of RelayStreams.
const (
	OutcomeDone     = "done"
	OutcomeError    = "error"
	OutcomeInvalid  = "invalid"
	OutcomeCanceled = "canceled"
	OutcomeRejected = "rejected"
)

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	SessionsActive   prometheus.Gauge
	RelayStreams     *prometheus.CounterVec
	RelayEvents      prometheus.Counter
	RelaySkipped     prometheus.Counter
	RelayStreamTime  prometheus.Histogram
	ModelListFailure prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollama_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ollama_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ollama_relay_upstream_request_duration_seconds",
			Help:    "Time until upstream response headers, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ollama_relay_ws_sessions_active",
			Help: "Number of open WebSocket relay sessions.",
		}),

		RelayStreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ollama_relay_streams_total",
			Help: "Streaming chat requests by outcome.",
		}, []string{"outcome"}),

		RelayEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ollama_relay_stream_events_total",
			Help: "Upstream JSON objects forwarded to clients.",
		}),

		RelaySkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ollama_relay_stream_fragments_skipped_total",
			Help: "Malformed upstream fragments dropped by the framer.",
		}),

		RelayStreamTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ollama_relay_stream_duration_seconds",
			Help:    "Wall time of a streaming chat request, in seconds.",
			Buckets: streamBuckets,
		}),

		ModelListFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ollama_relay_model_list_failures_total",
			Help: "Model list requests that degraded to an empty list.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.SessionsActive,
		m.RelayStreams,
		m.RelayEvents,
		m.RelaySkipped,
		m.RelayStreamTime,
		m.ModelListFailure,
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

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/api/chat", "/api/models", "/ws", "/healthz", "/relay/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
