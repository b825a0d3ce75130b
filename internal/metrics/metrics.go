// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	UpstreamErrors    *prometheus.CounterVec

	RelayEvents   *prometheus.CounterVec
	RelayOutcomes *prometheus.CounterVec
	SinkFailures  *prometheus.CounterVec

	ChannelConsumers prometheus.Gauge
	ChannelEvictions *prometheus.CounterVec
	ChannelMessages  *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_relay_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_relay_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_relay_upstream_request_duration_seconds",
			Help:    "Time until the upstream response head is received, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_upstream_errors_total",
			Help: "Upstream calls that failed before a response head was received.",
		}, []string{"method"}),

		RelayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_relay_events_total",
			Help: "Relay events produced, by event type.",
		}, []string{"event_type"}),

		RelayOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_relay_outcomes_total",
			Help: "Finished relays by terminal outcome.",
		}, []string{"outcome"}),

		SinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_sink_failures_total",
			Help: "Sinks dropped from a relay after a failed delivery.",
		}, []string{"sink"}),

		ChannelConsumers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_relay_channel_consumers",
			Help: "Number of connected WebSocket consumers.",
		}),

		ChannelEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_channel_evictions_total",
			Help: "WebSocket consumers disconnected by the relay, by reason.",
		}, []string{"reason"}),

		ChannelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_relay_channel_messages_total",
			Help: "Inbound WebSocket frames by handling result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.UpstreamErrors,
		m.RelayEvents,
		m.RelayOutcomes,
		m.SinkFailures,
		m.ChannelConsumers,
		m.ChannelEvictions,
		m.ChannelMessages,
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

// Route labels. Every path that is not a reserved route is proxied upstream,
// so labels come from the matched echo route pattern rather than the raw path.
const (
	RouteHealth  = "health"
	RouteMetrics = "metrics"
	RouteChannel = "channel"
	RouteProxy   = "proxy"
	RouteOther   = "other"
)

// NormalizeRoute returns a bounded route label for an echo route pattern.
// Patterns missing from routes (including router misses) map to "other".
func NormalizeRoute(pattern string, routes map[string]string) string {
	if r, ok := routes[pattern]; ok {
		return r
	}
	return RouteOther
}
