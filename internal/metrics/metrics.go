package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edge_gateway"

// Upstream call outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeUnreachable = "unreachable"
	OutcomeTimeout     = "timeout"
	OutcomeBreakerOpen = "breaker_open"
	OutcomeCanceled    = "canceled"
)

// Circuit breaker states as exported by the state gauge.
const (
	StateClosed   = 0
	StateOpen     = 1
	StateHalfOpen = 2
)

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector owns the gateway's Prometheus registry. It outlives config
// reloads, so every snapshot reports into the same series.
type Collector struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	durations     *prometheus.HistogramVec
	upstreamCalls *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
	backendHealth *prometheus.GaugeVec
	authFailures  *prometheus.CounterVec
	configReloads *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total requests handled, by route, method and status code.",
		}, []string{"route", "method", "code"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration in seconds of a request through the pipeline.",
			Buckets:   DefaultBuckets,
		}, []string{"route"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "calls_total",
			Help:      "Upstream dispatch attempts by outcome.",
		}, []string{"upstream", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}, []string{"upstream"}),
		backendHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "backend_healthy",
			Help:      "1 if the backend is eligible for traffic.",
		}, []string{"upstream", "backend"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Rejected requests by failure reason.",
		}, []string{"reason"}),
		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Configuration reload attempts by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		c.requests,
		c.durations,
		c.upstreamCalls,
		c.breakerState,
		c.backendHealth,
		c.authFailures,
		c.configReloads,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.requests.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.durations.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordUpstream records the outcome of one upstream dispatch.
func (c *Collector) RecordUpstream(upstream, outcome string) {
	c.upstreamCalls.WithLabelValues(upstream, outcome).Inc()
}

// RecordAuthFailure counts a rejected request.
func (c *Collector) RecordAuthFailure(reason string) {
	c.authFailures.WithLabelValues(reason).Inc()
}

// RecordReload counts a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	c.configReloads.WithLabelValues(result).Inc()
}

// SetCircuitBreakerState sets the circuit breaker state for an upstream
func (c *Collector) SetCircuitBreakerState(upstream string, state int) {
	c.breakerState.WithLabelValues(upstream).Set(float64(state))
}

// SetBackendHealth sets the health status of a backend
func (c *Collector) SetBackendHealth(upstream, backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	c.backendHealth.WithLabelValues(upstream, backend).Set(v)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
