// Package metrics exposes Prometheus instrumentation for the request gate
// and the exec pipeline.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Valet collector. Label values are taxonomy kinds and
// tool names only; nothing request-specific ever becomes a label.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	rateLimited   prometheus.Counter
	execDuration  prometheus.Histogram
	streamAborts  prometheus.Counter
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "valet",
			Name:      "requests_total",
			Help:      "Requests by terminal outcome kind and tool.",
		},
		[]string{"outcome", "tool"},
	)
	m.rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "valet",
			Name:      "rate_limited_total",
			Help:      "Requests refused by a token bucket.",
		},
	)
	m.execDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "valet",
			Name:      "exec_duration_seconds",
			Help:      "Wall-clock duration of exec invocations, spawn to reap.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
	m.streamAborts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "valet",
			Name:      "stream_aborts_total",
			Help:      "Streams ended early by client disconnect.",
		},
	)

	m.registry.MustRegister(m.requestsTotal, m.rateLimited, m.execDuration, m.streamAborts)
	return m
}

// RecordRequest counts a finished request. tool may be empty for gate-level
// failures that never reached dispatch.
func (m *Metrics) RecordRequest(outcome, tool string) {
	if tool == "" {
		tool = "none"
	}
	m.requestsTotal.WithLabelValues(outcome, tool).Inc()
}

// RecordRateLimited counts a bucket refusal.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}

// ObserveExecDuration records one exec invocation's duration.
func (m *Metrics) ObserveExecDuration(seconds float64) {
	m.execDuration.Observe(seconds)
}

// RecordStreamAbort counts a stream cut short by the client.
func (m *Metrics) RecordStreamAbort() {
	m.streamAborts.Inc()
}

// Handler serves the scrape endpoint for this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
