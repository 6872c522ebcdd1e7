// Package metrics exposes the service's Prometheus instrumentation. Metrics
// are registered once on demand; recording before initialization is a no-op
// so instrumented paths never care whether the operator enabled the
// endpoint.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	providerOpDuration *prometheus.HistogramVec
	authFailuresTotal  *prometheus.CounterVec
	corruptionTotal    prometheus.Counter
	connectionsOpen    prometheus.Gauge

	metricsOnce       sync.Once
	metricsRegistered atomic.Bool
)

// InitMetrics registers all metrics with the default registry. Called once
// at startup when the metrics endpoint is enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		requestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parsec_requests_total",
				Help: "Total number of requests processed, by opcode and response status",
			},
			[]string{"opcode", "status"},
		)

		requestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parsec_request_duration_seconds",
				Help:    "End-to-end request processing time in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"opcode"},
		)

		providerOpDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parsec_provider_op_duration_seconds",
				Help:    "Provider call latency in seconds, by provider and opcode",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"provider", "opcode"},
		)

		authFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parsec_auth_failures_total",
				Help: "Total number of failed authentications, by auth type",
			},
			[]string{"auth_type"},
		)

		corruptionTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parsec_store_corruption_total",
				Help: "Total number of key info entries found undecodable",
			},
		)

		connectionsOpen = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parsec_connections_open",
				Help: "Currently open client connections",
			},
		)

		metricsRegistered.Store(true)
	})
}

// RequestMetrics records service events. The zero value is usable.
type RequestMetrics struct{}

// NewRequestMetrics returns a recorder. Recording is a no-op until
// InitMetrics has run.
func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{}
}

// RecordRequest records one completed request.
func (m *RequestMetrics) RecordRequest(opcode, status string, seconds float64) {
	if !metricsRegistered.Load() {
		return
	}
	requestsTotal.WithLabelValues(opcode, status).Inc()
	requestDuration.WithLabelValues(opcode).Observe(seconds)
}

// RecordProviderOp records one provider call.
func (m *RequestMetrics) RecordProviderOp(provider, opcode string, seconds float64) {
	if !metricsRegistered.Load() {
		return
	}
	providerOpDuration.WithLabelValues(provider, opcode).Observe(seconds)
}

// RecordAuthFailure records one rejected authentication.
func (m *RequestMetrics) RecordAuthFailure(authType string) {
	if !metricsRegistered.Load() {
		return
	}
	authFailuresTotal.WithLabelValues(authType).Inc()
}

// RecordStoreCorruption records one undecodable key info entry.
func (m *RequestMetrics) RecordStoreCorruption() {
	if !metricsRegistered.Load() {
		return
	}
	corruptionTotal.Inc()
}

// ConnectionOpened marks a client connection accepted.
func (m *RequestMetrics) ConnectionOpened() {
	if !metricsRegistered.Load() {
		return
	}
	connectionsOpen.Inc()
}

// ConnectionClosed marks a client connection gone.
func (m *RequestMetrics) ConnectionClosed() {
	if !metricsRegistered.Load() {
		return
	}
	connectionsOpen.Dec()
}

// Registered reports whether InitMetrics has run.
func Registered() bool {
	return metricsRegistered.Load()
}
