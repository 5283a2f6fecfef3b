// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Start stages are long-tailed: snapshot restore alone can take tens of
// seconds, hydration minutes on big repos.
var stageBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120}

// OutcomeSuccess labels a start that returned 200.
const OutcomeSuccess = "success"

// Metrics is the collector set. Each process builds one against its own
// registry so tests never collide.
type Metrics struct {
	registry *prometheus.Registry

	sandboxStarts    *prometheus.CounterVec
	startStage       *prometheus.HistogramVec
	providerRequests *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		sandboxStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bullpen_sandbox_starts_total",
			Help: "Sandbox start requests by provider and outcome.",
		}, []string{"provider", "outcome"}),
		startStage: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bullpen_start_stage_seconds",
			Help:    "Wall time of each start pipeline stage.",
			Buckets: stageBuckets,
		}, []string{"stage"}),
		providerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bullpen_provider_requests_total",
			Help: "Provider adapter calls by provider and operation.",
		}, []string{"provider", "operation"}),
	}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStart counts one finished start request. outcome is OutcomeSuccess
// or a failure-taxonomy code.
func (m *Metrics) RecordStart(provider, outcome string) {
	m.sandboxStarts.WithLabelValues(provider, outcome).Inc()
}

// StageTimer times one pipeline stage; call the returned func when the
// stage ends.
func (m *Metrics) StageTimer(stage string) func() {
	started := time.Now()
	return func() {
		m.startStage.WithLabelValues(stage).Observe(time.Since(started).Seconds())
	}
}

// RecordProviderRequest counts one adapter call.
func (m *Metrics) RecordProviderRequest(provider, operation string) {
	m.providerRequests.WithLabelValues(provider, operation).Inc()
}
