// Package telemetry exposes the engine's Prometheus metrics. Each
// engine instance owns its registry; nothing registers globally.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	AttemptsTotal      *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	ProviderRequests   *prometheus.CounterVec
	EscrowChecks       *prometheus.CounterVec
	ActiveAttempts     prometheus.Gauge
}

// NewMetrics creates and registers the engine metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordering_attempts_total",
			Help: "Orchestration attempts by terminal outcome",
		}, []string{"outcome"}),
		SettlementDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ordering_settlement_duration_seconds",
			Help:    "Wall time of individual settlement calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordering_provider_requests_total",
			Help: "Compute provider calls by operation and result",
		}, []string{"operation", "result"}),
		EscrowChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordering_escrow_checks_total",
			Help: "Escrow gate checks by result",
		}, []string{"result"}),
		ActiveAttempts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ordering_active_attempts",
			Help: "Orchestration attempts currently in flight",
		}),
	}

	registry.MustRegister(
		m.AttemptsTotal,
		m.SettlementDuration,
		m.ProviderRequests,
		m.EscrowChecks,
		m.ActiveAttempts,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
