package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides a centralized interface for collecting deploy-loop metrics.
//
// The metrics track:
//   - Update cycle outcomes and durations
//   - Service control actions taken after an update
//   - Immediate trigger requests by source
//   - The revision currently checked out in the working copy
//
// Every Metrics value owns its registry so several instances can coexist in
// one process (tests construct one per case).
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordCycle("updated", time.Since(start).Seconds())
//	http.Handle("/metrics", metrics.Handler())
type Metrics struct {
	registry *prometheus.Registry

	// CycleCounter counts finished update cycles.
	// Labels: outcome (no_change|updated|fetch_failed|pull_failed)
	CycleCounter *prometheus.CounterVec

	// CycleDuration measures the wall time of one update cycle in seconds.
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s, 120s
	CycleDuration prometheus.Histogram

	// ServiceActionCounter counts reconcile results.
	// Labels: action (none|restarted|started|skipped_disabled|restart_failed|start_failed|query_failed)
	ServiceActionCounter *prometheus.CounterVec

	// TriggerCounter counts immediate trigger requests.
	// Labels: source (http|file|signal|startup), result (queued|coalesced)
	TriggerCounter *prometheus.CounterVec

	// RevisionInfo is set to 1 for the revision currently checked out.
	// Labels: revision
	RevisionInfo *prometheus.GaugeVec

	// LastSuccess is the unix time of the last cycle that did not fail.
	LastSuccess prometheus.Gauge
}

// NewMetrics creates all metrics on a fresh registry that also carries the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		CycleCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pindeploy_cycles_total",
				Help: "Total number of update cycles by outcome",
			},
			[]string{"outcome"},
		),

		CycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pindeploy_cycle_duration_seconds",
				Help:    "Duration of update cycles in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),

		ServiceActionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pindeploy_service_actions_total",
				Help: "Total number of service control actions by kind",
			},
			[]string{"action"},
		),

		TriggerCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pindeploy_triggers_total",
				Help: "Total number of immediate trigger requests by source and result",
			},
			[]string{"source", "result"},
		),

		RevisionInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pindeploy_current_revision_info",
				Help: "Revision currently checked out in the working copy",
			},
			[]string{"revision"},
		),

		LastSuccess: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "pindeploy_last_success_timestamp_seconds",
				Help: "Unix time of the last update cycle that did not fail",
			},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordCycle records a finished update cycle.
func (m *Metrics) RecordCycle(outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.CycleCounter.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(durationSeconds)
}

// RecordServiceAction records the action taken by reconciliation.
func (m *Metrics) RecordServiceAction(action string) {
	if m == nil {
		return
	}
	m.ServiceActionCounter.WithLabelValues(action).Inc()
}

// RecordTrigger records an immediate trigger request.
func (m *Metrics) RecordTrigger(source string, coalesced bool) {
	if m == nil {
		return
	}
	result := "queued"
	if coalesced {
		result = "coalesced"
	}
	m.TriggerCounter.WithLabelValues(source, result).Inc()
}

// SetRevision marks revision as the checked-out one.
func (m *Metrics) SetRevision(revision string) {
	if m == nil || revision == "" {
		return
	}
	m.RevisionInfo.Reset()
	m.RevisionInfo.WithLabelValues(revision).Set(1)
}

// MarkSuccess records the time of a non-failing cycle.
func (m *Metrics) MarkSuccess(unixSeconds float64) {
	if m == nil {
		return
	}
	m.LastSuccess.Set(unixSeconds)
}
