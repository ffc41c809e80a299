package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the request core.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	sink := observability.MultiSink{observability.LogSink{Logger: logger}, metrics}
type Metrics struct {
	// AttemptCounter counts provider attempts.
	// Labels: provider, outcome (success|transient|fatal|unknown|abandoned)
	AttemptCounter *prometheus.CounterVec

	// AttemptDuration measures a single provider call in seconds.
	// Labels: provider
	AttemptDuration *prometheus.HistogramVec

	// RequestCounter counts completed requests.
	// Labels: outcome (success|exhausted|misconfigured|no_credential|...)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures end-to-end request latency in seconds.
	RequestDuration prometheus.Histogram

	// ArchiveCounter counts archival passes.
	// Labels: outcome (archived|deferred|skipped)
	ArchiveCounter *prometheus.CounterVec

	// SafetyCounter counts safety decisions.
	// Labels: tier (allow|confirm|deny)
	SafetyCounter *prometheus.CounterVec

	// ReferenceCounter counts reference analysis results.
	// Labels: outcome (resolved|ambiguous|correction)
	ReferenceCounter *prometheus.CounterVec

	// AnomalyCounter counts anomalies such as empty completions.
	// Labels: kind
	AnomalyCounter *prometheus.CounterVec
}

// NewMetrics registers collectors with reg. Pass prometheus.NewRegistry() in
// tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AttemptCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_provider_attempts_total",
				Help: "Total number of provider attempts by outcome",
			},
			[]string{"provider", "outcome"},
		),
		AttemptDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_provider_attempt_duration_seconds",
				Help:    "Duration of individual provider calls in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_requests_total",
				Help: "Total number of handled requests by outcome",
			},
			[]string{"outcome"},
		),
		RequestDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_request_duration_seconds",
				Help:    "End-to-end request latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
		ArchiveCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_archive_passes_total",
				Help: "Total number of archival passes by outcome",
			},
			[]string{"outcome"},
		),
		SafetyCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_safety_decisions_total",
				Help: "Total number of command safety decisions by tier",
			},
			[]string{"tier"},
		),
		ReferenceCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_reference_analysis_total",
				Help: "Total number of reference analysis results by outcome",
			},
			[]string{"outcome"},
		),
		AnomalyCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_anomalies_total",
				Help: "Total number of observed anomalies by kind",
			},
			[]string{"kind"},
		),
	}
}

// Record implements Sink by translating events into metric updates.
func (m *Metrics) Record(_ context.Context, e Event) {
	switch e.Stage {
	case StageAttempt:
		m.AttemptCounter.WithLabelValues(e.Provider, e.Outcome).Inc()
		m.AttemptDuration.WithLabelValues(e.Provider).Observe(e.Latency.Seconds())
	case StageOutcome:
		m.RequestCounter.WithLabelValues(e.Outcome).Inc()
		m.RequestDuration.Observe(e.Latency.Seconds())
	case StageArchive:
		m.ArchiveCounter.WithLabelValues(e.Outcome).Inc()
	case StageSafety:
		m.SafetyCounter.WithLabelValues(e.Outcome).Inc()
	case StageReference:
		m.ReferenceCounter.WithLabelValues(e.Outcome).Inc()
	case StageAnomaly:
		m.AnomalyCounter.WithLabelValues(e.Outcome).Inc()
	}
}
