// Package metrics holds the Prometheus instrumentation for scrapeguard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Counters
	Decisions          *prometheus.CounterVec
	ChallengesIssued   *prometheus.CounterVec
	ChallengesVerified *prometheus.CounterVec
	StoreErrors        *prometheus.CounterVec
	SignalPanics       *prometheus.CounterVec

	// Histograms
	Scores *prometheus.HistogramVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeguard_decisions_total",
				Help: "Interception decisions by action",
			},
			[]string{"action"},
		),

		ChallengesIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeguard_challenges_issued_total",
				Help: "Challenges issued by type",
			},
			[]string{"type"},
		),

		ChallengesVerified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeguard_challenges_verified_total",
				Help: "Challenge verification attempts by type and result",
			},
			[]string{"type", "result"},
		),

		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeguard_store_errors_total",
				Help: "Key-value store failures by store and operation",
			},
			[]string{"store", "op"},
		),

		SignalPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeguard_signal_panics_total",
				Help: "Recovered panics inside signal extractors",
			},
			[]string{"signal"},
		),

		Scores: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapeguard_score",
				Help:    "Composite suspicion score per evaluated request",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1.0},
			},
			[]string{"action"},
		),
	}

	m.registry.MustRegister(
		m.Decisions,
		m.ChallengesIssued,
		m.ChallengesVerified,
		m.StoreErrors,
		m.SignalPanics,
		m.Scores,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDecision(action string, score float64) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(action).Inc()
	m.Scores.WithLabelValues(action).Observe(score)
}

func (m *Metrics) IncChallengeIssued(kind string) {
	if m == nil {
		return
	}
	m.ChallengesIssued.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncChallengeVerified(kind string, success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.ChallengesVerified.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IncStoreError(store, op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(store, op).Inc()
}

func (m *Metrics) IncSignalPanic(signal string) {
	if m == nil {
		return
	}
	m.SignalPanics.WithLabelValues(signal).Inc()
}
