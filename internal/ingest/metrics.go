package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for ingestion. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RecordsTotal *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	Fallbacks    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grant_ingest_runs_total",
				Help: "Ingestion runs by source and terminal status.",
			},
			[]string{"source", "status"},
		),
		RecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grant_ingest_records_total",
				Help: "Processed records by source and outcome (NEW, UPDATED, UNCHANGED, ERROR).",
			},
			[]string{"source", "outcome"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grant_ingest_run_duration_seconds",
				Help:    "Wall-clock duration of ingestion runs.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"source"},
		),
		Fallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grant_ingest_fallbacks_total",
				Help: "Fetches that abandoned the primary endpoint for a fallback.",
			},
			[]string{"source"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.RunsTotal, m.RecordsTotal, m.RunDuration, m.Fallbacks)
	}
	return m
}

func (m *Metrics) observeRun(source string, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(source, status).Inc()
	m.RunDuration.WithLabelValues(source).Observe(seconds)
}

func (m *Metrics) observeRecord(source, outcome string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) observeFallback(source string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(source).Inc()
}
