// Package metrics holds the Prometheus instrumentation for a providesdb run:
// fetch outcomes, probe hits vs. escalations to a full fetch, per-task
// duration, and index writes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every metric this package exports. The zero value is not
// usable directly; construct one with New or Noop.
type Metrics struct {
	enabled bool

	FetchTotal      *prometheus.CounterVec
	ProbeTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	MirrorFailovers prometheus.Counter
	IndexWriteTotal *prometheus.CounterVec
}

// New creates and registers the providesdb metrics.
func New() *Metrics {
	return &Metrics{
		enabled: true,
		FetchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "providesdb_fetch_total",
				Help: "Total number of archive fetches, by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		),
		ProbeTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "providesdb_probe_total",
				Help: "Total number of prefix-probe attempts, by outcome.",
			},
			[]string{"outcome"},
		),
		TaskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "providesdb_task_duration_seconds",
				Help:    "Time to process a single package, by outcome.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		MirrorFailovers: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "providesdb_mirror_failovers_total",
				Help: "Total number of times processing fell back to a backup mirror.",
			},
		),
		IndexWriteTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "providesdb_index_write_total",
				Help: "Total number of index writes, by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// Noop returns a Metrics whose Record methods are all no-ops, for runs where
// metrics collection isn't wanted (e.g. --convert, or tests).
func Noop() *Metrics {
	return &Metrics{enabled: false}
}

// RecordFetch records the outcome of one fetch attempt at the given stage
// ("short" or "full").
func (m *Metrics) RecordFetch(stage, outcome string) {
	if !m.enabled {
		return
	}
	m.FetchTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordProbe records the outcome of one prefix-probe attempt.
func (m *Metrics) RecordProbe(outcome string) {
	if !m.enabled {
		return
	}
	m.ProbeTotal.WithLabelValues(outcome).Inc()
}

// RecordTask records how long a package took to process and its outcome.
func (m *Metrics) RecordTask(outcome string, seconds float64) {
	if !m.enabled {
		return
	}
	m.TaskDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordMirrorFailover records one fallback to a backup mirror.
func (m *Metrics) RecordMirrorFailover() {
	if !m.enabled {
		return
	}
	m.MirrorFailovers.Inc()
}

// RecordIndexWrite records the outcome of writing the index to disk.
func (m *Metrics) RecordIndexWrite(outcome string) {
	if !m.enabled {
		return
	}
	m.IndexWriteTotal.WithLabelValues(outcome).Inc()
}

// Enabled reports whether this Metrics actually records anything.
func (m *Metrics) Enabled() bool { return m.enabled }
