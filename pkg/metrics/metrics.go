package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "squeeze"

// Metrics holds the compaction collectors.
type Metrics struct {
	CompactionsTotal   *prometheus.CounterVec
	CompactionDuration *prometheus.HistogramVec
	StateTransitions   *prometheus.CounterVec
	ResidualBackups    prometheus.Counter
	JobsQueued         prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		CompactionsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compactions_total",
				Help:      "Compactions by mode and outcome.",
			},
			[]string{"mode", "outcome"}, // mode: in_place/direct, outcome: ok or error kind
		),
		CompactionDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "compaction_duration_seconds",
				Help:      "Wall time of a compaction including the swap.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"mode"},
		),
		StateTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "States entered by the in-place orchestrator.",
			},
			[]string{"state"},
		),
		ResidualBackups: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "residual_backups_total",
				Help:      "Original datasets moved under the scratch root and left there.",
			},
		),
		JobsQueued: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_queued",
				Help:      "Asynchronous compaction jobs waiting to run.",
			},
		),
	}
}
