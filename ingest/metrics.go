package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rdss_dataverse_ingest"

// Metrics are the counters updated by tasks and the sequencer.
type Metrics struct {
	Deposits       *prometheus.CounterVec
	Operations     *prometheus.CounterVec
	BlockedTargets prometheus.Gauge
	Skipped        prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "The total number of deposits processed, by result.",
		}, []string{"result"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_operations_total",
			Help:      "The total number of file operations applied to datasets, by kind.",
		}, []string{"kind"}),
		BlockedTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "blocked_targets",
			Help:      "The number of blocked targets.",
		}),
		Skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_deposits_total",
			Help:      "The total number of deposits left in the inbox because their target is blocked.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Deposits, m.Operations, m.BlockedTargets, m.Skipped)
	}
	return m
}
