// Package metrics exposes the engine's prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PrecommitCounter counts precommit outcomes by result label
	// (ok, race_abort, misuse).
	PrecommitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "xct",
			Name:      "precommit_total",
			Help:      "Precommit outcomes.",
		}, []string{"result"})

	AbortCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "xct",
			Name:      "abort_total",
			Help:      "Explicit transaction aborts.",
		})

	CurrentEpochGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keel",
			Subsystem: "xct",
			Name:      "current_epoch",
			Help:      "Current global epoch.",
		})

	DurableEpochGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keel",
			Subsystem: "log",
			Name:      "durable_epoch",
			Help:      "Durable global epoch.",
		})

	GleanerRunCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keel",
			Subsystem: "snapshot",
			Name:      "gleaner_runs_total",
			Help:      "Gleaner executions by result (ok, failed).",
		}, []string{"result"})
)

func init() {
	prometheus.MustRegister(PrecommitCounter)
	prometheus.MustRegister(AbortCounter)
	prometheus.MustRegister(CurrentEpochGauge)
	prometheus.MustRegister(DurableEpochGauge)
	prometheus.MustRegister(GleanerRunCounter)
}
