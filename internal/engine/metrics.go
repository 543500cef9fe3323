package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus instrumentation for the engine.
type Metrics struct {
	eventsTotal         *prometheus.CounterVec
	epochCloses         prometheus.Counter
	persistFailures     prometheus.Counter
	degradedMultipliers prometheus.Counter
	trackedUsers        prometheus.Gauge
	lastDistUsers       prometheus.Gauge
	lastDistReward      prometheus.Gauge
}

// NewMetrics registers the engine's metrics with the default registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kilo_events_total",
				Help: "Total number of protocol events ingested",
			},
			[]string{"type", "market"},
		),
		epochCloses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kilo_epoch_closes_total",
				Help: "Total number of completed epoch-close passes",
			},
		),
		persistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kilo_persist_failures_total",
				Help: "Total number of failed leaderboard store attempts",
			},
		),
		degradedMultipliers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "kilo_degraded_multipliers_total",
				Help: "Multiplier lookups that fell back to the neutral default",
			},
		),
		trackedUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kilo_tracked_users",
				Help: "Distinct users tracked in the open epoch",
			},
		),
		lastDistUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kilo_last_distribution_users",
				Help: "Users in the most recently computed distribution",
			},
		),
		lastDistReward: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "kilo_last_distribution_reward",
				Help: "Total reward in the most recently computed distribution",
			},
		),
	}

	prometheus.MustRegister(
		m.eventsTotal,
		m.epochCloses,
		m.persistFailures,
		m.degradedMultipliers,
		m.trackedUsers,
		m.lastDistUsers,
		m.lastDistReward,
	)

	return m
}
