// internal/service/reconciliation/application/metrics.go
package application

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_events_total",
			Help: "Payment events handled, by channel and resulting canonical status",
		},
		[]string{"source", "status"},
	)

	transitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_transitions_total",
			Help: "Accepted canonical status transitions",
		},
		[]string{"from", "to"},
	)

	casConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "reconciliation_cas_conflicts_total",
			Help: "Optimistic update conflicts observed by the coordinator",
		},
	)

	effectDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliation_effect_dispatch_total",
			Help: "Side effect dispatch outcomes",
		},
		[]string{"effect", "outcome"}, // outcome: ok | retried | dead_letter | skipped
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, transitionsTotal, casConflictsTotal, effectDispatchTotal)
}
