package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gachar_audit_entries_total",
			Help: "Audit entries handled by sink and outcome",
		},
		[]string{"sink", "outcome"}, // outcome: ok, error, dropped
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gachar_audit_queue_depth",
			Help: "Entries waiting in async audit queues",
		},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gachar_audit_breaker_state",
			Help: "Publisher circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

func countEntry(sink string, err error) {
	if err != nil {
		entriesTotal.WithLabelValues(sink, "error").Inc()
		return
	}
	entriesTotal.WithLabelValues(sink, "ok").Inc()
}
