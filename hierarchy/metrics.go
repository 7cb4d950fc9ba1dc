package hierarchy

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gachar_hierarchy_operations_total",
			Help: "Hierarchy operations by name and outcome",
		},
		[]string{"op", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gachar_hierarchy_operation_duration_seconds",
			Help:    "Hierarchy operation latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"op"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gachar_hierarchy_children_cache_lookups_total",
			Help: "Children cache lookups by result",
		},
		[]string{"result"}, // hit, miss
	)

	cascadeSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gachar_hierarchy_cascade_nodes",
			Help:    "Nodes changed per cascading (de)activation",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	auditFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gachar_hierarchy_audit_failures_total",
			Help: "Audit entries the sink rejected",
		},
	)
)

// observe records the outcome and latency of op.
func observe(op string, start time.Time, err error) {
	operationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	operationsTotal.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPersistenceUnavailable):
		return "unavailable"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	default:
		return "rejected"
	}
}
