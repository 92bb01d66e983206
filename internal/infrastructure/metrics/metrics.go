// Package metrics holds the pipeline's Prometheus collectors as package-level
// vars, registered in init() and served at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	AdmissionRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_admission_rejections_total",
			Help: "Requests rejected by the admission layer, by reason",
		},
		[]string{"reason"},
	)

	SignalsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_signals_total",
			Help: "Signals by terminal processing result",
		},
		[]string{"result"}, // entry_applied | exit_applied | rejected | retrying
	)

	WalAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_wal_appends_total",
			Help: "Inbound payloads durably appended to the WAL",
		},
	)

	RetryEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_retry_enqueued_total",
			Help: "Signals enqueued for retry after a transient failure",
		},
	)

	RetryDeadLetter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_retry_dead_letter_total",
			Help: "Retry items parked in dead-letter state",
		},
	)

	CircuitState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhook_circuit_state",
			Help: "Store circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AdmissionRejections,
		SignalsProcessed,
		WalAppends,
		RetryEnqueued,
		RetryDeadLetter,
		CircuitState,
	)
}
