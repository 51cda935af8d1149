package guard

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusObserver exports resilience events as Prometheus metrics.
// Labels never include rate-limit subjects or idempotency keys to keep
// cardinality bounded.
type PrometheusObserver struct {
	// RetriesTotal counts scheduled retries per operation name.
	RetriesTotal *prometheus.CounterVec

	// RetryDelay observes computed inter-attempt delays in seconds.
	RetryDelay *prometheus.HistogramVec

	// BreakerState is 0 (closed), 1 (half-open) or 2 (open) per operation name.
	BreakerState *prometheus.GaugeVec

	// BreakerTransitions counts circuit state changes.
	BreakerTransitions *prometheus.CounterVec

	// BreakerRejections counts fast-failed calls.
	BreakerRejections *prometheus.CounterVec

	// RateLimitDecisions counts Consume results by outcome.
	RateLimitDecisions *prometheus.CounterVec

	// IdempotentReplays counts replayed outcomes by outcome.
	IdempotentReplays *prometheus.CounterVec

	// DeadLetterEnqueuedTotal counts entries placed on the dead-letter store.
	DeadLetterEnqueuedTotal *prometheus.CounterVec

	// DeadLetterEvictedTotal counts entries dropped because the store was full.
	DeadLetterEvictedTotal *prometheus.CounterVec
}

// NewPrometheusObserver registers the guard metrics with reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	factory := promauto.With(reg)

	return &PrometheusObserver{
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_retries_total",
				Help: "Total number of scheduled retry attempts",
			},
			[]string{"operation"},
		),
		RetryDelay: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guard_retry_delay_seconds",
				Help:    "Computed delay before a retry attempt",
				Buckets: prometheus.ExponentialBuckets(0.025, 2, 10),
			},
			[]string{"operation"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "guard_circuit_state",
				Help: "Circuit state per operation (0 closed, 1 half-open, 2 open)",
			},
			[]string{"operation"},
		),
		BreakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_circuit_transitions_total",
				Help: "Total number of circuit state transitions",
			},
			[]string{"operation", "from", "to"},
		),
		BreakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_circuit_rejections_total",
				Help: "Total number of calls rejected by an open circuit",
			},
			[]string{"operation"},
		),
		RateLimitDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_rate_limit_decisions_total",
				Help: "Total number of rate limit decisions",
			},
			[]string{"outcome"},
		),
		IdempotentReplays: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_idempotent_replays_total",
				Help: "Total number of replayed idempotent outcomes",
			},
			[]string{"outcome"},
		),
		DeadLetterEnqueuedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_dead_letter_enqueued_total",
				Help: "Total number of entries placed on the dead-letter store",
			},
			[]string{"operation"},
		),
		DeadLetterEvictedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guard_dead_letter_evicted_total",
				Help: "Total number of dead-letter entries evicted for capacity",
			},
			[]string{"operation"},
		),
	}
}

// RetryScheduled implements Observer.
func (o *PrometheusObserver) RetryScheduled(name string, _ int, delay time.Duration, _ error) {
	o.RetriesTotal.WithLabelValues(name).Inc()
	o.RetryDelay.WithLabelValues(name).Observe(delay.Seconds())
}

// BreakerStateChanged implements Observer.
func (o *PrometheusObserver) BreakerStateChanged(name string, from, to CircuitState) {
	o.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
	o.BreakerState.WithLabelValues(name).Set(stateGaugeValue(to))
}

// BreakerRejected implements Observer.
func (o *PrometheusObserver) BreakerRejected(name string) {
	o.BreakerRejections.WithLabelValues(name).Inc()
}

// RateLimitDecided implements Observer.
func (o *PrometheusObserver) RateLimitDecided(allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	o.RateLimitDecisions.WithLabelValues(outcome).Inc()
}

// IdempotentReplayed implements Observer.
func (o *PrometheusObserver) IdempotentReplayed(failed bool) {
	outcome := "success"
	if failed {
		outcome = "failure"
	}
	o.IdempotentReplays.WithLabelValues(outcome).Inc()
}

// DeadLetterEnqueued implements Observer.
func (o *PrometheusObserver) DeadLetterEnqueued(operationName string) {
	o.DeadLetterEnqueuedTotal.WithLabelValues(operationName).Inc()
}

// DeadLetterEvicted implements Observer.
func (o *PrometheusObserver) DeadLetterEvicted(operationName string) {
	o.DeadLetterEvictedTotal.WithLabelValues(operationName).Inc()
}

func stateGaugeValue(state CircuitState) float64 {
	switch state {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

var _ Observer = (*PrometheusObserver)(nil)
