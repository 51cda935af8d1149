package guard

import "time"

// Observer receives resilience events for metrics. Implementations must be
// safe for concurrent use and return quickly; they are called on the hot path,
// sometimes with component locks held.
type Observer interface {
	// RetryScheduled is called before sleeping ahead of attempt+1.
	RetryScheduled(name string, attempt int, delay time.Duration, err error)

	// BreakerStateChanged is called on every circuit transition.
	BreakerStateChanged(name string, from, to CircuitState)

	// BreakerRejected is called when an open circuit fast-fails a call.
	BreakerRejected(name string)

	// RateLimitDecided is called for every Consume.
	RateLimitDecided(allowed bool)

	// IdempotentReplayed is called when a stored outcome is served.
	IdempotentReplayed(failed bool)

	// DeadLetterEnqueued is called after an entry is added.
	DeadLetterEnqueued(operationName string)

	// DeadLetterEvicted is called when the oldest entry is dropped for space.
	DeadLetterEvicted(operationName string)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) RetryScheduled(string, int, time.Duration, error) {}
func (NopObserver) BreakerStateChanged(string, CircuitState, CircuitState) {}
func (NopObserver) BreakerRejected(string) {}
func (NopObserver) RateLimitDecided(bool) {}
func (NopObserver) IdempotentReplayed(bool) {}
func (NopObserver) DeadLetterEnqueued(string) {}
func (NopObserver) DeadLetterEvicted(string) {}

var _ Observer = NopObserver{}
