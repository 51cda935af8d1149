package guard

import (
	"log/slog"
	"time"
)

// RetryConfig holds Retrier configuration options.
type RetryConfig struct {
	// Logger for retry operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Observer receives one RetryScheduled event per inter-attempt delay.
	// Default: NopObserver
	Observer Observer

	// Random returns uniform samples in [0, 1) used for jitter.
	// Default: math/rand/v2 Float64
	Random func() float64
}

// RetryOption is a functional option for configuring a Retrier.
type RetryOption func(*RetryConfig)

// WithRetryLogger sets a custom logger for retry operations.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	guard.WithRetryLogger(logger)
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(c *RetryConfig) {
		c.Logger = logger
	}
}

// WithRetryObserver sets the Observer notified of every scheduled retry.
func WithRetryObserver(observer Observer) RetryOption {
	return func(c *RetryConfig) {
		c.Observer = observer
	}
}

// WithRandomSource replaces the jitter source. Tests use it to pin jitter.
//
// Example:
//
//	guard.WithRandomSource(func() float64 { return 0 }) // no jitter
func WithRandomSource(random func() float64) RetryOption {
	return func(c *RetryConfig) {
		c.Random = random
	}
}

// DefaultRetryConfig returns retry configuration with sensible defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Logger:   slog.Default(),
		Observer: NopObserver{},
	}
}

// CircuitBreakerConfig holds circuit breaker configuration options.
type CircuitBreakerConfig struct {
	// FailureThreshold is the failure count at which the circuit opens.
	// Default: 5
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open after the last failure
	// before a call is let through in the half-open state.
	// Default: 60 seconds
	ResetTimeout time.Duration

	// ErrorClassifier decides which errors count as failures.
	// Default: every non-nil error counts
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever a circuit changes state.
	OnStateChange func(name string, from, to CircuitState)

	// Store persists circuit snapshots beyond the process lifetime.
	// Default: nil (process-local only)
	Store CircuitStore

	// Clock supplies the current time.
	// Default: SystemClock
	Clock Clock

	// Observer receives transition and rejection events.
	// Default: NopObserver
	Observer Observer

	// Logger for circuit breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// CircuitBreakerOption is a functional option for configuring circuit breaker behavior.
type CircuitBreakerOption func(*CircuitBreakerConfig)

// WithFailureThreshold sets the failure count that opens the circuit.
//
// Example:
//
//	guard.WithFailureThreshold(3)
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.FailureThreshold = threshold
	}
}

// WithResetTimeout sets how long an open circuit fast-fails.
//
// Example:
//
//	guard.WithResetTimeout(30 * time.Second)
func WithResetTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ResetTimeout = timeout
	}
}

// WithCircuitBreakerErrorClassifier sets a custom classifier for failure counting.
//
// Example:
//
//	classifier := &MyCustomClassifier{}
//	guard.WithCircuitBreakerErrorClassifier(classifier)
func WithCircuitBreakerErrorClassifier(classifier CircuitBreakerErrorClassifier) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.ErrorClassifier = classifier
	}
}

// WithStateChangeHandler sets a callback for circuit breaker state changes.
// The callback runs with the breaker's lock held and must not call back into it.
//
// Example:
//
//	guard.WithStateChangeHandler(func(name string, from, to guard.CircuitState) {
//	    log.Printf("Circuit %s changed from %s to %s", name, from, to)
//	})
func WithStateChangeHandler(fn func(name string, from, to CircuitState)) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.OnStateChange = fn
	}
}

// WithCircuitStore persists circuit state through store.
func WithCircuitStore(store CircuitStore) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Store = store
	}
}

// WithCircuitClock sets the clock used for cooldown arithmetic.
func WithCircuitClock(clock Clock) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Clock = clock
	}
}

// WithCircuitObserver sets the Observer for transitions and rejections.
func WithCircuitObserver(observer Observer) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Observer = observer
	}
}

// WithCircuitBreakerLogger sets a custom logger for circuit breaker operations.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	guard.WithCircuitBreakerLogger(logger)
func WithCircuitBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(c *CircuitBreakerConfig) {
		c.Logger = logger
	}
}

// DefaultCircuitBreakerConfig returns circuit breaker configuration with sensible defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		Clock:            SystemClock{},
		Observer:         NopObserver{},
		Logger:           slog.Default(),
	}
}

// normalize fills zero values left by options.
func (c *CircuitBreakerConfig) normalize() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
