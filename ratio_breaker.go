package guard

import (
	"context"
	"errors"
	"log/slog"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// RatioBreakerConfig configures a RatioBreaker. Unlike CircuitBreaker, which
// trips on an absolute failure count, a RatioBreaker trips on whatever
// ReadyToTrip decides from rolling counts and probes with up to MaxRequests
// calls while half-open.
type RatioBreakerConfig struct {
	// ReadyToTrip is called with a copy of counts whenever a request fails in the closed state.
	// Default: trips after 3 requests with 60% failure rate
	ReadyToTrip func(counts CircuitBreakerCounts) bool

	// ErrorClassifier determines which errors count as failures.
	// Default: every non-nil error counts
	ErrorClassifier CircuitBreakerErrorClassifier

	// OnStateChange is called whenever the breaker changes state.
	OnStateChange func(name string, from, to CircuitState)

	// Observer receives transition and rejection events.
	// Default: NopObserver
	Observer Observer

	// Logger for breaker operations.
	// Default: slog.Default()
	Logger *slog.Logger

	// Interval is the cyclic period of the closed state for clearing counts. 0 never clears.
	// Default: 10 seconds
	Interval time.Duration

	// Timeout is the period of the open state, after which the state becomes half-open.
	// Default: 60 seconds
	Timeout time.Duration

	// MaxRequests is the number of requests allowed through while half-open.
	// Default: 1
	MaxRequests uint32
}

// CircuitBreakerCounts holds the rolling counts of a RatioBreaker.
type CircuitBreakerCounts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultRatioBreakerConfig returns RatioBreaker configuration with sensible defaults.
func DefaultRatioBreakerConfig() *RatioBreakerConfig {
	return &RatioBreakerConfig{
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts CircuitBreakerCounts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		Observer: NopObserver{},
		Logger:   slog.Default(),
	}
}

// RatioBreaker is a Breaker backed by sony/gobreaker.
type RatioBreaker struct {
	name     string
	cb       *gobreaker.CircuitBreaker[struct{}]
	logger   *slog.Logger
	observer Observer
	timeout  time.Duration
}

// NewRatioBreaker creates a gobreaker-backed breaker for name. Pass
// configure as nil to use DefaultRatioBreakerConfig unchanged.
//
// Example:
//
//	registry := guard.NewBreakerRegistryWithFactory(func(name string) guard.Breaker {
//	    return guard.NewRatioBreaker(name, nil)
//	})
func NewRatioBreaker(name string, configure func(*RatioBreakerConfig)) *RatioBreaker {
	config := DefaultRatioBreakerConfig()
	if configure != nil {
		configure(config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Observer == nil {
		config.Observer = NopObserver{}
	}
	if config.ReadyToTrip == nil {
		config.ReadyToTrip = DefaultRatioBreakerConfig().ReadyToTrip
	}

	classifier := config.ErrorClassifier

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return config.ReadyToTrip(convertGobreakerCounts(counts))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			config.Logger.Warn("circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())

			fromState := convertGobreakerState(from)
			toState := convertGobreakerState(to)
			config.Observer.BreakerStateChanged(name, fromState, toState)
			if config.OnStateChange != nil {
				config.OnStateChange(name, fromState, toState)
			}
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if classifier == nil {
				return false
			}
			// Don't count errors that shouldn't trip the circuit as failures
			return !classifier.ShouldTripCircuit(err)
		},
	}

	return &RatioBreaker{
		name:     name,
		cb:       gobreaker.NewCircuitBreaker[struct{}](settings),
		logger:   config.Logger,
		observer: config.Observer,
		timeout:  config.Timeout,
	}
}

// Execute runs op through the breaker. Rejections are reported as
// non-retryable KindUnavailable *Error values, the same shape CircuitBreaker uses.
func (b *RatioBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	if err == nil {
		return nil
	}

	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		return err
	}

	counts := b.cb.Counts()
	state := "open"
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		state = "half-open"
	}
	b.logger.Warn("circuit breaker rejected request",
		"name", b.name,
		"state", state,
		"counts", counts)
	b.observer.BreakerRejected(b.name)

	cause := jperrors.NewCircuitBreakerError(
		"request rejected",
		b.name,
		state,
		jperrors.WithCause(err),
		jperrors.WithCounts(jperrors.CircuitCounts{
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		}),
	)

	return NewError(KindUnavailable, "circuit open",
		WithCause(cause),
		WithRetryable(false),
		WithDetails(map[string]any{
			"operation":    b.name,
			"retryAfterMs": b.timeout.Milliseconds(),
			"failureCount": int(counts.TotalFailures),
		}))
}

// Snapshot reports the gobreaker state in CircuitSnapshot form. gobreaker does
// not expose failure timestamps, so LastFailureAt is always zero.
func (b *RatioBreaker) Snapshot() CircuitSnapshot {
	counts := b.cb.Counts()
	return CircuitSnapshot{
		State:        convertGobreakerState(b.cb.State()),
		FailureCount: int(counts.TotalFailures),
	}
}

// Counts returns the current rolling counts.
func (b *RatioBreaker) Counts() CircuitBreakerCounts {
	return convertGobreakerCounts(b.cb.Counts())
}

func convertGobreakerCounts(counts gobreaker.Counts) CircuitBreakerCounts {
	return CircuitBreakerCounts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// convertGobreakerState converts gobreaker.State to our CircuitState.
func convertGobreakerState(state gobreaker.State) CircuitState {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

var _ Breaker = (*RatioBreaker)(nil)
