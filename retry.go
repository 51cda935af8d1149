package guard

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Retrier runs operations under a RetryPolicy using exponential backoff with
// jitter. One Retrier is safe for concurrent use and is usually shared by the
// whole process; statistics accumulate across every Run.
type Retrier struct {
	logger   *slog.Logger
	observer Observer
	random   func() float64
	stats    *retryStats
}

// retryStats tracks retry operation statistics.
type retryStats struct {
	mu              sync.RWMutex
	totalAttempts   int64
	totalRetries    int64
	totalSuccesses  int64
	totalFailures   int64
	lastAttemptTime time.Time
	lastError       error
}

// NewRetrier creates a Retrier.
//
// Example:
//
//	retrier := guard.NewRetrier(guard.WithRetryLogger(logger))
//	task, err := guard.Run(ctx, retrier, guard.PolicyStandard, "tasks.create", createTask)
func NewRetrier(opts ...RetryOption) *Retrier {
	config := DefaultRetryConfig()
	for _, opt := range opts {
		opt(config)
	}

	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Observer == nil {
		config.Observer = NopObserver{}
	}
	if config.Random == nil {
		config.Random = rand.Float64
	}

	return &Retrier{
		logger:   config.Logger,
		observer: config.Observer,
		random:   config.Random,
		stats:    &retryStats{},
	}
}

// Run invokes op until it succeeds, fails with an error the policy does not
// retry, or MaxAttempts invocations have been made. The last observed error is
// returned unchanged.
//
// Between attempts the calling goroutine waits on a timer together with
// ctx.Done(); cancelling ctx during that wait ends the loop with ctx.Err() and
// no further attempt is made. A running attempt is never interrupted by Run
// itself; op receives ctx and decides how to honor it. An attempt that fails
// after ctx is done ends the loop with that attempt's error, whatever its kind.
func Run[T any](ctx context.Context, r *Retrier, policy RetryPolicy, name string, op Operation[T]) (T, error) {
	var zero T

	if r == nil {
		r = NewRetrier()
	}
	if err := policy.Validate(); err != nil {
		return zero, err
	}

	// Check if parent context is already done before attempting any requests
	select {
	case <-ctx.Done():
		r.logger.Warn("context already done before operation (expected condition)",
			"operation", name,
			"error", ctx.Err())
		return zero, ctx.Err()
	default:
	}

	var (
		result  T
		attempt int
		lastErr error
	)

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		delay := policy.Delay(attempt, r.random())
		r.logger.Debug("retrying operation after delay",
			"operation", name,
			"attempt", attempt,
			"delay", delay,
			"error", lastErr)
		r.observer.RetryScheduled(name, attempt, delay, lastErr)
		return delay, false
	})

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				r.logger.Warn("context done before retry attempt (expected condition)",
					"operation", name,
					"attempt", attempt+1,
					"error", err)
				return err
			}
		}

		attempt++
		r.stats.recordAttempt(attempt)

		value, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("operation succeeded after retry",
					"operation", name,
					"attempts", attempt)
			}
			result = value
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			r.logger.Debug("context done during attempt, giving up",
				"operation", name,
				"attempts", attempt,
				"error", err)
			return err
		}

		if !policy.Retryable(err) {
			r.logger.Debug("non-retryable error, giving up",
				"operation", name,
				"kind", KindOf(err),
				"attempts", attempt)
			return err
		}

		if attempt >= policy.MaxAttempts {
			return err
		}

		return retry.RetryableError(err)
	})
	if err != nil {
		r.logger.Warn("operation failed after retries",
			"operation", name,
			"attempts", attempt,
			"error", err)
		r.stats.recordFailure(err)
		return zero, err
	}

	r.stats.recordSuccess()
	return result, nil
}

func (s *retryStats) recordAttempt(attempt int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalAttempts++
	if attempt > 1 {
		s.totalRetries++
	}
	s.lastAttemptTime = time.Now()
}

func (s *retryStats) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalFailures++
	s.lastError = err
}

func (s *retryStats) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalSuccesses++
}

// RetryStats holds statistics about retry operations.
type RetryStats struct {
	// TotalAttempts is the total number of attempts made (including initial and retries)
	TotalAttempts int64

	// TotalRetries is the number of retry attempts (not including initial attempts)
	TotalRetries int64

	// TotalSuccesses is the number of successful runs
	TotalSuccesses int64

	// TotalFailures is the number of failed runs (after all retries exhausted)
	TotalFailures int64

	// LastAttemptTime is the time of the last attempt
	LastAttemptTime time.Time

	// LastError is the last error a run ended with (if any)
	LastError error
}

// Stats returns a snapshot of the retry statistics.
func (r *Retrier) Stats() RetryStats {
	r.stats.mu.RLock()
	defer r.stats.mu.RUnlock()

	return RetryStats{
		TotalAttempts:   r.stats.totalAttempts,
		TotalRetries:    r.stats.totalRetries,
		TotalSuccesses:  r.stats.totalSuccesses,
		TotalFailures:   r.stats.totalFailures,
		LastAttemptTime: r.stats.lastAttemptTime,
		LastError:       r.stats.lastError,
	}
}

// RetryWrapper wraps a ResilientClient so every Execute runs under a policy.
type RetryWrapper[Req, Resp any] struct {
	client  ResilientClient[Req, Resp]
	retrier *Retrier
	policy  RetryPolicy
	name    string
}

// NewRetryWrapper creates a new retry wrapper around a ResilientClient.
//
// Example:
//
//	store := guard.NewRetryWrapper(taskStore, "tasks.write", guard.PolicyCritical,
//	    guard.WithRetryLogger(logger))
func NewRetryWrapper[Req, Resp any](
	client ResilientClient[Req, Resp],
	name string,
	policy RetryPolicy,
	opts ...RetryOption,
) *RetryWrapper[Req, Resp] {
	return &RetryWrapper[Req, Resp]{
		client:  client,
		retrier: NewRetrier(opts...),
		policy:  policy,
		name:    name,
	}
}

// Execute performs the request with retry logic.
func (w *RetryWrapper[Req, Resp]) Execute(ctx context.Context, req Req) (Resp, error) {
	return Run(ctx, w.retrier, w.policy, w.name, ClientOperation(w.client, req))
}

// GetRetryStats returns statistics about retry operations.
func (w *RetryWrapper[Req, Resp]) GetRetryStats() RetryStats {
	return w.retrier.Stats()
}
