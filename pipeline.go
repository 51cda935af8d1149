package guard

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Call describes one guarded invocation.
type Call struct {
	// Name identifies the operation. It selects the circuit breaker and labels
	// logs, metrics and dead-letter entries.
	Name string

	// Subject is the rate-limited principal. Empty skips rate limiting.
	Subject string

	// IdempotencyKey deduplicates the call. Empty skips idempotency.
	IdempotencyKey string

	// Policy bounds retries. A zero policy uses the pipeline default.
	Policy RetryPolicy

	// Payload is stored with the dead-letter entry if the call is dead-lettered.
	Payload any

	// DeadLetter opts the call into the dead-letter store when it fails with
	// a retryable error after exhausting its attempts.
	DeadLetter bool
}

// Pipeline composes the guards in a fixed order: rate limit, idempotency,
// circuit breaker, retry, operation. Every layer is optional; a Pipeline with
// no layers configured just runs the operation under the default retry policy.
type Pipeline struct {
	limiter       *RateLimiter
	idempotency   *IdempotencyCache
	breakers      *BreakerRegistry
	retrier       *Retrier
	deadLetters   *DeadLetterStore
	defaultPolicy RetryPolicy
	sweepInterval time.Duration
	logger        *slog.Logger
}

// PipelineOption is a functional option for configuring a Pipeline.
type PipelineOption func(*Pipeline)

// WithRateLimiter enables per-subject rate limiting.
func WithRateLimiter(limiter *RateLimiter) PipelineOption {
	return func(p *Pipeline) {
		p.limiter = limiter
	}
}

// WithIdempotencyCache enables idempotency keys.
func WithIdempotencyCache(cache *IdempotencyCache) PipelineOption {
	return func(p *Pipeline) {
		p.idempotency = cache
	}
}

// WithBreakers enables per-operation circuit breaking.
func WithBreakers(registry *BreakerRegistry) PipelineOption {
	return func(p *Pipeline) {
		p.breakers = registry
	}
}

// WithRetrier sets the Retrier used for the retry layer.
func WithRetrier(retrier *Retrier) PipelineOption {
	return func(p *Pipeline) {
		p.retrier = retrier
	}
}

// WithDeadLetterStore enables dead-lettering for calls that opt in.
func WithDeadLetterStore(store *DeadLetterStore) PipelineOption {
	return func(p *Pipeline) {
		p.deadLetters = store
	}
}

// WithDefaultPolicy sets the policy for calls that do not carry one.
func WithDefaultPolicy(policy RetryPolicy) PipelineOption {
	return func(p *Pipeline) {
		p.defaultPolicy = policy
	}
}

// WithSweepInterval sets how often Run sweeps expired state.
func WithSweepInterval(interval time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.sweepInterval = interval
	}
}

// WithPipelineLogger sets a custom logger.
func WithPipelineLogger(logger *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// NewPipeline creates a Pipeline.
//
// Example:
//
//	pipeline := guard.NewPipeline(
//	    guard.WithRateLimiter(guard.NewRateLimiter()),
//	    guard.WithIdempotencyCache(guard.NewIdempotencyCache()),
//	    guard.WithBreakers(guard.NewBreakerRegistry()),
//	    guard.WithDeadLetterStore(guard.NewDeadLetterStore()),
//	)
func NewPipeline(opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		defaultPolicy: PolicyStandard,
		sweepInterval: 5 * time.Minute,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.retrier == nil {
		p.retrier = NewRetrier(WithRetryLogger(p.logger))
	}
	if p.sweepInterval <= 0 {
		p.sweepInterval = 5 * time.Minute
	}
	return p
}

// RateLimiter returns the configured limiter, or nil.
func (p *Pipeline) RateLimiter() *RateLimiter { return p.limiter }

// IdempotencyCache returns the configured cache, or nil.
func (p *Pipeline) IdempotencyCache() *IdempotencyCache { return p.idempotency }

// Breakers returns the configured breaker registry, or nil.
func (p *Pipeline) Breakers() *BreakerRegistry { return p.breakers }

// Retrier returns the Retrier used by the retry layer.
func (p *Pipeline) Retrier() *Retrier { return p.retrier }

// DeadLetters returns the configured dead-letter store, or nil.
func (p *Pipeline) DeadLetters() *DeadLetterStore { return p.deadLetters }

// Do runs op through every configured layer of p.
//
// Example:
//
//	task, err := guard.Do(ctx, pipeline, guard.Call{
//	    Name:           "tasks.create",
//	    Subject:        userID,
//	    IdempotencyKey: r.Header.Get("Idempotency-Key"),
//	    Policy:         guard.PolicyCritical,
//	}, func(ctx context.Context) (Task, error) {
//	    return store.CreateTask(ctx, input)
//	})
func Do[T any](ctx context.Context, p *Pipeline, call Call, op Operation[T]) (T, error) {
	if p.limiter != nil && call.Subject != "" {
		if err := p.limiter.Admit(ctx, call.Subject); err != nil {
			var zero T
			return zero, err
		}
	}

	guarded := func(ctx context.Context) (T, error) {
		return protect(ctx, p, call, op)
	}

	if p.idempotency != nil && call.IdempotencyKey != "" {
		return Idempotent(ctx, p.idempotency, call.IdempotencyKey, guarded)
	}
	return guarded(ctx)
}

// protect runs the breaker and retry layers and dead-letters the failure
// when the call asked for it.
func protect[T any](ctx context.Context, p *Pipeline, call Call, op Operation[T]) (T, error) {
	policy := call.Policy
	if policy.MaxAttempts == 0 {
		policy = p.defaultPolicy
	}

	var attempts atomic.Int64
	counted := func(ctx context.Context) (T, error) {
		attempts.Add(1)
		return op(ctx)
	}

	retried := func(ctx context.Context) (T, error) {
		return Run(ctx, p.retrier, policy, call.Name, counted)
	}

	var (
		result T
		err    error
	)
	if p.breakers != nil {
		result, err = Protect(ctx, p.breakers.Get(call.Name), retried)
	} else {
		result, err = retried(ctx)
	}
	if err == nil {
		return result, nil
	}

	// Errors that never reached the operation (open circuit, invalid policy,
	// cancelled context) are not dead-lettered.
	if call.DeadLetter && p.deadLetters != nil && attempts.Load() > 0 && ctx.Err() == nil && policy.Retryable(err) {
		id := p.deadLetters.EnqueueFailure(call.Name, call.Payload, err, int(attempts.Load()), policy.MaxAttempts)
		p.logger.Warn("operation dead-lettered after exhausting retries",
			"operation", call.Name,
			"dead_letter_id", id,
			"attempts", attempts.Load(),
			"kind", KindOf(err))
	}
	return result, err
}

// Run sweeps expired idempotency entries and idle rate limit subjects every
// sweep interval until ctx is done. Start it from the composition root.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}

// Sweep removes expired idempotency entries and idle rate limit subjects once.
func (p *Pipeline) Sweep() {
	var entries, subjects int
	if p.idempotency != nil {
		entries = p.idempotency.Sweep()
	}
	if p.limiter != nil {
		subjects = p.limiter.Sweep()
	}
	if entries > 0 || subjects > 0 {
		p.logger.Debug("swept expired guard state",
			"idempotency_entries", entries,
			"rate_limit_subjects", subjects)
	}
}
