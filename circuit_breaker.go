package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed means the circuit is closed and requests flow normally.
	StateClosed CircuitState = iota

	// StateHalfOpen means the cooldown elapsed and calls probe for recovery.
	StateHalfOpen

	// StateOpen means the circuit is open and requests are rejected immediately.
	StateOpen
)

// String returns the string representation of the circuit breaker state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *CircuitState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "closed":
		*s = StateClosed
	case "half-open":
		*s = StateHalfOpen
	case "open":
		*s = StateOpen
	default:
		return fmt.Errorf("guard: unknown circuit state %q", text)
	}
	return nil
}

// CircuitSnapshot is the observable state of one circuit.
type CircuitSnapshot struct {
	State         CircuitState `json:"state"`
	FailureCount  int          `json:"failureCount"`
	LastFailureAt time.Time    `json:"lastFailureAt"`
}

// CircuitBreakerErrorClassifier determines whether an error should count
// against the circuit. Implement it to keep caller mistakes (validation,
// not found) from opening a circuit on a healthy dependency.
type CircuitBreakerErrorClassifier interface {
	// ShouldTripCircuit returns true if the error counts as a failure.
	ShouldTripCircuit(err error) bool
}

// KindTripClassifier counts only errors whose kind is listed.
type KindTripClassifier []ErrorKind

// ShouldTripCircuit implements CircuitBreakerErrorClassifier.
func (k KindTripClassifier) ShouldTripCircuit(err error) bool {
	kind := KindOf(err)
	for _, candidate := range k {
		if candidate == kind {
			return true
		}
	}
	return false
}

// CircuitStore persists circuit snapshots so state survives restarts.
type CircuitStore interface {
	LoadCircuit(ctx context.Context, name string) (CircuitSnapshot, bool, error)
	SaveCircuit(ctx context.Context, name string, snapshot CircuitSnapshot) error
}

// Breaker is anything that can guard an operation the way a circuit breaker does.
type Breaker interface {
	Execute(ctx context.Context, op func(context.Context) error) error
	Snapshot() CircuitSnapshot
}

// CircuitBreaker guards a single named operation.
//
// A failure increments the failure count; reaching FailureThreshold opens the
// circuit. An open circuit rejects calls without running them until more than
// ResetTimeout has passed since the last failure, after which the next call
// moves it to half-open with a zeroed count. A success while half-open closes
// the circuit.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	lastFailureAt time.Time
	version       uint64

	writer latestWriter[CircuitSnapshot]
}

// NewCircuitBreaker creates a breaker for the operation called name.
//
// Example:
//
//	cb := guard.NewCircuitBreaker("tasks.write",
//	    guard.WithFailureThreshold(5),
//	    guard.WithResetTimeout(time.Minute),
//	)
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	config := DefaultCircuitBreakerConfig()
	for _, opt := range opts {
		opt(config)
	}
	config.normalize()

	cb := &CircuitBreaker{
		name:   name,
		config: *config,
		state:  StateClosed,
	}

	if config.Store != nil {
		snapshot, found, err := config.Store.LoadCircuit(context.Background(), name)
		switch {
		case err != nil:
			config.Logger.Warn("failed to load circuit state, starting closed",
				"name", name,
				"error", err)
		case found:
			cb.state = snapshot.State
			cb.failureCount = snapshot.FailureCount
			cb.lastFailureAt = snapshot.LastFailureAt
		}
	}

	return cb
}

// Name returns the protected operation name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Execute runs op through the circuit breaker. If the circuit is open the call
// fails with a non-retryable KindUnavailable *Error carrying the remaining
// cooldown and current failure count, and op is not invoked.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := cb.beforeCall(ctx); err != nil {
		return err
	}

	err := op(ctx)
	cb.afterCall(ctx, err)
	return err
}

// Snapshot returns the current state, failure count and last failure time.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.snapshotLocked()
}

// Reset forces the circuit closed and clears the failure count.
func (cb *CircuitBreaker) Reset(ctx context.Context) {
	cb.mu.Lock()
	cb.failureCount = 0
	cb.transitionLocked(StateClosed)
	version, snapshot := cb.changedLocked()
	cb.mu.Unlock()

	cb.persist(ctx, version, snapshot)
}

func (cb *CircuitBreaker) beforeCall(ctx context.Context) error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}

	elapsed := cb.config.Clock.Now().Sub(cb.lastFailureAt)
	if elapsed > cb.config.ResetTimeout {
		cb.failureCount = 0
		cb.transitionLocked(StateHalfOpen)
		version, snapshot := cb.changedLocked()
		cb.mu.Unlock()
		cb.persist(ctx, version, snapshot)
		return nil
	}

	remaining := cb.config.ResetTimeout - elapsed
	if remaining > cb.config.ResetTimeout {
		remaining = cb.config.ResetTimeout
	}
	failureCount := cb.failureCount
	rejection := cb.openError(remaining)
	cb.mu.Unlock()

	cb.config.Logger.Warn("circuit breaker is open, request rejected",
		"name", cb.name,
		"failure_count", failureCount,
		"retry_after", remaining)
	cb.config.Observer.BreakerRejected(cb.name)

	return rejection
}

func (cb *CircuitBreaker) afterCall(ctx context.Context, err error) {
	// A caller that gave up says nothing about the dependency.
	if err != nil && ctx.Err() != nil {
		cb.config.Logger.Debug("caller context done, failure not counted",
			"name", cb.name,
			"error", err)
		return
	}

	cb.mu.Lock()
	if err == nil || !cb.countsAsFailure(err) {
		if cb.state != StateHalfOpen {
			cb.mu.Unlock()
			return
		}
		cb.failureCount = 0
		cb.transitionLocked(StateClosed)
		version, snapshot := cb.changedLocked()
		cb.mu.Unlock()
		cb.persist(ctx, version, snapshot)
		return
	}

	cb.failureCount++
	cb.lastFailureAt = cb.config.Clock.Now()
	cb.config.Logger.Debug("request failed through circuit breaker",
		"name", cb.name,
		"failure_count", cb.failureCount,
		"error", err)

	if cb.failureCount >= cb.config.FailureThreshold && cb.state != StateOpen {
		cb.transitionLocked(StateOpen)
	}
	version, snapshot := cb.changedLocked()
	cb.mu.Unlock()
	cb.persist(ctx, version, snapshot)
}

func (cb *CircuitBreaker) countsAsFailure(err error) bool {
	if cb.config.ErrorClassifier == nil {
		return true
	}
	return cb.config.ErrorClassifier.ShouldTripCircuit(err)
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to

	level := slog.LevelWarn
	if to == StateClosed {
		level = slog.LevelInfo
	}
	cb.config.Logger.Log(context.Background(), level, "circuit breaker state changed",
		"name", cb.name,
		"from", from.String(),
		"to", to.String())

	cb.config.Observer.BreakerStateChanged(cb.name, from, to)
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// changedLocked stamps a mutation and returns what persist should write.
func (cb *CircuitBreaker) changedLocked() (uint64, CircuitSnapshot) {
	cb.version++
	return cb.version, cb.snapshotLocked()
}

// persist writes snapshot to the store without holding cb.mu, so a slow
// store never stalls other calls on this breaker.
func (cb *CircuitBreaker) persist(ctx context.Context, version uint64, snapshot CircuitSnapshot) {
	if cb.config.Store == nil {
		return
	}
	cb.writer.submit(ctx, version, snapshot, func(ctx context.Context, snapshot CircuitSnapshot) {
		if err := cb.config.Store.SaveCircuit(ctx, cb.name, snapshot); err != nil {
			cb.config.Logger.Warn("failed to persist circuit state",
				"name", cb.name,
				"error", err)
		}
	})
}

func (cb *CircuitBreaker) snapshotLocked() CircuitSnapshot {
	return CircuitSnapshot{
		State:         cb.state,
		FailureCount:  cb.failureCount,
		LastFailureAt: cb.lastFailureAt,
	}
}

func (cb *CircuitBreaker) openError(remaining time.Duration) *Error {
	cause := jperrors.NewCircuitBreakerError(
		"request rejected",
		cb.name,
		"open",
		jperrors.WithCounts(jperrors.CircuitCounts{
			TotalFailures:       uint32(cb.failureCount), // #nosec G115 - failure count is small and non-negative
			ConsecutiveFailures: uint32(cb.failureCount), // #nosec G115
		}),
	)

	return NewError(KindUnavailable, "circuit open",
		WithCause(cause),
		WithRetryable(false),
		WithDetails(map[string]any{
			"operation":    cb.name,
			"retryAfterMs": remaining.Milliseconds(),
			"failureCount": cb.failureCount,
		}))
}

// Protect runs a value-returning operation through b.
func Protect[T any](ctx context.Context, b Breaker, op Operation[T]) (T, error) {
	var result T
	err := b.Execute(ctx, func(ctx context.Context) error {
		value, err := op(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// BreakerRegistry holds one Breaker per operation name, created on first use
// and kept for the lifetime of the registry.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]Breaker
	factory  func(name string) Breaker
}

// NewBreakerRegistry creates a registry of CircuitBreakers sharing opts.
func NewBreakerRegistry(opts ...CircuitBreakerOption) *BreakerRegistry {
	return NewBreakerRegistryWithFactory(func(name string) Breaker {
		return NewCircuitBreaker(name, opts...)
	})
}

// NewBreakerRegistryWithFactory creates a registry that builds breakers with
// factory, e.g. NewRatioBreaker.
func NewBreakerRegistryWithFactory(factory func(name string) Breaker) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]Breaker),
		factory:  factory,
	}
}

// Get returns the breaker for name, creating it if needed.
func (r *BreakerRegistry) Get(name string) Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = r.factory(name)
		r.breakers[name] = b
	}
	return b
}

// Execute runs op through the breaker for name.
func (r *BreakerRegistry) Execute(ctx context.Context, name string, op func(context.Context) error) error {
	return r.Get(name).Execute(ctx, op)
}

// Names returns the registered operation names in sorted order.
func (r *BreakerRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshots returns the state of every registered breaker.
func (r *BreakerRegistry) Snapshots() map[string]CircuitSnapshot {
	out := make(map[string]CircuitSnapshot)
	for _, name := range r.Names() {
		out[name] = r.Get(name).Snapshot()
	}
	return out
}

// Health returns a health view of every registered breaker.
func (r *BreakerRegistry) Health() map[string]HealthStatus {
	out := make(map[string]HealthStatus)
	for name, snapshot := range r.Snapshots() {
		out[name] = NewHealthStatus(name, snapshot)
	}
	return out
}

var (
	_ Breaker                       = (*CircuitBreaker)(nil)
	_ CircuitBreakerErrorClassifier = KindTripClassifier(nil)
)
