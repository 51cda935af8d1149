package guard

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// IdempotencyConfig holds IdempotencyCache configuration options.
type IdempotencyConfig struct {
	// TTL is how long an outcome is replayed after it was recorded.
	// Default: 1 hour
	TTL time.Duration

	// Clock supplies the current time.
	// Default: SystemClock
	Clock Clock

	// Observer receives replay events.
	// Default: NopObserver
	Observer Observer

	// Logger for cache operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// IdempotencyOption is a functional option for configuring an IdempotencyCache.
type IdempotencyOption func(*IdempotencyConfig)

// WithIdempotencyTTL sets how long outcomes are kept.
func WithIdempotencyTTL(ttl time.Duration) IdempotencyOption {
	return func(c *IdempotencyConfig) {
		c.TTL = ttl
	}
}

// WithIdempotencyClock sets the cache clock.
func WithIdempotencyClock(clock Clock) IdempotencyOption {
	return func(c *IdempotencyConfig) {
		c.Clock = clock
	}
}

// WithIdempotencyObserver sets the Observer for replays.
func WithIdempotencyObserver(observer Observer) IdempotencyOption {
	return func(c *IdempotencyConfig) {
		c.Observer = observer
	}
}

// WithIdempotencyLogger sets a custom logger.
func WithIdempotencyLogger(logger *slog.Logger) IdempotencyOption {
	return func(c *IdempotencyConfig) {
		c.Logger = logger
	}
}

// DefaultIdempotencyConfig returns idempotency configuration with sensible defaults.
func DefaultIdempotencyConfig() *IdempotencyConfig {
	return &IdempotencyConfig{
		TTL:      time.Hour,
		Clock:    SystemClock{},
		Observer: NopObserver{},
		Logger:   slog.Default(),
	}
}

// IdempotencyEntry is a recorded outcome.
type IdempotencyEntry struct {
	Key        string
	Value      any
	Err        error
	RecordedAt time.Time
}

// IdempotencyCache records the outcome of an operation per caller-supplied key
// and replays it for TTL. The operation runs at most once per key per TTL
// window, including when calls for the same key race: one runs, the rest wait
// for it and receive the same outcome. Unrelated keys never wait on each other.
type IdempotencyCache struct {
	config IdempotencyConfig
	group  singleflight.Group

	mu      sync.RWMutex
	entries map[string]IdempotencyEntry
}

// NewIdempotencyCache creates an IdempotencyCache.
func NewIdempotencyCache(opts ...IdempotencyOption) *IdempotencyCache {
	config := DefaultIdempotencyConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.Clock == nil {
		config.Clock = SystemClock{}
	}
	if config.Observer == nil {
		config.Observer = NopObserver{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &IdempotencyCache{
		config:  *config,
		entries: make(map[string]IdempotencyEntry),
	}
}

// Idempotent runs op at most once for key within the cache TTL and returns
// its outcome, replaying the stored value or error on later calls.
//
// Example:
//
//	task, err := guard.Idempotent(ctx, cache, req.Header.Get("Idempotency-Key"),
//	    func(ctx context.Context) (Task, error) { return store.CreateTask(ctx, input) })
func Idempotent[T any](ctx context.Context, c *IdempotencyCache, key string, op Operation[T]) (T, error) {
	if entry, ok := c.lookup(key); ok {
		c.config.Observer.IdempotentReplayed(entry.Err != nil)
		c.config.Logger.Debug("replaying idempotent outcome",
			"key", key,
			"failed", entry.Err != nil)
		return replay[T](key, entry)
	}

	for {
		results := c.group.DoChan(key, func() (any, error) {
			// A caller that lost the race to an earlier flight lands here after
			// that flight stored its outcome.
			if entry, ok := c.lookup(key); ok {
				return flight{entry: entry, recorded: true}, nil
			}

			result, opErr := op(ctx)
			entry := IdempotencyEntry{
				Key:        key,
				Value:      result,
				Err:        opErr,
				RecordedAt: c.config.Clock.Now(),
			}
			// A failure caused by the leader giving up is not an outcome of the
			// operation; the next caller runs it again.
			if opErr != nil && ctx.Err() != nil {
				c.config.Logger.Debug("caller gave up, idempotent outcome not recorded",
					"key", key,
					"error", opErr)
				return flight{entry: entry}, nil
			}
			c.store(entry)
			return flight{entry: entry, recorded: true}, nil
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case res = <-results:
		}
		if res.Err != nil {
			var zero T
			return zero, res.Err
		}

		f := res.Val.(flight)
		if !f.recorded && res.Shared && ctx.Err() == nil {
			c.config.Logger.Debug("joined an abandoned idempotent flight, running again", "key", key)
			continue
		}
		if res.Shared {
			c.config.Logger.Debug("joined in-flight idempotent operation", "key", key)
		}
		return replay[T](key, f.entry)
	}
}

// flight is the value shared by callers of one singleflight call.
type flight struct {
	entry    IdempotencyEntry
	recorded bool
}

func replay[T any](key string, entry IdempotencyEntry) (T, error) {
	var zero T
	if entry.Err != nil {
		return zero, entry.Err
	}
	if entry.Value == nil {
		return zero, nil
	}
	value, ok := entry.Value.(T)
	if !ok {
		return zero, NewError(KindConflict, "idempotency key reused for a different operation",
			WithCause(fmt.Errorf("%w: key %q holds %T", ErrIdempotencyTypeMismatch, key, entry.Value)),
			WithDetails(map[string]any{"key": key}))
	}
	return value, nil
}

func (c *IdempotencyCache) lookup(key string) (IdempotencyEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return IdempotencyEntry{}, false
	}
	if c.expired(entry, c.config.Clock.Now()) {
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && current.RecordedAt.Equal(entry.RecordedAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return IdempotencyEntry{}, false
	}
	return entry, true
}

func (c *IdempotencyCache) store(entry IdempotencyEntry) {
	c.mu.Lock()
	c.entries[entry.Key] = entry
	c.mu.Unlock()
}

func (c *IdempotencyCache) expired(entry IdempotencyEntry, now time.Time) bool {
	return now.Sub(entry.RecordedAt) >= c.config.TTL
}

// Lookup returns the recorded entry for key if it has not expired.
func (c *IdempotencyCache) Lookup(key string) (IdempotencyEntry, bool) {
	return c.lookup(key)
}

// Forget drops the outcome recorded for key.
func (c *IdempotencyCache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *IdempotencyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes expired entries and returns how many were removed.
func (c *IdempotencyCache) Sweep() int {
	now := c.config.Clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done. Start it from
// the process's composition root so the janitor's lifetime is owned.
func (c *IdempotencyCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.config.TTL / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := c.Sweep(); removed > 0 {
				c.config.Logger.Debug("swept expired idempotency entries", "removed", removed)
			}
		}
	}
}
