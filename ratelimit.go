package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
)

const (
	hourlyWindow = time.Hour
	dailyWindow  = 24 * time.Hour
)

// RateLimitBucket is the token state of one subject.
type RateLimitBucket struct {
	SubjectID     string    `json:"subjectId"`
	Tokens        int       `json:"tokens"`
	HourlyResetAt time.Time `json:"hourlyResetAt"`
	DailyResetAt  time.Time `json:"dailyResetAt"`

	// LastSeen is the latest instant the bucket was evaluated at. Earlier
	// readings from the clock are clamped to it.
	LastSeen time.Time `json:"lastSeen"`
}

// RateLimitDecision is the result of one Consume.
type RateLimitDecision struct {
	Allowed       bool      `json:"allowed"`
	Remaining     int       `json:"remaining"`
	HourlyResetAt time.Time `json:"hourlyResetAt"`
	DailyResetAt  time.Time `json:"dailyResetAt"`
}

// BucketStore persists buckets so quotas survive restarts.
type BucketStore interface {
	LoadBucket(ctx context.Context, subjectID string) (RateLimitBucket, bool, error)
	SaveBucket(ctx context.Context, bucket RateLimitBucket) error
}

// RateLimitConfig holds RateLimiter configuration options.
type RateLimitConfig struct {
	// HourlyCap is the number of tokens restored at every hourly reset.
	// Default: 1000
	HourlyCap int

	// DailyCap bounds the tokens available after a daily reset.
	// Default: 10000
	DailyCap int

	// Clock supplies the current time.
	// Default: SystemClock
	Clock Clock

	// Store optionally persists buckets. Failures are logged and ignored.
	Store BucketStore

	// Observer receives one event per decision.
	// Default: NopObserver
	Observer Observer

	// Logger for limiter operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// RateLimitOption is a functional option for configuring a RateLimiter.
type RateLimitOption func(*RateLimitConfig)

// WithHourlyCap sets the hourly token cap.
func WithHourlyCap(limit int) RateLimitOption {
	return func(c *RateLimitConfig) {
		c.HourlyCap = limit
	}
}

// WithDailyCap sets the daily token cap.
func WithDailyCap(limit int) RateLimitOption {
	return func(c *RateLimitConfig) {
		c.DailyCap = limit
	}
}

// WithRateLimitClock sets the limiter clock.
func WithRateLimitClock(clock Clock) RateLimitOption {
	return func(c *RateLimitConfig) {
		c.Clock = clock
	}
}

// WithBucketStore sets a persistence hook for buckets.
func WithBucketStore(store BucketStore) RateLimitOption {
	return func(c *RateLimitConfig) {
		c.Store = store
	}
}

// WithRateLimitObserver sets the Observer for decisions.
func WithRateLimitObserver(observer Observer) RateLimitOption {
	return func(c *RateLimitConfig) {
		c.Observer = observer
	}
}

// WithRateLimitLogger sets a custom logger.
func WithRateLimitLogger(logger *slog.Logger) RateLimitOption {
	return func(c *RateLimitConfig) {
		c.Logger = logger
	}
}

// DefaultRateLimitConfig returns rate limit configuration with sensible defaults.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		HourlyCap: 1000,
		DailyCap:  10000,
		Clock:     SystemClock{},
		Observer:  NopObserver{},
		Logger:    slog.Default(),
	}
}

type subjectBucket struct {
	mu      sync.Mutex
	bucket  RateLimitBucket
	exists  bool
	loaded  bool
	removed bool
	version uint64

	writer latestWriter[RateLimitBucket]
}

// RateLimiter enforces an hourly token bucket per subject with a daily cap
// applied at each daily reset. The hourly refill and the daily cap are
// evaluated independently on every call.
type RateLimiter struct {
	config RateLimitConfig

	mu       sync.Mutex
	subjects map[string]*subjectBucket
}

// NewRateLimiter creates a RateLimiter.
//
// Example:
//
//	limiter := guard.NewRateLimiter(guard.WithHourlyCap(100), guard.WithDailyCap(1000))
//	if err := limiter.Admit(ctx, userID); err != nil {
//	    return err
//	}
func NewRateLimiter(opts ...RateLimitOption) *RateLimiter {
	config := DefaultRateLimitConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.HourlyCap <= 0 {
		config.HourlyCap = 1000
	}
	if config.DailyCap <= 0 {
		config.DailyCap = 10000
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

	return &RateLimiter{
		config:   *config,
		subjects: make(map[string]*subjectBucket),
	}
}

// Consume spends one token for subjectID and reports the decision.
func (l *RateLimiter) Consume(ctx context.Context, subjectID string) RateLimitDecision {
	s := l.lockSubject(subjectID)
	l.loadLocked(ctx, subjectID, s)

	now := l.config.Clock.Now()
	decision := l.consumeLocked(s, subjectID, now)
	s.version++
	version, bucket := s.version, s.bucket
	s.mu.Unlock()

	l.persist(ctx, s, version, bucket)

	l.config.Observer.RateLimitDecided(decision.Allowed)
	if !decision.Allowed {
		l.config.Logger.Warn("rate limit exceeded",
			"subject", subjectID,
			"hourly_reset_at", decision.HourlyResetAt,
			"daily_reset_at", decision.DailyResetAt)
	}

	return decision
}

// Admit consumes a token and returns a non-retryable KindLimitExceeded *Error
// when the subject is out of tokens. The error details carry the reset times
// and the wait until the next hourly reset.
func (l *RateLimiter) Admit(ctx context.Context, subjectID string) error {
	decision := l.Consume(ctx, subjectID)
	if decision.Allowed {
		return nil
	}

	retryAfter := decision.HourlyResetAt.Sub(l.config.Clock.Now())
	if retryAfter < 0 {
		retryAfter = 0
	}

	return NewError(KindLimitExceeded, "rate limit exceeded",
		WithCause(jperrors.ErrRateLimited),
		WithRetryable(false),
		WithDetails(map[string]any{
			"subject":       subjectID,
			"hourlyResetAt": decision.HourlyResetAt,
			"dailyResetAt":  decision.DailyResetAt,
			"retryAfterMs":  retryAfter.Milliseconds(),
		}))
}

// Bucket returns the current bucket for subjectID without consuming.
func (l *RateLimiter) Bucket(subjectID string) (RateLimitBucket, bool) {
	l.mu.Lock()
	s, ok := l.subjects[subjectID]
	l.mu.Unlock()
	if !ok {
		return RateLimitBucket{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bucket, s.exists
}

// Len returns the number of tracked subjects.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subjects)
}

// Sweep drops subjects whose hourly and daily windows have both ended, so
// idle subjects do not accumulate. A swept subject is treated as new on its
// next request.
func (l *RateLimiter) Sweep() int {
	now := l.config.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, s := range l.subjects {
		s.mu.Lock()
		if s.exists && !now.Before(s.bucket.HourlyResetAt) && !now.Before(s.bucket.DailyResetAt) {
			s.removed = true
			delete(l.subjects, id)
			removed++
		}
		s.mu.Unlock()
	}
	return removed
}

// lockSubject returns the subject's bucket with its lock held. The map lock
// is held only long enough to find or create the entry.
func (l *RateLimiter) lockSubject(subjectID string) *subjectBucket {
	for {
		l.mu.Lock()
		s, ok := l.subjects[subjectID]
		if !ok {
			s = &subjectBucket{}
			l.subjects[subjectID] = s
		}
		l.mu.Unlock()

		s.mu.Lock()
		if !s.removed {
			return s
		}
		s.mu.Unlock()
	}
}

func (l *RateLimiter) loadLocked(ctx context.Context, subjectID string, s *subjectBucket) {
	if s.loaded {
		return
	}
	s.loaded = true
	if l.config.Store == nil || s.exists {
		return
	}

	bucket, found, err := l.config.Store.LoadBucket(ctx, subjectID)
	if err != nil {
		l.config.Logger.Warn("failed to load rate limit bucket, starting fresh",
			"subject", subjectID,
			"error", err)
		return
	}
	if found {
		s.bucket = bucket
		s.exists = true
	}
}

func (l *RateLimiter) consumeLocked(s *subjectBucket, subjectID string, now time.Time) RateLimitDecision {
	if !s.exists {
		s.bucket = RateLimitBucket{
			SubjectID:     subjectID,
			Tokens:        l.config.HourlyCap - 1,
			HourlyResetAt: now.Add(hourlyWindow),
			DailyResetAt:  now.Add(dailyWindow),
			LastSeen:      now,
		}
		s.exists = true
		return decisionFor(s.bucket, true)
	}

	b := &s.bucket
	if now.Before(b.LastSeen) {
		now = b.LastSeen
	}
	b.LastSeen = now

	if !now.Before(b.HourlyResetAt) {
		b.Tokens = l.config.HourlyCap
		b.HourlyResetAt = now.Add(hourlyWindow)
	}
	if !now.Before(b.DailyResetAt) {
		b.Tokens = min(l.config.DailyCap, b.Tokens)
		b.DailyResetAt = now.Add(dailyWindow)
	}

	if b.Tokens > 0 {
		b.Tokens--
		return decisionFor(*b, true)
	}
	b.Tokens = 0
	return decisionFor(*b, false)
}

// persist writes bucket without holding the subject lock, so a slow store
// never stalls the subject's next decision.
func (l *RateLimiter) persist(ctx context.Context, s *subjectBucket, version uint64, bucket RateLimitBucket) {
	if l.config.Store == nil {
		return
	}
	s.writer.submit(ctx, version, bucket, func(ctx context.Context, bucket RateLimitBucket) {
		if err := l.config.Store.SaveBucket(ctx, bucket); err != nil {
			l.config.Logger.Warn("failed to persist rate limit bucket",
				"subject", bucket.SubjectID,
				"error", err)
		}
	})
}

func decisionFor(b RateLimitBucket, allowed bool) RateLimitDecision {
	return RateLimitDecision{
		Allowed:       allowed,
		Remaining:     b.Tokens,
		HourlyResetAt: b.HourlyResetAt,
		DailyResetAt:  b.DailyResetAt,
	}
}
