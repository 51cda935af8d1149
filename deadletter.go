package guard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadLetterEntry is an operation that exhausted its retries and was handed
// over for later reprocessing.
type DeadLetterEntry struct {
	ID            string    `json:"id"`
	OperationName string    `json:"operationName"`
	Payload       any       `json:"payload,omitempty"`
	ErrorKind     ErrorKind `json:"errorKind"`
	Error         string    `json:"error,omitempty"`
	Attempt       int       `json:"attempt"`
	MaxAttempts   int       `json:"maxAttempts"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
	RetryAt       time.Time `json:"retryAt"`
}

// CanRetry reports whether the entry has attempts left.
func (e DeadLetterEntry) CanRetry() bool {
	return e.Attempt < e.MaxAttempts
}

// DeadLetterStats summarizes a DeadLetterStore.
type DeadLetterStats struct {
	Total     int   `json:"total"`
	Retryable int   `json:"retryable"`
	Capacity  int   `json:"capacity"`
	Evicted   int64 `json:"evicted"`
}

// DeadLetterConfig holds DeadLetterStore configuration options.
type DeadLetterConfig struct {
	// MaxSize bounds the store; enqueueing at capacity evicts the oldest entry.
	// Default: 1000
	MaxSize int

	// RetryDelay sets RetryAt for entries enqueued without one.
	// Default: 60 seconds
	RetryDelay time.Duration

	// Clock supplies the current time.
	// Default: SystemClock
	Clock Clock

	// Observer receives enqueue and eviction events.
	// Default: NopObserver
	Observer Observer

	// Logger for store operations.
	// Default: slog.Default()
	Logger *slog.Logger
}

// DeadLetterOption is a functional option for configuring a DeadLetterStore.
type DeadLetterOption func(*DeadLetterConfig)

// WithMaxSize sets the store capacity.
func WithMaxSize(size int) DeadLetterOption {
	return func(c *DeadLetterConfig) {
		c.MaxSize = size
	}
}

// WithRetryDelay sets the default delay before an entry becomes retryable.
func WithRetryDelay(delay time.Duration) DeadLetterOption {
	return func(c *DeadLetterConfig) {
		c.RetryDelay = delay
	}
}

// WithDeadLetterClock sets the store clock.
func WithDeadLetterClock(clock Clock) DeadLetterOption {
	return func(c *DeadLetterConfig) {
		c.Clock = clock
	}
}

// WithDeadLetterObserver sets the Observer for enqueue and eviction events.
func WithDeadLetterObserver(observer Observer) DeadLetterOption {
	return func(c *DeadLetterConfig) {
		c.Observer = observer
	}
}

// WithDeadLetterLogger sets a custom logger.
func WithDeadLetterLogger(logger *slog.Logger) DeadLetterOption {
	return func(c *DeadLetterConfig) {
		c.Logger = logger
	}
}

// DefaultDeadLetterConfig returns dead-letter configuration with sensible defaults.
func DefaultDeadLetterConfig() *DeadLetterConfig {
	return &DeadLetterConfig{
		MaxSize:    1000,
		RetryDelay: 60 * time.Second,
		Clock:      SystemClock{},
		Observer:   NopObserver{},
		Logger:     slog.Default(),
	}
}

// DeadLetterStore is a bounded, in-process holding area for failed
// operations. It performs no retries itself; a caller-owned sweep reads
// Retryable and removes or reschedules what it reprocessed.
type DeadLetterStore struct {
	config DeadLetterConfig

	mu      sync.Mutex
	entries []DeadLetterEntry // oldest first
	evicted int64
}

// NewDeadLetterStore creates a DeadLetterStore.
func NewDeadLetterStore(opts ...DeadLetterOption) *DeadLetterStore {
	config := DefaultDeadLetterConfig()
	for _, opt := range opts {
		opt(config)
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 1000
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 60 * time.Second
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

	return &DeadLetterStore{
		config:  *config,
		entries: make([]DeadLetterEntry, 0, config.MaxSize),
	}
}

// Enqueue appends entry and returns its id. At capacity the oldest entry is
// evicted first. A fresh id is always assigned; EnqueuedAt is set to now and
// a zero RetryAt defaults to now plus the configured retry delay.
func (s *DeadLetterStore) Enqueue(entry DeadLetterEntry) string {
	now := s.config.Clock.Now()
	entry.ID = uuid.NewString()
	entry.EnqueuedAt = now
	if entry.RetryAt.IsZero() {
		entry.RetryAt = now.Add(s.config.RetryDelay)
	}

	s.mu.Lock()
	var evicted *DeadLetterEntry
	if len(s.entries) >= s.config.MaxSize {
		oldest := s.entries[0]
		evicted = &oldest
		s.entries[0] = DeadLetterEntry{}
		s.entries = s.entries[1:]
		s.evicted++
	}
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	if evicted != nil {
		s.config.Logger.Warn("dead-letter store full, evicted oldest entry",
			"evicted_id", evicted.ID,
			"evicted_operation", evicted.OperationName,
			"capacity", s.config.MaxSize)
		s.config.Observer.DeadLetterEvicted(evicted.OperationName)
	}
	s.config.Logger.Info("operation placed on dead-letter store",
		"id", entry.ID,
		"operation", entry.OperationName,
		"kind", entry.ErrorKind,
		"attempt", entry.Attempt,
		"retry_at", entry.RetryAt)
	s.config.Observer.DeadLetterEnqueued(entry.OperationName)

	return entry.ID
}

// EnqueueFailure records a failed operation with its classified error.
func (s *DeadLetterStore) EnqueueFailure(operationName string, payload any, err error, attempt, maxAttempts int) string {
	entry := DeadLetterEntry{
		OperationName: operationName,
		Payload:       payload,
		Attempt:       attempt,
		MaxAttempts:   maxAttempts,
	}
	if classified := AsError(err); classified != nil {
		entry.ErrorKind = classified.Kind
		entry.Error = classified.Error()
	}
	return s.Enqueue(entry)
}

// Retryable returns the entries with attempts left whose RetryAt is not after
// now, oldest first.
func (s *DeadLetterStore) Retryable(now time.Time) []DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DeadLetterEntry
	for _, entry := range s.entries {
		if entry.CanRetry() && !entry.RetryAt.After(now) {
			out = append(out, entry)
		}
	}
	return out
}

// Get returns the entry with id.
func (s *DeadLetterStore) Get(id string) (DeadLetterEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexLocked(id); i >= 0 {
		return s.entries[i], true
	}
	return DeadLetterEntry{}, false
}

// List returns every entry, oldest first.
func (s *DeadLetterStore) List() []DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]DeadLetterEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Remove deletes the entry with id. Removing an absent id is a no-op.
func (s *DeadLetterStore) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexLocked(id); i >= 0 {
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
	}
}

// Reschedule records another failed reprocessing attempt for id: Attempt is
// incremented, RetryAt moved to retryAt and the error refreshed. It returns
// false when id is absent.
func (s *DeadLetterStore) Reschedule(id string, retryAt time.Time, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	entry := &s.entries[i]
	entry.Attempt++
	entry.RetryAt = retryAt
	if classified := AsError(err); classified != nil {
		entry.ErrorKind = classified.Kind
		entry.Error = classified.Error()
	}
	return true
}

// Stats returns the total, retryable-now and capacity figures.
func (s *DeadLetterStore) Stats() DeadLetterStats {
	now := s.config.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := DeadLetterStats{
		Total:    len(s.entries),
		Capacity: s.config.MaxSize,
		Evicted:  s.evicted,
	}
	for _, entry := range s.entries {
		if entry.CanRetry() && !entry.RetryAt.After(now) {
			stats.Retryable++
		}
	}
	return stats
}

func (s *DeadLetterStore) indexLocked(id string) int {
	for i := range s.entries {
		if s.entries[i].ID == id {
			return i
		}
	}
	return -1
}
