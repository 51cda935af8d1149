// Package redisstore persists rate limit buckets and circuit snapshots in
// Redis so they survive process restarts and are shared by every replica
// reading the same keys.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	guard "github.com/JohnPlummer/jp-go-guard"
)

const (
	// DefaultPrefix namespaces every key written by a Store.
	DefaultPrefix = "guard"

	// DefaultBucketTTL outlives the daily window so an idle bucket expires
	// only after its quota would have been restored anyway.
	DefaultBucketTTL = 25 * time.Hour
)

// Store implements guard.BucketStore and guard.CircuitStore on Redis.
type Store struct {
	rdb       redis.Cmdable
	prefix    string
	bucketTTL time.Duration
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// WithBucketTTL sets the expiry of bucket keys. Zero disables expiry.
func WithBucketTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.bucketTTL = ttl
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store over rdb, typically a *redis.Client.
func New(rdb redis.Cmdable, opts ...Option) *Store {
	s := &Store{
		rdb:       rdb,
		prefix:    DefaultPrefix,
		bucketTTL: DefaultBucketTTL,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Connect parses a redis:// URL, pings the server and returns a Store over
// the new client. The caller closes the returned client.
func Connect(ctx context.Context, url string, opts ...Option) (*Store, *redis.Client, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis: %w", err)
	}

	store := New(client, opts...)
	store.logger.Info("connected to redis",
		"addr", options.Addr,
		"db", options.DB)
	return store, client, nil
}

// BucketKey returns the key holding subjectID's bucket.
func (s *Store) BucketKey(subjectID string) string {
	return fmt.Sprintf("%s:bucket:%s", s.prefix, subjectID)
}

// CircuitKey returns the key holding the snapshot of circuit name.
func (s *Store) CircuitKey(name string) string {
	return fmt.Sprintf("%s:circuit:%s", s.prefix, name)
}

// LoadBucket implements guard.BucketStore.
func (s *Store) LoadBucket(ctx context.Context, subjectID string) (guard.RateLimitBucket, bool, error) {
	var bucket guard.RateLimitBucket
	found, err := s.load(ctx, s.BucketKey(subjectID), &bucket)
	if err != nil || !found {
		return guard.RateLimitBucket{}, false, err
	}
	return bucket, true, nil
}

// SaveBucket implements guard.BucketStore.
func (s *Store) SaveBucket(ctx context.Context, bucket guard.RateLimitBucket) error {
	return s.save(ctx, s.BucketKey(bucket.SubjectID), bucket, s.bucketTTL)
}

// LoadCircuit implements guard.CircuitStore.
func (s *Store) LoadCircuit(ctx context.Context, name string) (guard.CircuitSnapshot, bool, error) {
	var snapshot guard.CircuitSnapshot
	found, err := s.load(ctx, s.CircuitKey(name), &snapshot)
	if err != nil || !found {
		return guard.CircuitSnapshot{}, false, err
	}
	return snapshot, true, nil
}

// SaveCircuit implements guard.CircuitStore. Circuit keys do not expire.
func (s *Store) SaveCircuit(ctx context.Context, name string, snapshot guard.CircuitSnapshot) error {
	return s.save(ctx, s.CircuitKey(name), snapshot, 0)
}

func (s *Store) load(ctx context.Context, key string, out any) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("discarding undecodable guard state",
			"key", key,
			"error", err)
		return false, nil
	}
	return true, nil
}

func (s *Store) save(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

var (
	_ guard.BucketStore  = (*Store)(nil)
	_ guard.CircuitStore = (*Store)(nil)
)
