package guard

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file form of a guard setup.
//
// Example:
//
//	defaultPolicy: standard
//	policies:
//	  standard:
//	    maxAttempts: 4
//	  reports:
//	    maxAttempts: 3
//	    initialDelay: 250ms
//	    maxDelay: 5s
//	    backoffMultiplier: 2
//	    jitterFactor: 0.2
//	    retryableKinds: [unavailable]
//	breaker:
//	  failureThreshold: 5
//	  resetTimeout: 60s
//	  tripKinds: [internal, unavailable]
//	rateLimit:
//	  hourlyCap: ${GUARD_HOURLY_CAP}
//	  dailyCap: 10000
//	idempotency:
//	  ttl: 1h
//	  sweepInterval: 5m
//	deadLetter:
//	  maxSize: 1000
//	  retryDelay: 60s
type Config struct {
	DefaultPolicy string                  `yaml:"defaultPolicy"`
	Policies      map[string]PolicyConfig `yaml:"policies"`
	Breaker       BreakerSettings         `yaml:"breaker"`
	RateLimit     RateLimitSettings       `yaml:"rateLimit"`
	Idempotency   IdempotencySettings     `yaml:"idempotency"`
	DeadLetter    DeadLetterSettings      `yaml:"deadLetter"`
}

// PolicyConfig is the file form of a RetryPolicy. Omitted fields inherit from
// the built-in policy of the same name, or from the standard policy. Fields
// for which zero is a legal value are pointers, so an explicit 0 (or an
// explicit empty retryableKinds list) is kept rather than inherited.
type PolicyConfig struct {
	MaxAttempts       int            `yaml:"maxAttempts"`
	InitialDelay      *time.Duration `yaml:"initialDelay"`
	MaxDelay          *time.Duration `yaml:"maxDelay"`
	BackoffMultiplier float64        `yaml:"backoffMultiplier"`
	JitterFactor      *float64       `yaml:"jitterFactor"`
	RetryableKinds    []ErrorKind    `yaml:"retryableKinds"`
}

// BreakerSettings configures every circuit breaker built from the file.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`

	// TripKinds, when set, limits which error kinds count as failures.
	TripKinds []ErrorKind `yaml:"tripKinds"`
}

// RateLimitSettings configures the rate limiter.
type RateLimitSettings struct {
	Disabled  bool `yaml:"disabled"`
	HourlyCap int  `yaml:"hourlyCap"`
	DailyCap  int  `yaml:"dailyCap"`
}

// IdempotencySettings configures the idempotency cache.
type IdempotencySettings struct {
	Disabled      bool          `yaml:"disabled"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
}

// DeadLetterSettings configures the dead-letter store.
type DeadLetterSettings struct {
	Disabled   bool          `yaml:"disabled"`
	MaxSize    int           `yaml:"maxSize"`
	RetryDelay time.Duration `yaml:"retryDelay"`
}

// DefaultConfig returns the configuration every component uses when built
// with no options.
func DefaultConfig() *Config {
	return &Config{
		DefaultPolicy: "standard",
		Policies: map[string]PolicyConfig{
			"critical":  policyConfigOf(PolicyCritical),
			"standard":  policyConfigOf(PolicyStandard),
			"fast":      policyConfigOf(PolicyFast),
			"scheduled": policyConfigOf(PolicyScheduled),
		},
		Breaker: BreakerSettings{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
		RateLimit: RateLimitSettings{
			HourlyCap: 1000,
			DailyCap:  10000,
		},
		Idempotency: IdempotencySettings{
			TTL:           time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		DeadLetter: DeadLetterSettings{
			MaxSize:    1000,
			RetryDelay: 60 * time.Second,
		},
	}
}

// LoadConfig reads a YAML config file. ${VAR} references are expanded from
// the environment before parsing.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("read guard config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config, fills defaults and validates the result.
func ParseConfig(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var file Config
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	config := DefaultConfig()
	config.merge(file)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) merge(file Config) {
	if file.DefaultPolicy != "" {
		c.DefaultPolicy = strings.ToLower(file.DefaultPolicy)
	}
	// Built-in policies merge first so new ones inherit the configured standard.
	var added []string
	for name, policy := range file.Policies {
		name = strings.ToLower(name)
		base, ok := c.Policies[name]
		if !ok {
			added = append(added, name)
			continue
		}
		c.Policies[name] = policy.inherit(base)
	}
	for _, name := range added {
		for fileName, policy := range file.Policies {
			if strings.ToLower(fileName) == name {
				c.Policies[name] = policy.inherit(c.Policies["standard"])
			}
		}
	}

	if file.Breaker.FailureThreshold != 0 {
		c.Breaker.FailureThreshold = file.Breaker.FailureThreshold
	}
	if file.Breaker.ResetTimeout != 0 {
		c.Breaker.ResetTimeout = file.Breaker.ResetTimeout
	}
	if len(file.Breaker.TripKinds) > 0 {
		c.Breaker.TripKinds = file.Breaker.TripKinds
	}

	c.RateLimit.Disabled = file.RateLimit.Disabled
	if file.RateLimit.HourlyCap != 0 {
		c.RateLimit.HourlyCap = file.RateLimit.HourlyCap
	}
	if file.RateLimit.DailyCap != 0 {
		c.RateLimit.DailyCap = file.RateLimit.DailyCap
	}

	c.Idempotency.Disabled = file.Idempotency.Disabled
	if file.Idempotency.TTL != 0 {
		c.Idempotency.TTL = file.Idempotency.TTL
	}
	if file.Idempotency.SweepInterval != 0 {
		c.Idempotency.SweepInterval = file.Idempotency.SweepInterval
	}

	c.DeadLetter.Disabled = file.DeadLetter.Disabled
	if file.DeadLetter.MaxSize != 0 {
		c.DeadLetter.MaxSize = file.DeadLetter.MaxSize
	}
	if file.DeadLetter.RetryDelay != 0 {
		c.DeadLetter.RetryDelay = file.DeadLetter.RetryDelay
	}
}

// Validate reports every problem found, joined, each wrapping ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...)))
	}

	if _, ok := c.Policies[c.DefaultPolicy]; !ok {
		invalid("default policy %q is not defined", c.DefaultPolicy)
	}

	names := make([]string, 0, len(c.Policies))
	for name := range c.Policies {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		policy := c.Policies[name].RetryPolicy()
		if err := policy.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%w: policy %q: %w", ErrInvalidConfig, name, err))
		}
	}

	if c.Breaker.FailureThreshold < 1 {
		invalid("breaker.failureThreshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.ResetTimeout <= 0 {
		invalid("breaker.resetTimeout must be positive, got %s", c.Breaker.ResetTimeout)
	}
	for _, kind := range c.Breaker.TripKinds {
		if _, ok := taxonomy[kind]; !ok {
			invalid("breaker.tripKinds: unknown error kind %q", kind)
		}
	}
	if c.RateLimit.HourlyCap < 1 {
		invalid("rateLimit.hourlyCap must be at least 1, got %d", c.RateLimit.HourlyCap)
	}
	if c.RateLimit.DailyCap < 1 {
		invalid("rateLimit.dailyCap must be at least 1, got %d", c.RateLimit.DailyCap)
	}
	if c.Idempotency.TTL <= 0 {
		invalid("idempotency.ttl must be positive, got %s", c.Idempotency.TTL)
	}
	if c.Idempotency.SweepInterval <= 0 {
		invalid("idempotency.sweepInterval must be positive, got %s", c.Idempotency.SweepInterval)
	}
	if c.DeadLetter.MaxSize < 1 {
		invalid("deadLetter.maxSize must be at least 1, got %d", c.DeadLetter.MaxSize)
	}
	if c.DeadLetter.RetryDelay <= 0 {
		invalid("deadLetter.retryDelay must be positive, got %s", c.DeadLetter.RetryDelay)
	}

	return errors.Join(errs...)
}

// Policy returns the named policy.
func (c *Config) Policy(name string) (RetryPolicy, error) {
	policy, ok := c.Policies[strings.ToLower(name)]
	if !ok {
		return RetryPolicy{}, fmt.Errorf("%w: unknown policy %q", ErrInvalidConfig, name)
	}
	return policy.RetryPolicy(), nil
}

// Components overrides the collaborators a Config cannot express.
type Components struct {
	Clock        Clock
	Observer     Observer
	Logger       *slog.Logger
	BucketStore  BucketStore
	CircuitStore CircuitStore
}

// NewPipeline builds every enabled component from c and composes them.
func (c *Config) NewPipeline(components Components) (*Pipeline, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	defaultPolicy, err := c.Policy(c.DefaultPolicy)
	if err != nil {
		return nil, err
	}

	clock := components.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	observer := components.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	logger := components.Logger
	if logger == nil {
		logger = slog.Default()
	}

	breakerOpts := []CircuitBreakerOption{
		WithFailureThreshold(c.Breaker.FailureThreshold),
		WithResetTimeout(c.Breaker.ResetTimeout),
		WithCircuitClock(clock),
		WithCircuitObserver(observer),
		WithCircuitBreakerLogger(logger),
	}
	if len(c.Breaker.TripKinds) > 0 {
		breakerOpts = append(breakerOpts, WithCircuitBreakerErrorClassifier(KindTripClassifier(c.Breaker.TripKinds)))
	}
	if components.CircuitStore != nil {
		breakerOpts = append(breakerOpts, WithCircuitStore(components.CircuitStore))
	}

	opts := []PipelineOption{
		WithDefaultPolicy(defaultPolicy),
		WithSweepInterval(c.Idempotency.SweepInterval),
		WithPipelineLogger(logger),
		WithBreakers(NewBreakerRegistry(breakerOpts...)),
		WithRetrier(NewRetrier(
			WithRetryLogger(logger),
			WithRetryObserver(observer),
		)),
	}

	if !c.RateLimit.Disabled {
		limiterOpts := []RateLimitOption{
			WithHourlyCap(c.RateLimit.HourlyCap),
			WithDailyCap(c.RateLimit.DailyCap),
			WithRateLimitClock(clock),
			WithRateLimitObserver(observer),
			WithRateLimitLogger(logger),
		}
		if components.BucketStore != nil {
			limiterOpts = append(limiterOpts, WithBucketStore(components.BucketStore))
		}
		opts = append(opts, WithRateLimiter(NewRateLimiter(limiterOpts...)))
	}

	if !c.Idempotency.Disabled {
		opts = append(opts, WithIdempotencyCache(NewIdempotencyCache(
			WithIdempotencyTTL(c.Idempotency.TTL),
			WithIdempotencyClock(clock),
			WithIdempotencyObserver(observer),
			WithIdempotencyLogger(logger),
		)))
	}

	if !c.DeadLetter.Disabled {
		opts = append(opts, WithDeadLetterStore(NewDeadLetterStore(
			WithMaxSize(c.DeadLetter.MaxSize),
			WithRetryDelay(c.DeadLetter.RetryDelay),
			WithDeadLetterClock(clock),
			WithDeadLetterObserver(observer),
			WithDeadLetterLogger(logger),
		)))
	}

	return NewPipeline(opts...), nil
}

// RetryPolicy converts the file form to a RetryPolicy. Unset pointer fields
// convert to zero.
func (p PolicyConfig) RetryPolicy() RetryPolicy {
	policy := RetryPolicy{
		MaxAttempts:       p.MaxAttempts,
		BackoffMultiplier: p.BackoffMultiplier,
		RetryableKinds:    p.RetryableKinds,
	}
	if p.InitialDelay != nil {
		policy.InitialDelay = *p.InitialDelay
	}
	if p.MaxDelay != nil {
		policy.MaxDelay = *p.MaxDelay
	}
	if p.JitterFactor != nil {
		policy.JitterFactor = *p.JitterFactor
	}
	return policy
}

func (p PolicyConfig) inherit(base PolicyConfig) PolicyConfig {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = base.MaxAttempts
	}
	if p.InitialDelay == nil {
		p.InitialDelay = base.InitialDelay
	}
	if p.MaxDelay == nil {
		p.MaxDelay = base.MaxDelay
	}
	if p.BackoffMultiplier == 0 {
		p.BackoffMultiplier = base.BackoffMultiplier
	}
	if p.JitterFactor == nil {
		p.JitterFactor = base.JitterFactor
	}
	// yaml.v3 decodes an explicit [] to an empty non-nil slice.
	if p.RetryableKinds == nil {
		p.RetryableKinds = base.RetryableKinds
	}
	return p
}

func policyConfigOf(policy RetryPolicy) PolicyConfig {
	initialDelay, maxDelay, jitter := policy.InitialDelay, policy.MaxDelay, policy.JitterFactor
	return PolicyConfig{
		MaxAttempts:       policy.MaxAttempts,
		InitialDelay:      &initialDelay,
		MaxDelay:          &maxDelay,
		BackoffMultiplier: policy.BackoffMultiplier,
		JitterFactor:      &jitter,
		RetryableKinds:    policy.RetryableKinds,
	}
}
