package guard

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RetryPolicy bounds a retry loop. It is an immutable value: build it once and
// share it across calls.
type RetryPolicy struct {
	// MaxAttempts is the total number of invocations, including the first. At least 1.
	MaxAttempts int

	// InitialDelay is the base delay before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the base delay before jitter is added.
	MaxDelay time.Duration

	// BackoffMultiplier grows the base delay per attempt. Must be greater than 1.
	BackoffMultiplier float64

	// JitterFactor adds up to JitterFactor*delay of uniform random delay. In [0, 1].
	JitterFactor float64

	// RetryableKinds, when non-empty, is the exhaustive list of kinds worth
	// retrying. When empty the error's own retryable flag decides.
	RetryableKinds []ErrorKind
}

// Named policies. Values are defaults; copy and adjust rather than mutate.
var (
	PolicyCritical = RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.1,
	}

	PolicyStandard = RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          3 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.1,
	}

	PolicyFast = RetryPolicy{
		MaxAttempts:       2,
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          500 * time.Millisecond,
		BackoffMultiplier: 2,
		JitterFactor:      0.1,
	}

	PolicyScheduled = RetryPolicy{
		MaxAttempts:       4,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 3,
		JitterFactor:      0.2,
	}
)

// PolicyByName returns one of the named policies ("critical", "standard",
// "fast", "scheduled"), case-insensitively.
func PolicyByName(name string) (RetryPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "critical":
		return PolicyCritical, true
	case "standard":
		return PolicyStandard, true
	case "fast":
		return PolicyFast, true
	case "scheduled":
		return PolicyScheduled, true
	default:
		return RetryPolicy{}, false
	}
}

// Validate checks the policy bounds.
func (p RetryPolicy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts %d < 1", ErrInvalidPolicy, p.MaxAttempts)
	case p.InitialDelay < 0:
		return fmt.Errorf("%w: negative initial delay", ErrInvalidPolicy)
	case p.MaxDelay < p.InitialDelay:
		return fmt.Errorf("%w: max delay %s below initial delay %s", ErrInvalidPolicy, p.MaxDelay, p.InitialDelay)
	case p.BackoffMultiplier <= 1:
		return fmt.Errorf("%w: multiplier %.2f must exceed 1", ErrInvalidPolicy, p.BackoffMultiplier)
	case p.JitterFactor < 0 || p.JitterFactor > 1:
		return fmt.Errorf("%w: jitter factor %.2f outside [0,1]", ErrInvalidPolicy, p.JitterFactor)
	}
	for _, kind := range p.RetryableKinds {
		if _, ok := taxonomy[kind]; !ok {
			return fmt.Errorf("%w: unknown retryable kind %q", ErrInvalidPolicy, kind)
		}
	}
	return nil
}

// BaseDelay is the delay before attempt+1 without jitter:
// min(InitialDelay * BackoffMultiplier^(attempt-1), MaxDelay).
func (p RetryPolicy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Delay adds jitter to BaseDelay. u is a uniform sample in [0, 1); values
// outside that range are clamped.
func (p RetryPolicy) Delay(attempt int, u float64) time.Duration {
	base := p.BaseDelay(attempt)
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	jitter := float64(base) * p.JitterFactor * u
	return base + time.Duration(jitter)
}

// Retryable decides whether err is worth another attempt under this policy.
// It looks only at the error; Run separately stops once its own context is
// done, so an operation's per-attempt timeout is retried like any other
// unavailable dependency.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}

	classified := AsError(err)
	if len(p.RetryableKinds) > 0 {
		for _, kind := range p.RetryableKinds {
			if classified.Kind == kind {
				return true
			}
		}
		return false
	}
	return classified.Retryable
}
