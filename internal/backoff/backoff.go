// Package backoff provides pluggable retry delay strategies for stage
// execution. All strategies are safe for concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"shortform/internal/config"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential grows the delay geometrically.
// Delay = min(Initial * Multiplier^(attempt-1), Max).
type Exponential struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial time.Duration, multiplier float64, maxDelay time.Duration) *Exponential {
	if multiplier <= 0 {
		multiplier = 2
	}
	return &Exponential{Initial: initial, Multiplier: multiplier, Max: maxDelay}
}

// Delay returns Initial * Multiplier^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(e.Multiplier, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Jitter randomizes another strategy's delay to avoid thundering herd when
// many retries land at the same instant. The delay is drawn uniformly from
// [base/2, base] so retries stay spread out but never fire immediately.
type Jitter struct {
	Base Strategy
}

// NewJitter wraps a strategy with jitter.
func NewJitter(base Strategy) *Jitter {
	return &Jitter{Base: base}
}

// Delay returns a random duration in [base/2, base].
func (j *Jitter) Delay(attempt int) time.Duration {
	base := j.Base.Delay(attempt)
	if base <= 0 {
		return 0
	}
	half := base / 2
	return half + time.Duration(rand.Float64()*float64(base-half)) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// FromPolicy builds the standard stage strategy (jittered exponential) from
// a config retry policy.
func FromPolicy(policy config.Retry) Strategy {
	initial := time.Duration(policy.BaseDelaySeconds) * time.Second
	maxDelay := time.Duration(policy.MaxDelaySeconds) * time.Second
	return NewJitter(NewExponential(initial, policy.Multiplier, maxDelay))
}

// Default returns the fallback strategy: jittered exponential with 2s
// initial, doubling, and 1m cap.
func Default() Strategy {
	return NewJitter(NewExponential(2*time.Second, 2, time.Minute))
}
