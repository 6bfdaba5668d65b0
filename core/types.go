package core

import (
	"fmt"
	"math"
	"time"
)

// Strategy selects the counting algorithm for a key
type Strategy string

const (
	StrategyTokenBucket   Strategy = "token_bucket"
	StrategySlidingWindow Strategy = "sliding_window"
)

// Policy defines the rate limiting parameters for a key.
// Capacity and RefillRate apply to token buckets, Limit and WindowSeconds
// to sliding windows.
type Policy struct {
	Strategy      Strategy `json:"strategy"`
	Capacity      float64  `json:"capacity,omitempty"`       // Maximum tokens (burst size)
	RefillRate    float64  `json:"refill_rate,omitempty"`    // Tokens added per second
	Limit         int      `json:"limit,omitempty"`          // Events allowed per window
	WindowSeconds float64  `json:"window_seconds,omitempty"` // Trailing window length
}

// Kind returns the policy strategy, treating the empty value as a token bucket.
func (p Policy) Kind() Strategy {
	if p.Strategy == "" {
		return StrategyTokenBucket
	}
	return p.Strategy
}

// Window returns WindowSeconds as a duration.
func (p Policy) Window() time.Duration {
	return time.Duration(p.WindowSeconds * float64(time.Second))
}

// Validate checks the fields used by the policy's strategy.
func (p Policy) Validate() error {
	switch p.Kind() {
	case StrategyTokenBucket:
		if !positiveFinite(p.Capacity) {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrNonPositiveCapacity)
		}
		if !positiveFinite(p.RefillRate) {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrNonPositiveRefillRate)
		}
	case StrategySlidingWindow:
		if p.Limit <= 0 {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrNonPositiveLimit)
		}
		if !positiveFinite(p.WindowSeconds) {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, ErrNonPositiveWindow)
		}
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, ErrUnknownStrategy, p.Strategy)
	}
	return nil
}

// positiveFinite rejects NaN and infinities along with zero and negatives.
func positiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 1)
}

// MaxUnits is the largest cost a single check can be granted.
func (p Policy) MaxUnits() float64 {
	if p.Kind() == StrategySlidingWindow {
		return float64(p.Limit)
	}
	return p.Capacity
}

// BucketState represents the current state of a token bucket
type BucketState struct {
	Tokens       float64   `json:"tokens"`         // Current tokens available
	LastRefillAt time.Time `json:"last_refill_at"` // Last time tokens were refilled
}

// WindowState holds the accepted event timestamps of a sliding window, oldest first
type WindowState struct {
	Timestamps []time.Time `json:"timestamps"`
}

// CheckResult contains the result of a rate limit check
type CheckResult struct {
	Allowed    bool          // Whether the request is allowed
	Remaining  float64       // Units remaining after this request
	Limit      float64       // Capacity or window limit
	RetryAfter time.Duration // Wait until the same cost would succeed (if blocked)
}
