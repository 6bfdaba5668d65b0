package core

import (
	"math"
	"time"
)

// TokenBucket implements the token bucket rate limiting algorithm.
// It holds no state of its own: callers pass the stored BucketState in and
// persist the returned one, which keeps the algorithm usable from any store.
type TokenBucket struct {
	policy Policy
}

// NewTokenBucket creates a token bucket for the given policy.
func NewTokenBucket(policy Policy) (*TokenBucket, error) {
	policy.Strategy = StrategyTokenBucket
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	return &TokenBucket{policy: policy}, nil
}

// Policy returns the bucket's policy.
func (tb *TokenBucket) Policy() Policy {
	return tb.policy
}

// NewState returns a full bucket.
func (tb *TokenBucket) NewState(now time.Time) *BucketState {
	return &BucketState{
		Tokens:       tb.policy.Capacity,
		LastRefillAt: now,
	}
}

// Check determines if a request costing cost tokens is allowed at now.
// It returns the updated state and the check result; a nil state is treated
// as a new, full bucket.
func (tb *TokenBucket) Check(state *BucketState, cost float64, now time.Time) (*BucketState, CheckResult, error) {
	if cost <= 0 {
		return state, CheckResult{}, ErrInvalidCost
	}
	if cost > tb.policy.Capacity {
		return state, CheckResult{}, ErrCostExceedsLimit
	}

	newState := tb.refill(state, now)

	if newState.Tokens >= cost {
		newState.Tokens -= cost
		return newState, CheckResult{
			Allowed:   true,
			Remaining: newState.Tokens,
			Limit:     tb.policy.Capacity,
		}, nil
	}

	return newState, CheckResult{
		Allowed:    false,
		Remaining:  newState.Tokens,
		Limit:      tb.policy.Capacity,
		RetryAfter: tb.waitFor(newState.Tokens, cost),
	}, nil
}

// Inspect reports what a check of cost would see at now without consuming.
func (tb *TokenBucket) Inspect(state *BucketState, cost float64, now time.Time) CheckResult {
	refilled := tb.refill(state, now)
	result := CheckResult{
		Allowed:   refilled.Tokens >= cost,
		Remaining: refilled.Tokens,
		Limit:     tb.policy.Capacity,
	}
	if !result.Allowed {
		result.RetryAfter = tb.waitFor(refilled.Tokens, cost)
	}
	return result
}

// ResetAfter returns how long until the bucket is full again.
func (tb *TokenBucket) ResetAfter(state *BucketState, now time.Time) time.Duration {
	refilled := tb.refill(state, now)
	return tb.waitFor(refilled.Tokens, tb.policy.Capacity)
}

// Reconfigure moves a state to this bucket's policy, clamping tokens to capacity.
func (tb *TokenBucket) Reconfigure(state *BucketState, now time.Time) *BucketState {
	if state == nil {
		return tb.NewState(now)
	}
	out := *state
	out.Tokens = math.Min(out.Tokens, tb.policy.Capacity)
	return &out
}

// refill returns a copy of state with tokens accrued up to now.
// A clock that moves backwards adds nothing and does not rewind LastRefillAt.
func (tb *TokenBucket) refill(state *BucketState, now time.Time) *BucketState {
	if state == nil {
		return tb.NewState(now)
	}

	elapsed := now.Sub(state.LastRefillAt).Seconds()
	if elapsed <= 0 {
		return &BucketState{
			Tokens:       math.Max(0, math.Min(state.Tokens, tb.policy.Capacity)),
			LastRefillAt: state.LastRefillAt,
		}
	}

	tokens := math.Min(state.Tokens+elapsed*tb.policy.RefillRate, tb.policy.Capacity)
	return &BucketState{
		Tokens:       math.Max(0, tokens),
		LastRefillAt: now,
	}
}

func (tb *TokenBucket) waitFor(tokens, cost float64) time.Duration {
	needed := cost - tokens
	if needed <= 0 {
		return 0
	}
	seconds := needed / tb.policy.RefillRate
	return time.Duration(math.Ceil(seconds * float64(time.Second)))
}
