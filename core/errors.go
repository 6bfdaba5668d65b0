package core

import "errors"

var (
	// ErrInvalidConfig is returned when a policy cannot be used to build a limiter
	ErrInvalidConfig = errors.New("invalid configuration")

	ErrNonPositiveCapacity   = errors.New("capacity must be positive and finite")
	ErrNonPositiveRefillRate = errors.New("refill rate must be positive and finite")
	ErrNonPositiveLimit      = errors.New("limit must be positive")
	ErrNonPositiveWindow     = errors.New("window must be positive and finite")
	ErrUnknownStrategy       = errors.New("unknown strategy")

	// ErrInvalidCost is returned when a check asks for zero or negative units
	ErrInvalidCost = errors.New("cost must be positive")

	// ErrCostExceedsLimit is returned when a single check asks for more units
	// than the policy can ever grant
	ErrCostExceedsLimit = errors.New("cost exceeds policy limit")
)
