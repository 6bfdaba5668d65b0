package ratelimit

import (
	"errors"

	"github.com/yourusername/ratelimiter/core"
	"github.com/yourusername/ratelimiter/store"
)

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = core.ErrInvalidConfig

	// ErrInvalidCost is returned when a check asks for zero, negative or
	// (for sliding windows) fractional units
	ErrInvalidCost = core.ErrInvalidCost

	// ErrCostExceedsLimit is returned when a single check asks for more units
	// than the policy can ever grant
	ErrCostExceedsLimit = core.ErrCostExceedsLimit

	// ErrInvalidKey is returned when the rate limit key is empty
	ErrInvalidKey = store.ErrInvalidKey

	// ErrUnknownKey is returned by lookups that require an existing key
	ErrUnknownKey = errors.New("unknown key")

	// ErrStoreFailed is returned when store operations fail
	ErrStoreFailed = errors.New("store operation failed")
)
