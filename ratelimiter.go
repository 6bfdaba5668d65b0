// Package ratelimiter re-exports the main types of pkg/ratelimit and middleware
// so simple programs need a single import.
package ratelimiter

import (
	"github.com/yourusername/ratelimiter/middleware"
	"github.com/yourusername/ratelimiter/pkg/ratelimit"
)

// Re-export main types for convenience
type (
	Limiter      = ratelimit.Limiter
	Config       = ratelimit.Config
	PolicyConfig = ratelimit.PolicyConfig
	Decision     = ratelimit.Decision
	KeyState     = ratelimit.KeyState
	Option       = ratelimit.Option
	Middleware   = middleware.RateLimiter
	KeyExtractor = middleware.KeyExtractor
)

var (
	// New creates a new limiter registry
	New = ratelimit.New

	// NewMiddleware wraps a Limiter as net/http middleware
	NewMiddleware = middleware.New

	WithDefaults        = ratelimit.WithDefaults
	WithDefaultPolicy   = ratelimit.WithDefaultPolicy
	WithPolicy          = ratelimit.WithPolicy
	WithConfig          = ratelimit.WithConfig
	WithConfigFile      = ratelimit.WithConfigFile
	TokenBucketPolicy   = ratelimit.TokenBucketPolicy
	SlidingWindowPolicy = ratelimit.SlidingWindowPolicy
)
