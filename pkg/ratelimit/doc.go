// Package ratelimit is the limiter registry: it maps caller-defined keys to
// token bucket or sliding window state and decides whether each unit of work
// is allowed.
//
// # Quick Start
//
//	limiter, err := ratelimit.New(
//	    ratelimit.WithDefaults(100, 10.0), // 100 tokens, 10/sec refill
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	decision, err := limiter.Allow(ctx, "user-123")
//	if err == nil && !decision.Allowed {
//	    fmt.Printf("Rate limited. Retry after %v\n", decision.RetryAfter)
//	}
//
// # Configuration
//
// Example YAML configuration:
//
//	defaults:
//	  strategy: token_bucket
//	  capacity: 100
//	  refill_rate: 10.0
//
//	policies:
//	  "/api/login":
//	    strategy: sliding_window
//	    limit: 5
//	    window_seconds: 60
//
//	key_extractor: "ip"
//	cleanup_age: "1h"
//
// Keys checked under a named policy are stored as "<policy>:<key>".
//
// # Storage
//
// State lives in a store.Store. The default is a sharded in-memory store;
// Redis and SQLite stores share or persist state across processes. Every
// check is one atomic read-modify-write of a single key, so concurrent
// checks of one key are serialized and checks of different keys are not.
package ratelimit
