package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/ratelimiter/core"
	"github.com/yourusername/ratelimiter/store"
)

// Recorder receives limiter events. metrics.Recorder implements it.
type Recorder interface {
	RecordDecision(key, strategy string, allowed, degraded bool, at time.Time, elapsed time.Duration)
	RecordEviction(evicted int, cutoff time.Time)
	RecordReset(key string)
	SetTrackedKeys(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDecision(string, string, bool, bool, time.Time, time.Duration) {}
func (nopRecorder) RecordEviction(int, time.Time)                                      {}
func (nopRecorder) RecordReset(string)                                                 {}
func (nopRecorder) SetTrackedKeys(int)                                                 {}

// Decision contains the result of a rate limit check.
type Decision struct {
	// Allowed indicates whether the request should be allowed (true) or denied (false)
	Allowed bool

	// Remaining is the number of whole units left after this check
	Remaining int64

	// Limit is the bucket capacity or the window limit
	Limit int64

	// RetryAfter is how long to wait before the same cost would be allowed.
	// This is 0 if Allowed is true
	RetryAfter time.Duration

	// ResetAfter is how long until the key is back at full allowance
	ResetAfter time.Duration

	// Key is the caller's key, without policy namespace
	Key string

	// Policy is the named policy that was applied, empty for the defaults
	Policy string

	// Strategy is the algorithm that made the decision
	Strategy core.Strategy

	// Degraded is set when the store failed and the limiter failed open
	Degraded bool
}

// Limiter is the limiter registry: it owns per-key limiter state in a Store
// and creates it from configuration on first use. Limiters are independent
// values; nothing is shared between two Limiters except an explicitly shared Store.
type Limiter struct {
	store         store.Store
	config        atomic.Pointer[Config]
	extraPolicies map[string]PolicyConfig
	now           func() time.Time
	logger        *zap.Logger
	recorder      Recorder
	failOpen      bool
}

// New creates a new Limiter with the given options.
// If no options are provided, it uses sensible defaults.
//
// Example:
//
//	limiter, err := ratelimit.New(
//	    ratelimit.WithDefaults(100, 10.0),  // 100 tokens, 10/sec refill
//	    ratelimit.WithPolicy("login", ratelimit.SlidingWindowPolicy(5, time.Minute)),
//	)
func New(opts ...Option) (*Limiter, error) {
	l := &Limiter{
		extraPolicies: make(map[string]PolicyConfig),
		now:           time.Now,
		logger:        zap.NewNop(),
		recorder:      nopRecorder{},
	}
	l.config.Store(NewConfig())

	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if len(l.extraPolicies) > 0 {
		config := l.Config().Clone()
		for name, policy := range l.extraPolicies {
			config.Policies[name] = policy
		}
		l.config.Store(config)
	}

	if l.store == nil {
		l.store = store.NewMemoryStore(store.DefaultShards)
	}

	return l, nil
}

// Config returns the active configuration. Callers must not modify it.
func (l *Limiter) Config() *Config {
	return l.config.Load()
}

// SetConfig validates and atomically installs a new configuration.
// Existing keys move to their new policy on their next check.
func (l *Limiter) SetConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
	}
	if err := config.Validate(); err != nil {
		return err
	}
	l.config.Store(config.Clone())
	l.logger.Info("rate limit configuration applied",
		zap.Int("policies", len(config.Policies)),
		zap.String("default_strategy", string(config.Defaults.ToPolicy().Kind())))
	return nil
}

// Allow checks one unit for key under the default policy.
func (l *Limiter) Allow(ctx context.Context, key string) (*Decision, error) {
	return l.AllowN(ctx, key, 1)
}

// AllowN checks cost units for key under the default policy.
func (l *Limiter) AllowN(ctx context.Context, key string, cost float64) (*Decision, error) {
	return l.AllowPolicy(ctx, "", key, cost)
}

// AllowPolicy checks cost units for key under the named policy. Unknown
// names fall back to the defaults. Keys checked under a named policy are
// tracked separately from the same key under the defaults.
func (l *Limiter) AllowPolicy(ctx context.Context, policyName, key string, cost float64) (*Decision, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}

	pc, named := l.Config().GetPolicy(policyName)
	if !named {
		policyName = ""
	}
	policy := normalize(pc.ToPolicy())

	decision := &Decision{
		Key:      key,
		Policy:   policyName,
		Strategy: policy.Kind(),
		Limit:    int64(math.Floor(policy.MaxUnits())),
	}

	if !pc.IsEnabled() {
		decision.Allowed = true
		decision.Remaining = decision.Limit
		return decision, nil
	}

	if err := validateCost(policy, cost); err != nil {
		return nil, err
	}

	start := time.Now()
	storeKey := StoreKey(policyName, key)
	now := l.now()

	var result core.CheckResult
	var resetAfter time.Duration
	var created bool
	_, err := l.store.Update(ctx, storeKey, func(current *store.Entry) (*store.Entry, error) {
		created = current == nil
		entry, err := l.prepare(current, storeKey, policy, now)
		if err != nil {
			return nil, err
		}
		result, resetAfter, err = check(entry, cost, now)
		if err != nil {
			return nil, err
		}
		entry.LastSeen = now
		return entry, nil
	})
	if err != nil {
		if isCallerError(err) {
			return nil, err
		}
		return l.storeFailure(decision, storeKey, err, now, start)
	}

	decision.Allowed = result.Allowed
	decision.Remaining = int64(math.Floor(result.Remaining))
	decision.RetryAfter = result.RetryAfter
	decision.ResetAfter = resetAfter

	if created {
		l.refreshTrackedKeys(ctx)
	}
	l.recorder.RecordDecision(storeKey, string(decision.Strategy), decision.Allowed, false, now, time.Since(start))

	if !decision.Allowed {
		l.logger.Debug("rate limit exceeded",
			zap.String("key", storeKey),
			zap.Float64("cost", cost),
			zap.Duration("retry_after", decision.RetryAfter))
	}

	return decision, nil
}

func (l *Limiter) storeFailure(decision *Decision, storeKey string, err error, now, start time.Time) (*Decision, error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}
	if !l.failOpen {
		l.logger.Error("rate limit store failure", zap.String("key", storeKey), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	l.logger.Warn("rate limit store failure, failing open", zap.String("key", storeKey), zap.Error(err))
	decision.Allowed = true
	decision.Degraded = true
	decision.Remaining = decision.Limit
	l.recorder.RecordDecision(storeKey, string(decision.Strategy), true, true, now, time.Since(start))
	return decision, nil
}

// GetOrCreate returns the state for key, creating it from policy when the key
// is unknown. An existing key is returned untouched, even if policy differs.
// Creation does not consume any units.
func (l *Limiter) GetOrCreate(ctx context.Context, key string, pc PolicyConfig) (*KeyState, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	policy := normalize(pc.ToPolicy())
	storeKey := StoreKey("", key)
	now := l.now()

	var created bool
	entry, err := l.store.Update(ctx, storeKey, func(current *store.Entry) (*store.Entry, error) {
		created = current == nil
		if current != nil {
			return current, store.ErrSkipWrite
		}
		return l.prepare(nil, storeKey, policy, now)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	if created {
		l.refreshTrackedKeys(ctx)
	}
	return describe(entry, now), nil
}

// Get returns the current state of key without consuming anything.
// key is the stored key as reported by Snapshot; use StoreKey to build it.
// A default-policy key without colons or backslashes is stored as is.
func (l *Limiter) Get(ctx context.Context, key string) (*KeyState, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	entry, err := l.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return describe(entry, l.now()), nil
}

// Reset forgets all state for key, so its next check starts with a full allowance.
// Like Get, it takes the stored key built by StoreKey.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	_, err := l.store.Update(ctx, key, func(current *store.Entry) (*store.Entry, error) {
		if current == nil {
			return nil, ErrUnknownKey
		}
		return nil, nil
	})
	if errors.Is(err, ErrUnknownKey) {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	l.recorder.RecordReset(key)
	l.refreshTrackedKeys(ctx)
	l.logger.Debug("rate limit key reset", zap.String("key", key))
	return nil
}

// EvictIdle removes keys that have not been checked for longer than maxIdle
// and returns how many were removed.
func (l *Limiter) EvictIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	if maxIdle <= 0 {
		return 0, fmt.Errorf("%w: max idle must be positive", ErrInvalidConfig)
	}

	cutoff := l.now().Add(-maxIdle)
	evicted, err := l.store.EvictIdle(ctx, cutoff)
	if err != nil {
		return evicted, fmt.Errorf("%w: %w", ErrStoreFailed, err)
	}

	l.recorder.RecordEviction(evicted, cutoff)
	l.refreshTrackedKeys(ctx)

	l.logger.Debug("evicted idle rate limit keys",
		zap.Int("evicted", evicted),
		zap.Duration("max_idle", maxIdle))
	return evicted, nil
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

// refreshTrackedKeys reports the store's key count to the recorder.
func (l *Limiter) refreshTrackedKeys(ctx context.Context) {
	if n, err := l.store.Count(ctx); err == nil {
		l.recorder.SetTrackedKeys(n)
	}
}

var storeKeyEscaper = strings.NewReplacer(`\`, `\\`, ":", `\:`)

// StoreKey returns the key under which state for key is kept when checked
// under policyName. Backslashes and colons in both parts are escaped with a
// backslash and the parts are joined by the first unescaped colon, so a
// default-policy key "login:alice" is stored as `login\:alice` and never
// meets key "alice" under policy "login", stored as "login:alice".
func StoreKey(policyName, key string) string {
	if policyName == "" {
		return storeKeyEscaper.Replace(key)
	}
	return storeKeyEscaper.Replace(policyName) + ":" + storeKeyEscaper.Replace(key)
}

// prepare returns an entry ready to be checked under policy: a fresh one for
// unknown keys, or current moved to policy if the configuration changed.
func (l *Limiter) prepare(current *store.Entry, key string, policy core.Policy, now time.Time) (*store.Entry, error) {
	if current == nil {
		entry := &store.Entry{
			Key:       key,
			Policy:    policy,
			CreatedAt: now,
			LastSeen:  now,
		}
		if err := resetState(entry, now); err != nil {
			return nil, err
		}
		l.logger.Debug("created rate limit state",
			zap.String("key", key),
			zap.String("strategy", string(policy.Kind())))
		return entry, nil
	}

	if current.Policy == policy {
		return current, nil
	}

	l.logger.Debug("reconfiguring rate limit state",
		zap.String("key", key),
		zap.String("from", string(current.Policy.Kind())),
		zap.String("to", string(policy.Kind())))

	sameKind := current.Policy.Kind() == policy.Kind()
	current.Policy = policy
	if !sameKind {
		return current, resetState(current, now)
	}

	switch policy.Kind() {
	case core.StrategySlidingWindow:
		sw, err := core.NewSlidingWindow(policy)
		if err != nil {
			return nil, err
		}
		current.Window = sw.Reconfigure(current.Window)
	default:
		tb, err := core.NewTokenBucket(policy)
		if err != nil {
			return nil, err
		}
		current.Bucket = tb.Reconfigure(current.Bucket, now)
	}
	return current, nil
}

// resetState gives entry a full allowance for its policy.
func resetState(entry *store.Entry, now time.Time) error {
	entry.Bucket = nil
	entry.Window = nil
	switch entry.Policy.Kind() {
	case core.StrategySlidingWindow:
		sw, err := core.NewSlidingWindow(entry.Policy)
		if err != nil {
			return err
		}
		entry.Window = sw.NewState()
	default:
		tb, err := core.NewTokenBucket(entry.Policy)
		if err != nil {
			return err
		}
		entry.Bucket = tb.NewState(now)
	}
	return nil
}

// check runs the entry's algorithm, updating the entry's state in place.
func check(entry *store.Entry, cost float64, now time.Time) (core.CheckResult, time.Duration, error) {
	switch entry.Policy.Kind() {
	case core.StrategySlidingWindow:
		sw, err := core.NewSlidingWindow(entry.Policy)
		if err != nil {
			return core.CheckResult{}, 0, err
		}
		state, result, err := sw.Check(entry.Window, int(cost), now)
		if err != nil {
			return core.CheckResult{}, 0, err
		}
		entry.Window = state
		return result, sw.ResetAfter(state, now), nil
	default:
		tb, err := core.NewTokenBucket(entry.Policy)
		if err != nil {
			return core.CheckResult{}, 0, err
		}
		state, result, err := tb.Check(entry.Bucket, cost, now)
		if err != nil {
			return core.CheckResult{}, 0, err
		}
		entry.Bucket = state
		return result, tb.ResetAfter(state, now), nil
	}
}

func validateCost(policy core.Policy, cost float64) error {
	if cost <= 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidCost, cost)
	}
	if policy.Kind() == core.StrategySlidingWindow && cost != math.Trunc(cost) {
		return fmt.Errorf("%w: sliding window cost must be a whole number, got %v", ErrInvalidCost, cost)
	}
	if cost > policy.MaxUnits() {
		return fmt.Errorf("%w: cost %v, limit %v", ErrCostExceedsLimit, cost, policy.MaxUnits())
	}
	return nil
}

func isCallerError(err error) bool {
	return errors.Is(err, ErrInvalidCost) ||
		errors.Is(err, ErrCostExceedsLimit) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidKey)
}

func normalize(p core.Policy) core.Policy {
	p.Strategy = p.Kind()
	return p
}
