package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/ratelimiter/pkg/ratelimit"
)

// RouteExtractor names the policy a request is checked under.
type RouteExtractor func(*http.Request) string

// RateLimiter applies a ratelimit.Limiter to HTTP requests.
//
// Headers set on every limited response:
//   - X-RateLimit-Limit: bucket capacity or window limit
//   - X-RateLimit-Remaining: units left for this key
//
// and on denial:
//   - X-RateLimit-Reset: Unix time at which the request would be allowed
//   - Retry-After: seconds to wait, at least 1
type RateLimiter struct {
	limiter        *ratelimit.Limiter
	keyExtractor   KeyExtractor
	routeExtractor RouteExtractor
	logger         *zap.Logger
	now            func() time.Time
}

// Option configures a RateLimiter.
type Option func(*RateLimiter) error

// WithKeyExtractor sets how clients are identified.
func WithKeyExtractor(extractor KeyExtractor) Option {
	return func(m *RateLimiter) error {
		if extractor == nil {
			return fmt.Errorf("%w: key extractor cannot be nil", ratelimit.ErrInvalidConfig)
		}
		m.keyExtractor = extractor
		return nil
	}
}

// WithKeyExtractorConfig parses a key extractor string such as "header:X-API-Key".
func WithKeyExtractorConfig(expr string) Option {
	return func(m *RateLimiter) error {
		extractor, err := ParseKeyExtractor(expr)
		if err != nil {
			return err
		}
		m.keyExtractor = extractor
		return nil
	}
}

// WithRouteExtractor sets how a request maps to a policy name.
// By default r.URL.Path is used.
func WithRouteExtractor(fn RouteExtractor) Option {
	return func(m *RateLimiter) error {
		if fn == nil {
			return fmt.Errorf("%w: route extractor cannot be nil", ratelimit.ErrInvalidConfig)
		}
		m.routeExtractor = fn
		return nil
	}
}

// WithLogger sets the logger for limiter failures.
func WithLogger(logger *zap.Logger) Option {
	return func(m *RateLimiter) error {
		if logger != nil {
			m.logger = logger
		}
		return nil
	}
}

// New creates the middleware. Without WithKeyExtractor the limiter's
// configured key_extractor is used.
func New(limiter *ratelimit.Limiter, opts ...Option) (*RateLimiter, error) {
	if limiter == nil {
		return nil, fmt.Errorf("%w: limiter cannot be nil", ratelimit.ErrInvalidConfig)
	}

	m := &RateLimiter{
		limiter:        limiter,
		routeExtractor: func(r *http.Request) string { return r.URL.Path },
		logger:         zap.NewNop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if m.keyExtractor == nil {
		extractor, err := ParseKeyExtractor(limiter.Config().KeyExtractor)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key extractor config: %w", err)
		}
		m.keyExtractor = extractor
	}

	return m, nil
}

// Check runs the limiter for r without writing a response.
func (m *RateLimiter) Check(r *http.Request) (*ratelimit.Decision, error) {
	key, err := m.keyExtractor(r)
	if err != nil {
		return nil, err
	}
	return m.limiter.AllowPolicy(r.Context(), m.routeExtractor(r), key, 1)
}

// Middleware wraps next with rate limiting.
func (m *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision, err := m.Check(r)
		if errors.Is(err, ErrKeyExtractionFailed) {
			writeError(w, http.StatusBadRequest, "key_extraction_failed", err.Error())
			return
		}
		if err != nil {
			m.logger.Error("rate limit check failed", zap.String("path", r.URL.Path), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "rate limit check failed")
			return
		}

		SetHeaders(w, decision, m.now())

		if !decision.Allowed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error":          "rate_limit_exceeded",
				"message":        "Too many requests. Please try again later.",
				"retry_after_ms": decision.RetryAfter.Milliseconds(),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SetHeaders writes the standard rate limit headers for decision.
func SetHeaders(w http.ResponseWriter, decision *ratelimit.Decision, now time.Time) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(decision.Remaining, 0), 10))
	if decision.Degraded {
		h.Set("X-RateLimit-Degraded", "true")
	}
	if decision.Allowed {
		return
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(decision.RetryAfter).Unix(), 10))
	h.Set("Retry-After", strconv.FormatInt(RetryAfterSeconds(decision.RetryAfter), 10))
}

// RetryAfterSeconds rounds d up to whole seconds, with a minimum of 1.
func RetryAfterSeconds(d time.Duration) int64 {
	return max(int64(math.Ceil(d.Seconds())), 1)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
