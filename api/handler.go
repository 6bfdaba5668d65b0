package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/yourusername/ratelimiter/middleware"
	"github.com/yourusername/ratelimiter/pkg/ratelimit"
)

// DefaultMaxIdle is used by /v1/evict when neither the request nor the
// config names an idle threshold.
const DefaultMaxIdle = time.Hour

// CheckRequest represents the incoming rate limit check request
type CheckRequest struct {
	Key    string   `json:"key"`              // Required: caller-defined key (user ID, API key, IP)
	Cost   *float64 `json:"cost,omitempty"`   // Optional: units to consume, defaults to 1
	Policy string   `json:"policy,omitempty"` // Optional: named policy from the config
}

// CheckResponse represents the rate limit check response
type CheckResponse struct {
	Allowed      bool   `json:"allowed"`
	Remaining    int64  `json:"remaining"`
	Limit        int64  `json:"limit"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"` // Milliseconds until retry (if blocked)
	ResetAt      int64  `json:"reset_at"`                 // Unix timestamp when the key is back at full allowance
	Strategy     string `json:"strategy"`
	Key          string `json:"key"`
	Policy       string `json:"policy,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
}

// EvictResponse is returned by /v1/evict.
type EvictResponse struct {
	Evicted int    `json:"evicted"`
	MaxIdle string `json:"max_idle"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// CheckRateLimit handles POST /v1/check requests
func (s *Server) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	var req CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	if req.Key == "" {
		sendError(w, http.StatusBadRequest, "missing_key", "key is required")
		return
	}

	cost := 1.0
	if req.Cost != nil {
		cost = *req.Cost
	}

	decision, err := s.limiter.AllowPolicy(r.Context(), req.Policy, req.Key, cost)
	if err != nil {
		s.sendLimiterError(w, r, err)
		return
	}

	now := s.now()
	response := CheckResponse{
		Allowed:   decision.Allowed,
		Remaining: decision.Remaining,
		Limit:     decision.Limit,
		ResetAt:   now.Add(decision.ResetAfter).Unix(),
		Strategy:  string(decision.Strategy),
		Key:       decision.Key,
		Policy:    decision.Policy,
		Degraded:  decision.Degraded,
	}
	if !decision.Allowed {
		response.RetryAfterMs = max(decision.RetryAfter.Milliseconds(), 1)
	}

	statusCode := http.StatusOK
	if !decision.Allowed {
		statusCode = http.StatusTooManyRequests
	}

	middleware.SetHeaders(w, decision, now)
	sendJSON(w, statusCode, response)
}

// ListKeys handles GET /v1/keys
func (s *Server) ListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.limiter.Snapshot(r.Context())
	if err != nil {
		s.sendLimiterError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, ratelimit.DumpDocument{
		GeneratedAt: s.now().UTC(),
		Keys:        keys,
	})
}

// GetKey handles GET /v1/keys/{key}
func (s *Server) GetKey(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	state, err := s.limiter.Get(r.Context(), key)
	if err != nil {
		s.sendLimiterError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, state)
}

// ResetKey handles DELETE /v1/keys/{key}
func (s *Server) ResetKey(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}
	if err := s.limiter.Reset(r.Context(), key); err != nil {
		s.sendLimiterError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EvictIdle handles POST /v1/evict?max_idle=30m
func (s *Server) EvictIdle(w http.ResponseWriter, r *http.Request) {
	maxIdle, err := s.limiter.Config().CleanupDuration()
	if err != nil || maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	if raw := r.URL.Query().Get("max_idle"); raw != "" {
		maxIdle, err = time.ParseDuration(raw)
		if err != nil {
			sendError(w, http.StatusBadRequest, "invalid_max_idle", "max_idle must be a duration such as 30m")
			return
		}
	}

	evicted, err := s.limiter.EvictIdle(r.Context(), maxIdle)
	if err != nil {
		s.sendLimiterError(w, r, err)
		return
	}

	s.logger.Info("evicted idle keys via api",
		zap.Int("evicted", evicted),
		zap.Duration("max_idle", maxIdle),
		zap.String("request_id", RequestID(r.Context())))
	sendJSON(w, http.StatusOK, EvictResponse{Evicted: evicted, MaxIdle: maxIdle.String()})
}

// Health handles GET /health
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	body := map[string]string{
		"status":  "healthy",
		"service": "ratelimiter",
	}
	if s.version != "" {
		body["version"] = s.version
	}
	sendJSON(w, http.StatusOK, body)
}

// Root handles GET / with a list of endpoints.
func (s *Server) Root(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"service": "ratelimiter",
		"version": s.version,
		"endpoints": map[string]string{
			"POST /v1/check":        "Check if a request is allowed",
			"GET /v1/keys":          "State of all keys",
			"GET /v1/keys/{key}":    "State of one key",
			"DELETE /v1/keys/{key}": "Reset one key",
			"POST /v1/evict":        "Evict idle keys",
			"GET /v1/stats":         "Request statistics (JSON)",
			"GET /metrics":          "Prometheus metrics",
			"GET /dashboard":        "Dashboard (HTML)",
			"GET /health":           "Health check",
		},
	})
}

func pathKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(mux.Vars(r)["key"])
	if err != nil || key == "" {
		sendError(w, http.StatusBadRequest, "invalid_key", "key must be a non-empty escaped path segment")
		return "", false
	}
	return key, true
}

func (s *Server) sendLimiterError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("rate limiter request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err))
	}
	sendError(w, status, code, err.Error())
}

// errorStatus maps limiter errors to an HTTP status and error code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ratelimit.ErrUnknownKey):
		return http.StatusNotFound, "unknown_key"
	case errors.Is(err, ratelimit.ErrInvalidKey):
		return http.StatusBadRequest, "invalid_key"
	case errors.Is(err, ratelimit.ErrCostExceedsLimit):
		return http.StatusBadRequest, "cost_exceeds_limit"
	case errors.Is(err, ratelimit.ErrInvalidCost):
		return http.StatusBadRequest, "invalid_cost"
	case errors.Is(err, ratelimit.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_configuration"
	case errors.Is(err, ratelimit.ErrStoreFailed):
		return http.StatusServiceUnavailable, "store_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func sendError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	sendJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
