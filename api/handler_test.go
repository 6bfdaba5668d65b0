package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yourusername/ratelimiter/metrics"
	"github.com/yourusername/ratelimiter/pkg/ratelimit"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	handler  http.Handler
	limiter  *ratelimit.Limiter
	recorder *metrics.Recorder
	clock    *testClock
}

func newTestEnv(t *testing.T, opts ...ratelimit.Option) *testEnv {
	t.Helper()

	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)

	opts = append([]ratelimit.Option{
		ratelimit.WithClock(clock.Now),
		ratelimit.WithRecorder(recorder),
		ratelimit.WithDefaults(5, 1),
	}, opts...)
	limiter, err := ratelimit.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { limiter.Close() })

	srv := NewServer(limiter,
		WithStats(recorder),
		WithGatherer(reg),
		WithLogger(zaptest.NewLogger(t)),
		WithVersion("test"),
		WithClock(clock.Now))

	return &testEnv{handler: srv.Handler(), limiter: limiter, recorder: recorder, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) check(t *testing.T, req CheckRequest) (*httptest.ResponseRecorder, CheckResponse) {
	t.Helper()
	w := e.do(t, http.MethodPost, "/v1/check", req)
	var resp CheckResponse
	if w.Code == http.StatusOK || w.Code == http.StatusTooManyRequests {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	}
	return w, resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestCheckRateLimit_AllowsRequests(t *testing.T) {
	env := newTestEnv(t)

	w, resp := env.check(t, CheckRequest{Key: "test-user"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Allowed)
	assert.Equal(t, int64(5), resp.Limit)
	assert.Equal(t, int64(4), resp.Remaining)
	assert.Equal(t, "token_bucket", resp.Strategy)
	assert.Equal(t, "test-user", resp.Key)
	assert.Zero(t, resp.RetryAfterMs)
	assert.Equal(t, env.clock.Now().Add(time.Second).Unix(), resp.ResetAt)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
}

func TestCheckRateLimit_BlocksWhenExceeded(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		w, _ := env.check(t, CheckRequest{Key: "test-user"})
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w, resp := env.check(t, CheckRequest{Key: "test-user"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.False(t, resp.Allowed)
	assert.Equal(t, int64(1000), resp.RetryAfterMs)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	env.clock.Advance(time.Second)
	w, resp = env.check(t, CheckRequest{Key: "test-user"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Allowed)
}

func TestCheckRateLimit_Cost(t *testing.T) {
	env := newTestEnv(t)
	cost := 3.0

	w, resp := env.check(t, CheckRequest{Key: "batch", Cost: &cost})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(2), resp.Remaining)

	w, resp = env.check(t, CheckRequest{Key: "batch", Cost: &cost})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, int64(1000), resp.RetryAfterMs)
}

func TestCheckRateLimit_NamedPolicy(t *testing.T) {
	env := newTestEnv(t, ratelimit.WithPolicy("search", ratelimit.SlidingWindowPolicy(3, 10*time.Second)))

	for i := 0; i < 3; i++ {
		w, resp := env.check(t, CheckRequest{Key: "alice", Policy: "search"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "sliding_window", resp.Strategy)
		assert.Equal(t, "search", resp.Policy)
	}

	env.clock.Advance(time.Second)
	w, _ := env.check(t, CheckRequest{Key: "alice", Policy: "search"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// The default policy tracks alice separately.
	w, _ = env.check(t, CheckRequest{Key: "alice"})
	assert.Equal(t, http.StatusOK, w.Code)

	env.clock.Advance(10 * time.Second)
	w, _ = env.check(t, CheckRequest{Key: "alice", Policy: "search"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckRateLimit_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	negative := -1.0
	huge := 50.0

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{"invalid json", "{", "invalid_request"},
		{"missing key", `{}`, "missing_key"},
		{"negative cost", mustJSON(t, CheckRequest{Key: "k", Cost: &negative}), "invalid_cost"},
		{"cost above capacity", mustJSON(t, CheckRequest{Key: "k", Cost: &huge}), "cost_exceeds_limit"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			env.handler.ServeHTTP(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Error)
		})
	}
}

func TestCheckRateLimit_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/v1/check", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "method_not_allowed", decodeError(t, w).Error)
}

func TestRouter_V1ErrorsUseJSON(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		method, path string
		status       int
		code         string
	}{
		{http.MethodGet, "/v1/check", http.StatusMethodNotAllowed, "method_not_allowed"},
		{http.MethodPut, "/v1/keys/bob", http.StatusMethodNotAllowed, "method_not_allowed"},
		{http.MethodGet, "/v1/evict", http.StatusMethodNotAllowed, "method_not_allowed"},
		{http.MethodGet, "/v1/nothing", http.StatusNotFound, "not_found"},
		{http.MethodGet, "/nothing", http.StatusNotFound, "not_found"},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed, "method_not_allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Error)
		})
	}
}

func TestKeys(t *testing.T) {
	env := newTestEnv(t, ratelimit.WithPolicy("api", ratelimit.TokenBucketPolicy(10, 1)))
	env.check(t, CheckRequest{Key: "bob"})
	env.check(t, CheckRequest{Key: "alice", Policy: "api"})

	t.Run("list", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/keys", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var doc ratelimit.DumpDocument
		require.NoError(t, json.NewDecoder(w.Body).Decode(&doc))
		require.Len(t, doc.Keys, 2)
		assert.Equal(t, "api:alice", doc.Keys[0].Key)
		assert.Equal(t, "bob", doc.Keys[1].Key)
	})

	t.Run("get", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/keys/bob", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var state ratelimit.KeyState
		require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
		assert.Equal(t, "bob", state.Key)
		assert.Equal(t, 4.0, state.Remaining)
		assert.Equal(t, 5.0, state.Limit)
	})

	t.Run("get namespaced", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/keys/api:alice", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("get unknown", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/v1/keys/nobody", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "unknown_key", decodeError(t, w).Error)
	})

	t.Run("reset", func(t *testing.T) {
		w := env.do(t, http.MethodDelete, "/v1/keys/bob", nil)
		assert.Equal(t, http.StatusNoContent, w.Code)

		w = env.do(t, http.MethodGet, "/v1/keys/bob", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = env.do(t, http.MethodDelete, "/v1/keys/bob", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestKeys_EscapedPath(t *testing.T) {
	env := newTestEnv(t)
	env.check(t, CheckRequest{Key: "tenant/42"})

	w := env.do(t, http.MethodGet, "/v1/keys/tenant%2F42", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var state ratelimit.KeyState
	require.NoError(t, json.NewDecoder(w.Body).Decode(&state))
	assert.Equal(t, "tenant/42", state.Key)
}

func TestEvictIdle(t *testing.T) {
	env := newTestEnv(t)
	env.check(t, CheckRequest{Key: "old"})
	env.clock.Advance(45 * time.Minute)
	env.check(t, CheckRequest{Key: "new"})

	w := env.do(t, http.MethodPost, "/v1/evict?max_idle=30m", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp EvictResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Evicted)
	assert.Equal(t, "30m0s", resp.MaxIdle)

	w = env.do(t, http.MethodGet, "/v1/keys/old", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/v1/keys/new", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEvictIdle_DefaultsToCleanupAge(t *testing.T) {
	env := newTestEnv(t)
	env.check(t, CheckRequest{Key: "k"})
	env.clock.Advance(30 * time.Minute)

	w := env.do(t, http.MethodPost, "/v1/evict", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp EvictResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Evicted)
	assert.Equal(t, "1h0m0s", resp.MaxIdle)
}

func TestEvictIdle_InvalidMaxIdle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/evict?max_idle=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_max_idle", decodeError(t, w).Error)

	w = env.do(t, http.MethodPost, "/v1/evict?max_idle=-5m", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_configuration", decodeError(t, w).Error)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 6; i++ {
		env.check(t, CheckRequest{Key: "busy"})
	}
	env.check(t, CheckRequest{Key: "quiet"})

	w := env.do(t, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	var snap metrics.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, int64(7), snap.TotalRequests)
	assert.Equal(t, int64(6), snap.AllowedRequests)
	assert.Equal(t, int64(1), snap.BlockedRequests)
	assert.Equal(t, int64(2), snap.UniqueClients)
	require.Len(t, snap.TopClients, 2)
	assert.Equal(t, "busy", snap.TopClients[0].Key)
}

func TestStats_Unavailable(t *testing.T) {
	limiter, err := ratelimit.New()
	require.NoError(t, err)

	w := httptest.NewRecorder()
	NewServer(limiter).Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPrometheusMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.check(t, CheckRequest{Key: "k"})

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `ratelimiter_decisions_total{result="allowed",strategy="token_bucket"} 1`)
}

func TestHealthAndDashboard(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "test", health["version"])

	w = env.do(t, http.MethodGet, "/dashboard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), "/v1/stats")

	w = env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", nil)
	generated := w.Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	w = httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))

	w = env.do(t, http.MethodGet, "/nope", nil)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{ratelimit.ErrUnknownKey, http.StatusNotFound, "unknown_key"},
		{ratelimit.ErrInvalidKey, http.StatusBadRequest, "invalid_key"},
		{ratelimit.ErrInvalidConfig, http.StatusBadRequest, "invalid_configuration"},
		{ratelimit.ErrStoreFailed, http.StatusServiceUnavailable, "store_unavailable"},
		{assert.AnError, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}
