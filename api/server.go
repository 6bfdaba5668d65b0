package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/yourusername/ratelimiter/metrics"
	"github.com/yourusername/ratelimiter/pkg/ratelimit"
)

// RequestIDHeader carries the request ID on requests and responses.
const RequestIDHeader = "X-Request-ID"

// StatsProvider supplies the snapshot served on /v1/stats.
type StatsProvider interface {
	Snapshot() *metrics.Snapshot
}

// Server serves the rate limiter over HTTP.
type Server struct {
	limiter  *ratelimit.Limiter
	stats    StatsProvider
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	version  string
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithStats sets the provider for /v1/stats.
func WithStats(stats StatsProvider) Option {
	return func(s *Server) { s.stats = stats }
}

// WithGatherer sets the Prometheus gatherer scraped on /metrics.
// Defaults to prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithClock overrides the clock used for reset timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer creates a Server in front of limiter.
func NewServer(limiter *ratelimit.Limiter, opts ...Option) *Server {
	s := &Server{
		limiter:  limiter,
		gatherer: prometheus.DefaultGatherer,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the mux router with all routes registered.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter().UseEncodedPath()

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/check", s.CheckRateLimit).Methods(http.MethodPost)
	v1.HandleFunc("/keys", s.ListKeys).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{key:.+}", s.GetKey).Methods(http.MethodGet)
	v1.HandleFunc("/keys/{key:.+}", s.ResetKey).Methods(http.MethodDelete)
	v1.HandleFunc("/evict", s.EvictIdle).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.Stats).Methods(http.MethodGet)

	r.Handle("/metrics", s.prometheusHandler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.Health).Methods(http.MethodGet)
	r.HandleFunc("/dashboard", dashboardHandler).Methods(http.MethodGet)
	r.HandleFunc("/", s.Root).Methods(http.MethodGet)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusNotFound, "not_found", "No route for "+r.URL.Path)
	})
	methodNotAllowed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendError(w, http.StatusMethodNotAllowed, "method_not_allowed", r.Method+" is not allowed on "+r.URL.Path)
	})
	// Subrouters answer for their prefix, so they need the handlers too.
	for _, router := range []*mux.Router{r, v1} {
		router.NotFoundHandler = notFound
		router.MethodNotAllowedHandler = methodNotAllowed
	}
	return r
}

// Handler returns the router wrapped with request ID and logging middleware.
func (s *Server) Handler() http.Handler {
	return s.requestID(s.logRequests(s.Router()))
}

type requestIDKey struct{}

// RequestID returns the request ID stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug("request handled",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", RequestID(r.Context())))
	})
}
