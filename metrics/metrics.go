package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TopKeys is how many keys a Snapshot lists.
const TopKeys = 10

// Recorder tracks rate limiting statistics. It exports aggregate Prometheus
// collectors and keeps per-key counters in process for the stats endpoint;
// keys never become Prometheus labels.
type Recorder struct {
	decisions     *prometheus.CounterVec
	evictions     prometheus.Counter
	trackedKeys   prometheus.Gauge
	checkDuration *prometheus.HistogramVec

	totalRequests    atomic.Int64
	allowedRequests  atomic.Int64
	blockedRequests  atomic.Int64
	degradedRequests atomic.Int64
	evictedKeys      atomic.Int64

	// Per-key stats
	mu        sync.RWMutex
	keyStats  map[string]*KeyStats
	startTime time.Time
}

// KeyStats tracks statistics for a specific key
type KeyStats struct {
	Key             string    `json:"key"`
	TotalRequests   int64     `json:"total_requests"`
	AllowedRequests int64     `json:"allowed_requests"`
	BlockedRequests int64     `json:"blocked_requests"`
	FirstRequestAt  time.Time `json:"first_request_at"`
	LastRequestAt   time.Time `json:"last_request_at"`
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	TotalRequests    int64       `json:"total_requests"`
	AllowedRequests  int64       `json:"allowed_requests"`
	BlockedRequests  int64       `json:"blocked_requests"`
	DegradedRequests int64       `json:"degraded_requests"`
	EvictedKeys      int64       `json:"evicted_keys"`
	UniqueClients    int64       `json:"unique_clients"`
	TopClients       []*KeyStats `json:"top_clients"`
	UptimeSeconds    int64       `json:"uptime_seconds"`
	StartTime        time.Time   `json:"start_time"`
}

// NewRecorder creates a recorder whose collectors are registered on reg.
// A nil reg leaves the collectors unregistered.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)

	return &Recorder{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimiter_decisions_total",
				Help: "Total number of rate limit decisions",
			},
			[]string{"strategy", "result"},
		),

		evictions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ratelimiter_evictions_total",
				Help: "Total number of idle keys evicted",
			},
		),

		trackedKeys: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratelimiter_tracked_keys",
				Help: "Number of keys with limiter state, refreshed on key creation, reset, eviction and snapshot",
			},
		),

		checkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratelimiter_check_duration_seconds",
				Help:    "Duration of rate limit checks including the store round trip",
				Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"strategy"},
		),

		keyStats:  make(map[string]*KeyStats),
		startTime: time.Now(),
	}
}

// RecordDecision records a rate limit check for key made at at.
func (m *Recorder) RecordDecision(key, strategy string, allowed, degraded bool, at time.Time, elapsed time.Duration) {
	result := "denied"
	switch {
	case degraded:
		result = "degraded"
		m.degradedRequests.Add(1)
	case allowed:
		result = "allowed"
	}
	m.decisions.WithLabelValues(strategy, result).Inc()
	m.checkDuration.WithLabelValues(strategy).Observe(elapsed.Seconds())

	m.totalRequests.Add(1)
	if allowed {
		m.allowedRequests.Add(1)
	} else {
		m.blockedRequests.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats, exists := m.keyStats[key]
	if !exists {
		stats = &KeyStats{Key: key, FirstRequestAt: at}
		m.keyStats[key] = stats
	}
	stats.TotalRequests++
	if allowed {
		stats.AllowedRequests++
	} else {
		stats.BlockedRequests++
	}
	stats.LastRequestAt = at
}

// RecordEviction counts evicted keys and drops stats of keys idle since before cutoff.
func (m *Recorder) RecordEviction(evicted int, cutoff time.Time) {
	m.evictions.Add(float64(evicted))
	m.evictedKeys.Add(int64(evicted))

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, stats := range m.keyStats {
		if stats.LastRequestAt.Before(cutoff) {
			delete(m.keyStats, key)
		}
	}
}

// RecordReset drops the stats of a key whose state was reset.
func (m *Recorder) RecordReset(key string) {
	m.Forget(key)
}

// Forget drops the per-key stats of key.
func (m *Recorder) Forget(key string) {
	m.mu.Lock()
	delete(m.keyStats, key)
	m.mu.Unlock()
}

// SetTrackedKeys sets the tracked keys gauge.
func (m *Recorder) SetTrackedKeys(n int) {
	m.trackedKeys.Set(float64(n))
}

// Snapshot returns a snapshot of current metrics with the busiest keys first.
func (m *Recorder) Snapshot() *Snapshot {
	m.mu.RLock()
	top := make([]*KeyStats, 0, len(m.keyStats))
	for _, stats := range m.keyStats {
		copied := *stats
		top = append(top, &copied)
	}
	unique := int64(len(m.keyStats))
	m.mu.RUnlock()

	sort.Slice(top, func(i, j int) bool {
		if top[i].TotalRequests != top[j].TotalRequests {
			return top[i].TotalRequests > top[j].TotalRequests
		}
		return top[i].Key < top[j].Key
	})
	if len(top) > TopKeys {
		top = top[:TopKeys]
	}

	return &Snapshot{
		TotalRequests:    m.totalRequests.Load(),
		AllowedRequests:  m.allowedRequests.Load(),
		BlockedRequests:  m.blockedRequests.Load(),
		DegradedRequests: m.degradedRequests.Load(),
		EvictedKeys:      m.evictedKeys.Load(),
		UniqueClients:    unique,
		TopClients:       top,
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		StartTime:        m.startTime,
	}
}
