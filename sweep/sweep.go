// Package sweep evicts idle limiter keys on a cron schedule. Eviction only
// bounds memory; limiter correctness never depends on it.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultSchedule = "@every 1m"
	DefaultMaxIdle  = time.Hour
)

// Evictor removes keys idle for longer than maxIdle. *ratelimit.Limiter implements it.
type Evictor interface {
	EvictIdle(ctx context.Context, maxIdle time.Duration) (int, error)
}

// Config controls the sweep.
type Config struct {
	// Schedule is a cron expression or descriptor such as "@every 5m" or "0 * * * *".
	Schedule string

	// MaxIdle is how long a key may go unchecked before it is evicted.
	MaxIdle time.Duration
}

// Sweeper runs Evictor.EvictIdle on a schedule.
type Sweeper struct {
	evictor  Evictor
	config   Config
	schedule cron.Schedule
	logger   *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
	stop    chan struct{} // closed by Stop
	exited  chan struct{} // closed when the context watcher returns
}

// New validates the configuration and creates a stopped Sweeper. Zero
// fields in config take the package defaults.
func New(evictor Evictor, config Config, logger *zap.Logger) (*Sweeper, error) {
	if evictor == nil {
		return nil, errors.New("sweep: evictor cannot be nil")
	}
	if config.Schedule == "" {
		config.Schedule = DefaultSchedule
	}
	if config.MaxIdle == 0 {
		config.MaxIdle = DefaultMaxIdle
	}
	if config.MaxIdle < 0 {
		return nil, fmt.Errorf("sweep: max idle must be positive, got %v", config.MaxIdle)
	}

	schedule, err := cron.ParseStandard(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweep: invalid cron schedule %q: %w", config.Schedule, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Sweeper{
		evictor:  evictor,
		config:   config,
		schedule: schedule,
		logger:   logger.With(zap.String("component", "sweep")),
	}, nil
}

// Start schedules the sweep. It stops when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	c := cron.New()
	c.Schedule(s.schedule, cron.FuncJob(func() {
		s.RunOnce(ctx)
	}))
	c.Start()
	s.cron = c
	s.running = true
	stop, exited := make(chan struct{}), make(chan struct{})
	s.stop, s.exited = stop, exited

	s.logger.Info("idle key sweeper started",
		zap.String("schedule", s.config.Schedule),
		zap.Duration("max_idle", s.config.MaxIdle))

	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stop:
		}
	}()
}

// RunOnce performs one sweep and returns the number of evicted keys.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	evicted, err := s.evictor.EvictIdle(ctx, s.config.MaxIdle)
	if err != nil {
		s.logger.Error("idle key sweep failed", zap.Error(err))
		return evicted, err
	}

	if evicted > 0 {
		s.logger.Info("idle key sweep completed", zap.Int("evicted", evicted))
	} else {
		s.logger.Debug("idle key sweep completed, nothing evicted")
	}
	return evicted, nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	close(s.stop)
	s.running = false
	s.logger.Info("idle key sweeper stopped")
}

// IsRunning returns true if the sweep is scheduled.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep, or nil when stopped.
func (s *Sweeper) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
