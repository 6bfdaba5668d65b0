package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerConfig controls when BreakerStore stops calling the backend.
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32        // failures that open the circuit (default: 5)
	Timeout             time.Duration // how long the circuit stays open (default: 10s)
	MaxRequests         uint32        // probes allowed while half-open (default: 1)
}

// BreakerStore wraps a remote Store with a circuit breaker so that a dead
// backend fails fast with ErrCircuitOpen instead of blocking every request.
// Errors produced by UpdateFunc callbacks never count as backend failures.
type BreakerStore struct {
	inner Store
	cb    *gobreaker.CircuitBreaker
}

// Ensure BreakerStore implements Store interface
var _ Store = (*BreakerStore)(nil)

// callerError marks errors returned by the caller's UpdateFunc.
type callerError struct{ err error }

func (e callerError) Error() string { return e.err.Error() }
func (e callerError) Unwrap() error { return e.err }

// NewBreakerStore wraps inner. logger may be nil.
func NewBreakerStore(inner Store, cfg BreakerConfig, logger *zap.Logger) *BreakerStore {
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			var ce callerError
			return err == nil || errors.As(err, &ce) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &BreakerStore{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// State reports the breaker state ("closed", "half-open" or "open").
func (s *BreakerStore) State() string {
	return s.cb.State().String()
}

func (s *BreakerStore) execute(fn func() (interface{}, error)) (interface{}, error) {
	out, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	var ce callerError
	if errors.As(err, &ce) {
		return nil, ce.err
	}
	return out, err
}

func (s *BreakerStore) entry(fn func() (*Entry, error)) (*Entry, error) {
	out, err := s.execute(func() (interface{}, error) { return fn() })
	if err != nil {
		return nil, err
	}
	e, _ := out.(*Entry)
	return e, nil
}

func (s *BreakerStore) Get(ctx context.Context, key string) (*Entry, error) {
	return s.entry(func() (*Entry, error) { return s.inner.Get(ctx, key) })
}

func (s *BreakerStore) Update(ctx context.Context, key string, fn UpdateFunc) (*Entry, error) {
	return s.entry(func() (*Entry, error) {
		var fnErr error
		e, err := s.inner.Update(ctx, key, func(current *Entry) (*Entry, error) {
			next, err := fn(current)
			if err != nil && !errors.Is(err, ErrSkipWrite) {
				fnErr = err
			}
			return next, err
		})
		if err != nil && fnErr != nil && errors.Is(err, fnErr) {
			return nil, callerError{err: err}
		}
		return e, err
	})
}

func (s *BreakerStore) Delete(ctx context.Context, key string) error {
	_, err := s.execute(func() (interface{}, error) { return nil, s.inner.Delete(ctx, key) })
	return err
}

func (s *BreakerStore) List(ctx context.Context) ([]*Entry, error) {
	out, err := s.execute(func() (interface{}, error) { return s.inner.List(ctx) })
	if err != nil {
		return nil, err
	}
	entries, _ := out.([]*Entry)
	return entries, nil
}

// EvictIdle returns the inner store's count even when it fails part way.
func (s *BreakerStore) EvictIdle(ctx context.Context, cutoff time.Time) (int, error) {
	var evicted int
	_, err := s.execute(func() (interface{}, error) {
		n, err := s.inner.EvictIdle(ctx, cutoff)
		evicted = n
		return n, err
	})
	return evicted, err
}

func (s *BreakerStore) Count(ctx context.Context) (int, error) {
	out, err := s.execute(func() (interface{}, error) { return s.inner.Count(ctx) })
	if err != nil {
		return 0, err
	}
	return out.(int), nil
}

func (s *BreakerStore) Clear(ctx context.Context) error {
	_, err := s.execute(func() (interface{}, error) { return nil, s.inner.Clear(ctx) })
	return err
}

// Close closes the wrapped store directly.
func (s *BreakerStore) Close() error {
	return s.inner.Close()
}
