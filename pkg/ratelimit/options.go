package ratelimit

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/ratelimiter/store"
)

// Option is a functional option for configuring a Limiter.
type Option func(*Limiter) error

// WithStore sets a custom store for the limiter.
// If not provided, a sharded in-memory store is used.
func WithStore(s store.Store) Option {
	return func(l *Limiter) error {
		if s == nil {
			return fmt.Errorf("%w: store cannot be nil", ErrInvalidConfig)
		}
		l.store = s
		return nil
	}
}

// WithConfig sets the configuration for the limiter.
func WithConfig(config *Config) Option {
	return func(l *Limiter) error {
		if config == nil {
			return fmt.Errorf("%w: config cannot be nil", ErrInvalidConfig)
		}
		if err := config.Validate(); err != nil {
			return err
		}
		l.config.Store(config.Clone())
		return nil
	}
}

// WithConfigFile loads configuration from a YAML file.
func WithConfigFile(path string) Option {
	return func(l *Limiter) error {
		config, err := LoadConfigFromFile(path)
		if err != nil {
			return err
		}
		l.config.Store(config)
		return nil
	}
}

// WithDefaults sets token bucket defaults.
// This is a convenience option for basic use cases.
func WithDefaults(capacity, refillRate float64) Option {
	return WithDefaultPolicy(TokenBucketPolicy(capacity, refillRate))
}

// WithDefaultPolicy replaces the default policy, keeping the rest of the configuration.
func WithDefaultPolicy(policy PolicyConfig) Option {
	return func(l *Limiter) error {
		if err := policy.Validate(); err != nil {
			return err
		}
		config := l.Config().Clone()
		config.Defaults = policy
		l.config.Store(config)
		return nil
	}
}

// WithPolicy registers a named policy. Named policies are applied after all
// other options, so they survive a later WithConfig.
func WithPolicy(name string, policy PolicyConfig) Option {
	return func(l *Limiter) error {
		if name == "" {
			return fmt.Errorf("%w: policy name cannot be empty", ErrInvalidConfig)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("policy %s: %w", name, err)
		}
		l.extraPolicies[name] = policy
		return nil
	}
}

// WithClock overrides the time source. Tests use it to step time deterministically.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) error {
		if now == nil {
			return fmt.Errorf("%w: clock cannot be nil", ErrInvalidConfig)
		}
		l.now = now
		return nil
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) error {
		if logger != nil {
			l.logger = logger
		}
		return nil
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(l *Limiter) error {
		if r != nil {
			l.recorder = r
		}
		return nil
	}
}

// WithFailOpen allows requests when the store fails instead of returning an
// error. Such decisions are flagged Degraded.
func WithFailOpen(enabled bool) Option {
	return func(l *Limiter) error {
		l.failOpen = enabled
		return nil
	}
}
