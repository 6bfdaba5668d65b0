package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourusername/ratelimiter/core"
)

// Config holds the rate limiting configuration.
// It supports global defaults and named policy overrides.
type Config struct {
	// Defaults are applied to every key unless a named policy is requested
	Defaults PolicyConfig `yaml:"defaults"`

	// Policies maps policy names to their parameters. The HTTP middleware
	// uses route paths as names, e.g. "/api/login" -> strict policy.
	Policies map[string]PolicyConfig `yaml:"policies,omitempty"`

	// KeyExtractor specifies how the middleware identifies clients
	// Examples: "ip", "header:X-API-Key", "bearer"
	KeyExtractor string `yaml:"key_extractor,omitempty"`

	// CleanupAge specifies how long idle keys are kept before eviction
	// Format: "1h", "30m", "0" to disable
	CleanupAge string `yaml:"cleanup_age,omitempty"`
}

// PolicyConfig defines rate limiting parameters for a named policy or the defaults.
type PolicyConfig struct {
	// Strategy is "token_bucket" (default) or "sliding_window"
	Strategy string `yaml:"strategy,omitempty"`

	// Capacity is the maximum number of tokens (burst size)
	Capacity float64 `yaml:"capacity,omitempty"`

	// RefillRate is the number of tokens added per second
	// Example: 10.0 = 10 tokens/sec = 600 requests/minute
	RefillRate float64 `yaml:"refill_rate,omitempty"`

	// Limit is the number of events allowed per window
	Limit int `yaml:"limit,omitempty"`

	// WindowSeconds is the length of the trailing window
	WindowSeconds float64 `yaml:"window_seconds,omitempty"`

	// Enabled allows disabling rate limiting for a policy. Unset means enabled.
	Enabled *bool `yaml:"enabled,omitempty"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Defaults: PolicyConfig{
			Strategy:   string(core.StrategyTokenBucket),
			Capacity:   100,
			RefillRate: 10.0, // 600 req/min
		},
		Policies:     make(map[string]PolicyConfig),
		KeyExtractor: "ip",
		CleanupAge:   "1h",
	}
}

// LoadConfigFromFile loads configuration from a YAML file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config file: %w", ErrInvalidConfig, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse YAML: %w", ErrInvalidConfig, err)
	}

	// Apply defaults if not set
	if config.KeyExtractor == "" {
		config.KeyExtractor = "ip"
	}
	if config.CleanupAge == "" {
		config.CleanupAge = "1h"
	}
	if config.Policies == nil {
		config.Policies = make(map[string]PolicyConfig)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("invalid defaults: %w", err)
	}
	for name, policy := range c.Policies {
		if name == "" {
			return fmt.Errorf("%w: policy name cannot be empty", ErrInvalidConfig)
		}
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("invalid policy %s: %w", name, err)
		}
	}
	if _, err := c.CleanupDuration(); err != nil {
		return err
	}
	return nil
}

// CleanupDuration parses CleanupAge. Zero means idle eviction is disabled.
func (c *Config) CleanupDuration() (time.Duration, error) {
	if c.CleanupAge == "" || c.CleanupAge == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.CleanupAge)
	if err != nil {
		return 0, fmt.Errorf("%w: cleanup_age: %w", ErrInvalidConfig, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: cleanup_age cannot be negative", ErrInvalidConfig)
	}
	return d, nil
}

// GetPolicy returns the policy registered under name and whether it exists.
// Unknown names resolve to the defaults.
func (c *Config) GetPolicy(name string) (PolicyConfig, bool) {
	if policy, exists := c.Policies[name]; exists && name != "" {
		return policy, true
	}
	return c.Defaults, false
}

// SetPolicy sets a named rate limit policy.
func (c *Config) SetPolicy(name string, policy PolicyConfig) error {
	if name == "" {
		return fmt.Errorf("%w: policy name cannot be empty", ErrInvalidConfig)
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	if c.Policies == nil {
		c.Policies = make(map[string]PolicyConfig)
	}
	c.Policies[name] = policy
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Policies = make(map[string]PolicyConfig, len(c.Policies))
	for name, p := range c.Policies {
		out.Policies[name] = p
	}
	return &out
}

// Validate checks if a PolicyConfig is valid.
func (p PolicyConfig) Validate() error {
	return p.ToPolicy().Validate()
}

// IsEnabled reports whether the policy limits traffic.
func (p PolicyConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ToPolicy converts a PolicyConfig to the core policy used by the algorithms.
func (p PolicyConfig) ToPolicy() core.Policy {
	return core.Policy{
		Strategy:      core.Strategy(p.Strategy),
		Capacity:      p.Capacity,
		RefillRate:    p.RefillRate,
		Limit:         p.Limit,
		WindowSeconds: p.WindowSeconds,
	}
}

// TokenBucketPolicy is shorthand for a token bucket PolicyConfig.
func TokenBucketPolicy(capacity, refillRate float64) PolicyConfig {
	return PolicyConfig{
		Strategy:   string(core.StrategyTokenBucket),
		Capacity:   capacity,
		RefillRate: refillRate,
	}
}

// SlidingWindowPolicy is shorthand for a sliding window PolicyConfig.
func SlidingWindowPolicy(limit int, window time.Duration) PolicyConfig {
	return PolicyConfig{
		Strategy:      string(core.StrategySlidingWindow),
		Limit:         limit,
		WindowSeconds: window.Seconds(),
	}
}

// Disabled returns a copy of p that allows all traffic.
func (p PolicyConfig) Disabled() PolicyConfig {
	off := false
	p.Enabled = &off
	return p
}
