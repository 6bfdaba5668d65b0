package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/ratelimiter/core"
	"github.com/yourusername/ratelimiter/middleware"
	"github.com/yourusername/ratelimiter/pkg/ratelimit"
)

type checkOptions struct {
	capacity   float64
	refillRate float64
	strategy   string
	limit      int
	window     time.Duration
	cost       float64
	policy     string
	json       bool
}

// checkOutput is printed by check --json.
type checkOutput struct {
	Key          string `json:"key"`
	Policy       string `json:"policy,omitempty"`
	Strategy     string `json:"strategy"`
	Allowed      bool   `json:"allowed"`
	Remaining    int64  `json:"remaining"`
	Limit        int64  `json:"limit"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Degraded     bool   `json:"degraded,omitempty"`
}

func newCheckCmd(g *globalOptions) *cobra.Command {
	opts := &checkOptions{}

	cmd := &cobra.Command{
		Use:   "check <key>",
		Short: "Consume units for a key and print ALLOWED or DENIED",
		Long: `Check consumes --cost units for key and prints ALLOWED (exit 0) or
DENIED (exit 1). Invalid configuration exits 2.

With the memory store every invocation starts from a full allowance; use
--store redis or --store sqlite to share state between invocations.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, g, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.Float64Var(&opts.capacity, "capacity", 0, "Token bucket capacity (overrides the configured default)")
	flags.Float64Var(&opts.refillRate, "refill-rate", 0, "Token bucket refill rate in tokens per second")
	flags.StringVar(&opts.strategy, "strategy", "", "Default strategy (token_bucket|sliding_window)")
	flags.IntVar(&opts.limit, "limit", 0, "Sliding window limit")
	flags.DurationVar(&opts.window, "window", 0, "Sliding window length, e.g. 10s")
	flags.Float64Var(&opts.cost, "cost", 1, "Units to consume")
	flags.StringVar(&opts.policy, "policy", "", "Named policy from --config")
	flags.BoolVar(&opts.json, "json", false, "Print the decision as JSON")
	return cmd
}

func runCheck(cmd *cobra.Command, g *globalOptions, opts *checkOptions, key string) error {
	config, err := g.loadConfig()
	if err != nil {
		return err
	}
	if err := applyDefaultOverrides(cmd, config, opts); err != nil {
		return err
	}

	ctx := cmd.Context()
	limiter, err := g.newLimiter(ctx, config, nil)
	if err != nil {
		return err
	}
	defer limiter.Close()

	decision, err := limiter.AllowPolicy(ctx, opts.policy, key, opts.cost)
	if err != nil {
		return err
	}

	g.logger.Debug("check finished",
		zap.String("key", key),
		zap.Bool("allowed", decision.Allowed),
		zap.Int64("remaining", decision.Remaining))

	if err := printDecision(g, opts, decision); err != nil {
		return err
	}
	if !decision.Allowed {
		return errDenied
	}
	return nil
}

// applyDefaultOverrides folds the policy flags the user set into the defaults.
func applyDefaultOverrides(cmd *cobra.Command, config *ratelimit.Config, opts *checkOptions) error {
	flags := cmd.Flags()
	defaults := config.Defaults

	if flags.Changed("strategy") {
		if defaults.Strategy != opts.strategy {
			defaults = ratelimit.PolicyConfig{Strategy: opts.strategy, Enabled: defaults.Enabled}
		}
	}
	if flags.Changed("limit") || flags.Changed("window") {
		defaults.Strategy = string(core.StrategySlidingWindow)
	}
	if flags.Changed("capacity") {
		defaults.Capacity = opts.capacity
	}
	if flags.Changed("refill-rate") {
		defaults.RefillRate = opts.refillRate
	}
	if flags.Changed("limit") {
		defaults.Limit = opts.limit
	}
	if flags.Changed("window") {
		defaults.WindowSeconds = opts.window.Seconds()
	}

	if err := defaults.Validate(); err != nil {
		return fmt.Errorf("invalid policy flags: %w", err)
	}
	config.Defaults = defaults
	return nil
}

func printDecision(g *globalOptions, opts *checkOptions, d *ratelimit.Decision) error {
	if opts.json {
		out := checkOutput{
			Key:       d.Key,
			Policy:    d.Policy,
			Strategy:  string(d.Strategy),
			Allowed:   d.Allowed,
			Remaining: d.Remaining,
			Limit:     d.Limit,
			Degraded:  d.Degraded,
		}
		if !d.Allowed {
			out.RetryAfterMs = max(d.RetryAfter.Milliseconds(), 1)
		}
		return json.NewEncoder(g.stdout).Encode(out)
	}

	if d.Allowed {
		fmt.Fprintln(g.stdout, "ALLOWED")
		return nil
	}
	fmt.Fprintln(g.stdout, "DENIED")
	fmt.Fprintf(g.stderr, "retry after %s (%ds)\n", d.RetryAfter.Round(time.Millisecond), middleware.RetryAfterSeconds(d.RetryAfter))
	return nil
}
