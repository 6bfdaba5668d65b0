package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/ratelimiter/metrics"
	"github.com/yourusername/ratelimiter/pkg/ratelimit"
	"github.com/yourusername/ratelimiter/store"
)

// Exit codes. A denied check exits 1 so shell scripts can branch on it.
const (
	exitAllowed = 0
	exitDenied  = 1
	exitError   = 2
)

var errDenied = errors.New("denied")

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath    string
	storeKind     string
	redisAddr     string
	redisPassword string
	redisDB       int
	redisPrefix   string
	redisTTL      time.Duration
	sqlitePath    string
	failOpen      bool
	logLevel      string
	jsonLogs      bool

	stdout io.Writer
	stderr io.Writer
	logger *zap.Logger
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &globalOptions{stdout: stdout, stderr: stderr, logger: zap.NewNop()}

	root := &cobra.Command{
		Use:   "rate_limiter",
		Short: "Keyed rate limiter with token bucket and sliding window policies",
		Long: `rate_limiter enforces a maximum event rate per caller-defined key.

Examples:
  rate_limiter check user-42 --capacity 5 --refill-rate 1
  rate_limiter check user-42 --strategy sliding_window --limit 3 --window 10s
  rate_limiter --store sqlite --sqlite-path state.db dump
  rate_limiter --config ratelimit.yaml serve --addr :8080 --watch`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := setupLogger(opts.logLevel, opts.jsonLogs)
			if err != nil {
				return err
			}
			opts.logger = logger
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "YAML config file (defaults, policies, key_extractor, cleanup_age)")
	flags.StringVar(&opts.storeKind, "store", "memory", "State store (memory|redis|sqlite)")
	flags.StringVar(&opts.redisAddr, "redis-addr", "localhost:6379", "Redis address")
	flags.StringVar(&opts.redisPassword, "redis-password", "", "Redis password")
	flags.IntVar(&opts.redisDB, "redis-db", 0, "Redis database number")
	flags.StringVar(&opts.redisPrefix, "redis-prefix", "", "Redis key prefix (default \"ratelimiter:\")")
	flags.DurationVar(&opts.redisTTL, "redis-ttl", time.Hour, "Expiry of idle Redis entries, negative disables")
	flags.StringVar(&opts.sqlitePath, "sqlite-path", "ratelimiter.db", "SQLite database file")
	flags.BoolVar(&opts.failOpen, "fail-open", false, "Allow requests when the store is unavailable")
	flags.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	flags.BoolVar(&opts.jsonLogs, "json-logs", false, "Log in JSON instead of console format")

	root.AddCommand(
		newCheckCmd(opts),
		newDumpCmd(opts),
		newEvictCmd(opts),
		newServeCmd(opts),
		newVersionCmd(opts),
	)
	return root
}

// loadConfig reads --config, or returns the built-in defaults.
func (o *globalOptions) loadConfig() (*ratelimit.Config, error) {
	if o.configPath == "" {
		return ratelimit.NewConfig(), nil
	}
	return ratelimit.LoadConfigFromFile(o.configPath)
}

// openStore builds the store selected by --store. Redis is wrapped in a
// circuit breaker so an unreachable server fails fast.
func (o *globalOptions) openStore(ctx context.Context) (store.Store, error) {
	switch o.storeKind {
	case "memory", "":
		return store.NewMemoryStore(store.DefaultShards), nil
	case "redis":
		rs := store.NewRedisStore(store.RedisConfig{
			Addr:     o.redisAddr,
			Password: o.redisPassword,
			DB:       o.redisDB,
			Prefix:   o.redisPrefix,
			TTL:      o.redisTTL,
		})
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", o.redisAddr, err)
		}
		o.logger.Info("connected to redis", zap.String("addr", o.redisAddr), zap.Int("db", o.redisDB))
		return store.NewBreakerStore(rs, store.BreakerConfig{Name: "redis"}, o.logger), nil
	case "sqlite":
		ss, err := store.NewSQLiteStore(o.sqlitePath)
		if err != nil {
			return nil, err
		}
		o.logger.Info("opened sqlite store", zap.String("path", o.sqlitePath))
		return ss, nil
	default:
		return nil, fmt.Errorf("%w: unknown store %q (want memory, redis or sqlite)", ratelimit.ErrInvalidConfig, o.storeKind)
	}
}

// newLimiter builds a Limiter over the selected store with config.
func (o *globalOptions) newLimiter(ctx context.Context, config *ratelimit.Config, recorder *metrics.Recorder) (*ratelimit.Limiter, error) {
	s, err := o.openStore(ctx)
	if err != nil {
		return nil, err
	}

	opts := []ratelimit.Option{
		ratelimit.WithStore(s),
		ratelimit.WithConfig(config),
		ratelimit.WithLogger(o.logger),
		ratelimit.WithFailOpen(o.failOpen),
	}
	if recorder != nil {
		opts = append(opts, ratelimit.WithRecorder(recorder))
	}

	limiter, err := ratelimit.New(opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	return limiter, nil
}
