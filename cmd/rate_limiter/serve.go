package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/ratelimiter/api"
	"github.com/yourusername/ratelimiter/metrics"
	"github.com/yourusername/ratelimiter/pkg/ratelimit"
	"github.com/yourusername/ratelimiter/reload"
	"github.com/yourusername/ratelimiter/sweep"
)

type serveOptions struct {
	addr            string
	sweep           bool
	sweepSchedule   string
	maxIdle         time.Duration
	watch           bool
	shutdownTimeout time.Duration
}

func newServeCmd(g *globalOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with background eviction and optional config reload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := g.loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-idle") {
				if age, err := config.CleanupDuration(); err == nil {
					opts.maxIdle = age
				}
			}

			ln, err := net.Listen("tcp", opts.addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", opts.addr, err)
			}
			return runServe(cmd.Context(), g, opts, config, ln)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.addr, "addr", ":8080", "Listen address")
	flags.BoolVar(&opts.sweep, "sweep", true, "Evict idle keys in the background")
	flags.StringVar(&opts.sweepSchedule, "sweep-schedule", sweep.DefaultSchedule, "Cron schedule of the idle key sweep")
	flags.DurationVar(&opts.maxIdle, "max-idle", sweep.DefaultMaxIdle, "Idle time after which a key is evicted (default: cleanup_age from --config)")
	flags.BoolVar(&opts.watch, "watch", false, "Reload --config when the file changes")
	flags.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "Grace period for in-flight requests on shutdown")
	return cmd
}

// runServe serves the API on ln until ctx is cancelled.
func runServe(ctx context.Context, g *globalOptions, opts *serveOptions, config *ratelimit.Config, ln net.Listener) error {
	if opts.watch && g.configPath == "" {
		ln.Close()
		return fmt.Errorf("%w: --watch requires --config", ratelimit.ErrInvalidConfig)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(reg)

	limiter, err := g.newLimiter(ctx, config, recorder)
	if err != nil {
		ln.Close()
		return err
	}
	defer limiter.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opts.sweep && opts.maxIdle > 0 {
		sweeper, err := sweep.New(limiter, sweep.Config{Schedule: opts.sweepSchedule, MaxIdle: opts.maxIdle}, g.logger)
		if err != nil {
			ln.Close()
			return fmt.Errorf("%w: %w", ratelimit.ErrInvalidConfig, err)
		}
		sweeper.Start(ctx)
		defer sweeper.Stop()
	}

	if opts.watch {
		watcher, err := reload.NewWatcher(g.configPath, limiter.SetConfig, g.logger, reload.Options{})
		if err != nil {
			ln.Close()
			return err
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				g.logger.Error("config watcher stopped", zap.Error(err))
			}
		}()
	}

	srv := api.NewServer(limiter,
		api.WithStats(recorder),
		api.WithGatherer(reg),
		api.WithLogger(g.logger),
		api.WithVersion(version))

	httpServer := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	g.logger.Info("rate limiter listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("store", g.storeKind),
		zap.String("dashboard", "http://"+ln.Addr().String()+"/dashboard"))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), opts.shutdownTimeout)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}
