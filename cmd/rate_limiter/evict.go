package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newEvictCmd(g *globalOptions) *cobra.Command {
	var maxIdle time.Duration

	cmd := &cobra.Command{
		Use:   "evict",
		Short: "Remove keys that have been idle for longer than --max-idle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := g.loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("max-idle") {
				if age, err := config.CleanupDuration(); err == nil && age > 0 {
					maxIdle = age
				}
			}

			limiter, err := g.newLimiter(cmd.Context(), config, nil)
			if err != nil {
				return err
			}
			defer limiter.Close()

			evicted, err := limiter.EvictIdle(cmd.Context(), maxIdle)
			if err != nil {
				return err
			}
			g.logger.Info("evicted idle keys", zap.Int("evicted", evicted), zap.Duration("max_idle", maxIdle))
			fmt.Fprintf(g.stdout, "evicted %d keys idle longer than %s\n", evicted, maxIdle)
			return nil
		},
	}

	cmd.Flags().DurationVar(&maxIdle, "max-idle", time.Hour, "Idle time after which a key is evicted (default: cleanup_age from --config)")
	return cmd
}
