package main

import (
	"github.com/spf13/cobra"
)

func newDumpCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the state of every tracked key as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := g.loadConfig()
			if err != nil {
				return err
			}
			limiter, err := g.newLimiter(cmd.Context(), config, nil)
			if err != nil {
				return err
			}
			defer limiter.Close()

			return limiter.Dump(cmd.Context(), g.stdout)
		},
	}
}
