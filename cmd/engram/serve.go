package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"engram/internal/engine"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run background indexing and maintenance until interrupted",
		Long: `Serve opens the store, runs the progressive index loops and the
maintenance scheduler, and on SIGINT or SIGTERM drains every index,
writes final checkpoints and exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				logger := e.Logger()
				logger.Info().Str("data_dir", e.DataDir().Root()).Msg("serving; press Ctrl+C to stop")
				if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				logger.Info().Msg("shutting down")
				return nil
			})
		},
	}
}
