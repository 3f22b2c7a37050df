// Command engram is the command surface of the semantic memory and routing
// engine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"engram/internal/config"
	"engram/internal/datadir"
	"engram/internal/engine"
	"engram/internal/logging"
	"engram/internal/version"
)

// app carries the global flags shared by every subcommand.
type app struct {
	cfgFile    string
	dataDir    string
	jsonOutput bool
	verbose    bool
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "engram",
		Short: "Local semantic memory and cost-aware model routing",
		Long: `engram stores notes and conversation turns with vector embeddings,
keeps an incrementally built similarity index over them, and routes
prompts to model tiers using a policy cache learned from feedback.`,
		Version:       version.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.dataDir == "" {
				return nil
			}
			// the flag outranks both the environment and data_dir in the file
			return os.Setenv(datadir.EnvVar, a.dataDir)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file path (default {data_dir}/config/engram.yaml)")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (overrides "+datadir.EnvVar+" and config)")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "output results as JSON")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(a),
		newMemoryCmd(a),
		newSessionCmd(a),
		newRouteCmd(a),
		newPolicyCmd(a),
		newCostCmd(a),
		newMigrateCmd(a),
		newMaintenanceCmd(a),
		newStatusCmd(a),
		newConfigCmd(a),
		newVersionCmd(a),
	)
	return root
}

// configPath returns the config file to read: the --config flag, else the
// file inside the resolved data directory.
func (a *app) configPath() (string, error) {
	if a.cfgFile != "" {
		return a.cfgFile, nil
	}
	dd, err := datadir.New("")
	if err != nil {
		return "", err
	}
	return dd.ConfigFile(), nil
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.cfgFile != "" {
		if _, err := os.Stat(a.cfgFile); err != nil {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}
	path, err := a.configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func (a *app) logger(cfg *config.Config, w io.Writer) zerolog.Logger {
	logger, err := logging.New(cfg.Logging, w)
	if err != nil {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	return logger
}

// withEngine opens the engine for the duration of fn and closes it, which
// drains and checkpoints every index, before returning.
func (a *app) withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine.Engine) error) error {
	return a.withConfiguredEngine(cmd, nil, fn)
}

// withConfiguredEngine is withEngine with a hook to adjust the loaded
// configuration first.
func (a *app) withConfiguredEngine(cmd *cobra.Command, adjust func(*config.Config), fn func(ctx context.Context, e *engine.Engine) error) (err error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if adjust != nil {
		adjust(cfg)
	}
	ctx := cmd.Context()
	e, err := engine.Open(ctx, cfg, a.logger(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(ctx, e)
}

func (a *app) printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Get()
			if a.jsonOutput {
				return a.printJSON(cmd.OutOrStdout(), info)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "engram %s\n", version.Full())
			if info.GitCommit != "unknown" {
				fmt.Fprintf(out, "Git commit: %s\n", info.GitCommit)
			}
			if info.BuildDate != "unknown" {
				fmt.Fprintf(out, "Build date: %s\n", info.BuildDate)
			}
			fmt.Fprintf(out, "Go version: %s (%s)\n", info.GoVersion, info.Platform)
			return nil
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
