package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"engram/internal/config"
	"engram/internal/engine"
	"engram/internal/segment"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store and index state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), st)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Version:\t%s\n", st.Version)
				fmt.Fprintf(w, "Data dir:\t%s\n", st.DataDir)
				fmt.Fprintf(w, "Database:\t%s\n", st.Database)
				fmt.Fprintf(w, "Embedder:\t%s (%d dimensions)\n", st.Embedder, st.Dimensions)
				if st.Migration != nil {
					fmt.Fprintf(w, "Migration:\t%s (done: %t)\n", st.Migration.Name, st.Migration.Done)
				}
				fmt.Fprintln(w)
				fmt.Fprintln(w, "NAMESPACE\tSEGMENTS")
				for _, ns := range []string{
					segment.NamespaceMemory,
					segment.NamespaceSession,
					segment.NamespacePolicy,
					segment.NamespaceCost,
					segment.NamespaceMeta,
				} {
					fmt.Fprintf(w, "%s\t%d\n", ns, st.Segments[ns])
				}
				fmt.Fprintln(w)
				fmt.Fprintln(w, "INDEX\tNODES\tPENDING\tCOMPLETE\tSINCE CHECKPOINT")
				for _, idx := range st.Indexes {
					fmt.Fprintf(w, "%s\t%d\t%d\t%t\t%d\n", idx.Name, idx.Nodes, idx.Pending, idx.Complete, idx.SinceCheckpoint)
				}
				return w.Flush()
			})
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with every default",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := a.configPath()
			if err != nil {
				return err
			}
			if err := config.WriteDefault(path, force); err != nil {
				if errors.Is(err, config.ErrConfigExists) {
					return fmt.Errorf("%w (use --force to overwrite)", err)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Embedding.APIKey != "" {
				cfg.Embedding.APIKey = "[redacted]"
			}
			if a.jsonOutput {
				return a.printJSON(cmd.OutOrStdout(), cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
