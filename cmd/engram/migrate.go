package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"engram/internal/config"
	"engram/internal/engine"
	"engram/internal/migration"
)

func newMigrateCmd(a *app) *cobra.Command {
	var source, name string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Import a Markdown notes file into memory once",
		Long: `Migrate imports every bullet of a Markdown notes file as a memory note,
tagging each with the headings above it. A completed migration leaves a
marker and is not repeated; an interrupted one resumes without creating
duplicates.

By default the source is {data_dir}/MEMORY.md and the marker name comes
from migration.name in the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			adjust := func(cfg *config.Config) {
				// the explicit run below reports its own result
				cfg.Migration.Enabled = false
				if name != "" {
					cfg.Migration.Name = name
				}
				if source != "" {
					cfg.Migration.Source = source
				}
			}
			return a.withConfiguredEngine(cmd, adjust, func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Migrate(ctx)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), res)
				}
				printMigration(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "notes file to import")
	cmd.Flags().StringVar(&name, "name", "", "migration marker name")
	return cmd
}

func printMigration(out io.Writer, res migration.Result) {
	switch {
	case res.AlreadyDone:
		fmt.Fprintf(out, "Migration %q already completed\n", res.Name)
	case res.SourceMissing:
		fmt.Fprintf(out, "Nothing to migrate: %s not found\n", res.Source)
	default:
		fmt.Fprintf(out, "Migration %q from %s\n", res.Name, res.Source)
		fmt.Fprintf(out, "  Entries:    %d\n", res.Entries)
		fmt.Fprintf(out, "  Imported:   %d\n", res.Imported)
		fmt.Fprintf(out, "  Duplicates: %d\n", res.Duplicates)
		if res.FailedBatches > 0 {
			fmt.Fprintf(out, "  Failed batches: %d (see log)\n", res.FailedBatches)
		}
	}
}
