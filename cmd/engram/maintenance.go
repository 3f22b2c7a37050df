package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"engram/internal/engine"
	"engram/internal/maintenance"
)

func newMaintenanceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Index and database upkeep",
		Long: `Maintenance tasks keep the similarity indexes consistent with the store
and the database compact:

  index-reconcile    Re-enqueue stored segments missing from an index
  index-checkpoint   Drain pending inserts and persist each index graph
  sqlite-optimize    Truncate the write-ahead log and refresh query statistics

Tasks run on the configured schedule while "engram serve" is running.`,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run all maintenance tasks now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				results, err := e.Maintenance().RunNow(ctx)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), results)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TASK\tSTATUS\tDURATION\tRECORDS\tMESSAGE")
				for _, name := range e.Maintenance().Tasks() {
					res := results[name]
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
						name, resultStatus(res), res.Duration.Round(time.Millisecond), res.RecordsProcessed, res.Message)
				}
				return w.Flush()
			})
		},
	}

	runTaskCmd := &cobra.Command{
		Use:   "run-task <task-name>",
		Short: "Run one maintenance task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Maintenance().RunTask(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), res)
				}
				displayTaskResult(cmd.OutOrStdout(), args[0], res)
				return nil
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the maintenance schedule and tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				status := e.Maintenance().GetStatus()
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), status)
				}
				names := make([]string, 0, len(status))
				for name := range status {
					names = append(names, name)
				}
				sort.Strings(names)

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TASK\tENABLED\tSCHEDULE\tNEXT RUN\tDESCRIPTION")
				for _, name := range names {
					st := status[name]
					next := "-"
					if st.Enabled && !st.NextRun.IsZero() {
						next = st.NextRun.Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", name, st.Enabled, st.Schedule, next, st.Description)
				}
				return w.Flush()
			})
		},
	}

	cmd.AddCommand(runCmd, runTaskCmd, statusCmd)
	return cmd
}

func resultStatus(res maintenance.TaskResult) string {
	switch {
	case res.Skipped:
		return "skipped"
	case res.Success:
		return "ok"
	default:
		return "failed"
	}
}

func displayTaskResult(w io.Writer, name string, res maintenance.TaskResult) {
	fmt.Fprintf(w, "Task:     %s\n", name)
	fmt.Fprintf(w, "Status:   %s\n", resultStatus(res))
	fmt.Fprintf(w, "Duration: %s\n", res.Duration.Round(time.Millisecond))
	if res.Message != "" {
		fmt.Fprintf(w, "Message:  %s\n", res.Message)
	}
	if res.RecordsProcessed > 0 {
		fmt.Fprintf(w, "Records:  %d\n", res.RecordsProcessed)
	}
	if res.SpaceReclaimed > 0 {
		fmt.Fprintf(w, "Reclaimed: %d bytes\n", res.SpaceReclaimed)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "Error:    %s\n", res.Error)
	}
}
