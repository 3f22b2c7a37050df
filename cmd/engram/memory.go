package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"engram/internal/engine"
)

func newMemoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Store and search notes",
	}

	var tags []string
	addCmd := &cobra.Command{
		Use:   "add <text>",
		Short: "Store a note",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				id, err := e.AddMemory(ctx, text, tags)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), map[string]string{"id": id})
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	addCmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "tag to attach (repeatable)")

	var topK int
	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Find the notes closest in meaning to a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				matches, err := e.Search(ctx, query, topK)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), matches)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SCORE\tID\tTAGS\tTEXT")
				for _, m := range matches {
					fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\n", m.Score, m.Note.ID, strings.Join(m.Note.Tags, ","), truncate(m.Note.Text, 60))
				}
				return w.Flush()
			})
		},
	}
	searchCmd.Flags().IntVarP(&topK, "top", "k", 5, "number of results")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				note, err := e.GetMemory(ctx, args[0])
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), note)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID:      %s\n", note.ID)
				fmt.Fprintf(out, "Created: %s\n", note.CreatedAt.Format("2006-01-02 15:04:05"))
				if len(note.Tags) > 0 {
					fmt.Fprintf(out, "Tags:    %s\n", strings.Join(note.Tags, ", "))
				}
				if note.Source != "" {
					fmt.Fprintf(out, "Source:  %s\n", note.Source)
				}
				fmt.Fprintf(out, "\n%s\n", note.Text)
				return nil
			})
		},
	}

	cmd.AddCommand(addCmd, searchCmd, getCmd)
	return cmd
}

func newSessionCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Record and search conversation turns",
	}

	var role string
	appendCmd := &cobra.Command{
		Use:   "append <session-id> <content>",
		Short: "Append a turn to a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content := strings.Join(args[1:], " ")
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				turn, err := e.AppendTurn(ctx, args[0], role, content)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), turn)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s turn %d\n", turn.SessionID, turn.Number)
				return nil
			})
		},
	}
	appendCmd.Flags().StringVarP(&role, "role", "r", "user", "speaker role (user, assistant, system)")

	var limit int
	historyCmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show the most recent turns of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				turns, err := e.History(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), turns)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TURN\tROLE\tTIME\tCONTENT")
				for _, t := range turns {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.Number, t.Role, t.Timestamp.Format("15:04:05"), truncate(t.Content, 60))
				}
				return w.Flush()
			})
		},
	}
	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum turns to show (0 for all)")

	var topK int
	searchCmd := &cobra.Command{
		Use:   "search <session-id> <query>",
		Short: "Search the turns of one session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args[1:], " ")
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				matches, err := e.SearchSession(ctx, args[0], query, topK)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), matches)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "SCORE\tTURN\tROLE\tCONTENT")
				for _, m := range matches {
					fmt.Fprintf(w, "%.3f\t%d\t%s\t%s\n", m.Score, m.Turn.Number, m.Turn.Role, truncate(m.Turn.Content, 60))
				}
				return w.Flush()
			})
		},
	}
	searchCmd.Flags().IntVarP(&topK, "top", "k", 5, "number of results")

	cmd.AddCommand(appendCmd, historyCmd, searchCmd)
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
