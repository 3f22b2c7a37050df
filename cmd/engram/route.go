package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"engram/internal/engine"
	"engram/internal/ledger"
	"engram/internal/router"
)

func newRouteCmd(a *app) *cobra.Command {
	var cheapTransform bool
	cmd := &cobra.Command{
		Use:   "route <prompt>",
		Short: "Pick the model tier for a prompt",
		Long: `Route evaluates the cheap-transform flag, then the learned policy cache,
then a complexity heuristic, and prints the chosen tier and model.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				d, err := e.RouteRequest(ctx, prompt, router.Context{CheapTransform: cheapTransform})
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), d)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Tier:       %d (%s)\n", d.Tier, d.Tier)
				fmt.Fprintf(out, "Model:      %s\n", d.Model)
				fmt.Fprintf(out, "Reason:     %s\n", d.Reason)
				fmt.Fprintf(out, "Complexity: %.2f\n", d.ComplexityScore)
				if d.CacheHit {
					fmt.Fprintf(out, "Policy:     %s (similarity %.3f)\n", d.PolicyKey, d.Similarity)
				}
				for _, r := range d.Reasons {
					fmt.Fprintf(out, "  - %s\n", r)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&cheapTransform, "cheap-transform", false, "a near-zero cost transform can serve this prompt")
	return cmd
}

func newPolicyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the learned routing policy",
	}

	var (
		tierName string
		failure  bool
	)
	updateCmd := &cobra.Command{
		Use:   "update <pattern>",
		Short: "Record the outcome of serving a prompt at a tier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tier, err := router.ParseTier(tierName)
			if err != nil {
				return err
			}
			pattern := strings.Join(args, " ")
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				entry, created, err := e.UpdatePolicy(ctx, pattern, tier, !failure)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), struct {
						Created bool `json:"created"`
						Entry   any  `json:"entry"`
					}{created, entry})
				}
				action := "merged into"
				if created {
					action = "created"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s: tier %d, success rate %.2f over %d uses\n",
					action, entry.Key, entry.Tier, entry.SuccessRate, entry.UsageCount)
				return nil
			})
		},
	}
	updateCmd.Flags().StringVar(&tierName, "tier", "", "tier that served the prompt (1-3 or transform, fast, deep)")
	updateCmd.Flags().BoolVar(&failure, "failure", false, "the tier failed to serve the prompt")
	_ = updateCmd.MarkFlagRequired("tier")

	cmd.AddCommand(updateCmd)
	return cmd
}

func newCostCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Record and summarize model usage",
	}

	var (
		inTokens, outTokens int
		latency             time.Duration
		outcome             string
	)
	recordCmd := &cobra.Command{
		Use:   "record <model>",
		Short: "Append a usage record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			u := ledger.Usage{InputTokens: inTokens, OutputTokens: outTokens, Latency: latency}
			switch outcome {
			case "":
			case "success", "failure":
				ok := outcome == "success"
				u.Success = &ok
			default:
				return fmt.Errorf("invalid --outcome %q: want success or failure", outcome)
			}
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.RecordCost(ctx, args[0], u)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), rec)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: $%.6f (%d in, %d out, %s)\n",
					rec.Model, rec.Cost, rec.InputTokens, rec.OutputTokens, rec.Latency)
				return nil
			})
		},
	}
	recordCmd.Flags().IntVar(&inTokens, "input-tokens", 0, "prompt tokens")
	recordCmd.Flags().IntVar(&outTokens, "output-tokens", 0, "completion tokens")
	recordCmd.Flags().DurationVar(&latency, "latency", 0, "request latency")
	recordCmd.Flags().StringVar(&outcome, "outcome", "", "success or failure (untracked when empty)")

	var (
		model  string
		window time.Duration
	)
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate usage over a time window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(cmd, func(ctx context.Context, e *engine.Engine) error {
				st, err := e.CostStats(ctx, model, window)
				if err != nil {
					return err
				}
				if a.jsonOutput {
					return a.printJSON(cmd.OutOrStdout(), st)
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				scope := st.Model
				if scope == "" {
					scope = "all models"
				}
				span := "all time"
				if st.Window > 0 {
					span = "last " + st.Window.String()
				}
				fmt.Fprintf(w, "Scope:\t%s, %s\n", scope, span)
				fmt.Fprintf(w, "Calls:\t%d\n", st.TotalCalls)
				fmt.Fprintf(w, "Cost:\t$%.6f\n", st.TotalCost)
				fmt.Fprintf(w, "Tokens:\t%d in, %d out\n", st.InputTokens, st.OutputTokens)
				fmt.Fprintf(w, "Latency:\tavg %s, p95 %s\n", st.AvgLatency, st.P95Latency)
				if st.SuccessTracked > 0 {
					fmt.Fprintf(w, "Success:\t%.1f%% of %d tracked\n", st.SuccessRate*100, st.SuccessTracked)
				}
				return w.Flush()
			})
		},
	}
	statsCmd.Flags().StringVar(&model, "model", "", "restrict to one model")
	statsCmd.Flags().DurationVar(&window, "window", 0, "only records newer than this (0 for all time)")

	cmd.AddCommand(recordCmd, statsCmd)
	return cmd
}
