// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// usage.go - "rigrun usage": token and request totals per tier.
package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/usage"
)

func newUsageCmd(g *globalOptions) *cobra.Command {
	var (
		since time.Duration
		prune time.Duration
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show requests and tokens served by each tier",
		Example: `  rigrun usage
  rigrun usage --since 24h
  rigrun usage --prune 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Usage.Enabled {
				return &UsageError{Message: "usage tracking is disabled (usage.enabled = false)"}
			}

			ledger, err := usage.Open(cfg.Usage.DBPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			if prune > 0 {
				n, err := ledger.Prune(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				if !g.jsonOutput {
					fmt.Fprintf(out, "Pruned %d records older than %s\n", n, prune)
				}
			}

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			summaries, err := ledger.Summary(ctx, from)
			if err != nil {
				return err
			}

			if g.jsonOutput {
				return NewJSONResponse("usage", summaries).Write(out)
			}
			if len(summaries) == 0 {
				fmt.Fprintln(out, "No usage recorded.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIER\tREQUESTS\tCACHE HITS\tFALLBACKS\tINPUT\tOUTPUT\tTOTAL\tAVG LATENCY")
			var total usage.TierSummary
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%.0fms\n",
					s.Tier, s.Requests, s.CacheHits, s.Fallbacks, s.InputTokens, s.OutputTokens, s.TotalTokens(), s.AvgLatencyMs)
				total.Requests += s.Requests
				total.CacheHits += s.CacheHits
				total.Fallbacks += s.Fallbacks
				total.InputTokens += s.InputTokens
				total.OutputTokens += s.OutputTokens
			}
			fmt.Fprintf(w, "ALL\t%d\t%d\t%d\t%d\t%d\t%d\t\n",
				total.Requests, total.CacheHits, total.Fallbacks, total.InputTokens, total.OutputTokens, total.TotalTokens())
			return w.Flush()
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only count requests newer than this (e.g. 24h)")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete records older than this before summarising")
	return cmd
}
