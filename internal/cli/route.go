// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// route.go - "rigrun route": show which tier a prompt would go to.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/router"
)

func newRouteCmd(g *globalOptions) *cobra.Command {
	var task string

	cmd := &cobra.Command{
		Use:   "route [prompt...]",
		Short: "Show the routing decision for a prompt without sending it",
		Example: `  rigrun route "What is 2+2?"
  rigrun route --task complex_reasoning "Compare these designs"
  rigrun route -p prefer_local --json "hello"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}

			r := router.New(router.StaticPreference(router.Preference(cfg.Routing.Preference)))
			decision := r.RouteDetailed(router.ParseTaskType(task), prompt, router.RouteOptions{})

			out := cmd.OutOrStdout()
			if g.jsonOutput {
				return NewJSONResponse("route", decision).Write(out)
			}
			fmt.Fprintln(out, RenderLabel("Tier:")+RenderTier(decision.Tier))
			fmt.Fprintln(out, RenderLabel("Heuristic:")+ValueStyle.Render(decision.Heuristic.String()))
			fmt.Fprintln(out, RenderLabel("Preference:")+ValueStyle.Render(string(decision.Preference)))
			if decision.TaskType != router.TaskNone {
				fmt.Fprintln(out, RenderLabel("Task type:")+ValueStyle.Render(string(decision.TaskType)))
			}
			fmt.Fprintln(out, RenderLabel("Prompt length:")+ValueStyle.Render(fmt.Sprintf("%d chars", decision.PromptChars)))
			fmt.Fprintln(out, RenderLabel("Reason:")+ValueStyle.Render(decision.Reason))
			return nil
		},
	}
	cmd.Flags().StringVarP(&task, "task", "t", "", "task type")
	return cmd
}
