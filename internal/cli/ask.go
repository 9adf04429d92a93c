// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - "rigrun ask": one prompt, one response.
//
// Examples:
//
//	rigrun ask "What is a goroutine?"
//	rigrun ask --task code_generation "Write a binary search in Go"
//	git diff | rigrun ask --task summarization
//	rigrun ask --no-cache --json "hello"
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/orchestrator"
	"github.com/jeranaias/rigrun-router/internal/router"
)

// =============================================================================
// REQUEST FLAGS
// =============================================================================

// requestFlags are the per-request options shared by ask and chat.
type requestFlags struct {
	task        string
	maxTokens   int
	temperature float64
	stop        []string
	noCache     bool
	noStore     bool
	noFallback  bool
}

func (f *requestFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.task, "task", "t", "", "task type: code_generation, complex_reasoning, explanation, completion, summarization, chat")
	fs.IntVar(&f.maxTokens, "max-tokens", 0, "maximum tokens to generate")
	fs.Float64Var(&f.temperature, "temperature", 0, "sampling temperature")
	fs.StringSliceVar(&f.stop, "stop", nil, "stop sequence (repeatable)")
	fs.BoolVar(&f.noCache, "no-cache", false, "skip the cache lookup")
	fs.BoolVar(&f.noStore, "no-store", false, "do not cache the response")
	fs.BoolVar(&f.noFallback, "no-fallback", false, "do not retry a failed LOCAL request on CLOUD")
}

// options converts the flags into request options. Generation parameters
// the user did not set stay undefined.
func (f *requestFlags) options(cmd *cobra.Command) (*orchestrator.RequestOptions, error) {
	opts := &orchestrator.RequestOptions{
		TaskType:      router.ParseTaskType(f.task),
		StopSequences: f.stop,
		SkipCache:     f.noCache,
	}
	fs := cmd.Flags()
	if fs.Changed("max-tokens") {
		if f.maxTokens <= 0 {
			return nil, &UsageError{Message: fmt.Sprintf("--max-tokens must be positive (got %d)", f.maxTokens)}
		}
		opts.MaxTokens = orchestrator.Int(f.maxTokens)
	}
	if fs.Changed("temperature") {
		if f.temperature < 0 {
			return nil, &UsageError{Message: fmt.Sprintf("--temperature must not be negative (got %g)", f.temperature)}
		}
		opts.Temperature = orchestrator.Float(f.temperature)
	}
	if f.noStore {
		opts.CacheResponse = orchestrator.Bool(false)
	}
	if f.noFallback {
		opts.AllowFallback = orchestrator.Bool(false)
	}
	return opts, nil
}

// =============================================================================
// ASK COMMAND
// =============================================================================

// askResult is the --json payload for a served response.
type askResult struct {
	RequestID    string `json:"request_id"`
	Tier         string `json:"tier"`
	Content      string `json:"content"`
	CacheHit     bool   `json:"cache_hit"`
	Fallback     bool   `json:"fallback"`
	LatencyMs    int64  `json:"latency_ms"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func newAskResult(resp *orchestrator.Response) askResult {
	return askResult{
		RequestID:    resp.RequestID,
		Tier:         resp.TierID.String(),
		Content:      resp.Content,
		CacheHit:     resp.CacheHit(),
		Fallback:     resp.Fallback,
		LatencyMs:    resp.LatencyMs,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}
}

func newAskCmd(g *globalOptions) *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Send a single prompt and print the response",
		Long: `Send a single prompt and print the response.

The prompt is taken from the arguments. With no arguments, or "-", it is
read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := readPrompt(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			opts, err := flags.options(cmd)
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context(), g, cmd.ErrOrStderr(), runtimeOptions{})
			if err != nil {
				return err
			}
			defer rt.Close()

			resp, err := rt.Orch.MakeAPIRequest(cmd.Context(), prompt, opts)
			if err != nil {
				if g.jsonOutput {
					NewJSONErrorResponse("ask", err).Write(cmd.OutOrStdout())
				}
				return err
			}

			if g.jsonOutput {
				return NewJSONResponse("ask", newAskResult(resp)).Write(cmd.OutOrStdout())
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Content)
			if !g.quiet {
				fmt.Fprintln(cmd.ErrOrStderr(), renderFooter(resp))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// readPrompt joins args, or reads stdin when there are none (or just "-").
func readPrompt(args []string, stdin io.Reader) (string, error) {
	prompt := strings.Join(args, " ")
	if prompt == "" || prompt == "-" {
		if interactiveInput(stdin) {
			return "", &UsageError{Message: "no prompt given"}
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read prompt from stdin: %w", err)
		}
		prompt = string(data)
	}
	if strings.TrimSpace(prompt) == "" {
		return "", &UsageError{Message: "no prompt given"}
	}
	return prompt, nil
}

// renderFooter summarises how a response was served.
func renderFooter(resp *orchestrator.Response) string {
	parts := []string{RenderTier(resp.TierID)}
	switch {
	case resp.CacheHit():
		parts = append(parts, "cached")
	default:
		parts = append(parts,
			fmt.Sprintf("%dms", resp.LatencyMs),
			fmt.Sprintf("%d in / %d out tokens", resp.Usage.InputTokens, resp.Usage.OutputTokens))
	}
	if resp.Fallback {
		parts = append(parts, RenderConditional(WarningStyle, "fallback"))
	}
	return DimStyle.Render("[") + strings.Join(parts, DimStyle.Render(" | ")) + DimStyle.Render("]")
}
