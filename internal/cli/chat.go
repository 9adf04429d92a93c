// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - "rigrun chat": interactive prompt loop.
//
// Every line is sent through the orchestrator as an independent request, so
// repeated questions are served from the cache. The routing preference follows
// the config file while the session runs.
//
// Interactive commands:
//
//	/help, /h           Show available commands
//	/route <prompt>     Show where a prompt would go
//	/task [type|none]   Show or set the task type for following prompts
//	/stats, /s          Cache and session statistics
//	/clear, /c          Drop every cached response
//	/quit, /q           Exit (also Ctrl+D)
//	Ctrl+C              Cancel the current request
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/config"
	"github.com/jeranaias/rigrun-router/internal/orchestrator"
	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/watch"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	ReadInput(prompt string) (string, error)
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a line editor and loads history from historyFile.
func NewChatCLI(historyFile string) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := &ChatCLI{line: line, historyFile: historyFile}
	if f, err := os.Open(historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// ReadInput reads a line of input; non-empty lines are added to history.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history (0600) and restores the terminal.
func (c *ChatCLI) Close() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0o700); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			c.line.WriteHistory(f)
			f.Close()
		}
	}
	c.line.Close()
}

// =============================================================================
// SESSION
// =============================================================================

// chatSession holds the state of one interactive session.
type chatSession struct {
	orch  *orchestrator.Orchestrator
	prefs router.PreferenceSource
	base  orchestrator.RequestOptions
	task  router.TaskType
	quiet bool

	out    io.Writer
	errOut io.Writer

	requests  int
	cacheHits int
	fallbacks int
	tokensIn  int
	tokensOut int
}

// run reads lines until EOF or /quit.
func (s *chatSession) run(ctx context.Context, in lineReader) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := in.ReadInput("rigrun> ")
		switch {
		case errors.Is(err, liner.ErrPromptAborted):
			continue
		case errors.Is(err, io.EOF):
			fmt.Fprintln(s.out)
			return nil
		case err != nil:
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := s.command(line); quit {
				return nil
			}
			continue
		}
		s.send(ctx, line)
	}
}

// send makes one request. Ctrl+C cancels it without ending the session.
func (s *chatSession) send(parent context.Context, prompt string) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	opts := s.base
	opts.TaskType = s.task

	resp, err := s.orch.MakeAPIRequest(ctx, prompt, &opts)
	if err != nil {
		if ctx.Err() != nil && parent.Err() == nil {
			fmt.Fprintln(s.errOut, RenderConditional(WarningStyle, "Cancelled."))
			return
		}
		fmt.Fprintln(s.errOut, RenderConditional(ErrorStyle, "Error:"), err)
		return
	}

	s.requests++
	switch {
	case resp.CacheHit():
		s.cacheHits++
	case resp.Fallback:
		s.fallbacks++
		fallthrough
	default:
		s.tokensIn += resp.Usage.InputTokens
		s.tokensOut += resp.Usage.OutputTokens
	}

	fmt.Fprintln(s.out, resp.Content)
	if !s.quiet {
		fmt.Fprintln(s.errOut, renderFooter(resp))
	}
}

// command handles a slash command and reports whether to quit.
func (s *chatSession) command(line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "/quit", "/q", "/exit":
		return true

	case "/help", "/h":
		fmt.Fprintln(s.out, TitleStyle.Render("Commands"))
		for _, c := range [][2]string{
			{"/route <prompt>", "show where a prompt would go"},
			{"/task [type|none]", "show or set the task type"},
			{"/stats", "cache and session statistics"},
			{"/clear", "drop every cached response"},
			{"/quit", "exit"},
		} {
			fmt.Fprintln(s.out, "  "+RenderLabel(c[0])+c[1])
		}

	case "/route":
		if arg == "" {
			fmt.Fprintln(s.errOut, "usage: /route <prompt>")
			break
		}
		d := s.orch.Route(s.task, arg)
		fmt.Fprintln(s.out, RenderTier(d.Tier)+" "+DimStyle.Render(d.Reason))

	case "/task":
		switch {
		case arg == "":
		case strings.EqualFold(arg, "none"):
			s.task = router.TaskNone
		default:
			s.task = router.ParseTaskType(arg)
		}
		task := string(s.task)
		if task == "" {
			task = "none"
		}
		fmt.Fprintln(s.out, RenderLabel("Task type:")+task)

	case "/stats", "/s":
		st := s.orch.CacheStats()
		fmt.Fprintln(s.out, RenderLabel("Preference:")+string(s.prefs.Preference()))
		fmt.Fprintln(s.out, RenderLabel("Requests:")+fmt.Sprintf("%d (%d cached, %d fallbacks)", s.requests, s.cacheHits, s.fallbacks))
		fmt.Fprintln(s.out, RenderLabel("Tokens:")+fmt.Sprintf("%d in / %d out", s.tokensIn, s.tokensOut))
		fmt.Fprintln(s.out, RenderLabel("Cache entries:")+fmt.Sprintf("%d", st.Entries))
		fmt.Fprintln(s.out, RenderLabel("Cache hit rate:")+fmt.Sprintf("%.0f%% (%d hits, %d misses, %d evictions)",
			st.HitRate*100, st.Hits, st.Misses, st.Evictions))

	case "/clear", "/c":
		s.orch.ClearCache()
		fmt.Fprintln(s.out, RenderConditional(SuccessStyle, "Cache cleared."))

	default:
		fmt.Fprintf(s.errOut, "unknown command %s (try /help)\n", name)
	}
	return false
}

// =============================================================================
// COMMAND
// =============================================================================

func newChatCmd(g *globalOptions) *cobra.Command {
	var (
		flags       requestFlags
		metricsAddr string
		watchPaths  []string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session",
		Example: `  rigrun chat
  rigrun chat --watch ./src          Clear the cache when files under ./src change
  rigrun chat --metrics-addr :9090   Serve Prometheus metrics while chatting`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts, err := flags.options(cmd)
			if err != nil {
				return err
			}

			rt, err := newRuntime(ctx, g, cmd.ErrOrStderr(), runtimeOptions{watchPreference: true})
			if err != nil {
				return err
			}
			defer rt.Close()

			if metricsAddr == "" {
				metricsAddr = rt.Config.Metrics.Addr
			}
			if metricsAddr != "" {
				_, shutdown, err := serveMetrics(metricsAddr, rt.Metrics.Handler(rt.Config.Metrics.APIKey), rt.Logger)
				if err != nil {
					return err
				}
				defer shutdown()
			}

			paths := append(append([]string(nil), rt.Config.Watch.Paths...), watchPaths...)
			if len(paths) > 0 {
				sw, err := watch.New(watch.Config{
					Paths:    paths,
					Debounce: rt.Config.Watch.Debounce(),
					Logger:   rt.Logger,
				}, func(changed []string) {
					rt.Orch.ClearCache()
				})
				if err != nil {
					return err
				}
				if err := sw.Watch(); err != nil {
					sw.Close()
					return err
				}
				defer sw.Close()
			}

			historyFile := filepath.Join(os.TempDir(), "rigrun_chat_history")
			if dir, err := config.ConfigDir(); err == nil {
				historyFile = filepath.Join(dir, "chat_history")
			}
			input := NewChatCLI(historyFile)
			defer input.Close()

			session := &chatSession{
				orch:   rt.Orch,
				prefs:  rt.Prefs,
				base:   *opts,
				task:   opts.TaskType,
				quiet:  g.quiet,
				out:    cmd.OutOrStdout(),
				errOut: cmd.ErrOrStderr(),
			}
			if !g.quiet {
				fmt.Fprintln(session.out, TitleStyle.Render("rigrun chat")+" "+
					DimStyle.Render(fmt.Sprintf("(preference %s, /help for commands)", rt.Prefs.Preference())))
				fmt.Fprintln(session.out, RenderSeparator(session.out))
			}
			return session.run(ctx, input)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (default metrics.addr)")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "clear the cache when files under this path change (repeatable)")
	return cmd
}

// serveMetrics exposes h at /metrics on addr until the returned function is
// called. It returns the bound address.
func serveMetrics(addr string, h http.Handler, logger *slog.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	bound := ln.Addr().String()
	logger.Info("serving metrics", "addr", bound)

	return bound, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
