// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - root command and global flags for rigrun.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/config"
	"github.com/jeranaias/rigrun-router/internal/logging"
	"github.com/jeranaias/rigrun-router/internal/router"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.4.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// GLOBAL OPTIONS
// =============================================================================

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	preference string
	logLevel   string
	quiet      bool
	jsonOutput bool
}

// configFile resolves the config path: --config, then RIGRUN_CONFIG, then
// ~/.rigrun/config.toml.
func (g *globalOptions) configFile() (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	return config.ConfigPath()
}

// loadConfig reads .env files and the config file, then applies flag
// overrides.
func (g *globalOptions) loadConfig() (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}
	path, err := g.configFile()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}

	if g.preference != "" {
		pref, ok := router.ParsePreference(g.preference)
		if !ok {
			return nil, path, &UsageError{Message: fmt.Sprintf("invalid --preference %q", g.preference)}
		}
		cfg.Routing.Preference = string(pref)
	}
	switch {
	case g.logLevel != "":
		cfg.Logging.Level = g.logLevel
	case g.quiet:
		cfg.Logging.Level = "error"
	}
	return cfg, path, nil
}

// newLogger builds the process logger from cfg.
func newLogger(cfg *config.Config, stderr io.Writer) (*slog.Logger, func() error, error) {
	return logging.NewWithWriter(cfg.Logging, stderr)
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCommand builds the rigrun command tree.
func NewRootCommand() *cobra.Command {
	g := &globalOptions{}

	root := &cobra.Command{
		Use:   "rigrun",
		Short: "Route prompts between a local model and a cloud provider",
		Long: `rigrun sends each prompt to the cheapest tier that can answer it.

Short, simple prompts go to a local llama.cpp server. Code generation,
complex reasoning and long prompts go to OpenRouter. Responses are cached,
and a failed local request falls back to the cloud once.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "config file (default ~/.rigrun/config.toml)")
	flags.StringVarP(&g.preference, "preference", "p", "", "routing preference: auto, force_local, force_cloud, prefer_local, prefer_cloud")
	flags.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVarP(&g.quiet, "quiet", "q", false, "only print responses and errors")
	flags.BoolVar(&g.jsonOutput, "json", false, "print machine-readable JSON")

	root.AddCommand(
		newAskCmd(g),
		newChatCmd(g),
		newRouteCmd(g),
		newConfigCmd(g),
		newUsageCmd(g),
	)
	return root
}

// Execute runs the root command and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	root := NewRootCommand()
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	fmt.Fprintln(os.Stderr, RenderConditional(ErrorStyle, "Error:"), err)
	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		fmt.Fprintln(os.Stderr, DimStyle.Render("Run 'rigrun --help' for usage."))
	}
	return ExitCode(err)
}
