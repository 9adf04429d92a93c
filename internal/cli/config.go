// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - "rigrun config": view and modify configuration.
//
// Subcommands:
//
//	show (default)      Display the effective configuration
//	get <key>           Print one value
//	set <key> <value>   Change one value in the config file
//	keys                List every key
//	path                Show the config file location
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-router/internal/cloud"
	"github.com/jeranaias/rigrun-router/internal/config"
)

// secretKeys are never printed in clear.
var secretKeys = map[string]bool{
	"cloud.openrouter_key": true,
	"metrics.api_key":      true,
}

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Example: `  rigrun config show
  rigrun config get cache.max_items
  rigrun config set routing.preference prefer_local
  rigrun config set cloud.openrouter_key sk-or-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow(cmd, g)
		},
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Display the effective configuration (file, env and flags)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigShow(cmd, g)
			},
		},
		&cobra.Command{
			Use:   "get <key>",
			Short: "Print one configuration value",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, _, err := g.loadConfig()
				if err != nil {
					return err
				}
				key := strings.ToLower(args[0])
				value, err := cfg.Get(key)
				if err != nil {
					return &CommandError{Command: "config", Action: "get", Err: err}
				}
				display := displayValue(key, value)
				if g.jsonOutput {
					return NewJSONResponse("config get", map[string]string{"key": key, "value": display}).Write(cmd.OutOrStdout())
				}
				fmt.Fprintln(cmd.OutOrStdout(), display)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set <key> <value>",
			Short: "Change one value and save the config file",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := g.configFile()
				if err != nil {
					return err
				}
				key := strings.ToLower(args[0])
				cfg, err := config.Update(path, func(c *config.Config) error {
					return c.Set(key, args[1])
				})
				if err != nil {
					return &CommandError{Command: "config", Action: "set", Err: err}
				}
				value, _ := cfg.Get(key)
				fmt.Fprintln(cmd.OutOrStdout(),
					RenderConditional(SuccessStyle, "Set")+" "+key+" = "+displayValue(key, value))
				return nil
			},
		},
		&cobra.Command{
			Use:   "keys",
			Short: "List every configuration key",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				keys := config.Keys()
				if g.jsonOutput {
					return NewJSONResponse("config keys", keys).Write(cmd.OutOrStdout())
				}
				for _, k := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Show the configuration file location",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := g.configFile()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
	)
	return cmd
}

func runConfigShow(cmd *cobra.Command, g *globalOptions) error {
	cfg, path, err := g.loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if g.jsonOutput {
		values := make(map[string]string)
		for _, key := range config.Keys() {
			v, err := cfg.Get(key)
			if err != nil {
				continue
			}
			values[key] = displayValue(key, v)
		}
		return NewJSONResponse("config show", map[string]any{"path": path, "values": values}).Write(out)
	}

	fmt.Fprintln(out, TitleStyle.Render("rigrun configuration"))
	fmt.Fprintln(out, DimStyle.Render("# "+path))
	fmt.Fprintln(out, RenderSeparator(out))
	fmt.Fprint(out, cfg.String())
	return nil
}

// displayValue renders a value for output, masking secrets.
func displayValue(key string, value any) string {
	if secretKeys[key] {
		s, _ := value.(string)
		return cloud.MaskKey(s)
	}
	switch v := value.(type) {
	case []string:
		return strings.Join(v, ",")
	default:
		return fmt.Sprint(v)
	}
}
