// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// runtime.go - wires config into backends, tiers and the orchestrator.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jeranaias/rigrun-router/internal/cloud"
	"github.com/jeranaias/rigrun-router/internal/config"
	"github.com/jeranaias/rigrun-router/internal/llamacpp"
	"github.com/jeranaias/rigrun-router/internal/metrics"
	"github.com/jeranaias/rigrun-router/internal/orchestrator"
	"github.com/jeranaias/rigrun-router/internal/prompt"
	"github.com/jeranaias/rigrun-router/internal/router"
	"github.com/jeranaias/rigrun-router/internal/tier"
	"github.com/jeranaias/rigrun-router/internal/usage"
)

// Runtime is a fully wired orchestrator plus everything it owns.
type Runtime struct {
	Config     *config.Config
	ConfigPath string
	Logger     *slog.Logger
	Orch       *orchestrator.Orchestrator
	Local      *tier.LocalTier
	Cloud      *cloud.OpenRouterClient
	Metrics    *metrics.Collector
	Ledger     *usage.Ledger // nil when usage tracking is disabled
	Prefs      router.PreferenceSource

	closers []func() error
}

// runtimeOptions adjusts how a Runtime is built for a single command.
type runtimeOptions struct {
	// watchPreference follows routing.preference in the config file
	watchPreference bool
}

// newRuntime loads configuration and builds the orchestrator. The caller
// must Close the result.
func newRuntime(ctx context.Context, g *globalOptions, stderr io.Writer, opts runtimeOptions) (*Runtime, error) {
	cfg, path, err := g.loadConfig()
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:     cfg,
		ConfigPath: path,
		Logger:     logger,
		Metrics:    metrics.New(),
		closers:    []func() error{closeLog},
	}
	if err := rt.build(ctx, g, opts); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) build(ctx context.Context, g *globalOptions, opts runtimeOptions) error {
	cfg := rt.Config

	rt.Prefs = router.StaticPreference(router.Preference(cfg.Routing.Preference))
	// A --preference flag pins the preference for the whole run.
	if opts.watchPreference && g.preference == "" {
		if _, err := os.Stat(rt.ConfigPath); err == nil {
			pw, err := config.WatchPreference(rt.ConfigPath, router.Preference(cfg.Routing.Preference), rt.Logger)
			if err != nil {
				rt.Logger.Warn("config file will not be watched", "path", rt.ConfigPath, "error", err)
			} else {
				rt.Prefs = pw
				rt.closers = append(rt.closers, pw.Close)
			}
		}
	}

	formatter, err := prompt.FromConfig(cfg.Prompt.LocalTemplate, cfg.Prompt.CloudTemplate)
	if err != nil {
		return err
	}

	backend := llamacpp.NewClientWithConfig(&llamacpp.ClientConfig{
		BaseURL:      cfg.Local.ServerURL,
		Timeout:      time.Duration(cfg.Local.TimeoutSeconds) * time.Second,
		ReadyTimeout: time.Duration(cfg.Local.ReadyTimeoutSeconds) * time.Second,
	})
	rt.Local = tier.NewLocalTier(backend, tier.LocalConfig{
		ModelPath:        cfg.Local.ModelPath,
		MaxContextTokens: cfg.Local.MaxContextTokens,
	})
	if err := rt.initializeLocal(ctx); err != nil {
		return err
	}

	rt.Cloud = cloud.NewOpenRouterClient(cfg.Cloud.OpenRouterKey).
		WithBaseURL(cfg.Cloud.BaseURL).
		WithTimeout(time.Duration(cfg.Cloud.TimeoutSeconds) * time.Second).
		WithRateLimit(cfg.Cloud.RequestsPerSecond, cfg.Cloud.Burst).
		WithLogger(rt.Logger).
		WithUserAgent("rigrun/" + Version)
	rt.Cloud.SetModel(cfg.Cloud.Model)
	switch {
	case !rt.Cloud.IsConfigured():
		rt.Logger.Warn("no OpenRouter key configured; CLOUD requests will fail",
			"hint", "set cloud.openrouter_key or OPENROUTER_API_KEY")
	case !cloud.ValidateAPIKey(cfg.Cloud.OpenRouterKey):
		rt.Logger.Warn("OpenRouter key does not look valid", "key", rt.Cloud.APIKeyMasked())
	default:
		rt.Logger.Debug("cloud tier ready", "model", rt.Cloud.GetModel(), "key", rt.Cloud.APIKeyMasked())
	}

	var recorder usage.Recorder = usage.Nop
	if cfg.Usage.Enabled {
		ledger, err := usage.Open(cfg.Usage.DBPath)
		if err != nil {
			return fmt.Errorf("open usage ledger: %w", err)
		}
		rt.Ledger = ledger
		rt.closers = append(rt.closers, ledger.Close)
		recorder = ledger
	}

	rt.Orch, err = orchestrator.New(orchestrator.Config{
		Cache:          cfg.Cache,
		RequestTimeout: cfg.Orchestrator.RequestTimeout(),
		Coalesce:       cfg.Cache.Coalesce,
		CacheStrategy:  cfg.Orchestrator.CacheStrategy,
	}, orchestrator.Deps{
		Cloud:     tier.NewCloudTier(rt.Cloud),
		Local:     rt.Local,
		Router:    router.New(rt.Prefs),
		Formatter: formatter,
		Logger:    rt.Logger,
		Metrics:   rt.Metrics,
		Usage:     recorder,
	})
	return err
}

// initializeLocal loads the local model. With no model path configured the
// tier stays uninitialized and every LOCAL request falls back to CLOUD. A
// server that never becomes ready does the same; only a bad model path is
// fatal.
func (rt *Runtime) initializeLocal(ctx context.Context) error {
	if rt.Config.Local.ModelPath == "" {
		rt.Logger.Debug("no local model configured; LOCAL requests will fall back to CLOUD")
		return nil
	}
	err := rt.Local.Initialize(ctx)
	switch {
	case err == nil:
		rt.Logger.Debug("local model ready", "model", rt.Config.Local.ModelPath)
		return nil
	case tier.IsConfigError(err):
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		rt.Logger.Warn("local tier unavailable; LOCAL requests will fall back to CLOUD", "error", err)
		return nil
	}
}

// Close releases everything the runtime opened, newest first.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
