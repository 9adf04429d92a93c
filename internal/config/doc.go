// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for rigrun.
//
// Configuration is TOML with sensible defaults, environment variable
// overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - CacheConfig: Response cache sizing, read once by the orchestrator
//   - PreferenceWatcher: Live routing preference that follows the config file
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RIGRUN_*, optionally from .env files)
//   - $RIGRUN_CONFIG or ~/.rigrun/config.toml
//   - Built-in defaults
//
// # Usage
//
//	if err := config.LoadDotEnv(); err != nil {
//	    return err
//	}
//	cfg, err := config.Load("")
//	if err != nil {
//	    return err
//	}
//	prefs, err := config.WatchPreference(path, router.Preference(cfg.Routing.Preference), logger)
package config
