// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jeranaias/rigrun-router/internal/prompt"
	"github.com/jeranaias/rigrun-router/internal/router"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete rigrun configuration.
type Config struct {
	Routing      RoutingConfig      `toml:"routing" json:"routing"`
	Cache        CacheConfig        `toml:"cache" json:"cache"`
	Local        LocalConfig        `toml:"local" json:"local"`
	Cloud        CloudConfig        `toml:"cloud" json:"cloud"`
	Orchestrator OrchestratorConfig `toml:"orchestrator" json:"orchestrator"`
	Prompt       PromptConfig       `toml:"prompt" json:"prompt"`
	Logging      LoggingConfig      `toml:"logging" json:"logging"`
	Usage        UsageConfig        `toml:"usage" json:"usage"`
	Metrics      MetricsConfig      `toml:"metrics" json:"metrics"`
	Watch        WatchConfig        `toml:"watch" json:"watch"`

	// envErrs collects unparseable environment overrides for Validate.
	envErrs ValidateErrors
}

// RoutingConfig contains query routing configuration.
type RoutingConfig struct {
	// Preference is one of: auto, force_local, force_cloud, prefer_local, prefer_cloud.
	// It is re-read on every routing decision when the config file is watched.
	Preference string `toml:"preference" json:"preference"`
}

// CacheConfig sizes the response cache. Read once at orchestrator construction.
type CacheConfig struct {
	// MaxItems is the maximum number of cached responses
	MaxItems int `toml:"max_items" json:"max_items"`
	// TTLSeconds is the lifetime of an entry, measured from insertion
	TTLSeconds int `toml:"ttl_seconds" json:"ttl_seconds"`
	// Coalesce shares one tier call between concurrent identical requests
	Coalesce bool `toml:"coalesce" json:"coalesce"`
}

// TTL returns TTLSeconds as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// LocalConfig contains the llama.cpp server configuration.
type LocalConfig struct {
	ServerURL           string `toml:"server_url" json:"server_url"`
	ModelPath           string `toml:"model_path" json:"model_path"`
	MaxContextTokens    int    `toml:"max_context_tokens" json:"max_context_tokens"`
	TimeoutSeconds      int    `toml:"timeout_seconds" json:"timeout_seconds"`
	ReadyTimeoutSeconds int    `toml:"ready_timeout_seconds" json:"ready_timeout_seconds"`
}

// CloudConfig contains cloud provider (OpenRouter) configuration.
type CloudConfig struct {
	// OpenRouterKey is the OpenRouter API key
	OpenRouterKey string `toml:"openrouter_key" json:"openrouter_key"`
	BaseURL       string `toml:"base_url" json:"base_url"`
	// Model is a full OpenRouter model id or a short name (haiku, sonnet, ...)
	Model          string `toml:"model" json:"model"`
	TimeoutSeconds int    `toml:"timeout_seconds" json:"timeout_seconds"`
	// RequestsPerSecond throttles outgoing requests (0 = unlimited)
	RequestsPerSecond float64 `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `toml:"burst" json:"burst"`
}

// OrchestratorConfig contains per-request orchestration settings.
type OrchestratorConfig struct {
	// RequestTimeoutSeconds bounds every tier call. Negative disables the deadline.
	RequestTimeoutSeconds int `toml:"request_timeout_seconds" json:"request_timeout_seconds"`
	// CacheStrategy is forwarded to the cloud provider as a prompt caching hint
	// ("" or "ephemeral").
	CacheStrategy string `toml:"cache_strategy" json:"cache_strategy"`
}

// RequestTimeout returns the per-call deadline. A negative value means the
// deadline is disabled and is passed through as -1.
func (c OrchestratorConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutSeconds < 0 {
		return -1
	}
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// PromptConfig holds per-tier text/template prompt wrappers.
type PromptConfig struct {
	LocalTemplate string `toml:"local_template" json:"local_template"`
	CloudTemplate string `toml:"cloud_template" json:"cloud_template"`
}

// LoggingConfig configures the slog handlers.
type LoggingConfig struct {
	// Level is debug, info, warn or error
	Level string `toml:"level" json:"level"`
	// Dir enables a rotating log file in this directory when set
	Dir        string `toml:"dir" json:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress"`
}

// UsageConfig configures the SQLite usage ledger.
type UsageConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	DBPath  string `toml:"db_path" json:"db_path"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics; empty disables the endpoint
	Addr   string `toml:"addr" json:"addr"`
	APIKey string `toml:"api_key" json:"api_key"`
}

// WatchConfig lists source paths whose changes invalidate the response cache.
type WatchConfig struct {
	Paths      []string `toml:"paths" json:"paths"`
	DebounceMs int      `toml:"debounce_ms" json:"debounce_ms"`
}

// Debounce returns DebounceMs as a duration.
func (c WatchConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Routing: RoutingConfig{
			Preference: string(router.PreferenceAuto),
		},
		Cache: CacheConfig{
			MaxItems:   500,
			TTLSeconds: 3600,
		},
		Local: LocalConfig{
			ServerURL:           "http://127.0.0.1:8080",
			MaxContextTokens:    4096,
			TimeoutSeconds:      120,
			ReadyTimeoutSeconds: 60,
		},
		Cloud: CloudConfig{
			BaseURL:        "https://openrouter.ai/api/v1",
			Model:          "openrouter/auto",
			TimeoutSeconds: 60,
			Burst:          1,
		},
		Orchestrator: OrchestratorConfig{
			RequestTimeoutSeconds: 120,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Usage: UsageConfig{
			Enabled: true,
		},
		Watch: WatchConfig{
			DebounceMs: 500,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the rigrun configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rigrun"), nil
}

// ConfigPath returns the config file path: RIGRUN_CONFIG when set, else
// ~/.rigrun/config.toml.
func ConfigPath() (string, error) {
	if p := os.Getenv("RIGRUN_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ensureSecurePermissions tightens config files to 0600; they hold API keys.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from ~/.rigrun/.env and ./.env.
// Variables already set in the environment are never overwritten.
func LoadDotEnv() error {
	var files []string
	if dir, err := ConfigDir(); err == nil {
		files = append(files, filepath.Join(dir, ".env"))
	}
	files = append(files, ".env")

	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load reads the configuration at path (ConfigPath() when empty). A missing
// file yields the defaults. Environment overrides are applied last, then the
// result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	return finish(cfg)
}

// LoadFromPath loads the configuration at path, which must exist.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := LoadTOML(cfg, path); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnvOverrides()
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file over cfg. Keys absent from the file keep
// their current values.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %s\n", path, strings.Join(keys, ", "))
	}
	fillDefaults(cfg)
	return nil
}

// fillDefaults fills in any zero values with defaults.
func fillDefaults(cfg *Config) {
	defaults := Default()

	if cfg.Routing.Preference == "" {
		cfg.Routing.Preference = defaults.Routing.Preference
	}

	if cfg.Cache.MaxItems == 0 {
		cfg.Cache.MaxItems = defaults.Cache.MaxItems
	}
	if cfg.Cache.TTLSeconds == 0 {
		cfg.Cache.TTLSeconds = defaults.Cache.TTLSeconds
	}

	if cfg.Local.ServerURL == "" {
		cfg.Local.ServerURL = defaults.Local.ServerURL
	}
	if cfg.Local.MaxContextTokens == 0 {
		cfg.Local.MaxContextTokens = defaults.Local.MaxContextTokens
	}
	if cfg.Local.TimeoutSeconds == 0 {
		cfg.Local.TimeoutSeconds = defaults.Local.TimeoutSeconds
	}
	if cfg.Local.ReadyTimeoutSeconds == 0 {
		cfg.Local.ReadyTimeoutSeconds = defaults.Local.ReadyTimeoutSeconds
	}

	if cfg.Cloud.BaseURL == "" {
		cfg.Cloud.BaseURL = defaults.Cloud.BaseURL
	}
	if cfg.Cloud.Model == "" {
		cfg.Cloud.Model = defaults.Cloud.Model
	}
	if cfg.Cloud.TimeoutSeconds == 0 {
		cfg.Cloud.TimeoutSeconds = defaults.Cloud.TimeoutSeconds
	}
	if cfg.Cloud.Burst == 0 {
		cfg.Cloud.Burst = defaults.Cloud.Burst
	}

	if cfg.Orchestrator.RequestTimeoutSeconds == 0 {
		cfg.Orchestrator.RequestTimeoutSeconds = defaults.Orchestrator.RequestTimeoutSeconds
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = defaults.Logging.MaxSizeMB
	}

	if cfg.Usage.DBPath == "" {
		if dir, err := ConfigDir(); err == nil {
			cfg.Usage.DBPath = filepath.Join(dir, "usage.db")
		}
	}

	if cfg.Watch.DebounceMs == 0 {
		cfg.Watch.DebounceMs = defaults.Watch.DebounceMs
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration to path with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	// The file may have existed with looser permissions.
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	fmt.Fprintln(file, "# rigrun configuration file")
	fmt.Fprintln(file, "# Generated by rigrun - edit with care")
	fmt.Fprintln(file, "")

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Update applies fn to the configuration stored at path (the defaults when
// the file does not exist), validates the result and saves it. Environment
// overrides are neither applied nor written back.
func Update(path string, fn func(*Config) error) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := fn(cfg); err != nil {
		return nil, err
	}
	fillDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := SaveTOML(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Has reports whether field failed validation.
func (e ValidateErrors) Has(field string) bool {
	for _, err := range e {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Validate validates the configuration. The returned error is a ValidateErrors.
func (c *Config) Validate() error {
	errs := append(ValidateErrors(nil), c.envErrs...)
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if _, ok := router.ParsePreference(c.Routing.Preference); !ok {
		add("routing.preference", "invalid preference %q, must be one of: auto, force_local, force_cloud, prefer_local, prefer_cloud", c.Routing.Preference)
	}

	if c.Cache.MaxItems < 0 {
		add("cache.max_items", "must not be negative (got %d)", c.Cache.MaxItems)
	}
	if c.Cache.TTLSeconds < 0 {
		add("cache.ttl_seconds", "must not be negative (got %d)", c.Cache.TTLSeconds)
	}

	if err := validateURL(c.Local.ServerURL); err != nil {
		add("local.server_url", "%v", err)
	}
	if c.Local.MaxContextTokens < 0 {
		add("local.max_context_tokens", "must be positive (got %d)", c.Local.MaxContextTokens)
	}
	if c.Local.TimeoutSeconds < 0 {
		add("local.timeout_seconds", "must be positive (got %d)", c.Local.TimeoutSeconds)
	}
	if c.Local.ReadyTimeoutSeconds < 0 {
		add("local.ready_timeout_seconds", "must be positive (got %d)", c.Local.ReadyTimeoutSeconds)
	}

	if err := validateURL(c.Cloud.BaseURL); err != nil {
		add("cloud.base_url", "%v", err)
	}
	if c.Cloud.TimeoutSeconds < 0 {
		add("cloud.timeout_seconds", "must be positive (got %d)", c.Cloud.TimeoutSeconds)
	}
	if c.Cloud.RequestsPerSecond < 0 {
		add("cloud.requests_per_second", "must not be negative (got %g)", c.Cloud.RequestsPerSecond)
	}
	if c.Cloud.Burst < 0 {
		add("cloud.burst", "must not be negative (got %d)", c.Cloud.Burst)
	}

	switch c.Orchestrator.CacheStrategy {
	case "", "ephemeral":
	default:
		add("orchestrator.cache_strategy", "invalid strategy %q, must be empty or ephemeral", c.Orchestrator.CacheStrategy)
	}

	if _, err := prompt.NewTemplates(c.Prompt.LocalTemplate, c.Prompt.CloudTemplate); err != nil {
		add("prompt", "%v", err)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level", "invalid level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		add("logging", "rotation limits must not be negative")
	}

	if c.Usage.Enabled && c.Usage.DBPath == "" {
		add("usage.db_path", "required when usage is enabled")
	}

	if c.Watch.DebounceMs < 0 {
		add("watch.debounce_ms", "must not be negative (got %d)", c.Watch.DebounceMs)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid URL %q: missing host", raw)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - RIGRUN_PREFERENCE: overrides routing.preference
//   - RIGRUN_OPENROUTER_KEY, OPENROUTER_API_KEY: override cloud.openrouter_key
//   - RIGRUN_LLAMA_URL: overrides local.server_url
//   - RIGRUN_MODEL_PATH: overrides local.model_path
//   - RIGRUN_CACHE_MAX_ITEMS: overrides cache.max_items
//   - RIGRUN_CACHE_TTL_SECONDS: overrides cache.ttl_seconds
//   - RIGRUN_LOG_LEVEL: overrides logging.level
func (c *Config) ApplyEnvOverrides() {
	c.envErrs = nil

	if pref := os.Getenv("RIGRUN_PREFERENCE"); pref != "" {
		c.Routing.Preference = pref
	}

	// RIGRUN_OPENROUTER_KEY wins over the provider's own variable.
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.Cloud.OpenRouterKey = key
	}
	if key := os.Getenv("RIGRUN_OPENROUTER_KEY"); key != "" {
		c.Cloud.OpenRouterKey = key
	}

	if u := os.Getenv("RIGRUN_LLAMA_URL"); u != "" {
		c.Local.ServerURL = u
	}
	if p := os.Getenv("RIGRUN_MODEL_PATH"); p != "" {
		c.Local.ModelPath = p
	}

	c.envInt("RIGRUN_CACHE_MAX_ITEMS", "cache.max_items", &c.Cache.MaxItems)
	c.envInt("RIGRUN_CACHE_TTL_SECONDS", "cache.ttl_seconds", &c.Cache.TTLSeconds)

	if level := os.Getenv("RIGRUN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func (c *Config) envInt(name, field string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		c.envErrs = append(c.envErrs, ValidationError{Field: field, Message: fmt.Sprintf("%s=%q is not an integer", name, raw)})
		return
	}
	*dst = n
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "cache.max_items").
func (c *Config) Get(key string) (any, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation (e.g., "routing.preference").
// String values are converted to the field's type.
func (c *Config) Set(key string, value any) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByKey(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			if field.Kind() == reflect.Struct {
				return reflect.Value{}, fmt.Errorf("field '%s' is a section, not a value", key)
			}
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// fieldByKey finds an exported struct field by TOML tag or Go name.
func fieldByKey(v reflect.Value, key string) (reflect.Value, bool) {
	t := v.Type()
	normalized := normalizeFieldName(key)
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		if tomlName(sf) == key || strings.EqualFold(sf.Name, normalized) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func tomlName(sf reflect.StructField) string {
	name, _, _ := strings.Cut(sf.Tag.Get("toml"), ",")
	return name
}

// normalizeFieldName converts a snake_case or kebab-case name to its Go field equivalent.
func normalizeFieldName(name string) string {
	parts := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-'
	})

	var result strings.Builder
	for _, part := range parts {
		result.WriteString(strings.ToUpper(part[:1]))
		result.WriteString(strings.ToLower(part[1:]))
	}
	return result.String()
}

// setFieldValue sets a reflect.Value from an interface value with type conversion.
func setFieldValue(field reflect.Value, value any) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			boolVal, err := strconv.ParseBool(strVal)
			if err != nil {
				return fmt.Errorf("invalid boolean value: %v", err)
			}
			field.SetBool(boolVal)
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, s := range strings.Split(strVal, ",") {
					if s = strings.TrimSpace(s); s != "" {
						items = append(items, s)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if !val.IsValid() {
		return fmt.Errorf("cannot assign nil to %s", field.Type())
	}
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) && val.Kind() != reflect.String {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Keys returns every settable configuration key in dot notation.
func Keys() []string {
	var keys []string
	t := reflect.TypeOf(Config{})
	for i := 0; i < t.NumField(); i++ {
		section := t.Field(i)
		if !section.IsExported() || section.Type.Kind() != reflect.Struct {
			continue
		}
		for j := 0; j < section.Type.NumField(); j++ {
			keys = append(keys, tomlName(section)+"."+tomlName(section.Type.Field(j)))
		}
	}
	return keys
}

// String renders the configuration as TOML with secrets redacted.
func (c *Config) String() string {
	safe := *c
	if safe.Cloud.OpenRouterKey != "" {
		safe.Cloud.OpenRouterKey = "[REDACTED]"
	}
	if safe.Metrics.APIKey != "" {
		safe.Metrics.APIKey = "[REDACTED]"
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(safe); err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return buf.String()
}
