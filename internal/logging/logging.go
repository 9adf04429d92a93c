// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging builds the process slog.Logger: a tint console handler on
// stderr plus an optional lumberjack-rotated file.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jeranaias/rigrun-router/internal/config"
)

const (
	defaultLogFileName = "rigrun.log"

	// PromptPreviewLen is how many characters of a prompt may appear in a log line.
	PromptPreviewLen = 80
)

// New creates the logger writing to stderr and installs it as slog's default.
// The returned close function flushes and closes the log file, if any.
func New(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter is New with an explicit console writer. Colour is enabled
// only when w is a terminal and no log file is configured.
func NewWithWriter(cfg config.LoggingConfig, w io.Writer) (*slog.Logger, func() error, error) {
	level := ParseLevel(cfg.Level)
	noop := func() error { return nil }

	logDir := strings.TrimSpace(cfg.Dir)
	if logDir == "" {
		logger := newLogger(w, level, !isTerminal(w))
		slog.SetDefault(logger)
		return logger, noop, nil
	}

	if cfg.MaxSizeMB <= 0 || cfg.MaxBackups < 0 || cfg.MaxAgeDays < 0 {
		return nil, noop, fmt.Errorf(
			"invalid log config: size=%d backups=%d age_days=%d",
			cfg.MaxSizeMB,
			cfg.MaxBackups,
			cfg.MaxAgeDays,
		)
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, noop, fmt.Errorf("create log dir failed: %w", err)
	}

	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, defaultLogFileName),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}

	logger := newLogger(io.MultiWriter(w, logFile), level, true)
	slog.SetDefault(logger)
	logger.Debug("file logging enabled", "path", logFile.Filename)
	return logger, logFile.Close, nil
}

func newLogger(w io.Writer, level slog.Level, noColor bool) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
		AddSource:  true,
		NoColor:    noColor,
	}))
}

// ParseLevel maps a config level name to a slog.Level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Preview shortens a prompt for logging to PromptPreviewLen characters.
func Preview(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	runes := []rune(prompt)
	if len(runes) <= PromptPreviewLen {
		return prompt
	}
	return string(runes[:PromptPreviewLen-3]) + "..."
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
