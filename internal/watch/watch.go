// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package watch invalidates cached responses when the sources they were
// generated from change on disk.
//
// Cached completions are keyed on the prompt only, so an answer about a file
// goes stale once the file is edited. SourceWatcher observes a set of paths
// with fsnotify and, after changes settle, calls a callback (normally
// Orchestrator.ClearCache).
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is used when Config.Debounce is zero.
const DefaultDebounce = 500 * time.Millisecond

// DefaultIgnorePatterns are base-name globs that never trigger invalidation.
var DefaultIgnorePatterns = []string{
	".git", ".svn", ".hg",
	"node_modules", "__pycache__", ".venv", "venv",
	"vendor", "target", "dist", "build",
	".idea", ".vscode", ".vs",
	"*.swp", "*.swx", "*~", ".#*", "4913",
}

// ErrNoPaths is returned by New when there is nothing to watch.
var ErrNoPaths = errors.New("watch: no paths configured")

// Config controls a SourceWatcher.
type Config struct {
	Paths          []string
	Debounce       time.Duration
	IgnorePatterns []string // nil means DefaultIgnorePatterns
	Logger         *slog.Logger
}

// ChangeFunc receives the settled set of changed paths, sorted.
type ChangeFunc func(paths []string)

// =============================================================================
// SOURCE WATCHER
// =============================================================================

// SourceWatcher batches filesystem events and reports them once they settle.
type SourceWatcher struct {
	watcher  *fsnotify.Watcher
	roots    []string
	debounce time.Duration
	ignore   []string
	onChange ChangeFunc
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time

	flushes atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a watcher for cfg.Paths. Watching starts with Watch.
func New(cfg Config, onChange ChangeFunc) (*SourceWatcher, error) {
	if len(cfg.Paths) == 0 {
		return nil, ErrNoPaths
	}
	if onChange == nil {
		return nil, errors.New("watch: change callback is required")
	}

	roots := make([]string, 0, len(cfg.Paths))
	for _, p := range cfg.Paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("watch: resolve %s: %w", p, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("watch: %w", err)
		}
		roots = append(roots, abs)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	ignore := cfg.IgnorePatterns
	if ignore == nil {
		ignore = DefaultIgnorePatterns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SourceWatcher{
		watcher:  fw,
		roots:    roots,
		debounce: debounce,
		ignore:   ignore,
		onChange: onChange,
		logger:   logger.With("component", "watch"),
		pending:  make(map[string]time.Time),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Watch registers every root (directories recursively) and starts the event
// and debounce loops.
func (sw *SourceWatcher) Watch() error {
	for _, root := range sw.roots {
		if err := sw.add(root); err != nil {
			return err
		}
	}

	sw.wg.Add(2)
	go sw.processEvents()
	go sw.processPending()

	sw.logger.Info("watching sources for changes", "paths", sw.roots, "debounce", sw.debounce)
	return nil
}

// Flushes reports how many times the change callback has run.
func (sw *SourceWatcher) Flushes() int64 {
	return sw.flushes.Load()
}

// Close stops watching. It is safe to call more than once.
func (sw *SourceWatcher) Close() error {
	var err error
	sw.once.Do(func() {
		sw.cancel()
		err = sw.watcher.Close()
		sw.wg.Wait()
	})
	return err
}

// add watches a file directly, or a directory and all its subdirectories.
func (sw *SourceWatcher) add(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	if !info.IsDir() {
		if err := sw.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	}

	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree
		}
		if !d.IsDir() {
			return nil
		}
		if p != path && sw.ignored(p) {
			return filepath.SkipDir
		}
		if err := sw.watcher.Add(p); err != nil {
			sw.logger.Warn("cannot watch directory", "path", p, "error", err)
		}
		return nil
	})
}

func (sw *SourceWatcher) ignored(path string) bool {
	name := filepath.Base(path)
	for _, pattern := range sw.ignore {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// processEvents turns fsnotify events into pending changes.
func (sw *SourceWatcher) processEvents() {
	defer sw.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			sw.logger.Error("watch event loop panicked", "panic", r)
		}
	}()

	for {
		select {
		case <-sw.ctx.Done():
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod || sw.ignored(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := sw.add(event.Name); err != nil {
						sw.logger.Warn("cannot watch new directory", "path", event.Name, "error", err)
					}
				}
			}

			sw.mu.Lock()
			sw.pending[event.Name] = time.Now()
			sw.mu.Unlock()

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Warn("watch error", "error", err)
		}
	}
}

// processPending flushes pending changes once none has arrived for the
// debounce interval.
func (sw *SourceWatcher) processPending() {
	defer sw.wg.Done()

	tick := sw.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-sw.ctx.Done():
			return
		case now := <-ticker.C:
			if paths := sw.settled(now); len(paths) > 0 {
				sw.flush(paths)
			}
		}
	}
}

// settled drains the pending set if its newest change is older than the
// debounce interval. A burst of edits therefore produces one flush.
func (sw *SourceWatcher) settled(now time.Time) []string {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if len(sw.pending) == 0 {
		return nil
	}
	var newest time.Time
	for _, at := range sw.pending {
		if at.After(newest) {
			newest = at
		}
	}
	if now.Sub(newest) < sw.debounce {
		return nil
	}

	paths := make([]string, 0, len(sw.pending))
	for p := range sw.pending {
		paths = append(paths, p)
	}
	clear(sw.pending)
	sort.Strings(paths)
	return paths
}

func (sw *SourceWatcher) flush(paths []string) {
	defer func() {
		if r := recover(); r != nil {
			sw.logger.Error("change callback panicked", "panic", r)
		}
	}()
	sw.logger.Info("sources changed", "files", len(paths), "first", paths[0])
	sw.onChange(paths)
	sw.flushes.Add(1)
}
