// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jeranaias/rigrun-router/internal/router"
)

// =============================================================================
// PREFERENCE WATCHER
// =============================================================================

// reloadDelay lets a burst of writes settle before the file is re-read.
const reloadDelay = 100 * time.Millisecond

// PreferenceWatcher is a router.PreferenceSource that follows
// routing.preference in a config file. The file's directory is watched so
// editors that save by rename are picked up. A file that fails to load keeps
// the previous preference.
type PreferenceWatcher struct {
	path    string
	current atomic.Value // router.Preference
	reloads atomic.Int64
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ router.PreferenceSource = (*PreferenceWatcher)(nil)

// WatchPreference starts watching path. initial is served until the first
// successful reload.
func WatchPreference(path string, initial router.Preference, logger *slog.Logger) (*PreferenceWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	pw := &PreferenceWatcher{
		path:    filepath.Clean(path),
		watcher: w,
		logger:  logger,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	pw.current.Store(initial)

	go pw.run(ctx)
	return pw, nil
}

// Preference implements router.PreferenceSource.
func (pw *PreferenceWatcher) Preference() router.Preference {
	return pw.current.Load().(router.Preference)
}

// Reloads returns how many times the file was reloaded successfully.
func (pw *PreferenceWatcher) Reloads() int64 {
	return pw.reloads.Load()
}

// Close stops watching and waits for the event loop to exit.
func (pw *PreferenceWatcher) Close() error {
	pw.cancel()
	err := pw.watcher.Close()
	<-pw.done
	return err
}

func (pw *PreferenceWatcher) run(ctx context.Context) {
	defer close(pw.done)

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case <-pending:
			pending = nil
			pw.reload()

		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != pw.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				pending = time.After(reloadDelay)
			}

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn("config watcher error", "path", pw.path, "error", err)
		}
	}
}

func (pw *PreferenceWatcher) reload() {
	cfg, err := LoadFromPath(pw.path)
	if err != nil {
		pw.logger.Warn("config reload failed, keeping previous preference",
			"path", pw.path, "error", err)
		return
	}

	pref, _ := router.ParsePreference(cfg.Routing.Preference)
	old := pw.Preference()
	pw.current.Store(pref)
	pw.reloads.Add(1)
	if old != pref {
		pw.logger.Info("routing preference changed", "from", old, "to", pref)
	}
}
