// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tombee/toolmesh/internal/log"
)

// Watcher invokes a callback when the registry file changes on disk.
// Persists happen by rename into place, so the parent directory is watched
// and events are matched by file name; a direct watch on the data file
// would die with the first replaced inode.
type Watcher struct {
	// fsWatcher is the underlying filesystem watcher
	fsWatcher *fsnotify.Watcher

	// path is the registry file being tracked
	path string

	// onChange runs after the debounce window closes
	onChange func()

	// logger is used for structured logging
	logger *slog.Logger

	// debounceDelay coalesces bursts of writes into one callback
	debounceDelay time.Duration

	// pending is the armed debounce timer, if any
	pending *time.Timer

	// mu protects pending
	mu sync.Mutex

	// ctx is the watcher's lifecycle context
	ctx context.Context

	// cancel stops the watcher
	cancel context.CancelFunc

	// wg tracks the event loop goroutine
	wg sync.WaitGroup
}

// WatcherConfig configures the registry file watcher.
type WatcherConfig struct {
	// Path is the registry file to track
	Path string

	// OnChange is invoked, debounced, after the file changes
	OnChange func()

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// DebounceDelay coalesces change bursts (defaults to 500ms)
	DebounceDelay time.Duration
}

// NewWatcher creates a watcher for the registry file and starts its event
// loop. Close releases it.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve registry path: %w", err)
	}

	// The parent must exist before it can be watched.
	dir := filepath.Dir(absPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create registry directory: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := fsWatcher.Add(dir); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		fsWatcher:     fsWatcher,
		path:          absPath,
		onChange:      cfg.OnChange,
		logger:        log.WithComponent(logger, "registry-watcher"),
		debounceDelay: debounceDelay,
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// processEvents filters directory events down to the registry file and
// schedules debounced callbacks.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}

			// Rename covers the atomic replace; Write and Create cover
			// plain writers.
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleCallback()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("registry watcher error", log.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

// scheduleCallback arms (or re-arms) the debounce timer.
func (w *Watcher) scheduleCallback() {
	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
	}
	w.mu.Unlock()

	timer := time.AfterFunc(w.debounceDelay, func() {
		w.mu.Lock()
		w.pending = nil
		w.mu.Unlock()

		w.logger.Debug("registry file changed")
		w.onChange()
	})

	w.mu.Lock()
	w.pending = timer
	w.mu.Unlock()
}

// Close shuts down the watcher and waits for the event loop to stop.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	w.wg.Wait()

	return w.fsWatcher.Close()
}
