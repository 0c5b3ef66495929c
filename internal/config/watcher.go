package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"gatewind/internal/state"
	"gatewind/internal/types"
)

// Watcher re-reads the routing file when it changes on disk and hands the
// new table to its callbacks
type Watcher struct {
	path      string
	logger    types.Logger
	callbacks []func(*state.AppConfig)
	mu        sync.RWMutex
	watcher   *fsnotify.Watcher
	stopOnce  sync.Once
	stopCh    chan struct{}
	debounce  time.Duration
}

// NewWatcher creates a watcher for the routing file at path
func NewWatcher(path string, logger types.Logger) (*Watcher, error) {
	if logger == nil {
		logger = types.NopLogger{}
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		path:     path,
		logger:   logger,
		watcher:  fsWatcher,
		stopCh:   make(chan struct{}),
		debounce: 500 * time.Millisecond,
	}, nil
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file by renaming are picked up.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch routing file: %w", err)
	}
	w.logger.Info("Watching routing file", "file", w.path)

	go w.watch(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	return err
}

// OnChange registers a callback for routing file changes
func (w *Watcher) OnChange(callback func(*state.AppConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// watch watches for configuration changes
func (w *Watcher) watch(ctx context.Context) {
	// Debounce timer to avoid multiple reloads
	var debounceTimer *time.Timer
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.logger.Debug("Routing file changed", "file", event.Name, "op", event.Op)

				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(w.debounce, w.reload)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Routing file watcher error", "error", err)
		}
	}
}

// reload parses the routing file and notifies the callbacks
func (w *Watcher) reload() {
	w.logger.Info("Reloading routing file", "file", w.path)

	cfg, err := LoadRoutingFile(w.path)
	if err != nil {
		w.logger.Error("Failed to reload routing file", "error", err)
		return
	}

	w.mu.RLock()
	callbacks := make([]func(*state.AppConfig), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, callback := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.Error("Routing change callback panicked", "error", r)
				}
			}()
			callback(cfg)
		}()
	}
}
