package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/platinummonkey/permengine/pkg/async"
	"github.com/platinummonkey/permengine/pkg/observability"
)

// Watcher reloads the YAML config file when it changes on disk
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *observability.Logger
}

// NewWatcher watches the directory holding path, so editors that replace
// the file atomically are still seen.
func NewWatcher(path string, logger *observability.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return &Watcher{path: abs, watcher: w, logger: logger.WithField("config_file", abs)}, nil
}

// Start reloads on every write or create of the file and passes the new,
// validated config to onChange. Invalid files are logged and ignored.
func (w *Watcher) Start(ctx context.Context, onChange func(*Config)) {
	ctx = observability.WithLogger(ctx, w.logger)
	async.SafeGo(ctx, 0, "config watcher", func(ctx context.Context) error {
		defer w.watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-w.watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(event.Name) != w.path || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(w.path)
				if err != nil {
					w.logger.WithError(err).Warn("Ignoring invalid config change")
					continue
				}
				w.logger.Info("Configuration reloaded")
				onChange(cfg)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return nil
				}
				w.logger.WithError(err).Warn("Config watcher error")
			}
		}
	})
}
