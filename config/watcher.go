package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads configuration when the backing file changes. Only the
// model validation sets are expected to change at runtime; consumers receive
// the full reloaded Config and pick the fields they care about.
type Watcher struct {
	path   string
	logger *slog.Logger
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, logger: logger}
}

// Watch blocks until ctx is done, invoking onReload with each successfully
// reloaded config. Parse failures are logged and skipped; the previous
// config stays in effect.
func (w *Watcher) Watch(ctx context.Context, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch config directory: %w", err)
	}

	// Debounce: editors fire several events per save.
	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", "error", err)
		case <-reload:
			cfg, err := LoadFromFile(w.path)
			if err != nil {
				w.logger.Warn("Config reload failed, keeping previous", "path", w.path, "error", err)
				continue
			}
			if err := cfg.Validate(); err != nil {
				w.logger.Warn("Reloaded config invalid, keeping previous", "path", w.path, "error", err)
				continue
			}
			w.logger.Info("Config reloaded", "path", w.path)
			onReload(cfg)
		}
	}
}
