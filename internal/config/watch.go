package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 200 * time.Millisecond

// Watch reloads the config file at path whenever it changes and calls fn
// with its automation section when that section's hash differs from the
// last one seen. The directory is watched so editors that replace the
// file on save are picked up. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, initial Automation, fn func(Automation)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	last := initial.Hash()
	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(watchDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher", "err", err)
		case <-debounce:
			debounce = nil
			fc, err := LoadFile(path)
			if err != nil {
				slog.Warn("config reload failed", "path", path, "err", err)
				continue
			}
			if fc.Automation == nil {
				continue
			}
			a := fc.Automation.Normalize()
			if h := a.Hash(); h != last {
				last = h
				slog.Info("config reloaded", "path", path, "hash", h)
				fn(a)
			}
		}
	}
}
