// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config file on change and delivers valid configs
// to onReload. Invalid or unreadable configs are logged and skipped,
// leaving the previous configuration in effect. The watcher runs until
// ctx is cancelled. logger may be nil.
func Watch(ctx context.Context, path string, logger *slog.Logger, onReload func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files, which drops a watch
	// placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != path {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(reloadDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if logger != nil {
					logger.Warn("config watch error", "error", err)
				}
			case <-pending:
				pending = nil
				cfg, err := Load(path)
				if err != nil {
					if logger != nil {
						logger.Warn("config reload rejected", "path", path, "error", err)
					}
					continue
				}
				if logger != nil {
					logger.Info("config reloaded", "path", path)
				}
				onReload(cfg)
			}
		}
	}()
	return nil
}
