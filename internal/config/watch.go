package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the write bursts editors produce on save.
const watchDebounce = 300 * time.Millisecond

// Watch reloads the config whenever its file changes and swaps the
// result into live via ReplaceFrom. Invalid edits are logged and
// skipped; the previous config stays active. Blocks until ctx is done.
func Watch(ctx context.Context, path string, live *Config, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file on save, which
	// drops a watch set on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	lastHash := live.Hash()
	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "error", err)
		case <-reload:
			next, err := Load(path)
			if err != nil {
				slog.Error("config reload failed, keeping previous", "path", path, "error", err)
				continue
			}
			if next.Hash() == lastHash {
				continue
			}
			lastHash = next.Hash()
			live.ReplaceFrom(next)
			slog.Info("config reloaded", "path", path, "hash", lastHash)
			if onReload != nil {
				onReload(live)
			}
		}
	}
}
