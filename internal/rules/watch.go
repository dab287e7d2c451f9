// ABOUTME: fsnotify watcher that hot-reloads the rule table on file change
// ABOUTME: A failed reload keeps the previous table and logs the parse error

package rules

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the table whenever its file is written. It blocks until ctx
// is cancelled. Watching the parent directory instead of the file itself
// survives editors that replace the file on save.
func (t *Table) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(t.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	target := filepath.Clean(t.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := t.Reload(); err != nil {
				t.logger.Error("rules reload failed, keeping previous table", "error", err)
				continue
			}
			t.logger.Info("rules reloaded", "path", t.path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("rules watcher error", "error", err)
		}
	}
}
