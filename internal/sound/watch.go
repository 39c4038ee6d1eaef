// SPDX-License-Identifier: MIT

package sound

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the rule document whenever it changes on disk, until ctx is
// done. A document that fails to parse is logged and the previous rule set
// stays active. Editors often replace the file, so the parent directory is
// watched rather than the file itself.
func (e *Engine) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	e.logger.Info().Str("path", target).Msg("watching sound rules for changes")

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
			rules, err := LoadFile(target)
			if err != nil {
				e.logger.Error().Err(err).Msg("rules reload failed, keeping previous rules")
				continue
			}
			e.Reload(rules)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.logger.Warn().Err(err).Msg("rules watcher error")
		}
	}
}
