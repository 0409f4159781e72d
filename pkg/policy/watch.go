package policy

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the rules whenever the file at path changes, until ctx is
// done. The parent directory is watched so that editors which replace the
// file instead of writing it in place are handled too. A failing reload is
// logged and the previous rules stay active.
func (p *Policy) Watch(ctx context.Context, path string, reload func() (Rules, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	path = filepath.Clean(path)
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	log := p.log.With().Str("path", path).Logger()
	log.Debug().Msg("Watching policy file for changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != path || (!evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create)) {
				continue
			}
			rules, err := reload()
			if err != nil {
				log.Err(err).Msg("Failed to reload policy, keeping previous rules")
			} else if err = p.Update(rules); err != nil {
				log.Err(err).Msg("Reloaded policy is invalid, keeping previous rules")
			} else {
				log.Info().Msg("Reloaded policy")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("File watcher error")
		}
	}
}
