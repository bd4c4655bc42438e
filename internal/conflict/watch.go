package conflict

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// WatchRulesFile reloads path into rs every time the file is written or
// replaced, until ctx is done. A document that fails to parse is logged and
// the previous rules stay in effect. The returned channel is closed once the
// watcher has shut down.
func WatchRulesFile(ctx context.Context, path string, rs *RuleSet) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Editors save by rename, which drops a watch on the file itself
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch rules directory %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				next, err := LoadRulesFile(path)
				if err != nil {
					log.Warn().Err(err).Str("path", path).Msg("rules reload failed, keeping current rules")
					continue
				}
				rs.Replace(next)
				log.Info().Str("path", path).Int("rulesVersion", next.Version()).Msg("content-aware rules reloaded")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("rules watcher error")
			}
		}
	}()
	return done, nil
}
