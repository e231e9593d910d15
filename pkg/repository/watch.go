package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long Watch waits for changes to settle.
const DefaultDebounce = 300 * time.Millisecond

// Watch reloads the repository whenever a definition file changes and
// passes the result to fn. Bursts of events within debounce are coalesced.
// Watch returns once the watcher is set up; it stops when ctx is done.
func (r *Repository) Watch(ctx context.Context, debounce time.Duration, fn func(*LoadResult, error)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}

	r.logger.Info().Str("dir", r.dir).Msg("Watching package definitions")

	go r.processEvents(ctx, watcher, debounce, fn)
	return nil
}

func (r *Repository) processEvents(ctx context.Context, watcher *fsnotify.Watcher, debounce time.Duration, fn func(*LoadResult, error)) {
	defer watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isDefinition(filepath.Base(event.Name)) || event.Op == fsnotify.Chmod {
				continue
			}

			r.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Package definition changed")

			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			fn(r.Load(ctx))

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
