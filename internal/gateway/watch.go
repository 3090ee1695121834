package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/fenwick-labs/rolegate/internal/backoff"
)

// WatchConfig watches the backends file and role-overrides file for
// changes and calls Reload on a debounce. It blocks until ctx is
// cancelled.
func (c *Core) WatchConfig(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := 0
	for _, path := range []string{c.cfg.BackendsFile, c.cfg.RoleOverridesFile} {
		if path == "" {
			continue
		}
		if err := watcher.Add(path); err != nil {
			c.logger.Warn("could not watch config file", "path", path, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}

	var mu sync.Mutex
	var timer *time.Timer
	scheduleReload := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(debounce, func() {
			// An editor's save is often a truncate-then-write or a
			// rename-into-place; retry briefly so a reload that races
			// a half-written file doesn't fail outright.
			err := backoff.RetrySimple(context.Background(), 3, func() error {
				return c.Reload(context.Background())
			})
			if err != nil {
				c.logger.Warn("config reload failed", "error", err)
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				scheduleReload()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("config watch error", "error", err)
		}
	}
}
