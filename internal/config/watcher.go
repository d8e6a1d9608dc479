package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/platformbuilds/querygate-core/pkg/logger"
)

// Tunables are the knobs that may change at runtime without a restart.
// Structural settings (ports, DSNs, secrets) require a restart.
type Tunables struct {
	RateLimit RateLimitConfig
	Breaker   BreakerConfig
	Dispatch  DispatchConfig
}

// Watch watches the given config file and delivers fresh Tunables on
// each change until ctx is done. Invalid files are logged and skipped;
// the previous tunables stay in force.
func Watch(ctx context.Context, path string, log logger.Logger, apply func(Tunables)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files, which drops the
	// watch on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load()
				if err != nil {
					log.Warn("config reload skipped", "path", path, "error", err)
					continue
				}
				log.Info("config tunables reloaded", "path", path)
				apply(Tunables{
					RateLimit: cfg.RateLimit,
					Breaker:   cfg.Breaker,
					Dispatch:  cfg.Dispatch,
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}
