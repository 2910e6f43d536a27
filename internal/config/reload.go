package config

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"trustplane.org/internal/obs"
)

// Source yields tenant limits. Config and Reloadable both satisfy it, so
// components depending on limits do not care whether hot-reload is enabled.
type Source interface {
	Tenant(tenantID string) TenantConfig
}

// Reloadable wraps a Config behind an atomic pointer so a watcher can swap
// it without stalling readers.
type Reloadable struct {
	current atomic.Pointer[Config]
}

// NewReloadable wraps an initial configuration.
func NewReloadable(cfg *Config) *Reloadable {
	r := &Reloadable{}
	r.current.Store(cfg)
	return r
}

// Tenant implements Source against the most recently loaded config.
func (r *Reloadable) Tenant(tenantID string) TenantConfig {
	return r.current.Load().Tenant(tenantID)
}

// Config returns the current configuration.
func (r *Reloadable) Config() *Config {
	return r.current.Load()
}

// Watch re-reads path on file changes, swapping the config in on success.
// A short debounce absorbs editor write storms. Blocks until ctx ends.
func (r *Reloadable) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		return err
	}

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cfg, err := Load(path)
					if err != nil {
						obs.LogEvent(ctx, "config_reload_failed", map[string]any{"error": err.Error()})
						return
					}
					r.current.Store(cfg)
					obs.LogEvent(ctx, "config_reloaded", map[string]any{"path": path})
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			obs.LogEvent(ctx, "config_watch_error", map[string]any{"error": err.Error()})
		}
	}
}
