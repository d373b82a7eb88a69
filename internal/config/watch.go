package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bryanchriswhite/kgcapture/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors produce on save
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config file whenever it changes until ctx is done.
// The parent directory is watched so atomic rename-on-save is picked up.
func (m *Manager) Watch(ctx context.Context) error {
	if m.configPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}

	dir := filepath.Dir(m.configPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go m.watchLoop(ctx, watcher)
	return nil
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	log := logger.WithComponent("config")

	target := filepath.Clean(m.configPath)
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-pending:
			pending = nil
			if err := m.Reload(); err != nil {
				log.Warn().Err(err).Str("path", m.configPath).Msg("Ignoring invalid config change")
				continue
			}
			log.Info().Str("path", m.configPath).Msg("Config reloaded")
		}
	}
}
