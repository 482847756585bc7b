package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce window for editors that write via truncate+write or multiple
// events per save.
const reloadDebounce = 250 * time.Millisecond

// Watch reruns section loading when files in the configuration directory
// change and notifies listeners. It blocks until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dir); err != nil {
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}
	m.log.WithField("dir", m.dir).Debug("watching configuration directory")

	pending := map[string]bool{}
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			section := sectionFor(ev.Name)
			if section == "" {
				continue
			}
			pending[section] = true
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerC = timer.C

		case <-timerC:
			timerC = nil
			for section := range pending {
				delete(pending, section)
				if section == "system" {
					if err := m.reloadSystem(); err != nil {
						m.log.WithError(err).Warn("system config reload failed")
						continue
					}
					m.log.Info("system configuration reloaded")
				} else {
					// Registries own the devices/vehicles sections;
					// they reload on notification.
					m.notify(section)
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.WithError(err).Warn("config watcher error")
		}
	}
}

func sectionFor(path string) string {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".tmp") {
		return ""
	}
	switch base {
	case "system.json":
		return "system"
	case "devices.json":
		return "devices"
	case "vehicles.json":
		return "vehicles"
	default:
		return ""
	}
}
