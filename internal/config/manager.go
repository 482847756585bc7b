package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDir is where the JSON sections live unless overridden by the
	// BATTERYHAWK_DATA_DIR environment variable or a CLI flag.
	DefaultDir = "/data"

	envPrefix = "BATTERYHAWK_"

	systemFile = "system.json"
)

// Listener is notified with the section name ("system", "devices",
// "vehicles") after a reload or save.
type Listener func(section string)

// Manager owns the configuration directory. The system section is parsed
// into SystemConfig; the devices and vehicles sections are persisted through
// LoadSection/SaveSection by their registries.
type Manager struct {
	dir string
	log *logrus.Entry

	mu        sync.RWMutex
	system    *SystemConfig
	listeners []Listener
}

// NewManager loads (or initializes) system.json under dir, applies
// environment overrides, and clamps ranges.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if env := os.Getenv(envPrefix + "DATA_DIR"); env != "" {
		dir = env
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("config dir %s: %w", dir, err)
	}

	m := &Manager{
		dir: dir,
		log: logrus.WithField("component", "config"),
	}
	if err := m.loadSystem(); err != nil {
		return nil, err
	}
	return m, nil
}

// Dir returns the configuration directory.
func (m *Manager) Dir() string { return m.dir }

// System returns a copy of the system section.
func (m *Manager) System() SystemConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.system
}

// UpdateSystem applies fn to the system section under the manager's lock,
// persists it atomically, and notifies listeners.
func (m *Manager) UpdateSystem(fn func(*SystemConfig)) error {
	m.mu.Lock()
	fn(m.system)
	m.system.clamp()
	snapshot := *m.system
	m.mu.Unlock()

	if err := m.SaveSection("system", &snapshot); err != nil {
		return err
	}
	m.notify("system")
	return nil
}

// RegisterListener adds a reload/save listener. Listeners run on the
// caller's goroutine and must not block.
func (m *Manager) RegisterListener(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// LoadSection reads <name>.json into v. A missing file returns
// os.ErrNotExist unchanged so callers can fall back to defaults.
func (m *Manager) LoadSection(name string, v interface{}) error {
	path := filepath.Join(m.dir, name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// SaveSection writes v to <name>.json atomically (temp file then rename).
func (m *Manager) SaveSection(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s section: %w", name, err)
	}
	data = append(data, '\n')

	path := filepath.Join(m.dir, name+".json")
	tmp, err := os.CreateTemp(m.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func (m *Manager) loadSystem() error {
	cfg := &SystemConfig{}
	defaults.SetDefaults(cfg)

	path := filepath.Join(m.dir, systemFile)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		m.log.WithField("path", path).Info("no system config, using defaults")
	default:
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return err
	}
	cfg.clamp()

	m.mu.Lock()
	m.system = cfg
	m.mu.Unlock()
	return nil
}

// reloadSystem rereads system.json, used by the watcher.
func (m *Manager) reloadSystem() error {
	if err := m.loadSystem(); err != nil {
		return err
	}
	m.notify("system")
	return nil
}

func (m *Manager) notify(section string) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.WithField("panic", r).Error("config listener panicked")
				}
			}()
			fn(section)
		}()
	}
}

// applyEnvOverrides maps BATTERYHAWK_SYSTEM_<KEY1>_<KEY2>=<JSON or string>
// onto the system section. Keys are matched against json tags, so
// BATTERYHAWK_SYSTEM_MQTT_BROKER=10.0.0.2 sets mqtt.broker.
func applyEnvOverrides(cfg *SystemConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	var tree map[string]interface{}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}

	changed := false
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix+"SYSTEM_") {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, envPrefix+"SYSTEM_")), "_")
		if setPath(tree, path, parseEnvValue(value)) {
			changed = true
		}
	}
	if !changed {
		return nil
	}

	merged, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	if err := json.Unmarshal(merged, cfg); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

// setPath walks the config tree joining trailing segments, so both
// MQTT_TOPIC_PREFIX and MQTT_BROKER resolve despite underscores inside key
// names.
func setPath(tree map[string]interface{}, path []string, value interface{}) bool {
	if len(path) == 0 {
		return false
	}
	for take := len(path); take >= 1; take-- {
		key := strings.Join(path[:take], "_")
		cur, ok := tree[key]
		if !ok {
			continue
		}
		if take == len(path) {
			tree[key] = value
			return true
		}
		sub, ok := cur.(map[string]interface{})
		if !ok {
			continue
		}
		if setPath(sub, path[take:], value) {
			return true
		}
	}
	return false
}

// parseEnvValue interprets the value as JSON when possible, falling back to
// a plain string.
func parseEnvValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
