package storage

import (
	"fmt"
	"sync"

	"github.com/battery-hawk/battery-hawk/internal/config"
)

// Constructor builds a backend from the system configuration. dataDir is the
// configuration directory, used by file-based backends.
type Constructor func(cfg config.SystemConfig, dataDir string) (Backend, error)

var (
	backendsMu sync.RWMutex
	backends   = map[string]Constructor{}
)

// RegisterBackend makes a backend available under name. Called from init in
// each backend file.
func RegisterBackend(name string, ctor Constructor) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = ctor
}

// NewBackend constructs the named backend.
func NewBackend(name string, cfg config.SystemConfig, dataDir string) (Backend, error) {
	backendsMu.RLock()
	ctor, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown storage backend %q", name)
	}
	return ctor(cfg, dataDir)
}

// Backends lists registered backend names.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	return names
}
