package protocol

import (
	"fmt"
	"sync"
)

// Constructor builds a protocol adapter for one peripheral.
type Constructor func(mac string, conn Connector) Device

var (
	factoryMu sync.RWMutex
	factories = map[string]Constructor{}
)

// RegisterFamily installs a constructor for a family name. Families register
// themselves from init() in their package.
func RegisterFamily(family string, ctor Constructor) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[family] = ctor
}

// NewDevice constructs an adapter for the recorded family.
func NewDevice(family, mac string, conn Connector) (Device, error) {
	factoryMu.RLock()
	ctor, ok := factories[family]
	factoryMu.RUnlock()
	if !ok {
		return nil, NewError(KindState, mac, fmt.Sprintf("no protocol registered for family %q", family), nil, nil)
	}
	return ctor(mac, conn), nil
}

// Families returns the registered family names.
func Families() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]string, 0, len(factories))
	for f := range factories {
		out = append(out, f)
	}
	return out
}
