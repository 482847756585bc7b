// Package ble provides the transport binding to the host Bluetooth stack and
// the bounded connection pool every protocol adapter draws sessions from.
package ble

import (
	"context"
	"sync"
	"time"
)

// Sighting is one normalized advertisement observation.
type Sighting struct {
	MAC              string
	Name             string
	RSSI             int
	TxPower          *int
	Connectable      bool
	ServiceUUIDs     []string
	ManufacturerData []byte
	ServiceData      map[string][]byte
	Timestamp        time.Time
}

// Client is a raw connected GATT client.
type Client interface {
	Write(ctx context.Context, characteristic string, data []byte) error
	Subscribe(characteristic string, handler func(data []byte)) error
	Unsubscribe(characteristic string) error
	Connected() bool
	Close() error
}

// Transport scans for advertisements and dials peripherals. Implementations
// must serialize scans and connect initiation through the package scan gate:
// most host stacks reject overlapping scans.
type Transport interface {
	Scan(ctx context.Context, duration time.Duration, handler func(Sighting)) error
	Dial(ctx context.Context, mac string) (Client, error)
}

// The scan gate is process-wide. Scanning holds it for the whole scan
// window; dialing holds it only across connect initiation.
var (
	scanGateOnce sync.Once
	scanGate     chan struct{}
)

func gate() chan struct{} {
	scanGateOnce.Do(func() {
		scanGate = make(chan struct{}, 1)
	})
	return scanGate
}

func acquireScanGate(ctx context.Context) error {
	select {
	case gate() <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func releaseScanGate() {
	<-gate()
}
