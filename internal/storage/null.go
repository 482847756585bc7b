package storage

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

func init() {
	RegisterBackend("null", func(config.SystemConfig, string) (Backend, error) {
		return &nullBackend{}, nil
	})
}

// nullBackend accepts everything and stores nothing. Used when persistence
// is disabled and in tests that only care about the Backend contract.
type nullBackend struct {
	connected atomic.Bool
	writes    atomic.Uint64
}

func (n *nullBackend) Name() string           { return "null" }
func (n *nullBackend) Capabilities() []string { return nil }

func (n *nullBackend) Connect(ctx context.Context) error {
	n.connected.Store(true)
	return nil
}

func (n *nullBackend) Disconnect(ctx context.Context) error {
	n.connected.Store(false)
	return nil
}

func (n *nullBackend) StoreReading(ctx context.Context, deviceID, vehicleID, deviceType string, reading *protocol.Reading) bool {
	if reading == nil || ValidateDeviceID(deviceID) != nil {
		return false
	}
	n.writes.Add(1)
	return true
}

func (n *nullBackend) GetRecentReadings(ctx context.Context, deviceID string, limit int) ([]protocol.Reading, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if err := ValidateLimit(limit); err != nil {
		return nil, err
	}
	return nil, nil
}

func (n *nullBackend) GetVehicleSummary(ctx context.Context, vehicleID string, hours int) (*Summary, error) {
	if err := ValidateVehicleID(vehicleID); err != nil {
		return nil, err
	}
	if err := ValidateHours(hours); err != nil {
		return nil, err
	}
	return &Summary{VehicleID: vehicleID, Hours: hours}, nil
}

func (n *nullBackend) HealthCheck(ctx context.Context) bool { return n.connected.Load() }

func (n *nullBackend) GetHealthStatus() HealthStatus {
	now := time.Now()
	state := StateDisconnected
	if n.connected.Load() {
		state = StateConnected
	}
	return HealthStatus{State: state, Healthy: n.connected.Load(), LastCheck: &now}
}

func (n *nullBackend) GetMetrics() Metrics {
	return Metrics{SuccessfulWrites: n.writes.Load()}
}
