// Package storage persists time-series readings behind a pluggable backend
// interface with outage buffering, health checking, and bounded retry.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

// Backend capabilities.
const (
	CapTimeSeries  = "time_series"
	CapAggregation = "aggregation"
	CapRetention   = "retention"
	CapRealTime    = "real_time"
)

// Query bounds.
const (
	MaxQueryLimit = 10000
	MaxQueryHours = 8760
)

// Connection states.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
)

// ErrNotConnected is returned by operations requiring a live backend.
var ErrNotConnected = errors.New("storage backend not connected")

// ErrInvalidQuery is returned for out-of-range or malformed query inputs.
var ErrInvalidQuery = errors.New("invalid storage query")

// Summary aggregates a vehicle's recent readings.
type Summary struct {
	VehicleID      string     `json:"vehicle_id"`
	Hours          int        `json:"hours"`
	ReadingCount   int        `json:"reading_count"`
	AvgVoltage     float64    `json:"avg_voltage"`
	MinVoltage     float64    `json:"min_voltage"`
	MaxVoltage     float64    `json:"max_voltage"`
	AvgTemperature float64    `json:"avg_temperature"`
	AvgSoC         float64    `json:"avg_soc"`
	LastReading    *time.Time `json:"last_reading,omitempty"`
}

// HealthStatus reports backend liveness for the health surface.
type HealthStatus struct {
	State         ConnState  `json:"state"`
	Healthy       bool       `json:"healthy"`
	LastCheck     *time.Time `json:"last_check,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	BufferedItems int        `json:"buffered_items"`
}

// Metrics are cumulative storage counters.
type Metrics struct {
	SuccessfulWrites uint64 `json:"successful_writes"`
	FailedWrites     uint64 `json:"failed_writes"`
	BufferedWrites   uint64 `json:"buffered_writes"`
	DroppedItems     uint64 `json:"dropped_items"`
	FlushCycles      uint64 `json:"flush_cycles"`
	Reconnections    uint64 `json:"reconnections"`
}

// Backend is a pluggable time-series sink. StoreReading returns true when
// the reading was accepted, either written through or buffered for replay.
type Backend interface {
	Name() string
	Capabilities() []string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	StoreReading(ctx context.Context, deviceID, vehicleID, deviceType string, reading *protocol.Reading) bool
	GetRecentReadings(ctx context.Context, deviceID string, limit int) ([]protocol.Reading, error)
	GetVehicleSummary(ctx context.Context, vehicleID string, hours int) (*Summary, error)

	HealthCheck(ctx context.Context) bool
	GetHealthStatus() HealthStatus
	GetMetrics() Metrics
}

var deviceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9:-]+$`)

// ValidateDeviceID rejects identifiers carrying query metacharacters.
func ValidateDeviceID(deviceID string) error {
	if deviceID == "" || !deviceIDPattern.MatchString(deviceID) {
		return fmt.Errorf("%w: device id %q", ErrInvalidQuery, deviceID)
	}
	return nil
}

// ValidateLimit enforces limit in [1, 10000].
func ValidateLimit(limit int) error {
	if limit < 1 || limit > MaxQueryLimit {
		return fmt.Errorf("%w: limit %d out of [1, %d]", ErrInvalidQuery, limit, MaxQueryLimit)
	}
	return nil
}

// ValidateHours enforces hours in (0, 8760].
func ValidateHours(hours int) error {
	if hours < 1 || hours > MaxQueryHours {
		return fmt.Errorf("%w: hours %d out of (0, %d]", ErrInvalidQuery, hours, MaxQueryHours)
	}
	return nil
}

// ValidateVehicleID rejects ids outside [A-Za-z0-9_-]+.
func ValidateVehicleID(vehicleID string) error {
	if vehicleID == "" || !vehicleIDQueryPattern.MatchString(vehicleID) {
		return fmt.Errorf("%w: vehicle id %q", ErrInvalidQuery, vehicleID)
	}
	return nil
}

var vehicleIDQueryPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
