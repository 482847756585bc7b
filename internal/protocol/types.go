// Package protocol defines the contract between the monitoring engine and
// per-family battery monitor implementations: the Reading/DeviceStatus data
// types, the Device interface, the error taxonomy, and the family factory.
package protocol

import (
	"context"
	"time"
)

// Device families.
const (
	FamilyBM2     = "BM2"
	FamilyBM6     = "BM6"
	FamilyUnknown = "unknown"
)

// KnownFamily reports whether family names a supported protocol family.
func KnownFamily(family string) bool {
	return family == FamilyBM2 || family == FamilyBM6
}

// Reading is an immutable telemetry sample produced by a device at a point
// in time.
type Reading struct {
	Voltage       float64                `json:"voltage"`
	Current       float64                `json:"current"`
	Temperature   float64                `json:"temperature"`
	StateOfCharge float64                `json:"state_of_charge"`
	Capacity      float64                `json:"capacity,omitempty"`
	Cycles        int                    `json:"cycles,omitempty"`
	Power         float64                `json:"power,omitempty"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// DeviceStatus is a point-in-time health snapshot of a device protocol.
type DeviceStatus struct {
	Connected       bool      `json:"connected"`
	ErrorCode       int       `json:"error_code,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	ProtocolVersion string    `json:"protocol_version"`
	LastCommand     string    `json:"last_command,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Session is an open, pooled BLE connection a device protocol drives.
type Session interface {
	// Write sends data to a characteristic by UUID.
	Write(ctx context.Context, characteristic string, data []byte) error
	// Subscribe registers handler for notifications on a characteristic.
	Subscribe(ctx context.Context, characteristic string, handler func(data []byte)) error
	// Unsubscribe removes a notification subscription.
	Unsubscribe(ctx context.Context, characteristic string) error
	// Connected reports session liveness.
	Connected() bool
}

// Connector hands out pooled sessions keyed by MAC address. The BLE
// connection pool implements it.
type Connector interface {
	Connect(ctx context.Context, mac string) (Session, error)
	Disconnect(ctx context.Context, mac string) error
}

// Device is a per-family protocol adapter bound to one peripheral.
type Device interface {
	MAC() string
	DeviceType() string
	ProtocolVersion() string
	Capabilities() []string

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	// ReadData triggers a measurement and waits for the result.
	ReadData(ctx context.Context) (*Reading, error)
	// SendCommand executes a named protocol command ("status",
	// "voltage_temp", family-specific extensions).
	SendCommand(ctx context.Context, name string, params map[string]interface{}) (*DeviceStatus, error)
}
