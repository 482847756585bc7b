// Package registry holds the persistent device and vehicle registries. Both
// are ordered maps written through to their JSON sections on every mutation,
// so on-disk diffs stay stable and a crash never loses an acknowledged
// change.
package registry

import (
	"regexp"
	"time"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

// Device status values.
const (
	StatusDiscovered = "discovered"
	StatusConfigured = "configured"
	StatusError      = "error"
)

// Polling interval bounds in seconds.
const (
	MinPollingInterval     = 60
	MaxPollingInterval     = 86400
	DefaultPollingInterval = 3600
)

var vehicleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidVehicleID reports whether id is a legal vehicle identifier.
func ValidVehicleID(id string) bool {
	return vehicleIDPattern.MatchString(id)
}

// ConnectionConfig is the per-device connection tuning stored with the
// record.
type ConnectionConfig struct {
	RetryAttempts     int `json:"retry_attempts" default:"3"`
	RetryInterval     int `json:"retry_interval" default:"60"`
	ReconnectionDelay int `json:"reconnection_delay" default:"300"`
}

// DefaultConnectionConfig returns the documented defaults.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{RetryAttempts: 3, RetryInterval: 60, ReconnectionDelay: 300}
}

// DeviceRecord is one registry entry, keyed by normalized MAC.
type DeviceRecord struct {
	MAC              string                 `json:"mac"`
	Family           string                 `json:"family"`
	FriendlyName     string                 `json:"friendly_name,omitempty"`
	AdvertisedName   string                 `json:"advertised_name,omitempty"`
	VehicleID        string                 `json:"vehicle_id,omitempty"`
	Status           string                 `json:"status"`
	PollingInterval  int                    `json:"polling_interval"`
	ConnectionConfig ConnectionConfig       `json:"connection_config"`
	DiscoveredAt     time.Time              `json:"discovered_at"`
	ConfiguredAt     *time.Time             `json:"configured_at,omitempty"`
	LatestReading    *protocol.Reading      `json:"latest_reading,omitempty"`
	LastReadingTime  *time.Time             `json:"last_reading_time,omitempty"`
	DeviceStatus     *protocol.DeviceStatus `json:"device_status,omitempty"`
	LastStatusUpdate *time.Time             `json:"last_status_update,omitempty"`
}

// VehicleRecord is one vehicle registry entry.
type VehicleRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	DeviceCount int       `json:"device_count"`
}
