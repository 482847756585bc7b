package registry

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

// ErrDeviceNotFound is returned for operations on unknown MACs.
var ErrDeviceNotFound = errors.New("device not found")

// ErrUnknownFamily is returned when configuring with a family no protocol
// adapter is registered for.
var ErrUnknownFamily = errors.New("unknown device family")

// ErrInvalidPollingInterval is returned for intervals outside [60, 86400].
var ErrInvalidPollingInterval = errors.New("polling interval out of range")

type devicesSection struct {
	Version int                                               `json:"version"`
	Devices *orderedmap.OrderedMap[string, *DeviceRecord]     `json:"devices"`
}

// Discovered is one discovery sighting handed to RegisterDiscovered.
type Discovered struct {
	MAC          string
	Name         string
	DiscoveredAt time.Time
}

// DeviceRegistry is the persistent map of known devices.
type DeviceRegistry struct {
	mu      sync.Mutex
	cfg     *config.Manager
	devices *orderedmap.OrderedMap[string, *DeviceRecord]
	log     *logrus.Entry
}

// NewDeviceRegistry loads devices.json (or starts empty).
func NewDeviceRegistry(cfg *config.Manager) (*DeviceRegistry, error) {
	r := &DeviceRegistry{
		cfg:     cfg,
		devices: orderedmap.New[string, *DeviceRecord](),
		log:     logrus.WithField("component", "device-registry"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rereads the devices section from disk, replacing in-memory state.
func (r *DeviceRegistry) Reload() error {
	var section devicesSection
	err := r.cfg.LoadSection("devices", &section)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		section.Devices = orderedmap.New[string, *DeviceRecord]()
	default:
		return fmt.Errorf("load devices section: %w", err)
	}
	if section.Devices == nil {
		section.Devices = orderedmap.New[string, *DeviceRecord]()
	}

	r.mu.Lock()
	r.devices = section.Devices
	r.mu.Unlock()
	r.log.WithField("devices", section.Devices.Len()).Debug("devices section loaded")
	return nil
}

// RegisterDiscovered inserts new sightings with discovered status and
// defaults. Existing MACs are left untouched, so applying the same batch
// twice is a no-op. Returns the MACs actually inserted.
func (r *DeviceRegistry) RegisterDiscovered(batch []Discovered) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var inserted []string
	for _, d := range batch {
		mac := protocol.NormalizeMAC(d.MAC)
		if mac == "" {
			r.log.WithField("mac", d.MAC).Warn("skipping sighting with invalid mac")
			continue
		}
		if _, ok := r.devices.Get(mac); ok {
			continue
		}
		at := d.DiscoveredAt
		if at.IsZero() {
			at = time.Now()
		}
		r.devices.Set(mac, &DeviceRecord{
			MAC:              mac,
			Family:           protocol.FamilyUnknown,
			AdvertisedName:   d.Name,
			Status:           StatusDiscovered,
			PollingInterval:  DefaultPollingInterval,
			ConnectionConfig: DefaultConnectionConfig(),
			DiscoveredAt:     at,
		})
		inserted = append(inserted, mac)
	}
	if len(inserted) == 0 {
		return nil, nil
	}
	if err := r.persistLocked(); err != nil {
		return nil, err
	}
	return inserted, nil
}

// Configure promotes a device to configured with the given family, name,
// vehicle association, and polling interval.
func (r *DeviceRegistry) Configure(mac, family, friendlyName, vehicleID string, pollingInterval int) error {
	if !protocol.KnownFamily(family) {
		return fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	if pollingInterval < MinPollingInterval || pollingInterval > MaxPollingInterval {
		return fmt.Errorf("%w: %d", ErrInvalidPollingInterval, pollingInterval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	mac = protocol.NormalizeMAC(mac)
	rec, ok := r.devices.Get(mac)
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}
	now := time.Now()
	rec.Family = family
	rec.FriendlyName = friendlyName
	rec.VehicleID = vehicleID
	rec.PollingInterval = pollingInterval
	rec.Status = StatusConfigured
	rec.ConfiguredAt = &now
	return r.persistLocked()
}

// UpdateLatestReading stores the runtime reading snapshot.
func (r *DeviceRegistry) UpdateLatestReading(mac string, reading *protocol.Reading) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices.Get(protocol.NormalizeMAC(mac))
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}
	now := time.Now()
	rec.LatestReading = reading
	rec.LastReadingTime = &now
	return r.persistLocked()
}

// UpdateDeviceStatus stores the runtime device status snapshot.
func (r *DeviceRegistry) UpdateDeviceStatus(mac string, status *protocol.DeviceStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices.Get(protocol.NormalizeMAC(mac))
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}
	now := time.Now()
	rec.DeviceStatus = status
	rec.LastStatusUpdate = &now
	return r.persistLocked()
}

// SetStatus transitions the record's lifecycle status.
func (r *DeviceRegistry) SetStatus(mac, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices.Get(protocol.NormalizeMAC(mac))
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}
	rec.Status = status
	return r.persistLocked()
}

// SetVehicle updates the device to vehicle association.
func (r *DeviceRegistry) SetVehicle(mac, vehicleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices.Get(protocol.NormalizeMAC(mac))
	if !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}
	rec.VehicleID = vehicleID
	return r.persistLocked()
}

// Get returns a copy of the record for mac.
func (r *DeviceRegistry) Get(mac string) (DeviceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.devices.Get(protocol.NormalizeMAC(mac))
	if !ok {
		return DeviceRecord{}, false
	}
	return *rec, true
}

// List returns copies of all records in insertion order.
func (r *DeviceRegistry) List() []DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]DeviceRecord, 0, r.devices.Len())
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}

// ListConfigured returns copies of all configured records.
func (r *DeviceRegistry) ListConfigured() []DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []DeviceRecord
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Status == StatusConfigured {
			out = append(out, *pair.Value)
		}
	}
	return out
}

// ListByVehicle returns copies of records associated with vehicleID.
func (r *DeviceRegistry) ListByVehicle(vehicleID string) []DeviceRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []DeviceRecord
	for pair := r.devices.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.VehicleID == vehicleID {
			out = append(out, *pair.Value)
		}
	}
	return out
}

// Remove deletes the record for mac. Callers must also unregister the device
// from the state manager.
func (r *DeviceRegistry) Remove(mac string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mac = protocol.NormalizeMAC(mac)
	if _, ok := r.devices.Get(mac); !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, mac)
	}
	r.devices.Delete(mac)
	return r.persistLocked()
}

// Len returns the number of known devices.
func (r *DeviceRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices.Len()
}

func (r *DeviceRegistry) persistLocked() error {
	section := devicesSection{Version: 1, Devices: r.devices}
	if err := r.cfg.SaveSection("devices", &section); err != nil {
		return fmt.Errorf("persist devices section: %w", err)
	}
	return nil
}
