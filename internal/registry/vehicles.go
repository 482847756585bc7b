package registry

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/battery-hawk/battery-hawk/internal/config"
)

// ErrVehicleNotFound is returned for operations on unknown vehicle ids.
var ErrVehicleNotFound = errors.New("vehicle not found")

// ErrVehicleExists is returned when creating with an id already in use.
var ErrVehicleExists = errors.New("vehicle already exists")

// ErrInvalidVehicleID is returned for ids outside [A-Za-z0-9_-]+.
var ErrInvalidVehicleID = errors.New("invalid vehicle id")

type vehiclesSection struct {
	Version  int                                            `json:"version"`
	NextID   int                                            `json:"next_id"`
	Vehicles *orderedmap.OrderedMap[string, *VehicleRecord] `json:"vehicles"`
}

// VehicleRegistry is the persistent map of vehicles. Generated ids come from
// a monotonic counter persisted with the section, so concurrent creates and
// deletes can never recycle an id.
type VehicleRegistry struct {
	mu       sync.Mutex
	cfg      *config.Manager
	vehicles *orderedmap.OrderedMap[string, *VehicleRecord]
	nextID   int
	log      *logrus.Entry
}

// NewVehicleRegistry loads vehicles.json (or starts empty).
func NewVehicleRegistry(cfg *config.Manager) (*VehicleRegistry, error) {
	r := &VehicleRegistry{
		cfg:      cfg,
		vehicles: orderedmap.New[string, *VehicleRecord](),
		nextID:   1,
		log:      logrus.WithField("component", "vehicle-registry"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload rereads the vehicles section from disk, replacing in-memory state.
func (r *VehicleRegistry) Reload() error {
	var section vehiclesSection
	err := r.cfg.LoadSection("vehicles", &section)
	switch {
	case err == nil:
	case os.IsNotExist(err):
		section.Vehicles = orderedmap.New[string, *VehicleRecord]()
		section.NextID = 1
	default:
		return fmt.Errorf("load vehicles section: %w", err)
	}
	if section.Vehicles == nil {
		section.Vehicles = orderedmap.New[string, *VehicleRecord]()
	}
	if section.NextID < 1 {
		section.NextID = 1
	}

	r.mu.Lock()
	r.vehicles = section.Vehicles
	r.nextID = section.NextID
	r.mu.Unlock()
	return nil
}

// Create adds a vehicle. With an empty id a sequential "vehicle_N" id is
// generated from the persisted counter; explicit ids of that form bump the
// counter past themselves.
func (r *VehicleRegistry) Create(name, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		id = fmt.Sprintf("vehicle_%d", r.nextID)
		r.nextID++
	} else {
		if !ValidVehicleID(id) {
			return "", fmt.Errorf("%w: %q", ErrInvalidVehicleID, id)
		}
		if _, ok := r.vehicles.Get(id); ok {
			return "", fmt.Errorf("%w: %s", ErrVehicleExists, id)
		}
		if n, ok := sequentialID(id); ok && n >= r.nextID {
			r.nextID = n + 1
		}
	}
	if name == "" {
		name = id
	}

	r.vehicles.Set(id, &VehicleRecord{ID: id, Name: name, CreatedAt: time.Now()})
	if err := r.persistLocked(); err != nil {
		return "", err
	}
	r.log.WithFields(logrus.Fields{"vehicle": id, "name": name}).Info("vehicle created")
	return id, nil
}

// Rename updates the display name.
func (r *VehicleRegistry) Rename(id, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.vehicles.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrVehicleNotFound, id)
	}
	rec.Name = name
	return r.persistLocked()
}

// SetDeviceCount refreshes the cached device count.
func (r *VehicleRegistry) SetDeviceCount(id string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.vehicles.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrVehicleNotFound, id)
	}
	rec.DeviceCount = count
	return r.persistLocked()
}

// Delete removes the vehicle. The caller is responsible for checking that no
// device references it.
func (r *VehicleRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.vehicles.Get(id); !ok {
		return fmt.Errorf("%w: %s", ErrVehicleNotFound, id)
	}
	r.vehicles.Delete(id)
	return r.persistLocked()
}

// Get returns a copy of the record for id.
func (r *VehicleRegistry) Get(id string) (VehicleRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.vehicles.Get(id)
	if !ok {
		return VehicleRecord{}, false
	}
	return *rec, true
}

// List returns copies of all records in insertion order.
func (r *VehicleRegistry) List() []VehicleRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]VehicleRecord, 0, r.vehicles.Len())
	for pair := r.vehicles.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}

// FindByName returns the first vehicle with the given display name.
func (r *VehicleRegistry) FindByName(name string) (VehicleRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for pair := r.vehicles.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Name == name {
			return *pair.Value, true
		}
	}
	return VehicleRecord{}, false
}

// Len returns the number of vehicles.
func (r *VehicleRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vehicles.Len()
}

func (r *VehicleRegistry) persistLocked() error {
	section := vehiclesSection{Version: 1, NextID: r.nextID, Vehicles: r.vehicles}
	if err := r.cfg.SaveSection("vehicles", &section); err != nil {
		return fmt.Errorf("persist vehicles section: %w", err)
	}
	return nil
}

func sequentialID(id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, "vehicle_")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
