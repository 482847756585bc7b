// Package state tracks the live runtime condition of every registered
// device: connection and polling phase, latest reading and status, vehicle
// association, and a bounded transition history. It is the in-memory source
// the API's readings/latest endpoint answers from.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

// ErrNotRegistered is returned for operations on devices never registered.
var ErrNotRegistered = errors.New("device not registered")

// ConnectionState is the BLE-facing phase of a device.
type ConnectionState string

const (
	ConnIdle         ConnectionState = "idle"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnDisconnected ConnectionState = "disconnected"
	ConnError        ConnectionState = "error"
)

// PollingState is the engine-facing phase of a device.
type PollingState string

const (
	PollIdle    PollingState = "idle"
	PollActive  PollingState = "active"
	PollPaused  PollingState = "paused"
	PollStopped PollingState = "stopped"
)

// historyLimit bounds per-device transition history.
const historyLimit = 50

// Transition records one state change.
type Transition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceState is a copy of one device's runtime condition.
type DeviceState struct {
	MAC             string                 `json:"mac"`
	Family          string                 `json:"family"`
	VehicleID       string                 `json:"vehicle_id,omitempty"`
	Connection      ConnectionState        `json:"connection"`
	Polling         PollingState           `json:"polling"`
	LatestReading   *protocol.Reading      `json:"latest_reading,omitempty"`
	LastReadingTime *time.Time             `json:"last_reading_time,omitempty"`
	DeviceStatus    *protocol.DeviceStatus `json:"device_status,omitempty"`
	ErrorCount      int                    `json:"error_count"`
	LastError       string                 `json:"last_error,omitempty"`
	RegisteredAt    time.Time              `json:"registered_at"`
	History         []Transition           `json:"history,omitempty"`
}

// Callback observes connection state transitions into a target state.
// Callbacks run synchronously on the mutating goroutine; panics are
// contained.
type Callback func(mac string, from, to ConnectionState)

type deviceEntry struct {
	mu    sync.Mutex
	state DeviceState
}

// Manager holds runtime state for all registered devices.
type Manager struct {
	mu        sync.RWMutex
	devices   map[string]*deviceEntry
	callbacks map[ConnectionState][]Callback
	log       *logrus.Entry
}

// NewManager returns an empty state manager.
func NewManager() *Manager {
	return &Manager{
		devices:   make(map[string]*deviceEntry),
		callbacks: make(map[ConnectionState][]Callback),
		log:       logrus.WithField("component", "state"),
	}
}

// OnConnectionState registers a callback for transitions into target.
func (m *Manager) OnConnectionState(target ConnectionState, cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks[target] = append(m.callbacks[target], cb)
}

// Register adds a device in idle state. Registering an existing MAC updates
// family and vehicle but keeps runtime state.
func (m *Manager) Register(mac, family, vehicleID string) {
	mac = protocol.NormalizeMAC(mac)
	if mac == "" {
		return
	}

	m.mu.Lock()
	entry, ok := m.devices[mac]
	if !ok {
		entry = &deviceEntry{state: DeviceState{
			MAC:          mac,
			Connection:   ConnIdle,
			Polling:      PollIdle,
			RegisteredAt: time.Now(),
		}}
		m.devices[mac] = entry
	}
	m.mu.Unlock()

	entry.mu.Lock()
	entry.state.Family = family
	entry.state.VehicleID = vehicleID
	entry.mu.Unlock()
}

// Unregister removes a device and its history.
func (m *Manager) Unregister(mac string) {
	m.mu.Lock()
	delete(m.devices, protocol.NormalizeMAC(mac))
	m.mu.Unlock()
}

func (m *Manager) entry(mac string) (*deviceEntry, error) {
	m.mu.RLock()
	entry, ok := m.devices[protocol.NormalizeMAC(mac)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, mac)
	}
	return entry, nil
}

// UpdateConnectionState transitions a device's connection phase and fires
// callbacks registered for the new state.
func (m *Manager) UpdateConnectionState(mac string, to ConnectionState) error {
	entry, err := m.entry(mac)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	from := entry.state.Connection
	if from == to {
		entry.mu.Unlock()
		return nil
	}
	entry.state.Connection = to
	appendTransition(&entry.state, string(from), string(to), "connection")
	normalized := entry.state.MAC
	entry.mu.Unlock()

	m.mu.RLock()
	cbs := append([]Callback(nil), m.callbacks[to]...)
	m.mu.RUnlock()
	for _, cb := range cbs {
		m.invoke(cb, normalized, from, to)
	}
	return nil
}

func (m *Manager) invoke(cb Callback, mac string, from, to ConnectionState) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(logrus.Fields{
				"mac":   mac,
				"state": to,
				"panic": r,
			}).Error("state callback panicked")
		}
	}()
	cb(mac, from, to)
}

// UpdatePollingState transitions a device's polling phase.
func (m *Manager) UpdatePollingState(mac string, to PollingState) error {
	entry, err := m.entry(mac)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	from := entry.state.Polling
	if from == to {
		return nil
	}
	entry.state.Polling = to
	appendTransition(&entry.state, string(from), string(to), "polling")
	return nil
}

// UpdateReading stores the latest telemetry sample and clears the error
// streak.
func (m *Manager) UpdateReading(mac string, reading *protocol.Reading) error {
	entry, err := m.entry(mac)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	now := time.Now()
	entry.state.LatestReading = reading
	entry.state.LastReadingTime = &now
	entry.state.ErrorCount = 0
	entry.state.LastError = ""
	return nil
}

// UpdateStatus stores the latest device status snapshot.
func (m *Manager) UpdateStatus(mac string, status *protocol.DeviceStatus) error {
	entry, err := m.entry(mac)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.state.DeviceStatus = status
	return nil
}

// RecordError bumps the device's consecutive error count.
func (m *Manager) RecordError(mac string, cause error) error {
	entry, err := m.entry(mac)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.state.ErrorCount++
	if cause != nil {
		entry.state.LastError = cause.Error()
	}
	return nil
}

// SetVehicleAssociation updates the device to vehicle link.
func (m *Manager) SetVehicleAssociation(mac, vehicleID string) error {
	entry, err := m.entry(mac)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.state.VehicleID = vehicleID
	return nil
}

// Get returns a copy of the device state.
func (m *Manager) Get(mac string) (DeviceState, bool) {
	entry, err := m.entry(mac)
	if err != nil {
		return DeviceState{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return cloneState(entry.state), true
}

// List returns copies of every registered device's state.
func (m *Manager) List() []DeviceState {
	m.mu.RLock()
	entries := make([]*deviceEntry, 0, len(m.devices))
	for _, e := range m.devices {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]DeviceState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, cloneState(e.state))
		e.mu.Unlock()
	}
	return out
}

// Summary aggregates counts for the system status surface.
type Summary struct {
	Devices    int `json:"devices"`
	Connected  int `json:"connected"`
	Polling    int `json:"polling"`
	WithErrors int `json:"with_errors"`
}

// Summarize returns aggregate counts across all devices.
func (m *Manager) Summarize() Summary {
	var s Summary
	for _, st := range m.List() {
		s.Devices++
		if st.Connection == ConnConnected {
			s.Connected++
		}
		if st.Polling == PollActive {
			s.Polling++
		}
		if st.ErrorCount > 0 {
			s.WithErrors++
		}
	}
	return s
}

func appendTransition(st *DeviceState, from, to, kind string) {
	st.History = append(st.History, Transition{
		From:      from,
		To:        to,
		Kind:      kind,
		Timestamp: time.Now(),
	})
	if len(st.History) > historyLimit {
		st.History = st.History[len(st.History)-historyLimit:]
	}
}

func cloneState(st DeviceState) DeviceState {
	out := st
	out.History = append([]Transition(nil), st.History...)
	return out
}
