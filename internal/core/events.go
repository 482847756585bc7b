// Package core is the orchestrator: it owns the registries, state manager,
// storage backend, and MQTT publisher, and runs the supervised tasks that
// drive discovery, polling, and vehicle association.
package core

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Event types.
const (
	EventDeviceDiscovered   = "device_discovered"
	EventDeviceConnected    = "device_connected"
	EventDeviceDisconnected = "device_disconnected"
	EventDeviceError        = "device_error"
	EventVehicleAssociated  = "vehicle_associated"
	EventSystemShutdown     = "system_shutdown"
)

// Event is one engine-level occurrence.
type Event struct {
	Type      string                 `json:"type"`
	MAC       string                 `json:"mac,omitempty"`
	VehicleID string                 `json:"vehicle_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Handler observes events. Handlers run synchronously on the emitting
// goroutine in registration order; panics are contained.
type Handler func(Event)

// EventBus fans events out to registered handlers.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []Handler
	log      *logrus.Entry
}

// NewEventBus returns an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[string][]Handler),
		log:      logrus.WithField("component", "events"),
	}
}

// On registers a handler for one event type.
func (b *EventBus) On(eventType string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// OnAll registers a handler for every event.
func (b *EventBus) OnAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit delivers ev to matching handlers. A panicking handler is logged and
// skipped; the rest still run.
func (b *EventBus) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[ev.Type]...)
	handlers = append(handlers, b.all...)
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, ev)
	}
}

func (b *EventBus) dispatch(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"event": ev.Type,
				"panic": r,
			}).Error("event handler panicked")
		}
	}()
	h(ev)
}
