package core

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/ble"
	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/discovery"
	"github.com/battery-hawk/battery-hawk/internal/groutine"
	"github.com/battery-hawk/battery-hawk/internal/mqtt"
	"github.com/battery-hawk/battery-hawk/internal/registry"
	"github.com/battery-hawk/battery-hawk/internal/state"
	"github.com/battery-hawk/battery-hawk/internal/storage"

	_ "github.com/battery-hawk/battery-hawk/internal/protocol/bm2"
	_ "github.com/battery-hawk/battery-hawk/internal/protocol/bm6"
)

// Engine owns the registries, state manager, storage backend, MQTT
// publisher, pool, and the supervised background tasks.
type Engine struct {
	cfg *config.Manager
	log *logrus.Entry

	Devices   *registry.DeviceRegistry
	Vehicles  *registry.VehicleRegistry
	State     *state.Manager
	Storage   storage.Backend
	MQTT      *mqtt.Client
	Publisher *mqtt.Publisher
	Pool      *ble.Pool
	Discovery *discovery.Service
	Events    *EventBus

	poller     *poller
	associator *associator
	autoconf   *discovery.AutoConfigurator
	errLimiter *logLimiter

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	tasks     sync.WaitGroup
}

// NewEngine wires the engine from configuration. dataDir is the directory
// holding the JSON sections and the discovery snapshot.
func NewEngine(cfg *config.Manager, dataDir string) (*Engine, error) {
	sys := cfg.System()

	transport, err := ble.NewTransport()
	if err != nil {
		return nil, fmt.Errorf("bluetooth transport: %w", err)
	}

	poolCfg := ble.DefaultConfig()
	poolCfg.MaxConcurrent = sys.Bluetooth.MaxConcurrentConnections
	pool := ble.NewPool(transport, poolCfg)

	devices, err := registry.NewDeviceRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("device registry: %w", err)
	}
	vehicles, err := registry.NewVehicleRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("vehicle registry: %w", err)
	}

	backendName := sys.Storage.Backend
	if backendName == "" || (backendName == "influxdb" && !sys.InfluxDB.Enabled) {
		backendName = "null"
	}
	backend, err := storage.NewBackend(backendName, sys, dataDir)
	if err != nil {
		return nil, fmt.Errorf("storage backend: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		log:        logrus.WithField("component", "engine"),
		Devices:    devices,
		Vehicles:   vehicles,
		State:      state.NewManager(),
		Storage:    backend,
		Pool:       pool,
		Discovery:  discovery.NewService(transport, dataDir),
		Events:     NewEventBus(),
		errLimiter: newLogLimiter(time.Minute),
	}
	e.poller = newPoller(e)
	e.associator = newAssociator(e)
	e.autoconf = discovery.NewAutoConfigurator(devices, autoConfigTemplate(sys), 0)

	if sys.MQTT.Enabled {
		e.MQTT = mqtt.NewClient(sys.MQTT)
		e.Publisher = mqtt.NewPublisher(e.MQTT)
	}

	pool.SetStateListener(e.onPoolState)
	return e, nil
}

func autoConfigTemplate(sys config.SystemConfig) string {
	for _, rule := range sys.Discovery.AutoConfigure.Rules {
		if rule.DefaultNameTemplate != "" {
			return rule.DefaultNameTemplate
		}
	}
	return ""
}

// onPoolState mirrors pool transitions into the state manager and event
// bus.
func (e *Engine) onPoolState(mac string, st ble.State, err error) {
	switch st {
	case ble.StateConnected:
		e.State.UpdateConnectionState(mac, state.ConnConnected)
	case ble.StateDisconnected:
		e.State.UpdateConnectionState(mac, state.ConnDisconnected)
		e.Events.Emit(Event{Type: EventDeviceDisconnected, MAC: mac})
	case ble.StateError:
		e.State.UpdateConnectionState(mac, state.ConnError)
	}
}

// Start connects the storage backend, starts pool cleanup and the MQTT
// client, and spawns the four supervised tasks.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.startedAt = time.Now()
	e.mu.Unlock()

	if err := e.Discovery.LoadSnapshot(); err != nil {
		e.log.WithError(err).Warn("discovery snapshot load failed")
	}
	if err := e.Storage.Connect(ctx); err != nil {
		return fmt.Errorf("storage connect: %w", err)
	}
	if e.MQTT != nil {
		if err := e.MQTT.Connect(ctx); err != nil {
			e.log.WithError(err).Warn("mqtt connect failed")
		}
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.spawn(taskCtx, "pool-cleanup", e.Pool.Run)
	e.spawn(taskCtx, "discovery-events", e.discoveryEvents)
	e.spawn(taskCtx, "initial-discovery", e.initialDiscovery)
	e.spawn(taskCtx, "periodic-discovery", e.periodicDiscovery)
	e.spawn(taskCtx, "polling-supervisor", e.poller.supervise)
	e.spawn(taskCtx, "association-supervisor", e.associator.supervise)

	e.log.Info("engine started")
	return nil
}

func (e *Engine) spawn(ctx context.Context, name string, fn func(context.Context)) {
	e.tasks.Add(1)
	groutine.Go(ctx, name, func(ctx context.Context) {
		defer e.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.WithFields(logrus.Fields{"task": name, "panic": r}).Error("task panicked")
			}
		}()
		fn(ctx)
	})
}

// Run starts the engine and blocks until SIGINT/SIGTERM or ctx
// cancellation, then stops it.
func (e *Engine) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := e.Start(sigCtx); err != nil {
		return err
	}
	<-sigCtx.Done()
	e.log.Info("shutdown requested")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return e.Stop(stopCtx)
}

// Stop shuts the engine down: shutdown event, device disconnects, task
// cancellation, storage and broker disconnect, pool shutdown.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	e.Events.Emit(Event{Type: EventSystemShutdown})
	if e.Publisher != nil {
		e.Publisher.PublishSystemStatus(e.Status())
	}

	for _, st := range e.State.List() {
		if st.Connection == state.ConnConnected {
			if err := e.Pool.Disconnect(ctx, st.MAC); err != nil {
				e.log.WithError(err).WithField("mac", st.MAC).Warn("disconnect failed")
			}
		}
	}

	if cancel != nil {
		cancel()
	}
	waitDone := make(chan struct{})
	go func() {
		e.tasks.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-ctx.Done():
		e.log.Warn("task shutdown timed out")
	}

	if e.MQTT != nil {
		e.MQTT.Disconnect(ctx)
	}
	if err := e.Storage.Disconnect(ctx); err != nil {
		e.log.WithError(err).Warn("storage disconnect failed")
	}
	e.Pool.Shutdown(ctx)
	e.log.Info("engine stopped")
	return nil
}

// discoveryEvents streams new sightings to MQTT as they happen, so devices
// are announced during long scans instead of after they finish.
func (e *Engine) discoveryEvents(ctx context.Context) {
	events := e.Discovery.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != discovery.EventNew {
				continue
			}
			if e.Publisher != nil {
				if err := e.Publisher.PublishDiscoveryFound(ev.Sighting.MAC, ev.Sighting.Name, ev.Sighting.RSSI); err != nil {
					e.log.WithError(err).Debug("discovery publish failed")
				}
			}
		}
	}
}

func (e *Engine) initialDiscovery(ctx context.Context) {
	if !e.cfg.System().Discovery.InitialScan {
		return
	}
	e.runDiscovery(ctx)
}

func (e *Engine) periodicDiscovery(ctx context.Context) {
	interval := time.Duration(e.cfg.System().Discovery.PeriodicInterval) * time.Second
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runDiscovery(ctx)
		}
	}
}

// runDiscovery scans, registers sightings, and auto-configures matches.
func (e *Engine) runDiscovery(ctx context.Context) {
	sys := e.cfg.System()
	records, err := e.Discovery.Scan(ctx, discovery.Options{
		Duration: time.Duration(sys.Discovery.ScanDuration) * time.Second,
	})
	if err != nil {
		if ctx.Err() == nil {
			e.log.WithError(err).Warn("discovery scan failed")
		}
		return
	}

	batch := make([]registry.Discovered, 0, len(records))
	for _, rec := range records {
		batch = append(batch, registry.Discovered{
			MAC:          rec.MAC,
			Name:         rec.Name,
			DiscoveredAt: rec.DiscoveredAt,
		})
	}
	inserted, err := e.Devices.RegisterDiscovered(batch)
	if err != nil {
		e.log.WithError(err).Warn("discovered device registration failed")
		return
	}

	byMAC := make(map[string]discovery.Record, len(records))
	for _, rec := range records {
		byMAC[rec.MAC] = rec
	}
	for _, mac := range inserted {
		rec := byMAC[mac]
		e.Events.Emit(Event{
			Type: EventDeviceDiscovered,
			MAC:  mac,
			Data: map[string]interface{}{"name": rec.Name, "rssi": rec.RSSI},
		})
	}

	if sys.Discovery.AutoConfigure.Enabled && len(inserted) > 0 {
		fresh := make([]discovery.Record, 0, len(inserted))
		for _, mac := range inserted {
			fresh = append(fresh, byMAC[mac])
		}
		e.autoconf.Apply(fresh)
	}
}

// SystemStatus is the daemon-level snapshot the API and MQTT expose.
type SystemStatus struct {
	Running       bool                  `json:"running"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Devices       state.Summary         `json:"devices"`
	PoolActive    int                   `json:"pool_active"`
	Storage       storage.HealthStatus  `json:"storage"`
	MQTT          *mqtt.Stats           `json:"mqtt,omitempty"`
	Vehicles      int                   `json:"vehicles"`
}

// Status returns the current system status snapshot.
func (e *Engine) Status() SystemStatus {
	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	e.mu.Unlock()

	st := SystemStatus{
		Running:    running,
		Devices:    e.State.Summarize(),
		PoolActive: e.Pool.ActiveCount(),
		Storage:    e.Storage.GetHealthStatus(),
		Vehicles:   e.Vehicles.Len(),
	}
	if running {
		st.UptimeSeconds = int64(time.Since(startedAt).Seconds())
	}
	if e.MQTT != nil {
		stats := e.MQTT.GetStats()
		st.MQTT = &stats
	}
	return st
}

// Healthy reports whether the core surfaces are serviceable: the engine
// must be running and the storage backend reachable.
func (e *Engine) Healthy() bool {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return false
	}
	return e.Storage == nil || e.Storage.GetHealthStatus().Healthy
}
