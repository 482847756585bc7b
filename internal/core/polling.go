package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/groutine"
	"github.com/battery-hawk/battery-hawk/internal/protocol"
	"github.com/battery-hawk/battery-hawk/internal/registry"
	"github.com/battery-hawk/battery-hawk/internal/state"
)

// supervisorInterval is how often the polling supervisor reconciles tasks
// against the registry.
const supervisorInterval = 30 * time.Second

// statusLogEvery is the supervisor cycle count between status summaries.
const statusLogEvery = 10

type pollTask struct {
	mac    string
	cancel context.CancelFunc
	done   chan struct{}
}

// poller runs one polling goroutine per configured device and a supervisor
// that reconciles the task set against the registry.
type poller struct {
	engine *Engine
	log    *logrus.Entry

	mu    sync.Mutex
	tasks map[string]*pollTask
}

func newPoller(engine *Engine) *poller {
	return &poller{
		engine: engine,
		log:    logrus.WithField("component", "poller"),
		tasks:  make(map[string]*pollTask),
	}
}

// supervise reconciles until ctx is cancelled, then stops every task.
func (p *poller) supervise(ctx context.Context) {
	ticker := time.NewTicker(supervisorInterval)
	defer ticker.Stop()

	cycle := 0
	p.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			p.stopAll()
			return
		case <-ticker.C:
			cycle++
			p.reconcile(ctx)
			if cycle%statusLogEvery == 0 {
				p.logStatus()
			}
		}
	}
}

// reconcile starts tasks for configured devices without one and reaps tasks
// whose goroutine exited or whose device left configured status.
func (p *poller) reconcile(ctx context.Context) {
	configured := p.engine.Devices.ListConfigured()
	want := make(map[string]registry.DeviceRecord, len(configured))
	for _, rec := range configured {
		want[rec.MAC] = rec
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for mac, task := range p.tasks {
		select {
		case <-task.done:
			delete(p.tasks, mac)
			continue
		default:
		}
		if _, ok := want[mac]; !ok {
			task.cancel()
			delete(p.tasks, mac)
		}
	}

	for mac, rec := range want {
		if _, running := p.tasks[mac]; running {
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		task := &pollTask{mac: mac, cancel: cancel, done: make(chan struct{})}
		p.tasks[mac] = task

		rec := rec
		groutine.Go(taskCtx, "poll-"+mac, func(ctx context.Context) {
			defer close(task.done)
			p.pollLoop(ctx, rec)
		})
	}
}

func (p *poller) stopAll() {
	p.mu.Lock()
	tasks := make([]*pollTask, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.tasks = make(map[string]*pollTask)
	p.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
		<-t.done
	}
}

func (p *poller) logStatus() {
	p.mu.Lock()
	running := len(p.tasks)
	p.mu.Unlock()
	summary := p.engine.State.Summarize()
	p.log.WithFields(logrus.Fields{
		"tasks":       running,
		"connected":   summary.Connected,
		"with_errors": summary.WithErrors,
		"pool_active": p.engine.Pool.ActiveCount(),
	}).Info("polling status")
}

// pollLoop reads one device on its configured interval. The first read runs
// immediately to establish a baseline. One Device adapter lives for the
// whole loop so its merged latest snapshot survives between ticks.
func (p *poller) pollLoop(ctx context.Context, rec registry.DeviceRecord) {
	log := p.log.WithFields(logrus.Fields{"mac": rec.MAC, "family": rec.Family})
	p.engine.State.Register(rec.MAC, rec.Family, rec.VehicleID)
	defer p.engine.State.UpdatePollingState(rec.MAC, state.PollStopped)

	device, err := protocol.NewDevice(rec.Family, rec.MAC, p.engine.Pool)
	if err != nil {
		log.WithError(err).Error("no protocol adapter, suspending polling")
		if serr := p.engine.Devices.SetStatus(rec.MAC, registry.StatusError); serr != nil {
			log.WithError(serr).Warn("status update failed")
		}
		return
	}

	interval := time.Duration(rec.PollingInterval) * time.Second
	if interval <= 0 {
		interval = time.Duration(registry.DefaultPollingInterval) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	needConnect := true
	for {
		if serr := p.engine.State.UpdatePollingState(rec.MAC, state.PollActive); serr != nil {
			log.WithError(serr).Warn("polling state update failed")
		}
		err := p.pollOnce(ctx, rec, device, needConnect)
		p.engine.State.UpdatePollingState(rec.MAC, state.PollIdle)
		needConnect = err != nil
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !protocol.IsTransient(err) {
				log.WithError(err).Error("permanent device error, suspending polling")
				p.engine.State.UpdateConnectionState(rec.MAC, state.ConnError)
				if serr := p.engine.Devices.SetStatus(rec.MAC, registry.StatusError); serr != nil {
					log.WithError(serr).Warn("status update failed")
				}
				p.engine.Events.Emit(Event{
					Type: EventDeviceError,
					MAC:  rec.MAC,
					Data: map[string]interface{}{"error": err.Error(), "permanent": true},
				})
				return
			}
			if p.engine.errLimiter.allow(fmt.Sprintf("%s/%d", rec.MAC, protocol.KindOf(err))) {
				log.WithError(err).Warn("poll failed")
			}
			p.engine.State.RecordError(rec.MAC, err)
			p.engine.State.UpdateConnectionState(rec.MAC, state.ConnError)
			p.engine.Events.Emit(Event{
				Type: EventDeviceError,
				MAC:  rec.MAC,
				Data: map[string]interface{}{"error": err.Error()},
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce runs a single read cycle: connect if needed, read, status, fan
// out. Storage and MQTT failures are absorbed; only device-layer errors
// return.
func (p *poller) pollOnce(ctx context.Context, rec registry.DeviceRecord, device protocol.Device, reconnect bool) error {
	if reconnect || !p.engine.Pool.IsConnected(rec.MAC) {
		alreadyConnected := p.engine.Pool.IsConnected(rec.MAC)
		p.engine.State.UpdateConnectionState(rec.MAC, state.ConnConnecting)
		if err := device.Connect(ctx); err != nil {
			return err
		}
		p.engine.State.UpdateConnectionState(rec.MAC, state.ConnConnected)
		if !alreadyConnected {
			p.engine.Events.Emit(Event{Type: EventDeviceConnected, MAC: rec.MAC})
		}
	}

	reading, err := device.ReadData(ctx)
	if err != nil {
		return err
	}

	status, err := device.SendCommand(ctx, "status", nil)
	if err != nil {
		// Reading already succeeded; a failed status probe is not fatal.
		p.log.WithError(err).WithField("mac", rec.MAC).Debug("status command failed")
		status = nil
	}

	p.fanOut(ctx, rec, device.DeviceType(), reading, status)
	return nil
}

func (p *poller) fanOut(ctx context.Context, rec registry.DeviceRecord, deviceType string, reading *protocol.Reading, status *protocol.DeviceStatus) {
	log := p.log.WithField("mac", rec.MAC)

	if err := p.engine.State.UpdateReading(rec.MAC, reading); err != nil {
		log.WithError(err).Warn("state reading update failed")
	}
	if status != nil {
		p.engine.State.UpdateStatus(rec.MAC, status)
	}

	if err := p.engine.Devices.UpdateLatestReading(rec.MAC, reading); err != nil {
		log.WithError(err).Warn("registry reading update failed")
	}
	if status != nil {
		if err := p.engine.Devices.UpdateDeviceStatus(rec.MAC, status); err != nil {
			log.WithError(err).Warn("registry status update failed")
		}
	}

	if p.engine.Storage != nil {
		if !p.engine.Storage.StoreReading(ctx, rec.MAC, rec.VehicleID, deviceType, reading) {
			log.Warn("storage rejected reading")
		}
	}

	if p.engine.Publisher != nil {
		if err := p.engine.Publisher.PublishReading(rec.MAC, rec.VehicleID, deviceType, reading); err != nil {
			log.WithError(err).Debug("reading publish failed")
		}
		if status != nil {
			if err := p.engine.Publisher.PublishDeviceStatus(rec.MAC, rec.VehicleID, deviceType, status); err != nil {
				log.WithError(err).Debug("status publish failed")
			}
		}
	}

	log.WithFields(logrus.Fields{
		"voltage": reading.Voltage,
		"soc":     reading.StateOfCharge,
	}).Debug("reading stored")
}
