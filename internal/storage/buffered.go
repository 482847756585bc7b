package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/groutine"
	"github.com/battery-hawk/battery-hawk/internal/protocol"
	"github.com/battery-hawk/battery-hawk/internal/queue"
)

// BufferedReading is one reading held in the outage buffer.
type BufferedReading struct {
	DeviceID   string            `json:"device_id"`
	VehicleID  string            `json:"vehicle_id,omitempty"`
	DeviceType string            `json:"device_type"`
	Reading    *protocol.Reading `json:"reading"`
	BufferedAt time.Time         `json:"buffered_at"`
	RetryCount int               `json:"retry_count"`
}

// Writer is the raw sink a concrete backend implements. Buffered wraps it
// into the full Backend contract.
type Writer interface {
	Name() string
	Capabilities() []string

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Write(ctx context.Context, item BufferedReading) error
	Ping(ctx context.Context) error

	QueryRecent(ctx context.Context, deviceID string, limit int) ([]protocol.Reading, error)
	QuerySummary(ctx context.Context, vehicleID string, hours int) (*Summary, error)
}

// Buffered turns a Writer into a Backend: it buffers writes during outages,
// replays them on a flush interval, health-checks the sink, and reconnects
// with bounded exponential backoff.
type Buffered struct {
	writer Writer
	rec    config.ErrorRecoveryConfig
	log    *logrus.Entry

	mu        sync.Mutex
	state     ConnState
	lastCheck *time.Time
	lastErr   string

	buffer  *queue.Deque[BufferedReading]
	metrics struct {
		successfulWrites atomic.Uint64
		failedWrites     atomic.Uint64
		bufferedWrites   atomic.Uint64
		droppedItems     atomic.Uint64
		flushCycles      atomic.Uint64
		reconnections    atomic.Uint64
	}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewBuffered wraps writer with outage buffering per rec.
func NewBuffered(writer Writer, rec config.ErrorRecoveryConfig) *Buffered {
	size := rec.BufferMaxSize
	if size <= 0 {
		size = 10000
	}
	return &Buffered{
		writer: writer,
		rec:    rec,
		log:    logrus.WithFields(logrus.Fields{"component": "storage", "backend": writer.Name()}),
		state:  StateDisconnected,
		buffer: queue.New[BufferedReading](size),
	}
}

func (b *Buffered) Name() string           { return b.writer.Name() }
func (b *Buffered) Capabilities() []string { return b.writer.Capabilities() }

// Connect opens the writer with bounded retry and starts the flush and
// health loops. A failed final attempt leaves the backend in failed state
// but still returns nil so the service can run on the buffer alone.
func (b *Buffered) Connect(ctx context.Context) error {
	b.setState(StateConnecting, nil)

	if err := b.openWithRetry(ctx); err != nil {
		b.setState(StateFailed, err)
		b.log.WithError(err).Warn("storage connect failed, running buffered")
	} else {
		b.setState(StateConnected, nil)
		b.log.Info("storage backend connected")
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	groutine.Go(loopCtx, "storage-maintenance", func(ctx context.Context) {
		defer close(b.done)
		b.maintenanceLoop(ctx)
	})
	return nil
}

func (b *Buffered) openWithRetry(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = secondsToDuration(b.rec.RetryDelaySeconds, time.Second)
	bo.MaxInterval = secondsToDuration(b.rec.MaxRetryDelaySeconds, 60*time.Second)
	bo.Multiplier = orDefault(b.rec.RetryBackoffMultiplier, 2)
	bo.RandomizationFactor = 0
	bo.Reset()

	attempts := b.rec.MaxRetryAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		opCtx, cancel := context.WithTimeout(ctx, secondsToDuration(float64(b.rec.ConnectionTimeoutSeconds), 30*time.Second))
		err = b.writer.Open(opCtx)
		cancel()
		if err == nil {
			return nil
		}
		b.log.WithError(err).WithField("attempt", i+1).Warn("storage open failed")
	}
	return err
}

// Disconnect stops the loops, attempts one final flush, and closes the
// writer.
func (b *Buffered) Disconnect(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
		select {
		case <-b.done:
		case <-ctx.Done():
		}
	}
	if b.connState() == StateConnected {
		b.flush(ctx)
	}
	err := b.writer.Close(ctx)
	b.setState(StateDisconnected, nil)
	return err
}

// StoreReading writes through when connected, otherwise buffers. Returns
// true when the reading was written or buffered, false only when validation
// fails.
func (b *Buffered) StoreReading(ctx context.Context, deviceID, vehicleID, deviceType string, reading *protocol.Reading) bool {
	if reading == nil || ValidateDeviceID(deviceID) != nil {
		return false
	}

	item := BufferedReading{
		DeviceID:   deviceID,
		VehicleID:  vehicleID,
		DeviceType: deviceType,
		Reading:    reading,
		BufferedAt: time.Now(),
	}

	if b.connState() == StateConnected {
		opCtx, cancel := context.WithTimeout(ctx, secondsToDuration(float64(b.rec.ConnectionTimeoutSeconds), 30*time.Second))
		err := b.writer.Write(opCtx, item)
		cancel()
		if err == nil {
			b.metrics.successfulWrites.Add(1)
			return true
		}
		b.metrics.failedWrites.Add(1)
		b.setState(StateFailed, err)
		b.log.WithError(err).WithField("device", deviceID).Warn("storage write failed, buffering")
	}

	b.enqueue(item)
	return true
}

func (b *Buffered) enqueue(item BufferedReading) {
	if _, dropped := b.buffer.PushBack(item); dropped {
		b.metrics.droppedItems.Add(1)
	}
	b.metrics.bufferedWrites.Add(1)
}

// GetRecentReadings queries the writer after validating inputs.
func (b *Buffered) GetRecentReadings(ctx context.Context, deviceID string, limit int) ([]protocol.Reading, error) {
	if err := ValidateDeviceID(deviceID); err != nil {
		return nil, err
	}
	if err := ValidateLimit(limit); err != nil {
		return nil, err
	}
	if b.connState() != StateConnected {
		return nil, ErrNotConnected
	}
	return b.writer.QueryRecent(ctx, deviceID, limit)
}

// GetVehicleSummary queries the writer after validating inputs.
func (b *Buffered) GetVehicleSummary(ctx context.Context, vehicleID string, hours int) (*Summary, error) {
	if err := ValidateVehicleID(vehicleID); err != nil {
		return nil, err
	}
	if err := ValidateHours(hours); err != nil {
		return nil, err
	}
	if b.connState() != StateConnected {
		return nil, ErrNotConnected
	}
	return b.writer.QuerySummary(ctx, vehicleID, hours)
}

// HealthCheck pings the writer and records the result.
func (b *Buffered) HealthCheck(ctx context.Context) bool {
	err := b.writer.Ping(ctx)
	now := time.Now()

	b.mu.Lock()
	b.lastCheck = &now
	if err != nil {
		b.lastErr = err.Error()
	} else {
		b.lastErr = ""
	}
	b.mu.Unlock()
	return err == nil
}

// GetHealthStatus returns the current health snapshot.
func (b *Buffered) GetHealthStatus() HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return HealthStatus{
		State:         b.state,
		Healthy:       b.state == StateConnected,
		LastCheck:     b.lastCheck,
		LastError:     b.lastErr,
		BufferedItems: b.buffer.Len(),
	}
}

// GetMetrics returns cumulative counters.
func (b *Buffered) GetMetrics() Metrics {
	return Metrics{
		SuccessfulWrites: b.metrics.successfulWrites.Load(),
		FailedWrites:     b.metrics.failedWrites.Load(),
		BufferedWrites:   b.metrics.bufferedWrites.Load(),
		DroppedItems:     b.metrics.droppedItems.Load(),
		FlushCycles:      b.metrics.flushCycles.Load(),
		Reconnections:    b.metrics.reconnections.Load(),
	}
}

// BufferLen reports the number of buffered readings awaiting replay.
func (b *Buffered) BufferLen() int {
	return b.buffer.Len()
}

func (b *Buffered) maintenanceLoop(ctx context.Context) {
	flushEvery := secondsToDuration(float64(b.rec.BufferFlushIntervalSeconds), 30*time.Second)
	healthEvery := secondsToDuration(float64(b.rec.HealthCheckIntervalSeconds), 60*time.Second)

	flushTicker := time.NewTicker(flushEvery)
	healthTicker := time.NewTicker(healthEvery)
	defer flushTicker.Stop()
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			if b.connState() != StateConnected {
				b.tryReconnect(ctx)
			}
			if b.connState() == StateConnected {
				b.flush(ctx)
			}
		case <-healthTicker.C:
			if b.connState() == StateConnected && !b.HealthCheck(ctx) {
				b.setState(StateFailed, nil)
				b.log.Warn("storage health check failed")
				b.tryReconnect(ctx)
			}
		}
	}
}

func (b *Buffered) tryReconnect(ctx context.Context) {
	b.setState(StateConnecting, nil)
	if err := b.openWithRetry(ctx); err != nil {
		b.setState(StateFailed, err)
		return
	}
	b.metrics.reconnections.Add(1)
	b.setState(StateConnected, nil)
	b.log.Info("storage backend reconnected")
}

// flush replays buffered items. Failed items are requeued at the front up to
// the retry limit so ordering is preserved across partial flushes.
func (b *Buffered) flush(ctx context.Context) {
	b.metrics.flushCycles.Add(1)
	retryLimit := b.rec.MessageRetryLimit
	if retryLimit <= 0 {
		retryLimit = 3
	}

	for {
		item, ok := b.buffer.PopFront()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			b.buffer.PushFront(item)
			return
		}

		opCtx, cancel := context.WithTimeout(ctx, secondsToDuration(float64(b.rec.ConnectionTimeoutSeconds), 30*time.Second))
		err := b.writer.Write(opCtx, item)
		cancel()
		if err == nil {
			b.metrics.successfulWrites.Add(1)
			continue
		}

		b.metrics.failedWrites.Add(1)
		item.RetryCount++
		if item.RetryCount > retryLimit {
			b.metrics.droppedItems.Add(1)
			b.log.WithFields(logrus.Fields{
				"device":  item.DeviceID,
				"retries": item.RetryCount,
			}).Warn("dropping buffered reading past retry limit")
			continue
		}
		b.buffer.PushFront(item)
		b.setState(StateFailed, err)
		return
	}
}

func (b *Buffered) connState() ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Buffered) setState(s ConnState, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
	if err != nil {
		b.lastErr = err.Error()
	}
}

func secondsToDuration(seconds float64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}
