package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/battery-hawk/battery-hawk/internal/config"
	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

// fakeWriter is a scriptable sink.
type fakeWriter struct {
	mu        sync.Mutex
	openErr   error
	writeErr  error
	pingErr   error
	openCalls int
	written   []BufferedReading
}

func (w *fakeWriter) Name() string           { return "fake" }
func (w *fakeWriter) Capabilities() []string { return []string{CapTimeSeries} }

func (w *fakeWriter) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.openCalls++
	return w.openErr
}

func (w *fakeWriter) Close(ctx context.Context) error { return nil }

func (w *fakeWriter) Write(ctx context.Context, item BufferedReading) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeErr != nil {
		return w.writeErr
	}
	w.written = append(w.written, item)
	return nil
}

func (w *fakeWriter) Ping(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pingErr
}

func (w *fakeWriter) QueryRecent(ctx context.Context, deviceID string, limit int) ([]protocol.Reading, error) {
	return nil, nil
}

func (w *fakeWriter) QuerySummary(ctx context.Context, vehicleID string, hours int) (*Summary, error) {
	return &Summary{VehicleID: vehicleID}, nil
}

func (w *fakeWriter) setWriteErr(err error) {
	w.mu.Lock()
	w.writeErr = err
	w.mu.Unlock()
}

func (w *fakeWriter) writtenCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.written)
}

func fastRecovery() config.ErrorRecoveryConfig {
	return config.ErrorRecoveryConfig{
		MaxRetryAttempts:           1,
		RetryDelaySeconds:          0.001,
		RetryBackoffMultiplier:     2,
		MaxRetryDelaySeconds:       0.01,
		BufferMaxSize:              100,
		BufferFlushIntervalSeconds: 3600,
		ConnectionTimeoutSeconds:   5,
		HealthCheckIntervalSeconds: 3600,
		MessageRetryLimit:          3,
	}
}

func sample(v float64) *protocol.Reading {
	return &protocol.Reading{Voltage: v, StateOfCharge: 90}
}

func TestStoreReadingWritesThroughWhenConnected(t *testing.T) {
	w := &fakeWriter{}
	b := NewBuffered(w, fastRecovery())
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	require.True(t, b.StoreReading(ctx, "AA:BB:CC:DD:EE:01", "vehicle_1", "BM6", sample(12.8)))
	require.Equal(t, 1, w.writtenCount())
	require.Equal(t, 0, b.BufferLen())
	require.Equal(t, uint64(1), b.GetMetrics().SuccessfulWrites)
}

func TestStoreReadingBuffersDuringOutage(t *testing.T) {
	w := &fakeWriter{openErr: errors.New("refused")}
	b := NewBuffered(w, fastRecovery())
	ctx := context.Background()

	// Connect never fails hard; the backend runs on the buffer.
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)
	require.Equal(t, StateFailed, b.GetHealthStatus().State)

	for i := 0; i < 5; i++ {
		require.True(t, b.StoreReading(ctx, "AA:BB:CC:DD:EE:01", "", "BM6", sample(12.8)))
	}
	require.Equal(t, 5, b.BufferLen())
	require.Equal(t, 0, w.writtenCount())
	require.Equal(t, uint64(5), b.GetMetrics().BufferedWrites)
}

func TestFlushReplaysBufferAfterReconnect(t *testing.T) {
	w := &fakeWriter{openErr: errors.New("refused")}
	b := NewBuffered(w, fastRecovery())
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	for i := 0; i < 5; i++ {
		require.True(t, b.StoreReading(ctx, "AA:BB:CC:DD:EE:01", "", "BM6", sample(float64(i))))
	}
	require.Equal(t, 5, b.BufferLen())

	w.mu.Lock()
	w.openErr = nil
	w.mu.Unlock()
	b.tryReconnect(ctx)
	b.flush(ctx)

	require.Equal(t, 0, b.BufferLen())
	require.Equal(t, 5, w.writtenCount())
	m := b.GetMetrics()
	require.Equal(t, uint64(5), m.SuccessfulWrites)
	require.Equal(t, uint64(1), m.Reconnections)

	// Replay preserved arrival order.
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, item := range w.written {
		require.InDelta(t, float64(i), item.Reading.Voltage, 0.001)
	}
}

func TestFlushDropsItemPastRetryLimit(t *testing.T) {
	w := &fakeWriter{}
	rec := fastRecovery()
	rec.MessageRetryLimit = 2
	b := NewBuffered(w, rec)
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	w.setWriteErr(errors.New("disk full"))
	require.True(t, b.StoreReading(ctx, "AA:BB:CC:DD:EE:01", "", "BM6", sample(12.8)))
	require.Equal(t, 1, b.BufferLen())

	// Each flush attempt fails and requeues until the limit is exceeded.
	for i := 0; i < 2; i++ {
		b.setState(StateConnected, nil)
		b.flush(ctx)
		require.Equal(t, 1, b.BufferLen())
	}
	b.setState(StateConnected, nil)
	b.flush(ctx)
	require.Equal(t, 0, b.BufferLen())
	require.Equal(t, uint64(1), b.GetMetrics().DroppedItems)
}

func TestBufferEvictsOldestWhenFull(t *testing.T) {
	w := &fakeWriter{openErr: errors.New("refused")}
	rec := fastRecovery()
	rec.BufferMaxSize = 3
	b := NewBuffered(w, rec)
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	for i := 0; i < 5; i++ {
		require.True(t, b.StoreReading(ctx, "AA:BB:CC:DD:EE:01", "", "BM6", sample(float64(i))))
	}
	require.Equal(t, 3, b.BufferLen())
	require.Equal(t, uint64(2), b.GetMetrics().DroppedItems)
}

func TestStoreReadingRejectsInvalidInput(t *testing.T) {
	w := &fakeWriter{}
	b := NewBuffered(w, fastRecovery())
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	require.False(t, b.StoreReading(ctx, "AA:BB:CC:DD:EE:01", "", "BM6", nil))
	require.False(t, b.StoreReading(ctx, "bad mac!", "", "BM6", sample(12.8)))
	require.Equal(t, 0, b.BufferLen())
}

func TestQueriesValidateAndRequireConnection(t *testing.T) {
	w := &fakeWriter{}
	b := NewBuffered(w, fastRecovery())
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	_, err := b.GetRecentReadings(ctx, "bad mac!", 10)
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = b.GetRecentReadings(ctx, "AA:BB:CC:DD:EE:01", 0)
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = b.GetRecentReadings(ctx, "AA:BB:CC:DD:EE:01", MaxQueryLimit+1)
	require.ErrorIs(t, err, ErrInvalidQuery)
	_, err = b.GetVehicleSummary(ctx, "vehicle_1", MaxQueryHours+1)
	require.ErrorIs(t, err, ErrInvalidQuery)

	_, err = b.GetRecentReadings(ctx, "AA:BB:CC:DD:EE:01", 10)
	require.NoError(t, err)

	b.setState(StateFailed, nil)
	_, err = b.GetRecentReadings(ctx, "AA:BB:CC:DD:EE:01", 10)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestHealthStatusReflectsPing(t *testing.T) {
	w := &fakeWriter{}
	b := NewBuffered(w, fastRecovery())
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	require.True(t, b.HealthCheck(ctx))
	hs := b.GetHealthStatus()
	require.True(t, hs.Healthy)
	require.NotNil(t, hs.LastCheck)
	require.Empty(t, hs.LastError)

	w.mu.Lock()
	w.pingErr = errors.New("timeout")
	w.mu.Unlock()
	require.False(t, b.HealthCheck(ctx))
	require.Equal(t, "timeout", b.GetHealthStatus().LastError)
}

func TestMaintenanceLoopFlushesOnInterval(t *testing.T) {
	w := &fakeWriter{openErr: errors.New("refused")}
	rec := fastRecovery()
	rec.BufferFlushIntervalSeconds = 1
	b := NewBuffered(w, rec)
	ctx := context.Background()

	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect(ctx)

	require.True(t, b.StoreReading(ctx, "AA:BB:CC:DD:EE:01", "", "BM6", sample(12.8)))
	w.mu.Lock()
	w.openErr = nil
	w.mu.Unlock()

	require.Eventually(t, func() bool {
		return b.BufferLen() == 0 && w.writtenCount() == 1
	}, 5*time.Second, 50*time.Millisecond)
}
