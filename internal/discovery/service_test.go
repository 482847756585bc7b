package discovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/battery-hawk/battery-hawk/internal/ble"
)

// scriptedTransport plays back one slice of sightings per Scan call.
type scriptedTransport struct {
	mu     sync.Mutex
	slices [][]ble.Sighting
	calls  int
}

func (t *scriptedTransport) Scan(ctx context.Context, duration time.Duration, handler func(ble.Sighting)) error {
	t.mu.Lock()
	var slice []ble.Sighting
	if t.calls < len(t.slices) {
		slice = t.slices[t.calls]
	}
	t.calls++
	t.mu.Unlock()

	for _, s := range slice {
		handler(s)
	}
	return nil
}

func (t *scriptedTransport) Dial(ctx context.Context, mac string) (ble.Client, error) {
	return nil, context.Canceled
}

func (t *scriptedTransport) scanCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func sighting(mac, name string) ble.Sighting {
	return ble.Sighting{MAC: mac, Name: name, RSSI: -60, Timestamp: time.Now()}
}

func TestScanCollectsRecords(t *testing.T) {
	transport := &scriptedTransport{slices: [][]ble.Sighting{{
		sighting("AA:BB:CC:DD:EE:01", "BM6"),
		sighting("AA:BB:CC:DD:EE:02", "Battery Monitor"),
	}}}
	svc := NewService(transport, "")

	records, err := svc.Scan(context.Background(), Options{Duration: time.Second})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Len(t, svc.Known(), 2)
}

func TestStopOnNewStopsAtFirstUnseenDevice(t *testing.T) {
	transport := &scriptedTransport{slices: [][]ble.Sighting{
		nil,
		nil,
		{sighting("AA:BB:CC:DD:EE:01", "BM6")},
		{sighting("AA:BB:CC:DD:EE:02", "never reached")},
	}}
	svc := NewService(transport, "")

	records, err := svc.Scan(context.Background(), Options{
		Duration:     time.Minute,
		StopOnNew:    true,
		ShortTimeout: time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "AA:BB:CC:DD:EE:01", records[0].MAC)
	require.Equal(t, 3, transport.scanCalls())
}

func TestStopOnNewIgnoresAlreadyKnownDevices(t *testing.T) {
	first := &scriptedTransport{slices: [][]ble.Sighting{
		{sighting("AA:BB:CC:DD:EE:01", "BM6")},
	}}
	svc := NewService(first, "")
	_, err := svc.Scan(context.Background(), Options{Duration: time.Second})
	require.NoError(t, err)

	// The same device again is a refresh, so the scan runs out its budget.
	svc.transport = &scriptedTransport{slices: [][]ble.Sighting{
		{sighting("AA:BB:CC:DD:EE:01", "BM6")},
		{sighting("AA:BB:CC:DD:EE:01", "BM6")},
	}}
	records, err := svc.Scan(context.Background(), Options{
		Duration:     5 * time.Millisecond,
		StopOnNew:    true,
		ShortTimeout: time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestScanEmitsEvents(t *testing.T) {
	transport := &scriptedTransport{slices: [][]ble.Sighting{
		{sighting("AA:BB:CC:DD:EE:01", "BM6")},
		{sighting("AA:BB:CC:DD:EE:01", "BM6")},
	}}
	svc := NewService(transport, "")

	_, err := svc.Scan(context.Background(), Options{Duration: time.Second})
	require.NoError(t, err)
	_, err = svc.Scan(context.Background(), Options{Duration: time.Second})
	require.NoError(t, err)

	ev, ok := <-svc.Events()
	require.True(t, ok)
	require.Equal(t, EventNew, ev.Type)
	ev, ok = <-svc.Events()
	require.True(t, ok)
	require.Equal(t, EventUpdated, ev.Type)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	transport := &scriptedTransport{slices: [][]ble.Sighting{{
		sighting("AA:BB:CC:DD:EE:01", "BM6"),
	}}}

	svc := NewService(transport, dir)
	_, err := svc.Scan(context.Background(), Options{Duration: time.Second})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, SnapshotFile))
	require.NoError(t, err)

	restored := NewService(&scriptedTransport{}, dir)
	require.NoError(t, restored.LoadSnapshot())
	known := restored.Known()
	require.Len(t, known, 1)
	require.Equal(t, "AA:BB:CC:DD:EE:01", known[0].MAC)
	require.Equal(t, "BM6", known[0].Name)
}

func TestLoadSnapshotMissingFileIsNotAnError(t *testing.T) {
	svc := NewService(&scriptedTransport{}, t.TempDir())
	require.NoError(t, svc.LoadSnapshot())
	require.Empty(t, svc.Known())
}
