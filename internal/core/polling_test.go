package core

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/battery-hawk/battery-hawk/internal/ble"
	"github.com/battery-hawk/battery-hawk/internal/protocol"
	"github.com/battery-hawk/battery-hawk/internal/protocol/bm2"
	"github.com/battery-hawk/battery-hawk/internal/registry"
	"github.com/battery-hawk/battery-hawk/internal/state"
)

// monitorPacket builds a valid data packet carrying the given voltage.
func monitorPacket(voltageMV uint16) []byte {
	data := make([]byte, 11)
	data[0] = 0xAA
	binary.LittleEndian.PutUint16(data[1:3], voltageMV)
	data[7] = 95
	var sum byte
	for _, b := range data[:len(data)-1] {
		sum ^= b
	}
	data[len(data)-1] = sum
	return data
}

// monitorClient answers battery data requests with a canned packet.
type monitorClient struct {
	transport *monitorTransport

	mu       sync.Mutex
	handlers map[string]func([]byte)
	closed   bool
}

func (c *monitorClient) Write(ctx context.Context, characteristic string, data []byte) error {
	request := bm2.BuildRequestBatteryDataCommand()
	if characteristic == bm2.CommandCharUUID && len(data) == len(request) && data[0] == request[0] {
		c.mu.Lock()
		h := c.handlers[bm2.DataCharUUID]
		c.mu.Unlock()
		if h != nil {
			go h(monitorPacket(12830))
		}
	}
	return nil
}

func (c *monitorClient) Subscribe(characteristic string, handler func(data []byte)) error {
	c.mu.Lock()
	c.handlers[characteristic] = handler
	c.mu.Unlock()
	if characteristic == bm2.DataCharUUID {
		c.transport.subscribes.Add(1)
	}
	return nil
}

func (c *monitorClient) Unsubscribe(characteristic string) error {
	c.mu.Lock()
	delete(c.handlers, characteristic)
	c.mu.Unlock()
	return nil
}

func (c *monitorClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *monitorClient) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type monitorTransport struct {
	dials      atomic.Int64
	subscribes atomic.Int64
}

func (tr *monitorTransport) Scan(ctx context.Context, duration time.Duration, handler func(ble.Sighting)) error {
	return nil
}

func (tr *monitorTransport) Dial(ctx context.Context, mac string) (ble.Client, error) {
	tr.dials.Add(1)
	return &monitorClient{transport: tr, handlers: map[string]func([]byte){}}, nil
}

func TestPollLoopReusesDeviceAndConnection(t *testing.T) {
	tr := &monitorTransport{}
	engine := newTestEngine(t, tr, nil)

	const mac = "AA:BB:CC:DD:EE:01"
	_, err := engine.Devices.RegisterDiscovered([]registry.Discovered{{MAC: mac, Name: "BM2"}})
	require.NoError(t, err)
	require.NoError(t, engine.Devices.Configure(mac, protocol.FamilyBM2, "", "", 600))

	rec, ok := engine.Devices.Get(mac)
	require.True(t, ok)
	rec.PollingInterval = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.poller.pollLoop(ctx, rec)
	}()

	// Two full ticks reuse the same adapter and session: one dial, one
	// subscription.
	require.Eventually(t, func() bool {
		return engine.Storage.GetMetrics().SuccessfulWrites >= 2
	}, 10*time.Second, 20*time.Millisecond)
	require.Equal(t, int64(1), tr.dials.Load())
	require.Equal(t, int64(1), tr.subscribes.Load())

	// Between ticks the device stays connected but polling is idle.
	require.Eventually(t, func() bool {
		st, ok := engine.State.Get(mac)
		return ok && st.Polling == state.PollIdle
	}, 5*time.Second, 20*time.Millisecond)
	require.True(t, engine.Pool.IsConnected(mac))

	cancel()
	<-done
	st, ok := engine.State.Get(mac)
	require.True(t, ok)
	require.Equal(t, state.PollStopped, st.Polling)
}
