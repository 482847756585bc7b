package mqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/battery-hawk/battery-hawk/internal/config"
)

func queueTestConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:           "localhost",
		Port:             1883,
		TopicPrefix:      "batteryhawk",
		QoS:              1,
		MessageQueueSize: 3,
	}
}

func TestPublishQueuesWhileDisconnected(t *testing.T) {
	c := NewClient(queueTestConfig())

	require.NoError(t, c.Publish("batteryhawk/device/AA:BB:CC:DD:EE:FF/reading", map[string]int{"soc": 95}, 1, false))
	require.NoError(t, c.Publish("batteryhawk/device/AA:BB:CC:DD:EE:FF/status", map[string]string{"state": "ok"}, 1, true))

	require.Equal(t, 2, c.QueueLen())
	stats := c.GetStats()
	require.Equal(t, uint64(2), stats.MessagesQueued)
	require.Equal(t, uint64(0), stats.MessagesPublished)
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	c := NewClient(queueTestConfig())

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Publish("batteryhawk/system/status", map[string]int{"n": i}, 2, true))
	}

	require.Equal(t, 3, c.QueueLen())
	stats := c.GetStats()
	require.Equal(t, uint64(2), stats.MessagesDropped)
	require.Equal(t, uint64(2), stats.MessagesFailed)

	// The survivors are the newest three, in order.
	msg, ok := c.pending.PopFront()
	require.True(t, ok)
	require.JSONEq(t, `{"n":2}`, string(msg.Payload))
	msg, _ = c.pending.PopFront()
	require.JSONEq(t, `{"n":3}`, string(msg.Payload))
	msg, _ = c.pending.PopFront()
	require.JSONEq(t, `{"n":4}`, string(msg.Payload))
}

func TestQueueOverflowCounters(t *testing.T) {
	cfg := queueTestConfig()
	cfg.MessageQueueSize = 10
	c := NewClient(cfg)

	for i := 0; i < 15; i++ {
		require.NoError(t, c.Publish("batteryhawk/system/status", map[string]int{"n": i}, 2, true))
	}

	stats := c.GetStats()
	require.Equal(t, uint64(15), stats.MessagesQueued)
	require.Equal(t, uint64(5), stats.MessagesFailed)
	require.Equal(t, uint64(5), stats.MessagesDropped)
	require.Equal(t, 10, c.QueueLen())
}

func TestPublishRejectsUnserializablePayload(t *testing.T) {
	c := NewClient(queueTestConfig())

	err := c.Publish("batteryhawk/system/status", func() {}, 2, true)
	require.Error(t, err)
	require.Equal(t, 0, c.QueueLen())
	require.Equal(t, uint64(1), c.GetStats().MessagesFailed)
}

func TestPublishAfterDisconnectReturnsErrClosed(t *testing.T) {
	c := NewClient(queueTestConfig())
	require.NoError(t, c.Disconnect(context.Background()))

	err := c.Publish("batteryhawk/system/status", map[string]int{}, 2, true)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDefaultQueueSize(t *testing.T) {
	cfg := queueTestConfig()
	cfg.MessageQueueSize = 0
	c := NewClient(cfg)
	require.Equal(t, 0, c.QueueLen())

	for i := 0; i < 100; i++ {
		require.NoError(t, c.Publish("batteryhawk/discovery/found", map[string]int{"n": i}, 1, false))
	}
	require.Equal(t, 100, c.QueueLen())
	require.Equal(t, uint64(0), c.GetStats().MessagesDropped)
}
