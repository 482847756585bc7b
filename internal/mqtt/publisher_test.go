package mqtt

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
)

func TestPublishReadingPayloadAndTopic(t *testing.T) {
	client := NewClient(queueTestConfig())
	p := NewPublisher(client)

	reading := &protocol.Reading{Voltage: 12.83, Current: -1.5, Temperature: 25.3, StateOfCharge: 95}
	require.NoError(t, p.PublishReading("AA:BB:CC:DD:EE:FF", "vehicle_1", protocol.FamilyBM6, reading))

	msg, ok := client.pending.PopFront()
	require.True(t, ok)
	require.Equal(t, "batteryhawk/device/AA:BB:CC:DD:EE:FF/reading", msg.Topic)
	require.Equal(t, byte(1), msg.QoS)
	require.False(t, msg.Retain)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	require.Equal(t, "AA:BB:CC:DD:EE:FF", payload["device_id"])
	require.Equal(t, "vehicle_1", payload["vehicle_id"])
	require.Equal(t, protocol.FamilyBM6, payload["device_type"])
	require.NotEmpty(t, payload["timestamp"])

	// Reading fields are flattened into the payload, not nested.
	require.NotContains(t, payload, "reading")
	require.InDelta(t, 12.83, payload["voltage"], 0.001)
	require.InDelta(t, -1.5, payload["current"], 0.001)
	require.InDelta(t, 25.3, payload["temperature"], 0.001)
	require.InDelta(t, 95.0, payload["state_of_charge"], 0.001)
	require.InDelta(t, 12.83*-1.5, payload["power"], 0.001)
}

func TestPublishReadingOmitsEmptyVehicle(t *testing.T) {
	client := NewClient(queueTestConfig())
	p := NewPublisher(client)

	require.NoError(t, p.PublishReading("AA:BB:CC:DD:EE:FF", "", protocol.FamilyBM2, &protocol.Reading{}))

	msg, _ := client.pending.PopFront()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	require.NotContains(t, payload, "vehicle_id")
}

func TestPublishReadingRejectsInvalidMAC(t *testing.T) {
	client := NewClient(queueTestConfig())
	p := NewPublisher(client)

	require.Error(t, p.PublishReading("GG:BB:CC:DD:EE:FF", "", protocol.FamilyBM6, &protocol.Reading{}))
	require.Equal(t, 0, client.QueueLen())
}

func TestPublishSystemStatusRetainedAtQoS2(t *testing.T) {
	client := NewClient(queueTestConfig())
	p := NewPublisher(client)

	require.NoError(t, p.PublishSystemStatus(map[string]string{"state": "running"}))

	msg, ok := client.pending.PopFront()
	require.True(t, ok)
	require.Equal(t, "batteryhawk/system/status", msg.Topic)
	require.Equal(t, byte(2), msg.QoS)
	require.True(t, msg.Retain)
}

func TestPublishDeviceStatusRetained(t *testing.T) {
	client := NewClient(queueTestConfig())
	p := NewPublisher(client)

	status := &protocol.DeviceStatus{}
	require.NoError(t, p.PublishDeviceStatus("AA:BB:CC:DD:EE:FF", "vehicle_1", protocol.FamilyBM6, status))

	msg, ok := client.pending.PopFront()
	require.True(t, ok)
	require.Equal(t, "batteryhawk/device/AA:BB:CC:DD:EE:FF/status", msg.Topic)
	require.True(t, msg.Retain)
}
