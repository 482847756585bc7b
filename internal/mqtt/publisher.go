package mqtt

import (
	"time"

	"github.com/battery-hawk/battery-hawk/internal/protocol"
	"github.com/battery-hawk/battery-hawk/internal/storage"
)

// Publisher wraps the client with the typed message surface the engine
// uses. Each method computes its topic, QoS, and retain flag from the
// scheme and stamps the payload with an RFC 3339 timestamp.
type Publisher struct {
	client *Client
}

// NewPublisher binds a publisher to client.
func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client}
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// PublishReading publishes a telemetry sample. QoS 1, not retained. The
// reading fields sit at the payload top level next to the identity fields.
func (p *Publisher) PublishReading(mac, vehicleID, deviceType string, reading *protocol.Reading) error {
	topic, err := p.client.Topics().DeviceReading(mac)
	if err != nil {
		return err
	}
	power := reading.Power
	if power == 0 {
		power = reading.Voltage * reading.Current
	}
	payload := map[string]interface{}{
		"device_id":       mac,
		"device_type":     deviceType,
		"timestamp":       stamp(),
		"voltage":         reading.Voltage,
		"current":         reading.Current,
		"temperature":     reading.Temperature,
		"state_of_charge": reading.StateOfCharge,
		"power":           power,
	}
	if reading.Capacity != 0 {
		payload["capacity"] = reading.Capacity
	}
	if reading.Cycles != 0 {
		payload["cycles"] = reading.Cycles
	}
	if len(reading.Extra) > 0 {
		payload["extra"] = reading.Extra
	}
	if vehicleID != "" {
		payload["vehicle_id"] = vehicleID
	}
	return p.client.Publish(topic, payload, 1, false)
}

// PublishDeviceStatus publishes a device status snapshot. QoS 1, retained
// so late subscribers see the last known state.
func (p *Publisher) PublishDeviceStatus(mac, vehicleID, deviceType string, status *protocol.DeviceStatus) error {
	topic, err := p.client.Topics().DeviceStatus(mac)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"device_id":   mac,
		"device_type": deviceType,
		"status":      status,
		"timestamp":   stamp(),
	}
	if vehicleID != "" {
		payload["vehicle_id"] = vehicleID
	}
	return p.client.Publish(topic, payload, 1, true)
}

// PublishVehicleSummary publishes a vehicle aggregate. QoS 1, retained.
func (p *Publisher) PublishVehicleSummary(vehicleID string, summary *storage.Summary) error {
	topic, err := p.client.Topics().VehicleSummary(vehicleID)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"vehicle_id": vehicleID,
		"summary":    summary,
		"timestamp":  stamp(),
	}
	return p.client.Publish(topic, payload, 1, true)
}

// PublishSystemStatus publishes daemon-level status. QoS 2, retained.
func (p *Publisher) PublishSystemStatus(status interface{}) error {
	payload := map[string]interface{}{
		"status":    status,
		"timestamp": stamp(),
	}
	return p.client.Publish(p.client.Topics().SystemStatus(), payload, 2, true)
}

// PublishDiscoveryFound announces a newly sighted device. QoS 1, not
// retained.
func (p *Publisher) PublishDiscoveryFound(mac, name string, rssi int) error {
	payload := map[string]interface{}{
		"device_id": mac,
		"name":      name,
		"rssi":      rssi,
		"timestamp": stamp(),
	}
	return p.client.Publish(p.client.Topics().DiscoveryFound(), payload, 1, false)
}
