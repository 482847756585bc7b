// Package mqtt publishes readings, status, and events to an MQTT broker
// with bounded queuing across broker outages.
package mqtt

import (
	"fmt"
	"regexp"
	"strings"
)

// Topic categories.
const (
	CategoryDeviceReading  = "device_reading"
	CategoryDeviceStatus   = "device_status"
	CategoryVehicleSummary = "vehicle_summary"
	CategorySystemStatus   = "system_status"
	CategoryDiscoveryFound = "discovery_found"
)

var (
	macPattern       = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)
	vehicleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// TopicInfo is the parse result for a recognized topic.
type TopicInfo struct {
	Category  string
	MAC       string
	VehicleID string
	QoS       byte
	Retain    bool
}

// Topics computes and classifies the topic scheme under one prefix.
type Topics struct {
	prefix string
}

// NewTopics creates a topic scheme. An empty prefix defaults to
// "batteryhawk".
func NewTopics(prefix string) *Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = "batteryhawk"
	}
	return &Topics{prefix: prefix}
}

// Prefix returns the configured topic prefix.
func (t *Topics) Prefix() string { return t.prefix }

// DeviceReading returns {prefix}/device/{mac}/reading. QoS 1, no retain.
func (t *Topics) DeviceReading(mac string) (string, error) {
	if !macPattern.MatchString(mac) {
		return "", fmt.Errorf("invalid mac %q", mac)
	}
	return fmt.Sprintf("%s/device/%s/reading", t.prefix, mac), nil
}

// DeviceStatus returns {prefix}/device/{mac}/status. QoS 1, retained.
func (t *Topics) DeviceStatus(mac string) (string, error) {
	if !macPattern.MatchString(mac) {
		return "", fmt.Errorf("invalid mac %q", mac)
	}
	return fmt.Sprintf("%s/device/%s/status", t.prefix, mac), nil
}

// VehicleSummary returns {prefix}/vehicle/{id}/summary. QoS 1, retained.
func (t *Topics) VehicleSummary(vehicleID string) (string, error) {
	if !vehicleIDPattern.MatchString(vehicleID) {
		return "", fmt.Errorf("invalid vehicle id %q", vehicleID)
	}
	return fmt.Sprintf("%s/vehicle/%s/summary", t.prefix, vehicleID), nil
}

// SystemStatus returns {prefix}/system/status. QoS 2, retained.
func (t *Topics) SystemStatus() string {
	return t.prefix + "/system/status"
}

// DiscoveryFound returns {prefix}/discovery/found. QoS 1, no retain.
func (t *Topics) DiscoveryFound() string {
	return t.prefix + "/discovery/found"
}

// Parse classifies a topic and extracts identifiers, recommended QoS, and
// retain flag. Returns false for topics outside the scheme or with invalid
// identifiers.
func (t *Topics) Parse(topic string) (TopicInfo, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/")
	if !ok {
		return TopicInfo{}, false
	}
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 3 && parts[0] == "device":
		if !macPattern.MatchString(parts[1]) {
			return TopicInfo{}, false
		}
		switch parts[2] {
		case "reading":
			return TopicInfo{Category: CategoryDeviceReading, MAC: parts[1], QoS: 1}, true
		case "status":
			return TopicInfo{Category: CategoryDeviceStatus, MAC: parts[1], QoS: 1, Retain: true}, true
		}
	case len(parts) == 3 && parts[0] == "vehicle" && parts[2] == "summary":
		if !vehicleIDPattern.MatchString(parts[1]) {
			return TopicInfo{}, false
		}
		return TopicInfo{Category: CategoryVehicleSummary, VehicleID: parts[1], QoS: 1, Retain: true}, true
	case len(parts) == 2 && parts[0] == "system" && parts[1] == "status":
		return TopicInfo{Category: CategorySystemStatus, QoS: 2, Retain: true}, true
	case len(parts) == 2 && parts[0] == "discovery" && parts[1] == "found":
		return TopicInfo{Category: CategoryDiscoveryFound, QoS: 1}, true
	}
	return TopicInfo{}, false
}
