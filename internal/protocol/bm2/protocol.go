package bm2

import (
	"encoding/binary"
	"fmt"
)

// BuildRequestBatteryDataCommand builds the telemetry request.
func BuildRequestBatteryDataCommand() []byte {
	return []byte{cmdRequestBatteryData}
}

// BuildSetAlarmThresholdCommand builds an alarm threshold write. The
// threshold is a 16-bit raw value in the unit of the alarm type (mV or
// decidegrees).
func BuildSetAlarmThresholdCommand(alarmType byte, threshold uint16) []byte {
	cmd := []byte{cmdSetAlarmThreshold, alarmType, 0, 0}
	binary.LittleEndian.PutUint16(cmd[2:], threshold)
	return cmd
}

// BuildConfigureDisplayCommand builds a display mode write.
func BuildConfigureDisplayCommand(mode byte) []byte {
	return []byte{cmdConfigureDisplay, mode}
}

// BuildResetDeviceCommand builds the factory reset command.
func BuildResetDeviceCommand() []byte {
	return []byte{cmdResetDevice}
}

// BuildSetBatteryCapacityCommand builds a nominal capacity write in mAh.
func BuildSetBatteryCapacityCommand(capacityMAh uint16) []byte {
	cmd := []byte{cmdSetBatteryCapacity, 0, 0}
	binary.LittleEndian.PutUint16(cmd[1:], capacityMAh)
	return cmd
}

// ValidateDataPacket checks the header and the XOR checksum over every byte
// before the final one.
func ValidateDataPacket(data []byte) bool {
	if len(data) < minDataPacketLength {
		return false
	}
	if data[0] != dataPacketHeader {
		return false
	}
	var sum byte
	for _, b := range data[:len(data)-1] {
		sum ^= b
	}
	return sum == data[len(data)-1]
}

// ParseBatteryData parses a validated BM2 data packet:
// voltage mV [1:3], signed current mA [3:5], signed temperature
// decidegrees [5:7], state of charge percent [7], capacity mAh [8:10].
func ParseBatteryData(data []byte) (map[string]interface{}, error) {
	if !ValidateDataPacket(data) {
		if len(data) >= minDataPacketLength && data[0] == dataPacketHeader {
			return nil, fmt.Errorf("bm2: checksum mismatch on %d-byte packet", len(data))
		}
		return nil, fmt.Errorf("bm2: invalid data packet (%d bytes)", len(data))
	}

	voltageMV := binary.LittleEndian.Uint16(data[1:3])
	currentMA := int16(binary.LittleEndian.Uint16(data[3:5]))
	tempDeci := int16(binary.LittleEndian.Uint16(data[5:7]))
	soc := data[7]
	capacityMAh := binary.LittleEndian.Uint16(data[8:10])
	if soc > 100 {
		return nil, fmt.Errorf("bm2: state of charge %d out of range", soc)
	}

	voltage := float64(voltageMV) / 1000.0
	current := float64(currentMA) / 1000.0

	return map[string]interface{}{
		"voltage":         voltage,
		"current":         current,
		"temperature":     float64(tempDeci) / 10.0,
		"state_of_charge": float64(soc),
		"capacity":        float64(capacityMAh) / 1000.0,
		"power":           voltage * current,
		"voltage_mv":      int(voltageMV),
		"current_ma":      int(currentMA),
		"capacity_mah":    int(capacityMAh),
	}, nil
}

// AlarmTypeName returns a human-readable alarm type name.
func AlarmTypeName(alarmType byte) string {
	switch alarmType {
	case AlarmLowVoltage:
		return "Low Voltage"
	case AlarmHighVoltage:
		return "High Voltage"
	case AlarmLowTemperature:
		return "Low Temperature"
	case AlarmHighTemperature:
		return "High Temperature"
	default:
		return fmt.Sprintf("Unknown Alarm (%d)", alarmType)
	}
}
