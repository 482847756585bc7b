package bm2

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildDataPacket assembles a valid packet from telemetry values.
func buildDataPacket(voltageMV uint16, currentMA int16, tempDeci int16, soc byte, capacityMAh uint16) []byte {
	data := make([]byte, minDataPacketLength)
	data[0] = dataPacketHeader
	binary.LittleEndian.PutUint16(data[1:3], voltageMV)
	binary.LittleEndian.PutUint16(data[3:5], uint16(currentMA))
	binary.LittleEndian.PutUint16(data[5:7], uint16(tempDeci))
	data[7] = soc
	binary.LittleEndian.PutUint16(data[8:10], capacityMAh)

	var sum byte
	for _, b := range data[:len(data)-1] {
		sum ^= b
	}
	data[len(data)-1] = sum
	return data
}

func TestValidateDataPacket(t *testing.T) {
	packet := buildDataPacket(12830, -1500, 253, 95, 60000)
	require.True(t, ValidateDataPacket(packet))

	corrupted := append([]byte(nil), packet...)
	corrupted[2] ^= 0x01
	require.False(t, ValidateDataPacket(corrupted))

	require.False(t, ValidateDataPacket(packet[:minDataPacketLength-1]))
	require.False(t, ValidateDataPacket(nil))

	badHeader := append([]byte(nil), packet...)
	badHeader[0] = 0xAB
	require.False(t, ValidateDataPacket(badHeader))
}

func TestParseBatteryData(t *testing.T) {
	packet := buildDataPacket(12830, -1500, 253, 95, 60000)

	fields, err := ParseBatteryData(packet)
	require.NoError(t, err)

	require.InDelta(t, 12.83, fields["voltage"], 0.001)
	require.InDelta(t, -1.5, fields["current"], 0.001)
	require.InDelta(t, 25.3, fields["temperature"], 0.001)
	require.InDelta(t, 95.0, fields["state_of_charge"], 0.001)
	require.InDelta(t, 60.0, fields["capacity"], 0.001)
	require.InDelta(t, 12.83*-1.5, fields["power"].(float64), 0.001)
}

func TestParseBatteryDataRejectsBadChecksum(t *testing.T) {
	packet := buildDataPacket(12830, 0, 0, 50, 0)
	packet[len(packet)-1] ^= 0xFF

	_, err := ParseBatteryData(packet)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum")
}

func TestParseBatteryDataRejectsOutOfRangeSoC(t *testing.T) {
	packet := buildDataPacket(12830, 0, 0, 101, 0)

	_, err := ParseBatteryData(packet)
	require.Error(t, err)
	require.Contains(t, err.Error(), "state of charge")
}

func TestCommandBuilders(t *testing.T) {
	require.Equal(t, []byte{cmdRequestBatteryData}, BuildRequestBatteryDataCommand())

	alarm := BuildSetAlarmThresholdCommand(AlarmLowVoltage, 11800)
	require.Equal(t, byte(cmdSetAlarmThreshold), alarm[0])
	require.Equal(t, byte(AlarmLowVoltage), alarm[1])
	require.Equal(t, uint16(11800), binary.LittleEndian.Uint16(alarm[2:4]))

	capacity := BuildSetBatteryCapacityCommand(60000)
	require.Equal(t, byte(cmdSetBatteryCapacity), capacity[0])
	require.Equal(t, uint16(60000), binary.LittleEndian.Uint16(capacity[1:3]))

	require.Equal(t, []byte{cmdConfigureDisplay, DisplayAdvanced}, BuildConfigureDisplayCommand(DisplayAdvanced))
	require.Equal(t, []byte{cmdResetDevice}, BuildResetDeviceCommand())
}

func TestAlarmTypeName(t *testing.T) {
	require.Equal(t, "Low Voltage", AlarmTypeName(AlarmLowVoltage))
	require.Equal(t, "High Temperature", AlarmTypeName(AlarmHighTemperature))
	require.Contains(t, AlarmTypeName(0x99), "Unknown")
}
