// Package bm2 implements the BM2 battery monitor protocol: unencrypted
// little-endian data packets with an XOR integrity byte.
package bm2

// GATT layout.
const (
	ServiceUUID     = "0000fff0-0000-1000-8000-00805f9b34fb"
	DataCharUUID    = "0000fff4-0000-1000-8000-00805f9b34fb"
	CommandCharUUID = "0000fff3-0000-1000-8000-00805f9b34fb"
	ConfigCharUUID  = "0000fff5-0000-1000-8000-00805f9b34fb"
	InfoCharUUID    = "0000fff6-0000-1000-8000-00805f9b34fb"
)

// Data packet framing. A packet is the 0xAA header, nine telemetry bytes,
// and a trailing XOR checksum over everything before it.
const (
	dataPacketHeader    = 0xAA
	minDataPacketLength = 11
)

// Command opcodes.
const (
	cmdRequestBatteryData = 0x31
	cmdSetAlarmThreshold  = 0x32
	cmdConfigureDisplay   = 0x33
	cmdResetDevice        = 0x34
	cmdSetBatteryCapacity = 0x35
)

// Alarm types for cmdSetAlarmThreshold.
const (
	AlarmLowVoltage      = 0x01
	AlarmHighVoltage     = 0x02
	AlarmLowTemperature  = 0x03
	AlarmHighTemperature = 0x04
)

// Display modes for cmdConfigureDisplay.
const (
	DisplayBasic    = 0x00
	DisplayAdvanced = 0x01
	DisplayDetailed = 0x02
)
