// Package bm6 implements the BM6 battery monitor protocol: AES-ECB framed
// realtime telemetry plus the legacy 0xDD-framed command set some firmware
// revisions still speak.
package bm6

// GATT layout.
const (
	ServiceUUID    = "0000fff0-0000-1000-8000-00805f9b34fb"
	NotifyCharUUID = "0000fff4-0000-1000-8000-00805f9b34fb"
	WriteCharUUID  = "0000fff3-0000-1000-8000-00805f9b34fb"
)

// AES key: "leagend" + 0xFF 0xFE + "0100009". The device requires ECB with
// this exact key; commands are silently ignored otherwise.
var aesKey = []byte{108, 101, 97, 103, 101, 110, 100, 255, 254, 48, 49, 48, 48, 48, 48, 57}

const blockSize = 16

// Realtime protocol command and response prefixes (hex-string form of the
// decrypted 16-byte block).
const (
	cmdRequestVoltageTemp  = "d15507"
	realtimeResponsePrefix = "d15507"
	versionResponsePrefix  = "d15501"
)

// Hex-string positions inside a decrypted realtime response.
const (
	tempSignPosStart = 6
	tempSignPosEnd   = 8
	tempPosStart     = 8
	tempPosEnd       = 10
	statePosStart    = 10
	statePosEnd      = 12
	socPosStart      = 12
	socPosEnd        = 14
	voltagePosStart  = 14
	voltagePosEnd    = 18
	accelPosStart    = 18
	accelPosEnd      = 22
	decelPosStart    = 22
	decelPosEnd      = 26
)

const voltageDivisor = 100.0

// Legacy framing.
const (
	startMarker     = 0xDD
	protocolVersion = 0xA5
	endMarker       = 0x77

	cmdRequestBasicInfo    = 0x03
	cmdRequestCellVoltages = 0x04
	cmdSetParameter        = 0x05

	minResponseLength     = 4
	minBasicInfoLength    = 24
	minNotificationLength = 20

	currentDivisor     = 100.0
	capacityDivisor    = 100.0
	cellVoltageDivisor = 1000.0
	temperatureDivisor = 10.0
	swVersionDivisor   = 10.0
)
