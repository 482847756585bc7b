package bm6

import (
	"encoding/hex"
	"fmt"
)

// BuildVoltageTempRequest builds the encrypted realtime telemetry request.
func BuildVoltageTempRequest() ([]byte, error) {
	return buildRealtimeCommand(cmdRequestVoltageTemp)
}

func buildRealtimeCommand(commandHex string) ([]byte, error) {
	raw, err := hex.DecodeString(commandHex)
	if err != nil {
		return nil, fmt.Errorf("bm6 command %q: %w", commandHex, err)
	}
	return Encrypt(raw)
}

// BuildLegacyCommand builds a 0xDD-framed packet:
// start, version, command, length, data..., checksum, end.
// The checksum is 0xFF minus the byte sum of everything after the start
// marker, modulo 256.
func BuildLegacyCommand(command byte, data []byte) []byte {
	packet := make([]byte, 0, 6+len(data))
	packet = append(packet, startMarker, protocolVersion, command, byte(len(data)))
	packet = append(packet, data...)

	sum := 0
	for _, b := range packet[1:] {
		sum += int(b)
	}
	packet = append(packet, byte(0xFF-(sum%0x100)), endMarker)
	return packet
}

// BuildBasicInfoRequest builds the legacy basic-information request.
func BuildBasicInfoRequest() []byte {
	return BuildLegacyCommand(cmdRequestBasicInfo, nil)
}

// BuildCellVoltagesRequest builds the legacy per-cell voltage request.
func BuildCellVoltagesRequest() []byte {
	return BuildLegacyCommand(cmdRequestCellVoltages, nil)
}

// BuildSetParameterCommand builds the legacy parameter write for a 16-bit
// value.
func BuildSetParameterCommand(parameterID byte, value uint16) []byte {
	data := []byte{parameterID, byte(value & 0xFF), byte(value >> 8)}
	return BuildLegacyCommand(cmdSetParameter, data)
}

// ValidLegacyResponse checks framing markers on a legacy response.
func ValidLegacyResponse(data []byte) bool {
	return len(data) >= minResponseLength && data[0] == startMarker && data[len(data)-1] == endMarker
}

// LegacyCommand extracts the command byte from a legacy response, or -1 when
// the framing is invalid.
func LegacyCommand(data []byte) int {
	if !ValidLegacyResponse(data) {
		return -1
	}
	return int(data[2])
}
