package bm6

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	raw, err := hex.DecodeString("d15507")
	require.NoError(t, err)

	encrypted, err := Encrypt(raw)
	require.NoError(t, err)
	require.Len(t, encrypted, blockSize)
	require.NotEqual(t, raw, encrypted[:len(raw)])

	decrypted, err := Decrypt(encrypted)
	require.NoError(t, err)
	require.Equal(t, raw, decrypted[:len(raw)])
	// Zero padding fills the rest of the block.
	for _, b := range decrypted[len(raw):] {
		require.Zero(t, b)
	}
}

func TestDecryptRejectsPartialBlock(t *testing.T) {
	_, err := Decrypt(make([]byte, 10))
	require.Error(t, err)

	_, err = Decrypt(nil)
	require.Error(t, err)
}

// encryptRealtimeHex builds an encrypted notification whose decrypted hex
// form is the given string, padded to a full block.
func encryptRealtimeHex(t *testing.T, hexStr string) []byte {
	t.Helper()
	raw, err := hex.DecodeString(hexStr)
	require.NoError(t, err)
	encrypted, err := Encrypt(raw)
	require.NoError(t, err)
	return encrypted
}

func TestParseNotificationRealtime(t *testing.T) {
	// prefix d15507, sign 00, temp 0x19 (25), state 01, soc 0x5f (95),
	// voltage 0x0503 (12.83 V), accel 0, decel 0.
	notification := encryptRealtimeHex(t, "d155070019015f050300000000")

	fields, err := ParseNotification(notification)
	require.NoError(t, err)
	require.NotNil(t, fields)

	require.InDelta(t, 12.83, fields["voltage"], 0.001)
	require.InDelta(t, 25.0, fields["temperature"], 0.001)
	require.InDelta(t, 95.0, fields["state_of_charge"], 0.001)
	require.Equal(t, 1, fields["state"])
}

func TestParseNotificationNegativeTemperature(t *testing.T) {
	// sign byte 01 marks a below-zero reading.
	notification := encryptRealtimeHex(t, "d1550701050164050300000000")

	fields, err := ParseNotification(notification)
	require.NoError(t, err)
	require.InDelta(t, -5.0, fields["temperature"], 0.001)
}

func TestParseNotificationCommandEcho(t *testing.T) {
	// The device echoes the request with ff after the prefix.
	notification := encryptRealtimeHex(t, "d15507ff")

	fields, err := ParseNotification(notification)
	require.NoError(t, err)
	require.Nil(t, fields)
}

func TestParseNotificationFirmwareVersion(t *testing.T) {
	notification := encryptRealtimeHex(t, "d15501010203")

	fields, err := ParseNotification(notification)
	require.NoError(t, err)
	require.Contains(t, fields, "firmware_version")
	version := fields["firmware_version"].(string)
	require.True(t, len(version) > 0)
	require.Equal(t, "010203", version[:6])
}

func TestBuildLegacyCommandFraming(t *testing.T) {
	packet := BuildBasicInfoRequest()

	require.Equal(t, byte(startMarker), packet[0])
	require.Equal(t, byte(protocolVersion), packet[1])
	require.Equal(t, byte(cmdRequestBasicInfo), packet[2])
	require.Equal(t, byte(0), packet[3])
	require.Equal(t, byte(endMarker), packet[len(packet)-1])

	// Checksum is 0xFF minus the byte sum after the start marker mod 256.
	sum := 0
	for _, b := range packet[1 : len(packet)-2] {
		sum += int(b)
	}
	require.Equal(t, byte(0xFF-(sum%0x100)), packet[len(packet)-2])
}

func TestBuildSetParameterCommand(t *testing.T) {
	packet := BuildSetParameterCommand(0x12, 0xABCD)

	require.Equal(t, byte(cmdSetParameter), packet[2])
	require.Equal(t, byte(3), packet[3])
	require.Equal(t, byte(0x12), packet[4])
	require.Equal(t, byte(0xCD), packet[5])
	require.Equal(t, byte(0xAB), packet[6])
	require.True(t, ValidLegacyResponse(packet))
}

func TestLegacyCommandExtraction(t *testing.T) {
	packet := BuildCellVoltagesRequest()
	require.Equal(t, int(cmdRequestCellVoltages), LegacyCommand(packet))

	require.Equal(t, -1, LegacyCommand([]byte{0x01, 0x02}))
	require.Equal(t, -1, LegacyCommand(nil))
}
