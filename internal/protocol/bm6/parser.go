package bm6

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ParseNotification decrypts a raw notification and parses it, trying the
// realtime format first, then the version response, then the legacy
// notification layout. It returns a field map to merge into the device's
// latest snapshot. A nil map with a nil error means the frame was a command
// echo and carries no data.
func ParseNotification(raw []byte) (map[string]interface{}, error) {
	decrypted, err := Decrypt(raw)
	if err != nil {
		return nil, err
	}

	fields, echo, err := parseRealtime(decrypted)
	if err != nil {
		return nil, err
	}
	if echo {
		return nil, nil
	}
	if fields != nil {
		return fields, nil
	}

	if fields = parseVersion(decrypted); fields != nil {
		return fields, nil
	}

	if fields = ParseLegacyNotification(decrypted); fields != nil {
		return fields, nil
	}

	return nil, fmt.Errorf("bm6: unrecognized notification %s", hex.EncodeToString(decrypted))
}

// parseRealtime parses the d15507 realtime response from its hex-string
// form. Positions are nibble offsets into the hex string.
func parseRealtime(decrypted []byte) (fields map[string]interface{}, echo bool, err error) {
	h := hex.EncodeToString(decrypted)
	if !strings.HasPrefix(h, realtimeResponsePrefix) {
		return nil, false, nil
	}
	// The device echoes the request back with ff after the prefix before
	// sending the measurement.
	if h[tempSignPosStart:tempSignPosEnd] == "ff" {
		return nil, true, nil
	}
	if len(h) < decelPosEnd {
		return nil, false, fmt.Errorf("bm6: realtime response too short (%d hex chars)", len(h))
	}

	voltageRaw, err := strconv.ParseUint(h[voltagePosStart:voltagePosEnd], 16, 32)
	if err != nil {
		return nil, false, fmt.Errorf("bm6: bad voltage field: %w", err)
	}
	tempSign, err := strconv.ParseUint(h[tempSignPosStart:tempSignPosEnd], 16, 8)
	if err != nil {
		return nil, false, fmt.Errorf("bm6: bad temperature sign field: %w", err)
	}
	tempRaw, err := strconv.ParseUint(h[tempPosStart:tempPosEnd], 16, 8)
	if err != nil {
		return nil, false, fmt.Errorf("bm6: bad temperature field: %w", err)
	}
	state, err := strconv.ParseUint(h[statePosStart:statePosEnd], 16, 8)
	if err != nil {
		return nil, false, fmt.Errorf("bm6: bad state field: %w", err)
	}
	soc, err := strconv.ParseUint(h[socPosStart:socPosEnd], 16, 8)
	if err != nil {
		return nil, false, fmt.Errorf("bm6: bad soc field: %w", err)
	}
	accel, err := strconv.ParseUint(h[accelPosStart:accelPosEnd], 16, 32)
	if err != nil {
		return nil, false, fmt.Errorf("bm6: bad acceleration field: %w", err)
	}
	decel, err := strconv.ParseUint(h[decelPosStart:decelPosEnd], 16, 32)
	if err != nil {
		return nil, false, fmt.Errorf("bm6: bad deceleration field: %w", err)
	}

	// Realtime temperature is whole degrees, not decidegrees.
	temperature := float64(tempRaw)
	if tempSign == 1 {
		temperature = -temperature
	}

	return map[string]interface{}{
		"voltage":            float64(voltageRaw) / voltageDivisor,
		"temperature":        temperature,
		"state_of_charge":    float64(soc),
		"state":              int(state),
		"rapid_acceleration": int(accel),
		"rapid_deceleration": int(decel),
	}, false, nil
}

// parseVersion parses the d15501 firmware version response. The version is
// the hex remainder after the prefix.
func parseVersion(decrypted []byte) map[string]interface{} {
	h := hex.EncodeToString(decrypted)
	if !strings.HasPrefix(h, versionResponsePrefix) {
		return nil
	}
	return map[string]interface{}{"firmware_version": h[len(versionResponsePrefix):]}
}

// ParseLegacyNotification parses the older unencrypted notification layout:
// a fixed 20-byte header followed by per-cell voltages and temperatures.
// Returns nil when the payload is too short.
func ParseLegacyNotification(data []byte) map[string]interface{} {
	if len(data) < minNotificationLength {
		return nil
	}

	cellCount := int(data[19])
	fields := map[string]interface{}{
		"voltage":            float64(binary.LittleEndian.Uint16(data[0:2])) / voltageDivisor,
		"current":            float64(int16(binary.LittleEndian.Uint16(data[2:4]))) / currentDivisor,
		"remaining_capacity": float64(binary.LittleEndian.Uint16(data[4:6])) / capacityDivisor,
		"nominal_capacity":   float64(binary.LittleEndian.Uint16(data[6:8])) / capacityDivisor,
		"cycles":             int(binary.LittleEndian.Uint16(data[8:10])),
		"production_date":    decodeProductionDate(binary.LittleEndian.Uint16(data[10:12])),
		"balance_status":     int(binary.LittleEndian.Uint16(data[12:14])),
		"protection_status":  decodeProtectionStatus(binary.LittleEndian.Uint16(data[14:16])),
		"software_version":   float64(data[16]) / swVersionDivisor,
		"state_of_charge":    float64(data[17]),
		"fet_status":         decodeFETStatus(data[18]),
		"cell_count":         cellCount,
	}

	if cells := parseCellVoltages(data[20:], cellCount); len(cells) > 0 {
		fields["cell_voltages"] = cells
	}

	tempOffset := 20 + cellCount*2
	var temps []float64
	for off := tempOffset; off+2 <= len(data); off += 2 {
		t := float64(int16(binary.LittleEndian.Uint16(data[off:off+2]))) / temperatureDivisor
		temps = append(temps, t)
	}
	if len(temps) > 0 {
		fields["temperatures"] = temps
	}

	return fields
}

// ParseLegacyResponse parses a 0xDD-framed response packet.
func ParseLegacyResponse(data []byte) map[string]interface{} {
	switch LegacyCommand(data) {
	case cmdRequestBasicInfo:
		return parseBasicInfo(data)
	case cmdRequestCellVoltages:
		return parseCellVoltagesResponse(data)
	default:
		return nil
	}
}

func parseBasicInfo(data []byte) map[string]interface{} {
	if len(data) < minBasicInfoLength {
		return nil
	}

	cellCount := int(data[23])
	fields := map[string]interface{}{
		"voltage":            float64(binary.LittleEndian.Uint16(data[4:6])) / voltageDivisor,
		"current":            float64(int16(binary.LittleEndian.Uint16(data[6:8]))) / currentDivisor,
		"remaining_capacity": float64(binary.LittleEndian.Uint16(data[8:10])) / capacityDivisor,
		"nominal_capacity":   float64(binary.LittleEndian.Uint16(data[10:12])) / capacityDivisor,
		"cycles":             int(binary.LittleEndian.Uint16(data[12:14])),
		"production_date":    decodeProductionDate(binary.LittleEndian.Uint16(data[14:16])),
		"balance_status":     int(binary.LittleEndian.Uint16(data[16:18])),
		"protection_status":  decodeProtectionStatus(binary.LittleEndian.Uint16(data[18:20])),
		"software_version":   float64(data[20]) / swVersionDivisor,
		"state_of_charge":    float64(data[21]),
		"fet_status":         decodeFETStatus(data[22]),
		"cell_count":         cellCount,
	}

	if cells := parseCellVoltages(data[24:], cellCount); len(cells) > 0 {
		fields["cell_voltages"] = cells
	}
	return fields
}

func parseCellVoltagesResponse(data []byte) map[string]interface{} {
	if len(data) < 6 {
		return nil
	}
	cellCount := int(data[4])
	return map[string]interface{}{
		"cell_count":    cellCount,
		"cell_voltages": parseCellVoltages(data[5:], cellCount),
	}
}

func parseCellVoltages(data []byte, cellCount int) []float64 {
	cells := make([]float64, 0, cellCount)
	for i := 0; i < cellCount && (i+1)*2 <= len(data); i++ {
		v := float64(binary.LittleEndian.Uint16(data[i*2:i*2+2])) / cellVoltageDivisor
		cells = append(cells, v)
	}
	return cells
}

// decodeProductionDate unpacks the 7/4/5-bit year/month/day encoding.
func decodeProductionDate(raw uint16) string {
	year := 2000 + int((raw>>9)&0x7F)
	month := int((raw >> 5) & 0x0F)
	day := int(raw & 0x1F)
	return fmt.Sprintf("%d-%02d-%02d", year, month, day)
}

func decodeProtectionStatus(status uint16) map[string]bool {
	return map[string]bool{
		"single_cell_overvoltage":      status&0x0001 != 0,
		"single_cell_undervoltage":     status&0x0002 != 0,
		"battery_overvoltage":          status&0x0004 != 0,
		"battery_undervoltage":         status&0x0008 != 0,
		"charging_overtemperature":     status&0x0010 != 0,
		"charging_undertemperature":    status&0x0020 != 0,
		"discharging_overtemperature":  status&0x0040 != 0,
		"discharging_undertemperature": status&0x0080 != 0,
		"charging_overcurrent":         status&0x0100 != 0,
		"discharging_overcurrent":      status&0x0200 != 0,
		"short_circuit":                status&0x0400 != 0,
		"front_end_detection_ic_error": status&0x0800 != 0,
		"software_lock_mos":            status&0x1000 != 0,
	}
}

func decodeFETStatus(status byte) map[string]bool {
	return map[string]bool{
		"charging":    status&0x01 != 0,
		"discharging": status&0x02 != 0,
	}
}
