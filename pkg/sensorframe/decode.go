// Package sensorframe decodes the fixed-layout 63-octet sensor sub-frames
// carried inside a gateway's "C0" sensor-batch update, one decoder per sensor
// type code. Sub-frame layout: packet[0] is the leading octet, packet[1:5]
// the timestamp, packet[6:12] the sensor id, packet[12:...] the counter, and
// packet[14:] (packet[15:] for 3-byte-counter families) the per-type fields.
package sensorframe

import (
	"encoding/binary"

	"github.com/mobilealerts/gateway-proxy/pkg/types"
)

// decodeTemperature reads a 2-octet, 0.1°C-scaled value whose bits 0..10 are
// an 11-bit two's complement number (bit 10 set: low 10 bits minus 1024). When
// checkFlags is true, bit 12 marks Error and bit 13 marks Overflow; some
// slots (rain-gauge air temperature, alarm-panel temperature) never set
// either bit and are decoded with checkFlags false.
func decodeTemperature(raw uint16, checkFlags bool) any {
	if checkFlags {
		if raw&(1<<12) != 0 {
			return types.Error
		}
		if raw&(1<<13) != 0 {
			return types.Overflow
		}
	}
	negative := raw&(1<<10) != 0
	v := int(raw & 0x3FF)
	if negative {
		v -= 1024
	}
	return float64(v) * 0.1
}

// decodeHumidity reads a 1-octet relative-humidity percentage. In its
// "averaged" form the high bit marks NotCalculated instead of a reading.
func decodeHumidity(b byte, averaged bool) any {
	if averaged && b&0x80 != 0 {
		return types.NotCalculated
	}
	return float64(b & 0x7F)
}

// decodeHumidityHR reads a 2-octet high-resolution humidity, one decimal
// place.
func decodeHumidityHR(raw uint16) float64 {
	return float64(raw&0x1FF) / 10
}

func decodeAirPressure(raw uint16) float64 {
	return float64(raw) / 10
}

func decodeAirQuality(raw uint16) any {
	if raw&0x100 != 0 {
		return types.Overflow
	}
	return float64(raw&0xFF) * 50
}

func decodeRain(raw uint16) float64 {
	return float64(raw) * 0.25
}

// decodeRainTimeSpan reads the top-2-bit unit selector (0 or 3 => seconds,
// 1 => hours, 2 => minutes) and the low 14 bits as a count, in seconds.
func decodeRainTimeSpan(raw uint16) int {
	unit := (raw & 0xC000) >> 14
	count := int(raw & 0x3FFF)
	return count * timeSpanMultiplier(unit)
}

// decodeDoorWindowTimeSpan is the door/window analogue of
// decodeRainTimeSpan, with a 13-bit count and the 2-bit unit selector one
// position lower (bits 13-14).
func decodeDoorWindowTimeSpan(raw uint16) int {
	unit := (raw & 0x6000) >> 13
	count := int(raw & 0x1FFF)
	return count * timeSpanMultiplier(unit)
}

func timeSpanMultiplier(unit uint16) int {
	switch unit {
	case 1:
		return 60 * 60
	case 2:
		return 60
	default:
		return 1
	}
}

func decodeWetness(b byte) bool {
	return (b&0x02 != 0) || (b&0x01 == 0)
}

func decodeBoolean(raw, mask uint16) bool {
	return raw&mask != 0
}

// decodeWindDirection reads the upper 4 bits of a single octet as one of the
// 16 compass points.
func decodeWindDirection(b byte) types.WindDirection {
	return types.WindDirection((b & 0xF0) >> 4)
}

// decodeWindSpeed combines the 8-bit magnitude octet with a shared high-bit
// octet: if the high-bit octet has the given mask bit set, 0x100 is added to
// the magnitude before scaling by 0.1 m/s. Five wind samples per frame share
// two high bits across adjacent octets this way.
func decodeWindSpeed(value, hibit, himask byte) float64 {
	magnitude := uint16(value)
	if hibit&himask != 0 {
		magnitude |= 0x100
	}
	return float64(magnitude) / 10
}

func decodeWindTimeSpan(b byte) int {
	return int(b) * 2
}

// decodeKeyPressed and decodeKeyPressType split the shared key-event octet:
// upper nibble selects the key, lower nibble the press kind.
func decodeKeyPressed(b byte) types.KeyCode {
	return types.KeyCode((b >> 4) & 0x0F)
}

func decodeKeyPressType(b byte) types.KeyPress {
	return types.KeyPress(b & 0x0F)
}

func be16(b []byte) uint16 { return binary.BigEndian.Uint16(b) }
