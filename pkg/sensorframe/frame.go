package sensorframe

import (
	"errors"
	"time"

	"github.com/samber/lo"
)

// SubFrameSize is the length, in octets, of one sensor record inside a "C0"
// batch update: a 63-octet payload followed by a 1-octet checksum.
const SubFrameSize = 64

// PayloadSize is the length of the payload portion alone, the unit the
// checksum and the per-type decoders operate over.
const PayloadSize = 63

var (
	// ErrChecksumMismatch is returned when a sub-frame's checksum octet does
	// not match the sum of its 63 payload octets, masked with 0x7F.
	ErrChecksumMismatch = errors.New("sensorframe: checksum mismatch")
	// ErrFrameSize is returned when a sub-frame is not exactly
	// PayloadSize octets.
	ErrFrameSize = errors.New("sensorframe: wrong payload size")
	// ErrUnknownType is returned by NewSensor and Update for a type code
	// with no known layout.
	ErrUnknownType = errors.New("sensorframe: unknown sensor type")
)

// VerifyChecksum reports whether the 64th octet of a sub-frame record
// matches the sum of its first 63 octets, masked with 0x7F.
func VerifyChecksum(record []byte) bool {
	if len(record) != SubFrameSize {
		return false
	}
	var sum byte
	for _, b := range record[:PayloadSize] {
		sum += b
	}
	return sum&0x7F == record[PayloadSize]
}

// SensorID extracts the 6-octet sensor id from a sub-frame payload (octets
// 6..11).
func SensorID(payload []byte) ([6]byte, error) {
	var id [6]byte
	if len(payload) != PayloadSize {
		return id, ErrFrameSize
	}
	copy(id[:], payload[6:12])
	return id, nil
}

// parseHeader extracts the timestamp and replay counter (with its
// co-located battery/by-event flags) from a sub-frame payload. Wind and
// pressure sensor families carry a 22-bit counter with the flags at bits 23
// and 22; all other families a 14-bit counter with the flags at 15 and 14.
func (s *Sensor) parseHeader(payload []byte) (counter int) {
	s.Timestamp = time.Unix(int64(be32(payload[1:5])), 0)

	if s.threeByteCounter {
		raw := int(payload[12])<<16 | int(payload[13])<<8 | int(payload[14])
		s.LowBattery = raw&0x800000 != 0
		s.ByEvent = raw&0x400000 != 0
		counter = raw & 0x3FFFFF
	} else {
		raw := int(be16(payload[12:14]))
		s.LowBattery = raw&0x8000 != 0
		s.ByEvent = raw&0x4000 != 0
		counter = raw & 0x3FFF
	}
	return counter
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Update decodes one sub-frame payload (63 octets) into this sensor's
// measurement slots. It returns (false, nil) without modifying any
// measurement when the frame's counter equals the counter already stored
// (a replayed frame); it returns a non-nil error, without modifying state,
// for an unrecognized type code.
func (s *Sensor) Update(payload []byte) (bool, error) {
	if len(payload) != PayloadSize {
		return false, ErrFrameSize
	}
	if _, ok := typeLayouts[s.TypeCode]; !ok {
		return false, ErrUnknownType
	}

	counter := s.parseHeader(payload)
	if counter == s.Counter {
		return false, nil
	}
	s.Counter = counter

	decodeByType(s, payload)
	s.LastRawFrame = append([]byte(nil), payload...)
	return true, nil
}

// decodeByType dispatches to the per-sensor-type field layout. m is a small
// helper to index s.Measurements by position.
func decodeByType(s *Sensor, p []byte) {
	m := func(i int) *Measurement { return s.Measurements[i] }

	switch s.TypeCode {
	case 0x01, 0x0F:
		setTemperature(m(0), p[14:16], p[18:20], true)
		setTemperature(m(1), p[16:18], p[20:22], true)
	case 0x02:
		setTemperature(m(0), p[14:16], p[16:18], true)
	case 0x03:
		setTemperature(m(0), p[14:16], p[18:20], true)
		setHumidity(m(1), p[17], &p[21], false)
	case 0x04:
		setTemperature(m(0), p[14:16], p[19:21], true)
		setHumidity(m(1), p[17], &p[23], false)
		setWetness(m(2), p[18])
	case 0x05:
		setTemperature(m(0), p[16:18], p[24:26], true)
		setHumidity(m(1), p[19], &p[27], false)
		setAirQuality(m(2), p[20:22])
		setTemperature(m(3), p[14:16], p[22:24], true)
	case 0x06:
		setTemperature(m(0), p[14:16], p[20:22], true)
		setHumidity(m(1), p[19], &p[25], false)
		setTemperature(m(2), p[16:18], p[22:24], true)
	case 0x07:
		setTemperature(m(0), p[14:16], p[22:24], true)
		setHumidity(m(1), p[17], &p[25], false)
		setTemperature(m(2), p[18:20], p[26:28], true)
		setHumidity(m(3), p[21], &p[29], false)
	case 0x08:
		setTemperature(m(0), p[14:16], nil, false)
		setRain(m(1), p[16:18])
		setRainTimeSpan(m(2), p[18:28])
	case 0x09:
		// Slot order as declared (temperature, humidity, external
		// temperature); the humidity octet binds to slot 1.
		setTemperature(m(0), p[14:16], p[20:22], true)
		setHumidity(m(1), p[19], &p[25], false)
		setTemperature(m(2), p[16:18], p[22:24], true)
	case 0x0A:
		setBoolean(m(0), p[14:16], 0x8000)
		setBoolean(m(1), p[14:16], 0x4000)
		setBoolean(m(2), p[14:16], 0x2000)
		setBoolean(m(3), p[14:16], 0x1000)
		setTemperature(m(4), p[16:18], nil, false)
	case 0x0B:
		// Five 4-octet wind samples, newest first.
		samples := []int{15, 19, 23, 27, 31}
		setSampleList(m(0), lo.Map(samples, func(pos int, _ int) any {
			return decodeWindDirection(p[pos+3])
		}))
		setSampleList(m(1), lo.Map(samples, func(pos int, _ int) any {
			return decodeWindSpeed(p[pos+2], p[pos+3], 0x02)
		}))
		setSampleList(m(2), lo.Map(samples, func(pos int, _ int) any {
			return decodeWindSpeed(p[pos+1], p[pos+3], 0x01)
		}))
		setSampleList(m(3), lo.Map(samples, func(pos int, _ int) any {
			return decodeWindTimeSpan(p[pos])
		}))
	case 0x0E:
		// The device firmware assigns these fields in this exact order; the
		// later temperature reassignments overwrite the humidity-HR and
		// prior-temperature state set just above them, and the final state
		// is what matters.
		setTemperature(m(0), p[14:16], p[19:21], true)
		addPriorTemperature(m(0), p[24:26])
		setHumidityHR(m(1), p[16:18], p[21:23], p[26:28])
		setTemperature(m(0), p[14:16], p[18:20], true)
		setTemperature(m(1), p[16:18], p[20:22], true)
	case 0x10:
		setBoolean(m(0), p[14:16], 0x8000)
		setDoorWindowTimeSpan(m(1), p[14:22])
	case 0x11:
		setTemperature(m(2), p[14:16], p[30:32], true)
		setHumidity(m(3), p[17], &p[33], false)
		setTemperature(m(4), p[18:20], p[34:36], true)
		setHumidity(m(5), p[21], &p[37], false)
		setTemperature(m(6), p[22:24], p[38:40], true)
		setHumidity(m(7), p[25], &p[41], false)
		setTemperature(m(0), p[26:28], p[42:44], true)
		setHumidity(m(1), p[29], &p[45], false)
	case 0x12:
		setTemperature(m(0), p[18:20], p[25:27], true)
		setHumidity(m(1), p[20], &p[27], false)
		setHumidity(m(2), p[14], &p[21], true)
		setHumidity(m(3), p[15], &p[22], true)
		setHumidity(m(4), p[16], &p[23], true)
		setHumidity(m(5), p[17], &p[24], true)
	case 0x15:
		setKeyPressed(m(0), p[14])
		setKeyPressType(m(1), p[14])
	case 0x18:
		setTemperature(m(0), p[15:17], p[20:22], true)
		setHumidity(m(1), p[17], &p[22], false)
		setAirPressure(m(2), p[18:20], p[23:25])
	}
}

func setTemperature(m *Measurement, value, prior []byte, checkFlags bool) {
	m.Value = decodeTemperature(be16(value), checkFlags)
	if prior == nil {
		m.Prior = nil
		return
	}
	m.Prior = decodeTemperature(be16(prior), checkFlags)
}

func addPriorTemperature(m *Measurement, value []byte) {
	v := decodeTemperature(be16(value), true)
	switch prior := m.Prior.(type) {
	case nil:
		m.Prior = []any{v}
	case []any:
		m.Prior = append(prior, v)
	default:
		m.Prior = []any{prior, v}
	}
}

func setHumidity(m *Measurement, value byte, prior *byte, averaged bool) {
	m.Value = decodeHumidity(value, averaged)
	if prior == nil {
		m.Prior = nil
		return
	}
	m.Prior = decodeHumidity(*prior, averaged)
}

func setHumidityHR(m *Measurement, value, prior1, prior2 []byte) {
	m.Value = decodeHumidityHR(be16(value))
	m.Prior = []any{decodeHumidityHR(be16(prior1)), decodeHumidityHR(be16(prior2))}
}

func setWetness(m *Measurement, value byte) {
	m.Value = decodeWetness(value)
}

func setAirQuality(m *Measurement, value []byte) {
	m.Value = decodeAirQuality(be16(value))
}

func setAirPressure(m *Measurement, value, prior []byte) {
	m.Value = decodeAirPressure(be16(value))
	if prior == nil {
		m.Prior = nil
		return
	}
	m.Prior = decodeAirPressure(be16(prior))
}

func setRain(m *Measurement, value []byte) {
	m.Value = decodeRain(be16(value))
}

// setRainTimeSpan decodes the current span from values[0:2], then walks the
// trailing prior-span fields starting at values[2:4], appending each decoded
// span until the first zero-valued span terminates the list.
func setRainTimeSpan(m *Measurement, values []byte) {
	m.Value = decodeRainTimeSpan(be16(values[0:2]))
	m.Prior = nil
	var prior []any
	for i := 4; i+2 <= len(values); i += 2 {
		raw := be16(values[i-2 : i])
		if raw == 0 {
			break
		}
		span := decodeRainTimeSpan(raw)
		if span == 0 {
			break
		}
		prior = append(prior, span)
	}
	if prior != nil {
		m.Prior = prior
	}
}

func setDoorWindowTimeSpan(m *Measurement, values []byte) {
	m.Value = decodeDoorWindowTimeSpan(be16(values[0:2]))
	m.Prior = nil
	var prior []any
	for i := 4; i+2 <= len(values); i += 2 {
		raw := be16(values[i-2 : i])
		if raw == 0 {
			break
		}
		span := decodeDoorWindowTimeSpan(raw)
		if span == 0 {
			break
		}
		prior = append(prior, span)
	}
	if prior != nil {
		m.Prior = prior
	}
}

func setBoolean(m *Measurement, value []byte, mask uint16) {
	m.Value = decodeBoolean(be16(value), mask)
}

// setSampleList stores the newest decoded sample as the slot's current value
// and the remaining, older samples as its prior list.
func setSampleList(m *Measurement, samples []any) {
	m.Value = samples[0]
	m.Prior = samples[1:]
}

func setKeyPressed(m *Measurement, value byte) {
	m.Value = decodeKeyPressed(value)
}

func setKeyPressType(m *Measurement, value byte) {
	m.Value = decodeKeyPressType(value)
}
