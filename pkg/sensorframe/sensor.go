package sensorframe

import (
	"fmt"
	"strings"
	"time"

	"github.com/mobilealerts/gateway-proxy/pkg/types"
)

// Measurement is one typed slot of a sensor's state: a classification, an
// optional label prefix and 1-based index (for sensors that carry several
// instances of the same kind of reading), a current value, and an optional
// prior value or list of prior samples.
//
// Value and Prior hold one of: float64, bool, types.ErrorFlag,
// types.WindDirection, types.KeyCode, types.KeyPress, int (a time span in
// seconds), or (for Prior only) a []any of any of the above, for the slot
// kinds whose prior reading is a list rather than a single sample.
type Measurement struct {
	Type   types.MeasurementType
	Prefix string
	Index  int
	Value  any
	Prior  any
}

// Name renders the slot's display label: "<prefix> <type>" (lower-cased type
// name) with a trailing " <index>" when the sensor carries more than one
// instance of this classification.
func (m *Measurement) Name() string {
	name := m.Type.String()
	if m.Prefix != "" {
		name = m.Prefix + " " + strings.ToLower(name)
	}
	if m.Index > 0 {
		name = fmt.Sprintf("%s %d", name, m.Index)
	}
	return name
}

func (m *Measurement) HasPrior() bool {
	return m.Prior != nil
}

// TypeCode is the sensor-family selector byte: the first octet of a sensor
// id.
type TypeCode byte

// Sensor holds the decoded state of one physical device: its id, replay
// counter, battery/by-event flags, last-seen timestamp, and ordered
// measurement slots. Measurements are allocated once, at construction, in
// the fixed order this sensor's type code dictates; updates mutate them in
// place.
type Sensor struct {
	ID           [6]byte
	TypeCode     TypeCode
	Counter      int
	LowBattery   bool
	ByEvent      bool
	Timestamp    time.Time
	LastRawFrame []byte
	Measurements []*Measurement

	// Name is the sensor's vendor-assigned display name, looked up once on
	// first discovery. Empty until the lookup completes; a failed lookup
	// leaves it empty rather than blocking the update.
	Name string

	threeByteCounter bool
}

// NewSensor allocates a Sensor for the given 6-octet id, with its
// measurement slots pre-populated per its type code's layout. Unknown type
// codes yield a Sensor with no measurement slots; ErrUnknownType records
// this so callers can log it once, at discovery time.
func NewSensor(id [6]byte) (*Sensor, error) {
	s := &Sensor{
		ID:       id,
		TypeCode: TypeCode(id[0]),
		Counter:  -1,
	}
	layout, ok := typeLayouts[s.TypeCode]
	if !ok {
		return s, fmt.Errorf("%w: 0x%02X", ErrUnknownType, byte(s.TypeCode))
	}
	s.threeByteCounter = layout.threeByteCounter
	for _, slot := range layout.slots {
		s.Measurements = append(s.Measurements, &Measurement{
			Type:   slot.typ,
			Prefix: slot.prefix,
			Index:  slot.index,
		})
	}
	return s, nil
}

func (s *Sensor) String() string {
	battery := "good"
	if s.LowBattery {
		battery = "low"
	}
	origin := "seen"
	if s.ByEvent {
		origin = "event"
	}
	var b strings.Builder
	label := fmt.Sprintf("%X", s.ID[:])
	if s.Name != "" {
		label = s.Name
	}
	fmt.Fprintf(&b, "id: %s (battery %s, last %s: %s)", label, battery, origin,
		s.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	for _, m := range s.Measurements {
		fmt.Fprintf(&b, "\n%s: %v", m.Name(), m.Value)
		if m.HasPrior() {
			fmt.Fprintf(&b, "; previous: %v", m.Prior)
		}
	}
	return b.String()
}

type slotSpec struct {
	typ    types.MeasurementType
	prefix string
	index  int
}

type typeLayout struct {
	threeByteCounter bool
	slots            []slotSpec
}

// typeLayouts enumerates the sensor-type codes with a verified field layout.
// A type code absent from this table resolves through ErrUnknownType rather
// than guessing at an unverified layout.
var typeLayouts = map[TypeCode]typeLayout{
	0x01: {slots: []slotSpec{{types.Temperature, "", 0}, {types.Temperature, "Cable", 0}}},
	0x0F: {slots: []slotSpec{{types.Temperature, "", 0}, {types.Temperature, "Cable", 0}}},
	0x02: {slots: []slotSpec{{types.Temperature, "", 0}}},
	0x03: {slots: []slotSpec{{types.Temperature, "", 0}, {types.Humidity, "", 0}}},
	0x04: {slots: []slotSpec{{types.Temperature, "", 0}, {types.Humidity, "", 0}, {types.Wetness, "", 0}}},
	0x05: {slots: []slotSpec{
		{types.Temperature, "", 0}, {types.Humidity, "", 0}, {types.AirQuality, "", 0}, {types.Temperature, "Outdoor", 0},
	}},
	0x06: {slots: []slotSpec{{types.Temperature, "", 0}, {types.Humidity, "", 0}, {types.Temperature, "Pool", 0}}},
	0x07: {slots: []slotSpec{
		{types.Temperature, "", 0}, {types.Humidity, "", 0}, {types.Temperature, "Outdoor", 0}, {types.Humidity, "Outdoor", 0},
	}},
	0x08: {slots: []slotSpec{{types.Temperature, "", 0}, {types.Rain, "", 0}, {types.TimeSpanType, "", 0}}},
	0x09: {slots: []slotSpec{{types.Temperature, "", 0}, {types.Humidity, "", 0}, {types.Temperature, "External", 0}}},
	0x0A: {slots: []slotSpec{
		{types.Alarm, "", 1}, {types.Alarm, "", 2}, {types.Alarm, "", 3}, {types.Alarm, "", 4}, {types.Temperature, "", 0},
	}},
	0x0B: {threeByteCounter: true, slots: []slotSpec{
		{types.WindDirectionType, "", 0}, {types.WindSpeed, "", 0}, {types.Gust, "", 0}, {types.TimeSpanType, "", 0},
	}},
	0x0E: {slots: []slotSpec{{types.Temperature, "", 0}, {types.Humidity, "", 0}}},
	0x10: {slots: []slotSpec{{types.DoorWindow, "", 0}, {types.TimeSpanType, "", 0}}},
	0x11: {slots: []slotSpec{
		{types.Temperature, "", 0}, {types.Humidity, "", 0},
		{types.Temperature, "External", 1}, {types.Humidity, "External", 1},
		{types.Temperature, "External", 2}, {types.Humidity, "External", 2},
		{types.Temperature, "External", 3}, {types.Humidity, "External", 3},
	}},
	0x12: {slots: []slotSpec{
		{types.Temperature, "", 0}, {types.Humidity, "", 0},
		{types.Humidity, "3h average", 0}, {types.Humidity, "24h average", 0},
		{types.Humidity, "7d average", 0}, {types.Humidity, "30d average", 0},
	}},
	0x15: {slots: []slotSpec{{types.KeyPressedType, "", 0}, {types.KeyPressTypeType, "", 0}}},
	0x18: {threeByteCounter: true, slots: []slotSpec{
		{types.Temperature, "", 0}, {types.Humidity, "", 0}, {types.AirPressure, "", 0},
	}},
}
