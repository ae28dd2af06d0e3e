// Package model defines the shared domain types for the ingest pipeline
// and rule engine: sensor readings, device configuration, and the
// automation rule/condition/action graph.
package model

// SensorType identifies the kind of device attached to a pin. The
// numeric ids mirror the firmware-side enumeration so wire payloads
// can carry a bare integer.
type SensorType int

const (
	SensorMPU      SensorType = 0
	SensorDS18B20  SensorType = 1
	SensorHCSR04   SensorType = 2
	SensorAPDS9960 SensorType = 3
	SensorSG90     SensorType = 4 // actuator, uses values.angle
	SensorRelay    SensorType = 5 // actuator, uses values.state
	SensorJoystick SensorType = 6
	SensorKeypad4  SensorType = 7 // string-valued
	SensorEncoder  SensorType = 8
	SensorDHT11    SensorType = 9
)

// String returns the firmware-side name for t, used as the tsdb
// `sensor_type` tag value.
func (t SensorType) String() string {
	switch t {
	case SensorMPU:
		return "MPU"
	case SensorDS18B20:
		return "DS18B20"
	case SensorHCSR04:
		return "HCSR04"
	case SensorAPDS9960:
		return "APDS9960"
	case SensorSG90:
		return "SG90"
	case SensorRelay:
		return "RELAY"
	case SensorJoystick:
		return "JOYSTICK"
	case SensorKeypad4:
		return "KEYPAD_4x4"
	case SensorEncoder:
		return "ENCODER"
	case SensorDHT11:
		return "DHT11"
	default:
		return "UNKNOWN"
	}
}

// IsActuator reports whether t belongs to the actuator set {SG90, Relay}.
func (t SensorType) IsActuator() bool {
	return t == SensorSG90 || t == SensorRelay
}

// IsStringValued reports whether t's values are strings on the wire
// rather than numbers (currently only the 4x4 keypad).
func (t SensorType) IsStringValued() bool {
	return t == SensorKeypad4
}

// ActuatorField returns the values field name this actuator type reports
// under ("angle" for servos, "state" for relays).
func (t SensorType) ActuatorField() string {
	if t == SensorSG90 {
		return "angle"
	}
	return "state"
}

// Reading is one decoded sensor message, valid only for the span of a
// single ingest cycle. Values is always keyed by field
// name: an actuator reading carries exactly one entry under
// SensorType.ActuatorField(); any other sensor carries one entry per
// reported field (one, for single-value sensors like a thermometer;
// several, for something like a DHT11's temperature+humidity).
type Reading struct {
	DeviceID   string
	SensorID   string
	SensorType SensorType
	Values     map[string]any
	ReceivedAt int64 // nanoseconds since epoch, see Clock
}

// Scalar returns the reading's value for the named field and whether
// it was present.
func (r Reading) Scalar(field string) (any, bool) {
	v, ok := r.Values[field]
	return v, ok
}

// IsMultiField reports whether this reading carries more than one
// named field (e.g. a DHT11's temperature+humidity).
func (r Reading) IsMultiField() bool {
	return len(r.Values) > 1
}

// Config is a device's sensor/actuator configuration as reported by a
// `+/settings/sensors/get/response` message, or synthesized by the
// router when it observes an actuator reading.
type Config struct {
	DeviceID    string `json:"device_id"`
	SensorID    string `json:"id"`
	Description string `json:"desc,omitempty"`
	Type        int    `json:"tipo"`
	Pins        []int  `json:"pinos,omitempty"`
	Attribute1  any    `json:"atributo1,omitempty"`
}
