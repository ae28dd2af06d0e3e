package model

import (
	"encoding/json"
	"fmt"
)

// Operator is a Limit condition's comparison operator. A closed world
// of six symbols, matched exhaustively rather than dispatched through
// a map of comparison functions (REDESIGN FLAGS).
type Operator string

const (
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpEQ Operator = "="
	OpNE Operator = "!="
)

// Valid reports whether op is one of the six recognized operators.
func (op Operator) Valid() bool {
	switch op {
	case OpLT, OpLE, OpGT, OpGE, OpEQ, OpNE:
		return true
	}
	return false
}

// CompareNumeric evaluates x op threshold for numeric operands.
func (op Operator) CompareNumeric(x, threshold float64) (bool, error) {
	switch op {
	case OpLT:
		return x < threshold, nil
	case OpLE:
		return x <= threshold, nil
	case OpGT:
		return x > threshold, nil
	case OpGE:
		return x >= threshold, nil
	case OpEQ:
		return x == threshold, nil
	case OpNE:
		return x != threshold, nil
	default:
		return false, fmt.Errorf("model: unknown operator %q", op)
	}
}

// CompareString evaluates x op threshold for string operands. Only
// equality and inequality are meaningful for strings; ordering
// operators are rejected.
func (op Operator) CompareString(x, threshold string) (bool, error) {
	switch op {
	case OpEQ:
		return x == threshold, nil
	case OpNE:
		return x != threshold, nil
	default:
		return false, fmt.Errorf("model: operator %q is not valid for string thresholds", op)
	}
}

// ActionMode selects how an Action's value is applied.
type ActionMode string

const (
	ModeSet    ActionMode = "set"
	ModeToggle ActionMode = "toggle"
)

// Action is a desired actuator state change, fired when a rule's
// verdict transitions.
type Action struct {
	DeviceID     string     `json:"device_id"`
	ActuatorID   string     `json:"actuator_id"`
	Value        any        `json:"value"`
	PulseSeconds float64    `json:"pulse_seconds,omitempty"`
	Mode         ActionMode `json:"mode,omitempty"`
}

// IsPulse reports whether this action reverts to 0 after PulseSeconds
// rather than committing Value permanently.
func (a Action) IsPulse() bool {
	return a.PulseSeconds > 0
}

// conditionKind discriminates the Condition tagged union on the wire.
type conditionKind string

const (
	kindLimit    conditionKind = "limit"
	kindPassword conditionKind = "password"
)

// Condition is either a Limit threshold-with-dwell or a Password
// equality match. Implementations carry the engine-private state
// (_last_state/_state_since) belonging to Limit conditions.
type Condition interface {
	// Relevant reports whether this condition cares about the given
	// (device_id, sensor_id) pair.
	Relevant(deviceID, sensorID string) bool
	kind() conditionKind
}

// LimitCondition compares a reading's scalar field against a threshold,
// optionally requiring the comparison to hold continuously for
// HoldSeconds before it is considered satisfied.
type LimitCondition struct {
	DeviceID    string
	SensorID    string
	Measure     string // field name within a multi-field reading, "" = the reading's bare scalar
	Operator    Operator
	Threshold   any // string or float64
	HoldSeconds float64

	// LastState and StateSince are engine-private and rewritten
	// atomically the first time the sensor-level predicate changes.
	LastState  bool
	StateSince int64 // nanoseconds from the engine's Clock; SystemClock gives wall-clock Unix time, not a monotonic reading
}

func (c *LimitCondition) Relevant(deviceID, sensorID string) bool {
	return c.DeviceID == deviceID && c.SensorID == sensorID
}

func (c *LimitCondition) kind() conditionKind { return kindLimit }

// PasswordCondition matches a stringified reading value against an
// expected value, with no time component.
type PasswordCondition struct {
	DeviceID string
	SensorID string
	Expected string
}

func (c *PasswordCondition) Relevant(deviceID, sensorID string) bool {
	return c.DeviceID == deviceID && c.SensorID == sensorID
}

func (c *PasswordCondition) kind() conditionKind { return kindPassword }

// Conditions is an ordered list of Condition that knows how to encode
// and decode its tagged-union wire representation.
type Conditions []Condition

// conditionWire is the on-the-wire (and on-disk) shape of a single
// Condition. Private Limit state is carried via pointer fields that
// are omitted from the public broker response (see Rule.Public).
type conditionWire struct {
	Type        conditionKind `json:"type"`
	DeviceID    string        `json:"device_id"`
	SensorID    string        `json:"sensor_id"`
	Measure     string        `json:"measure,omitempty"`
	Operator    Operator      `json:"operator,omitempty"`
	Threshold   any           `json:"threshold,omitempty"`
	HoldSeconds float64       `json:"hold_seconds,omitempty"`
	Expected    string        `json:"expected,omitempty"`
	LastState   *bool         `json:"_last_state,omitempty"`
	StateSince  *int64        `json:"_state_since,omitempty"`
}

func toWire(c Condition) conditionWire {
	switch v := c.(type) {
	case *LimitCondition:
		w := conditionWire{
			Type:        kindLimit,
			DeviceID:    v.DeviceID,
			SensorID:    v.SensorID,
			Measure:     v.Measure,
			Operator:    v.Operator,
			Threshold:   v.Threshold,
			HoldSeconds: v.HoldSeconds,
		}
		// Zero-valued private state is left out, so a condition whose
		// state was cleared by Public carries no private fields.
		if v.LastState {
			last := true
			w.LastState = &last
		}
		if v.StateSince != 0 {
			since := v.StateSince
			w.StateSince = &since
		}
		return w
	case *PasswordCondition:
		return conditionWire{
			Type:     kindPassword,
			DeviceID: v.DeviceID,
			SensorID: v.SensorID,
			Expected: v.Expected,
		}
	default:
		return conditionWire{}
	}
}

func fromWire(w conditionWire) (Condition, error) {
	switch w.Type {
	case kindLimit:
		c := &LimitCondition{
			DeviceID:    w.DeviceID,
			SensorID:    w.SensorID,
			Measure:     w.Measure,
			Operator:    w.Operator,
			Threshold:   w.Threshold,
			HoldSeconds: w.HoldSeconds,
		}
		if w.LastState != nil {
			c.LastState = *w.LastState
		}
		if w.StateSince != nil {
			c.StateSince = *w.StateSince
		}
		return c, nil
	case kindPassword:
		return &PasswordCondition{
			DeviceID: w.DeviceID,
			SensorID: w.SensorID,
			Expected: w.Expected,
		}, nil
	default:
		return nil, fmt.Errorf("model: unknown condition type %q", w.Type)
	}
}

// MarshalJSON encodes the full wire form, including any non-zero
// private Limit state. Used for the on-disk rule snapshot.
func (cs Conditions) MarshalJSON() ([]byte, error) {
	wires := make([]conditionWire, len(cs))
	for i, c := range cs {
		wires[i] = toWire(c)
	}
	return json.Marshal(wires)
}

// UnmarshalJSON decodes the tagged-union wire form produced by
// MarshalJSON or sent by an operator over `rules/add`/`rules/update`.
func (cs *Conditions) UnmarshalJSON(data []byte) error {
	var wires []conditionWire
	if err := json.Unmarshal(data, &wires); err != nil {
		return err
	}
	out := make(Conditions, 0, len(wires))
	for _, w := range wires {
		c, err := fromWire(w)
		if err != nil {
			return err
		}
		out = append(out, c)
	}
	*cs = out
	return nil
}

// public strips engine-private Limit state, for the broker-facing
// `callback/rules` response: private fields are not echoed on the
// wire.
func (cs Conditions) public() Conditions {
	out := make(Conditions, len(cs))
	for i, c := range cs {
		switch v := c.(type) {
		case *LimitCondition:
			cp := *v
			cp.LastState = false
			cp.StateSince = 0
			out[i] = &cp
		default:
			out[i] = c
		}
	}
	return out
}

// Rule is a named condition/action automation with engine-private
// transition state.
type Rule struct {
	ID        string     `json:"id"`
	Condition Conditions `json:"condition"`
	Then      []Action   `json:"then"`
	Else      []Action   `json:"else"`

	// LastTriggeredState is unset until the engine first observes a
	// true verdict for the rule (a false verdict while unset fires
	// nothing and leaves it unset); thereafter it holds the verdict of
	// the most recent action burst.
	LastTriggeredState *bool `json:"_last_triggered_state,omitempty"`
}

// ruleWire mirrors Rule but marshals Condition through its private
// wire form; used identically for both the full (disk) and public
// (broker) representations, the only difference being whether private
// state has already been stripped by the caller.
type ruleWire struct {
	ID                 string     `json:"id"`
	Condition          Conditions `json:"condition"`
	Then               []Action   `json:"then"`
	Else               []Action   `json:"else"`
	LastTriggeredState *bool      `json:"_last_triggered_state,omitempty"`
}

// MarshalJSON encodes the full wire form including private state, used
// for the on-disk rule snapshot.
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(ruleWire(r))
}

// UnmarshalJSON decodes a rule from its wire form, whether read from
// disk (with private state) or received over `rules/add`/`rules/update`
// (without it).
func (r *Rule) UnmarshalJSON(data []byte) error {
	var w ruleWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = Rule(w)
	return nil
}

// Public returns a copy of r suitable for the `callback/rules` response:
// engine-private fields are stripped so operators never see internal
// debounce/dwell bookkeeping on the wire.
func (r Rule) Public() Rule {
	r.Condition = r.Condition.public()
	r.LastTriggeredState = nil
	return r
}

// ResetState reinitializes all per-condition and per-rule transition
// state, as performed on create/update.
func (r *Rule) ResetState(now int64) {
	r.LastTriggeredState = nil
	for _, c := range r.Condition {
		if lc, ok := c.(*LimitCondition); ok {
			lc.LastState = false
			lc.StateSince = now
		}
	}
}
