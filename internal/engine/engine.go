// Package engine evaluates automation rules against inbound readings
// and fires actuator actions on verdict transitions.
package engine

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tf-iot/core/internal/events"
	"github.com/tf-iot/core/internal/model"
	"github.com/tf-iot/core/internal/rulestore"
)

// Dispatcher is the subset of the command dispatcher the engine needs.
// Satisfied by *dispatcher.Dispatcher.
type Dispatcher interface {
	Issue(deviceID, actuatorID string, value any, mode model.ActionMode)
	Pulse(deviceID, actuatorID string, value any, seconds float64)
}

// Recorder receives transition counts for observability.
type Recorder interface {
	TransitionRecorded()
}

type nopRecorder struct{}

func (nopRecorder) TransitionRecorded() {}

// Engine evaluates every rule in the Store against each reading handed
// to it, under the store's mutex.
type Engine struct {
	store      *rulestore.Store
	dispatcher Dispatcher
	logger     *slog.Logger
	bus        *events.Bus
	clock      model.Clock
	rec        Recorder
}

// New creates an Engine. A nil logger is replaced with slog.Default; a
// nil clock with model.SystemClock; a nil rec with a no-op.
func New(store *rulestore.Store, dispatcher Dispatcher, logger *slog.Logger, bus *events.Bus, clock model.Clock, rec Recorder) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = model.SystemClock{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Engine{store: store, dispatcher: dispatcher, logger: logger, bus: bus, clock: clock, rec: rec}
}

// Evaluate runs every rule in the store against r under a single
// consistent snapshot. Rules with no condition relevant to r are
// skipped without being considered.
func (e *Engine) Evaluate(r model.Reading) {
	now := e.clock.Now()
	e.store.Snapshot(func(rules map[string]*model.Rule) {
		for _, rule := range rules {
			e.evaluateRule(rule, r, now)
		}
	})
}

func (e *Engine) evaluateRule(rule *model.Rule, r model.Reading, now int64) {
	var relevant []model.Condition
	for _, c := range rule.Condition {
		if c.Relevant(r.DeviceID, r.SensorID) {
			relevant = append(relevant, c)
		}
	}
	if len(relevant) == 0 {
		return
	}

	verdict := true
	for _, c := range relevant {
		satisfied, err := e.evaluateCondition(c, r, now)
		if err != nil {
			e.logger.Warn("engine: condition evaluation failed, treating as unsatisfied",
				"rule_id", rule.ID, "device_id", r.DeviceID, "sensor_id", r.SensorID, "error", err)
			satisfied = false
		}
		if !satisfied {
			verdict = false
		}
	}

	e.applyTransition(rule, verdict)
}

func (e *Engine) evaluateCondition(c model.Condition, r model.Reading, now int64) (bool, error) {
	switch cond := c.(type) {
	case *model.LimitCondition:
		return e.evaluateLimit(cond, r, now)
	case *model.PasswordCondition:
		return e.evaluatePassword(cond, r)
	default:
		return false, fmt.Errorf("engine: unknown condition type %T", c)
	}
}

// evaluateLimit resolves the reading's scalar, compares it to the
// threshold, latches _last_state/_state_since on a predicate change,
// and applies the dwell requirement.
func (e *Engine) evaluateLimit(c *model.LimitCondition, r model.Reading, now int64) (bool, error) {
	x, ok := resolveScalar(c.Measure, r)
	if !ok {
		return false, fmt.Errorf("measure %q not present in reading", c.Measure)
	}

	p, err := comparePredicate(c.Operator, x, c.Threshold)
	if err != nil {
		return false, err
	}

	if p != c.LastState {
		c.LastState = p
		c.StateSince = now
	}

	if c.HoldSeconds <= 0 {
		return p, nil
	}
	elapsed := time.Duration(now - c.StateSince).Seconds()
	return p && elapsed >= c.HoldSeconds, nil
}

// evaluatePassword stringifies the reading's input value and compares
// it verbatim to Expected; no time component.
func (e *Engine) evaluatePassword(c *model.PasswordCondition, r model.Reading) (bool, error) {
	v, ok := resolveScalar("input", r)
	if !ok {
		return false, fmt.Errorf("password condition: no input value in reading")
	}
	return fmt.Sprintf("%v", v) == c.Expected, nil
}

// resolveScalar looks up a named field, falling back to the reading's
// sole value when measure is empty and the reading carries exactly one
// field.
func resolveScalar(measure string, r model.Reading) (any, bool) {
	if measure == "" {
		if len(r.Values) != 1 {
			return nil, false
		}
		for _, v := range r.Values {
			return v, true
		}
	}
	return r.Scalar(measure)
}

// comparePredicate compares x to threshold as strings if threshold is
// a string, numerically otherwise.
func comparePredicate(op model.Operator, x, threshold any) (bool, error) {
	if s, ok := threshold.(string); ok {
		return op.CompareString(fmt.Sprintf("%v", x), s)
	}
	xf, err := toFloat(x)
	if err != nil {
		return false, err
	}
	tf, err := toFloat(threshold)
	if err != nil {
		return false, err
	}
	return op.CompareNumeric(xf, tf)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("not numeric: %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// applyTransition runs the per-rule firing state machine. A rule
// with no prior observed verdict starts implicitly
// false: reaching true for the first time fires then, same as any
// later false->true flip; settling on false for the first time is not
// itself a transition and fires nothing.
func (e *Engine) applyTransition(rule *model.Rule, verdict bool) {
	if rule.LastTriggeredState == nil {
		if !verdict {
			return
		}
	} else if *rule.LastTriggeredState == verdict {
		return
	}

	actions := rule.Else
	if verdict {
		actions = rule.Then
	}

	v := verdict
	rule.LastTriggeredState = &v
	e.runActions(actions)

	e.rec.TransitionRecorded()
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Kind:      events.KindTransition,
		Data:      map[string]any{"rule_id": rule.ID, "triggered": verdict},
	})
}

func (e *Engine) runActions(actions []model.Action) {
	for _, a := range actions {
		if a.IsPulse() {
			e.dispatcher.Pulse(a.DeviceID, a.ActuatorID, a.Value, a.PulseSeconds)
		} else {
			e.dispatcher.Issue(a.DeviceID, a.ActuatorID, a.Value, a.Mode)
		}
	}
}
