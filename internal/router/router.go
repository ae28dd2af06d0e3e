// Package router classifies inbound broker messages by topic and
// dispatches them to the rule store, the device-config cache, or the
// sensor pipeline (time-series writer + rule engine).
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tf-iot/core/internal/devicecache"
	"github.com/tf-iot/core/internal/events"
	"github.com/tf-iot/core/internal/model"
	"github.com/tf-iot/core/internal/rulestore"
)

// TSDBWriter is the subset of the time-series writer the router needs.
// Satisfied by *tsdb.Writer.
type TSDBWriter interface {
	WriteReading(r model.Reading)
}

// Engine is the subset of the rule engine the router needs. Satisfied
// by *engine.Engine.
type Engine interface {
	Evaluate(r model.Reading)
}

// Publisher is the subset of the broker client the router needs to
// answer rules/get. Satisfied by *broker.Client.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Recorder receives a count for every reading the router successfully
// decodes and dispatches downstream. Satisfied by *metrics.Registry.
type Recorder interface {
	ReadingProcessed()
}

type nopRecorder struct{}

func (nopRecorder) ReadingProcessed() {}

// CallbackTopic is where rules/get responses are published.
const CallbackTopic = "callback/rules"

// Router decodes and classifies inbound broker messages.
type Router struct {
	rules  *rulestore.Store
	cache  *devicecache.Cache
	writer TSDBWriter
	engine Engine
	pub    Publisher
	logger *slog.Logger
	bus    *events.Bus
	clock  model.Clock
	rec    Recorder
}

// New creates a Router. A nil logger is replaced with slog.Default; a
// nil clock with model.SystemClock; a nil rec with a no-op.
func New(rules *rulestore.Store, cache *devicecache.Cache, writer TSDBWriter, eng Engine, pub Publisher, logger *slog.Logger, bus *events.Bus, clock model.Clock, rec Recorder) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = model.SystemClock{}
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Router{rules: rules, cache: cache, writer: writer, engine: eng, pub: pub, logger: logger, bus: bus, clock: clock, rec: rec}
}

// Handle classifies topic and dispatches payload. Malformed messages
// are logged and discarded; Handle never panics or returns an error
// that could kill the broker's dispatch loop.
func (r *Router) Handle(topic string, payload []byte) {
	parts := strings.Split(topic, "/")

	switch {
	case len(parts) == 2 && parts[0] == "rules":
		r.handleRuleOp(parts[1], payload)

	case len(parts) == 5 && parts[1] == "settings" && parts[2] == "sensors" && parts[3] == "get" && parts[4] == "response":
		r.handleConfigResponse(parts[0], payload)

	case len(parts) == 4 && parts[1] == "sensors" && parts[3] == "data":
		r.handleSensorData(parts[0], parts[2], payload)

	default:
		r.drop(topic, "unroutable topic")
	}
}

func (r *Router) drop(topic, reason string) {
	r.logger.Warn("router: dropping message", "topic", topic, "reason", reason)
	r.bus.Publish(events.Event{
		Source: events.SourceRouter,
		Kind:   events.KindMessageDropped,
		Data:   map[string]any{"topic": topic, "reason": reason},
	})
}

func (r *Router) handleRuleOp(op string, payload []byte) {
	switch op {
	case "add", "update":
		var rule model.Rule
		if err := json.Unmarshal(payload, &rule); err != nil {
			r.drop("rules/"+op, fmt.Sprintf("invalid rule JSON: %v", err))
			return
		}
		if rule.ID == "" {
			r.drop("rules/"+op, "missing rule id")
			return
		}
		var err error
		if op == "add" {
			err = r.rules.Create(rule)
		} else {
			err = r.rules.Update(rule)
		}
		if err != nil {
			r.logger.Warn("router: rule store mutation failed", "op", op, "rule_id", rule.ID, "error", err)
		}

	case "delete":
		var body struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &body); err != nil || body.ID == "" {
			r.drop("rules/delete", "missing rule id")
			return
		}
		if err := r.rules.Delete(body.ID); err != nil {
			r.logger.Warn("router: rule delete failed", "rule_id", body.ID, "error", err)
		}

	case "get":
		r.handleRulesGet()

	default:
		r.drop("rules/"+op, "unknown rule operation")
	}
}

func (r *Router) handleRulesGet() {
	rules := r.rules.List()
	public := make([]model.Rule, len(rules))
	for i, rule := range rules {
		public[i] = rule.Public()
	}

	body, err := json.Marshal(struct {
		Rules []model.Rule `json:"rules"`
	}{Rules: public})
	if err != nil {
		r.logger.Warn("router: failed to marshal rules/get response", "error", err)
		return
	}

	if err := r.pub.Publish(context.Background(), CallbackTopic, body); err != nil {
		r.logger.Warn("router: failed to publish rules/get response", "error", err)
	}
}

func (r *Router) handleConfigResponse(deviceID string, payload []byte) {
	var body struct {
		Sensors []model.Config `json:"sensors"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		r.drop(deviceID+"/settings/sensors/get/response", fmt.Sprintf("invalid config JSON: %v", err))
		return
	}
	for i := range body.Sensors {
		if body.Sensors[i].DeviceID == "" {
			body.Sensors[i].DeviceID = deviceID
		}
	}
	r.cache.ReplaceDevice(deviceID, body.Sensors)
}

// sensorMessage is the wire shape of a <device>/sensors/<sensor>/data
// payload. Values and the legacy scalar fields are decoded separately
// because their shape depends on the sensor type.
type sensorMessage struct {
	DeviceID   string          `json:"device_id"`
	SensorID   string          `json:"sensor_id"`
	Type       *int            `json:"type"`
	Tipo       *int            `json:"tipo"`
	Values     json.RawMessage `json:"values"`
	Attribute1 any             `json:"atributo1"`
}

func (m sensorMessage) sensorType() (model.SensorType, bool) {
	if m.Type != nil {
		return model.SensorType(*m.Type), true
	}
	if m.Tipo != nil {
		return model.SensorType(*m.Tipo), true
	}
	return 0, false
}

func (r *Router) handleSensorData(deviceID, sensorID string, payload []byte) {
	topic := deviceID + "/sensors/" + sensorID + "/data"

	var msg sensorMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.drop(topic, fmt.Sprintf("invalid sensor JSON: %v", err))
		return
	}
	sensorType, ok := msg.sensorType()
	if !ok {
		r.drop(topic, "missing type/tipo")
		return
	}

	reading := model.Reading{
		DeviceID:   deviceID,
		SensorID:   sensorID,
		SensorType: sensorType,
		ReceivedAt: r.clock.Now(),
	}

	if sensorType.IsActuator() {
		value, ok := r.extractActuatorValue(msg, sensorType)
		if !ok {
			r.drop(topic, "actuator reading missing a scalar value")
			return
		}
		reading.Values = map[string]any{sensorType.ActuatorField(): value}
		r.cache.MergeAttribute1(deviceID, sensorID, int(sensorType), value)
	} else {
		values := make(map[string]any)
		if len(msg.Values) > 0 {
			if err := json.Unmarshal(msg.Values, &values); err != nil {
				r.drop(topic, fmt.Sprintf("values is not a mapping: %v", err))
				return
			}
		}
		if len(values) == 0 {
			r.drop(topic, "missing values mapping")
			return
		}
		reading.Values = values
	}

	r.writer.WriteReading(reading)
	r.engine.Evaluate(reading)
	r.rec.ReadingProcessed()
}

// extractActuatorValue resolves an actuator reading's single scalar,
// preferring the legacy atributo1 field and falling back to
// values.state or values.angle depending on type.
func (r *Router) extractActuatorValue(msg sensorMessage, t model.SensorType) (any, bool) {
	if msg.Attribute1 != nil {
		return msg.Attribute1, true
	}
	if len(msg.Values) == 0 {
		return nil, false
	}
	var values map[string]any
	if err := json.Unmarshal(msg.Values, &values); err != nil {
		return nil, false
	}
	v, ok := values[t.ActuatorField()]
	return v, ok
}
