package router

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tf-iot/core/internal/devicecache"
	"github.com/tf-iot/core/internal/events"
	"github.com/tf-iot/core/internal/model"
	"github.com/tf-iot/core/internal/rulestore"
)

type fakeWriter struct {
	mu       sync.Mutex
	readings []model.Reading
}

func (w *fakeWriter) WriteReading(r model.Reading) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readings = append(w.readings, r)
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.readings)
}

func (w *fakeWriter) last() model.Reading {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readings[len(w.readings)-1]
}

type fakeEngine struct {
	mu       sync.Mutex
	readings []model.Reading
}

func (e *fakeEngine) Evaluate(r model.Reading) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readings = append(e.readings, r)
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.readings)
}

type fakePublisher struct {
	mu      sync.Mutex
	topic   string
	payload []byte
	calls   int
}

func (p *fakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic = topic
	p.payload = payload
	p.calls++
	return nil
}

func newTestRouter(t *testing.T) (*Router, *rulestore.Store, *devicecache.Cache, *fakeWriter, *fakeEngine, *fakePublisher) {
	t.Helper()
	store := rulestore.New(filepath.Join(t.TempDir(), "rules_config.json"), nil, events.New(), nil)
	cache := devicecache.New()
	writer := &fakeWriter{}
	eng := &fakeEngine{}
	pub := &fakePublisher{}
	r := New(store, cache, writer, eng, pub, nil, events.New(), nil, nil)
	return r, store, cache, writer, eng, pub
}

func TestHandle_UnroutableTopic_Dropped(t *testing.T) {
	r, _, _, writer, eng, _ := newTestRouter(t)
	r.Handle("garbage/topic", []byte(`{}`))
	if writer.count() != 0 || eng.count() != 0 {
		t.Fatal("expected no downstream dispatch for an unroutable topic")
	}
}

func TestHandle_RulesAdd_CreatesRule(t *testing.T) {
	r, store, _, _, _, _ := newTestRouter(t)

	body := `{
		"id": "r1",
		"condition": [{"type":"limit","device_id":"A","sensor_id":"T","operator":">","threshold":30}],
		"then": [{"device_id":"A","actuator_id":"FAN","value":1}]
	}`
	r.Handle("rules/add", []byte(body))

	rule, ok := store.Get("r1")
	if !ok {
		t.Fatal("expected r1 to be created")
	}
	if len(rule.Then) != 1 || rule.Then[0].ActuatorID != "FAN" {
		t.Errorf("unexpected rule: %+v", rule)
	}
}

func TestHandle_RulesAdd_MissingID_Dropped(t *testing.T) {
	r, store, _, _, _, _ := newTestRouter(t)
	r.Handle("rules/add", []byte(`{"condition":[]}`))
	if len(store.List()) != 0 {
		t.Fatal("expected no rule created without an id")
	}
}

func TestHandle_RulesAdd_MalformedJSON_Dropped(t *testing.T) {
	r, store, _, _, _, _ := newTestRouter(t)
	r.Handle("rules/add", []byte(`not json`))
	if len(store.List()) != 0 {
		t.Fatal("expected no rule created from malformed JSON")
	}
}

func TestHandle_RulesUpdate_AbsentID_BehavesAsCreate(t *testing.T) {
	r, store, _, _, _, _ := newTestRouter(t)
	r.Handle("rules/update", []byte(`{"id":"r1","condition":[]}`))
	if _, ok := store.Get("r1"); !ok {
		t.Fatal("expected rules/update on an absent id to create it")
	}
}

func TestHandle_RulesDelete_RemovesRule(t *testing.T) {
	r, store, _, _, _, _ := newTestRouter(t)
	store.Create(model.Rule{ID: "r1"})

	r.Handle("rules/delete", []byte(`{"id":"r1"}`))
	if _, ok := store.Get("r1"); ok {
		t.Fatal("expected r1 to be deleted")
	}
}

func TestHandle_RulesGet_PublishesStrippedRulesToCallbackTopic(t *testing.T) {
	r, store, _, _, _, pub := newTestRouter(t)
	store.Create(model.Rule{
		ID: "r1",
		Condition: model.Conditions{
			&model.LimitCondition{DeviceID: "A", SensorID: "T", Operator: model.OpGT, Threshold: 30.0},
		},
	})

	r.Handle("rules/get", nil)

	if pub.calls != 1 {
		t.Fatalf("expected exactly one publish, got %d", pub.calls)
	}
	if pub.topic != CallbackTopic {
		t.Errorf("expected topic %q, got %q", CallbackTopic, pub.topic)
	}
	if got := string(pub.payload); !containsAll(got, `"rules"`, `"r1"`, `"device_id":"A"`) {
		t.Errorf("unexpected payload: %s", got)
	}
	if containsAll(string(pub.payload), `_last_state`) {
		t.Errorf("expected private condition state stripped, got: %s", pub.payload)
	}
}

func TestHandle_ConfigResponse_ReplacesDeviceCache(t *testing.T) {
	r, _, cache, _, _, _ := newTestRouter(t)

	body := `{"sensors":[{"id":"S1","tipo":5,"atributo1":1},{"id":"S2","tipo":1}]}`
	r.Handle("dev1/settings/sensors/get/response", []byte(body))

	cfg, ok := cache.Get("dev1", "S1")
	if !ok {
		t.Fatal("expected S1 to be cached")
	}
	if cfg.DeviceID != "dev1" {
		t.Errorf("expected device_id backfilled from topic, got %q", cfg.DeviceID)
	}
	if cfg.Attribute1 != float64(1) {
		t.Errorf("expected atributo1=1, got %v", cfg.Attribute1)
	}
}

func TestHandle_ConfigResponse_MalformedJSON_Dropped(t *testing.T) {
	r, _, cache, _, _, _ := newTestRouter(t)
	r.Handle("dev1/settings/sensors/get/response", []byte(`not json`))
	if _, ok := cache.Get("dev1", "S1"); ok {
		t.Fatal("expected no cache entry from malformed config response")
	}
}

func TestHandle_SensorData_NonActuator_DispatchesToWriterAndEngine(t *testing.T) {
	r, _, _, writer, eng, _ := newTestRouter(t)

	body := `{"tipo":1,"values":{"temperature":25.5}}`
	r.Handle("dev1/sensors/T1/data", []byte(body))

	if writer.count() != 1 || eng.count() != 1 {
		t.Fatalf("expected one dispatch to writer and engine, got writer=%d engine=%d", writer.count(), eng.count())
	}
	got := writer.last()
	if got.DeviceID != "dev1" || got.SensorID != "T1" || got.SensorType != model.SensorDS18B20 {
		t.Errorf("unexpected reading: %+v", got)
	}
	if v, ok := got.Scalar("temperature"); !ok || v != 25.5 {
		t.Errorf("expected temperature=25.5, got %v (ok=%v)", v, ok)
	}
}

func TestHandle_SensorData_NonActuator_MissingValues_Dropped(t *testing.T) {
	r, _, _, writer, eng, _ := newTestRouter(t)
	r.Handle("dev1/sensors/T1/data", []byte(`{"tipo":1}`))
	if writer.count() != 0 || eng.count() != 0 {
		t.Fatal("expected no dispatch for a non-actuator reading with no values")
	}
}

func TestHandle_SensorData_MissingType_Dropped(t *testing.T) {
	r, _, _, writer, eng, _ := newTestRouter(t)
	r.Handle("dev1/sensors/T1/data", []byte(`{"values":{"temperature":25.5}}`))
	if writer.count() != 0 || eng.count() != 0 {
		t.Fatal("expected no dispatch without a type/tipo field")
	}
}

func TestHandle_SensorData_Actuator_LegacyAttribute1_ExtractsAndCachesConfig(t *testing.T) {
	r, _, cache, writer, eng, _ := newTestRouter(t)

	body := `{"tipo":5,"atributo1":1}`
	r.Handle("dev1/sensors/RELAY1/data", []byte(body))

	if writer.count() != 1 || eng.count() != 1 {
		t.Fatalf("expected dispatch for actuator reading, got writer=%d engine=%d", writer.count(), eng.count())
	}
	got := writer.last()
	if v, ok := got.Scalar("state"); !ok || v != float64(1) {
		t.Errorf("expected state=1 via the preferred legacy atributo1 field, got %v (ok=%v)", v, ok)
	}

	cfg, ok := cache.Get("dev1", "RELAY1")
	if !ok {
		t.Fatal("expected actuator reading to opportunistically populate the device cache")
	}
	if cfg.Attribute1 != float64(1) {
		t.Errorf("expected cached attribute1=1, got %v", cfg.Attribute1)
	}
}

func TestHandle_SensorData_Actuator_AfterConfigResponse_PreservesDescAndPins(t *testing.T) {
	r, _, cache, _, _, _ := newTestRouter(t)

	configBody := `{"sensors":[{"id":"RELAY1","desc":"porch light","tipo":5,"pinos":[4],"atributo1":0}]}`
	r.Handle("dev1/settings/sensors/get/response", []byte(configBody))

	readingBody := `{"tipo":5,"atributo1":1}`
	r.Handle("dev1/sensors/RELAY1/data", []byte(readingBody))

	cfg, ok := cache.Get("dev1", "RELAY1")
	if !ok {
		t.Fatal("expected RELAY1 to still be cached")
	}
	if cfg.Description != "porch light" {
		t.Errorf("Description = %q, want %q (a self-reported reading must not erase a known config)", cfg.Description, "porch light")
	}
	if len(cfg.Pins) != 1 || cfg.Pins[0] != 4 {
		t.Errorf("Pins = %v, want [4] (a self-reported reading must not erase a known config)", cfg.Pins)
	}
	if cfg.Attribute1 != float64(1) {
		t.Errorf("Attribute1 = %v, want the reading's updated value 1", cfg.Attribute1)
	}
}

func TestHandle_SensorData_Actuator_ValuesFallback_Servo(t *testing.T) {
	r, _, _, writer, _, _ := newTestRouter(t)

	body := `{"tipo":4,"values":{"angle":90}}`
	r.Handle("dev1/sensors/SERVO1/data", []byte(body))

	got := writer.last()
	if v, ok := got.Scalar("angle"); !ok || v != float64(90) {
		t.Errorf("expected angle=90 from values fallback, got %v (ok=%v)", v, ok)
	}
}

func TestHandle_SensorData_Actuator_NoScalarAvailable_Dropped(t *testing.T) {
	r, _, _, writer, eng, _ := newTestRouter(t)
	r.Handle("dev1/sensors/RELAY1/data", []byte(`{"tipo":5}`))
	if writer.count() != 0 || eng.count() != 0 {
		t.Fatal("expected no dispatch when an actuator reading has neither atributo1 nor a values fallback")
	}
}

func TestHandle_SensorData_MalformedJSON_Dropped(t *testing.T) {
	r, _, _, writer, eng, _ := newTestRouter(t)
	r.Handle("dev1/sensors/T1/data", []byte(`not json`))
	if writer.count() != 0 || eng.count() != 0 {
		t.Fatal("expected no dispatch for malformed sensor JSON")
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
