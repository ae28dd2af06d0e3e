package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/tf-iot/core/internal/devicecache"
	"github.com/tf-iot/core/internal/events"
	"github.com/tf-iot/core/internal/model"
)

type capturedRequest struct {
	path string
	body setSensorsBody
}

func testServer(t *testing.T, capture *[]capturedRequest, mu *sync.Mutex) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body setSensorsBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		mu.Lock()
		*capture = append(*capture, capturedRequest{path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
}

func waitForCount(t *testing.T, mu *sync.Mutex, capture *[]capturedRequest, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := len(*capture)
		mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d request(s)", n)
}

func TestIssue_MinimalDescriptor_NoCachedConfig(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedRequest
	srv := testServer(t, &captured, &mu)
	defer srv.Close()

	d := New(srv.URL, devicecache.New(), nil, events.New(), nil)
	d.Issue("A1", "T1", 1, model.ModeSet)

	waitForCount(t, &mu, &captured, 1)
	mu.Lock()
	defer mu.Unlock()

	req := captured[0]
	if req.path != "/A1/settings/sensors/set" {
		t.Errorf("path = %q", req.path)
	}
	if len(req.body.Sensors) != 1 {
		t.Fatalf("sensors = %d, want 1", len(req.body.Sensors))
	}
	sd := req.body.Sensors[0]
	if sd.ID != "T1" || sd.Attribute1 != float64(1) {
		t.Errorf("descriptor = %+v", sd)
	}
	if sd.Desc != "" || sd.Type != 0 {
		t.Errorf("expected minimal descriptor, got %+v", sd)
	}
}

func TestIssue_FullDescriptor_WithCachedConfig(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedRequest
	srv := testServer(t, &captured, &mu)
	defer srv.Close()

	cache := devicecache.New()
	cache.Put(model.Config{DeviceID: "A1", SensorID: "T1", Description: "relay", Type: 5, Pins: []int{4}})

	d := New(srv.URL, cache, nil, events.New(), nil)
	d.Issue("A1", "T1", 1, model.ModeSet)

	waitForCount(t, &mu, &captured, 1)
	mu.Lock()
	defer mu.Unlock()

	sd := captured[0].body.Sensors[0]
	if sd.Desc != "relay" || sd.Type != 5 || len(sd.Pins) != 1 || sd.Pins[0] != 4 {
		t.Errorf("descriptor = %+v", sd)
	}
}

func TestIssue_Toggle_NoCachedConfig_DefaultsOn(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedRequest
	srv := testServer(t, &captured, &mu)
	defer srv.Close()

	d := New(srv.URL, devicecache.New(), nil, events.New(), nil)
	d.Issue("A1", "T1", nil, model.ModeToggle)

	waitForCount(t, &mu, &captured, 1)
	mu.Lock()
	defer mu.Unlock()

	if got := captured[0].body.Sensors[0].Attribute1; got != float64(1) {
		t.Errorf("toggle with no cache = %v, want 1", got)
	}
}

func TestIssue_Toggle_CachedOn_TogglesOff(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedRequest
	srv := testServer(t, &captured, &mu)
	defer srv.Close()

	cache := devicecache.New()
	cache.Put(model.Config{DeviceID: "A1", SensorID: "T1", Type: 5, Attribute1: float64(1)})

	d := New(srv.URL, cache, nil, events.New(), nil)
	d.Issue("A1", "T1", nil, model.ModeToggle)

	waitForCount(t, &mu, &captured, 1)
	mu.Lock()
	defer mu.Unlock()

	if got := captured[0].body.Sensors[0].Attribute1; got != float64(0) {
		t.Errorf("toggle with cached-on = %v, want 0", got)
	}
}

func TestIssue_Toggle_CachedOff_TogglesOn(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedRequest
	srv := testServer(t, &captured, &mu)
	defer srv.Close()

	cache := devicecache.New()
	cache.Put(model.Config{DeviceID: "A1", SensorID: "T1", Type: 5, Attribute1: float64(0)})

	d := New(srv.URL, cache, nil, events.New(), nil)
	d.Issue("A1", "T1", nil, model.ModeToggle)

	waitForCount(t, &mu, &captured, 1)
	mu.Lock()
	defer mu.Unlock()

	if got := captured[0].body.Sensors[0].Attribute1; got != float64(1) {
		t.Errorf("toggle with cached-off = %v, want 1", got)
	}
}

func TestPulse_IssuesOnThenOff(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedRequest
	srv := testServer(t, &captured, &mu)
	defer srv.Close()

	d := New(srv.URL, devicecache.New(), nil, events.New(), nil)
	d.Pulse("A1", "T1", 1, 0.05)

	waitForCount(t, &mu, &captured, 2)
	mu.Lock()
	defer mu.Unlock()

	if got := captured[0].body.Sensors[0].Attribute1; got != float64(1) {
		t.Errorf("first command = %v, want 1", got)
	}
	if got := captured[1].body.Sensors[0].Attribute1; got != float64(0) {
		t.Errorf("second command = %v, want 0", got)
	}
}

func TestPulse_CancelledByStop_SkipsOffCommand(t *testing.T) {
	var mu sync.Mutex
	var captured []capturedRequest
	srv := testServer(t, &captured, &mu)
	defer srv.Close()

	d := New(srv.URL, devicecache.New(), nil, events.New(), nil)
	d.Pulse("A1", "T1", 1, 10)

	waitForCount(t, &mu, &captured, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(captured) != 1 {
		t.Errorf("expected only the on-command, got %d requests", len(captured))
	}
}

func TestStop_WaitsForInFlightIssue(t *testing.T) {
	d := New("http://127.0.0.1:0", devicecache.New(), nil, events.New(), nil)
	d.Issue("A1", "T1", 1, model.ModeSet)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestIsFalsy(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want bool
	}{
		{"nil", nil, true},
		{"false", false, true},
		{"true", true, false},
		{"zero float", float64(0), true},
		{"nonzero float", float64(1), false},
		{"empty string", "", true},
		{"string zero", "0", true},
		{"string other", "off", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isFalsy(tt.in); got != tt.want {
				t.Errorf("isFalsy(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
