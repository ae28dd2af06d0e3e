// Package dispatcher issues actuator commands over HTTP and owns the
// timed-pulse lifecycle.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tf-iot/core/internal/devicecache"
	"github.com/tf-iot/core/internal/events"
	"github.com/tf-iot/core/internal/httpkit"
	"github.com/tf-iot/core/internal/model"
)

// DefaultTimeout is the per-call HTTP timeout.
const DefaultTimeout = 5 * time.Second

// retryCount and retryDelay govern how many times, and how quickly, a
// command is retried after a transient connection error to the device
// (mid-reboot, flaky wifi) before it is given up on and logged.
const (
	retryCount = 2
	retryDelay = 200 * time.Millisecond
)

// Recorder receives command/pulse outcome counts for observability.
type Recorder interface {
	CommandSent()
	PulseStart()
	PulseEnd()
}

type nopRecorder struct{}

func (nopRecorder) CommandSent() {}
func (nopRecorder) PulseStart()  {}
func (nopRecorder) PulseEnd()    {}

// sensorDescriptor is one entry of the `{"sensors":[...]}` POST body
// sent to the edge-facing API.
type sensorDescriptor struct {
	ID         string `json:"id"`
	Desc       string `json:"desc,omitempty"`
	Type       int    `json:"tipo,omitempty"`
	Pins       []int  `json:"pinos,omitempty"`
	Attribute1 any    `json:"atributo1"`
}

type setSensorsBody struct {
	Sensors []sensorDescriptor `json:"sensors"`
}

// Dispatcher issues actuator commands via HTTP. Both issue and pulse
// hand off to a goroutine: the caller (the rule engine) is never
// blocked on the HTTP round trip.
type Dispatcher struct {
	apiBase string
	client  *http.Client
	cache   *devicecache.Cache
	logger  *slog.Logger
	bus     *events.Bus
	rec     Recorder

	wg           sync.WaitGroup
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// New creates a Dispatcher. A nil logger is replaced with
// slog.Default; a nil rec is replaced with a no-op.
func New(apiBase string, cache *devicecache.Cache, logger *slog.Logger, bus *events.Bus, rec Recorder) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	client := httpkit.NewClient(
		httpkit.WithTimeout(DefaultTimeout),
		httpkit.WithRetry(retryCount, retryDelay),
		httpkit.WithLogger(logger),
	)
	return &Dispatcher{
		apiBase:    apiBase,
		client:     client,
		cache:      cache,
		logger:     logger,
		bus:        bus,
		rec:        rec,
		shutdownCh: make(chan struct{}),
	}
}

// Issue hands a one-shot command off to a background goroutine and
// returns immediately.
func (d *Dispatcher) Issue(deviceID, actuatorID string, value any, mode model.ActionMode) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		defer cancel()
		if err := d.send(ctx, deviceID, actuatorID, value, mode); err != nil {
			d.logger.Warn("dispatcher issue failed", "device_id", deviceID, "actuator_id", actuatorID, "error", err)
			return
		}
		d.rec.CommandSent()
		d.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceDispatcher,
			Kind:      events.KindCommandSent,
			Data:      map[string]any{"device_id": deviceID, "actuator_id": actuatorID},
		})
	}()
}

// Pulse sets value now, waits seconds, then reverts to 0, unless
// shutdown is signalled first, in which case no off-command is sent.
func (d *Dispatcher) Pulse(deviceID, actuatorID string, value any, seconds float64) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		d.rec.PulseStart()
		d.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceDispatcher,
			Kind:      events.KindPulseStart,
			Data:      map[string]any{"device_id": deviceID, "actuator_id": actuatorID, "value": value, "seconds": seconds},
		})

		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		if err := d.send(ctx, deviceID, actuatorID, value, model.ModeSet); err != nil {
			d.logger.Warn("dispatcher pulse on-command failed", "device_id", deviceID, "actuator_id", actuatorID, "error", err)
		}
		cancel()

		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()

		cancelled := false
		select {
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
			if err := d.send(ctx, deviceID, actuatorID, 0, model.ModeSet); err != nil {
				d.logger.Warn("dispatcher pulse off-command failed", "device_id", deviceID, "actuator_id", actuatorID, "error", err)
			}
			cancel()
		case <-d.shutdownCh:
			cancelled = true
		}

		d.rec.PulseEnd()
		d.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceDispatcher,
			Kind:      events.KindPulseEnd,
			Data:      map[string]any{"device_id": deviceID, "actuator_id": actuatorID, "cancelled": cancelled},
		})
	}()
}

// send resolves the final value (applying toggle semantics from the
// cached config), builds the wire descriptor, and POSTs it.
func (d *Dispatcher) send(ctx context.Context, deviceID, actuatorID string, value any, mode model.ActionMode) error {
	cfg, cached := d.cache.Get(deviceID, actuatorID)

	resolved := value
	if mode == model.ModeToggle {
		resolved = toggled(cfg, cached)
	}

	desc := sensorDescriptor{ID: actuatorID, Attribute1: resolved}
	if cached {
		desc.Desc = cfg.Description
		desc.Type = cfg.Type
		desc.Pins = cfg.Pins
	}

	body, err := json.Marshal(setSensorsBody{Sensors: []sensorDescriptor{desc}})
	if err != nil {
		return fmt.Errorf("dispatcher: marshal body: %w", err)
	}

	url := fmt.Sprintf("%s/%s/settings/sensors/set", d.apiBase, deviceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatcher: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatcher: post %s: %w", url, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dispatcher: post %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// toggled resolves a mode=toggle action's value: 1 if the cached
// attribute1 is falsy (absent, zero, or false), else 0.
func toggled(cfg model.Config, cached bool) any {
	if !cached {
		return 1
	}
	if isFalsy(cfg.Attribute1) {
		return 1
	}
	return 0
}

func isFalsy(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case bool:
		return !x
	case float64:
		return x == 0
	case int:
		return x == 0
	case string:
		return x == "" || x == "0"
	default:
		return false
	}
}

// Stop signals in-flight pulses to skip their off-command and waits
// up to ctx's deadline for all issued/pulsing goroutines to finish.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
