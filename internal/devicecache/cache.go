// Package devicecache mirrors each device's last-known sensor and
// actuator configuration, so the command dispatcher can build
// well-formed actuator payloads without a synchronous round-trip to
// the device.
package devicecache

import (
	"sync"

	"github.com/tf-iot/core/internal/model"
)

// Cache is a mutex-guarded device_id -> sensor_id -> Config map. The
// zero value is not usable (its map is nil); construct with New.
type Cache struct {
	mu      sync.Mutex
	devices map[string]map[string]model.Config
}

// New returns an empty Cache.
func New() *Cache {
	return &Cache{devices: make(map[string]map[string]model.Config)}
}

// ReplaceDevice wholesale-replaces every sensor entry for deviceID with
// cfgs, as received in a `+/settings/sensors/get/response` message.
// Prior entries for sensors not present in cfgs are dropped.
func (c *Cache) ReplaceDevice(deviceID string, cfgs []model.Config) {
	sensors := make(map[string]model.Config, len(cfgs))
	for _, cfg := range cfgs {
		sensors[cfg.SensorID] = cfg
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[deviceID] = sensors
}

// Put inserts or overwrites a single sensor's config wholesale. The
// router's actuator path uses MergeAttribute1 instead, so that known
// Description/Pins survive.
func (c *Cache) Put(cfg model.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sensors, ok := c.devices[cfg.DeviceID]
	if !ok {
		sensors = make(map[string]model.Config)
		c.devices[cfg.DeviceID] = sensors
	}
	sensors[cfg.SensorID] = cfg
}

// MergeAttribute1 records an actuator's observed type and current
// value without disturbing Description/Pins already known for that
// sensor from an explicit config response. Used by the router when it
// observes an actuator reading: it must not downgrade a full config to
// a field-sparse one just because the device didn't re-send desc/pins
// on every reading.
func (c *Cache) MergeAttribute1(deviceID, sensorID string, sensorType int, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sensors, ok := c.devices[deviceID]
	if !ok {
		sensors = make(map[string]model.Config)
		c.devices[deviceID] = sensors
	}
	cfg := sensors[sensorID]
	cfg.DeviceID = deviceID
	cfg.SensorID = sensorID
	cfg.Type = sensorType
	cfg.Attribute1 = value
	sensors[sensorID] = cfg
}

// Get returns the cached config for (deviceID, sensorID) and whether
// it was present.
func (c *Cache) Get(deviceID, sensorID string) (model.Config, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sensors, ok := c.devices[deviceID]
	if !ok {
		return model.Config{}, false
	}
	cfg, ok := sensors[sensorID]
	return cfg, ok
}
