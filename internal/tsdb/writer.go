// Package tsdb converts decoded sensor readings into time-series
// points and writes them asynchronously to InfluxDB.
package tsdb

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/tf-iot/core/internal/config"
	"github.com/tf-iot/core/internal/model"
)

// Recorder receives write outcome counts for observability. The
// concrete implementation is internal/metrics.Registry; a nil
// Recorder passed to New is replaced with a no-op.
type Recorder interface {
	PointsWritten(n int)
	WriteError()
}

type nopRecorder struct{}

func (nopRecorder) PointsWritten(int) {}
func (nopRecorder) WriteError()       {}

// Writer owns the InfluxDB client and its async write API.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string
	org      string
	logger   *slog.Logger
	rec      Recorder
}

// New creates a Writer. The async write API and its error-draining
// goroutine start immediately; call Ping before accepting traffic to
// fail fast on an unreachable TSDB.
func New(cfg config.TSDBConfig, logger *slog.Logger, rec Recorder) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = nopRecorder{}
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	w := &Writer{
		client:   client,
		writeAPI: writeAPI,
		bucket:   cfg.Bucket,
		org:      cfg.Org,
		logger:   logger,
		rec:      rec,
	}

	go w.drainErrors()
	return w
}

func (w *Writer) drainErrors() {
	for err := range w.writeAPI.Errors() {
		w.rec.WriteError()
		w.logger.Warn("tsdb write error", "error", err)
	}
}

// Ping performs a blocking health check, for use once at startup. A
// failure here is a fatal startup condition; a failure
// later, from WriteReading, is only ever logged.
func (w *Writer) Ping(ctx context.Context) error {
	health, err := w.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("tsdb: health check: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("tsdb: unhealthy: %s", msg)
	}
	return nil
}

// WriteReading converts r into one or more points and queues them for
// asynchronous write. Fire-and-forget: never blocks, never returns an
// error to the caller; failures surface only via Recorder
// and the log.
func (w *Writer) WriteReading(r model.Reading) {
	measurement := "sensor_" + r.SensorID
	baseTags := map[string]string{
		"device_id":      r.DeviceID,
		"sensor_type":    r.SensorType.String(),
		"sensor_type_id": strconv.Itoa(int(r.SensorType)),
	}
	ts := time.Unix(0, r.ReceivedAt)

	if r.SensorType.IsActuator() {
		v, ok := r.Scalar(r.SensorType.ActuatorField())
		f, ferr := toFloat(v)
		if !ok || ferr != nil {
			w.logger.Warn("tsdb dropping actuator reading with unparseable value",
				"device_id", r.DeviceID, "sensor_id", r.SensorID, "value", v)
			return
		}
		p := write.NewPoint(measurement, baseTags, map[string]any{"value": f}, ts)
		w.writeAPI.WritePoint(p)
		w.rec.PointsWritten(1)
		return
	}

	n := 0
	for field, v := range r.Values {
		tags := make(map[string]string, len(baseTags)+1)
		for k, tv := range baseTags {
			tags[k] = tv
		}
		tags["field"] = field

		var fields map[string]any
		if r.SensorType.IsStringValued() {
			fields = map[string]any{field: fmt.Sprintf("%v", v)}
		} else {
			f, err := toFloat(v)
			if err != nil {
				w.logger.Warn("tsdb dropping field with unparseable value",
					"device_id", r.DeviceID, "sensor_id", r.SensorID, "field", field, "value", v)
				continue
			}
			fields = map[string]any{field: f}
		}

		p := write.NewPoint(measurement, tags, fields, ts)
		w.writeAPI.WritePoint(p)
		n++
	}
	if n > 0 {
		w.rec.PointsWritten(n)
	}
}

// Close flushes any buffered points and releases the client.
func (w *Writer) Close() {
	w.writeAPI.Flush()
	w.client.Close()
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
