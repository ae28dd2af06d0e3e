// Package metrics exposes operational counters and gauges for the
// ingest pipeline over a Prometheus /metrics endpoint. Registry
// implements the small per-component Recorder seams (tsdb, dispatcher,
// engine) without those packages importing Prometheus directly.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns a dedicated Prometheus registry and every counter/gauge
// this process exposes. The zero value is not usable; construct with
// New.
type Registry struct {
	reg *prometheus.Registry

	readingsProcessed prometheus.Counter
	tsdbPointsWritten prometheus.Counter
	tsdbWriteErrors   prometheus.Counter
	ruleTransitions   prometheus.Counter
	actuatorCommands  prometheus.Counter
	pulsesInFlight    prometheus.Gauge
}

// New creates a Registry on a fresh prometheus.Registry, so multiple
// Registries (e.g. one per test) never collide on the global default
// registerer.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		readingsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tfiot_readings_processed_total",
			Help: "Sensor readings the router has decoded and dispatched to the writer and engine.",
		}),
		tsdbPointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tfiot_tsdb_points_written_total",
			Help: "Time-series points successfully written to the database.",
		}),
		tsdbWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tfiot_tsdb_write_errors_total",
			Help: "Time-series writes that failed.",
		}),
		ruleTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tfiot_rule_transitions_total",
			Help: "Rule verdict transitions that fired a then/else action burst.",
		}),
		actuatorCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tfiot_actuator_commands_total",
			Help: "Actuator commands issued by the dispatcher, one-shot and pulse starts alike.",
		}),
		pulsesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tfiot_pulses_in_flight",
			Help: "Pulse actions currently waiting to issue their off-command.",
		}),
	}

	reg.MustRegister(
		r.readingsProcessed,
		r.tsdbPointsWritten,
		r.tsdbWriteErrors,
		r.ruleTransitions,
		r.actuatorCommands,
		r.pulsesInFlight,
	)
	return r
}

// Handler returns the HTTP handler to serve at GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ReadingProcessed satisfies router.Recorder.
func (r *Registry) ReadingProcessed() { r.readingsProcessed.Inc() }

// PointsWritten and WriteError satisfy tsdb.Recorder.
func (r *Registry) PointsWritten(n int) { r.tsdbPointsWritten.Add(float64(n)) }
func (r *Registry) WriteError()         { r.tsdbWriteErrors.Inc() }

// CommandSent, PulseStart, and PulseEnd satisfy dispatcher.Recorder.
func (r *Registry) CommandSent() { r.actuatorCommands.Inc() }
func (r *Registry) PulseStart() {
	r.actuatorCommands.Inc()
	r.pulsesInFlight.Inc()
}
func (r *Registry) PulseEnd() { r.pulsesInFlight.Dec() }

// TransitionRecorded satisfies engine.Recorder.
func (r *Registry) TransitionRecorded() { r.ruleTransitions.Inc() }
