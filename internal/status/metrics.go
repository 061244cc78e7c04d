// Package status exposes the agent's health: Prometheus metrics, a JSON
// snapshot of the last tick, and an HTTP server for both.
package status

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/thermohygro/internal/link"
	"github.com/nugget/thermohygro/internal/payload"
	"github.com/nugget/thermohygro/internal/sensor"
	"github.com/nugget/thermohygro/internal/session"
	"github.com/nugget/thermohygro/internal/supervisor"
)

const namespace = "thermohygro"

// Metrics holds the Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ticks          prometheus.Counter
	publishes      prometheus.Counter
	skipped        *prometheus.CounterVec
	faults         *prometheus.CounterVec
	rebuilds       prometheus.Counter
	linkUp         prometheus.Gauge
	sessionReady   prometheus.Gauge
	lastPublish    prometheus.Gauge
	temperature    prometheus.Gauge
	humidity       prometheus.Gauge
	sessionsOpened int

	// lastFault is the fault counted most recently. Managers keep
	// reporting the same fault value while they back off.
	lastFault error
}

// NewMetrics creates and registers the collectors, along with the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Supervisor ticks run.",
		}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Measurements published to the broker.",
		}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_ticks_total",
			Help:      "Ticks that ended before publishing, by reason.",
		}, []string{"reason"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_total",
			Help:      "Faults observed, by component and kind.",
		}, []string{"component", "kind"}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_rebuilds_total",
			Help:      "Broker sessions re-established after the first.",
		}),
		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "link_up",
			Help:      "1 when the network link was ready on the last tick.",
		}),
		sessionReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_ready",
			Help:      "1 when the broker session was ready on the last tick.",
		}),
		lastPublish: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_publish_timestamp_seconds",
			Help:      "Unix time of the last successful publish.",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "temperature_celsius",
			Help:      "Last measured temperature.",
		}),
		humidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "humidity_percent",
			Help:      "Last measured relative humidity.",
		}),
	}

	m.registry.MustRegister(
		m.ticks, m.publishes, m.skipped, m.faults, m.rebuilds,
		m.linkUp, m.sessionReady, m.lastPublish, m.temperature, m.humidity,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Record updates the collectors from a tick report.
func (m *Metrics) Record(r supervisor.Report) {
	m.ticks.Inc()
	m.linkUp.Set(boolGauge(r.Link == link.Ready))
	m.sessionReady.Set(boolGauge(r.Session == session.Usable))

	if r.Sample != nil {
		m.temperature.Set(r.Sample.Temperature)
		m.humidity.Set(r.Sample.Humidity)
	}
	if n := r.Delivered(); n > 0 {
		m.publishes.Add(float64(n))
		m.lastPublish.Set(float64(r.Time.Unix()))
	}
	if r.Outcome.Skipped() {
		m.skipped.WithLabelValues(string(r.Outcome)).Inc()
	}
	if component, kind, ok := faultLabels(r.Err); ok && r.Err != m.lastFault {
		m.faults.WithLabelValues(component, kind).Inc()
		m.lastFault = r.Err
	}
}

// SessionTransition counts session rebuilds. It is meant as the session
// manager's transition hook.
func (m *Metrics) SessionTransition(_, to session.State) {
	if to != session.Ready {
		return
	}
	if m.sessionsOpened > 0 {
		m.rebuilds.Inc()
	}
	m.sessionsOpened++
}

// faultLabels classifies err by the component that raised it.
func faultLabels(err error) (component, kind string, ok bool) {
	if err == nil {
		return "", "", false
	}
	var (
		sf  *sensor.Fault
		lf  *link.Fault
		ssf *session.Fault
		pf  *session.PublishFault
		ef  *payload.EncodeFault
	)
	switch {
	case errors.As(err, &sf):
		return "sensor", sf.Kind.String(), true
	case errors.As(err, &lf):
		return "link", lf.Kind.String(), true
	case errors.As(err, &ssf):
		return "session", ssf.Kind.String(), true
	case errors.As(err, &pf):
		return "publish", pf.Kind.String(), true
	case errors.As(err, &ef):
		return "encode", ef.Kind.String(), true
	}
	return "", "", false
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
