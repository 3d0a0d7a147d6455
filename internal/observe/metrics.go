package observe

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tether/internal/domain"
)

// connectionStates are the values the connection gauge can take.
var connectionStates = []string{"disconnected", "connecting", "connected", "ready", "reconnecting"}

// MetricsSink turns events into Prometheus series.
type MetricsSink struct {
	reg *prometheus.Registry

	events     *prometheus.CounterVec
	sessions   prometheus.Gauge
	connection *prometheus.GaugeVec
	reconnects prometheus.Counter
	rejected   prometheus.Counter
	backoff    prometheus.Gauge
}

// NewMetricsSink registers the connector's series on a private registry.
func NewMetricsSink() *MetricsSink {
	m := &MetricsSink{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_events_total",
				Help: "Number of lifecycle events by kind",
			},
			[]string{"kind"},
		),
		sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tether_sessions_ready",
				Help: "Number of sessions currently ready",
			},
		),
		connection: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tether_connection_state",
				Help: "1 for the current connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tether_reconnects_total",
				Help: "Number of scheduled reconnect attempts",
			},
		),
		rejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tether_frames_rejected_total",
				Help: "Number of inbound frames rejected",
			},
		),
		backoff: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tether_reconnect_delay_seconds",
				Help: "Most recent reconnect delay",
			},
		),
	}
	m.reg.MustRegister(m.events, m.sessions, m.connection, m.reconnects, m.rejected, m.backoff)
	return m
}

// Registry exposes the underlying registry.
func (m *MetricsSink) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *MetricsSink) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *MetricsSink) Notify(ev domain.Event) {
	m.events.WithLabelValues(string(ev.Kind)).Inc()
	switch ev.Kind {
	case domain.EventSessionReady:
		m.sessions.Inc()
	case domain.EventSessionEnded:
		// Only sessions that reached Ready were counted.
		if ev.State == domain.SessionReady.String() {
			m.sessions.Dec()
		}
	case domain.EventConnectionState:
		for _, s := range connectionStates {
			v := 0.0
			if s == ev.State {
				v = 1
			}
			m.connection.WithLabelValues(s).Set(v)
		}
	case domain.EventReconnectScheduled:
		m.reconnects.Inc()
		m.backoff.Set(ev.Delay.Seconds())
	case domain.EventFrameRejected:
		m.rejected.Inc()
	}
}

var _ domain.Sink = (*MetricsSink)(nil)
