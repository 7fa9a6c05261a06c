package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Departure causes.
const (
	CauseClosed  = "closed"
	CauseEvicted = "evicted"
	CauseSwept   = "swept"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	Connections     prometheus.Gauge
	OnlineUsers     prometheus.Gauge
	EventsRelayed   *prometheus.CounterVec
	EventsRejected  *prometheus.CounterVec
	MessagesDropped prometheus.Counter
	ReconcileRuns   prometheus.Counter
	Departures      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a fresh registry, so tests can
// build as many as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "schemelive_connections",
			Help: "Open WebSocket connections",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "schemelive_online_users",
			Help: "Users with at least one open connection",
		}),
		EventsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schemelive_events_relayed_total",
			Help: "Client events accepted and relayed, by event",
		}, []string{"event"}),
		EventsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schemelive_events_rejected_total",
			Help: "Client events answered with an error, by event and code",
		}, []string{"event", "code"}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "schemelive_messages_dropped_total",
			Help: "Outbound messages dropped because a send buffer was full",
		}),
		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "schemelive_reconcile_runs_total",
			Help: "Completed reconciler cycles",
		}),
		Departures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "schemelive_departures_total",
			Help: "Users that went offline, by cause",
		}, []string{"cause"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
