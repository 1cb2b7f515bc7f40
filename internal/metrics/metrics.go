// Package metrics holds the Prometheus instrumentation for a broker.
//
// Every Metrics value owns its registry so several brokers can live in one
// process (tests build whole trees in memory).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ddmesh"

// Frame directions used as label values.
const (
	North = "north"
	South = "south"
)

// Metrics is the set of broker collectors.
type Metrics struct {
	registry *prometheus.Registry

	// FramesTotal counts control frames handled by the reactor.
	// Labels: direction, command
	FramesTotal *prometheus.CounterVec

	// DroppedTotal counts frames that were discarded.
	// Labels: reason (malformed, version, unregistered, queue_full)
	DroppedTotal *prometheus.CounterVec

	// RoutedTotal counts SEND/FORWARD routing decisions.
	// Labels: outcome (local, distant, north, nodst, dropped)
	RoutedTotal *prometheus.CounterVec

	// PublicationsTotal counts publications handled, by origin.
	PublicationsTotal *prometheus.CounterVec

	// RegistrationsTotal counts completed and failed handshakes.
	// Labels: kind (client, broker), result (ok, fail)
	RegistrationsTotal *prometheus.CounterVec

	// EvictionsTotal counts entries removed by the timeout supervisor.
	EvictionsTotal *prometheus.CounterVec

	Brokers        prometheus.Gauge
	LocalClients   prometheus.Gauge
	DistantClients prometheus.Gauge
	Subscriptions  prometheus.Gauge

	// State is 0 unregistered, 1 registered, 2 root.
	State prometheus.Gauge
}

// New creates and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Control frames handled by direction and command",
		}, []string{"direction", "command"}),
		DroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Frames discarded by reason",
		}, []string{"reason"}),
		RoutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_total",
			Help:      "Point-to-point routing decisions by outcome",
		}, []string{"outcome"}),
		PublicationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publications_total",
			Help:      "Publications handled by origin",
		}, []string{"origin"}),
		RegistrationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration handshakes by kind and result",
		}, []string{"kind", "result"}),
		EvictionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Entries evicted after missing heartbeats",
		}, []string{"kind"}),
		Brokers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "child_brokers",
			Help:      "Registered child brokers",
		}),
		LocalClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_clients",
			Help:      "Registered local clients",
		}),
		DistantClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "distant_clients",
			Help:      "Clients reachable through child brokers",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscriptions",
			Help:      "Topics in the subscription index",
		}),
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Registration state: 0 unregistered, 1 registered, 2 root",
		}),
	}
	m.registry.MustRegister(
		m.FramesTotal,
		m.DroppedTotal,
		m.RoutedTotal,
		m.PublicationsTotal,
		m.RegistrationsTotal,
		m.EvictionsTotal,
		m.Brokers,
		m.LocalClients,
		m.DistantClients,
		m.Subscriptions,
		m.State,
	)
	return m
}

// Registry exposes the registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Frame records one handled control frame.
func (m *Metrics) Frame(direction, command string) {
	m.FramesTotal.WithLabelValues(direction, command).Inc()
}

// Dropped records one discarded frame.
func (m *Metrics) Dropped(reason string) {
	m.DroppedTotal.WithLabelValues(reason).Inc()
}

// Routed records one routing decision.
func (m *Metrics) Routed(outcome string) {
	m.RoutedTotal.WithLabelValues(outcome).Inc()
}

// Published records one publication.
func (m *Metrics) Published(origin string) {
	m.PublicationsTotal.WithLabelValues(origin).Inc()
}

// Registered records a handshake outcome.
func (m *Metrics) Registered(kind string, ok bool) {
	result := "ok"
	if !ok {
		result = "fail"
	}
	m.RegistrationsTotal.WithLabelValues(kind, result).Inc()
}

// Evicted records one eviction.
func (m *Metrics) Evicted(kind string) {
	m.EvictionsTotal.WithLabelValues(kind).Inc()
}

// SetSizes updates the table gauges.
func (m *Metrics) SetSizes(brokers, local, distant, subscriptions int) {
	m.Brokers.Set(float64(brokers))
	m.LocalClients.Set(float64(local))
	m.DistantClients.Set(float64(distant))
	m.Subscriptions.Set(float64(subscriptions))
}
