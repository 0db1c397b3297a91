// Package metrics exposes relay counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshrelay"

// Frame drop reasons.
const (
	DropMalformed = "malformed"
	DropForward   = "forward"
	DropStore     = "store"
	DropNotOwner  = "not_owner"
)

// Federation directions.
const (
	FederationOut     = "out"
	FederationIn      = "in"
	FederationDropped = "dropped"
)

// Metrics holds every collector of one relay instance.
type Metrics struct {
	Registry *prometheus.Registry

	FramesReceived        *prometheus.CounterVec
	FramesSent            *prometheus.CounterVec
	FramesDropped         *prometheus.CounterVec
	UplinkSessions        prometheus.Gauge
	OwnershipTransfers    prometheus.Counter
	ObserverConnections   prometheus.Gauge
	ObserverEventsDropped *prometheus.CounterVec
	FederatedEvents       *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Mesh frames received from uplinks, by message type.",
		}, []string{"type"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Mesh frames written to uplinks, by message type.",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Mesh frames dropped, by reason.",
		}, []string{"reason"}),
		UplinkSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uplink_sessions",
			Help:      "Open uplink connections.",
		}),
		OwnershipTransfers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ownership_transfers_total",
			Help:      "Times a session stepped aside for a newer claim.",
		}),
		ObserverConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_connections",
			Help:      "Open observer connections.",
		}),
		ObserverEventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observer_events_dropped_total",
			Help:      "Audit events dropped for slow observers, by stream.",
		}, []string{"stream"}),
		FederatedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federated_events_total",
			Help:      "Audit events exchanged with peer relays, by direction.",
		}, []string{"direction"}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FramesReceived,
		m.FramesSent,
		m.FramesDropped,
		m.UplinkSessions,
		m.OwnershipTransfers,
		m.ObserverConnections,
		m.ObserverEventsDropped,
		m.FederatedEvents,
	)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
