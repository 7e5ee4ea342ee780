package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "boardrelay"

// Metrics holds the relay's Prometheus collectors.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ActiveSessions    prometheus.Gauge
	MessagesReceived  *prometheus.CounterVec // by kind
	MessagesRejected  *prometheus.CounterVec // by error type
	ObjectsAdded      prometheus.Counter
	Broadcasts        prometheus.Counter
	DeliveryFailures  prometheus.Counter
	PersistFailures   prometheus.Counter
	PersistDuration   prometheus.Histogram
}

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// New creates the relay collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of connected board subscribers.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "board",
			Name:      "active_sessions",
			Help:      "Number of board sessions held in memory.",
		}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_received_total",
			Help:      "Inbound client messages by kind.",
		}, []string{"kind"}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_rejected_total",
			Help:      "Inbound client messages rejected, by error type.",
		}, []string{"type"}),
		ObjectsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "board",
			Name:      "objects_added_total",
			Help:      "Accepted ADD_OBJECT mutations.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "broadcasts_total",
			Help:      "OBJECT_ADDED broadcasts issued.",
		}),
		DeliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "delivery_failures_total",
			Help:      "Per-subscriber delivery failures during broadcast.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "persist_failures_total",
			Help:      "Accepted mutations that could not be persisted.",
		}),
		PersistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "persist_duration_seconds",
			Help:      "Time spent appending an object to storage, retries included.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.ActiveConnections,
		m.ActiveSessions,
		m.MessagesReceived,
		m.MessagesRejected,
		m.ObjectsAdded,
		m.Broadcasts,
		m.DeliveryFailures,
		m.PersistFailures,
		m.PersistDuration,
	)
	return m
}

// NewUnregistered returns collectors bound to a throwaway registry. Used by tests.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
