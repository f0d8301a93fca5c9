package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	broadcasts        prometheus.Counter
	deliveryFailures  prometheus.Counter
	rejections        prometheus.Counter
}

// NewMetrics registers the hub collectors together with the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "privchat",
			Subsystem: "hub",
			Name:      "active_connections",
			Help:      "Live connections currently admitted to the hub.",
		}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "privchat",
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Broadcasts fanned out by the hub.",
		}),
		deliveryFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "privchat",
			Subsystem: "hub",
			Name:      "delivery_failures_total",
			Help:      "Connections dropped because a broadcast could not be delivered.",
		}),
		rejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "privchat",
			Subsystem: "hub",
			Name:      "admission_rejections_total",
			Help:      "Live connections closed during admission.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
