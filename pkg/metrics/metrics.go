// Package metrics exposes the engine's counted-not-surfaced conditions:
// overflow, rejection, and overrun are metrics, not errors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	InputsAccepted  prometheus.Counter
	InputsRejected  *prometheus.CounterVec
	BufferDrops     prometheus.Counter
	SubscriberDrops prometheus.Counter
	TickOverruns    prometheus.Counter

	ActiveSessions prometheus.Gauge
	Parameters     prometheus.Gauge

	TickDuration prometheus.Histogram
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		InputsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crowdmix",
			Name:      "inputs_accepted_total",
			Help:      "Audience inputs admitted into the buffer.",
		}),
		InputsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crowdmix",
			Name:      "inputs_rejected_total",
			Help:      "Audience inputs rejected, by reason.",
		}, []string{"reason"}),
		BufferDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crowdmix",
			Name:      "buffer_drops_total",
			Help:      "Oldest-entry evictions from a full input buffer.",
		}),
		SubscriberDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crowdmix",
			Name:      "subscriber_drops_total",
			Help:      "Events dropped on full subscriber queues.",
		}),
		TickOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crowdmix",
			Name:      "tick_overruns_total",
			Help:      "Ticks whose computation exceeded the tick period.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crowdmix",
			Name:      "active_sessions",
			Help:      "Connected audience sessions.",
		}),
		Parameters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crowdmix",
			Name:      "registered_parameters",
			Help:      "Registered consensus parameters.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crowdmix",
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one consensus tick.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		}),
	}
	reg.MustRegister(
		m.InputsAccepted, m.InputsRejected, m.BufferDrops,
		m.SubscriberDrops, m.TickOverruns,
		m.ActiveSessions, m.Parameters, m.TickDuration,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
