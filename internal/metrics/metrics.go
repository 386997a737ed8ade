// Package metrics exposes counters and gauges for the peer manager and
// admin service via github.com/prometheus/client_golang, already part
// of the teacher's own module graph. Every subsystem registers its
// instruments here once, at construction, the same way logging hands
// out one logger per subsystem from a single place.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps a prometheus.Registry with the instruments circuitd
// reports, so packages that need to record something depend on a
// narrow *Registry rather than the global prometheus DefaultRegisterer.
type Registry struct {
	reg *prometheus.Registry

	PeersConnected      prometheus.Gauge
	PeerConnectAttempts  prometheus.Counter
	PeerConnectFailures  prometheus.Counter

	ProposalsSubmitted prometheus.Counter
	ProposalsCommitted prometheus.Counter
	ProposalsAborted   prometheus.Counter
	CircuitsActive     prometheus.Gauge

	DispatchQueueDepth *prometheus.GaugeVec
	DispatchHandlerErrors *prometheus.CounterVec
}

// New constructs a Registry with every instrument registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "circuitd",
			Subsystem: "peer",
			Name:      "connected",
			Help:      "Number of peers currently connected.",
		}),
		PeerConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "circuitd",
			Subsystem: "peer",
			Name:      "connect_attempts_total",
			Help:      "Total outbound connection attempts made by the peer manager.",
		}),
		PeerConnectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "circuitd",
			Subsystem: "peer",
			Name:      "connect_failures_total",
			Help:      "Total outbound connection attempts that failed.",
		}),
		ProposalsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "circuitd",
			Subsystem: "admin",
			Name:      "proposals_submitted_total",
			Help:      "Total circuit management payloads accepted by submit_payload.",
		}),
		ProposalsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "circuitd",
			Subsystem: "admin",
			Name:      "proposals_committed_total",
			Help:      "Total proposals that reached unanimous accept and committed.",
		}),
		ProposalsAborted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "circuitd",
			Subsystem: "admin",
			Name:      "proposals_aborted_total",
			Help:      "Total proposals aborted by a reject vote.",
		}),
		CircuitsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "circuitd",
			Subsystem: "admin",
			Name:      "circuits_active",
			Help:      "Number of circuits currently in the Active state on this node.",
		}),
		DispatchQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "circuitd",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Approximate depth of each dispatcher's inbound queue.",
		}, []string{"dispatcher"}),
		DispatchHandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circuitd",
			Subsystem: "dispatch",
			Name:      "handler_errors_total",
			Help:      "Total handler errors per dispatcher.",
		}, []string{"dispatcher"}),
	}

	reg.MustRegister(
		m.PeersConnected,
		m.PeerConnectAttempts,
		m.PeerConnectFailures,
		m.ProposalsSubmitted,
		m.ProposalsCommitted,
		m.ProposalsAborted,
		m.CircuitsActive,
		m.DispatchQueueDepth,
		m.DispatchHandlerErrors,
	)

	return m
}

// Handler returns an http.Handler serving this Registry in the
// Prometheus text exposition format, for a deployment's
// --metrics_endpoint listener.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
