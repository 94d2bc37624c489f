package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "probes_total",
			Help:      "Failure-detection probes by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	GossipRoundsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "gossip_rounds_total",
			Help:      "Anti-entropy rounds initiated.",
		},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "messages_total",
			Help:      "Published/forwarded/delivered/duplicate/expired flood messages.",
		},
		[]string{"event"},
	)

	ProtocolViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meridian",
			Name:      "protocol_violations_total",
			Help:      "Frames rejected as protocol violations.",
		},
		[]string{"reason"},
	)

	PeersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meridian",
			Name:      "peers",
			Help:      "Membership view size by peer state.",
		},
		[]string{"state"},
	)

	OpenConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meridian",
			Name:      "open_connections",
			Help:      "Pooled transport connections currently open.",
		},
	)
)

func init() {
	Registry.MustRegister(
		ProbesTotal,
		GossipRoundsTotal,
		MessagesTotal,
		ProtocolViolationsTotal,
		PeersByState,
		OpenConnections,
	)
}

// Handler exposes /metrics for the daemon's scrape endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
