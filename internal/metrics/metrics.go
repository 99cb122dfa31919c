// Package metrics exposes the node's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MutationsTotal counts accepted store mutations by kind.
	MutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "raceflags_mutations_total",
		Help: "Accepted race state mutations by kind.",
	}, []string{"kind"})

	// BroadcastsTotal counts messages fanned out to subscribers.
	BroadcastsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raceflags_broadcasts_total",
		Help: "Messages published to the broadcast hub.",
	})

	// Subscribers gauges the live subscriber count.
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "raceflags_subscribers",
		Help: "Connected real-time subscribers.",
	})

	// PeerLinks gauges the number of live mesh links.
	PeerLinks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "raceflags_peer_links",
		Help: "Live peer sync links, inbound and outbound.",
	})

	// SnapshotsOverwritten counts local sessions replaced by a peer
	// snapshot. Each increment implies locally committed data was
	// discarded.
	SnapshotsOverwritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raceflags_snapshots_overwritten_total",
		Help: "Times local state lost a sync conflict to a peer snapshot.",
	})

	// PersistFailures counts failed durable-store writes.
	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "raceflags_persist_failures_total",
		Help: "Durable snapshot writes that failed.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
