// Package metrics exposes the bridge's Prometheus collectors. Collectors are
// package-level and registered on the default registry; the health server
// serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentsSeen is the agent count observed by the most recent
	// provisioning cycle.
	AgentsSeen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lettabridge",
		Name:      "agents_seen",
		Help:      "Number of Letta agents observed in the last provisioning cycle.",
	})

	// UsersCreated counts Matrix accounts registered for agents.
	UsersCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lettabridge",
		Name:      "users_created_total",
		Help:      "Matrix user accounts registered for agents.",
	})

	// RoomsCreated counts agent rooms created.
	RoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lettabridge",
		Name:      "rooms_created_total",
		Help:      "Agent chat rooms created.",
	})

	// Renames counts room renames propagated from Letta.
	Renames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lettabridge",
		Name:      "renames_total",
		Help:      "Agent renames propagated to Matrix rooms.",
	})

	// DriftRepairs counts mappings repaired by the drift healer.
	DriftRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lettabridge",
		Name:      "drift_repairs_total",
		Help:      "Agent mappings repaired after Matrix-side drift.",
	})

	// CycleErrors counts per-agent provisioning failures.
	CycleErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lettabridge",
		Name:      "cycle_errors_total",
		Help:      "Per-agent errors across provisioning cycles.",
	})

	// CyclePanics counts recovered panics in the sync loop.
	CyclePanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lettabridge",
		Name:      "cycle_panics_total",
		Help:      "Panics recovered during provisioning cycles.",
	})

	// EventsDeduped counts Matrix events dropped as duplicates.
	EventsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lettabridge",
		Name:      "events_deduped_total",
		Help:      "Matrix events dropped by the dedupe gate.",
	})

	// EventsRouted counts Matrix events forwarded to Letta agents.
	EventsRouted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lettabridge",
		Name:      "events_routed_total",
		Help:      "Matrix messages forwarded to Letta agents.",
	})

	// EventsDropped counts events discarded without routing, labeled by
	// reason.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lettabridge",
		Name:      "events_dropped_total",
		Help:      "Matrix events discarded without routing.",
	}, []string{"reason"})

	// RepliesSent counts agent replies posted back to Matrix.
	RepliesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lettabridge",
		Name:      "replies_sent_total",
		Help:      "Agent replies posted to Matrix rooms.",
	})

	// InterAgentMessages counts mediated agent-to-agent deliveries.
	InterAgentMessages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lettabridge",
		Name:      "inter_agent_messages_total",
		Help:      "Inter-agent messages delivered through the bridge.",
	})
)
