package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GossipMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_gossip_messages_total",
			Help: "Total number of gossip packets sent and received",
		},
		[]string{"direction", "type"},
	)

	GossipVersionMismatchTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mesh_gossip_version_mismatch_total",
			Help: "Total number of gossip messages dropped for an incompatible protocol version",
		},
	)

	GossipMembers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mesh_gossip_members",
			Help: "Number of known remote nodes by state",
		},
		[]string{"state"},
	)

	NodeTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_node_transitions_total",
			Help: "Total number of membership transitions",
		},
		[]string{"transition"},
	)

	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_calls_total",
			Help: "Total number of action calls by outcome",
		},
		[]string{"action", "target", "status"},
	)

	CallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mesh_call_duration_seconds",
			Help:    "Duration of action calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action", "target"},
	)

	PendingRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesh_pending_requests",
			Help: "Number of remote requests awaiting a response",
		},
	)

	PendingTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mesh_pending_timeouts_total",
			Help: "Total number of remote requests rejected by the deadline sweep",
		},
	)

	ShedRequestsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mesh_shed_requests_total",
			Help: "Total number of inbound requests refused by a saturated executor",
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_events_total",
			Help: "Total number of event deliveries",
		},
		[]string{"mode", "target"},
	)

	CircuitStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_circuit_state_changes_total",
			Help: "Total number of circuit breaker state changes",
		},
		[]string{"state"},
	)

	DiscoveryOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_discovery_operations_total",
			Help: "Total number of discovery operations performed",
		},
		[]string{"adapter", "operation", "status"},
	)

	DiscoveryPeersFound = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mesh_discovery_peers_found",
			Help: "Number of peers found by discovery",
		},
		[]string{"adapter"},
	)
)

func RecordGossipMessage(direction, packetType string) {
	GossipMessagesTotal.WithLabelValues(direction, packetType).Inc()
}

func RecordShedRequest() {
	ShedRequestsTotal.Inc()
}

func RecordVersionMismatch() {
	GossipVersionMismatchTotal.Inc()
}

func SetMembers(online, offline int) {
	GossipMembers.WithLabelValues("online").Set(float64(online))
	GossipMembers.WithLabelValues("offline").Set(float64(offline))
}

func RecordNodeTransition(transition string) {
	NodeTransitionsTotal.WithLabelValues(transition).Inc()
}

func RecordCall(action, target, status string, seconds float64) {
	CallsTotal.WithLabelValues(action, target, status).Inc()
	CallDuration.WithLabelValues(action, target).Observe(seconds)
}

func SetPendingRequests(count int) {
	PendingRequests.Set(float64(count))
}

func RecordPendingTimeout() {
	PendingTimeoutsTotal.Inc()
}

func RecordEvent(mode, target string) {
	EventsTotal.WithLabelValues(mode, target).Inc()
}

func RecordCircuitStateChange(state string) {
	CircuitStateChangesTotal.WithLabelValues(state).Inc()
}

func RecordDiscoveryOperation(adapter, operation, status string) {
	DiscoveryOperationsTotal.WithLabelValues(adapter, operation, status).Inc()
}

func SetPeersFound(adapter string, count int) {
	DiscoveryPeersFound.WithLabelValues(adapter).Set(float64(count))
}
