package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call agent
var (
	ActiveCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicecall_active_calls",
		Help: "Number of non-terminal call sessions in this process",
	})
	CallsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_calls_started_total",
		Help: "Call sessions created by local role",
	}, []string{"role"})
	CallTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_call_transitions_total",
		Help: "Call state transitions by target status",
	}, []string{"status"})
	SignalsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_signals_sent_total",
		Help: "Outbound signaling messages by type",
	}, []string{"type"})
	SignalsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_signals_dropped_total",
		Help: "Inbound signaling messages dropped by the router",
	}, []string{"reason"})
	CandidatesQueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicecall_candidates_queued_total",
		Help: "Remote candidates queued until the remote description was set",
	})
)

// Relay hub
var (
	HubConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicecall_hub_connections",
		Help: "Open websocket connections on the relay hub",
	})
	HubForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicecall_hub_forwarded_total",
		Help: "Signaling frames delivered to a receiver connection",
	})
	HubBacklogTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicecall_hub_backlog_total",
		Help: "Backlog events for offline receivers by outcome",
	}, []string{"outcome"})
)
