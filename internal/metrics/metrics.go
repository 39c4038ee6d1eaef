// Package metrics provides Prometheus metrics for the mudgate broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// No session_id or transport_id in labels: unbounded cardinality.

var (
	// Counters

	// FramesReceivedTotal counts decoded client frames by type.
	FramesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mudgate_frames_received_total",
		Help: "Total number of client frames received, by frame type.",
	}, []string{"type"})

	// FramesSentTotal counts server frames by type.
	FramesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mudgate_frames_sent_total",
		Help: "Total number of server frames sent, by frame type.",
	}, []string{"type"})

	// FramesRejectedTotal counts frames rejected before dispatch.
	FramesRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mudgate_frames_rejected_total",
		Help: "Total number of rejected client frames, by reason (malformed/oversized/rate_limited).",
	}, []string{"reason"})

	// TransportClosesTotal counts transport closes by close code.
	TransportClosesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mudgate_transport_closes_total",
		Help: "Total number of transport closes initiated by the server, by close code.",
	}, []string{"code"})

	// SessionsCreatedTotal counts session creations.
	SessionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mudgate_sessions_created_total",
		Help: "Total number of sessions created.",
	})

	// SessionsRecoveredTotal counts successful session recoveries.
	SessionsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mudgate_sessions_recovered_total",
		Help: "Total number of sessions recovered by a reconnecting client.",
	})

	// SessionsRejectedTotal counts rejected attach attempts by reason.
	SessionsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mudgate_sessions_rejected_total",
		Help: "Total number of rejected attach attempts, by reason (owner_mismatch/manual_disconnect/max_sessions).",
	}, []string{"reason"})

	// SessionsEvictedTotal counts session removals by cause.
	SessionsEvictedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mudgate_sessions_evicted_total",
		Help: "Total number of sessions removed, by cause (idle/manual/shutdown).",
	}, []string{"cause"})

	// UpstreamBytesTotal counts bytes exchanged with the MUD by direction.
	UpstreamBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mudgate_upstream_bytes_total",
		Help: "Total bytes exchanged with the upstream MUD, by direction (in/out).",
	}, []string{"direction"})

	// UpstreamConnectsTotal counts upstream dial attempts by result.
	UpstreamConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mudgate_upstream_connects_total",
		Help: "Total upstream dial attempts, by result (ok/unreachable/timeout).",
	}, []string{"result"})

	// SoundEventsTotal counts emitted sound events by action.
	SoundEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mudgate_sound_events_total",
		Help: "Total sound events emitted to clients, by action (play/stop).",
	}, []string{"action"})

	// CommandsDroppedTotal counts commands refused because the pending queue was full.
	CommandsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mudgate_commands_dropped_total",
		Help: "Total commands refused because the pending queue was full.",
	})

	// Gauges

	// ActiveSessions tracks the current number of live sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mudgate_active_sessions",
		Help: "Current number of live sessions.",
	})

	// AttachedTransports tracks the current number of attached transports.
	AttachedTransports = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mudgate_attached_transports",
		Help: "Current number of attached transports across all sessions.",
	})
)
