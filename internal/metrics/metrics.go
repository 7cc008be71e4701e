// Package metrics declares the prometheus vectors bgpd exposes, covering
// session state, message counts, backlog depth, and hold-timer events. The
// vectors follow this engine's reference material's shape: package-level
// vars, a Register function calling prometheus.MustRegister once at
// startup, and label sets narrow enough to stay low-cardinality per peer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpengine_session_state",
			Help: "Current FSM state as an enum (0=idle,1=connect,2=open-sent,3=open-confirm,4=established).",
		},
		[]string{"neighbor"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpengine_messages_total",
			Help: "Messages sent or received, by type.",
		},
		[]string{"neighbor", "direction", "type"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpengine_notifications_total",
			Help: "NOTIFICATION messages sent or received, by code/subcode.",
		},
		[]string{"neighbor", "direction", "code", "subcode"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpengine_parse_errors_total",
			Help: "Decode failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	BacklogDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpengine_backlog_depth",
			Help: "Outbound messages queued waiting for the peer to read.",
		},
		[]string{"neighbor"},
	)

	BacklogKilledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpengine_backlog_killed_total",
			Help: "Sessions failed due to backlog overflow or stall.",
		},
		[]string{"neighbor", "reason"},
	)

	HoldExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpengine_hold_expired_total",
			Help: "Sessions failed because the negotiated hold time elapsed with no message received.",
		},
		[]string{"neighbor"},
	)

	CapabilityNegotiated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bgpengine_capability_negotiated",
			Help: "Whether a capability ended up negotiated for this session (0/1).",
		},
		[]string{"neighbor", "capability"},
	)

	AuditWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpengine_audit_write_duration_seconds",
			Help:    "Audit DB batch write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	AuditRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpengine_audit_rows_affected_total",
			Help: "Audit rows written.",
		},
		[]string{"table"},
	)

	AuditDedupConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpengine_audit_dedup_conflicts_total",
			Help: "Audit dedup hits (ON CONFLICT DO NOTHING skips).",
		},
		[]string{},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bgpengine_audit_batch_size",
			Help:    "Batch sizes flushed to the audit DB.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
		[]string{},
	)

	DeltaMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bgpengine_delta_messages_total",
			Help: "UPDATE fragments consumed from the delta feed.",
		},
		[]string{"topic"},
	)
)

var registerOnce sync.Once

// Register registers every vector with the default prometheus registry.
// Safe to call more than once; only the first call has any effect.
func Register() {
	registerOnce.Do(doRegister)
}

func doRegister() {
	prometheus.MustRegister(
		SessionState,
		MessagesTotal,
		NotificationsTotal,
		ParseErrorsTotal,
		BacklogDepth,
		BacklogKilledTotal,
		HoldExpiredTotal,
		CapabilityNegotiated,
		AuditWriteDuration,
		AuditRowsAffectedTotal,
		AuditDedupConflictsTotal,
		BatchSize,
		DeltaMessagesTotal,
	)
}
