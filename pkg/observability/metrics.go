package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Transport metrics
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fightcast_ws_connections",
			Help: "Number of connected participants",
		},
	)

	wsMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fightcast_ws_messages_total",
			Help: "Total number of WebSocket messages received",
		},
		[]string{"type", "status"},
	)

	// Session metrics
	sessionsStartedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fightcast_sessions_started_total",
			Help: "Total number of sessions promoted to running",
		},
		[]string{"mode"},
	)

	sessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fightcast_sessions_live",
			Help: "Number of sessions currently in their trial flow",
		},
	)

	phaseTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fightcast_phase_transitions_total",
			Help: "Total number of phase transitions",
		},
		[]string{"phase", "trigger"},
	)

	// Persistence metrics
	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fightcast_submissions_total",
			Help: "Total number of persisted participant submissions",
		},
		[]string{"kind", "status"},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus collectors.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			wsConnections,
			wsMessagesTotal,
			sessionsStartedTotal,
			sessionsLive,
			phaseTransitionsTotal,
			submissionsTotal,
		)
	})
}

// SetConnections sets the connected-participant gauge.
func SetConnections(count int) {
	wsConnections.Set(float64(count))
}

// RecordMessage records a received WebSocket message.
func RecordMessage(msgType, status string) {
	wsMessagesTotal.WithLabelValues(msgType, status).Inc()
}

// RecordSessionStarted records a session promotion.
func RecordSessionStarted(mode string) {
	sessionsStartedTotal.WithLabelValues(mode).Inc()
}

// SetLiveSessions sets the live-session gauge.
func SetLiveSessions(count int) {
	sessionsLive.Set(float64(count))
}

// RecordPhaseTransition records a phase transition and what caused it
// ("confirmed" or "timeout").
func RecordPhaseTransition(phase, trigger string) {
	phaseTransitionsTotal.WithLabelValues(phase, trigger).Inc()
}

// RecordSubmission records a persisted submission ("trial" or "survey").
func RecordSubmission(kind, status string) {
	submissionsTotal.WithLabelValues(kind, status).Inc()
}
