package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Routing metrics
	ActionsProposedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_actions_proposed_total",
			Help: "Total number of proposed actions by risk tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// Approval metrics
	ApprovalTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_approval_transitions_total",
			Help: "Total number of audited approval request transitions by kind",
		},
		[]string{"kind"},
	)

	PendingApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_pending_approvals",
			Help: "Number of approval requests awaiting review",
		},
	)

	// Engine metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tether_queue_depth",
			Help: "Number of units waiting in each queue",
		},
		[]string{"queue"},
	)

	TasksRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_tasks_running",
			Help: "Number of units currently executing",
		},
	)

	TaskAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_task_attempts_total",
			Help: "Total number of execution attempts by queue and outcome",
		},
		[]string{"queue", "outcome"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_task_duration_seconds",
			Help:    "Execution attempt latencies in seconds",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"queue"},
	)

	// Watchdog metrics
	AgentRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_agent_restarts_total",
			Help: "Total number of automatic agent restarts",
		},
		[]string{"agent"},
	)

	AgentsHalted = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_agents_halted",
			Help: "Number of agents currently halted",
		},
	)

	// Control metrics
	SystemMode = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tether_system_mode",
			Help: "Current system mode (1 for the active mode)",
		},
		[]string{"mode"},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_notifications_total",
			Help: "Total number of notification deliveries by sink and status",
		},
		[]string{"sink", "status"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

// SetSystemMode marks mode as the only active mode.
func SetSystemMode(mode string) {
	for _, m := range []string{"running", "paused", "stopped"} {
		value := 0.0
		if m == mode {
			value = 1
		}
		SystemMode.WithLabelValues(m).Set(value)
	}
}
