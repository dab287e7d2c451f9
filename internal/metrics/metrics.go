// ABOUTME: Prometheus collectors for the coordination core
// ABOUTME: Counters and gauges incremented by the bus, lifecycle, and recovery

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCreated counts tasks created through the lifecycle manager.
	TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "muster_tasks_created_total",
		Help: "Total number of tasks created.",
	})

	// TasksCompleted counts tasks reaching the completed state.
	TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "muster_tasks_completed_total",
		Help: "Total number of tasks completed successfully.",
	})

	// TasksFailed counts terminal task failures (retries excluded).
	TasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "muster_tasks_failed_total",
		Help: "Total number of tasks that ended in the failed state.",
	})

	// EventsPublished counts bus events by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "muster_events_published_total",
		Help: "Total number of events published on the bus.",
	}, []string{"type"})

	// RecoverySweeps counts recovery monitor sweep iterations.
	RecoverySweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "muster_recovery_sweeps_total",
		Help: "Total number of recovery monitor sweeps.",
	})

	// RecoveryActions counts forced transitions by kind.
	RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "muster_recovery_actions_total",
		Help: "Total number of forced transitions applied by the recovery monitor.",
	}, []string{"kind"})

	// BusyAgents tracks the number of agents currently holding a task.
	BusyAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "muster_busy_agents",
		Help: "Number of agents currently assigned a non-terminal task.",
	})
)
