// ABOUTME: Background recovery monitor sweeping for stale agents, stuck
// ABOUTME: tasks, expired requests, and resource conflicts

package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/muster/internal/metrics"
	"github.com/2389/muster/internal/store"
)

// Coordinator is the slice of the lifecycle manager the monitor drives.
type Coordinator interface {
	// FailTask fails a task with the automatic retry still available.
	FailTask(ctx context.Context, taskID, reason string) error
	// ForceFailTask fails a task immediately with no retry.
	ForceFailTask(ctx context.Context, taskID, reason string) error
	MarkAgentOffline(ctx context.Context, agentName, reason string) error
	TimeoutRequest(ctx context.Context, requestID string) error
	CheckConflicts(ctx context.Context, agentNames ...string) ([]*store.Conflict, error)
}

// Options configures sweep cadence and staleness thresholds. Zero values
// select defaults.
type Options struct {
	// Interval is the time between sweeps.
	Interval time.Duration
	// HeartbeatTimeout is how long an agent may go without a heartbeat
	// before it is marked offline.
	HeartbeatTimeout time.Duration
	// TaskTimeout applies to in_progress tasks with no per-task timeout.
	TaskTimeout time.Duration
	// RequestTimeout is how long a permission request may sit pending.
	RequestTimeout time.Duration
}

// Monitor periodically reconciles recorded state with reality. All
// mutations go through the Coordinator so the usual transition rules,
// events, and audit entries apply.
type Monitor struct {
	store  store.Store
	coord  Coordinator
	opts   Options
	logger *slog.Logger
}

// New creates a monitor. Call Run to start sweeping.
func New(st store.Store, coord Coordinator, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 120 * time.Second
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 300 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 600 * time.Second
	}
	return &Monitor{
		store:  st,
		coord:  coord,
		opts:   opts,
		logger: slog.Default().With("component", "recovery"),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("recovery monitor started",
		"interval", m.opts.Interval,
		"heartbeat_timeout", m.opts.HeartbeatTimeout)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("recovery monitor stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep runs one full reconciliation pass. Errors within a pass are logged
// and do not stop the remaining checks.
func (m *Monitor) Sweep(ctx context.Context) {
	metrics.RecoverySweeps.Inc()
	now := time.Now().UTC()

	m.sweepStaleAgents(ctx, now)
	m.sweepStuckTasks(ctx, now)
	m.sweepExpiredRequests(ctx, now)

	if conflicts, err := m.coord.CheckConflicts(ctx); err != nil {
		m.logger.Error("conflict sweep", "error", err)
	} else {
		for range conflicts {
			metrics.RecoveryActions.WithLabelValues("conflict_detected").Inc()
		}
	}
}

// sweepStaleAgents marks agents offline when their heartbeat has lapsed.
// A task held by a stale agent is failed terminally: the agent is gone, so
// re-running the command unattended is not safe.
func (m *Monitor) sweepStaleAgents(ctx context.Context, now time.Time) {
	agents, err := m.store.ListAgents(ctx, "")
	if err != nil {
		m.logger.Error("listing agents", "error", err)
		return
	}

	cutoff := now.Add(-m.opts.HeartbeatTimeout)
	for _, agent := range agents {
		if agent.Status == store.AgentOffline || !agent.LastHeartbeat.Before(cutoff) {
			continue
		}

		stale := now.Sub(agent.LastHeartbeat).Round(time.Second)
		m.logger.Warn("agent heartbeat stale", "agent", agent.Name, "stale_for", stale)

		if agent.CurrentTaskID != nil {
			taskID := *agent.CurrentTaskID
			reason := fmt.Sprintf("agent_unresponsive: %s gave no heartbeat for %s", agent.Name, stale)
			if err := m.coord.ForceFailTask(ctx, taskID, reason); err != nil {
				m.logger.Error("failing orphaned task", "task_id", taskID, "error", err)
			} else {
				metrics.RecoveryActions.WithLabelValues("task_orphaned").Inc()
			}
		}

		reason := fmt.Sprintf("no heartbeat for %s", stale)
		if err := m.coord.MarkAgentOffline(ctx, agent.Name, reason); err != nil {
			m.logger.Error("marking agent offline", "agent", agent.Name, "error", err)
			continue
		}
		metrics.RecoveryActions.WithLabelValues("agent_offline").Inc()
	}
}

// sweepStuckTasks times out in_progress tasks that have exceeded their
// deadline. These go through the retry-aware failure path: a task stuck
// once may well succeed on a fresh attempt.
func (m *Monitor) sweepStuckTasks(ctx context.Context, now time.Time) {
	tasks, err := m.listInProgress(ctx)
	if err != nil {
		m.logger.Error("listing in_progress tasks", "error", err)
		return
	}

	for _, task := range tasks {
		if task.StartedAt == nil {
			continue
		}
		timeout := m.opts.TaskTimeout
		if task.TimeoutSecs > 0 {
			timeout = time.Duration(task.TimeoutSecs) * time.Second
		}
		deadline := task.StartedAt.Add(timeout)
		if now.Before(deadline) {
			continue
		}

		reason := fmt.Sprintf("execution exceeded %s", timeout)
		if err := m.coord.FailTask(ctx, task.ID, reason); err != nil {
			m.logger.Error("timing out task", "task_id", task.ID, "error", err)
			continue
		}
		metrics.RecoveryActions.WithLabelValues("task_timeout").Inc()
		m.logger.Warn("task timed out", "task_id", task.ID, "timeout", timeout)
	}
}

// taskPage matches the store's single-call limit cap.
const taskPage = 1000

// listInProgress pages through every in_progress task. The store answers
// newest first with a capped limit, and the oldest tasks are exactly the
// ones most likely to be stuck.
func (m *Monitor) listInProgress(ctx context.Context) ([]*store.Task, error) {
	var all []*store.Task
	for offset := 0; ; offset += taskPage {
		page, err := m.store.ListTasks(ctx, store.TaskFilter{Status: store.TaskInProgress, Limit: taskPage, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < taskPage {
			return all, nil
		}
	}
}

// sweepExpiredRequests expires permission requests left pending past the
// approval deadline.
func (m *Monitor) sweepExpiredRequests(ctx context.Context, now time.Time) {
	requests, err := m.store.ListPendingRequests(ctx)
	if err != nil {
		m.logger.Error("listing pending requests", "error", err)
		return
	}

	cutoff := now.Add(-m.opts.RequestTimeout)
	for _, req := range requests {
		if !req.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.coord.TimeoutRequest(ctx, req.ID); err != nil {
			m.logger.Error("timing out request", "request_id", req.ID, "error", err)
			continue
		}
		metrics.RecoveryActions.WithLabelValues("request_timeout").Inc()
	}
}
