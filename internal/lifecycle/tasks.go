// ABOUTME: Task state machine operations: create, assign, complete, fail, cancel
// ABOUTME: Includes the per-assignment completion watcher and single-retry policy

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/muster/internal/bridge"
	"github.com/2389/muster/internal/bus"
	"github.com/2389/muster/internal/metrics"
	"github.com/2389/muster/internal/store"
)

// TaskOptions carries optional task attributes.
type TaskOptions struct {
	// Resource is the advisory tag used by conflict detection.
	Resource string
	// TimeoutSecs overrides the default in_progress deadline.
	TimeoutSecs int
}

// CreateTask validates, persists, and announces a new task.
func (m *Manager) CreateTask(ctx context.Context, description, priority, requester string, opts TaskOptions) (*store.Task, error) {
	if description == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if requester == "" {
		return nil, fmt.Errorf("%w: requester is required", ErrValidation)
	}
	if !validPriority(priority) {
		return nil, fmt.Errorf("%w: invalid priority %q", ErrValidation, priority)
	}

	task := &store.Task{
		ID:          uuid.New().String(),
		Description: description,
		Priority:    priority,
		Status:      store.TaskPending,
		Requester:   requester,
		Resource:    opts.Resource,
		TimeoutSecs: opts.TimeoutSecs,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	metrics.TasksCreated.Inc()
	m.appendActivity(ctx, requester, "task_created",
		fmt.Sprintf("task %s created (%s)", task.ID, priority),
		mustJSON(map[string]any{"task_id": task.ID, "priority": priority, "resource": opts.Resource}))
	m.publish(bus.Event{
		Type:    bus.TaskCreated,
		Source:  eventSource,
		Payload: map[string]any{"task_id": task.ID, "priority": priority, "requester": requester},
	})

	m.logger.Info("task created", "task_id", task.ID, "priority", priority, "requester", requester)
	return task, nil
}

// AssignTask hands a pending task to an agent and delivers its command.
// Fails with ErrAgentBusy if the agent already holds a non-terminal task.
func (m *Manager) AssignTask(ctx context.Context, taskID, agentName string) error {
	agent, err := m.store.GetAgent(ctx, agentName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: unknown agent %q", ErrValidation, agentName)
		}
		return err
	}
	if agent.Status == store.AgentOffline {
		return fmt.Errorf("%w: agent %q is offline", ErrValidation, agentName)
	}

	if agent.CurrentTaskID != nil {
		return fmt.Errorf("%w: agent %q already holds task %s", ErrAgentBusy, agentName, *agent.CurrentTaskID)
	}

	// One non-terminal task per agent, no exceptions. The cache entry is
	// the reservation: it is taken before any store write so concurrent
	// assigns for the same agent serialize here, and it is released on
	// every pre-dispatch failure below.
	m.mu.Lock()
	if held, busy := m.activeByAgent[agentName]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: agent %q already holds task %s", ErrAgentBusy, agentName, held)
	}
	m.activeByAgent[agentName] = taskID
	m.mu.Unlock()

	unreserve := func() {
		m.mu.Lock()
		if m.activeByAgent[agentName] == taskID {
			delete(m.activeByAgent, agentName)
		}
		m.mu.Unlock()
	}

	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		unreserve()
		return err
	}
	if task.Status != store.TaskPending {
		unreserve()
		return fmt.Errorf("%w: task %s is %s, not pending", ErrInvalidTransition, taskID, task.Status)
	}

	agentRef := &agentName
	if err := m.store.UpdateTaskStatus(ctx, taskID, store.TaskPending, store.TaskAssigned, store.TaskUpdate{
		AssignedAgent: &agentRef,
	}); err != nil {
		unreserve()
		if errors.Is(err, store.ErrConcurrentModification) {
			return fmt.Errorf("%w: task %s left pending concurrently", ErrInvalidTransition, taskID)
		}
		return err
	}

	metrics.BusyAgents.Inc()

	agent.Status = store.AgentBusy
	agent.CurrentTaskID = &taskID
	if err := m.store.UpsertAgent(ctx, agent); err != nil {
		m.logger.Error("marking agent busy", "agent", agentName, "error", err)
	}

	m.appendActivity(ctx, agentName, "task_assigned",
		fmt.Sprintf("task %s assigned to %s", taskID, agentName),
		mustJSON(map[string]any{"task_id": taskID}))
	m.publish(bus.Event{
		Type:    bus.TaskAssigned,
		Source:  eventSource,
		Payload: map[string]any{"task_id": taskID, "agent": agentName},
	})

	deliveryID, err := m.bridge.Deliver(ctx, agentName, markedCommand(task.Description))
	if err != nil {
		m.logger.Error("command delivery failed", "task_id", taskID, "agent", agentName, "error", err)
		if failErr := m.FailTask(ctx, taskID, fmt.Sprintf("delivery failed: %v", err)); failErr != nil {
			m.logger.Error("failing undelivered task", "task_id", taskID, "error", failErr)
		}
		return fmt.Errorf("delivering task %s: %w", taskID, err)
	}

	now := time.Now().UTC()
	if err := m.store.UpdateTaskStatus(ctx, taskID, store.TaskAssigned, store.TaskInProgress, store.TaskUpdate{
		StartedAt: ptrTime(&now),
	}); err != nil {
		return err
	}

	timeout := m.defaultTaskTimeout
	if task.TimeoutSecs > 0 {
		timeout = time.Duration(task.TimeoutSecs) * time.Second
	}

	m.watchers.Add(1)
	go m.watchCompletion(taskID, agentName, deliveryID, timeout)

	m.logger.Info("task dispatched", "task_id", taskID, "agent", agentName, "delivery_id", deliveryID)
	return nil
}

// markedCommand wraps a task command with a fresh completion marker. The
// marker ID is unique per delivery so a stale marker from an earlier
// attempt in the same session can never complete a retry.
func markedCommand(command string) string {
	markerID := uuid.New().String()
	return fmt.Sprintf(`%s && echo "TASK_DONE %s success" || echo "TASK_DONE %s failure"`,
		command, markerID, markerID)
}

// watchCompletion blocks on the bridge until the delivery resolves, then
// drives the task to its terminal state. Each agent gets its own watcher
// goroutine; agents never block on each other.
func (m *Manager) watchCompletion(taskID, agentName, deliveryID string, timeout time.Duration) {
	defer m.watchers.Done()
	ctx := m.baseCtx

	result, err := m.bridge.AwaitCompletion(ctx, deliveryID, timeout)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown: leave the task in_progress for recovery to sweep.
			return
		}
		m.logger.Error("awaiting completion", "task_id", taskID, "error", err)
		if failErr := m.FailTask(ctx, taskID, fmt.Sprintf("bridge error: %v", err)); failErr != nil {
			m.logger.Error("failing task after bridge error", "task_id", taskID, "error", failErr)
		}
		return
	}

	switch result.Status {
	case bridge.StatusSuccess:
		payload := mustJSON(map[string]any{"output": tail(result.Output, 4000)})
		if err := m.CompleteTask(ctx, taskID, payload); err != nil {
			m.logger.Warn("completion superseded", "task_id", taskID, "agent", agentName, "error", err)
		}
	case bridge.StatusFailure:
		if err := m.FailTask(ctx, taskID, result.Detail); err != nil {
			m.logger.Warn("failure superseded", "task_id", taskID, "error", err)
		}
	case bridge.StatusTimeout:
		if err := m.FailTask(ctx, taskID, result.Detail); err != nil {
			m.logger.Warn("timeout superseded", "task_id", taskID, "error", err)
		}
	}
}

// CompleteTask transitions an in_progress task to completed. A second call
// for the same task fails with ErrInvalidTransition and produces no
// duplicate events or activity entries.
func (m *Manager) CompleteTask(ctx context.Context, taskID string, result json.RawMessage) error {
	return m.retryCAS(func() error {
		task, err := m.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task.Status != store.TaskInProgress {
			return fmt.Errorf("%w: task %s is %s, not in_progress", ErrInvalidTransition, taskID, task.Status)
		}

		now := time.Now().UTC()
		if err := m.store.UpdateTaskStatus(ctx, taskID, store.TaskInProgress, store.TaskCompleted, store.TaskUpdate{
			Result:      &result,
			CompletedAt: ptrTime(&now),
		}); err != nil {
			return err
		}

		if task.AssignedAgent != nil {
			m.releaseAgent(ctx, *task.AssignedAgent, taskID)
		}

		metrics.TasksCompleted.Inc()
		m.appendActivity(ctx, agentOrSystem(task.AssignedAgent), "task_completed",
			fmt.Sprintf("task %s completed", taskID),
			mustJSON(map[string]any{"task_id": taskID}))
		m.publish(bus.Event{
			Type:    bus.TaskCompleted,
			Source:  eventSource,
			Payload: map[string]any{"task_id": taskID, "agent": agentOrSystem(task.AssignedAgent)},
		})

		m.logger.Info("task completed", "task_id", taskID)
		return nil
	})
}

// FailTask records a task failure. The first failure of a task returns it
// to pending for one automatic retry; the second is terminal.
func (m *Manager) FailTask(ctx context.Context, taskID, reason string) error {
	return m.retryCAS(func() error {
		return m.failOnce(ctx, taskID, reason, true)
	})
}

// ForceFailTask fails a task immediately, bypassing the automatic retry.
// Used by the recovery monitor for unresponsive agents and by cancellation.
func (m *Manager) ForceFailTask(ctx context.Context, taskID, reason string) error {
	return m.retryCAS(func() error {
		return m.failOnce(ctx, taskID, reason, false)
	})
}

func (m *Manager) failOnce(ctx context.Context, taskID, reason string, allowRetry bool) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if store.TaskTerminal(task.Status) {
		return fmt.Errorf("%w: task %s already %s", ErrInvalidTransition, taskID, task.Status)
	}

	reasonRef := &reason

	if allowRetry && task.RetryCount == 0 {
		// Single automatic retry: back to pending, assignment and
		// started_at cleared.
		retries := 1
		var noAgent *string
		var noTime *time.Time
		if err := m.store.UpdateTaskStatus(ctx, taskID, task.Status, store.TaskPending, store.TaskUpdate{
			AssignedAgent: &noAgent,
			StartedAt:     &noTime,
			RetryCount:    &retries,
			Error:         &reasonRef,
		}); err != nil {
			return err
		}

		if task.AssignedAgent != nil {
			m.releaseAgent(ctx, *task.AssignedAgent, taskID)
		}
		m.appendActivity(ctx, agentOrSystem(task.AssignedAgent), "task_retried",
			fmt.Sprintf("task %s failed (%s), queued for retry", taskID, reason),
			mustJSON(map[string]any{"task_id": taskID, "reason": reason}))
		m.publish(bus.Event{
			Type:    bus.TaskFailed,
			Source:  eventSource,
			Payload: map[string]any{"task_id": taskID, "reason": reason, "retrying": true},
		})

		m.logger.Warn("task failed, retrying", "task_id", taskID, "reason", reason)
		return nil
	}

	now := time.Now().UTC()
	if err := m.store.UpdateTaskStatus(ctx, taskID, task.Status, store.TaskFailed, store.TaskUpdate{
		Error:       &reasonRef,
		CompletedAt: ptrTime(&now),
	}); err != nil {
		return err
	}

	if task.AssignedAgent != nil {
		m.releaseAgent(ctx, *task.AssignedAgent, taskID)
	}

	metrics.TasksFailed.Inc()
	m.appendActivity(ctx, agentOrSystem(task.AssignedAgent), "task_failed",
		fmt.Sprintf("task %s failed: %s", taskID, reason),
		mustJSON(map[string]any{"task_id": taskID, "reason": reason}))
	m.publish(bus.Event{
		Type:    bus.TaskFailed,
		Source:  eventSource,
		Payload: map[string]any{"task_id": taskID, "reason": reason, "retrying": false},
	})

	m.logger.Warn("task failed", "task_id", taskID, "reason", reason)
	return nil
}

// CancelTask cancels a task on an operator's behalf. Pending and assigned
// tasks are cancelled directly; an in_progress task first gets a
// best-effort interrupt to its agent's session, then is failed with reason
// "cancelled" whether or not the interrupt was acknowledged.
func (m *Manager) CancelTask(ctx context.Context, taskID, operator string) error {
	return m.retryCAS(func() error {
		task, err := m.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if store.TaskTerminal(task.Status) {
			return fmt.Errorf("%w: task %s already %s", ErrInvalidTransition, taskID, task.Status)
		}

		if task.Status == store.TaskInProgress && task.AssignedAgent != nil {
			if err := m.bridge.Interrupt(ctx, *task.AssignedAgent); err != nil {
				m.logger.Warn("interrupt failed, cancelling anyway",
					"task_id", taskID, "agent", *task.AssignedAgent, "error", err)
			}
		}

		reason := "cancelled"
		reasonRef := &reason
		now := time.Now().UTC()
		if err := m.store.UpdateTaskStatus(ctx, taskID, task.Status, store.TaskFailed, store.TaskUpdate{
			Error:       &reasonRef,
			CompletedAt: ptrTime(&now),
		}); err != nil {
			return err
		}

		if task.AssignedAgent != nil {
			m.releaseAgent(ctx, *task.AssignedAgent, taskID)
		}

		metrics.TasksFailed.Inc()
		m.appendActivity(ctx, operator, "task_cancelled",
			fmt.Sprintf("task %s cancelled by %s", taskID, operator),
			mustJSON(map[string]any{"task_id": taskID, "was_status": task.Status}))
		m.publish(bus.Event{
			Type:    bus.TaskFailed,
			Source:  eventSource,
			Payload: map[string]any{"task_id": taskID, "reason": reason, "retrying": false},
		})

		m.logger.Info("task cancelled", "task_id", taskID, "operator", operator)
		return nil
	})
}

func ptrTime(t *time.Time) **time.Time { return &t }

func agentOrSystem(agent *string) string {
	if agent != nil {
		return *agent
	}
	return "system"
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
