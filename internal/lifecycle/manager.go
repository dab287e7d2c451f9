// ABOUTME: Lifecycle manager construction, agent operations, and the active-task cache
// ABOUTME: Central coordinator owning task and request state transitions

package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/muster/internal/bridge"
	"github.com/2389/muster/internal/bus"
	"github.com/2389/muster/internal/metrics"
	"github.com/2389/muster/internal/rules"
	"github.com/2389/muster/internal/store"
)

// ErrValidation indicates malformed input (bad priority, unknown agent).
// Never retried; surfaced to the caller immediately.
var ErrValidation = errors.New("validation error")

// ErrAgentBusy indicates the agent already holds a non-terminal task.
var ErrAgentBusy = errors.New("agent busy")

// ErrInvalidTransition indicates the entity is not in a state the requested
// transition can start from.
var ErrInvalidTransition = errors.New("invalid transition")

// casAttempts bounds automatic retries of ErrConcurrentModification. No
// other error kind is retried here.
const casAttempts = 3

const casBackoff = 50 * time.Millisecond

// eventSource identifies the manager on the bus.
const eventSource = "lifecycle"

// Manager owns the task and request state machines.
type Manager struct {
	store  store.Store
	bus    *bus.Bus
	bridge *bridge.Bridge
	rules  *rules.Table
	logger *slog.Logger

	defaultTaskTimeout time.Duration

	// activeByAgent is a dispatch-path cache of agent -> non-terminal task
	// ID. The store stays the source of truth; the cache is reconciled on
	// Start and maintained on every mutation.
	mu            sync.Mutex
	activeByAgent map[string]string

	// baseCtx governs background completion watchers.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	watchers   sync.WaitGroup
}

// Options configures the manager.
type Options struct {
	// DefaultTaskTimeout applies to tasks with no per-task timeout.
	DefaultTaskTimeout time.Duration
}

// New creates a manager. Call Start before use.
func New(st store.Store, b *bus.Bus, br *bridge.Bridge, rt *rules.Table, opts Options) *Manager {
	if opts.DefaultTaskTimeout <= 0 {
		opts.DefaultTaskTimeout = 300 * time.Second
	}
	return &Manager{
		store:              st,
		bus:                b,
		bridge:             br,
		rules:              rt,
		logger:             slog.Default().With("component", "lifecycle"),
		defaultTaskTimeout: opts.DefaultTaskTimeout,
		activeByAgent:      make(map[string]string),
	}
}

// Start reconciles the active-task cache against the store and prepares the
// manager for dispatch. Tasks found in_progress from a previous run are left
// for the recovery monitor to time out.
func (m *Manager) Start(ctx context.Context) error {
	m.baseCtx, m.cancelBase = context.WithCancel(ctx)

	active := make(map[string]string)
	for _, status := range []string{store.TaskAssigned, store.TaskInProgress} {
		tasks, err := m.store.ListTasks(ctx, store.TaskFilter{Status: status, Limit: 1000})
		if err != nil {
			return fmt.Errorf("reconciling active tasks: %w", err)
		}
		for _, t := range tasks {
			if t.AssignedAgent != nil {
				active[*t.AssignedAgent] = t.ID
			}
		}
	}

	m.mu.Lock()
	m.activeByAgent = active
	m.mu.Unlock()
	metrics.BusyAgents.Set(float64(len(active)))

	m.logger.Info("lifecycle manager started", "active_tasks", len(active))
	return nil
}

// Stop cancels background completion watchers and waits for them to exit.
func (m *Manager) Stop() {
	if m.cancelBase != nil {
		m.cancelBase()
	}
	m.watchers.Wait()
	m.logger.Info("lifecycle manager stopped")
}

// RegisterAgent creates or refreshes an agent record, idle with a fresh
// heartbeat.
func (m *Manager) RegisterAgent(ctx context.Context, name string, capabilities []string) (*store.Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: agent name is required", ErrValidation)
	}
	if capabilities == nil {
		capabilities = []string{}
	}

	agent := &store.Agent{
		Name:          name,
		Status:        store.AgentIdle,
		LastHeartbeat: time.Now().UTC(),
		Capabilities:  capabilities,
	}
	if existing, err := m.store.GetAgent(ctx, name); err == nil {
		agent.CreatedAt = existing.CreatedAt
		agent.CurrentTaskID = existing.CurrentTaskID
		if existing.CurrentTaskID != nil {
			agent.Status = store.AgentBusy
		}
	}

	if err := m.store.UpsertAgent(ctx, agent); err != nil {
		return nil, err
	}
	m.appendActivity(ctx, name, "agent_registered", fmt.Sprintf("agent %s registered", name), nil)
	return agent, nil
}

// Heartbeat records a liveness signal from an agent. An offline agent that
// heartbeats again comes back as idle (or busy if it still holds a task).
func (m *Manager) Heartbeat(ctx context.Context, agentName string) error {
	agent, err := m.store.GetAgent(ctx, agentName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: unknown agent %q", ErrValidation, agentName)
		}
		return err
	}

	agent.LastHeartbeat = time.Now().UTC()
	if agent.Status == store.AgentOffline {
		if agent.CurrentTaskID != nil {
			agent.Status = store.AgentBusy
		} else {
			agent.Status = store.AgentIdle
		}
	}
	if err := m.store.UpsertAgent(ctx, agent); err != nil {
		return err
	}

	return m.publish(bus.Event{
		Type:    bus.AgentHeartbeat,
		Source:  agentName,
		Payload: map[string]any{"agent": agentName, "status": agent.Status},
	})
}

// MarkAgentOffline force-transitions an agent to offline. Used by the
// recovery monitor; the reason lands in the activity log to keep the audit
// trail complete.
func (m *Manager) MarkAgentOffline(ctx context.Context, agentName, reason string) error {
	agent, err := m.store.GetAgent(ctx, agentName)
	if err != nil {
		return err
	}
	if agent.Status == store.AgentOffline {
		return nil
	}

	agent.Status = store.AgentOffline
	if err := m.store.UpsertAgent(ctx, agent); err != nil {
		return err
	}

	m.appendActivity(ctx, agentName, "agent_offline",
		fmt.Sprintf("agent %s marked offline: %s", agentName, reason),
		mustJSON(map[string]any{"reason": reason}))
	m.logger.Warn("agent marked offline", "agent", agentName, "reason", reason)
	return nil
}

// releaseAgent clears an agent's task assignment after a terminal
// transition, returning it to idle unless it is offline.
func (m *Manager) releaseAgent(ctx context.Context, agentName, taskID string) {
	m.mu.Lock()
	if m.activeByAgent[agentName] == taskID {
		delete(m.activeByAgent, agentName)
		metrics.BusyAgents.Dec()
	}
	m.mu.Unlock()

	agent, err := m.store.GetAgent(ctx, agentName)
	if err != nil {
		m.logger.Warn("releasing unknown agent", "agent", agentName, "error", err)
		return
	}
	if agent.CurrentTaskID == nil || *agent.CurrentTaskID != taskID {
		return
	}
	agent.CurrentTaskID = nil
	if agent.Status == store.AgentBusy {
		agent.Status = store.AgentIdle
	}
	if err := m.store.UpsertAgent(ctx, agent); err != nil {
		m.logger.Error("releasing agent", "agent", agentName, "error", err)
	}
}

// publish sends an event on the bus. A transport failure is logged and
// returned; the store mutation it accompanies has already committed.
func (m *Manager) publish(ev bus.Event) error {
	if err := m.bus.Publish(ev); err != nil {
		m.logger.Error("publishing event", "event_type", ev.Type, "error", err)
		return err
	}
	return nil
}

// appendActivity writes an audit entry. Activity failures are logged, never
// propagated: the audit trail must not turn a successful transition into a
// caller-visible error.
func (m *Manager) appendActivity(ctx context.Context, agent, category, description string, detail json.RawMessage) {
	entry := &store.Activity{
		ID:          uuid.New().String(),
		Agent:       agent,
		Category:    category,
		Description: description,
		Detail:      detail,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.AppendActivity(ctx, entry); err != nil {
		m.logger.Error("appending activity", "category", category, "error", err)
	}
}

// retryCAS runs fn, retrying only ErrConcurrentModification with backoff.
func (m *Manager) retryCAS(fn func() error) error {
	var err error
	for attempt := 0; attempt < casAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, store.ErrConcurrentModification) {
			return err
		}
		time.Sleep(casBackoff * time.Duration(attempt+1))
	}
	return err
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func validPriority(p string) bool {
	switch p {
	case store.PriorityLow, store.PriorityMedium, store.PriorityHigh, store.PriorityUrgent:
		return true
	}
	return false
}
