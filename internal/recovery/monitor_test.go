// ABOUTME: Tests for the recovery monitor's sweep logic using a recording
// ABOUTME: coordinator and a seeded SQLite store

package recovery

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/muster/internal/store"
)

type recordingCoordinator struct {
	mu            sync.Mutex
	failed        map[string]string
	forceFailed   map[string]string
	markedOffline map[string]string
	timedOut      []string
	conflicts     []*store.Conflict
}

func newRecordingCoordinator() *recordingCoordinator {
	return &recordingCoordinator{
		failed:        make(map[string]string),
		forceFailed:   make(map[string]string),
		markedOffline: make(map[string]string),
	}
}

func (c *recordingCoordinator) FailTask(_ context.Context, taskID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[taskID] = reason
	return nil
}

func (c *recordingCoordinator) ForceFailTask(_ context.Context, taskID, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceFailed[taskID] = reason
	return nil
}

func (c *recordingCoordinator) MarkAgentOffline(_ context.Context, agentName, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markedOffline[agentName] = reason
	return nil
}

func (c *recordingCoordinator) TimeoutRequest(_ context.Context, requestID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timedOut = append(c.timedOut, requestID)
	return nil
}

func (c *recordingCoordinator) CheckConflicts(_ context.Context, _ ...string) ([]*store.Conflict, error) {
	return c.conflicts, nil
}

func setupMonitor(t *testing.T) (*Monitor, store.Store, *recordingCoordinator) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "recovery.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	coord := newRecordingCoordinator()
	mon := New(st, coord, Options{
		HeartbeatTimeout: time.Minute,
		TaskTimeout:      time.Minute,
		RequestTimeout:   time.Minute,
	})
	return mon, st, coord
}

func seedAgent(t *testing.T, st store.Store, name string, heartbeat time.Time, taskID *string) {
	t.Helper()
	status := store.AgentIdle
	if taskID != nil {
		status = store.AgentBusy
	}
	require.NoError(t, st.UpsertAgent(context.Background(), &store.Agent{
		Name:          name,
		Status:        status,
		CurrentTaskID: taskID,
		LastHeartbeat: heartbeat,
		Capabilities:  []string{},
	}))
}

func TestSweepMarksStaleAgentsOffline(t *testing.T) {
	mon, st, coord := setupMonitor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedAgent(t, st, "fresh", now, nil)
	seedAgent(t, st, "stale", now.Add(-5*time.Minute), nil)

	mon.Sweep(ctx)

	assert.NotContains(t, coord.markedOffline, "fresh")
	assert.Contains(t, coord.markedOffline, "stale")
}

func TestSweepForceFailsOrphanedTask(t *testing.T) {
	mon, st, coord := setupMonitor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	taskID := "task-1"
	agent := "stale"
	require.NoError(t, st.CreateTask(ctx, &store.Task{
		ID:          taskID,
		Description: "hang",
		Priority:    store.PriorityLow,
		Status:      store.TaskPending,
		Requester:   "ops",
		CreatedAt:   now,
	}))
	agentRef := &agent
	require.NoError(t, st.UpdateTaskStatus(ctx, taskID, store.TaskPending, store.TaskAssigned,
		store.TaskUpdate{AssignedAgent: &agentRef}))
	seedAgent(t, st, agent, now.Add(-5*time.Minute), &taskID)

	mon.Sweep(ctx)

	// Orphaned work goes straight to failed, no retry, with the
	// greppable cause token in the reason.
	assert.Contains(t, coord.forceFailed, taskID)
	assert.Contains(t, coord.forceFailed[taskID], "agent_unresponsive")
	assert.NotContains(t, coord.failed, taskID)
	assert.Contains(t, coord.markedOffline, agent)
}

func TestSweepSkipsAlreadyOfflineAgents(t *testing.T) {
	mon, st, coord := setupMonitor(t)
	ctx := context.Background()

	seedAgent(t, st, "gone", time.Now().UTC().Add(-time.Hour), nil)
	require.NoError(t, func() error {
		agent, err := st.GetAgent(ctx, "gone")
		if err != nil {
			return err
		}
		agent.Status = store.AgentOffline
		return st.UpsertAgent(ctx, agent)
	}())

	mon.Sweep(ctx)

	assert.Empty(t, coord.markedOffline)
}

func TestSweepTimesOutStuckTasks(t *testing.T) {
	mon, st, coord := setupMonitor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mkRunning := func(id string, started time.Time, timeoutSecs int) {
		require.NoError(t, st.CreateTask(ctx, &store.Task{
			ID:          id,
			Description: "work",
			Priority:    store.PriorityLow,
			Status:      store.TaskPending,
			Requester:   "ops",
			TimeoutSecs: timeoutSecs,
			CreatedAt:   now,
		}))
		require.NoError(t, st.UpdateTaskStatus(ctx, id, store.TaskPending, store.TaskAssigned, store.TaskUpdate{}))
		startRef := &started
		require.NoError(t, st.UpdateTaskStatus(ctx, id, store.TaskAssigned, store.TaskInProgress,
			store.TaskUpdate{StartedAt: &startRef}))
	}

	mkRunning("stuck", now.Add(-10*time.Minute), 0)
	mkRunning("running", now.Add(-10*time.Second), 0)
	// Per-task timeout overrides the default.
	mkRunning("slow-allowed", now.Add(-10*time.Minute), 3600)

	mon.Sweep(ctx)

	// Stuck tasks get the retry-aware failure path.
	assert.Contains(t, coord.failed, "stuck")
	assert.NotContains(t, coord.failed, "running")
	assert.NotContains(t, coord.failed, "slow-allowed")
	assert.Empty(t, coord.forceFailed)
}

func TestSweepExpiresPendingRequests(t *testing.T) {
	mon, st, coord := setupMonitor(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mkRequest := func(id string, created time.Time) {
		require.NoError(t, st.CreateRequest(ctx, &store.Request{
			ID:        id,
			Agent:     "alpha",
			Type:      "shell",
			Command:   "ls",
			RiskLevel: store.RiskLow,
			Status:    store.RequestPending,
			CreatedAt: created,
		}))
	}

	mkRequest("old", now.Add(-5*time.Minute))
	mkRequest("new", now)

	mon.Sweep(ctx)

	assert.Equal(t, []string{"old"}, coord.timedOut)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	mon, _, _ := setupMonitor(t)
	mon.opts.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}
