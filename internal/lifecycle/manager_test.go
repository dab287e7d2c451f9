// ABOUTME: Tests for the lifecycle manager over a real store and a scripted
// ABOUTME: session surface: assignment, completion, retry, cancel, requests

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/muster/internal/bridge"
	"github.com/2389/muster/internal/bus"
	"github.com/2389/muster/internal/rules"
	"github.com/2389/muster/internal/store"
)

// scriptedSurface simulates agent terminal sessions. Each session has a
// scripted outcome: "success" and "failure" append a completion marker line
// after submit, "silent" never does.
type scriptedSurface struct {
	mu       sync.Mutex
	sessions map[string]*scriptedSession
}

type scriptedSession struct {
	outcome     string
	buffer      strings.Builder
	pending     string
	interrupted bool
}

var markerIDRe = regexp.MustCompile(`TASK_DONE\s+(\S+)`)

func newScriptedSurface() *scriptedSurface {
	return &scriptedSurface{sessions: make(map[string]*scriptedSession)}
}

func (s *scriptedSurface) addSession(name, outcome string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[name] = &scriptedSession{outcome: outcome}
}

func (s *scriptedSurface) Exists(_ context.Context, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[name]
	return ok
}

func (s *scriptedSurface) WriteText(_ context.Context, name, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return fmt.Errorf("no session %q", name)
	}
	sess.pending = text
	return nil
}

func (s *scriptedSurface) Submit(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return fmt.Errorf("no session %q", name)
	}
	sess.buffer.WriteString("$ " + sess.pending + "\n")
	if sess.outcome != "silent" {
		if match := markerIDRe.FindStringSubmatch(sess.pending); match != nil {
			sess.buffer.WriteString("TASK_DONE " + match[1] + " " + sess.outcome + "\n")
		}
	}
	sess.pending = ""
	return nil
}

func (s *scriptedSurface) ReadBuffer(_ context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return "", fmt.Errorf("no session %q", name)
	}
	return sess.buffer.String(), nil
}

func (s *scriptedSurface) Interrupt(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return fmt.Errorf("no session %q", name)
	}
	sess.interrupted = true
	return nil
}

func (s *scriptedSurface) wasInterrupted(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	return ok && sess.interrupted
}

func writeRulesFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.toml")
	content := `default_risk = "medium"

[[rule]]
request_type = "shell"
pattern = "^ls"
risk = "low"
auto_approve = true

# No request_type: applies to every type. auto_approve is deliberately
# set to prove the critical floor overrides it.
[[rule]]
pattern = "rm -rf"
risk = "critical"
auto_approve = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type testEnv struct {
	mgr     *Manager
	store   store.Store
	surface *scriptedSurface
	bus     *bus.Bus

	mu     sync.Mutex
	events []bus.Event
}

func (e *testEnv) eventTypes() []bus.EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	types := make([]bus.EventType, len(e.events))
	for i, ev := range e.events {
		types[i] = ev.Type
	}
	return types
}

func setupManager(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "muster.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	return setupManagerWith(t, st)
}

func setupManagerWith(t *testing.T, st store.Store) *testEnv {
	t.Helper()

	b := bus.New(nil)
	env := &testEnv{store: st, bus: b, surface: newScriptedSurface()}
	for _, et := range []bus.EventType{
		bus.TaskCreated, bus.TaskAssigned, bus.TaskCompleted, bus.TaskFailed,
		bus.AgentHeartbeat, bus.ConflictDetected, bus.RequestPending, bus.RequestResolved,
	} {
		b.Subscribe(et, func(ev bus.Event) {
			env.mu.Lock()
			env.events = append(env.events, ev)
			env.mu.Unlock()
		})
	}

	br := bridge.New(env.surface, bridge.Options{
		PollInterval:   10 * time.Millisecond,
		DefaultTimeout: 2 * time.Second,
	})

	table, err := rules.Load(writeRulesFile(t))
	require.NoError(t, err)

	env.mgr = New(st, b, br, table, Options{DefaultTaskTimeout: 2 * time.Second})
	require.NoError(t, env.mgr.Start(context.Background()))
	t.Cleanup(env.mgr.Stop)

	return env
}

func registerAgent(t *testing.T, env *testEnv, name, outcome string) {
	t.Helper()
	env.surface.addSession(name, outcome)
	_, err := env.mgr.RegisterAgent(context.Background(), name, []string{"shell"})
	require.NoError(t, err)
}

func waitForTaskStatus(t *testing.T, env *testEnv, taskID, want string) *store.Task {
	t.Helper()
	var task *store.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = env.store.GetTask(context.Background(), taskID)
		return err == nil && task.Status == want
	}, 3*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, want)
	return task
}

func waitForRequestStatus(t *testing.T, env *testEnv, requestID, want string) *store.Request {
	t.Helper()
	var req *store.Request
	require.Eventually(t, func() bool {
		var err error
		req, err = env.store.GetRequest(context.Background(), requestID)
		return err == nil && req.Status == want
	}, 3*time.Second, 10*time.Millisecond, "request %s never reached %s", requestID, want)
	return req
}

func TestRegisterAgent(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	agent, err := env.mgr.RegisterAgent(ctx, "alpha", []string{"shell", "git"})
	require.NoError(t, err)
	assert.Equal(t, store.AgentIdle, agent.Status)
	assert.Equal(t, []string{"shell", "git"}, agent.Capabilities)

	_, err = env.mgr.RegisterAgent(ctx, "", nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestHeartbeatRevivesOfflineAgent(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "success")

	require.NoError(t, env.mgr.MarkAgentOffline(ctx, "alpha", "missed heartbeats"))
	agent, err := env.store.GetAgent(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, store.AgentOffline, agent.Status)

	require.NoError(t, env.mgr.Heartbeat(ctx, "alpha"))
	agent, err = env.store.GetAgent(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, store.AgentIdle, agent.Status)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	env := setupManager(t)
	err := env.mgr.Heartbeat(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateTaskValidation(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	_, err := env.mgr.CreateTask(ctx, "", store.PriorityLow, "ops", TaskOptions{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.mgr.CreateTask(ctx, "echo hi", "whenever", "ops", TaskOptions{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.mgr.CreateTask(ctx, "echo hi", store.PriorityLow, "", TaskOptions{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAssignCompleteRoundTrip(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "success")

	task, err := env.mgr.CreateTask(ctx, "echo hello", store.PriorityMedium, "ops", TaskOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)

	require.NoError(t, env.mgr.AssignTask(ctx, task.ID, "alpha"))

	done := waitForTaskStatus(t, env, task.ID, store.TaskCompleted)
	assert.NotNil(t, done.CompletedAt)
	assert.NotNil(t, done.StartedAt)
	require.NotNil(t, done.AssignedAgent)
	assert.Equal(t, "alpha", *done.AssignedAgent)
	assert.Contains(t, string(done.Result), "output")

	// Agent released back to idle.
	require.Eventually(t, func() bool {
		agent, err := env.store.GetAgent(ctx, "alpha")
		return err == nil && agent.Status == store.AgentIdle && agent.CurrentTaskID == nil
	}, 2*time.Second, 10*time.Millisecond)

	types := env.eventTypes()
	assert.Contains(t, types, bus.TaskCreated)
	assert.Contains(t, types, bus.TaskAssigned)
	assert.Contains(t, types, bus.TaskCompleted)
}

func TestAssignRejectsBusyAgent(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "silent")

	first, err := env.mgr.CreateTask(ctx, "sleep forever", store.PriorityHigh, "ops", TaskOptions{})
	require.NoError(t, err)
	second, err := env.mgr.CreateTask(ctx, "echo hi", store.PriorityLow, "ops", TaskOptions{})
	require.NoError(t, err)

	require.NoError(t, env.mgr.AssignTask(ctx, first.ID, "alpha"))

	err = env.mgr.AssignTask(ctx, second.ID, "alpha")
	assert.ErrorIs(t, err, ErrAgentBusy)

	got, err := env.store.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, got.Status)
}

// slowCASStore stretches the pending->assigned store write so racing
// assigns for the same agent overlap inside it.
type slowCASStore struct {
	store.Store
	delay time.Duration
}

func (s *slowCASStore) UpdateTaskStatus(ctx context.Context, id, expect, next string, update store.TaskUpdate) error {
	if expect == store.TaskPending && next == store.TaskAssigned {
		time.Sleep(s.delay)
	}
	return s.Store.UpdateTaskStatus(ctx, id, expect, next, update)
}

func TestAssignSerializesPerAgent(t *testing.T) {
	sqlite, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "muster.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	env := setupManagerWith(t, &slowCASStore{Store: sqlite, delay: 300 * time.Millisecond})
	ctx := context.Background()
	registerAgent(t, env, "alpha", "silent")

	first, err := env.mgr.CreateTask(ctx, "long job one", store.PriorityHigh, "ops", TaskOptions{})
	require.NoError(t, err)
	second, err := env.mgr.CreateTask(ctx, "long job two", store.PriorityHigh, "ops", TaskOptions{})
	require.NoError(t, err)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			errs[i] = env.mgr.AssignTask(ctx, id, "alpha")
		}(i, id)
	}
	wg.Wait()

	var won, busy int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAgentBusy):
			busy++
		default:
			t.Fatalf("unexpected assign error: %v", err)
		}
	}
	require.Equal(t, 1, won, "exactly one assign may win the agent")
	require.Equal(t, 1, busy, "the loser must see ErrAgentBusy")

	tasks, err := env.store.ListTasks(ctx, store.TaskFilter{Agent: "alpha"})
	require.NoError(t, err)
	held := 0
	for _, task := range tasks {
		if !store.TaskTerminal(task.Status) {
			held++
		}
	}
	assert.Equal(t, 1, held, "agent must hold exactly one non-terminal task")
}

func TestAssignReleasesAgentWhenTaskNotPending(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "success")

	stale, err := env.mgr.CreateTask(ctx, "already finished", store.PriorityLow, "ops", TaskOptions{})
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateTaskStatus(ctx, stale.ID, store.TaskPending, store.TaskFailed, store.TaskUpdate{}))

	err = env.mgr.AssignTask(ctx, stale.ID, "alpha")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// The failed assign must not leave the agent reserved.
	fresh, err := env.mgr.CreateTask(ctx, "echo hi", store.PriorityLow, "ops", TaskOptions{})
	require.NoError(t, err)
	require.NoError(t, env.mgr.AssignTask(ctx, fresh.ID, "alpha"))
}

func TestAssignValidation(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "success")

	task, err := env.mgr.CreateTask(ctx, "echo hi", store.PriorityLow, "ops", TaskOptions{})
	require.NoError(t, err)

	err = env.mgr.AssignTask(ctx, task.ID, "ghost")
	assert.ErrorIs(t, err, ErrValidation)

	require.NoError(t, env.mgr.AssignTask(ctx, task.ID, "alpha"))
	waitForTaskStatus(t, env, task.ID, store.TaskCompleted)

	// Completed tasks cannot be assigned again.
	err = env.mgr.AssignTask(ctx, task.ID, "alpha")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAssignOfflineAgent(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "success")
	require.NoError(t, env.mgr.MarkAgentOffline(ctx, "alpha", "gone"))

	task, err := env.mgr.CreateTask(ctx, "echo hi", store.PriorityLow, "ops", TaskOptions{})
	require.NoError(t, err)

	err = env.mgr.AssignTask(ctx, task.ID, "alpha")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestTaskFailureRetriesOnce(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "failure")

	task, err := env.mgr.CreateTask(ctx, "false", store.PriorityMedium, "ops", TaskOptions{})
	require.NoError(t, err)

	// First failure returns the task to pending with the retry consumed.
	require.NoError(t, env.mgr.AssignTask(ctx, task.ID, "alpha"))
	retried := waitForTaskStatus(t, env, task.ID, store.TaskPending)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Nil(t, retried.AssignedAgent)
	assert.Nil(t, retried.StartedAt)
	require.NotNil(t, retried.Error)

	// Agent must be free again before the retry can be dispatched.
	require.Eventually(t, func() bool {
		agent, err := env.store.GetAgent(ctx, "alpha")
		return err == nil && agent.Status == store.AgentIdle
	}, 2*time.Second, 10*time.Millisecond)

	// Second failure is terminal.
	require.NoError(t, env.mgr.AssignTask(ctx, task.ID, "alpha"))
	failed := waitForTaskStatus(t, env, task.ID, store.TaskFailed)
	assert.Equal(t, 1, failed.RetryCount)
	assert.NotNil(t, failed.CompletedAt)
}

func TestForceFailSkipsRetry(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "silent")

	task, err := env.mgr.CreateTask(ctx, "hang", store.PriorityLow, "ops", TaskOptions{})
	require.NoError(t, err)
	require.NoError(t, env.mgr.AssignTask(ctx, task.ID, "alpha"))
	waitForTaskStatus(t, env, task.ID, store.TaskInProgress)

	require.NoError(t, env.mgr.ForceFailTask(ctx, task.ID, "agent unresponsive"))

	failed, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, failed.Status)
	assert.Equal(t, 0, failed.RetryCount)
}

func TestCompleteTaskIdempotent(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "silent")

	task, err := env.mgr.CreateTask(ctx, "hang", store.PriorityLow, "ops", TaskOptions{})
	require.NoError(t, err)
	require.NoError(t, env.mgr.AssignTask(ctx, task.ID, "alpha"))
	waitForTaskStatus(t, env, task.ID, store.TaskInProgress)

	require.NoError(t, env.mgr.CompleteTask(ctx, task.ID, []byte(`{"output":"done"}`)))

	err = env.mgr.CompleteTask(ctx, task.ID, []byte(`{"output":"again"}`))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskCompleted, got.Status)
	assert.Contains(t, string(got.Result), "done")
}

func TestCancelPendingTask(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	task, err := env.mgr.CreateTask(ctx, "echo hi", store.PriorityLow, "ops", TaskOptions{})
	require.NoError(t, err)

	require.NoError(t, env.mgr.CancelTask(ctx, task.ID, "operator"))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "cancelled", *got.Error)

	err = env.mgr.CancelTask(ctx, task.ID, "operator")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelInProgressInterrupts(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "silent")

	task, err := env.mgr.CreateTask(ctx, "hang", store.PriorityLow, "ops", TaskOptions{})
	require.NoError(t, err)
	require.NoError(t, env.mgr.AssignTask(ctx, task.ID, "alpha"))
	waitForTaskStatus(t, env, task.ID, store.TaskInProgress)

	require.NoError(t, env.mgr.CancelTask(ctx, task.ID, "operator"))

	assert.True(t, env.surface.wasInterrupted("alpha"))
	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskFailed, got.Status)

	agent, err := env.store.GetAgent(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, store.AgentIdle, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)
}

func TestSubmitRequestAutoApproveAndExecute(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "success")

	req, err := env.mgr.SubmitRequest(ctx, "alpha", "shell", "ls -la /tmp", nil)
	require.NoError(t, err)
	assert.Equal(t, store.RiskLow, req.RiskLevel)
	assert.True(t, req.AutoApproved)

	done := waitForRequestStatus(t, env, req.ID, store.RequestExecuted)
	require.NotNil(t, done.Approver)
	assert.Equal(t, "rules", *done.Approver)
	assert.NotNil(t, done.ResolvedAt)
}

func TestSubmitRequestCriticalNeverAutoApproved(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "success")

	req, err := env.mgr.SubmitRequest(ctx, "alpha", "shell", "rm -rf /data", nil)
	require.NoError(t, err)
	assert.Equal(t, store.RiskCritical, req.RiskLevel)
	assert.False(t, req.AutoApproved)
	assert.Equal(t, store.RequestPending, req.Status)
}

func TestApproveRequestExecutesCommand(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "success")

	req, err := env.mgr.SubmitRequest(ctx, "alpha", "shell", "rm -rf /data", nil)
	require.NoError(t, err)

	require.NoError(t, env.mgr.ApproveRequest(ctx, req.ID, "operator"))

	done := waitForRequestStatus(t, env, req.ID, store.RequestExecuted)
	require.NotNil(t, done.Approver)
	assert.Equal(t, "operator", *done.Approver)
}

func TestApprovedExecutionFailureIsDistinct(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "failure")

	req, err := env.mgr.SubmitRequest(ctx, "alpha", "shell", "rm -rf /data", nil)
	require.NoError(t, err)
	require.NoError(t, env.mgr.ApproveRequest(ctx, req.ID, "operator"))

	done := waitForRequestStatus(t, env, req.ID, store.RequestExecutionFailed)
	assert.NotNil(t, done.ResolvedAt)
}

func TestRejectRequest(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "success")

	req, err := env.mgr.SubmitRequest(ctx, "alpha", "shell", "rm -rf /data", nil)
	require.NoError(t, err)

	require.NoError(t, env.mgr.RejectRequest(ctx, req.ID, "operator", "too risky"))

	got, err := env.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestRejected, got.Status)
	require.NotNil(t, got.Reason)
	assert.Equal(t, "too risky", *got.Reason)

	// A resolved request cannot be approved.
	err = env.mgr.ApproveRequest(ctx, req.ID, "operator")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTimeoutRequest(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "success")

	req, err := env.mgr.SubmitRequest(ctx, "alpha", "shell", "rm -rf /data", nil)
	require.NoError(t, err)

	require.NoError(t, env.mgr.TimeoutRequest(ctx, req.ID))

	got, err := env.store.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RequestTimeout, got.Status)

	err = env.mgr.TimeoutRequest(ctx, req.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSubmitRequestValidation(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()

	_, err := env.mgr.SubmitRequest(ctx, "ghost", "shell", "ls", nil)
	assert.ErrorIs(t, err, ErrValidation)

	registerAgent(t, env, "alpha", "success")
	_, err = env.mgr.SubmitRequest(ctx, "alpha", "", "ls", nil)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = env.mgr.SubmitRequest(ctx, "alpha", "shell", "", nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCheckConflicts(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "silent")
	registerAgent(t, env, "beta", "silent")

	t1, err := env.mgr.CreateTask(ctx, "edit config", store.PriorityLow, "ops", TaskOptions{Resource: "config.yaml"})
	require.NoError(t, err)
	t2, err := env.mgr.CreateTask(ctx, "rewrite config", store.PriorityLow, "ops", TaskOptions{Resource: "config.yaml"})
	require.NoError(t, err)

	require.NoError(t, env.mgr.AssignTask(ctx, t1.ID, "alpha"))
	require.NoError(t, env.mgr.AssignTask(ctx, t2.ID, "beta"))

	conflicts, err := env.mgr.CheckConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "config.yaml", conflicts[0].Resource)
	assert.Equal(t, []string{"alpha", "beta"}, conflicts[0].Agents)

	// A resource covered by an open conflict is not reported twice.
	again, err := env.mgr.CheckConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, env.mgr.ResolveConflict(ctx, conflicts[0].ID, "operator", "beta reassigned"))
	open, err := env.store.ListOpenConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCheckConflictsSupersedesWhenTaskFinishes(t *testing.T) {
	env := setupManager(t)
	ctx := context.Background()
	registerAgent(t, env, "alpha", "silent")
	registerAgent(t, env, "beta", "silent")

	t1, err := env.mgr.CreateTask(ctx, "edit schema", store.PriorityLow, "ops", TaskOptions{Resource: "schema.sql"})
	require.NoError(t, err)
	t2, err := env.mgr.CreateTask(ctx, "migrate schema", store.PriorityLow, "ops", TaskOptions{Resource: "schema.sql"})
	require.NoError(t, err)
	require.NoError(t, env.mgr.AssignTask(ctx, t1.ID, "alpha"))
	require.NoError(t, env.mgr.AssignTask(ctx, t2.ID, "beta"))

	conflicts, err := env.mgr.CheckConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	// One claimant finishing drops the resource below contention; the
	// next check closes the conflict without an operator.
	waitForTaskStatus(t, env, t1.ID, store.TaskInProgress)
	require.NoError(t, env.mgr.CompleteTask(ctx, t1.ID, nil))

	again, err := env.mgr.CheckConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	open, err := env.store.ListOpenConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	got, err := env.store.GetConflict(ctx, conflicts[0].ID)
	require.NoError(t, err)
	require.True(t, got.Resolved)
	require.NotNil(t, got.Resolution)
	assert.Contains(t, *got.Resolution, "superseded")
}
