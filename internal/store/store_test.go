// ABOUTME: Shared test helpers and agent persistence tests
// ABOUTME: Covers upsert semantics, lookup, and status-filtered listing

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a SQLite store backed by a temp file that is
// cleaned up with the test.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "muster-test.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }

func timePtr(t time.Time) *time.Time { return &t }

func rawJSON(s string) json.RawMessage { return json.RawMessage(s) }

func TestAgentStore_UpsertAndGet(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	agent := &Agent{
		Name:          "worker-1",
		Status:        AgentIdle,
		LastHeartbeat: time.Now().UTC().Truncate(time.Second),
		Capabilities:  []string{"bash", "python"},
	}
	require.NoError(t, s.UpsertAgent(ctx, agent))

	got, err := s.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", got.Name)
	assert.Equal(t, AgentIdle, got.Status)
	assert.Equal(t, []string{"bash", "python"}, got.Capabilities)
	assert.Nil(t, got.CurrentTaskID)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestAgentStore_UpsertUpdatesExisting(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	agent := &Agent{
		Name:          "worker-1",
		Status:        AgentIdle,
		LastHeartbeat: time.Now().UTC(),
		Capabilities:  []string{},
	}
	require.NoError(t, s.UpsertAgent(ctx, agent))
	created := agent.CreatedAt

	agent.Status = AgentBusy
	agent.CurrentTaskID = strPtr("task-42")
	require.NoError(t, s.UpsertAgent(ctx, agent))

	got, err := s.GetAgent(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, AgentBusy, got.Status)
	require.NotNil(t, got.CurrentTaskID)
	assert.Equal(t, "task-42", *got.CurrentTaskID)
	assert.Equal(t, created.Truncate(time.Second), got.CreatedAt.Truncate(time.Second))
}

func TestAgentStore_GetNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetAgent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentStore_ListFiltersByStatus(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, a := range []*Agent{
		{Name: "a", Status: AgentIdle, LastHeartbeat: time.Now(), Capabilities: []string{}},
		{Name: "b", Status: AgentBusy, LastHeartbeat: time.Now(), Capabilities: []string{}},
		{Name: "c", Status: AgentIdle, LastHeartbeat: time.Now(), Capabilities: []string{}},
	} {
		require.NoError(t, s.UpsertAgent(ctx, a))
	}

	all, err := s.ListAgents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	idle, err := s.ListAgents(ctx, AgentIdle)
	require.NoError(t, err)
	require.Len(t, idle, 2)
	assert.Equal(t, "a", idle[0].Name)
	assert.Equal(t, "c", idle[1].Name)
}
