// ABOUTME: Tests for conflict persistence
// ABOUTME: Covers recording, open listing, and explicit resolution

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictStore_RecordAndList(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	conflict := &Conflict{
		ID:         "conf-1",
		Agents:     []string{"worker-1", "worker-2"},
		Resource:   "/api/users",
		DetectedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.RecordConflict(ctx, conflict))

	open, err := s.ListOpenConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, []string{"worker-1", "worker-2"}, open[0].Agents)
	assert.Equal(t, "/api/users", open[0].Resource)
	assert.False(t, open[0].Resolved)
}

func TestConflictStore_Resolve(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordConflict(ctx, &Conflict{
		ID:         "conf-1",
		Agents:     []string{"worker-1", "worker-2"},
		Resource:   "/api/users",
		DetectedAt: time.Now().UTC(),
	}))

	require.NoError(t, s.ResolveConflict(ctx, "conf-1", "worker-2 reassigned"))

	open, err := s.ListOpenConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	got, err := s.GetConflict(ctx, "conf-1")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	require.NotNil(t, got.Resolution)
	assert.Equal(t, "worker-2 reassigned", *got.Resolution)
	assert.NotNil(t, got.ResolvedAt)

	// Double resolution is rejected.
	err = s.ResolveConflict(ctx, "conf-1", "again")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConflictStore_ResolveNotFound(t *testing.T) {
	s := setupTestStore(t)

	err := s.ResolveConflict(context.Background(), "missing", "n/a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConflictStore_GetNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetConflict(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
