// ABOUTME: Conflict persistence for the SQLite store
// ABOUTME: Records advisory resource conflicts and their explicit resolution

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// RecordConflict inserts a detected conflict.
func (s *SQLiteStore) RecordConflict(ctx context.Context, conflict *Conflict) error {
	agents, err := json.Marshal(conflict.Agents)
	if err != nil {
		return fmt.Errorf("marshaling agents: %w", err)
	}

	query := `
		INSERT INTO conflicts (id, agents_json, resource, resolved, resolution, detected_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		conflict.ID,
		string(agents),
		conflict.Resource,
		boolToInt(conflict.Resolved),
		nullString(conflict.Resolution),
		formatTime(conflict.DetectedAt),
		formatNullTime(conflict.ResolvedAt),
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("conflict %s: %w", conflict.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting conflict: %w", err)
	}

	s.logger.Debug("recorded conflict", "id", conflict.ID, "resource", conflict.Resource)
	return nil
}

// ResolveConflict marks a conflict resolved with an operator-supplied
// description. Returns ErrNotFound if the conflict doesn't exist or is
// already resolved.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, id, resolution string) error {
	query := `
		UPDATE conflicts
		SET resolved = 1, resolution = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0
	`

	result, err := s.db.ExecContext(ctx, query, resolution, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("resolved conflict", "id", id)
	return nil
}

// GetConflict fetches a conflict by ID.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	query := `
		SELECT id, agents_json, resource, resolved, resolution, detected_at, resolved_at
		FROM conflicts
		WHERE id = ?
	`

	row := s.db.QueryRowContext(ctx, query, id)
	conflict, err := scanConflict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conflict: %w", err)
	}
	return conflict, nil
}

// ListOpenConflicts returns unresolved conflicts, newest first.
func (s *SQLiteStore) ListOpenConflicts(ctx context.Context) ([]*Conflict, error) {
	query := `
		SELECT id, agents_json, resource, resolved, resolution, detected_at, resolved_at
		FROM conflicts
		WHERE resolved = 0
		ORDER BY detected_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		conflict, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning conflict row: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conflict rows: %w", err)
	}
	return conflicts, nil
}

func scanConflict(scan func(...any) error) (*Conflict, error) {
	var c Conflict
	var agentsJSON string
	var resolved int
	var resolution sql.NullString
	var detectedAtStr string
	var resolvedAt sql.NullString

	if err := scan(&c.ID, &agentsJSON, &c.Resource, &resolved, &resolution, &detectedAtStr, &resolvedAt); err != nil {
		return nil, err
	}

	c.Resolved = resolved != 0
	if resolution.Valid {
		c.Resolution = &resolution.String
	}
	if err := json.Unmarshal([]byte(agentsJSON), &c.Agents); err != nil {
		return nil, fmt.Errorf("unmarshaling agents: %w", err)
	}
	var err error
	c.DetectedAt, err = parseTime(detectedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing detected_at: %w", err)
	}
	c.ResolvedAt, err = parseNullTime(resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}
	return &c, nil
}
