// ABOUTME: Agent persistence operations for the SQLite store
// ABOUTME: Upsert, lookup, and status-filtered listing over the agents table

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertAgent inserts the agent or replaces its mutable fields if it already
// exists. CreatedAt is preserved on update.
func (s *SQLiteStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}

	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	query := `
		INSERT INTO agents (name, status, current_task_id, last_heartbeat, capabilities_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			last_heartbeat = excluded.last_heartbeat,
			capabilities_json = excluded.capabilities_json,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.Name,
		agent.Status,
		nullString(agent.CurrentTaskID),
		formatTime(agent.LastHeartbeat),
		string(caps),
		formatTime(agent.CreatedAt),
		formatTime(agent.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}

	s.logger.Debug("upserted agent", "name", agent.Name, "status", agent.Status)
	return nil
}

// GetAgent retrieves an agent by name.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, name string) (*Agent, error) {
	query := `
		SELECT name, status, current_task_id, last_heartbeat, capabilities_json, created_at, updated_at
		FROM agents
		WHERE name = ?
	`
	row := s.db.QueryRowContext(ctx, query, name)
	agent, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents, optionally filtered by status.
// Results are ordered by name for stable output.
func (s *SQLiteStore) ListAgents(ctx context.Context, filterStatus string) ([]*Agent, error) {
	query := `
		SELECT name, status, current_task_id, last_heartbeat, capabilities_json, created_at, updated_at
		FROM agents
	`
	var args []any
	if filterStatus != "" {
		query += ` WHERE status = ?`
		args = append(args, filterStatus)
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// scanAgent reads one agents row using the provided scan function.
func scanAgent(scan func(...any) error) (*Agent, error) {
	var agent Agent
	var currentTask sql.NullString
	var heartbeatStr, capsJSON, createdAtStr, updatedAtStr string

	if err := scan(
		&agent.Name,
		&agent.Status,
		&currentTask,
		&heartbeatStr,
		&capsJSON,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	if currentTask.Valid {
		agent.CurrentTaskID = &currentTask.String
	}

	var err error
	agent.LastHeartbeat, err = parseTime(heartbeatStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
	}
	agent.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	agent.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	if err := json.Unmarshal([]byte(capsJSON), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
	}

	return &agent, nil
}
