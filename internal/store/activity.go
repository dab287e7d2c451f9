// ABOUTME: Append-only activity log persistence for the SQLite store
// ABOUTME: The audit trail; entries are inserted once and never mutated

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// AppendActivity inserts an activity log entry. There is deliberately no
// update or delete counterpart.
func (s *SQLiteStore) AppendActivity(ctx context.Context, entry *Activity) error {
	var detailJSON any
	if entry.Detail != nil {
		detailJSON = string(entry.Detail)
	}

	query := `
		INSERT INTO activities (id, agent, category, description, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.Agent,
		entry.Category,
		entry.Description,
		detailJSON,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting activity: %w", err)
	}

	s.logger.Debug("appended activity", "id", entry.ID, "agent", entry.Agent, "category", entry.Category)
	return nil
}

// QueryActivities returns activity entries matching the filter, newest first.
func (s *SQLiteStore) QueryActivities(ctx context.Context, filter ActivityFilter) ([]*Activity, error) {
	query := `
		SELECT id, agent, category, description, detail_json, created_at
		FROM activities
	`
	var conds []string
	var args []any

	if filter.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Agent != "" {
		conds = append(conds, "agent = ?")
		args = append(args, filter.Agent)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying activities: %w", err)
	}
	defer rows.Close()

	var entries []*Activity
	for rows.Next() {
		var entry Activity
		var detailJSON sql.NullString
		var createdAtStr string

		if err := rows.Scan(&entry.ID, &entry.Agent, &entry.Category, &entry.Description, &detailJSON, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning activity row: %w", err)
		}
		if detailJSON.Valid {
			entry.Detail = json.RawMessage(detailJSON.String)
		}
		entry.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating activity rows: %w", err)
	}
	return entries, nil
}
