// ABOUTME: Authorization request persistence for the SQLite store
// ABOUTME: Create, lookup, pending listing, and compare-and-swap resolution

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// CreateRequest inserts a new authorization request.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *Request) error {
	var metadataJSON any
	if req.Metadata != nil {
		metadataJSON = string(req.Metadata)
	}

	query := `
		INSERT INTO requests (id, agent, type, command, risk_level, auto_approved,
			approver, status, reason, metadata_json, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		req.ID,
		req.Agent,
		req.Type,
		req.Command,
		req.RiskLevel,
		boolToInt(req.AutoApproved),
		nullString(req.Approver),
		req.Status,
		nullString(req.Reason),
		metadataJSON,
		formatTime(req.CreatedAt),
		formatNullTime(req.ResolvedAt),
	)
	if isConstraintViolation(err) {
		return fmt.Errorf("request %s: %w", req.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}

	s.logger.Debug("created request", "id", req.ID, "agent", req.Agent, "risk", req.RiskLevel)
	return nil
}

// GetRequest retrieves a request by ID.
// Returns ErrNotFound if the request doesn't exist.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, requestSelect+` WHERE id = ?`, id)
	req, err := scanRequest(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying request: %w", err)
	}
	return req, nil
}

// ListPendingRequests returns all requests awaiting a decision, oldest first.
func (s *SQLiteStore) ListPendingRequests(ctx context.Context) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, requestSelect+` WHERE status = ? ORDER BY created_at ASC`, RequestPending)
	if err != nil {
		return nil, fmt.Errorf("querying pending requests: %w", err)
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning request row: %w", err)
		}
		reqs = append(reqs, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating request rows: %w", err)
	}
	return reqs, nil
}

// UpdateRequestStatus transitions a request from expect to next with
// compare-and-swap semantics, recording the approver and reason when
// provided. Terminal transitions also set resolved_at.
func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, id, expect, next string, approver, reason *string) error {
	set := "status = ?"
	args := []any{next}

	if approver != nil {
		set += ", approver = ?"
		args = append(args, *approver)
	}
	if reason != nil {
		set += ", reason = ?"
		args = append(args, *reason)
	}
	if RequestTerminal(next) {
		set += ", resolved_at = ?"
		args = append(args, formatTime(time.Now()))
	}
	args = append(args, id, expect)

	result, err := s.db.ExecContext(ctx, "UPDATE requests SET "+set+" WHERE id = ? AND status = ?", args...)
	if err != nil {
		return fmt.Errorf("updating request status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.GetRequest(ctx, id); getErr != nil {
			return getErr
		}
		return ErrConcurrentModification
	}

	s.logger.Debug("request status transition", "id", id, "from", expect, "to", next)
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const requestSelect = `
	SELECT id, agent, type, command, risk_level, auto_approved,
		approver, status, reason, metadata_json, created_at, resolved_at
	FROM requests
`

// scanRequest reads one requests row using the provided scan function.
func scanRequest(scan func(...any) error) (*Request, error) {
	var req Request
	var autoApproved int
	var approver, reason, metadataJSON sql.NullString
	var createdAtStr string
	var resolvedAt sql.NullString

	if err := scan(
		&req.ID,
		&req.Agent,
		&req.Type,
		&req.Command,
		&req.RiskLevel,
		&autoApproved,
		&approver,
		&req.Status,
		&reason,
		&metadataJSON,
		&createdAtStr,
		&resolvedAt,
	); err != nil {
		return nil, err
	}

	req.AutoApproved = autoApproved != 0
	if approver.Valid {
		req.Approver = &approver.String
	}
	if reason.Valid {
		req.Reason = &reason.String
	}
	if metadataJSON.Valid {
		req.Metadata = json.RawMessage(metadataJSON.String)
	}

	var err error
	req.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	req.ResolvedAt, err = parseNullTime(resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing resolved_at: %w", err)
	}

	return &req, nil
}
