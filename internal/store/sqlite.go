// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema, and provides shared scan helpers

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			name              TEXT PRIMARY KEY,
			status            TEXT NOT NULL,
			current_task_id   TEXT,
			last_heartbeat    TEXT NOT NULL,
			capabilities_json TEXT NOT NULL,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,

			CHECK (status IN ('idle', 'busy', 'error', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS tasks (
			id             TEXT PRIMARY KEY,
			description    TEXT NOT NULL,
			priority       TEXT NOT NULL,
			status         TEXT NOT NULL,
			requester      TEXT NOT NULL,
			assigned_agent TEXT,
			resource       TEXT NOT NULL DEFAULT '',
			result_json    TEXT,
			error          TEXT,
			retry_count    INTEGER NOT NULL DEFAULT 0,
			timeout_secs   INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			started_at     TEXT,
			completed_at   TEXT,

			CHECK (priority IN ('low', 'medium', 'high', 'urgent')),
			CHECK (status IN ('pending', 'assigned', 'in_progress', 'completed', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

		CREATE TABLE IF NOT EXISTS requests (
			id            TEXT PRIMARY KEY,
			agent         TEXT NOT NULL,
			type          TEXT NOT NULL,
			command       TEXT NOT NULL,
			risk_level    TEXT NOT NULL,
			auto_approved INTEGER NOT NULL DEFAULT 0,
			approver      TEXT,
			status        TEXT NOT NULL,
			reason        TEXT,
			metadata_json TEXT,
			created_at    TEXT NOT NULL,
			resolved_at   TEXT,

			CHECK (risk_level IN ('low', 'medium', 'high', 'critical')),
			CHECK (status IN ('pending', 'approved', 'rejected', 'executed', 'timeout', 'execution_failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status);
		CREATE INDEX IF NOT EXISTS idx_requests_agent ON requests(agent);

		CREATE TABLE IF NOT EXISTS activities (
			id          TEXT PRIMARY KEY,
			agent       TEXT NOT NULL,
			category    TEXT NOT NULL,
			description TEXT NOT NULL,
			detail_json TEXT,
			created_at  TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_activities_created ON activities(created_at);
		CREATE INDEX IF NOT EXISTS idx_activities_agent ON activities(agent);

		CREATE TABLE IF NOT EXISTS conflicts (
			id          TEXT PRIMARY KEY,
			agents_json TEXT NOT NULL,
			resource    TEXT NOT NULL,
			resolved    INTEGER NOT NULL DEFAULT 0,
			resolution  TEXT,
			detected_at TEXT NOT NULL,
			resolved_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_conflicts_resolved ON conflicts(resolved);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// formatTime renders a timestamp as RFC3339 UTC text for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// formatNullTime renders a nullable timestamp for storage.
func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseTime parses an RFC3339 timestamp read from storage.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// parseNullTime parses a nullable timestamp column.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString returns nil for empty strings, otherwise the value.
func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
