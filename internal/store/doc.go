// ABOUTME: Package documentation for the muster persistence store
// ABOUTME: Describes the Store interface and the SQLite implementation

/*
Package store provides durable persistence for agents, tasks, authorization
requests, activity log entries, and conflicts.

The store is the single source of truth for coordination state. All other
components access it through the narrow Store interface; nothing else in the
system opens its own database connection. Status transitions on tasks and
requests use compare-and-swap semantics: the caller names the status it read,
and the write fails with ErrConcurrentModification if another writer got
there first. This is the only concurrency discipline the rest of the system
relies on, so it lives here and nowhere else.

The SQLite implementation (SQLiteStore) uses modernc.org/sqlite with WAL mode
enabled. Timestamps are stored as RFC3339 text. All queries are parameterized.

Usage:

	s, err := store.NewSQLiteStore("/var/lib/muster/muster.db")
	if err != nil {
	    log.Fatal(err)
	}
	defer s.Close()

	task := &store.Task{ID: uuid.New().String(), Description: "echo hello", ...}
	err = s.CreateTask(ctx, task)
*/
package store
