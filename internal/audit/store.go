// Package audit persists an append-only history of remediation attempts and
// operator actions to SQLite. It records what happened; it is not a recovery
// mechanism for in-flight attempt state.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// Store provides database access for the audit log.
type Store struct {
	db *sql.DB
}

// Entry is one audit row: a lifecycle transition or an operator action.
type Entry struct {
	ID        int64     `json:"id"`
	AttemptID string    `json:"attempt_id"`
	Device    string    `json:"device"`
	Interface string    `json:"interface"`
	EventType string    `json:"event_type"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Open opens (or creates) the audit database at the given path, applies
// the recommended pragmas, and ensures the schema exists.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create audit directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// SQLite performs best with a single write connection. WAL enables
	// concurrent readers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS attempt_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			attempt_id TEXT NOT NULL DEFAULT '',
			device TEXT NOT NULL,
			interface TEXT NOT NULL,
			event_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			actor TEXT NOT NULL DEFAULT '',
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempt_audit_timestamp ON attempt_audit_log(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_attempt_audit_device ON attempt_audit_log(device)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply audit schema: %w", err)
		}
	}
	return nil
}

// Insert records one audit entry.
func (s *Store) Insert(ctx context.Context, e *Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempt_audit_log (attempt_id, device, interface, event_type, status, reason, actor, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AttemptID, e.Device, e.Interface, e.EventType, e.Status, e.Reason, e.Actor, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// List returns recent audit entries, newest first, optionally filtered by
// device. Pass an empty device to list all entries.
func (s *Store) List(ctx context.Context, device string, limit int) ([]Entry, error) {
	var query string
	var args []any

	if device != "" {
		query = `SELECT id, attempt_id, device, interface, event_type, status, reason, actor, timestamp
			FROM attempt_audit_log WHERE device = ? ORDER BY timestamp DESC LIMIT ?`
		args = []any{device, limit}
	} else {
		query = `SELECT id, attempt_id, device, interface, event_type, status, reason, actor, timestamp
			FROM attempt_audit_log ORDER BY timestamp DESC LIMIT ?`
		args = []any{limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.Device, &e.Interface,
			&e.EventType, &e.Status, &e.Reason, &e.Actor, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOlderThan removes entries with a timestamp before the given time.
func (s *Store) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM attempt_audit_log WHERE timestamp < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("delete old audit entries: %w", err)
	}
	return result.RowsAffected()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
