package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/canto-dev/canto/internal/store"
)

// DB implements store.Store for SQLite (modernc.org/sqlite driver, CGO-free).
// DSN is a filesystem path to the SQLite database file. Use ":memory:" for in-memory.

type DB struct {
	db *sql.DB
}

// New opens a SQLite database at path.
func New(path string) (*DB, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	return &DB{db: d}, nil
}

func (s *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS module_events(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			module TEXT NOT NULL,
			action TEXT NOT NULL,
			pid INTEGER NOT NULL,
			exit_code INTEGER NOT NULL,
			detail TEXT NOT NULL,
			occurred_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_module_events_module ON module_events(module);`,
		`CREATE INDEX IF NOT EXISTS idx_module_events_occurred ON module_events(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) RecordEvent(ctx context.Context, ev store.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_events(module, action, pid, exit_code, detail, occurred_at)
		VALUES(?, ?, ?, ?, ?, ?);`,
		ev.Module, ev.Action, ev.PID, ev.ExitCode, ev.Detail, ev.OccurredAt.UTC())
	return err
}

func (s *DB) RecentEvents(ctx context.Context, moduleName string, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if moduleName == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, module, action, pid, exit_code, detail, occurred_at
			FROM module_events ORDER BY id DESC LIMIT ?;`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, module, action, pid, exit_code, detail, occurred_at
			FROM module_events WHERE module = ? ORDER BY id DESC LIMIT ?;`, moduleName, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []store.Event
	for rows.Next() {
		var ev store.Event
		if err := rows.Scan(&ev.ID, &ev.Module, &ev.Action, &ev.PID, &ev.ExitCode, &ev.Detail, &ev.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
