// Package state is the per-repository local store: extraction checkpoints
// and a shadow copy of the merged event log, kept in SQLite under the
// repository's git directory so it is never committed.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/teammem/internal/event"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    tool        TEXT PRIMARY KEY,
    last_ts     INTEGER NOT NULL,
    cursor      TEXT NOT NULL DEFAULT '',
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    tool        TEXT NOT NULL,
    id          TEXT NOT NULL,
    ts          INTEGER NOT NULL,
    type        TEXT NOT NULL,
    user        TEXT NOT NULL DEFAULT '',
    summary     TEXT NOT NULL DEFAULT '',
    files_json  TEXT NOT NULL DEFAULT '[]',
    PRIMARY KEY (tool, id)
);

CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`

// DBPath is the store location for a repository whose git dir is gitDir.
func DBPath(gitDir string) string {
	return filepath.Join(gitDir, "teammem", "state.db")
}

// Store is the SQLite-backed local store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Checkpoints loads every tool checkpoint.
func (s *Store) Checkpoints(ctx context.Context) (Checkpoints, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool, last_ts, cursor, updated_at FROM checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	cps := Checkpoints{}
	for rows.Next() {
		var cp Checkpoint
		var last, updated int64
		if err := rows.Scan(&cp.Tool, &last, &cp.Cursor, &updated); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.LastTS = fromNanos(last)
		cp.UpdatedAt = fromNanos(updated)
		cps[cp.Tool] = cp
	}
	return cps, rows.Err()
}

// Events loads the shadow event log ordered by (ts, tool, id).
func (s *Store) Events(ctx context.Context) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tool, id, ts, type, user, summary, files_json FROM events`)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var e event.Event
		var ts int64
		var typ, files string
		if err := rows.Scan(&e.Tool, &e.ID, &ts, &typ, &e.User, &e.Summary, &files); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.TS = fromNanos(ts)
		e.Type = event.Type(typ)
		if err := json.Unmarshal([]byte(files), &e.Files); err != nil {
			return nil, fmt.Errorf("decode files for %s/%s: %w", e.Tool, e.ID, err)
		}
		if len(e.Files) == 0 {
			e.Files = nil
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	event.Sort(events)
	return events, nil
}

// Commit replaces the shadow log with log and stores cps, in one
// transaction. Call it only after the documents were persisted.
func (s *Store) Commit(ctx context.Context, cps Checkpoints, log []event.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, cp := range cps {
		updated := cp.UpdatedAt
		if updated.IsZero() {
			updated = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (tool, last_ts, cursor, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(tool) DO UPDATE SET last_ts = excluded.last_ts, cursor = excluded.cursor, updated_at = excluded.updated_at`,
			cp.Tool, toNanos(cp.LastTS), cp.Cursor, toNanos(updated)); err != nil {
			return fmt.Errorf("store checkpoint %s: %w", cp.Tool, err)
		}
	}

	if log != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events`); err != nil {
			return fmt.Errorf("clear events: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (tool, id, ts, type, user, summary, files_json) VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()
		for _, e := range log {
			files, err := json.Marshal(nonNil(e.Files))
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, e.Tool, e.ID, toNanos(e.TS), string(e.Type), e.User, e.Summary, string(files)); err != nil {
				return fmt.Errorf("insert event %s/%s: %w", e.Tool, e.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
