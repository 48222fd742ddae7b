// Package audit keeps a durable log of activations and safety-gate blocks.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Kind string

const (
	KindClick   Kind = "click"
	KindBlocked Kind = "blocked"
	KindStop    Kind = "stop"
)

type Entry struct {
	ID       int64     `json:"id"`
	RunID    string    `json:"runId"`
	At       time.Time `json:"at"`
	Target   string    `json:"target"`
	Kind     Kind      `json:"kind"`
	Label    string    `json:"label"`
	Category string    `json:"category,omitempty"`
	Rule     string    `json:"rule,omitempty"`
	Pattern  string    `json:"pattern,omitempty"`
	Command  string    `json:"command,omitempty"`
	Away     bool      `json:"away,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id   TEXT NOT NULL,
	at_ms    INTEGER NOT NULL,
	target   TEXT NOT NULL,
	kind     TEXT NOT NULL,
	label    TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	rule     TEXT NOT NULL DEFAULT '',
	pattern  TEXT NOT NULL DEFAULT '',
	command  TEXT NOT NULL DEFAULT '',
	away     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS events_at ON events(at_ms);
`

// Store is a SQLite-backed audit log. A nil *Store accepts every call and
// records nothing.
type Store struct {
	db *sql.DB
}

// Open creates or opens the audit database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("audit dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit pragma: %w", err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Record(ctx context.Context, e Entry) error {
	if s == nil {
		return nil
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	away := 0
	if e.Away {
		away = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, at_ms, target, kind, label, category, rule, pattern, command, away)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.At.UnixMilli(), e.Target, string(e.Kind), e.Label, e.Category, e.Rule, e.Pattern, e.Command, away)
	if err != nil {
		return fmt.Errorf("audit insert: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil {
		return []Entry{}, nil
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, at_ms, target, kind, label, category, rule, pattern, command, away
		 FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var (
			e    Entry
			atMs int64
			kind string
			away int
		)
		if err := rows.Scan(&e.ID, &e.RunID, &atMs, &e.Target, &kind, &e.Label, &e.Category, &e.Rule, &e.Pattern, &e.Command, &away); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		e.At = time.UnixMilli(atMs)
		e.Kind = Kind(kind)
		e.Away = away != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}
