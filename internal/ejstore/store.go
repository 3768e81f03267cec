// Package ejstore implements the persistence contract of spec.md §6.4
// against sqlite, grounded on the teacher's internal/autoralph/db package:
// an embedded-SQL schema string applied with CREATE TABLE IF NOT EXISTS
// and a Tx helper; there are no ALTER TABLE migrations. Status
// monotonicity and dispatched_at/finished_at stamping (spec §3) are
// enforced here, matching the original Rust EjJobDb/EjJobStatus model.
package ejstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the sqlite connection pool backing the dispatcher.
type Store struct {
	conn *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS clients (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS client_permissions (
	client_id TEXT NOT NULL REFERENCES clients(id),
	permission TEXT NOT NULL,
	PRIMARY KEY (client_id, permission)
);

CREATE TABLE IF NOT EXISTS builders (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL REFERENCES clients(id),
	token TEXT NOT NULL,
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS board_configs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL REFERENCES clients(id),
	config_hash TEXT NOT NULL,
	board_name TEXT NOT NULL,
	name TEXT NOT NULL,
	build_script TEXT NOT NULL DEFAULT '',
	run_script TEXT NOT NULL DEFAULT '',
	results_path TEXT NOT NULL DEFAULT '',
	library_path TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	UNIQUE (owner_id, config_hash)
);

CREATE TABLE IF NOT EXISTS board_config_tags (
	board_config_id TEXT NOT NULL REFERENCES board_configs(id),
	tag TEXT NOT NULL,
	PRIMARY KEY (board_config_id, tag)
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	job_type TEXT NOT NULL,
	commit_hash TEXT NOT NULL,
	remote_url TEXT NOT NULL,
	remote_token TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'NotStarted',
	dispatched_at TEXT,
	finished_at TEXT,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS job_logs (
	job_id TEXT NOT NULL REFERENCES jobs(id),
	board_config_id TEXT NOT NULL REFERENCES board_configs(id),
	text TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS job_results (
	job_id TEXT NOT NULL REFERENCES jobs(id),
	board_config_id TEXT NOT NULL REFERENCES board_configs(id),
	text TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, board_config_id)
);
`

// Open creates the directory if needed and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("running schema migration: %w", err)
	}

	return &Store{conn: conn}, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// Tx runs fn within a database transaction, rolling back on error.
func (s *Store) Tx(fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(sqlTx); err != nil {
		sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}
