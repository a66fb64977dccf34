// Package sqlite implements the store interfaces on a single SQLite
// database file using the pure-Go modernc driver, so the binary stays
// CGO-free.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	model       TEXT NOT NULL DEFAULT '',
	entry       TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);

CREATE TABLE IF NOT EXISTS monitor_state (
	account_id TEXT PRIMARY KEY,
	cursor     TEXT NOT NULL,
	dedup      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cron_jobs (
	id         TEXT PRIMARY KEY,
	job        TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transcripts (
	session_file TEXT NOT NULL,
	seq          INTEGER NOT NULL,
	message      TEXT NOT NULL,
	PRIMARY KEY (session_file, seq)
);
`

// Open opens (creating if needed) the database and applies the schema.
func Open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time keeps SQLITE_BUSY away under WAL.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// NewSQLiteStores creates the full store set on one database file.
func NewSQLiteStores(path string) (*store.Stores, error) {
	db, err := Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	stores := &store.Stores{
		Sessions:     NewSessionStore(db),
		Transcripts:  NewTranscriptStore(db),
		MonitorState: NewMonitorStateStore(db),
		Cron:         NewCronStore(db),
	}
	return stores.WithCloser(db.Close), nil
}
