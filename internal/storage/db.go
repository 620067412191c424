// Package storage keeps call history and known contacts in SQLite.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "calls.db"

// DB wraps the SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return OpenFile(filepath.Join(dir, FileName))
}

// OpenFile opens or creates the database at path.
func OpenFile(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL lets the viewer read history while the call manager writes.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id         TEXT PRIMARY KEY,
			caller_id       TEXT NOT NULL,
			receiver_id     TEXT NOT NULL,
			call_type       TEXT NOT NULL,
			status          TEXT NOT NULL,
			conversation_id TEXT DEFAULT '',
			created_at      INTEGER NOT NULL,
			start_time      INTEGER,
			end_time        INTEGER,
			duration        INTEGER DEFAULT 0,
			failure_reason  TEXT DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS calls_created_at ON calls (created_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	// Migration: add quality column if missing (existing databases)
	db.Exec(`ALTER TABLE calls ADD COLUMN quality TEXT DEFAULT ''`)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			user_id      TEXT PRIMARY KEY,
			display_name TEXT DEFAULT '',
			avatar       TEXT DEFAULT '',
			last_seen    INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create contacts table: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Meta returns a value from the metadata table.
func (d *DB) Meta(ctx context.Context, key string) (string, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SetMeta stores a value in the metadata table.
func (d *DB) SetMeta(ctx context.Context, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
