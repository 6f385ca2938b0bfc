// Package storage keeps the local call history and the contacts learned from
// it in a SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("storage")

// DB wraps the SQLite database in the data directory.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates calls.db in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "calls.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _calls (
			call_id      TEXT PRIMARY KEY,
			call_type    TEXT NOT NULL,
			direction    TEXT NOT NULL,
			peer_id      TEXT NOT NULL,
			peer_name    TEXT DEFAULT '',
			state        TEXT NOT NULL,
			reason       TEXT DEFAULT '',
			started_at   INTEGER NOT NULL,
			connected_at INTEGER DEFAULT 0,
			ended_at     INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS _calls_started ON _calls(started_at DESC);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create calls table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _contacts (
			peer_id      TEXT PRIMARY KEY,
			display_name TEXT DEFAULT '',
			avatar_url   TEXT DEFAULT '',
			last_call_at INTEGER DEFAULT 0,
			calls        INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create contacts table: %w", err)
	}

	log.Debugf("opened %s", dbPath)
	return &DB{db: db, path: dbPath}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}
