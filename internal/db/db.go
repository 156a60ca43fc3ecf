// Package db provides the SQLite connection and schema for the run ledger.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Run ledger - append-only history of reconciliation runs
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS run_ledger (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			url TEXT,
			checksum TEXT,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_run_ledger_ts ON run_ledger(timestamp);
		CREATE INDEX IF NOT EXISTS idx_run_ledger_type_ts ON run_ledger(event_type, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create run_ledger table: %w", err)
	}

	// One entry per run; a repeated write of the same run is ignored
	_, err = db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_run_ledger_run_id ON run_ledger(run_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create idx_run_ledger_run_id index: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
