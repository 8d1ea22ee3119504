// Package db is the optional SQLite journal behind the task registry.
// Every registry mutation is written through, so a server started with the
// same database path reloads its tasks with claim state intact.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	embedsql "github.com/Driftcell/foreach/embed/sql"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// Open opens a SQLite database at the given path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Foreign keys support
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)

	return &DB{DB: db}, nil
}

// Init applies the schema.
func (db *DB) Init(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, embedsql.Schema); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}
