package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// openDB opens the SQLite database at path with foreign keys enforced and
// write transactions taking the write lock up front.
//
// In-memory databases are per connection, so the pool is pinned to one.
func openDB(path string) (*sql.DB, error) {
	params := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
	}
	if path != MemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
		params = append(params, "_pragma=journal_mode(WAL)")
	}

	db, err := sql.Open("sqlite", path+"?"+strings.Join(params, "&"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS locations (
		id           TEXT PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		type         TEXT NOT NULL DEFAULT 'warehouse'
		             CHECK(type IN ('warehouse','store','zone','aisle','shelf','bin','virtual')),
		description  TEXT NOT NULL DEFAULT '',
		address      TEXT NOT NULL DEFAULT '',
		is_active    INTEGER NOT NULL DEFAULT 1,
		parent_id    TEXT REFERENCES locations(id),
		cascade_root TEXT NOT NULL DEFAULT '',
		version      INTEGER NOT NULL DEFAULT 1,
		updated_by   TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		CHECK(parent_id IS NULL OR parent_id <> id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_locations_parent ON locations(parent_id)`,
}

// withinTx runs fn in a transaction, committing if it returns nil.
func withinTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
