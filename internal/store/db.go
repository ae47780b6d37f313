package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB is the on-device SQLite database. The kv table carries the serialized
// ledger and the device id; the items table is the read-model the UI shows
// and the engine applies optimistic effects to.
type DB struct {
	*sql.DB
	Path string
}

// DefaultDBPath returns ~/.clawsync/clawsync.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".clawsync", "clawsync.db"), nil
}

// Open opens or creates the database file at path and brings its schema
// up to date.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return open(path, path, filePragmas)
}

// OpenMemory opens a private in-memory database, for tests and dry runs.
func OpenMemory() (*DB, error) {
	return open(":memory:", ":memory:", memoryPragmas)
}

var (
	// A ledger write is only acknowledged once it is fsynced.
	filePragmas = []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	memoryPragmas = []string{
		"PRAGMA foreign_keys=ON",
	}
)

func open(dsn, path string, pragmas []string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if dsn == ":memory:" {
		// each pooled connection would see its own empty database
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{DB: sqlDB, Path: path}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}
