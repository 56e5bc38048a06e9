//go:build cgo

package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // cgo driver, opt-in via build tag
)

// NewSQLiteMetadataStoreCGO opens the document store through the cgo
// mattn/go-sqlite3 driver instead of the default pure-Go modernc.org/sqlite
// build. Same schema and pragmas as NewSQLiteMetadataStore; only the driver
// name and DSN dialect differ, matching the pattern in
// internal/telemetry/store_test.go's setupTestDB.
func NewSQLiteMetadataStoreCGO(path string) (*SQLiteMetadataStore, error) {
	dsn := path
	if path != "" {
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open document store (cgo): %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	s := &SQLiteMetadataStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate document store: %w", err)
	}
	return s, nil
}
