// Package storekit provides the column-store primitives shared by every
// table kind in chunkyindex: a single owning SQLite handle, scoped table
// naming, and serializer selection for integer and text primary keys.
package storekit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure Go SQLite driver, no CGO
)

// StorageDb is the single handle that owns a database file. Every table
// (StringTable, KeyValueTable, VectorTable, TemporalTable) holds only a
// reference back into this handle's *sql.DB and prepared statements -- no
// table opens its own connection. Construction opens the file; Close tears
// it down once, for every table sharing it.
type StorageDb struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// Open creates or opens the database file at path, configuring WAL mode and
// a single writer connection so the "single writer slot" in the spec's
// concurrency model is structural rather than advisory. An empty path opens
// an in-memory database, useful for tests.
func Open(path string) (*StorageDb, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storekit: create directory %s: %w", dir, err)
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storekit: open database: %w", err)
	}

	// A single writer connection avoids SQLITE_BUSY contention between
	// goroutines; database/sql then serializes callers for us.
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
			return nil, fmt.Errorf("storekit: set pragma %q: %w", p, err)
		}
	}

	return &StorageDb{db: db, path: path}, nil
}

// DB returns the underlying *sql.DB for table constructors to prepare
// statements against. Tables never close it themselves.
func (s *StorageDb) DB() *sql.DB {
	return s.db
}

// Exec runs a schema or maintenance statement against the owned handle.
func (s *StorageDb) Exec(ctx context.Context, query string, args ...any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// Close releases the database handle. Safe to call more than once.
func (s *StorageDb) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Closed reports whether Close has already run.
func (s *StorageDb) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// ErrClosed is returned by Exec when called after Close. Operations that go
// through DB() get database/sql's own closed-database error instead.
var ErrClosed = fmt.Errorf("storekit: database is closed")

// TableName builds the `<base>_<suffix>` table name the persistence layout
// in spec.md §6 requires, e.g. TableName("keywords", "entries") ->
// "keywords_entries".
func TableName(base, suffix string) string {
	if suffix == "" {
		return base
	}
	return base + "_" + suffix
}

// QuotedIdent escapes a SQLite identifier for use in a statement built by
// string concatenation (table and column names cannot be bound as
// parameters). This is the module's single escape policy -- every table
// constructor routes identifiers through it instead of inlining its own
// quoting.
func QuotedIdent(name string) string {
	escaped := ""
	for _, r := range name {
		if r == '"' {
			escaped += `""`
		} else {
			escaped += string(r)
		}
	}
	return `"` + escaped + `"`
}
