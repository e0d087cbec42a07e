package storekit

import (
	"context"
	"database/sql"
	"fmt"
)

// ObjectTable is a single-column-key blob table, `<base>(key, value)`,
// keyed by whatever K a KeyCodec[K] encodes (spec.md §9 Design Notes:
// "polymorphism over key types"). It is the generic form of the simple
// keyed stores in this module that don't need a dense-id allocator of
// their own — the chunk object store uses it with TextKeyCodec since
// chunk ids already arrive as opaque external strings.
type ObjectTable[K comparable] struct {
	db    *StorageDb
	table string
	codec KeyCodec[K]
}

// NewObjectTable creates (or opens) an ObjectTable named base on db, with
// its key column typed per codec.ColumnType().
func NewObjectTable[K comparable](ctx context.Context, db *StorageDb, base string, codec KeyCodec[K]) (*ObjectTable[K], error) {
	t := &ObjectTable[K]{db: db, table: TableName(base, ""), codec: codec}
	ddl := `CREATE TABLE IF NOT EXISTS ` + QuotedIdent(t.table) + ` (
		key ` + codec.ColumnType() + ` PRIMARY KEY,
		value TEXT NOT NULL
	)`
	if err := db.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("storekit: create object table %s: %w", t.table, err)
	}
	return t, nil
}

// Put inserts or overwrites the value stored at key.
func (t *ObjectTable[K]) Put(ctx context.Context, key K, value string) error {
	err := t.db.Exec(ctx,
		`INSERT INTO `+QuotedIdent(t.table)+` (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		t.codec.Encode(key), value)
	if err != nil {
		return fmt.Errorf("storekit: object table put: %w", err)
	}
	return nil
}

// Get returns the value stored at key, or "" if absent.
func (t *ObjectTable[K]) Get(ctx context.Context, key K) (string, error) {
	var value string
	err := t.db.DB().QueryRowContext(ctx,
		`SELECT value FROM `+QuotedIdent(t.table)+` WHERE key = ?`, t.codec.Encode(key)).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("storekit: object table get: %w", err)
	}
	return value, nil
}

// Remove deletes the row at key, if any.
func (t *ObjectTable[K]) Remove(ctx context.Context, key K) error {
	if err := t.db.Exec(ctx, `DELETE FROM `+QuotedIdent(t.table)+` WHERE key = ?`, t.codec.Encode(key)); err != nil {
		return fmt.Errorf("storekit: object table remove: %w", err)
	}
	return nil
}

// AllObjects returns every (key, value) pair as a map.
func (t *ObjectTable[K]) AllObjects(ctx context.Context) (map[K]string, error) {
	rows, err := t.db.DB().QueryContext(ctx, `SELECT key, value FROM `+QuotedIdent(t.table))
	if err != nil {
		return nil, fmt.Errorf("storekit: object table scan: %w", err)
	}
	defer rows.Close()

	out := make(map[K]string)
	for rows.Next() {
		var raw any
		var value string
		if err := rows.Scan(&raw, &value); err != nil {
			return nil, fmt.Errorf("storekit: object table scan row: %w", err)
		}
		key, err := t.codec.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("storekit: object table decode key: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// Size returns the row count.
func (t *ObjectTable[K]) Size(ctx context.Context) (int, error) {
	var n int
	err := t.db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM `+QuotedIdent(t.table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storekit: object table count: %w", err)
	}
	return n, nil
}
