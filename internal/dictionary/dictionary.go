// Package dictionary implements StringTable, the text ↔ dense-integer-id
// dictionary spec.md §4.1 describes: unique-by-value, insert-or-ignore,
// optional case folding, stable ids that never change once assigned.
package dictionary

import (
	"context"
	"database/sql"
	"strings"

	cierrors "github.com/chunkyindex/chunky/internal/errors"
	"github.com/chunkyindex/chunky/internal/storekit"
)

// Entry is a (textId, value) pair as stored in the dictionary.
type Entry struct {
	ID    int64
	Value string
}

// StringTable is a dictionary mapping unique text values to dense integer
// ids, backed by a `<base>_entries` table on a shared StorageDb (spec.md
// §6). Case folding, if enabled, is applied twice: Add lower-cases the
// value before storing it, and the value column uses COLLATE NOCASE so
// lookups match regardless of casing. GetText therefore returns the
// folded value on a case-insensitive table.
type StringTable struct {
	db            *storekit.StorageDb
	table         string
	caseSensitive bool
}

// New creates (or opens) a StringTable named base on db. caseSensitive
// controls whether value uniqueness and lookup fold case; spec.md §8
// invariant 1 requires getText(add(s).id) == canonicalize(s).
func New(ctx context.Context, db *storekit.StorageDb, base string, caseSensitive bool) (*StringTable, error) {
	t := &StringTable{db: db, table: storekit.TableName(base, "entries"), caseSensitive: caseSensitive}
	collate := ""
	if !caseSensitive {
		collate = " COLLATE NOCASE"
	}
	ddl := `CREATE TABLE IF NOT EXISTS ` + storekit.QuotedIdent(t.table) + ` (
		stringId INTEGER PRIMARY KEY AUTOINCREMENT,
		value TEXT` + collate + ` UNIQUE NOT NULL
	)`
	if err := db.Exec(ctx, ddl); err != nil {
		return nil, cierrors.Fatal("dictionary: create table "+t.table, err)
	}
	return t, nil
}

func (t *StringTable) canonicalize(value string) string {
	if t.caseSensitive {
		return value
	}
	return strings.ToLower(value)
}

// Add inserts canonicalize(value) if absent and returns (id, isNew); on a
// case-insensitive table this stores the lower-cased form, so GetText(id)
// later returns the folded value, not the casing passed to Add. Repeated
// adds of the same value (under the table's case policy) return the same
// id with isNew=false. An empty value is InvalidInput.
func (t *StringTable) Add(ctx context.Context, value string) (int64, bool, error) {
	if value == "" {
		return 0, false, cierrors.InvalidInput("dictionary: value must not be empty")
	}
	canonical := t.canonicalize(value)

	res, err := t.db.DB().ExecContext(ctx,
		`INSERT INTO `+storekit.QuotedIdent(t.table)+` (value) VALUES (?) ON CONFLICT(value) DO NOTHING`,
		canonical)
	if err != nil {
		return 0, false, cierrors.DependencyFailure("dictionary: insert", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, cierrors.DependencyFailure("dictionary: read last insert id", err)
		}
		return id, true, nil
	}

	// Conflict: the canonical value already exists. Point-query for its id.
	id, err := t.getIDRow(ctx, canonical)
	if err != nil {
		return 0, false, err
	}
	return id, false, nil
}

// AddValues is the batch variant of Add: per-element semantics identical to
// Add, with no cross-element atomicity beyond the underlying store.
func (t *StringTable) AddValues(ctx context.Context, values []string) ([]int64, []bool, error) {
	ids := make([]int64, len(values))
	isNew := make([]bool, len(values))
	for i, v := range values {
		id, n, err := t.Add(ctx, v)
		if err != nil {
			return nil, nil, err
		}
		ids[i] = id
		isNew[i] = n
	}
	return ids, isNew, nil
}

func (t *StringTable) getIDRow(ctx context.Context, value string) (int64, error) {
	var id int64
	err := t.db.DB().QueryRowContext(ctx,
		`SELECT stringId FROM `+storekit.QuotedIdent(t.table)+` WHERE value = ?`, value).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, cierrors.New(cierrors.ErrCodeInternal, "dictionary: insert-or-ignore conflicted but no row found for "+value, nil)
	}
	if err != nil {
		return 0, cierrors.DependencyFailure("dictionary: select by value", err)
	}
	return id, nil
}

// Exists reports whether value is present (under the table's case policy).
func (t *StringTable) Exists(ctx context.Context, value string) (bool, error) {
	id, err := t.GetID(ctx, value)
	if err != nil {
		return false, err
	}
	return id != nil, nil
}

// GetID returns the id for value, or nil if absent.
func (t *StringTable) GetID(ctx context.Context, value string) (*int64, error) {
	var id int64
	err := t.db.DB().QueryRowContext(ctx,
		`SELECT stringId FROM `+storekit.QuotedIdent(t.table)+` WHERE value = ?`, value).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cierrors.DependencyFailure("dictionary: select by value", err)
	}
	return &id, nil
}

// GetText returns the stored value for id, or nil if absent.
func (t *StringTable) GetText(ctx context.Context, id int64) (*string, error) {
	var value string
	err := t.db.DB().QueryRowContext(ctx,
		`SELECT value FROM `+storekit.QuotedIdent(t.table)+` WHERE stringId = ?`, id).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cierrors.DependencyFailure("dictionary: select by id", err)
	}
	return &value, nil
}

// GetIDs returns ids for the values that exist; values not present are
// silently omitted. Implemented as a single IN-predicate query.
func (t *StringTable) GetIDs(ctx context.Context, values []string) ([]int64, error) {
	if len(values) == 0 {
		return nil, nil
	}
	args := make([]any, len(values))
	placeholders := make([]string, len(values))
	for i, v := range values {
		args[i] = v
		placeholders[i] = "?"
	}
	rows, err := t.db.DB().QueryContext(ctx,
		`SELECT stringId FROM `+storekit.QuotedIdent(t.table)+` WHERE value IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, cierrors.DependencyFailure("dictionary: select ids by values", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, cierrors.DependencyFailure("dictionary: scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetTexts returns values for the ids that exist; ids not present are
// silently omitted.
func (t *StringTable) GetTexts(ctx context.Context, ids []int64) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	placeholders := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		placeholders[i] = "?"
	}
	rows, err := t.db.DB().QueryContext(ctx,
		`SELECT value FROM `+storekit.QuotedIdent(t.table)+` WHERE stringId IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, cierrors.DependencyFailure("dictionary: select texts by ids", err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, cierrors.DependencyFailure("dictionary: scan text", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// IDs returns all ids in ascending order.
func (t *StringTable) IDs(ctx context.Context) ([]int64, error) {
	rows, err := t.db.DB().QueryContext(ctx,
		`SELECT stringId FROM `+storekit.QuotedIdent(t.table)+` ORDER BY stringId ASC`)
	if err != nil {
		return nil, cierrors.DependencyFailure("dictionary: scan all ids", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, cierrors.DependencyFailure("dictionary: scan id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Values returns all values in ascending id order.
func (t *StringTable) Values(ctx context.Context) ([]string, error) {
	entries, err := t.Entries(ctx)
	if err != nil {
		return nil, err
	}
	values := make([]string, len(entries))
	for i, e := range entries {
		values[i] = e.Value
	}
	return values, nil
}

// Entries returns all (id, value) pairs in ascending id order.
func (t *StringTable) Entries(ctx context.Context) ([]Entry, error) {
	rows, err := t.db.DB().QueryContext(ctx,
		`SELECT stringId, value FROM `+storekit.QuotedIdent(t.table)+` ORDER BY stringId ASC`)
	if err != nil {
		return nil, cierrors.DependencyFailure("dictionary: scan entries", err)
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Value); err != nil {
			return nil, cierrors.DependencyFailure("dictionary: scan entry", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Remove deletes value if present. Dangling references in dependent
// tables (postings, embeddings) are the caller's responsibility, per
// spec.md §4.1.
func (t *StringTable) Remove(ctx context.Context, value string) error {
	if err := t.db.Exec(ctx, `DELETE FROM `+storekit.QuotedIdent(t.table)+` WHERE value = ?`, value); err != nil {
		return cierrors.DependencyFailure("dictionary: remove", err)
	}
	return nil
}
