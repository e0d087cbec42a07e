// Package postings implements KeyValueTable, the one-to-many (keyId ->
// set of valueId) multimap spec.md §4.2 describes: idempotent puts,
// ordered iteration, multi-key union, and group-by-count "hits" queries.
package postings

import (
	"context"
	"strconv"
	"strings"

	cierrors "github.com/chunkyindex/chunky/internal/errors"
	"github.com/chunkyindex/chunky/internal/storekit"
)

// Hit pairs a value with an aggregated score or count.
type Hit struct {
	ValueID int64
	Score   float64
}

// ScoredKey pairs a key with a constant score to propagate to every value
// it maps to, the input shape iterateMultipleScored consumes.
type ScoredKey struct {
	KeyID int64
	Score float64
}

// KeyValueTable is a `<base>_postings(keyId, valueId)` composite-primary-key
// multimap on a shared StorageDb (spec.md §6). Both columns are declared
// INTEGER. TextIndex also takes source ids as int64; the orchestrator maps
// its opaque string chunk ids to dense ids through a StringTable before
// calling TextIndex, so no string id reaches this layer.
type KeyValueTable struct {
	db    *storekit.StorageDb
	table string
}

// New creates (or opens) a KeyValueTable named base on db.
func New(ctx context.Context, db *storekit.StorageDb, base string) (*KeyValueTable, error) {
	t := &KeyValueTable{db: db, table: storekit.TableName(base, "postings")}
	ddl := `CREATE TABLE IF NOT EXISTS ` + storekit.QuotedIdent(t.table) + ` (
		keyId INTEGER NOT NULL,
		valueId INTEGER NOT NULL,
		PRIMARY KEY (keyId, valueId)
	)`
	if err := db.Exec(ctx, ddl); err != nil {
		return nil, cierrors.Fatal("postings: create table "+t.table, err)
	}
	return t, nil
}

// Put inserts (id, v) for each v in values, idempotently.
func (t *KeyValueTable) Put(ctx context.Context, values []int64, id int64) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := t.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return cierrors.DependencyFailure("postings: begin tx", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+storekit.QuotedIdent(t.table)+` (keyId, valueId) VALUES (?, ?) ON CONFLICT DO NOTHING`)
	if err != nil {
		return cierrors.DependencyFailure("postings: prepare insert", err)
	}
	defer stmt.Close()

	for _, v := range values {
		if _, err := stmt.ExecContext(ctx, id, v); err != nil {
			return cierrors.DependencyFailure("postings: insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return cierrors.DependencyFailure("postings: commit", err)
	}
	return nil
}

// Get returns all values for id in ascending order, or nil if none.
func (t *KeyValueTable) Get(ctx context.Context, id int64) ([]int64, error) {
	values, err := t.collect(ctx,
		`SELECT valueId FROM `+storekit.QuotedIdent(t.table)+` WHERE keyId = ? ORDER BY valueId ASC`, id)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

// Iterate returns the same as Get (this package offers no cursor API
// beyond full materialization; callers needing lazy semantics range over
// the returned slice, which is the pattern the engine's sqlite layer uses
// throughout since result sets here are bounded by corpus size).
func (t *KeyValueTable) Iterate(ctx context.Context, id int64) ([]int64, error) {
	return t.Get(ctx, id)
}

// IterateScored pairs every value for id with score.
func (t *KeyValueTable) IterateScored(ctx context.Context, id int64, score float64) ([]Hit, error) {
	values, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(values))
	for i, v := range values {
		hits[i] = Hit{ValueID: v, Score: score}
	}
	return hits, nil
}

// IterateMultiple returns the DISTINCT union of values across ids, in
// ascending value order.
func (t *KeyValueTable) IterateMultiple(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := inPredicate(ids)
	return t.collect(ctx,
		`SELECT DISTINCT valueId FROM `+storekit.QuotedIdent(t.table)+` WHERE keyId IN (`+placeholders+`) ORDER BY valueId ASC`,
		args...)
}

// IterateMultipleScored emits (valueId, sum of scores across all matching
// keys) for each scored key, as a UNION ALL over per-key projections
// grouped by value, per spec.md §4.2.
func (t *KeyValueTable) IterateMultipleScored(ctx context.Context, keys []ScoredKey) ([]Hit, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	var unions []string
	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		unions = append(unions, `SELECT valueId, ? AS score FROM `+storekit.QuotedIdent(t.table)+` WHERE keyId = ?`)
		args = append(args, k.Score, k.KeyID)
	}
	query := `SELECT valueId, SUM(score) FROM (` + strings.Join(unions, " UNION ALL ") + `) GROUP BY valueId`

	rows, err := t.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cierrors.DependencyFailure("postings: iterateMultipleScored", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ValueID, &h.Score); err != nil {
			return nil, cierrors.DependencyFailure("postings: scan scored hit", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// GetHits returns a group-by-count of values across the supplied keys,
// ordered by count descending. join, if non-empty, is ANDed into the WHERE
// clause verbatim (callers are trusted internal code, not external input).
func (t *KeyValueTable) GetHits(ctx context.Context, ids []int64, join string) ([]Hit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders, args := inPredicate(ids)
	query := `SELECT valueId, COUNT(*) c FROM ` + storekit.QuotedIdent(t.table) + ` WHERE keyId IN (` + placeholders + `)`
	if join != "" {
		query += " AND " + join
	}
	query += ` GROUP BY valueId ORDER BY c DESC`

	rows, err := t.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cierrors.DependencyFailure("postings: getHits", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var valueID int64
		var count int64
		if err := rows.Scan(&valueID, &count); err != nil {
			return nil, cierrors.DependencyFailure("postings: scan hit", err)
		}
		hits = append(hits, Hit{ValueID: valueID, Score: float64(count)})
	}
	return hits, rows.Err()
}

// Replace atomically deletes all postings for id, then puts values.
func (t *KeyValueTable) Replace(ctx context.Context, values []int64, id int64) error {
	tx, err := t.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return cierrors.DependencyFailure("postings: begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+storekit.QuotedIdent(t.table)+` WHERE keyId = ?`, id); err != nil {
		return cierrors.DependencyFailure("postings: delete for replace", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO `+storekit.QuotedIdent(t.table)+` (keyId, valueId) VALUES (?, ?) ON CONFLICT DO NOTHING`)
	if err != nil {
		return cierrors.DependencyFailure("postings: prepare replace insert", err)
	}
	defer stmt.Close()
	for _, v := range values {
		if _, err := stmt.ExecContext(ctx, id, v); err != nil {
			return cierrors.DependencyFailure("postings: replace insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return cierrors.DependencyFailure("postings: commit replace", err)
	}
	return nil
}

// Remove removes all postings for id.
func (t *KeyValueTable) Remove(ctx context.Context, id int64) error {
	if err := t.db.Exec(ctx, `DELETE FROM `+storekit.QuotedIdent(t.table)+` WHERE keyId = ?`, id); err != nil {
		return cierrors.DependencyFailure("postings: remove", err)
	}
	return nil
}

// RemoveValues removes the given values from id's posting list; if the
// list becomes empty the row set for id is simply gone (there is no
// separate parent row to prune, per spec.md §4.4 remove semantics: "if the
// list becomes empty, removes the row entirely").
func (t *KeyValueTable) RemoveValues(ctx context.Context, id int64, values []int64) error {
	if len(values) == 0 {
		return nil
	}
	placeholders, args := inPredicate(values)
	query := `DELETE FROM ` + storekit.QuotedIdent(t.table) + ` WHERE keyId = ? AND valueId IN (` + placeholders + `)`
	fullArgs := append([]any{id}, args...)
	if err := t.db.Exec(ctx, query, fullArgs...); err != nil {
		return cierrors.DependencyFailure("postings: removeValues", err)
	}
	return nil
}

func (t *KeyValueTable) collect(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := t.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cierrors.DependencyFailure("postings: query", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			return nil, cierrors.DependencyFailure("postings: scan", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func inPredicate(ids []int64) (string, []any) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return strings.Join(placeholders, ","), args
}

// FormatIDs renders ids as a comma-separated literal list, useful for
// building a custom `join` predicate passed to GetHits.
func FormatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
