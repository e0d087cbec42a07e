// Package temporal implements TemporalLog, the append-only log keyed by
// monotonic sequence with a secondary timestamp index that spec.md §4.5
// describes: range scans, oldest/newest windows, and a strictly-increasing
// sortable timestamp string with a tiebreak suffix.
package temporal

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	cierrors "github.com/chunkyindex/chunky/internal/errors"
	"github.com/chunkyindex/chunky/internal/storekit"
)

// Entry is a single (logId, timestamp, dateTime, value) quadruple.
type Entry struct {
	LogID     int64
	Timestamp string
	DateTime  string
	Value     string
}

const timestampLayout = "20060102T150405.000000000"

// Clock returns the current time; overridable in tests so monotonic
// timestamp generation can be exercised deterministically.
type Clock func() time.Time

// Log is a `<base>(logId, timestamp, dateTime, value)` append-only table
// with a secondary index on timestamp (spec.md §6). Timestamp strings are
// generated from Clock and disambiguated with an in-process tiebreak
// counter so two puts in program order are always strictly ordered
// (spec.md §4.5, resolved per SPEC_FULL.md §4.5.G).
type Log struct {
	mu        sync.Mutex
	db        *storekit.StorageDb
	table     string
	now       Clock
	lastStamp string
	tiebreak  int
}

// New creates (or opens) a TemporalLog named base on db.
func New(ctx context.Context, db *storekit.StorageDb, base string) (*Log, error) {
	return newWithClock(ctx, db, base, time.Now)
}

func newWithClock(ctx context.Context, db *storekit.StorageDb, base string, now Clock) (*Log, error) {
	l := &Log{db: db, table: storekit.TableName(base, ""), now: now}
	ddl := `CREATE TABLE IF NOT EXISTS ` + storekit.QuotedIdent(l.table) + ` (
		logId INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		dateTime TEXT NOT NULL,
		value TEXT NOT NULL
	)`
	if err := db.Exec(ctx, ddl); err != nil {
		return nil, cierrors.Fatal("temporal: create table "+l.table, err)
	}
	idx := `CREATE INDEX IF NOT EXISTS ` + storekit.QuotedIdent(l.table+"_timestamp_idx") +
		` ON ` + storekit.QuotedIdent(l.table) + ` (timestamp)`
	if err := db.Exec(ctx, idx); err != nil {
		return nil, cierrors.Fatal("temporal: create timestamp index for "+l.table, err)
	}
	return l, nil
}

// nextTimestamp returns a canonical sortable timestamp string, strictly
// greater than the previous one returned by this Log instance. If the
// formatted instant does not strictly exceed the last one (clock
// resolution or same-millisecond recurrence), a "-NNNN" tiebreak suffix is
// appended; the counter resets to zero on Clear.
func (l *Log) nextTimestamp() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	candidate := l.now().UTC().Format(timestampLayout)
	if candidate > l.lastStamp {
		l.lastStamp = candidate
		l.tiebreak = 0
		return candidate
	}
	l.tiebreak++
	stamped := fmt.Sprintf("%s-%04d", l.lastStamp, l.tiebreak)
	l.lastStamp = stamped
	return stamped
}

// Put appends value, auto-assigning logId. If ts is the zero time, the
// clock-generated monotonic timestamp is used instead.
func (l *Log) Put(ctx context.Context, value string, ts time.Time) (int64, error) {
	timestamp := ""
	if ts.IsZero() {
		timestamp = l.nextTimestamp()
	} else {
		timestamp = ts.UTC().Format(timestampLayout)
	}
	dateTime := time.Now().UTC().Format(time.RFC3339Nano)
	if !ts.IsZero() {
		dateTime = ts.UTC().Format(time.RFC3339Nano)
	}

	res, err := l.db.DB().ExecContext(ctx,
		`INSERT INTO `+storekit.QuotedIdent(l.table)+` (timestamp, dateTime, value) VALUES (?, ?, ?)`,
		timestamp, dateTime, value)
	if err != nil {
		return 0, cierrors.DependencyFailure("temporal: insert", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, cierrors.DependencyFailure("temporal: read last insert id", err)
	}
	return id, nil
}

// AddSync is the synchronous variant of Put; both are synchronous in this
// implementation (there is no background write queue), kept as a distinct
// method so callers mirror spec.md §4.5's two entry points.
func (l *Log) AddSync(ctx context.Context, value string, ts time.Time) (int64, error) {
	return l.Put(ctx, value, ts)
}

// Get returns the entry for id, or nil if absent.
func (l *Log) Get(ctx context.Context, id int64) (*Entry, error) {
	row := l.db.DB().QueryRowContext(ctx,
		`SELECT logId, timestamp, dateTime, value FROM `+storekit.QuotedIdent(l.table)+` WHERE logId = ?`, id)
	var e Entry
	if err := row.Scan(&e.LogID, &e.Timestamp, &e.DateTime, &e.Value); err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, cierrors.DependencyFailure("temporal: get", err)
	}
	return &e, nil
}

// GetSync is the synchronous variant of Get.
func (l *Log) GetSync(ctx context.Context, id int64) (*Entry, error) {
	return l.Get(ctx, id)
}

// GetMultiple returns one result per input position (nil where absent),
// per SPEC_FULL.md §9.G item 3: duplicates in ids yield duplicate results.
func (l *Log) GetMultiple(ctx context.Context, ids []int64) ([]*Entry, error) {
	out := make([]*Entry, len(ids))
	for i, id := range ids {
		e, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// GetTimeRange returns the (oldest, newest) timestamp pair, or nil if the
// log is empty.
func (l *Log) GetTimeRange(ctx context.Context) (start, stop *string, err error) {
	row := l.db.DB().QueryRowContext(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM `+storekit.QuotedIdent(l.table))
	var minTS, maxTS sql.NullString
	if err := row.Scan(&minTS, &maxTS); err != nil {
		return nil, nil, cierrors.DependencyFailure("temporal: getTimeRange", err)
	}
	if !minTS.Valid {
		return nil, nil, nil
	}
	return &minTS.String, &maxTS.String, nil
}

// GetOldest returns up to n entries, oldest first, ties broken by logId.
func (l *Log) GetOldest(ctx context.Context, n int) ([]Entry, error) {
	return l.selectOrdered(ctx, "ASC", n)
}

// GetNewest returns up to n entries, newest first, ties broken by logId.
func (l *Log) GetNewest(ctx context.Context, n int) ([]Entry, error) {
	return l.selectOrdered(ctx, "DESC", n)
}

func (l *Log) selectOrdered(ctx context.Context, direction string, n int) ([]Entry, error) {
	query := `SELECT logId, timestamp, dateTime, value FROM ` + storekit.QuotedIdent(l.table) +
		` ORDER BY timestamp ` + direction + `, logId ` + direction
	if n > 0 {
		query += fmt.Sprintf(" LIMIT %d", n)
	}
	return l.queryEntries(ctx, query)
}

// GetIdsInRange returns logIds whose timestamp falls in [start, stop]
// inclusive. stop may be empty, meaning "no upper bound".
func (l *Log) GetIdsInRange(ctx context.Context, start, stop string) ([]int64, error) {
	entries, err := l.GetEntriesInRange(ctx, start, stop)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.LogID
	}
	return ids, nil
}

// GetEntriesInRange returns entries whose timestamp falls in
// [start, stop] inclusive, ordered by timestamp ascending.
func (l *Log) GetEntriesInRange(ctx context.Context, start, stop string) ([]Entry, error) {
	if stop == "" {
		return l.queryEntries(ctx,
			`SELECT logId, timestamp, dateTime, value FROM `+storekit.QuotedIdent(l.table)+
				` WHERE timestamp >= ? ORDER BY timestamp ASC, logId ASC`, start)
	}
	return l.queryEntries(ctx,
		`SELECT logId, timestamp, dateTime, value FROM `+storekit.QuotedIdent(l.table)+
			` WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp ASC, logId ASC`, start, stop)
}

// IterateAll returns every entry in ascending timestamp order.
func (l *Log) IterateAll(ctx context.Context) ([]Entry, error) {
	return l.queryEntries(ctx,
		`SELECT logId, timestamp, dateTime, value FROM `+storekit.QuotedIdent(l.table)+` ORDER BY timestamp ASC, logId ASC`)
}

// IterateRange is the lazy-named variant of GetEntriesInRange.
func (l *Log) IterateRange(ctx context.Context, start, stop string) ([]Entry, error) {
	return l.GetEntriesInRange(ctx, start, stop)
}

// IterateOldest is the lazy-named variant of GetOldest.
func (l *Log) IterateOldest(ctx context.Context, n int) ([]Entry, error) {
	return l.GetOldest(ctx, n)
}

// IterateNewest is the lazy-named variant of GetNewest.
func (l *Log) IterateNewest(ctx context.Context, n int) ([]Entry, error) {
	return l.GetNewest(ctx, n)
}

// Remove deletes the entry with the given id.
func (l *Log) Remove(ctx context.Context, id int64) error {
	if err := l.db.Exec(ctx, `DELETE FROM `+storekit.QuotedIdent(l.table)+` WHERE logId = ?`, id); err != nil {
		return cierrors.DependencyFailure("temporal: remove", err)
	}
	return nil
}

// RemoveInRange deletes entries with timestamp in [start, stop] inclusive
// (spec.md §9 Design Notes: treat the malformed draft SQL as documented
// intent and implement an inclusive range delete).
func (l *Log) RemoveInRange(ctx context.Context, start, stop string) error {
	err := l.db.Exec(ctx,
		`DELETE FROM `+storekit.QuotedIdent(l.table)+` WHERE timestamp >= ? AND timestamp <= ?`, start, stop)
	if err != nil {
		return cierrors.DependencyFailure("temporal: removeInRange", err)
	}
	return nil
}

// Clear removes every entry and resets the tiebreak counter.
func (l *Log) Clear(ctx context.Context) error {
	if err := l.db.Exec(ctx, `DELETE FROM `+storekit.QuotedIdent(l.table)); err != nil {
		return cierrors.DependencyFailure("temporal: clear", err)
	}
	l.mu.Lock()
	l.lastStamp = ""
	l.tiebreak = 0
	l.mu.Unlock()
	return nil
}

func (l *Log) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := l.db.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cierrors.DependencyFailure("temporal: query", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.LogID, &e.Timestamp, &e.DateTime, &e.Value); err != nil {
			return nil, cierrors.DependencyFailure("temporal: scan", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
