// Package vectorstore implements VectorTable, the keyed embedding store
// spec.md §4.3 describes: at most one embedding per key, exact get/put/
// remove, and top-k nearest-neighbor search under a selectable metric.
//
// The default Table backend performs a full linear scan (spec.md §9:
// "A linear scan is deliberate given expected corpus sizes"), feeding a
// bounded top-k max-heap. An opt-in ANNBackend wraps coder/hnsw for
// corpora that outgrow linear scan while preserving the same contract.
package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"math"

	cierrors "github.com/chunkyindex/chunky/internal/errors"
	"github.com/chunkyindex/chunky/internal/storekit"
)

// Metric selects the similarity function used by nearest-neighbor search.
type Metric int

const (
	// Dot computes the raw dot product, preferred when inputs are known
	// to be unit-normalized (spec.md §4.3).
	Dot Metric = iota
	// Cosine computes the cosine similarity.
	Cosine
)

// Match pairs a key with its similarity score.
type Match struct {
	ID    int64
	Score float64
}

// VectorTable is the contract both the linear-scan Table and the
// HNSW-backed ANNBackend satisfy (spec.md §4.3), letting TextIndex stay
// agnostic to which search strategy backs its embeddings.
type VectorTable interface {
	Put(ctx context.Context, embedding []float32, id int64) error
	Get(ctx context.Context, id int64) ([]float32, error)
	Exists(ctx context.Context, id int64) (bool, error)
	Remove(ctx context.Context, id int64) error
	NearestNeighbor(ctx context.Context, q []float32, metric Metric, minScore float64) (*Match, error)
	NearestNeighbors(ctx context.Context, q []float32, k int, metric Metric, minScore float64) ([]Match, error)
}

var (
	_ VectorTable = (*Table)(nil)
	_ VectorTable = (*ANNBackend)(nil)
)

// Table is the default VectorTable backend: embeddings persisted as
// packed little-endian float32 BLOBs in a `<base>_embeddings` table
// (spec.md §6), searched with a full scan per query.
type Table struct {
	db    *storekit.StorageDb
	table string
}

// New creates (or opens) a VectorTable named base on db.
func New(ctx context.Context, db *storekit.StorageDb, base string) (*Table, error) {
	t := &Table{db: db, table: storekit.TableName(base, "embeddings")}
	ddl := `CREATE TABLE IF NOT EXISTS ` + storekit.QuotedIdent(t.table) + ` (
		keyId INTEGER PRIMARY KEY,
		embedding BLOB NOT NULL
	)`
	if err := db.Exec(ctx, ddl); err != nil {
		return nil, cierrors.Fatal("vectorstore: create table "+t.table, err)
	}
	return t, nil
}

// EncodeVector packs a float32 vector into little-endian bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector unpacks little-endian bytes into a float32 vector. Returns
// CorruptData if the byte length is not a multiple of 4, per spec.md §4.3.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, cierrors.CorruptData("vectorstore: embedding byte length not a multiple of 4", nil)
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// Put stores embedding verbatim for id. Insert-or-ignore: callers mutate
// by Remove then Put, per spec.md §4.3.
func (t *Table) Put(ctx context.Context, embedding []float32, id int64) error {
	buf := EncodeVector(embedding)
	err := t.db.Exec(ctx,
		`INSERT INTO `+storekit.QuotedIdent(t.table)+` (keyId, embedding) VALUES (?, ?) ON CONFLICT(keyId) DO NOTHING`,
		id, buf)
	if err != nil {
		return cierrors.DependencyFailure("vectorstore: put", err)
	}
	return nil
}

// Get returns the embedding for id, or nil if absent. Returns CorruptData
// if the stored blob has an invalid byte length; this fails only the
// single call, per spec.md §4.4.2.
func (t *Table) Get(ctx context.Context, id int64) ([]float32, error) {
	var buf []byte
	err := t.db.DB().QueryRowContext(ctx,
		`SELECT embedding FROM `+storekit.QuotedIdent(t.table)+` WHERE keyId = ?`, id).Scan(&buf)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, cierrors.DependencyFailure("vectorstore: get", err)
	}
	return DecodeVector(buf)
}

// Exists reports whether an embedding is stored for id.
func (t *Table) Exists(ctx context.Context, id int64) (bool, error) {
	var x int
	err := t.db.DB().QueryRowContext(ctx,
		`SELECT 1 FROM `+storekit.QuotedIdent(t.table)+` WHERE keyId = ?`, id).Scan(&x)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, cierrors.DependencyFailure("vectorstore: exists", err)
	}
	return true, nil
}

// Remove deletes the embedding for id, if any.
func (t *Table) Remove(ctx context.Context, id int64) error {
	if err := t.db.Exec(ctx, `DELETE FROM `+storekit.QuotedIdent(t.table)+` WHERE keyId = ?`, id); err != nil {
		return cierrors.DependencyFailure("vectorstore: remove", err)
	}
	return nil
}

// NearestNeighbor performs a full linear scan and returns the best-scoring
// entry whose score is >= minScore, or nil if none qualify.
func (t *Table) NearestNeighbor(ctx context.Context, q []float32, metric Metric, minScore float64) (*Match, error) {
	matches, err := t.NearestNeighbors(ctx, q, 1, metric, minScore)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// NearestNeighbors performs a full linear scan, feeding a bounded top-k
// max-capacity min-heap so memory stays O(k) regardless of corpus size,
// per spec.md §4.3 and §9 Design Notes.
func (t *Table) NearestNeighbors(ctx context.Context, q []float32, k int, metric Metric, minScore float64) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := t.db.DB().QueryContext(ctx, `SELECT keyId, embedding FROM `+storekit.QuotedIdent(t.table))
	if err != nil {
		return nil, cierrors.DependencyFailure("vectorstore: scan", err)
	}
	defer rows.Close()

	h := &scoreHeap{}
	heap.Init(h)

	for rows.Next() {
		var id int64
		var buf []byte
		if err := rows.Scan(&id, &buf); err != nil {
			return nil, cierrors.DependencyFailure("vectorstore: scan row", err)
		}
		vec, err := DecodeVector(buf)
		if err != nil {
			// Per spec.md §4.4.2: a single corrupt row does not fail the scan.
			continue
		}
		score := similarity(q, vec, metric)
		if score < minScore {
			continue
		}
		if h.Len() < k {
			heap.Push(h, Match{ID: id, Score: score})
		} else if h.Len() > 0 && (*h)[0].Score < score {
			heap.Pop(h)
			heap.Push(h, Match{ID: id, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, cierrors.DependencyFailure("vectorstore: rows", err)
	}

	out := make([]Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Match)
	}
	return out, nil
}

func similarity(a, b []float32, metric Metric) float64 {
	switch metric {
	case Cosine:
		return cosineSimilarity(a, b)
	default:
		return dotProduct(a, b)
	}
}

func dotProduct(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func cosineSimilarity(a, b []float32) float64 {
	dot := dotProduct(a, b)
	var normA, normB float64
	for _, v := range a {
		normA += float64(v) * float64(v)
	}
	for _, v := range b {
		normB += float64(v) * float64(v)
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// scoreHeap is a min-heap over Match.Score, giving the bounded top-k
// priority queue spec.md §4.3 names.
type scoreHeap []Match

func (h scoreHeap) Len() int            { return len(h) }
func (h scoreHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h scoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoreHeap) Push(x interface{}) { *h = append(*h, x.(Match)) }
func (h *scoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
