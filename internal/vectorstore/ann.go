package vectorstore

import (
	"context"
	"math"
	"sync"

	"github.com/coder/hnsw"

	cierrors "github.com/chunkyindex/chunky/internal/errors"
	"github.com/chunkyindex/chunky/internal/storekit"
)

// ANNBackend is an opt-in VectorTable implementation backed by
// github.com/coder/hnsw, for corpora that outgrow the default Table's
// linear scan (spec.md §9 Design Notes: "if scale grows, the VectorTable
// contract is compatible with an ANN replacement as long as top-k and
// thresholding semantics are preserved"). Durable storage of the raw
// embedding bytes still goes through an embedded *Table, so Get/Exists/
// Remove observe the same rows a linear-scan VectorTable would; the HNSW
// graph is an in-memory search accelerator rebuilt from those rows.
type ANNBackend struct {
	mu    sync.RWMutex
	table *Table
	graph *hnsw.Graph[int64]
	ids   map[int64]struct{}
}

// NewANNBackend wraps table with an in-memory HNSW graph, populated from
// whatever rows are already present (e.g. after reopening a database).
func NewANNBackend(ctx context.Context, table *Table, metric Metric) (*ANNBackend, error) {
	graph := hnsw.NewGraph[int64]()
	switch metric {
	case Cosine:
		graph.Distance = hnsw.CosineDistance
	default:
		graph.Distance = hnsw.CosineDistance
	}

	b := &ANNBackend{table: table, graph: graph, ids: make(map[int64]struct{})}
	if err := b.rebuild(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *ANNBackend) rebuild(ctx context.Context) error {
	rows, err := b.table.db.DB().QueryContext(ctx,
		"SELECT keyId, embedding FROM "+storekit.QuotedIdent(b.table.table))
	if err != nil {
		return cierrors.DependencyFailure("vectorstore: ann rebuild scan", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var buf []byte
		if err := rows.Scan(&id, &buf); err != nil {
			return cierrors.DependencyFailure("vectorstore: ann rebuild row", err)
		}
		vec, err := DecodeVector(buf)
		if err != nil {
			continue
		}
		b.insertLocked(id, vec)
	}
	return rows.Err()
}

func (b *ANNBackend) insertLocked(id int64, vec []float32) {
	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeInPlace(normalized)
	b.graph.Add(hnsw.MakeNode(id, normalized))
	b.ids[id] = struct{}{}
}

// Put stores the embedding durably and adds it to the search graph.
func (b *ANNBackend) Put(ctx context.Context, embedding []float32, id int64) error {
	if err := b.table.Put(ctx, embedding, id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.ids[id]; exists {
		return nil
	}
	b.insertLocked(id, embedding)
	return nil
}

// Get delegates to the underlying durable Table.
func (b *ANNBackend) Get(ctx context.Context, id int64) ([]float32, error) {
	return b.table.Get(ctx, id)
}

// Exists delegates to the underlying durable Table.
func (b *ANNBackend) Exists(ctx context.Context, id int64) (bool, error) {
	return b.table.Exists(ctx, id)
}

// Remove removes id from durable storage and lazily orphans it in the
// graph, matching the teacher's HNSW store lazy-deletion strategy (deleting
// the last node in coder/hnsw is unsafe, so entries are unmapped rather
// than physically removed).
func (b *ANNBackend) Remove(ctx context.Context, id int64) error {
	if err := b.table.Remove(ctx, id); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.ids, id)
	return nil
}

// NearestNeighbor returns the best-scoring entry whose score is >=
// minScore, or nil if none qualify.
func (b *ANNBackend) NearestNeighbor(ctx context.Context, q []float32, metric Metric, minScore float64) (*Match, error) {
	matches, err := b.NearestNeighbors(ctx, q, 1, metric, minScore)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

// NearestNeighbors queries the HNSW graph for the top-k candidates, then
// filters lazily-deleted ids and applies minScore.
func (b *ANNBackend) NearestNeighbors(ctx context.Context, q []float32, k int, metric Metric, minScore float64) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	normalized := make([]float32, len(q))
	copy(normalized, q)
	normalizeInPlace(normalized)

	// Over-fetch to compensate for lazily-deleted orphans still in the graph.
	nodes := b.graph.Search(normalized, k*4+8)

	var out []Match
	for _, node := range nodes {
		if _, ok := b.ids[node.Key]; !ok {
			continue
		}
		distance := b.graph.Distance(normalized, node.Value)
		score := 1.0 - float64(distance)
		if score < minScore {
			continue
		}
		out = append(out, Match{ID: node.Key, Score: score})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
