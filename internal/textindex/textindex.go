// Package textindex implements TextIndex, the primary user-facing index
// spec.md §4.4 describes: composed over a StringTable, a KeyValueTable, and
// an optional VectorTable, fusing exact, alias, and semantic matches into
// scored or plain sets of source ids.
package textindex

import (
	"context"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chunkyindex/chunky/internal/dictionary"
	cierrors "github.com/chunkyindex/chunky/internal/errors"
	"github.com/chunkyindex/chunky/internal/postings"
	"github.com/chunkyindex/chunky/internal/storekit"
	"github.com/chunkyindex/chunky/internal/vectorstore"
)

// Embedder is the narrow embedding contract TextIndex consumes; satisfied
// structurally by pkg/chunkyindex.Embedder and by internal/embed.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config configures a TextIndex instance (spec.md §4.4).
type Config struct {
	CaseSensitive bool
	Concurrency   int
	SemanticIndex bool
	MinScore      float64
	Metric        vectorstore.Metric
}

// DefaultConcurrency is used when Config.Concurrency is unset, matching the
// orchestrator-wide default (spec.md §5: "bounded concurrency... default 4").
const DefaultConcurrency = 4

// Block is a (text, sourceIds) pair, the unit entries() iterates over.
type Block struct {
	Text      string
	SourceIDs []int64
}

// ScoredBlock pairs a Block with a similarity score, returned by
// nearestNeighborsPairs for use by higher layers (spec.md §4.4).
type ScoredBlock struct {
	Block Block
	Score float64
}

// ScoredSourceIDs pairs a matched text's posting list with its score,
// returned by NearestNeighbors.
type ScoredSourceIDs struct {
	SourceIDs []int64
	Score     float64
}

// Index is a TextIndex: text dictionary + postings + optional embeddings.
type Index struct {
	strings      *dictionary.StringTable
	posts        *postings.KeyValueTable
	vectors      vectorstore.VectorTable
	embedder     Embedder
	embedBreaker *cierrors.CircuitBreaker
	cfg          Config
}

// New creates (or opens) a TextIndex named base on db. vectors may be nil,
// in which case cfg.SemanticIndex is forced off regardless of its value.
// Embedding calls run through a per-index circuit breaker (5 failures,
// 30s reset — the package defaults), since the embedder is an external
// collaborator whose repeated failures should fail fast rather than stall
// every Put/match on the same dead dependency.
func New(ctx context.Context, db *storekit.StorageDb, base string, vectors vectorstore.VectorTable, embedder Embedder, cfg Config) (*Index, error) {
	strTable, err := dictionary.New(ctx, db, base, cfg.CaseSensitive)
	if err != nil {
		return nil, err
	}
	postTable, err := postings.New(ctx, db, base)
	if err != nil {
		return nil, err
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if vectors == nil {
		cfg.SemanticIndex = false
	}
	return &Index{
		strings:      strTable,
		posts:        postTable,
		vectors:      vectors,
		embedder:     embedder,
		embedBreaker: cierrors.NewCircuitBreaker(base + ":embed"),
		cfg:          cfg,
	}, nil
}

// embed runs embedder.Embed through the circuit breaker, so a failing
// embedding backend stops being retried on every Put/match once it has
// tripped, rather than paying its timeout on every call.
func (x *Index) embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := x.embedBreaker.Execute(func() error {
		v, err := x.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	return vec, err
}

// Put stores text (assigning or reusing its textId), appends postings if
// any are given, and — if semantic indexing is on and this is a newly
// created entry with no embedding yet — requests and stores an embedding.
// Embedding failures are swallowed: the text and postings persist, and the
// next Put of the same text retries (spec.md §4.4.2).
func (x *Index) Put(ctx context.Context, text string, srcIDs []int64) (int64, error) {
	textID, created, err := x.strings.Add(ctx, text)
	if err != nil {
		return 0, err
	}
	if len(srcIDs) > 0 {
		if err := x.posts.Put(ctx, srcIDs, textID); err != nil {
			return 0, err
		}
	}
	if x.cfg.SemanticIndex && x.embedder != nil {
		x.tryEmbed(ctx, textID, text, created)
	}
	return textID, nil
}

func (x *Index) tryEmbed(ctx context.Context, textID int64, text string, created bool) {
	if !created {
		exists, err := x.vectors.Exists(ctx, textID)
		if err == nil && exists {
			return
		}
	}
	vec, err := x.embed(ctx, text)
	if err != nil {
		return
	}
	_ = x.vectors.Put(ctx, vec, textID)
}

// PutMultiple applies Put sequentially over blocks.
func (x *Index) PutMultiple(ctx context.Context, blocks []Block) ([]int64, error) {
	ids := make([]int64, len(blocks))
	for i, b := range blocks {
		id, err := x.Put(ctx, b.Text, b.SourceIDs)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// AddSources appends postings for an existing text without touching the
// text entry itself.
func (x *Index) AddSources(ctx context.Context, textID int64, srcIDs []int64) error {
	return x.posts.Put(ctx, srcIDs, textID)
}

// Get returns the postings for text, or nil if the text is unknown.
func (x *Index) Get(ctx context.Context, text string) ([]int64, error) {
	tid, err := x.strings.GetID(ctx, text)
	if err != nil {
		return nil, err
	}
	if tid == nil {
		return nil, nil
	}
	return x.posts.Get(ctx, *tid)
}

// GetByID returns the postings for textID.
func (x *Index) GetByID(ctx context.Context, textID int64) ([]int64, error) {
	return x.posts.Get(ctx, textID)
}

// GetByIDs returns postings per textID, one slice per input position.
func (x *Index) GetByIDs(ctx context.Context, textIDs []int64) ([][]int64, error) {
	out := make([][]int64, len(textIDs))
	for i, id := range textIDs {
		v, err := x.posts.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// GetID returns the textId for text, or nil if unknown.
func (x *Index) GetID(ctx context.Context, text string) (*int64, error) {
	return x.strings.GetID(ctx, text)
}

// GetIDs returns textIds for texts, silently omitting unknown values.
func (x *Index) GetIDs(ctx context.Context, texts []string) ([]int64, error) {
	return x.strings.GetIDs(ctx, texts)
}

// GetText returns the canonicalized text for textID, or nil if unknown.
func (x *Index) GetText(ctx context.Context, textID int64) (*string, error) {
	return x.strings.GetText(ctx, textID)
}

// GetFrequency returns the size of the posting list for the exact text.
func (x *Index) GetFrequency(ctx context.Context, text string) (int, error) {
	ids, err := x.Get(ctx, text)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// TermStat is one entry's raw inverse document frequency, as reported by
// Stats. This is the "per-index reporter" IDF variant spec.md §9 Design
// Notes distinguishes from the orchestrator's smoothed TF-IDF combination:
// plain `log(N / (1 + nt))`, with no "1 +" term.
type TermStat struct {
	Text      string
	Frequency int
	IDF       float64
}

// Stats reports raw per-term IDF across every entry, for diagnostics and
// index-health reporting. total is the corpus size (N) the caller supplies
// (spec.md's TextIndex has no notion of "total documents" itself).
func (x *Index) Stats(ctx context.Context, total int) ([]TermStat, error) {
	blocks, err := x.Entries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TermStat, len(blocks))
	for i, b := range blocks {
		nt := len(b.SourceIDs)
		out[i] = TermStat{
			Text:      b.Text,
			Frequency: nt,
			IDF:       math.Log(float64(total) / float64(1+nt)),
		}
	}
	return out, nil
}

// Entries materializes every {text, sourceIds} block.
func (x *Index) Entries(ctx context.Context) ([]Block, error) {
	entries, err := x.strings.Entries(ctx)
	if err != nil {
		return nil, err
	}
	blocks := make([]Block, 0, len(entries))
	for _, e := range entries {
		ids, err := x.posts.Get(ctx, e.ID)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, Block{Text: e.Value, SourceIDs: ids})
	}
	return blocks, nil
}

// GetExactHits delegates to KeyValueTable.GetHits over the textIds
// resolved for values.
func (x *Index) GetExactHits(ctx context.Context, values []string, join string) ([]postings.Hit, error) {
	textIDs, err := x.strings.GetIDs(ctx, values)
	if err != nil {
		return nil, err
	}
	if len(textIDs) == 0 {
		return nil, nil
	}
	return x.posts.GetHits(ctx, textIDs, join)
}

// candidate is one scored textId produced by the matching strategy.
type candidate struct {
	textID int64
	score  float64
}

// matchTextIDs implements the central matching-strategy algorithm
// (spec.md §4.4.1): exact → alias → semantic, unioned and max-scored.
func (x *Index) matchTextIDs(ctx context.Context, text string, maxMatches int, minScore float64, alias AliasResolver) ([]candidate, error) {
	scores := make(map[int64]float64)
	hadExact := false

	if tid, err := x.strings.GetID(ctx, text); err != nil {
		return nil, err
	} else if tid != nil {
		scores[*tid] = 1.0
		hadExact = true
	}

	if alias != nil {
		ids, err := alias(ctx, text)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if cur, ok := scores[id]; !ok || 1.0 > cur {
				scores[id] = 1.0
			}
		}
	}

	if x.cfg.SemanticIndex && x.vectors != nil && x.embedder != nil {
		q, err := x.embed(ctx, text)
		if err == nil {
			var matches []vectorstore.Match
			if maxMatches > 1 {
				matches, err = x.vectors.NearestNeighbors(ctx, q, maxMatches, x.cfg.Metric, minScore)
			} else if !hadExact {
				var m *vectorstore.Match
				m, err = x.vectors.NearestNeighbor(ctx, q, x.cfg.Metric, minScore)
				if m != nil {
					matches = []vectorstore.Match{*m}
				}
			}
			if err != nil {
				return nil, err
			}
			for _, m := range matches {
				if cur, ok := scores[m.ID]; !ok || m.Score > cur {
					scores[m.ID] = m.Score
				}
			}
		}
		// Per spec.md §4.4.2: a missing/failed embedding is treated as a
		// 0-result semantic phase, not an error.
	}

	out := make([]candidate, 0, len(scores))
	for id, sc := range scores {
		out = append(out, candidate{textID: id, score: sc})
	}
	return out, nil
}

// AliasResolver maps a query string to known text ids.
type AliasResolver func(ctx context.Context, text string) ([]int64, error)

func sortByScoreDesc(c []candidate) {
	sort.Slice(c, func(i, j int) bool { return c[i].score > c[j].score })
}

func sortByIDAsc(c []candidate) {
	sort.Slice(c, func(i, j int) bool { return c[i].textID < c[j].textID })
}

// GetNearest resolves the union of postings for the text's matched
// entries: exact, then (if maxMatches>1) top-maxMatches semantic matches
// or (if maxMatches==1 and no exact) the single nearest.
func (x *Index) GetNearest(ctx context.Context, text string, maxMatches int, minScore float64) ([]int64, error) {
	return x.getNearestSourceIDs(ctx, text, maxMatches, minScore, nil)
}

func (x *Index) getNearestSourceIDs(ctx context.Context, text string, maxMatches int, minScore float64, alias AliasResolver) ([]int64, error) {
	cands, err := x.matchTextIDs(ctx, text, maxMatches, minScore, alias)
	if err != nil {
		return nil, err
	}
	sortByIDAsc(cands)
	textIDs := make([]int64, len(cands))
	for i, c := range cands {
		textIDs[i] = c.textID
	}
	return x.posts.IterateMultiple(ctx, textIDs)
}

// GetNearestMultiple computes per-text GetNearest results and
// set-intersects them across inputs.
func (x *Index) GetNearestMultiple(ctx context.Context, texts []string, maxMatches int, minScore float64) ([]int64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var result map[int64]struct{}
	for i, t := range texts {
		ids, err := x.GetNearest(ctx, t, maxMatches, minScore)
		if err != nil {
			return nil, err
		}
		set := make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			set[id] = struct{}{}
		}
		if i == 0 {
			result = set
			continue
		}
		for id := range result {
			if _, ok := set[id]; !ok {
				delete(result, id)
			}
		}
	}
	out := make([]int64, 0, len(result))
	for id := range result {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// GetNearestText returns the matched textIds themselves (IDs-for-merge
// variant, sorted ascending), with an optional alias resolver.
func (x *Index) GetNearestText(ctx context.Context, text string, maxMatches int, minScore float64, alias AliasResolver) ([]int64, error) {
	cands, err := x.matchTextIDs(ctx, text, maxMatches, minScore, alias)
	if err != nil {
		return nil, err
	}
	sortByIDAsc(cands)
	out := make([]int64, len(cands))
	for i, c := range cands {
		out[i] = c.textID
	}
	return out, nil
}

// HitTable accumulates scores per source id, as produced by GetNearestHits.
type HitTable interface {
	Add(sourceID int64, score float64)
}

// MapHitTable is the simplest HitTable implementation: an in-memory map.
type MapHitTable map[int64]float64

func (m MapHitTable) Add(sourceID int64, score float64) { m[sourceID] += score }

// GetNearestHits writes scored postings into hits, multiplying each
// matched text's score by scoreBoost (default 1.0 if zero).
func (x *Index) GetNearestHits(ctx context.Context, text string, hits HitTable, maxMatches int, minScore float64, scoreBoost float64, alias AliasResolver) error {
	if scoreBoost == 0 {
		scoreBoost = 1.0
	}
	cands, err := x.matchTextIDs(ctx, text, maxMatches, minScore, alias)
	if err != nil {
		return err
	}
	sortByScoreDesc(cands)
	for _, c := range cands {
		ids, err := x.posts.Get(ctx, c.textID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			hits.Add(id, c.score*scoreBoost)
		}
	}
	return nil
}

// GetNearestHitsMultiple runs GetNearestHits concurrently across texts,
// bounded by cfg.Concurrency. Wait blocks until every launched goroutine
// has finished before returning, so a caller that sees an error back from
// this call never has a background goroutine still mutating hits
// afterward.
func (x *Index) GetNearestHitsMultiple(ctx context.Context, texts []string, hits HitTable, maxMatches int, minScore float64, scoreBoost float64, alias AliasResolver) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.cfg.Concurrency)
	var mu sync.Mutex

	for _, t := range texts {
		t := t
		g.Go(func() error {
			local := make(MapHitTable)
			if err := x.GetNearestHits(gctx, t, local, maxMatches, minScore, scoreBoost, alias); err != nil {
				return err
			}
			mu.Lock()
			for id, score := range local {
				hits.Add(id, score)
			}
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// NearestNeighbors pairs each matched text's posting list with its score.
func (x *Index) NearestNeighbors(ctx context.Context, text string, k int, minScore float64) ([]ScoredSourceIDs, error) {
	cands, err := x.matchTextIDs(ctx, text, k, minScore, nil)
	if err != nil {
		return nil, err
	}
	sortByScoreDesc(cands)
	if len(cands) > k && k > 0 {
		cands = cands[:k]
	}
	out := make([]ScoredSourceIDs, len(cands))
	for i, c := range cands {
		ids, err := x.posts.Get(ctx, c.textID)
		if err != nil {
			return nil, err
		}
		out[i].SourceIDs = ids
		out[i].Score = c.score
	}
	return out, nil
}

// NearestNeighborsText is NearestNeighbors but returns textIds instead of
// their posting lists.
func (x *Index) NearestNeighborsText(ctx context.Context, text string, k int, minScore float64) ([]vectorstore.Match, error) {
	cands, err := x.matchTextIDs(ctx, text, k, minScore, nil)
	if err != nil {
		return nil, err
	}
	sortByScoreDesc(cands)
	if len(cands) > k && k > 0 {
		cands = cands[:k]
	}
	out := make([]vectorstore.Match, len(cands))
	for i, c := range cands {
		out[i] = vectorstore.Match{ID: c.textID, Score: c.score}
	}
	return out, nil
}

// NearestNeighborsPairs returns full {text, sourceIds} blocks with scores,
// for consumption by the orchestrator's query-fusion stage.
func (x *Index) NearestNeighborsPairs(ctx context.Context, text string, k int, minScore float64) ([]ScoredBlock, error) {
	cands, err := x.matchTextIDs(ctx, text, k, minScore, nil)
	if err != nil {
		return nil, err
	}
	sortByScoreDesc(cands)
	if len(cands) > k && k > 0 {
		cands = cands[:k]
	}
	out := make([]ScoredBlock, len(cands))
	for i, c := range cands {
		txt, err := x.strings.GetText(ctx, c.textID)
		if err != nil {
			return nil, err
		}
		ids, err := x.posts.Get(ctx, c.textID)
		if err != nil {
			return nil, err
		}
		var text string
		if txt != nil {
			text = *txt
		}
		out[i] = ScoredBlock{Block: Block{Text: text, SourceIDs: ids}, Score: c.score}
	}
	return out, nil
}

// Remove removes the given postings from textID's posting list; if the
// list becomes empty, the row is removed entirely. The text entry and any
// embedding remain, so re-posting later is safe (spec.md §4.4).
func (x *Index) Remove(ctx context.Context, textID int64, srcIDs []int64) error {
	return x.posts.RemoveValues(ctx, textID, srcIDs)
}
