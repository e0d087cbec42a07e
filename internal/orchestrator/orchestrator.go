// Package orchestrator implements ChunkyIndex, the retrieval orchestrator
// spec.md §4.6/§4.7 describes: a chunk object store, an answer log, and a
// fixed set of named TextIndexes sharing one embedding cache, fused at
// query time with TF-IDF reweighting.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/chunkyindex/chunky/internal/config"
	"github.com/chunkyindex/chunky/internal/dictionary"
	"github.com/chunkyindex/chunky/internal/embed"
	cierrors "github.com/chunkyindex/chunky/internal/errors"
	"github.com/chunkyindex/chunky/internal/extlock"
	"github.com/chunkyindex/chunky/internal/logging"
	"github.com/chunkyindex/chunky/internal/storekit"
	"github.com/chunkyindex/chunky/internal/temporal"
	"github.com/chunkyindex/chunky/internal/textindex"
	"github.com/chunkyindex/chunky/internal/vectorstore"
	"github.com/chunkyindex/chunky/pkg/chunkyindex"
)

// Fixed index names, per spec.md §4.6.
const (
	indexSummaries = "summaries"
	indexKeywords  = "keywords"
	indexTags      = "tags"
	indexSynonyms  = "synonyms"
	indexDocInfos  = "docinfos"
)

var indexNames = []string{indexSummaries, indexKeywords, indexTags, indexSynonyms, indexDocInfos}

// engineConfig holds the tunables Option functions set, seeded from a
// *config.Config (config.NewConfig() if New is given none) and then
// overridden by any explicit Option passed to New.
type engineConfig struct {
	Concurrency     int
	DefaultMaxHits  int
	MinScore        float64
	RecentAnswers   int
	CacheSize       int
	MaxAnswerChunks int
	IngestRetry     cierrors.RetryConfig
}

// Option configures an Engine at construction time.
type Option func(*engineConfig)

// WithConcurrency sets the per-index fan-out concurrency (spec.md §5,
// default 4).
func WithConcurrency(n int) Option {
	return func(c *engineConfig) { c.Concurrency = n }
}

// WithDefaultMaxHits sets the per-index hit count used when a QuerySpec
// omits MaxHits.
func WithDefaultMaxHits(n int) Option {
	return func(c *engineConfig) { c.DefaultMaxHits = n }
}

// WithMinScore sets the minimum semantic score every index applies.
func WithMinScore(s float64) Option {
	return func(c *engineConfig) { c.MinScore = s }
}

// WithRecentAnswers sets how many recent answer-log entries are handed to
// the answer planner (spec.md §4.7, default 20).
func WithRecentAnswers(n int) Option {
	return func(c *engineConfig) { c.RecentAnswers = n }
}

// WithCacheSize overrides the shared embedding cache capacity (spec.md §6,
// default 1000).
func WithCacheSize(n int) Option {
	return func(c *engineConfig) { c.CacheSize = n }
}

// Engine is a ChunkyIndex instance: a chunk store, an answer log, five
// named TextIndexes sharing one cached embedder, and a file lock guarding
// purge against concurrent external writers.
type Engine struct {
	chunks  *chunkStore
	idAlloc *dictionary.StringTable
	answers *temporal.Log
	indexes map[string]*textindex.Index
	lock    *extlock.FileLock
	cfg     engineConfig

	// plannerBreaker and answerBreaker guard the two external-model call
	// sites Query makes per request, so a failing planner or answerer stops
	// being retried on every query once it has tripped (package defaults:
	// 5 failures, 30s reset), matching the embed-call-site breaker textindex
	// keeps per index.
	plannerBreaker *cierrors.CircuitBreaker
	answerBreaker  *cierrors.CircuitBreaker

	logger     *slog.Logger
	logCleanup func()
}

// New creates a ChunkyIndex on db, rooted at dataDir for its external lock
// file. embedder is wrapped once in a shared bounded LRU cache and passed
// to every named index (spec.md §4.6: "All share a single shared, bounded
// embedding cache"). cfg supplies the layered configuration from
// config.Load; a nil cfg falls back to config.NewConfig()'s defaults. Any
// Option passed after cfg overrides the corresponding field.
func New(ctx context.Context, db *storekit.StorageDb, dataDir string, embedder embed.Embedder, cfg *config.Config, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, cierrors.InvalidInput("orchestrator: db is required")
	}
	if embedder == nil {
		return nil, cierrors.InvalidInput("orchestrator: embedder is required")
	}
	if cfg == nil {
		cfg = config.NewConfig()
	}

	logCfg := logging.DefaultConfig()
	logCfg.FilePath = filepath.Join(dataDir, "logs", "engine.log")
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		return nil, cierrors.DependencyFailure("orchestrator: setup logging", err)
	}

	ecfg := engineConfig{
		Concurrency:     cfg.Indexes.Concurrency,
		DefaultMaxHits:  cfg.Query.DefaultMaxHits,
		RecentAnswers:   cfg.Query.AnswerHistorySize,
		CacheSize:       cfg.Embeddings.CacheSize,
		MaxAnswerChunks: cfg.Query.MaxAnswerChunks,
		IngestRetry: cierrors.RetryConfig{
			MaxRetries:   cfg.Retry.IngestMaxRetries,
			InitialDelay: cfg.Retry.IngestBaseDelay,
			MaxDelay:     cfg.Retry.IngestMaxDelay,
			Multiplier:   2,
		},
	}
	for _, opt := range opts {
		opt(&ecfg)
	}

	cached := embed.NewCachedEmbedder(embedder, ecfg.CacheSize)

	chunks, err := newChunkStore(ctx, db, "chunks")
	if err != nil {
		return nil, err
	}
	idAlloc, err := dictionary.New(ctx, db, "chunkids", true)
	if err != nil {
		return nil, err
	}
	answers, err := temporal.New(ctx, db, "answers")
	if err != nil {
		return nil, err
	}

	useANN := strings.EqualFold(cfg.Indexes.ANNBackend, "hnsw")

	indexes := make(map[string]*textindex.Index, len(indexNames))
	for _, name := range indexNames {
		table, err := vectorstore.New(ctx, db, name)
		if err != nil {
			return nil, err
		}
		var vecs vectorstore.VectorTable = table
		if useANN {
			vecs, err = vectorstore.NewANNBackend(ctx, table, vectorstore.Cosine)
			if err != nil {
				return nil, err
			}
		}

		semantic := cfg.Indexes.SemanticIndex
		if override, ok := cfg.Indexes.SemanticOverrides[name]; ok {
			semantic = override
		}

		idx, err := textindex.New(ctx, db, name, vecs, cached, textindex.Config{
			CaseSensitive: cfg.Indexes.CaseSensitive,
			SemanticIndex: semantic,
			Metric:        vectorstore.Cosine,
			MinScore:      ecfg.MinScore,
			Concurrency:   ecfg.Concurrency,
		})
		if err != nil {
			return nil, err
		}
		indexes[name] = idx
	}

	return &Engine{
		chunks:         chunks,
		idAlloc:        idAlloc,
		answers:        answers,
		indexes:        indexes,
		lock:           extlock.New(dataDir),
		cfg:            ecfg,
		plannerBreaker: cierrors.NewCircuitBreaker("orchestrator:planner"),
		answerBreaker:  cierrors.NewCircuitBreaker("orchestrator:answerer"),
		logger:         logger,
		logCleanup:     logCleanup,
	}, nil
}

// Close releases resources New acquired outside of db, namely the rotating
// log file. db itself is owned by the caller and is not closed here.
func (e *Engine) Close() error {
	if e.logCleanup != nil {
		e.logCleanup()
	}
	return nil
}

func (e *Engine) sourceID(ctx context.Context, chunkID string) (int64, error) {
	id, _, err := e.idAlloc.Add(ctx, chunkID)
	return id, err
}

// phrasesFor applies the field-selection rule spec.md §4.6 step 2 names,
// per index name.
func phrasesFor(name string, doc *chunkyindex.Doc) []string {
	if doc == nil {
		return nil
	}
	switch name {
	case indexDocInfos:
		if doc.DocInfo == nil {
			return nil
		}
		b, err := json.Marshal(doc.DocInfo)
		if err != nil {
			return nil
		}
		return []string{string(b)}
	case indexSummaries:
		if doc.Summary == "" {
			return nil
		}
		return []string{doc.Summary}
	case indexKeywords:
		return doc.Keywords
	case indexTags:
		return doc.Tags
	case indexSynonyms:
		return doc.Synonyms
	default:
		return nil
	}
}

// EmbedChunk is the ingest operation of spec.md §4.6: persist the chunk,
// then index each applicable phrase into its index, sequentially and with
// retry. A phrase write that exhausts its retries is logged and skipped
// rather than failing the whole ingest (best-effort, per the spec).
func (e *Engine) EmbedChunk(ctx context.Context, chunk chunkyindex.Chunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return cierrors.InvalidInput("orchestrator: marshal chunk " + chunk.ID)
	}
	if err := e.chunks.Put(ctx, chunk.ID, string(data)); err != nil {
		return err
	}

	sourceID, err := e.sourceID(ctx, chunk.ID)
	if err != nil {
		return err
	}

	for _, name := range indexNames {
		idx := e.indexes[name]
		for _, phrase := range phrasesFor(name, chunk.Doc) {
			if phrase == "" {
				continue
			}
			phrase := phrase
			err := cierrors.Retry(ctx, e.cfg.IngestRetry, func() error {
				_, err := idx.Put(ctx, phrase, []int64{sourceID})
				return err
			})
			if err != nil {
				e.logger.Warn("orchestrator: best-effort index write failed",
					"index", name, "chunk", chunk.ID, "error", err)
			}
		}
	}
	return nil
}

// PurgeByFileName removes every chunk whose fileName matches F and every
// index entry referencing one of those chunks, per spec.md §4.6. Index
// entries are removed before the chunks themselves so an interrupted purge
// is restartable.
func (e *Engine) PurgeByFileName(ctx context.Context, fileName string) error {
	if err := e.lock.Lock(ctx); err != nil {
		return err
	}
	defer e.lock.Unlock()

	all, err := e.chunks.AllObjects(ctx)
	if err != nil {
		return err
	}

	doomedSet := make(map[int64]struct{})
	var doomedChunkIDs []string
	for id, raw := range all {
		var c chunkyindex.Chunk
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			// A corrupt chunk row does not block purging the rest.
			continue
		}
		if c.FileName != fileName {
			continue
		}
		sid, err := e.idAlloc.GetID(ctx, id)
		if err != nil {
			return err
		}
		if sid != nil {
			doomedSet[*sid] = struct{}{}
		}
		doomedChunkIDs = append(doomedChunkIDs, id)
	}
	if len(doomedChunkIDs) == 0 {
		return nil
	}

	for _, name := range indexNames {
		idx := e.indexes[name]
		entries, err := idx.Entries(ctx)
		if err != nil {
			return err
		}
		for _, block := range entries {
			hit := intersectDoomed(block.SourceIDs, doomedSet)
			if len(hit) == 0 {
				continue
			}
			tid, err := idx.GetID(ctx, block.Text)
			if err != nil {
				return err
			}
			if tid == nil {
				continue
			}
			if err := idx.Remove(ctx, *tid, hit); err != nil {
				return err
			}
		}
	}

	for _, id := range doomedChunkIDs {
		if err := e.chunks.Remove(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func intersectDoomed(sourceIDs []int64, doomed map[int64]struct{}) []int64 {
	var hit []int64
	for _, id := range sourceIDs {
		if _, ok := doomed[id]; ok {
			hit = append(hit, id)
		}
	}
	return hit
}

// smoothedIDF is the orchestrator's TF-IDF combination factor, spec.md §4.6
// Stage 2: "idf = 1 + log(N / (1 + |sourceIds|))". It is distinct from the
// raw per-index IDF a reporter would compute (spec.md §9 Design Notes).
func smoothedIDF(total, postingSize int) float64 {
	return 1 + math.Log(float64(total)/float64(1+postingSize))
}

// fuseScores implements Stage 2 of Query: accumulate tf*idf contributions
// per chunk (source id) across every index's hits.
func fuseScores(perIndex map[string][]textindex.ScoredBlock, total int) map[int64]float64 {
	scores := make(map[int64]float64)
	for _, pairs := range perIndex {
		for _, p := range pairs {
			idf := smoothedIDF(total, len(p.Block.SourceIDs))
			contribution := p.Score * idf
			for _, sid := range p.Block.SourceIDs {
				scores[sid] += contribution
			}
		}
	}
	return scores
}

// QueryResult is what Query returns: the final answer, the chunks it was
// grounded on, and their accumulated scores keyed by chunk id.
type QueryResult struct {
	Answer    string
	Chunks    []chunkyindex.Chunk
	Evidence  map[string]float64
	StageOnly bool
}

// Query runs the three-stage retrieval spec.md §4.6 describes: propose
// per-index sub-queries (or a direct answer), fuse per-index hits with
// TF-IDF, then synthesize and persist an answer from the top chunks.
func (e *Engine) Query(ctx context.Context, input string, history []string, planner chunkyindex.QueryPlanner, answerer chunkyindex.AnswerPlanner) (QueryResult, error) {
	requestID := uuid.NewString()
	log := e.logger.With("requestId", requestID)

	var proposal chunkyindex.Proposal
	err := e.plannerBreaker.Execute(func() error {
		var proposeErr error
		proposal, proposeErr = planner.Propose(ctx, input, history)
		return proposeErr
	})
	if err != nil {
		return QueryResult{}, cierrors.DependencyFailure("orchestrator: propose", err)
	}
	if proposal.HasDirect {
		log.Debug("orchestrator: stage 1 returned a direct answer")
		if _, err := e.answers.Put(ctx, proposal.DirectAnswer, time.Time{}); err != nil {
			return QueryResult{}, err
		}
		return QueryResult{Answer: proposal.DirectAnswer}, nil
	}
	if len(proposal.Specs) == 0 {
		log.Debug("orchestrator: stage 1 proposed no index specs")
		return QueryResult{StageOnly: true}, nil
	}

	total, err := e.chunks.Size(ctx)
	if err != nil {
		return QueryResult{}, err
	}

	perIndex := make(map[string][]textindex.ScoredBlock, len(proposal.Specs))
	for name, spec := range proposal.Specs {
		idx, ok := e.indexes[name]
		if !ok {
			continue
		}
		maxHits := spec.MaxHits
		if maxHits <= 0 {
			maxHits = e.cfg.DefaultMaxHits
		}
		pairs, err := idx.NearestNeighborsPairs(ctx, spec.Query, maxHits, e.cfg.MinScore)
		if err != nil {
			return QueryResult{}, err
		}
		perIndex[name] = pairs
	}

	scores := fuseScores(perIndex, total)

	// Resolve internal source ids to chunk ids before ranking, so ties
	// break on the chunk id itself (spec.md §4.6 "Score equality"), not on
	// the idAlloc's insertion-order dense id.
	byChunkID := make(map[string]float64, len(scores))
	for sid, score := range scores {
		chunkID, err := e.idAlloc.GetText(ctx, sid)
		if err != nil {
			return QueryResult{}, err
		}
		if chunkID == nil {
			continue
		}
		byChunkID[*chunkID] = score
	}

	ranked := rankChunks(byChunkID)
	log.Debug("orchestrator: stage 2 fused hits",
		"candidates", humanize.Comma(int64(len(ranked))), "corpusSize", humanize.Comma(int64(total)))
	if e.cfg.MaxAnswerChunks > 0 && len(ranked) > e.cfg.MaxAnswerChunks {
		ranked = ranked[:e.cfg.MaxAnswerChunks]
	}

	chunks := make([]chunkyindex.Chunk, 0, len(ranked))
	evidence := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		raw, err := e.chunks.Get(ctx, r.chunkID)
		if err != nil {
			return QueryResult{}, err
		}
		if raw == "" {
			continue
		}
		var c chunkyindex.Chunk
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		chunks = append(chunks, c)
		evidence[r.chunkID] = r.score
	}

	recent, err := e.recentAnswers(ctx)
	if err != nil {
		return QueryResult{}, err
	}
	var answer chunkyindex.AnswerSpec
	err = e.answerBreaker.Execute(func() error {
		var answerErr error
		answer, answerErr = answerer.Answer(ctx, input, chunks, recent)
		return answerErr
	})
	if err != nil {
		return QueryResult{}, cierrors.DependencyFailure("orchestrator: answer", err)
	}
	if _, err := e.answers.Put(ctx, answer.Answer, time.Time{}); err != nil {
		return QueryResult{}, err
	}
	return QueryResult{Answer: answer.Answer, Chunks: chunks, Evidence: evidence}, nil
}

// Stats reports the engine's current size, human-readably, for health and
// diagnostics surfaces (the CLI and any monitoring glue are out of scope;
// this is the data those surfaces would format).
type Stats struct {
	ChunkCount      int
	ChunkCountHuman string
}

// Stats reports the current chunk count.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	n, err := e.chunks.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{ChunkCount: n, ChunkCountHuman: humanize.Comma(int64(n))}, nil
}

type rankedChunk struct {
	chunkID string
	score   float64
}

// rankChunks sorts by score descending, breaking ties by chunk id
// ascending (spec.md §4.6 "Score equality" tie-break rule: the opaque
// chunk id, not the internal dense id idAlloc happens to assign it).
func rankChunks(scores map[string]float64) []rankedChunk {
	out := make([]rankedChunk, 0, len(scores))
	for id, score := range scores {
		out = append(out, rankedChunk{chunkID: id, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].chunkID < out[j].chunkID
	})
	return out
}

// recentAnswers returns up to cfg.RecentAnswers entries, oldest first
// (newest last), per spec.md §4.7.
func (e *Engine) recentAnswers(ctx context.Context) ([]string, error) {
	entries, err := e.answers.GetNewest(ctx, e.cfg.RecentAnswers)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(entries))
	for i, entry := range entries {
		out[len(entries)-1-i] = entry.Value
	}
	return out, nil
}
