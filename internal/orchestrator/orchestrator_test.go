package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkyindex/chunky/internal/config"
	"github.com/chunkyindex/chunky/internal/embed"
	"github.com/chunkyindex/chunky/internal/storekit"
	"github.com/chunkyindex/chunky/internal/textindex"
	"github.com/chunkyindex/chunky/internal/vectorstore"
	"github.com/chunkyindex/chunky/pkg/chunkyindex"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	db, err := storekit.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	eng, err := New(context.Background(), db, t.TempDir(), embed.NewStaticEmbedder(0), nil)
	require.NoError(t, err)
	return eng
}

type stubPlanner struct {
	specs  map[string]chunkyindex.QuerySpec
	direct string
}

func (s *stubPlanner) Propose(_ context.Context, _ string, _ []string) (chunkyindex.Proposal, error) {
	if s.direct != "" {
		return chunkyindex.Proposal{HasDirect: true, DirectAnswer: s.direct}, nil
	}
	return chunkyindex.Proposal{Specs: s.specs}, nil
}

type stubAnswerer struct{}

func (stubAnswerer) Answer(_ context.Context, _ string, chunks []chunkyindex.Chunk, _ []string) (chunkyindex.AnswerSpec, error) {
	return chunkyindex.AnswerSpec{Answer: fmt.Sprintf("%d chunks", len(chunks))}, nil
}

// TestS4_Purge implements spec.md scenario S4.
func TestS4_Purge(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	require.NoError(t, eng.EmbedChunk(ctx, chunkyindex.Chunk{
		ID: "a1", FileName: "a.pdf",
		Doc: &chunkyindex.Doc{Keywords: []string{"attention", "transformer"}},
	}))
	require.NoError(t, eng.EmbedChunk(ctx, chunkyindex.Chunk{
		ID: "a2", FileName: "a.pdf",
		Doc: &chunkyindex.Doc{Keywords: []string{"attention"}},
	}))
	require.NoError(t, eng.EmbedChunk(ctx, chunkyindex.Chunk{
		ID: "b1", FileName: "b.pdf",
		Doc: &chunkyindex.Doc{Keywords: []string{"attention"}},
	}))

	require.NoError(t, eng.PurgeByFileName(ctx, "a.pdf"))

	hits, err := eng.indexes[indexKeywords].GetExactHits(ctx, []string{"attention"}, "")
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	hits, err = eng.indexes[indexKeywords].GetExactHits(ctx, []string{"transformer"}, "")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

// TestPurgeCompleteness covers invariant 9: no surviving chunk or posting
// references the purged fileName.
func TestPurgeCompleteness(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	require.NoError(t, eng.EmbedChunk(ctx, chunkyindex.Chunk{
		ID: "a1", FileName: "a.pdf",
		Doc: &chunkyindex.Doc{Keywords: []string{"attention"}, Tags: []string{"nlp"}},
	}))
	require.NoError(t, eng.EmbedChunk(ctx, chunkyindex.Chunk{
		ID: "b1", FileName: "b.pdf",
		Doc: &chunkyindex.Doc{Keywords: []string{"attention"}},
	}))

	require.NoError(t, eng.PurgeByFileName(ctx, "a.pdf"))

	all, err := eng.chunks.AllObjects(ctx)
	require.NoError(t, err)
	for id, raw := range all {
		var c chunkyindex.Chunk
		require.NoError(t, json.Unmarshal([]byte(raw), &c))
		assert.NotEqual(t, "a.pdf", c.FileName, "chunk %s survived purge", id)
	}

	doomedSID, err := eng.idAlloc.GetID(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, doomedSID)

	for _, name := range indexNames {
		entries, err := eng.indexes[name].Entries(ctx)
		require.NoError(t, err)
		for _, block := range entries {
			for _, sid := range block.SourceIDs {
				assert.NotEqual(t, *doomedSID, sid, "index %s still posts purged source id", name)
			}
		}
	}
}

// TestFuseScores_S5 implements spec.md scenario S5.
func TestFuseScores_S5(t *testing.T) {
	perIndex := map[string][]textindex.ScoredBlock{
		"keywords": {
			{Block: textindex.Block{Text: "attention", SourceIDs: []int64{1, 2}}, Score: 0.9},
			{Block: textindex.Block{Text: "self-attention", SourceIDs: []int64{1}}, Score: 0.8},
		},
		"summaries": {
			{Block: textindex.Block{Text: "transformer", SourceIDs: []int64{2, 3}}, Score: 0.7},
		},
	}

	scores := fuseScores(perIndex, 100)

	c1 := 0.9*(1+math.Log(100.0/3)) + 0.8*(1+math.Log(100.0/2))
	c2 := 0.9*(1+math.Log(100.0/3)) + 0.7*(1+math.Log(100.0/3))
	c3 := 0.7 * (1 + math.Log(100.0/3))

	assert.InDelta(t, c1, scores[1], 1e-9)
	assert.InDelta(t, c2, scores[2], 1e-9)
	assert.InDelta(t, c3, scores[3], 1e-9)

	byChunkID := map[string]float64{"c1": scores[1], "c2": scores[2], "c3": scores[3]}
	ranked := rankChunks(byChunkID)
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{ranked[0].chunkID, ranked[1].chunkID, ranked[2].chunkID})
}

// TestRankChunks_TieBreaksByChunkID covers spec.md §4.6 "Score equality":
// equal scores sort by chunk id ascending, not by insertion or map order.
func TestRankChunks_TieBreaksByChunkID(t *testing.T) {
	ranked := rankChunks(map[string]float64{"z9": 1.0, "a1": 1.0, "m5": 1.0})
	require.Len(t, ranked, 3)
	assert.Equal(t, []string{"a1", "m5", "z9"}, []string{ranked[0].chunkID, ranked[1].chunkID, ranked[2].chunkID})
}

// TestIDFMonotonicity covers invariant 8: a strictly larger posting list
// yields a strictly smaller IDF factor.
func TestIDFMonotonicity(t *testing.T) {
	small := smoothedIDF(100, 2)
	large := smoothedIDF(100, 20)
	assert.Greater(t, small, large)
}

func TestQuery_DirectAnswerShortCircuits(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	result, err := eng.Query(ctx, "2+2", nil, &stubPlanner{direct: "4"}, stubAnswerer{})
	require.NoError(t, err)
	assert.Equal(t, "4", result.Answer)

	recent, err := eng.recentAnswers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, recent)
}

func TestQuery_EndToEnd(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	require.NoError(t, eng.EmbedChunk(ctx, chunkyindex.Chunk{
		ID: "c1", FileName: "x.pdf",
		Doc: &chunkyindex.Doc{Keywords: []string{"attention"}},
	}))

	planner := &stubPlanner{specs: map[string]chunkyindex.QuerySpec{
		indexKeywords: {Query: "attention", MaxHits: 5},
	}}
	result, err := eng.Query(ctx, "what is attention", nil, planner, stubAnswerer{})
	require.NoError(t, err)
	assert.Equal(t, "1 chunks", result.Answer)
	assert.Contains(t, result.Evidence, "c1")
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, "c1", result.Chunks[0].ID)
}

func TestQuery_NoSpecsIsStageOnly(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	result, err := eng.Query(ctx, "", nil, &stubPlanner{specs: map[string]chunkyindex.QuerySpec{}}, stubAnswerer{})
	require.NoError(t, err)
	assert.True(t, result.StageOnly)
}

// TestNew_HNSWBackend covers config.Indexes.ANNBackend == "hnsw": every
// index should be backed by a vectorstore.ANNBackend instead of the linear
// Table, and basic retrieval through it should still work end to end.
func TestNew_HNSWBackend(t *testing.T) {
	ctx := context.Background()
	db, err := storekit.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.NewConfig()
	cfg.Indexes.ANNBackend = "hnsw"

	eng, err := New(ctx, db, t.TempDir(), embed.NewStaticEmbedder(4), cfg)
	require.NoError(t, err)

	require.NoError(t, eng.EmbedChunk(ctx, chunkyindex.Chunk{
		ID: "c1", FileName: "x.pdf",
		Doc: &chunkyindex.Doc{Keywords: []string{"attention"}},
	}))

	hits, err := eng.indexes[indexKeywords].GetExactHits(ctx, []string{"attention"}, "")
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

// TestNew_SemanticOverrideDisablesIndex covers config.Indexes.SemanticOverrides:
// an index named in the override map with false should skip the embedding
// phase even when SemanticIndex defaults to true.
func TestNew_SemanticOverrideDisablesIndex(t *testing.T) {
	ctx := context.Background()
	db, err := storekit.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.NewConfig()
	cfg.Indexes.SemanticOverrides = map[string]bool{indexDocInfos: false}

	eng, err := New(ctx, db, t.TempDir(), embed.NewStaticEmbedder(4), cfg)
	require.NoError(t, err)

	require.NoError(t, eng.EmbedChunk(ctx, chunkyindex.Chunk{
		ID: "c1", FileName: "x.pdf",
		Doc: &chunkyindex.Doc{DocInfo: &chunkyindex.DocInfo{Title: "x"}, Keywords: []string{"attention"}},
	}))

	// Exact-match lookups still work regardless of the semantic toggle.
	hits, err := eng.indexes[indexKeywords].GetExactHits(ctx, []string{"attention"}, "")
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	// The docinfos entry got no embedding, while the keywords entry did.
	docInfoJSON, err := json.Marshal(&chunkyindex.DocInfo{Title: "x"})
	require.NoError(t, err)
	docTID, err := eng.indexes[indexDocInfos].GetID(ctx, string(docInfoJSON))
	require.NoError(t, err)
	require.NotNil(t, docTID)
	docVecs, err := vectorstore.New(ctx, db, indexDocInfos)
	require.NoError(t, err)
	exists, err := docVecs.Exists(ctx, *docTID)
	require.NoError(t, err)
	assert.False(t, exists)

	kwTID, err := eng.indexes[indexKeywords].GetID(ctx, "attention")
	require.NoError(t, err)
	require.NotNil(t, kwTID)
	kwVecs, err := vectorstore.New(ctx, db, indexKeywords)
	require.NoError(t, err)
	exists, err = kwVecs.Exists(ctx, *kwTID)
	require.NoError(t, err)
	assert.True(t, exists)
}

// TestQuery_PlannerBreakerTrips covers the circuit breaker wired around
// Query's planner call site: repeated planner failures should eventually
// short-circuit to ErrCircuitOpen instead of calling Propose again.
func TestQuery_PlannerBreakerTrips(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	failing := &failingPlanner{err: fmt.Errorf("boom")}
	for i := 0; i < 5; i++ {
		_, err := eng.Query(ctx, "x", nil, failing, stubAnswerer{})
		require.Error(t, err)
	}
	assert.Equal(t, 5, failing.calls)

	_, err := eng.Query(ctx, "x", nil, failing, stubAnswerer{})
	require.Error(t, err)
	// The breaker should now short-circuit without invoking Propose again.
	assert.Equal(t, 5, failing.calls)
}

type failingPlanner struct {
	err   error
	calls int
}

func (f *failingPlanner) Propose(_ context.Context, _ string, _ []string) (chunkyindex.Proposal, error) {
	f.calls++
	return chunkyindex.Proposal{}, f.err
}
