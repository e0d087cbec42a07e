package chunkyindex

import "context"

// Embedder produces embeddings on demand. The core treats it as a
// possibly-failing, possibly-slow external dependency (spec.md §6); it
// never implements model internals itself.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QuerySpec is one index's proposed sub-query, produced by a QueryPlanner
// for Stage 1 of Query (spec.md §4.6).
type QuerySpec struct {
	Query      string
	MaxHits    int
	Confidence float64
}

// Proposal is what a QueryPlanner returns: either a direct answer (short-
// circuiting retrieval) or a set of per-index QuerySpecs.
type Proposal struct {
	DirectAnswer string
	HasDirect    bool
	Specs        map[string]QuerySpec
}

// QueryPlanner proposes per-index queries (or a direct answer) from a
// user's input plus recent conversation history.
type QueryPlanner interface {
	Propose(ctx context.Context, input string, history []string) (Proposal, error)
}

// AnswerSpec is the result an AnswerPlanner produces from retrieved
// evidence.
type AnswerSpec struct {
	Answer string
}

// AnswerPlanner synthesizes a final answer from the chunks retrieval
// surfaced plus recent answer history.
type AnswerPlanner interface {
	Answer(ctx context.Context, input string, chunks []Chunk, history []string) (AnswerSpec, error)
}

// AliasMatcher resolves a query string to already-known text ids (for
// synonyms, abbreviations). Optional, supplied per call.
type AliasMatcher interface {
	Match(ctx context.Context, text string) ([]int64, error)
}
