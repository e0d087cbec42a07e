// Package chunkyindex is the public surface of the persistent hybrid text
// index: durable chunk storage, composed string/posting/vector indexes, and
// a retrieval orchestrator that fuses exact and semantic matches across
// several named indexes into scored, deduplicated chunk results.
package chunkyindex

// BlobKind identifies the payload carried by a Blob.
type BlobKind int

const (
	BlobText BlobKind = iota
	BlobTable
	BlobImage
	BlobImageLabel
)

// BoundingBox locates a Blob on its source page, when known.
type BoundingBox struct {
	X, Y, Width, Height float64
}

// Blob is one typed payload within a Chunk.
type Blob struct {
	Kind        BlobKind
	Text        string
	ImagePath   string
	Raw         []byte
	BoundingBox *BoundingBox
}

// DocInfo is machine-extracted bibliographic metadata for a chunk's source
// document.
type DocInfo struct {
	Title      string   `json:"title"`
	Authors    []string `json:"authors"`
	References []string `json:"references"`
	Links      []string `json:"links"`
}

// Doc carries the machine-generated annotations a chunk may have: a
// free-text summary, keyword/tag/synonym lists, structured document info,
// and dependency chunk ids.
type Doc struct {
	Summary      string   `json:"summary,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Synonyms     []string `json:"synonyms,omitempty"`
	DocInfo      *DocInfo `json:"docinfo,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// Chunk is a durable unit of indexable content, produced externally by a
// chunker and never mutated by the core once stored (spec.md §3).
type Chunk struct {
	ID       string   `json:"id"`
	PageID   string   `json:"pageid"`
	ParentID string   `json:"parentId,omitempty"`
	Children []string `json:"children,omitempty"`
	FileName string   `json:"fileName"`
	Blobs    []Blob   `json:"blobs,omitempty"`
	Doc      *Doc     `json:"doc,omitempty"`
}
