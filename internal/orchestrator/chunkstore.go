package orchestrator

import (
	"context"

	"github.com/chunkyindex/chunky/internal/storekit"
)

// chunkStore is the keyed persistent map spec.md §4.7 describes for the
// chunk object store: get/put/remove/allObjects/size over chunkId -> JSON
// value. Chunk ids are opaque externally-assigned strings, so the store is
// an ObjectTable[string] keyed through TextKeyCodec rather than routed
// through idAlloc's dense int64 space.
type chunkStore struct {
	objects *storekit.ObjectTable[string]
}

func newChunkStore(ctx context.Context, db *storekit.StorageDb, base string) (*chunkStore, error) {
	objects, err := storekit.NewObjectTable[string](ctx, db, base, storekit.TextKeyCodec{})
	if err != nil {
		return nil, err
	}
	return &chunkStore{objects: objects}, nil
}

// Put stores value under id, overwriting any previous value. Overwrite
// (rather than insert-or-ignore) makes re-ingest after an interrupted
// purge safe: a chunk with no index entries is recoverable by re-embedding.
func (s *chunkStore) Put(ctx context.Context, id, value string) error {
	return s.objects.Put(ctx, id, value)
}

// Get returns the stored value for id, or "" if absent.
func (s *chunkStore) Get(ctx context.Context, id string) (string, error) {
	return s.objects.Get(ctx, id)
}

// Remove deletes id, if present.
func (s *chunkStore) Remove(ctx context.Context, id string) error {
	return s.objects.Remove(ctx, id)
}

// AllObjects returns every stored (id, value) pair. Used by purge, which
// needs a full scan to find chunks matching a fileName.
func (s *chunkStore) AllObjects(ctx context.Context) (map[string]string, error) {
	return s.objects.AllObjects(ctx)
}

// Size returns the number of stored chunks, used as N in IDF smoothing.
func (s *chunkStore) Size(ctx context.Context) (int, error) {
	return s.objects.Size(ctx)
}
