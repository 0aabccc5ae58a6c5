package memory

import (
	"context"
	"errors"
	"time"
)

// SchemaVersion is recorded in collection metadata and bumped whenever
// the on-disk layout of a collection changes incompatibly. A mismatch is
// treated like a dimension mismatch: drop and re-pull.
const SchemaVersion = 1

// ErrStaleCollection signals that a collection's stored embedding
// metadata (model tag, dimension or schema version) disagrees with the
// active embedder. The tier store recovers by dropping and recreating
// the collection.
var ErrStaleCollection = errors.New("memory: stale collection")

// ErrDimensionMismatch signals a vector batch whose dimension disagrees
// with the collection's declared dimension.
var ErrDimensionMismatch = errors.New("memory: embedding dimension mismatch")

// CollectionMeta is the small metadata blob recorded with each
// collection so it can be validated on open.
type CollectionMeta struct {
	ModelTag      string    `json:"model_tag"`
	Dimension     int       `json:"dimension"`
	CreatedAt     time.Time `json:"created_at"`
	SchemaVersion int       `json:"schema_version"`
}

// Compatible reports whether a stored meta can serve the requested one.
// CreatedAt is informational and not compared.
func (m CollectionMeta) Compatible(want CollectionMeta) bool {
	return m.ModelTag == want.ModelTag &&
		m.Dimension == want.Dimension &&
		m.SchemaVersion == want.SchemaVersion
}

// QueryResult is one nearest-neighbour hit from a collection.
type QueryResult struct {
	ID       string
	Document string
	Metadata map[string]string

	// Distance is the cosine distance to the query vector, in [0, 2].
	// Similarity is 1 - Distance.
	Distance float32
}

// Similarity returns 1 - Distance.
func (r QueryResult) Similarity() float32 {
	return 1 - r.Distance
}

// Collection is a named, persistent set of (id, vector, document,
// metadata) tuples for a single tier.
//
// Writes to a collection are serialised by the tier store; concurrent
// reads are safe and may observe either the pre- or post-write state.
type Collection interface {
	Name() string

	// Add inserts new records. The batch is rejected with
	// ErrDimensionMismatch if any vector disagrees with the
	// collection's declared dimension.
	Add(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadatas []map[string]string) error

	// Update replaces existing records under the same ids. Backends
	// without native update implement it as delete-then-add.
	Update(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadatas []map[string]string) error

	// Delete removes records by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids ...string) error

	// Query returns up to k results ordered by ascending distance.
	Query(ctx context.Context, vector []float32, k int) ([]QueryResult, error)

	// Count returns the number of records.
	Count() int
}

// CollectionStore opens and drops collections. Implementations:
// chromem-backed persistent store (SDK default), in-package fakes for
// tests.
type CollectionStore interface {
	// Open returns the named collection, creating it with meta on
	// first use. When a collection exists but its stored meta is not
	// Compatible with meta, Open returns ErrStaleCollection and the
	// caller decides the recovery action.
	Open(name string, meta CollectionMeta) (Collection, error)

	// Drop removes a collection and its persisted state. Dropping a
	// missing collection is not an error.
	Drop(name string) error

	// Reset drops every collection. Used on user-context change.
	Reset() error

	// Close releases resources. The store is unusable afterwards.
	Close() error
}
