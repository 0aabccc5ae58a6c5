package memory

import (
	"context"
	"errors"
)

// ErrEmbedderUnavailable signals that on-device inference cannot run:
// the model failed to load, the host is below minimum requirements, or
// the user disabled the local path. The searcher degrades to remote-only
// and no user-visible error is produced.
var ErrEmbedderUnavailable = errors.New("memory: embedder unavailable")

// Embedder converts text to fixed-dimension vectors.
//
// Implementations: ONNX on-device embedder (memory/embedder/onnx),
// deterministic mock (memory/embedder/mock). Deterministic up to the
// model's own numerics; embedding the same text twice yields the same
// vector.
type Embedder interface {
	// EmbedQuery embeds a single search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments embeds a batch of documents in one call. Callers
	// batch rather than loop; on-device backends amortise session
	// overhead across the batch.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector size D.
	Dimensions() int

	// ModelTag identifies the model (e.g. "embeddinggemma-300m").
	// Recorded in collection metadata for stale detection.
	ModelTag() string
}
