// Package mock provides a deterministic embedder for tests: no model
// files, no accelerator, repeatable vectors.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// Embedder generates deterministic embeddings from a text hash. It has
// no semantic knowledge; tests that need controlled similarities pin
// exact vectors with Pin.
type Embedder struct {
	dimensions int
	tag        string

	mu     sync.Mutex
	pinned map[string][]float32
	calls  int
}

// New creates a mock embedder of the given dimension.
func New(dimensions int) *Embedder {
	return &Embedder{
		dimensions: dimensions,
		tag:        "mock",
		pinned:     make(map[string][]float32),
	}
}

// Pin fixes the vector returned for an exact text. The vector is
// normalised on the way in so pinned cosine similarities behave.
func (m *Embedder) Pin(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[text] = normalize(vec)
}

// Calls reports how many embed invocations happened. Lets tests assert
// batch-not-loop behaviour.
func (m *Embedder) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// EmbedQuery implements memory.Embedder.
func (m *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	m.calls++
	pinned, ok := m.pinned[text]
	m.mu.Unlock()
	if ok {
		return pinned, nil
	}
	return m.hashed(text), nil
}

// EmbedDocuments implements memory.Embedder.
func (m *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		m.mu.Lock()
		pinned, ok := m.pinned[t]
		m.mu.Unlock()
		if ok {
			out[i] = pinned
			continue
		}
		out[i] = m.hashed(t)
	}
	return out, nil
}

// Dimensions implements memory.Embedder.
func (m *Embedder) Dimensions() int {
	return m.dimensions
}

// ModelTag implements memory.Embedder.
func (m *Embedder) ModelTag() string {
	return m.tag
}

// hashed derives a unit vector from the text hash via an LCG, so the
// same text always embeds identically.
func (m *Embedder) hashed(text string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding)
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}
	return normalized
}
