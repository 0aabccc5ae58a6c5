// Package chromem backs memory.CollectionStore with chromem-go, a pure
// Go embedded vector database.
//
// Each tier collection carries a sidecar meta file recording the model
// tag, dimension and schema version it was built with. The sidecar is
// validated on open; a mismatch yields memory.ErrStaleCollection and the
// tier store drops and rebuilds the collection.
package chromem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/recallio/recall-go-sdk/memory"
)

// Store implements memory.CollectionStore on chromem-go.
type Store struct {
	db   *chromem.DB
	path string // "" = in-memory (tests)

	mu    sync.Mutex
	metas map[string]memory.CollectionMeta
}

var _ memory.CollectionStore = (*Store)(nil)

// New creates a store persisting under path. An empty path keeps
// everything in memory, which tests use for cold-start isolation.
func New(path string) (*Store, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("open persistent store at %s: %w", path, err)
		}
	}

	s := &Store{
		db:    db,
		path:  path,
		metas: make(map[string]memory.CollectionMeta),
	}
	if err := s.loadMetas(); err != nil {
		return nil, err
	}
	return s, nil
}

// Open implements memory.CollectionStore.
func (s *Store) Open(name string, meta memory.CollectionMeta) (memory.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.db.GetCollection(name, passthroughEmbedding)
	if existing != nil {
		stored, ok := s.metas[name]
		if !ok || !stored.Compatible(meta) {
			log.Printf("[CHROMEM] collection %s stale: stored=%+v want tag=%s dim=%d",
				name, stored, meta.ModelTag, meta.Dimension)
			return nil, fmt.Errorf("open collection %s: %w", name, memory.ErrStaleCollection)
		}
		return &collection{name: name, dim: stored.Dimension, col: existing}, nil
	}

	col, err := s.db.CreateCollection(name, collectionMetadata(meta), passthroughEmbedding)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	if err := s.writeMeta(name, meta); err != nil {
		return nil, err
	}
	log.Printf("[CHROMEM] created collection %s (model=%s dim=%d)", name, meta.ModelTag, meta.Dimension)
	return &collection{name: name, dim: meta.Dimension, col: col}, nil
}

// Drop implements memory.CollectionStore.
func (s *Store) Drop(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropLocked(name)
}

// Reset implements memory.CollectionStore.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for name := range s.db.ListCollections() {
		if err := s.dropLocked(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// Sidecars of collections chromem no longer knows about.
	for name := range s.metas {
		if err := s.dropLocked(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close implements memory.CollectionStore. chromem holds no handles that
// outlive the process; persistence happens at write time.
func (s *Store) Close() error {
	return nil
}

func (s *Store) dropLocked(name string) error {
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	delete(s.metas, name)
	if s.path != "" {
		if err := os.Remove(s.metaPath(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove meta for %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) metaPath(name string) string {
	return filepath.Join(s.path, name+".meta.json")
}

func (s *Store) writeMeta(name string, meta memory.CollectionMeta) error {
	s.metas[name] = meta
	if s.path == "" {
		return nil
	}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta for %s: %w", name, err)
	}
	if err := os.WriteFile(s.metaPath(name), raw, 0o644); err != nil {
		return fmt.Errorf("write meta for %s: %w", name, err)
	}
	return nil
}

func (s *Store) loadMetas() error {
	if s.path == "" {
		return nil
	}
	entries, err := filepath.Glob(filepath.Join(s.path, "*.meta.json"))
	if err != nil {
		return err
	}
	for _, p := range entries {
		raw, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		var meta memory.CollectionMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			log.Printf("[CHROMEM] ignoring unreadable meta %s: %v", p, err)
			continue
		}
		base := filepath.Base(p)
		name := base[:len(base)-len(".meta.json")]
		s.metas[name] = meta
	}
	return nil
}

// collectionMetadata mirrors the sidecar into chromem's own collection
// metadata for debuggability with external tooling.
func collectionMetadata(meta memory.CollectionMeta) map[string]string {
	return map[string]string{
		"model_tag":      meta.ModelTag,
		"dimension":      fmt.Sprintf("%d", meta.Dimension),
		"created_at":     meta.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		"schema_version": fmt.Sprintf("%d", meta.SchemaVersion),
	}
}

// passthroughEmbedding rejects server-side embedding: every document is
// stored with a vector the caller supplies. Without this, chromem would
// fall back to its default (OpenAI-backed) embedding func.
func passthroughEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("chromem: collection is embedding-passthrough, vector must be provided")
}

// collection adapts one chromem collection to memory.Collection.
type collection struct {
	name string
	dim  int
	col  *chromem.Collection

	// Serialises writes. Reads go straight to chromem, which is safe
	// for concurrent use.
	mu sync.Mutex
}

var _ memory.Collection = (*collection)(nil)

func (c *collection) Name() string {
	return c.name
}

// Add implements memory.Collection.
func (c *collection) Add(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadatas []map[string]string) error {
	docs, err := c.buildDocuments(ids, vectors, documents, metadatas)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add %d documents to %s: %w", len(docs), c.name, err)
	}
	return nil
}

// Update implements memory.Collection as delete-then-add; chromem has no
// native update.
func (c *collection) Update(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadatas []map[string]string) error {
	docs, err := c.buildDocuments(ids, vectors, documents, metadatas)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete before update in %s: %w", c.name, err)
	}
	if err := c.col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("re-add %d documents to %s: %w", len(docs), c.name, err)
	}
	return nil
}

// Delete implements memory.Collection.
func (c *collection) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete %d documents from %s: %w", len(ids), c.name, err)
	}
	return nil
}

// Query implements memory.Collection. chromem scores by cosine
// similarity; distance = 1 - similarity.
func (c *collection) Query(ctx context.Context, vector []float32, k int) ([]memory.QueryResult, error) {
	if len(vector) != c.dim {
		return nil, fmt.Errorf("query %s with %d-dim vector: %w", c.name, len(vector), memory.ErrDimensionMismatch)
	}

	// chromem rejects nResults larger than the collection.
	if n := c.col.Count(); k > n {
		k = n
	}
	if k <= 0 {
		return nil, nil
	}

	results, err := c.col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.name, err)
	}

	out := make([]memory.QueryResult, 0, len(results))
	for _, r := range results {
		out = append(out, memory.QueryResult{
			ID:       r.ID,
			Document: r.Content,
			Metadata: r.Metadata,
			Distance: 1 - r.Similarity,
		})
	}
	// chromem returns similarity-descending already; keep the order
	// contractual regardless of backend behaviour.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out, nil
}

// Count implements memory.Collection.
func (c *collection) Count() int {
	return c.col.Count()
}

func (c *collection) buildDocuments(ids []string, vectors [][]float32, documents []string, metadatas []map[string]string) ([]chromem.Document, error) {
	if len(ids) != len(vectors) || len(ids) != len(documents) || len(ids) != len(metadatas) {
		return nil, fmt.Errorf("chromem: batch slice lengths disagree: ids=%d vectors=%d documents=%d metadatas=%d",
			len(ids), len(vectors), len(documents), len(metadatas))
	}
	docs := make([]chromem.Document, 0, len(ids))
	for i, id := range ids {
		if len(vectors[i]) != c.dim {
			return nil, fmt.Errorf("document %s has %d-dim vector, collection %s wants %d: %w",
				id, len(vectors[i]), c.name, c.dim, memory.ErrDimensionMismatch)
		}
		docs = append(docs, chromem.Document{
			ID:        id,
			Content:   documents[i],
			Embedding: vectors[i],
			Metadata:  metadatas[i],
		})
	}
	return docs, nil
}
