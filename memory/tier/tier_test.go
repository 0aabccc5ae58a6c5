package tier_test

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/recall-go-sdk/memory"
	"github.com/recallio/recall-go-sdk/memory/embedder/mock"
	"github.com/recallio/recall-go-sdk/memory/tier"
)

// fakeBackend is an in-memory memory.CollectionStore with write
// counters, so tests can assert which writes an ingest performed.
type fakeBackend struct {
	mu    sync.Mutex
	cols  map[string]*fakeCollection
	metas map[string]memory.CollectionMeta
	drops int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		cols:  make(map[string]*fakeCollection),
		metas: make(map[string]memory.CollectionMeta),
	}
}

func (b *fakeBackend) Open(name string, meta memory.CollectionMeta) (memory.Collection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if stored, ok := b.metas[name]; ok {
		if !stored.Compatible(meta) {
			return nil, memory.ErrStaleCollection
		}
		return b.cols[name], nil
	}
	col := &fakeCollection{name: name, dim: meta.Dimension, recs: make(map[string]fakeRecord)}
	b.cols[name] = col
	b.metas[name] = meta
	return col, nil
}

func (b *fakeBackend) Drop(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.cols[name]; ok {
		b.drops++
	}
	delete(b.cols, name)
	delete(b.metas, name)
	return nil
}

func (b *fakeBackend) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cols = make(map[string]*fakeCollection)
	b.metas = make(map[string]memory.CollectionMeta)
	return nil
}

func (b *fakeBackend) Close() error { return nil }

type fakeRecord struct {
	vector   []float32
	document string
	metadata map[string]string
}

type fakeCollection struct {
	name string
	dim  int

	mu      sync.Mutex
	recs    map[string]fakeRecord
	adds    int
	updates int
	deletes int
}

func (c *fakeCollection) Name() string { return c.name }

func (c *fakeCollection) Add(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadatas []map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range ids {
		if len(vectors[i]) != c.dim {
			return memory.ErrDimensionMismatch
		}
		c.recs[id] = fakeRecord{vector: vectors[i], document: documents[i], metadata: metadatas[i]}
	}
	c.adds += len(ids)
	return nil
}

func (c *fakeCollection) Update(ctx context.Context, ids []string, vectors [][]float32, documents []string, metadatas []map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range ids {
		if len(vectors[i]) != c.dim {
			return memory.ErrDimensionMismatch
		}
		c.recs[id] = fakeRecord{vector: vectors[i], document: documents[i], metadata: metadatas[i]}
	}
	c.updates += len(ids)
	return nil
}

func (c *fakeCollection) Delete(ctx context.Context, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.recs, id)
	}
	c.deletes += len(ids)
	return nil
}

func (c *fakeCollection) Query(ctx context.Context, vector []float32, k int) ([]memory.QueryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []memory.QueryResult
	for id, rec := range c.recs {
		out = append(out, memory.QueryResult{
			ID:       id,
			Document: rec.document,
			Metadata: rec.metadata,
			Distance: 1 - cosine(vector, rec.vector),
		})
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Distance < out[i].Distance {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (c *fakeCollection) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func (c *fakeCollection) writes() (adds, updates, deletes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adds, c.updates, c.deletes
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func items(contents ...string) []memory.Item {
	out := make([]memory.Item, len(contents))
	for i, content := range contents {
		out[i] = memory.Item{
			ID:        "item-" + content,
			Content:   content,
			UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}
	}
	return out
}

func TestIngestDeduplicatesAndSkipsBlanks(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := tier.New(backend, mock.New(4))
	require.NoError(t, store.Open(ctx))

	batch := []memory.Item{
		{ID: "a", Content: "first"},
		{ID: "a", Content: "shadowed duplicate"},
		{ID: "b", Content: "   "},
		{ID: "c", Content: "third"},
	}
	stats, err := store.Ingest(ctx, tier.Tier0, batch)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Incoming)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.Blanks)
	assert.Equal(t, 2, stats.Added)
	assert.Equal(t, 2, store.Count(tier.Tier0))

	// First occurrence wins.
	col := backend.cols[tier.CollectionName(tier.Tier0)]
	assert.Equal(t, "first", col.recs["a"].document)
}

func TestIngestSecondCycleIsWriteFree(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := tier.New(backend, mock.New(4))
	require.NoError(t, store.Open(ctx))

	batch := items("alpha", "beta", "gamma")
	_, err := store.Ingest(ctx, tier.Tier1, batch)
	require.NoError(t, err)

	col := backend.cols[tier.CollectionName(tier.Tier1)]
	adds, _, _ := col.writes()
	require.Equal(t, 3, adds)

	stats, err := store.Ingest(ctx, tier.Tier1, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Added)
	assert.Equal(t, 0, stats.Updated)
	assert.Equal(t, 0, stats.Removed)
	assert.Equal(t, 3, stats.Unchanged)

	adds2, updates, deletes := col.writes()
	assert.Equal(t, adds, adds2)
	assert.Equal(t, 0, updates)
	assert.Equal(t, 0, deletes)
}

func TestIngestAppliesChangesAndRemovals(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := tier.New(backend, mock.New(4))
	require.NoError(t, store.Open(ctx))

	first := items("alpha", "beta", "gamma")
	_, err := store.Ingest(ctx, tier.Tier0, first)
	require.NoError(t, err)

	// beta's content changes, gamma disappears, delta is new.
	second := []memory.Item{
		first[0],
		{ID: first[1].ID, Content: "beta rewritten", UpdatedAt: first[1].UpdatedAt},
		{ID: "item-delta", Content: "delta"},
	}
	stats, err := store.Ingest(ctx, tier.Tier0, second)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Added)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 1, stats.Removed)
	assert.Equal(t, 1, stats.Unchanged)
	assert.Equal(t, 3, store.Count(tier.Tier0))

	col := backend.cols[tier.CollectionName(tier.Tier0)]
	assert.Equal(t, "beta rewritten", col.recs[first[1].ID].document)
	_, gone := col.recs[first[2].ID]
	assert.False(t, gone)
}

func TestIngestTreatsMetadataChangeAsUpdate(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := tier.New(backend, mock.New(4))
	require.NoError(t, store.Open(ctx))

	it := memory.Item{ID: "a", Content: "same text", Metadata: map[string]any{"source": "chat"}}
	_, err := store.Ingest(ctx, tier.Tier0, []memory.Item{it})
	require.NoError(t, err)

	it.Metadata = map[string]any{"source": "email"}
	stats, err := store.Ingest(ctx, tier.Tier0, []memory.Item{it})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Updated)
	assert.Equal(t, 0, stats.Unchanged)
}

func TestIngestEmbedsGapsInOneBatch(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	embedder := mock.New(4)
	store := tier.New(backend, embedder)
	require.NoError(t, store.Open(ctx))

	batch := []memory.Item{
		{ID: "a", Content: "has vector", Embedding: []float32{1, 0, 0, 0}},
		{ID: "b", Content: "needs vector"},
		{ID: "c", Content: "also needs vector"},
	}
	stats, err := store.Ingest(ctx, tier.Tier0, batch)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Embedded)
	// One EmbedDocuments call for both gaps, not one per item.
	assert.Equal(t, 1, embedder.Calls())

	// The supplied vector passed through untouched.
	col := backend.cols[tier.CollectionName(tier.Tier0)]
	assert.Equal(t, []float32{1, 0, 0, 0}, col.recs["a"].vector)
}

func TestIngestRejectsWrongDimensionBeforeWriting(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := tier.New(backend, mock.New(4))
	require.NoError(t, store.Open(ctx))

	batch := []memory.Item{
		{ID: "a", Content: "fine"},
		{ID: "b", Content: "wrong", Embedding: []float32{1, 2}},
	}
	_, err := store.Ingest(ctx, tier.Tier0, batch)
	require.ErrorIs(t, err, memory.ErrDimensionMismatch)

	col := backend.cols[tier.CollectionName(tier.Tier0)]
	adds, updates, deletes := col.writes()
	assert.Zero(t, adds+updates+deletes)
}

func TestRecoverRebuildsEmptyCollection(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := tier.New(backend, mock.New(4))
	require.NoError(t, store.Open(ctx))

	batch := items("alpha", "beta")
	_, err := store.Ingest(ctx, tier.Tier1, batch)
	require.NoError(t, err)
	require.Equal(t, 2, store.Count(tier.Tier1))

	require.NoError(t, store.Recover(ctx, tier.Tier1))
	assert.Equal(t, 0, store.Count(tier.Tier1))

	// The snapshot was reset too: re-ingesting re-adds everything.
	stats, err := store.Ingest(ctx, tier.Tier1, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Added)
}

func TestOpenRecoversStaleCollection(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()

	old := tier.New(backend, mock.New(4))
	require.NoError(t, old.Open(ctx))
	_, err := old.Ingest(ctx, tier.Tier0, items("alpha"))
	require.NoError(t, err)

	// A new embedder with a different dimension makes the stored
	// collections stale; Open must rebuild instead of failing.
	fresh := tier.New(backend, mock.New(8))
	require.NoError(t, fresh.Open(ctx))
	assert.Equal(t, 0, fresh.Count(tier.Tier0))
	assert.GreaterOrEqual(t, backend.drops, 1)
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend := newFakeBackend()
	embedder := mock.New(4)

	first := tier.New(backend, embedder, tier.WithSnapshotDir(dir))
	require.NoError(t, first.Open(ctx))
	batch := items("alpha", "beta")
	_, err := first.Ingest(ctx, tier.Tier0, batch)
	require.NoError(t, err)

	// A second store over the same backend and snapshot dir sees the
	// same remote state as already applied.
	second := tier.New(backend, embedder, tier.WithSnapshotDir(dir))
	require.NoError(t, second.Open(ctx))
	stats, err := second.Ingest(ctx, tier.Tier0, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Added)
	assert.Equal(t, 0, stats.Updated)
	assert.Equal(t, 2, stats.Unchanged)
}

func TestClearDropsBothTiers(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	store := tier.New(backend, mock.New(4))
	require.NoError(t, store.Open(ctx))

	_, err := store.Ingest(ctx, tier.Tier0, items("alpha"))
	require.NoError(t, err)
	_, err = store.Ingest(ctx, tier.Tier1, items("beta"))
	require.NoError(t, err)

	require.NoError(t, store.Clear(ctx))
	assert.Equal(t, 0, store.Count(tier.Tier0))
	assert.Equal(t, 0, store.Count(tier.Tier1))

	// Cleared means closed until the next Open.
	_, err = store.Query(ctx, []float32{1, 0, 0, 0}, 3)
	assert.Error(t, err)
}

func TestQueryMergesTiersByDistance(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	embedder := mock.New(4)
	embedder.Pin("goal", []float32{1, 0, 0, 0})
	embedder.Pin("near", []float32{0.9, 0.1, 0, 0})
	embedder.Pin("far", []float32{0, 1, 0, 0})

	store := tier.New(backend, embedder)
	require.NoError(t, store.Open(ctx))

	_, err := store.Ingest(ctx, tier.Tier0, []memory.Item{{ID: "goal", Content: "goal"}, {ID: "far", Content: "far"}})
	require.NoError(t, err)
	_, err = store.Ingest(ctx, tier.Tier1, []memory.Item{{ID: "near", Content: "near"}})
	require.NoError(t, err)

	results, err := store.Query(ctx, []float32{1, 0, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "goal", results[0].ID)
	assert.Equal(t, "near", results[1].ID)
	assert.Less(t, results[0].Distance, results[1].Distance)
}
