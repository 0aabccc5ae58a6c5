package chromem_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/recall-go-sdk/memory"
	"github.com/recallio/recall-go-sdk/memory/store/chromem"
)

func testMeta(dim int) memory.CollectionMeta {
	return memory.CollectionMeta{
		ModelTag:      "mock",
		Dimension:     dim,
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: memory.SchemaVersion,
	}
}

func TestAddAndQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := chromem.New("")
	require.NoError(t, err)

	col, err := store.Open("tier0", testMeta(3))
	require.NoError(t, err)

	err = col.Add(ctx,
		[]string{"a", "b"},
		[][]float32{{1, 0, 0}, {0, 1, 0}},
		[]string{"goal text", "other text"},
		[]map[string]string{{"k": "v"}, {}},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, col.Count())

	results, err := col.Query(ctx, []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "goal text", results[0].Document)
	assert.Equal(t, "v", results[0].Metadata["k"])
	assert.InDelta(t, 0, results[0].Distance, 1e-5)
	assert.Less(t, results[0].Distance, results[1].Distance)
}

func TestQueryClampsToCollectionSize(t *testing.T) {
	ctx := context.Background()
	store, err := chromem.New("")
	require.NoError(t, err)

	col, err := store.Open("tier1", testMeta(3))
	require.NoError(t, err)

	// Asking an empty collection is fine.
	results, err := col.Query(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, col.Add(ctx,
		[]string{"only"},
		[][]float32{{1, 0, 0}},
		[]string{"doc"},
		[]map[string]string{{}},
	))

	// k larger than the collection must not error.
	results, err = col.Query(ctx, []float32{0, 1, 0}, 5)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestAddRejectsWrongDimension(t *testing.T) {
	ctx := context.Background()
	store, err := chromem.New("")
	require.NoError(t, err)

	col, err := store.Open("tier0", testMeta(3))
	require.NoError(t, err)

	err = col.Add(ctx,
		[]string{"bad"},
		[][]float32{{1, 0}},
		[]string{"doc"},
		[]map[string]string{{}},
	)
	require.ErrorIs(t, err, memory.ErrDimensionMismatch)
	assert.Equal(t, 0, col.Count())
}

func TestUpdateReplacesDocument(t *testing.T) {
	ctx := context.Background()
	store, err := chromem.New("")
	require.NoError(t, err)

	col, err := store.Open("tier0", testMeta(3))
	require.NoError(t, err)

	require.NoError(t, col.Add(ctx,
		[]string{"a"}, [][]float32{{1, 0, 0}}, []string{"old"}, []map[string]string{{}}))
	require.NoError(t, col.Update(ctx,
		[]string{"a"}, [][]float32{{0, 1, 0}}, []string{"new"}, []map[string]string{{}}))

	assert.Equal(t, 1, col.Count())
	results, err := col.Query(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "new", results[0].Document)
}

func TestDeleteIgnoresUnknownIDs(t *testing.T) {
	ctx := context.Background()
	store, err := chromem.New("")
	require.NoError(t, err)

	col, err := store.Open("tier0", testMeta(3))
	require.NoError(t, err)

	require.NoError(t, col.Add(ctx,
		[]string{"a"}, [][]float32{{1, 0, 0}}, []string{"doc"}, []map[string]string{{}}))
	require.NoError(t, col.Delete(ctx, "a", "never-existed"))
	assert.Equal(t, 0, col.Count())
}

func TestStaleMetaDetectedAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := chromem.New(dir)
	require.NoError(t, err)
	col, err := first.Open("tier0", testMeta(3))
	require.NoError(t, err)
	require.NoError(t, col.Add(ctx,
		[]string{"a"}, [][]float32{{1, 0, 0}}, []string{"doc"}, []map[string]string{{}}))
	require.NoError(t, first.Close())

	// Same model and dimension: the persisted collection is served.
	second, err := chromem.New(dir)
	require.NoError(t, err)
	col, err = second.Open("tier0", testMeta(3))
	require.NoError(t, err)
	assert.Equal(t, 1, col.Count())

	// A different dimension makes it stale; after Drop it opens fresh.
	third, err := chromem.New(dir)
	require.NoError(t, err)
	_, err = third.Open("tier0", testMeta(5))
	require.ErrorIs(t, err, memory.ErrStaleCollection)

	require.NoError(t, third.Drop("tier0"))
	col, err = third.Open("tier0", testMeta(5))
	require.NoError(t, err)
	assert.Equal(t, 0, col.Count())
}

func TestResetDropsEverything(t *testing.T) {
	ctx := context.Background()
	store, err := chromem.New("")
	require.NoError(t, err)

	for _, name := range []string{"tier0", "tier1"} {
		col, err := store.Open(name, testMeta(3))
		require.NoError(t, err)
		require.NoError(t, col.Add(ctx,
			[]string{"a"}, [][]float32{{1, 0, 0}}, []string{"doc"}, []map[string]string{{}}))
	}

	require.NoError(t, store.Reset())

	// Both names open as brand-new collections afterwards.
	for _, name := range []string{"tier0", "tier1"} {
		col, err := store.Open(name, testMeta(3))
		require.NoError(t, err)
		assert.Equal(t, 0, col.Count())
	}
}
