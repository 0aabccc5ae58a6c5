package tiersync_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recallio/recall-go-sdk/core"
	"github.com/recallio/recall-go-sdk/memory"
	"github.com/recallio/recall-go-sdk/memory/tier"
	"github.com/recallio/recall-go-sdk/remote"
	"github.com/recallio/recall-go-sdk/tiersync"
)

// fakeService serves canned tier pulls and lets a test hook run while
// the pull is "in flight".
type fakeService struct {
	tier0, tier1 []memory.Item
	err          error
	onSync       func(req *remote.SyncTiersRequest)
}

func (f *fakeService) SyncTiers(ctx context.Context, req *remote.SyncTiersRequest) (*remote.SyncTiersResponse, error) {
	if f.onSync != nil {
		f.onSync(req)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &remote.SyncTiersResponse{Tier0: f.tier0, Tier1: f.tier1}, nil
}

func (f *fakeService) Search(ctx context.Context, req *remote.SearchRequest) (*remote.SearchResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeService) AddMemory(ctx context.Context, req *remote.AddMemoryRequest) (*remote.AddMemoryResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeService) AddMemoryBatch(ctx context.Context, req *remote.AddMemoryBatchRequest) (*remote.AddMemoryBatchResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeService) DeleteMemory(ctx context.Context, id string) error { return errors.New("no") }

func (f *fakeService) DeleteAll(ctx context.Context, scope core.UserScope) error {
	return errors.New("no")
}

// fakeTiers records ingests and can fail the first attempt.
type fakeTiers struct {
	mu        sync.Mutex
	opened    bool
	ingests   []int // tier order of successful ingests
	recovered []int
	failWith  error // returned once by the next Ingest
}

func (f *fakeTiers) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	return nil
}

func (f *fakeTiers) Ingest(ctx context.Context, t int, items []memory.Item) (tier.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		err := f.failWith
		f.failWith = nil
		return tier.Stats{}, err
	}
	f.ingests = append(f.ingests, t)
	return tier.Stats{Tier: t, Incoming: len(items), Added: len(items)}, nil
}

func (f *fakeTiers) Recover(ctx context.Context, t int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recovered = append(f.recovered, t)
	return nil
}

func TestRunOncePullsAndIngestsInOrder(t *testing.T) {
	svc := &fakeService{
		tier0: []memory.Item{{ID: "g1", Content: "goal"}},
		tier1: []memory.Item{{ID: "m1", Content: "memory"}},
	}
	tiers := &fakeTiers{}
	user := core.NewUserContext()
	user.Set("u1", "")

	engine := tiersync.New(svc, tiers, user, nil, tiersync.Config{MaxTier0: 10, MaxTier1: 100})
	require.NoError(t, engine.RunOnce(context.Background()))

	assert.True(t, tiers.opened)
	assert.Equal(t, []int{tier.Tier0, tier.Tier1}, tiers.ingests)
}

func TestRunOnceSendsScopeAndCaps(t *testing.T) {
	var got *remote.SyncTiersRequest
	svc := &fakeService{onSync: func(req *remote.SyncTiersRequest) { got = req }}
	user := core.NewUserContext()
	user.Set("u1", "ext1")

	engine := tiersync.New(svc, &fakeTiers{}, user, nil, tiersync.Config{
		MaxTier0:          7,
		MaxTier1:          70,
		IncludeEmbeddings: true,
		EmbedModel:        "embeddinggemma-300m",
	})
	require.NoError(t, engine.RunOnce(context.Background()))

	require.NotNil(t, got)
	assert.Equal(t, 7, got.MaxTier0)
	assert.Equal(t, 70, got.MaxTier1)
	assert.True(t, got.IncludeEmbeddings)
	assert.Equal(t, "u1", got.Scope.InternalID)
	assert.Equal(t, "ext1", got.Scope.ExternalID)
}

func TestRunOnceDropsWritesAfterUserSwitch(t *testing.T) {
	user := core.NewUserContext()
	user.Set("before", "")

	svc := &fakeService{
		tier0: []memory.Item{{ID: "g1", Content: "goal"}},
		// The identity changes while the pull is in flight.
		onSync: func(*remote.SyncTiersRequest) { user.Set("after", "") },
	}
	tiers := &fakeTiers{}

	engine := tiersync.New(svc, tiers, user, nil, tiersync.Config{})
	require.NoError(t, engine.RunOnce(context.Background()))

	assert.Empty(t, tiers.ingests, "stale cycle must not write")
}

func TestRunOnceMarksVersionSynced(t *testing.T) {
	svc := &fakeService{tier0: []memory.Item{{ID: "g1", Content: "goal"}}}
	user := core.NewUserContext()
	_, version := user.Set("u1", "")
	mark := &core.SyncMark{}

	engine := tiersync.New(svc, &fakeTiers{}, user, mark, tiersync.Config{})
	require.NoError(t, engine.RunOnce(context.Background()))

	assert.Equal(t, version, mark.Version())
}

func TestRunOnceDoesNotMarkStaleCycleSynced(t *testing.T) {
	user := core.NewUserContext()
	user.Set("before", "")

	svc := &fakeService{
		tier0:  []memory.Item{{ID: "g1", Content: "goal"}},
		onSync: func(*remote.SyncTiersRequest) { user.Set("after", "") },
	}
	mark := &core.SyncMark{}

	engine := tiersync.New(svc, &fakeTiers{}, user, mark, tiersync.Config{})
	require.NoError(t, engine.RunOnce(context.Background()))

	// The cycle ran under the old identity; the new one is not synced
	// until a cycle of its own completes.
	assert.NotEqual(t, user.Version(), mark.Version())
}

func TestRunOnceRecoversFromDimensionMismatch(t *testing.T) {
	svc := &fakeService{tier0: []memory.Item{{ID: "g1", Content: "goal"}}}
	tiers := &fakeTiers{failWith: memory.ErrDimensionMismatch}
	user := core.NewUserContext()

	engine := tiersync.New(svc, tiers, user, nil, tiersync.Config{})
	require.NoError(t, engine.RunOnce(context.Background()))

	assert.Equal(t, []int{tier.Tier0}, tiers.recovered)
	// Retry after recovery succeeded, then tier1 proceeded normally.
	assert.Equal(t, []int{tier.Tier0, tier.Tier1}, tiers.ingests)
}

func TestRunOncePropagatesPullFailure(t *testing.T) {
	svc := &fakeService{err: errors.New("service unavailable")}
	tiers := &fakeTiers{}

	engine := tiersync.New(svc, tiers, core.NewUserContext(), nil, tiersync.Config{})
	err := engine.RunOnce(context.Background())
	require.Error(t, err)
	assert.False(t, tiers.opened)
}

func TestRunOncePropagatesIngestFailure(t *testing.T) {
	svc := &fakeService{tier0: []memory.Item{{ID: "g1", Content: "goal"}}}
	tiers := &fakeTiers{failWith: errors.New("disk full")}

	engine := tiersync.New(svc, tiers, core.NewUserContext(), nil, tiersync.Config{})
	err := engine.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest tier0")
}
