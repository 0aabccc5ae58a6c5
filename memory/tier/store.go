// Package tier owns the two local vector collections of the working
// set: tier 0 (goals/OKRs and pinned items) and tier 1 (recently-hot
// memories).
//
// The store binds the embedder to its collections as a passthrough:
// vectors supplied by the remote are stored verbatim, the embedder only
// fills gaps. On open it validates each collection's recorded model tag
// and dimension against the active embedder and rebuilds collections
// that have gone stale.
package tier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/recallio/recall-go-sdk/memory"
)

// Tier indexes.
const (
	Tier0 = 0
	Tier1 = 1
)

var collectionNames = [2]string{"tier0", "tier1"}

// CollectionName returns the collection name for a tier index.
func CollectionName(tier int) string {
	return collectionNames[tier]
}

// Store owns the tier0 and tier1 collections.
//
// Writes (ingest, recovery, clear) take the write lock; queries take
// the read lock. A query therefore sees either the pre- or post-swap
// collection during recovery, never a half-swapped state.
type Store struct {
	backend     memory.CollectionStore
	embedder    memory.Embedder
	snapshotDir string

	mu     sync.RWMutex
	cols   [2]memory.Collection
	snaps  [2]snapshot
	opened bool
}

// Option configures the store.
type Option func(*Store)

// WithSnapshotDir persists tier snapshots under dir so repeat syncs
// stay write-free across restarts. Without it snapshots are in-memory
// only.
func WithSnapshotDir(dir string) Option {
	return func(s *Store) {
		s.snapshotDir = dir
	}
}

// New creates a tier store over the given collection backend and
// embedder.
func New(backend memory.CollectionStore, embedder memory.Embedder, opts ...Option) *Store {
	s := &Store{backend: backend, embedder: embedder}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens (or creates) both tier collections, validating each
// against the embedder and recovering stale ones. Idempotent.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		return nil
	}
	for t := range collectionNames {
		if err := s.openTierLocked(t); err != nil {
			return err
		}
	}
	s.opened = true
	return nil
}

func (s *Store) meta() memory.CollectionMeta {
	return memory.CollectionMeta{
		ModelTag:      s.embedder.ModelTag(),
		Dimension:     s.embedder.Dimensions(),
		CreatedAt:     time.Now().UTC(),
		SchemaVersion: memory.SchemaVersion,
	}
}

// openTierLocked opens one collection, dropping and recreating it when
// its stored metadata disagrees with the embedder. A recreated
// collection starts with an empty snapshot: everything gets re-pulled.
func (s *Store) openTierLocked(t int) error {
	name := collectionNames[t]

	col, err := s.backend.Open(name, s.meta())
	if errors.Is(err, memory.ErrStaleCollection) {
		log.Printf("[TIER] collection %s is stale, rebuilding", name)
		if err := s.backend.Drop(name); err != nil {
			return fmt.Errorf("drop stale collection %s: %w", name, err)
		}
		s.dropSnapshotLocked(t)
		col, err = s.backend.Open(name, s.meta())
	}
	if err != nil {
		return fmt.Errorf("open collection %s: %w", name, err)
	}

	s.cols[t] = col
	if s.snaps[t] == nil {
		if s.snapshotDir != "" {
			snap, err := loadSnapshot(s.snapshotDir, name)
			if err != nil {
				log.Printf("[TIER] snapshot for %s unreadable, starting fresh: %v", name, err)
			}
			s.snaps[t] = snap
		}
		if s.snaps[t] == nil {
			s.snaps[t] = snapshot{}
		}
	}
	return nil
}

// Recover drops and recreates one tier's collection. Called when ingest
// hits vectors of an unexpected dimension. Cached data is lost; the
// next sync cycle repopulates.
func (s *Store) Recover(ctx context.Context, t int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := collectionNames[t]
	log.Printf("[TIER] recovering collection %s", name)
	if err := s.backend.Drop(name); err != nil {
		return fmt.Errorf("drop collection %s: %w", name, err)
	}
	s.dropSnapshotLocked(t)
	s.snaps[t] = snapshot{}
	return s.openTierLocked(t)
}

// Clear drops both collections and their snapshots. Used on
// user-context change with clear_cache.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for t, name := range collectionNames {
		if s.cols[t] == nil {
			continue
		}
		if err := s.backend.Drop(name); err != nil && firstErr == nil {
			firstErr = err
		}
		s.dropSnapshotLocked(t)
		s.snaps[t] = snapshot{}
		s.cols[t] = nil
	}
	s.opened = false
	return firstErr
}

func (s *Store) dropSnapshotLocked(t int) {
	if s.snapshotDir != "" {
		dropSnapshot(s.snapshotDir, collectionNames[t])
	}
	s.snaps[t] = nil
}

// Count returns the record count of one tier, 0 before Open.
func (s *Store) Count(t int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cols[t] == nil {
		return 0
	}
	return s.cols[t].Count()
}

// Query runs the same embedding against both tiers in parallel and
// returns the merged top k by ascending distance. Ties keep tier-0
// before tier-1 and otherwise insertion order.
func (s *Store) Query(ctx context.Context, vector []float32, k int) ([]memory.QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.opened {
		return nil, fmt.Errorf("tier: store not opened")
	}
	if k <= 0 {
		return nil, nil
	}

	var results [2][]memory.QueryResult
	g, gctx := errgroup.WithContext(ctx)
	for t := range s.cols {
		col := s.cols[t]
		slot := t
		g.Go(func() error {
			r, err := col.Query(gctx, vector, k)
			if err != nil {
				return fmt.Errorf("query %s: %w", col.Name(), err)
			}
			results[slot] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := append(results[Tier0], results[Tier1]...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Distance < merged[j].Distance })
	if len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}
