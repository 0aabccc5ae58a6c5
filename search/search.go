// Package search is the query entry point: it arbitrates between the
// on-device index and the remote service.
//
// In race mode the query embedding is computed once, then the local
// index and the remote search run in parallel. The local result wins
// when its best similarity clears the threshold; otherwise the remote
// result is awaited. The race loser is never cancelled — discarding a
// result is cheaper than correctly cancelling a remote HTTP call
// mid-flight — its result is simply ignored.
package search

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/recallio/recall-go-sdk/core"
	"github.com/recallio/recall-go-sdk/memory"
	"github.com/recallio/recall-go-sdk/remote"
)

// LocalIndex is the slice of the tier store the searcher needs.
type LocalIndex interface {
	Query(ctx context.Context, vector []float32, k int) ([]memory.QueryResult, error)
}

// Config tunes the orchestrator.
type Config struct {
	// Parallel enables race mode. Off means local-only when on-device
	// is available.
	Parallel bool

	// SimilarityThreshold is the minimum local max-similarity that
	// short-circuits the race. Applied only to locally computed
	// similarities, never to remote relevance scores. Default 0.70.
	SimilarityThreshold float64

	// MaxMemories is the default k when a request leaves it zero.
	MaxMemories int

	// CacheTTL bounds the hot-query cache; zero disables caching.
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.70
	}
	if c.MaxMemories == 0 {
		c.MaxMemories = 10
	}
	return c
}

// Request is one search call. Remote-only flags (graph walk, rerank,
// schema, filters) are forwarded verbatim.
type Request struct {
	Query       string
	MaxMemories int
	GraphWalk   bool
	Rerank      *remote.RerankConfig
	SchemaID    string
	Filters     map[string]any
}

// Searcher implements the decision matrix and the race.
type Searcher struct {
	service  remote.Service
	local    LocalIndex
	embedder memory.Embedder
	user     *core.UserContext
	mark     *core.SyncMark
	cfg      Config

	cache *ristretto.Cache

	// disabled latches when the embedder reports itself unavailable;
	// the session then runs remote-only.
	disabled    atomic.Bool
	disableOnce sync.Once
}

// New creates a searcher. local and embedder may be nil, which pins
// every query to the remote path. mark, when non-nil, is the sync
// engine's record of the last fully synced user-context version; the
// local path is used only while it matches the live version.
func New(service remote.Service, local LocalIndex, embedder memory.Embedder, user *core.UserContext, mark *core.SyncMark, cfg Config) (*Searcher, error) {
	cfg = cfg.withDefaults()
	s := &Searcher{
		service:  service,
		local:    local,
		embedder: embedder,
		user:     user,
		mark:     mark,
		cfg:      cfg,
	}
	if cfg.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 10_000,
			MaxCost:     512,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("search: build cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Close releases the cache.
func (s *Searcher) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// Invalidate drops all cached results. Called after writes that change
// what a repeated query should return.
func (s *Searcher) Invalidate() {
	if s.cache != nil {
		s.cache.Clear()
	}
}

// OnDevice reports whether the local path is currently usable. After a
// user-context switch the collections still hold the previous identity's
// items, so the local path stays off until a sync cycle for the new
// version completes; queries run remote-only in the meantime.
func (s *Searcher) OnDevice() bool {
	if s.local == nil || s.embedder == nil || s.disabled.Load() {
		return false
	}
	if s.mark != nil && s.mark.Version() != s.user.Version() {
		return false
	}
	return true
}

// Search runs one query. The response shape is identical for every
// path, so callers cannot tell (and need not care) which side served
// them.
func (s *Searcher) Search(ctx context.Context, req *Request) (*remote.SearchResponse, error) {
	if req.Query == "" {
		return nil, fmt.Errorf("search: query is required")
	}
	k := req.MaxMemories
	if k <= 0 {
		k = s.cfg.MaxMemories
	}

	scope, version := s.user.Snapshot()

	// Filtered and reranked requests are not cached: their knobs do not
	// fit a small key and repeat rarely.
	cacheable := s.cache != nil && req.Filters == nil && req.Rerank == nil
	key := s.cacheKey(version, req, k)
	if cacheable {
		if hit, ok := s.cache.Get(key); ok {
			return hit.(*remote.SearchResponse), nil
		}
	}

	var (
		resp *remote.SearchResponse
		err  error
	)
	switch {
	case req.GraphWalk || !s.OnDevice():
		resp, err = s.remoteSearch(ctx, scope, req, k)
	case !s.cfg.Parallel:
		resp, err = s.localSearch(ctx, req.Query, k)
	default:
		resp, err = s.race(ctx, scope, req, k)
	}
	if err != nil {
		return nil, err
	}

	if cacheable {
		s.cache.SetWithTTL(key, resp, 1, s.cfg.CacheTTL)
	}
	return resp, nil
}

func (s *Searcher) cacheKey(version uint64, req *Request, k int) string {
	return fmt.Sprintf("%d|%s|%d|%t|%s", version, req.Query, k, req.GraphWalk, req.SchemaID)
}

func (s *Searcher) remoteSearch(ctx context.Context, scope core.UserScope, req *Request, k int) (*remote.SearchResponse, error) {
	return s.service.Search(ctx, &remote.SearchRequest{
		Query:       req.Query,
		MaxMemories: k,
		GraphWalk:   req.GraphWalk,
		Rerank:      req.Rerank,
		SchemaID:    req.SchemaID,
		Filters:     req.Filters,
		Scope:       scope,
	})
}

// localSearch embeds the query and runs it against the merged tiers.
func (s *Searcher) localSearch(ctx context.Context, query string, k int) (*remote.SearchResponse, error) {
	resp, _, err := s.localSearchScored(ctx, query, k)
	return resp, err
}

func (s *Searcher) localSearchScored(ctx context.Context, query string, k int) (*remote.SearchResponse, float64, error) {
	vec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if errors.Is(err, memory.ErrEmbedderUnavailable) {
			s.disableLocal(err)
		}
		return nil, 0, fmt.Errorf("search: embed query: %w", err)
	}

	results, err := s.local.Query(ctx, vec, k)
	if err != nil {
		return nil, 0, fmt.Errorf("search: local query: %w", err)
	}

	resp := &remote.SearchResponse{Memories: make([]memory.ScoredItem, 0, len(results))}
	maxSim := 0.0
	for _, r := range results {
		sim := float64(r.Similarity())
		if sim > maxSim {
			maxSim = sim
		}
		item := memory.ItemFromEntry(r.ID, r.Document, r.Metadata)
		score := sim
		resp.Memories = append(resp.Memories, memory.ScoredItem{
			Item:            item,
			SimilarityScore: &score,
		})
	}
	return resp, maxSim, nil
}

// disableLocal latches remote-only mode for the session. Logged once.
func (s *Searcher) disableLocal(cause error) {
	s.disabled.Store(true)
	s.disableOnce.Do(func() {
		log.Printf("[SEARCH] on-device search disabled for this session: %v", cause)
	})
}

type localOutcome struct {
	resp   *remote.SearchResponse
	maxSim float64
	err    error
}

type remoteOutcome struct {
	resp *remote.SearchResponse
	err  error
}

// race issues the local and remote searches in parallel and returns the
// first acceptable result.
func (s *Searcher) race(ctx context.Context, scope core.UserScope, req *Request, k int) (*remote.SearchResponse, error) {
	localCh := make(chan localOutcome, 1)
	remoteCh := make(chan remoteOutcome, 1)

	go func() {
		resp, maxSim, err := s.localSearchScored(ctx, req.Query, k)
		localCh <- localOutcome{resp: resp, maxSim: maxSim, err: err}
	}()
	go func() {
		// Detached from the caller's cancellation: when the local
		// side wins, the remote call is left to finish and its
		// result is dropped.
		resp, err := s.remoteSearch(context.WithoutCancel(ctx), scope, req, k)
		remoteCh <- remoteOutcome{resp: resp, err: err}
	}()

	// Local work is bounded (tens of ms on an accelerator), so gate on
	// it first.
	lo := <-localCh
	if lo.err == nil && lo.maxSim >= s.cfg.SimilarityThreshold {
		return lo.resp, nil
	}
	if lo.err != nil {
		log.Printf("[SEARCH] local path failed, waiting for remote: %v", lo.err)
	}

	select {
	case ro := <-remoteCh:
		if ro.err == nil {
			return ro.resp, nil
		}
		if lo.err == nil {
			// Below threshold, but better than surfacing the remote
			// failure.
			log.Printf("[SEARCH] remote failed (%v), returning local result below threshold", ro.err)
			return lo.resp, nil
		}
		return nil, fmt.Errorf("search: both paths failed: local: %v; remote: %w", lo.err, ro.err)
	case <-ctx.Done():
		if lo.err == nil {
			return lo.resp, nil
		}
		return nil, ctx.Err()
	}
}
