// Package tiersync pulls the user's working set from the remote
// service and applies it to the local tier store.
//
// Cycles are totally ordered per user: the engine never overlaps two
// cycles, and every cycle is stamped with the user-context version it
// started under so a user switch mid-flight discards the writes instead
// of applying them to the wrong identity.
package tiersync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/recallio/recall-go-sdk/core"
	"github.com/recallio/recall-go-sdk/memory"
	"github.com/recallio/recall-go-sdk/memory/tier"
	"github.com/recallio/recall-go-sdk/remote"
)

// Config parametrises the pull.
type Config struct {
	// MaxTier0 and MaxTier1 cap how many items each tier pulls.
	MaxTier0 int
	MaxTier1 int

	// IncludeEmbeddings asks the remote to ship vectors so the local
	// embedder only fills gaps.
	IncludeEmbeddings bool

	// EmbeddingFormat is "float32" or a quantised format. The client
	// upgrades this to float32 when the local accelerator is
	// fp16-native, to preserve accuracy.
	EmbeddingFormat string

	// EmbedLimit caps how many items the remote embeds per cycle.
	EmbedLimit int

	// EmbedModel is the model tag requested remotely; it must match
	// the local embedder or ingest recovers the collections.
	EmbedModel string

	// Interval is the period between background cycles. Default 300s.
	Interval time.Duration

	// CycleTimeout bounds one cycle. Default 300s; on expiry the
	// cycle is abandoned and retried next interval.
	CycleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval == 0 {
		c.Interval = 300 * time.Second
	}
	if c.CycleTimeout == 0 {
		c.CycleTimeout = 300 * time.Second
	}
	return c
}

// TierIndex is the slice of the tier store the engine drives.
// *tier.Store implements it; tests substitute fakes.
type TierIndex interface {
	Open(ctx context.Context) error
	Ingest(ctx context.Context, t int, items []memory.Item) (tier.Stats, error)
	Recover(ctx context.Context, t int) error
}

// Engine runs sync cycles.
type Engine struct {
	service remote.Service
	tiers   TierIndex
	user    *core.UserContext
	mark    *core.SyncMark
	cfg     Config

	// hintLimiter protects against event-stream hint storms: a hint
	// only pulls the next cycle forward, it cannot run cycles faster
	// than this.
	hintLimiter *rate.Limiter

	// runMu serialises cycles: the periodic loop and an on-demand
	// resync must never interleave their writes.
	runMu sync.Mutex
}

// New creates an engine. It performs no I/O until RunOnce or Run.
//
// mark, when non-nil, is updated with the user-context version of every
// cycle that applied cleanly; the searcher reads it to decide whether
// the local index may answer for the current identity.
func New(service remote.Service, tiers TierIndex, user *core.UserContext, mark *core.SyncMark, cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		service:     service,
		tiers:       tiers,
		user:        user,
		mark:        mark,
		cfg:         cfg,
		hintLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// RunOnce executes a single sync cycle for the current user context.
//
// The cycle pulls both tiers, then ingests tier 0 and tier 1 in order.
// Partial failure applies the successful portion; the next cycle's diff
// catches the rest. Writes are dropped silently if the user context
// changed while the pull was in flight.
func (e *Engine) RunOnce(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	scope, version := e.user.Snapshot()

	cctx, cancel := context.WithTimeout(ctx, e.cfg.CycleTimeout)
	defer cancel()

	cycle := uuid.New().String()[:8]
	start := time.Now()

	resp, err := e.service.SyncTiers(cctx, &remote.SyncTiersRequest{
		MaxTier0:          e.cfg.MaxTier0,
		MaxTier1:          e.cfg.MaxTier1,
		IncludeEmbeddings: e.cfg.IncludeEmbeddings,
		EmbeddingFormat:   e.cfg.EmbeddingFormat,
		EmbedLimit:        e.cfg.EmbedLimit,
		EmbedModel:        e.cfg.EmbedModel,
		Scope:             scope,
	})
	if err != nil {
		return fmt.Errorf("sync cycle %s: pull tiers: %w", cycle, err)
	}

	if !e.user.Current(version) {
		log.Printf("[SYNC] cycle %s: user context changed mid-pull, dropping result", cycle)
		return nil
	}
	if err := e.tiers.Open(cctx); err != nil {
		return fmt.Errorf("sync cycle %s: open tiers: %w", cycle, err)
	}

	if err := e.ingestTier(cctx, version, tier.Tier0, resp.Tier0); err != nil {
		return fmt.Errorf("sync cycle %s: %w", cycle, err)
	}
	if err := e.ingestTier(cctx, version, tier.Tier1, resp.Tier1); err != nil {
		return fmt.Errorf("sync cycle %s: %w", cycle, err)
	}

	// Only a cycle that ran under the still-current identity marks the
	// local index as synced for it.
	if e.mark != nil && e.user.Current(version) {
		e.mark.Record(version)
	}

	log.Printf("[SYNC] cycle %s: done in %s (tier0=%d tier1=%d)",
		cycle, time.Since(start).Round(time.Millisecond), len(resp.Tier0), len(resp.Tier1))
	return nil
}

// ingestTier applies one tier, recovering the collection once when the
// remote shipped vectors of an unexpected dimension.
func (e *Engine) ingestTier(ctx context.Context, version uint64, t int, items []memory.Item) (err error) {
	if !e.user.Current(version) {
		log.Printf("[SYNC] user context changed, dropping tier%d writes", t)
		return nil
	}

	_, err = e.tiers.Ingest(ctx, t, items)
	if errors.Is(err, memory.ErrDimensionMismatch) {
		log.Printf("[SYNC] tier%d: %v, rebuilding collection and retrying", t, err)
		if rerr := e.tiers.Recover(ctx, t); rerr != nil {
			return fmt.Errorf("recover tier%d: %w", t, rerr)
		}
		if !e.user.Current(version) {
			return nil
		}
		_, err = e.tiers.Ingest(ctx, t, items)
	}
	if err != nil {
		return fmt.Errorf("ingest tier%d: %w", t, err)
	}
	return nil
}

// Run loops RunOnce on the configured interval until ctx ends.
//
// A value on hints pulls the next cycle forward (rate-limited); hints
// may be nil. Failures are logged and the loop continues after a short
// pause, except authentication failures, which stop the loop until the
// supervisor restarts it with fresh credentials.
func (e *Engine) Run(ctx context.Context, hints <-chan struct{}) {
	const crashPause = 5 * time.Second

	runCycle := func() (stop bool) {
		err := e.RunOnce(ctx)
		if err == nil {
			return false
		}
		if remote.IsAuthError(err) {
			log.Printf("[SYNC] stopping: %v (refresh credentials and set the user context again)", err)
			return true
		}
		if ctx.Err() != nil {
			return true
		}
		log.Printf("[SYNC] cycle failed: %v", err)
		select {
		case <-ctx.Done():
			return true
		case <-time.After(crashPause):
		}
		return false
	}

	if runCycle() {
		return
	}

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if runCycle() {
				return
			}
		case _, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			if !e.hintLimiter.Allow() {
				continue
			}
			log.Printf("[SYNC] early cycle on server hint")
			if runCycle() {
				return
			}
			ticker.Reset(e.cfg.Interval)
		}
	}
}
