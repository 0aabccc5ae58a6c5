// Package recall is the client SDK for the Recall memory service.
//
// A Client always works remote-first: every operation is available with
// nothing but a base URL and an API key. On capable hardware it
// additionally maintains an on-device working set (tier 0 goals and
// pinned items, tier 1 hot memories) in a local vector store, kept
// fresh by a background sync loop, and races that local index against
// the remote search so interactive queries come back in milliseconds.
//
// The local path degrades, never fails: a weak host, a missing model
// file or an embedding error at runtime all fall back to remote-only
// behaviour with one log line.
package recall

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/recallio/recall-go-sdk/core"
	"github.com/recallio/recall-go-sdk/device"
	"github.com/recallio/recall-go-sdk/memory"
	"github.com/recallio/recall-go-sdk/memory/embedder/onnx"
	"github.com/recallio/recall-go-sdk/memory/store/chromem"
	"github.com/recallio/recall-go-sdk/memory/tier"
	"github.com/recallio/recall-go-sdk/remote"
	"github.com/recallio/recall-go-sdk/search"
	"github.com/recallio/recall-go-sdk/tiersync"
)

// Client is the SDK entry point. Safe for concurrent use.
type Client struct {
	cfg     *Config
	service remote.Service
	user    *core.UserContext
	sup     *supervisor

	// searcher is swapped from a remote-only instance to a hybrid one
	// once the local path is up, so searches issued during startup
	// never block on model load.
	searcher atomic.Pointer[search.Searcher]

	mu     sync.Mutex
	local  *localState
	closed bool
}

// Option customises client construction.
type Option func(*clientOptions)

type clientOptions struct {
	service remote.Service
}

// WithService substitutes the remote transport. Tests and custom
// gateways use this; production clients take the default HTTP client.
func WithService(svc remote.Service) Option {
	return func(o *clientOptions) {
		o.service = svc
	}
}

// New creates a client. The call returns immediately: model warmup,
// the first sync and everything else that is slow happens on background
// workers, and searches run remote-only until the local path is ready.
//
// A nil cfg reads the RECALL_* environment.
func New(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = FromEnv()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var options clientOptions
	for _, opt := range opts {
		opt(&options)
	}

	service := options.service
	if service == nil {
		httpClient, err := remote.NewHTTPClient(remote.HTTPConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.HTTPTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("recall: %w", err)
		}
		service = httpClient
	}

	c := &Client{
		cfg:     cfg,
		service: service,
		user:    core.NewUserContext(),
		sup:     retainSupervisor(),
	}

	remoteOnly, err := search.New(service, nil, nil, c.user, nil, c.searchConfig())
	if err != nil {
		releaseSupervisor(c.sup)
		return nil, err
	}
	c.searcher.Store(remoteOnly)

	if cfg.OnDeviceEnabled {
		go c.bringUpLocal()
	} else {
		log.Printf("[RECALL] on-device path disabled by configuration, running remote-only")
	}
	return c, nil
}

func (c *Client) searchConfig() search.Config {
	return search.Config{
		Parallel:            c.cfg.ParallelSearch,
		SimilarityThreshold: c.cfg.SimilarityThreshold,
		CacheTTL:            c.cfg.SearchCacheTTL,
	}
}

// bringUpLocal assembles the on-device path: probe, model warmup, local
// store, first sync, periodic loop. Any failure logs once and leaves
// the client remote-only.
func (c *Client) bringUpLocal() {
	verdict := device.Probe()
	if verdict.TooWeak {
		log.Printf("[RECALL] host below on-device minimums (%d cores, %d GiB), running remote-only",
			verdict.Cores, verdict.MemoryBytes>>30)
		return
	}
	preferred := preferredDevice(c.cfg.AccelComputeUnits, verdict.Device)
	if preferred == device.KindCPU && !c.cfg.AllowCPUEmbedding {
		log.Printf("[RECALL] no accelerator available and CPU embedding not allowed, running remote-only")
		return
	}

	embedder, err := c.sup.warmup(func() (memory.Embedder, error) {
		return onnx.New(onnx.Config{
			ModelPath:     c.cfg.ModelPath,
			TokenizerPath: c.cfg.TokenizerPath,
			Dimensions:    c.cfg.EmbeddingDimensions,
			ModelTag:      c.cfg.EmbedModel,
			Device:        preferred,
			AllowCPU:      c.cfg.AllowCPUEmbedding,
			DisableWarmup: c.cfg.DisablePreload,
		})
	})
	if err != nil {
		log.Printf("[RECALL] on-device embedding unavailable: %v (running remote-only)", err)
		return
	}

	syncCfg := c.syncConfig(embedder)
	local, err := c.sup.initLocal(func() (*localState, error) {
		store, err := chromem.New(c.cfg.storePath())
		if err != nil {
			return nil, fmt.Errorf("open local store: %w", err)
		}
		tiers := tier.New(store, embedder, tier.WithSnapshotDir(c.cfg.storePath()))
		if err := tiers.Open(context.Background()); err != nil {
			// Not fatal: the sync engine retries the open each cycle.
			log.Printf("[RECALL] opening tier collections: %v", err)
		}
		mark := &core.SyncMark{}
		engine := tiersync.New(c.service, tiers, c.user, mark, syncCfg)
		return &localState{store: store, tiers: tiers, engine: engine, mark: mark}, nil
	})
	if err != nil {
		log.Printf("[RECALL] local state unavailable: %v (running remote-only)", err)
		return
	}

	hybrid, err := search.New(c.service, local.tiers, embedder, c.user, local.mark, c.searchConfig())
	if err != nil {
		log.Printf("[RECALL] building hybrid searcher: %v (running remote-only)", err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		hybrid.Close()
		return
	}
	c.local = local
	old := c.searcher.Swap(hybrid)
	c.mu.Unlock()
	old.Close()

	c.sup.startSync(local.engine)
	if c.cfg.SyncEventsEnabled {
		stream, err := remote.NewEventStream(c.cfg.BaseURL, c.cfg.APIKey)
		if err != nil {
			log.Printf("[RECALL] tier-events stream unavailable: %v", err)
		} else {
			c.sup.startStream(stream)
		}
	}
	log.Printf("[RECALL] on-device path ready (device=%s)", preferred)
}

// syncConfig derives the sync engine config, upgrading the embedding
// format to float32 when the model landed on an accelerator: fp16-era
// devices lose accuracy on quantised transfer formats.
func (c *Client) syncConfig(embedder memory.Embedder) tiersync.Config {
	format := c.cfg.EmbeddingFormat
	if dev, ok := embedder.(interface{ Device() device.Kind }); ok {
		if dev.Device() != device.KindCPU && format != "float32" {
			log.Printf("[RECALL] upgrading embedding format %q to float32 for %s", format, dev.Device())
			format = "float32"
		}
	}
	return tiersync.Config{
		MaxTier0:          c.cfg.MaxTier0,
		MaxTier1:          c.cfg.MaxTier1,
		IncludeEmbeddings: true,
		EmbeddingFormat:   format,
		EmbedLimit:        c.cfg.EmbedLimit,
		EmbedModel:        c.cfg.EmbedModel,
		Interval:          c.cfg.SyncInterval,
	}
}

// preferredDevice reconciles the configured compute preference with the
// probed hardware. The preference can lower the target, never raise it
// above what the probe found.
func preferredDevice(pref string, probed device.Kind) device.Kind {
	var want device.Kind
	switch strings.ToLower(pref) {
	case "accel", "ane", "npu":
		want = device.KindAccel
	case "gpu":
		want = device.KindGPU
	case "cpu":
		want = device.KindCPU
	default:
		return probed
	}
	if want < probed {
		return want
	}
	return probed
}

// Search runs one query through the hybrid orchestrator. See
// package search for the local/remote arbitration rules.
func (c *Client) Search(ctx context.Context, req *search.Request) (*remote.SearchResponse, error) {
	return c.searcher.Load().Search(ctx, req)
}

// OnDevice reports whether searches can currently use the local index.
func (c *Client) OnDevice() bool {
	return c.searcher.Load().OnDevice()
}

// UserContextOptions controls what happens to local state when the
// identity changes.
type UserContextOptions struct {
	// Resync pulls the new identity's working set immediately instead
	// of waiting for the next interval.
	Resync bool

	// ClearCache drops the previous identity's local collections right
	// away. Without it they are left for the next completed sync cycle
	// to replace; searches do not read them either way until that cycle
	// lands.
	ClearCache bool
}

// SetUserContext switches the identity the client is scoped to.
//
// Setting the same identity again is a no-op. On a real switch the
// context version advances, which immediately invalidates cached search
// results, makes any in-flight sync cycle discard its writes, and takes
// the local index out of play: searches run remote-only until a sync
// cycle for the new identity completes.
func (c *Client) SetUserContext(ctx context.Context, internalID, externalID string, opts *UserContextOptions) error {
	changed, _ := c.user.Set(internalID, externalID)
	if !changed {
		return nil
	}
	if opts == nil {
		opts = &UserContextOptions{}
	}
	return c.onUserChanged(ctx, opts.Resync, opts.ClearCache)
}

// ClearUserContext drops the identity, reverting to the authenticated
// principal.
func (c *Client) ClearUserContext(ctx context.Context, clearCache bool) error {
	changed, _ := c.user.Clear()
	if !changed {
		return nil
	}
	return c.onUserChanged(ctx, false, clearCache)
}

func (c *Client) onUserChanged(ctx context.Context, resync, clearCache bool) error {
	c.searcher.Load().Invalidate()

	c.mu.Lock()
	local := c.local
	c.mu.Unlock()
	if local == nil {
		return nil
	}

	if clearCache {
		if err := local.tiers.Clear(ctx); err != nil {
			return fmt.Errorf("recall: clear local collections: %w", err)
		}
	}
	// No-op while the periodic loop is running; relaunches it after an
	// authentication failure stopped it and the caller re-scoped with
	// fresh credentials.
	c.sup.startSync(local.engine)
	if resync {
		go func() {
			if err := local.engine.RunOnce(context.WithoutCancel(ctx)); err != nil {
				log.Printf("[RECALL] resync after user change: %v", err)
			}
		}()
	}
	return nil
}

// AddMemory creates one memory, scoped to the current user context.
// Writes go straight to the service; the new memory reaches the local
// working set on a later sync cycle if the service tiers it.
func (c *Client) AddMemory(ctx context.Context, req *remote.AddMemoryRequest) (*remote.AddMemoryResponse, error) {
	scoped := *req
	if scoped.Scope.IsZero() {
		scoped.Scope, _ = c.user.Snapshot()
	}
	resp, err := c.service.AddMemory(ctx, &scoped)
	if err != nil {
		return nil, err
	}
	c.searcher.Load().Invalidate()
	return resp, nil
}

// AddMemoryBatch creates many memories in one call. Partial success is
// normal; inspect the response's Failures.
func (c *Client) AddMemoryBatch(ctx context.Context, req *remote.AddMemoryBatchRequest) (*remote.AddMemoryBatchResponse, error) {
	scoped := *req
	if scoped.Scope.IsZero() {
		scoped.Scope, _ = c.user.Snapshot()
	}
	resp, err := c.service.AddMemoryBatch(ctx, &scoped)
	if err != nil {
		return nil, err
	}
	c.searcher.Load().Invalidate()
	return resp, nil
}

// DeleteMemory removes one memory remotely. The local copy, if tiered,
// disappears on the next sync diff; cached search results are dropped
// now.
func (c *Client) DeleteMemory(ctx context.Context, id string) error {
	if err := c.service.DeleteMemory(ctx, id); err != nil {
		return err
	}
	c.searcher.Load().Invalidate()
	return nil
}

// DeleteAll removes every memory of the current user context remotely.
// Local collections are left to the sync diff, which empties them on
// the next cycle.
func (c *Client) DeleteAll(ctx context.Context) error {
	scope, _ := c.user.Snapshot()
	if err := c.service.DeleteAll(ctx, scope); err != nil {
		return err
	}
	c.searcher.Load().Invalidate()
	return nil
}

// Close releases this client's resources. Shared process resources
// (the model, the local store, the sync loop) stop when the last client
// closes.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.searcher.Load().Close()
	releaseSupervisor(c.sup)
	return nil
}
