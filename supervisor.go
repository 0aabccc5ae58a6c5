package recall

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/recallio/recall-go-sdk/core"
	"github.com/recallio/recall-go-sdk/memory"
	"github.com/recallio/recall-go-sdk/memory/store/chromem"
	"github.com/recallio/recall-go-sdk/memory/tier"
	"github.com/recallio/recall-go-sdk/remote"
	"github.com/recallio/recall-go-sdk/tiersync"
)

// supervisor owns the process-wide background workers: model warmup,
// initial local-state build, the periodic sync loop and the optional
// event stream.
//
// The embedding model, the persistent collections and the sync loop are
// per-process resources, not per-client: two clients loading the model
// twice or syncing the same on-disk store concurrently would fight each
// other. The first client to bring up a worker wins, later clients
// attach to the result, and the last Close tears everything down. With
// several differently-configured clients in one process the first
// configuration wins; that is the documented behaviour.
type supervisor struct {
	mu     sync.Mutex
	flight singleflight.Group

	embedder memory.Embedder
	local    *localState

	syncCancel   context.CancelFunc
	syncGen      uint64
	streamCancel context.CancelFunc
	hints        chan struct{}
}

// syncRunner is the slice of the sync engine the supervisor drives.
type syncRunner interface {
	Run(ctx context.Context, hints <-chan struct{})
}

// localState bundles the on-device resources built by the initial-init
// worker.
type localState struct {
	store  *chromem.Store
	tiers  *tier.Store
	engine *tiersync.Engine

	// mark tracks the user-context version the collections were last
	// fully synced at; the searcher stays remote-only while it lags.
	mark *core.SyncMark
}

var (
	procMu      sync.Mutex
	proc        *supervisor
	procClients int
)

// retainSupervisor returns the process supervisor, creating it for the
// first client.
func retainSupervisor() *supervisor {
	procMu.Lock()
	defer procMu.Unlock()
	if proc == nil {
		proc = &supervisor{hints: make(chan struct{}, 1)}
	}
	procClients++
	return proc
}

// releaseSupervisor drops one client reference. The last release stops
// the workers and frees the shared resources.
func releaseSupervisor(s *supervisor) {
	procMu.Lock()
	defer procMu.Unlock()
	if proc != s {
		return
	}
	procClients--
	if procClients > 0 {
		return
	}
	s.shutdown()
	proc = nil
}

// ResetForTesting stops all background workers and discards the shared
// state, regardless of open clients. Tests only.
func ResetForTesting() {
	procMu.Lock()
	defer procMu.Unlock()
	if proc != nil {
		proc.shutdown()
		proc = nil
	}
	procClients = 0
}

func (s *supervisor) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.syncCancel != nil {
		s.syncCancel()
		s.syncCancel = nil
	}
	if s.streamCancel != nil {
		s.streamCancel()
		s.streamCancel = nil
	}
	if s.local != nil {
		if err := s.local.store.Close(); err != nil {
			log.Printf("[RECALL] closing local store: %v", err)
		}
		s.local = nil
	}
	if closer, ok := s.embedder.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Printf("[RECALL] closing embedder: %v", err)
		}
	}
	s.embedder = nil
}

// warmup loads the embedding model once for the process. Concurrent
// callers share a single load; a failed load is retried by the next
// caller rather than cached.
func (s *supervisor) warmup(build func() (memory.Embedder, error)) (memory.Embedder, error) {
	s.mu.Lock()
	if s.embedder != nil {
		defer s.mu.Unlock()
		return s.embedder, nil
	}
	s.mu.Unlock()

	v, err, _ := s.flight.Do("warmup", func() (any, error) {
		return build()
	})
	if err != nil {
		return nil, err
	}
	emb := v.(memory.Embedder)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.embedder == nil {
		s.embedder = emb
	}
	return s.embedder, nil
}

// initLocal builds the tier store and sync engine once for the process,
// same sharing rules as warmup.
func (s *supervisor) initLocal(build func() (*localState, error)) (*localState, error) {
	s.mu.Lock()
	if s.local != nil {
		defer s.mu.Unlock()
		return s.local, nil
	}
	s.mu.Unlock()

	v, err, _ := s.flight.Do("initial_init", func() (any, error) {
		return build()
	})
	if err != nil {
		return nil, err
	}
	state := v.(*localState)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.local == nil {
		s.local = state
	}
	return s.local, nil
}

// startSync launches the periodic sync loop if it is not already
// running. The loop can stop on its own (authentication failure);
// the guard clears when the run goroutine exits, so a later call —
// a new client with fresh credentials, or a user-context change —
// relaunches it.
func (s *supervisor) startSync(engine syncRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.syncCancel = cancel
	s.syncGen++
	gen := s.syncGen
	go func() {
		engine.Run(ctx, s.hints)
		cancel()
		s.mu.Lock()
		if s.syncGen == gen {
			s.syncCancel = nil
		}
		s.mu.Unlock()
	}()
}

// startStream launches the tier-events subscription if it is not
// already running. Events collapse into the hint channel.
func (s *supervisor) startStream(stream *remote.EventStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.streamCancel = cancel
	go stream.Run(ctx, s.hint)
}

// hint nudges the sync loop without blocking; a pending hint absorbs
// further ones.
func (s *supervisor) hint() {
	select {
	case s.hints <- struct{}{}:
	default:
	}
}
