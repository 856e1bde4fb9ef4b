// Package runtime is the lazily-initialised service container wiring
// config, storage, providers and the retrieval engine together.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sagemem/sage/pkg/config"
	"github.com/sagemem/sage/pkg/embedder"
	"github.com/sagemem/sage/pkg/fault"
	"github.com/sagemem/sage/pkg/memory"
	"github.com/sagemem/sage/pkg/reranker"
	"github.com/sagemem/sage/pkg/retrieval"
)

// DefaultIdleReset tears the container down after this much inactivity
// so a long-lived stdio server does not hold a stale pool forever.
const DefaultIdleReset = 6 * time.Hour

// Runtime owns the service graph. All accessors are safe for concurrent
// use; construction happens once under the mutex.
type Runtime struct {
	mu sync.Mutex

	cfg      *config.Config
	db       *sql.DB
	store    *memory.Store
	embedder embedder.Provider
	reranker *reranker.Client
	engine   *retrieval.Engine

	initialized bool
	lastUsed    time.Time
	idleReset   time.Duration
}

func New(cfg *config.Config) *Runtime {
	return &Runtime{
		cfg:       cfg,
		idleReset: DefaultIdleReset,
	}
}

// Initialize builds the service graph. Idempotent: a second call on a
// live container is a no-op. A container idle past the reset window is
// torn down and rebuilt.
func (r *Runtime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized && time.Since(r.lastUsed) > r.idleReset {
		slog.Info("Resetting idle service container",
			"component", "runtime", "idle", time.Since(r.lastUsed))
		r.teardownLocked()
	}
	if r.initialized {
		r.lastUsed = time.Now()
		return nil
	}

	provider, err := embedder.NewSiliconFlowEmbedder(&r.cfg.Embedder)
	if err != nil {
		return err
	}

	// Refuse to start against a provider whose dimension does not match
	// the configured one; a mismatched vector would poison the store.
	probed, err := provider.Probe(ctx)
	if err != nil {
		return fault.Wrap(fault.ConfigMissing, "runtime",
			fmt.Errorf("embedding provider probe failed: %w", err))
	}
	if probed != r.cfg.Embedder.Dimension {
		return fault.Newf(fault.ConfigMissing, "runtime",
			"embedding dimension mismatch: config says %d, provider produces %d",
			r.cfg.Embedder.Dimension, probed)
	}

	db, err := memory.Open(r.cfg.Database.ConnectionString(),
		r.cfg.Database.MaxConns, r.cfg.Database.MaxIdle)
	if err != nil {
		return err
	}

	store, err := memory.NewStore(db, provider, memory.StoreOptions{
		Dimension:         r.cfg.Embedder.Dimension,
		FallbackScanLimit: r.cfg.Database.FallbackScanLimit,
	})
	if err != nil {
		db.Close()
		return err
	}
	if err := store.InitSchema(ctx); err != nil {
		db.Close()
		return err
	}

	var rr *reranker.Client
	if r.cfg.Reranker.Enabled {
		rr = reranker.NewClient(&r.cfg.Reranker)
	}

	var engineReranker retrieval.Reranker
	if rr != nil {
		engineReranker = rr
	}

	r.db = db
	r.store = store
	r.embedder = provider
	r.reranker = rr
	r.engine = retrieval.NewEngine(store, provider, engineReranker, r.cfg.Retrieval)
	r.initialized = true
	r.lastUsed = time.Now()

	slog.Info("Service container initialized",
		"component", "runtime",
		"dimension", r.cfg.Embedder.Dimension,
		"reranker_enabled", r.cfg.Reranker.Enabled)
	return nil
}

// OnConfigChange swaps in live-reloadable settings. Only the retrieval
// tuning is applied without a restart; everything else needs a new
// process.
func (r *Runtime) OnConfigChange(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cfg.Retrieval = cfg.Retrieval
	if r.initialized {
		r.engine = retrieval.NewEngine(r.store, r.embedder, r.engineRerankerLocked(), cfg.Retrieval)
		slog.Info("Applied retrieval config reload", "component", "runtime")
	}
}

func (r *Runtime) engineRerankerLocked() retrieval.Reranker {
	if r.reranker == nil {
		return nil
	}
	return r.reranker
}

// Store returns the storage layer; Initialize must have succeeded.
func (r *Runtime) Store() *memory.Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed = time.Now()
	return r.store
}

// Engine returns the retrieval engine.
func (r *Runtime) Engine() *retrieval.Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed = time.Now()
	return r.engine
}

// Embedder returns the embedding provider.
func (r *Runtime) Embedder() embedder.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastUsed = time.Now()
	return r.embedder
}

// Close tears the container down.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.teardownLocked()
}

func (r *Runtime) teardownLocked() {
	if r.db != nil {
		_ = r.db.Close()
	}
	if r.embedder != nil {
		_ = r.embedder.Close()
	}
	r.db = nil
	r.store = nil
	r.embedder = nil
	r.reranker = nil
	r.engine = nil
	r.initialized = false
}
