package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/fedq/internal/buffer"
	"github.com/roach88/fedq/internal/cache"
	"github.com/roach88/fedq/internal/cluster"
	"github.com/roach88/fedq/internal/config"
	"github.com/roach88/fedq/internal/connector"
	"github.com/roach88/fedq/internal/metrics"
	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/rows"
	"github.com/roach88/fedq/internal/scheduler"
	"github.com/roach88/fedq/internal/spill"
	"github.com/roach88/fedq/internal/tuplebuf"
)

// cachedResult is a result-cache value: a sealed tuple buffer the cache
// holds one directory reference on.
type cachedResult struct {
	Buffer buffer.ID
	Schema rows.Schema
	Rows   int64
}

// Engine wires the runtime components together and serves requests.
//
// Thread-safety model:
//   - Submit, Poll, Cancel, Close: safe from any goroutine
//   - Deploy, Withdrawing, Withdrawn: safe from any goroutine; unit
//     transitions are serialized by the engine lock
//   - Start, Stop: call once each
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger
	now    func() time.Time
	ids    scheduler.IDGenerator

	store      spill.Store // nil without secondary storage
	spillDir   string      // removed on Stop when created here
	buffers    *buffer.Manager
	local      *tuplebuf.Local
	dir        tuplebuf.Directory
	state      cluster.ReplicatedState
	plans      *cache.Cache[*plan.Prepared]
	results    *cache.Cache[cachedResult]
	sched      *scheduler.Scheduler
	sources    *connector.Catalog
	planner    plan.Planner
	registerer prometheus.Registerer
	trace      func(scheduler.Event)
	sweepEvery time.Duration

	mu          sync.RWMutex // guards units, epochs and deployments
	units       map[string]UnitState
	epochs      map[string]uint64 // deployment each deployed unit is on
	deployments uint64

	rmu      sync.Mutex
	requests map[string]*request

	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the wall clock shared by the caches and the scheduler.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator sets the request id generator (default UUIDv7).
func WithIDGenerator(g scheduler.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithPlanner replaces the default command registry.
func WithPlanner(p plan.Planner) Option {
	return func(e *Engine) { e.planner = p }
}

// WithSource registers a connector under name.
func WithSource(name string, c plan.Connector) Option {
	return func(e *Engine) { e.sources.Register(name, c) }
}

// WithCluster replicates buffer metadata and cache clears through state.
func WithCluster(state cluster.ReplicatedState) Option {
	return func(e *Engine) { e.state = state }
}

// WithSpillStore sets the secondary storage backend instead of opening
// the configured one.
func WithSpillStore(s spill.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithMetrics registers the engine's collector on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithTrace receives every scheduler event.
func WithTrace(fn func(scheduler.Event)) Option {
	return func(e *Engine) { e.trace = fn }
}

// WithSweepInterval sets how often stale cache entries are dropped
// (default 30s, 0 disables the sweeper).
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepEvery = d }
}

// New builds an engine from cfg. Components are created in dependency
// order: secondary storage, buffer manager, directory, caches, scheduler.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
		ids:        scheduler.UUIDv7Generator{},
		sources:    connector.NewCatalog(),
		sweepEvery: 30 * time.Second,
		units:      make(map[string]UnitState),
		epochs:     make(map[string]uint64),
		requests:   make(map[string]*request),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.planner == nil {
		e.planner = plan.NewRegistry(e.sources)
	}
	if cfg.Cluster.Enabled && e.state == nil {
		return nil, fmt.Errorf("cluster %s enabled but no replicated state supplied", cfg.Cluster.NodeID)
	}

	if err := e.openStore(); err != nil {
		return nil, err
	}
	built := false
	defer func() {
		if !built {
			e.closeStore()
		}
	}()

	bopts := []buffer.Option{buffer.WithLogger(e.logger)}
	if e.store != nil {
		bopts = append(bopts, buffer.WithStore(e.store))
	}
	buffers, err := buffer.New(cfg.Buffer, bopts...)
	if err != nil {
		return nil, fmt.Errorf("buffer manager: %w", err)
	}
	e.buffers = buffers
	e.local = tuplebuf.NewLocal(buffers, e.logger)
	e.dir = e.local
	if e.state != nil {
		e.dir = tuplebuf.NewReplicated(e.local, e.state, e.logger)
	}

	planOpts := []cache.Option[*plan.Prepared]{
		cache.WithClock[*plan.Prepared](e.now),
		cache.WithLogger[*plan.Prepared](e.logger),
	}
	resultOpts := []cache.Option[cachedResult]{
		cache.WithClock[cachedResult](e.now),
		cache.WithLogger[cachedResult](e.logger),
		cache.WithReleaseHook(e.releaseCached),
	}
	if e.state != nil {
		planOpts = append(planOpts, cache.WithReplication[*plan.Prepared](e.state))
		resultOpts = append(resultOpts, cache.WithReplication[cachedResult](e.state))
	}
	if e.plans, err = cache.New(withName(cfg.PlanCache, config.DefaultPlanCacheName), planOpts...); err != nil {
		return nil, fmt.Errorf("plan cache: %w", err)
	}
	if e.results, err = cache.New(withName(cfg.ResultCache, config.DefaultResultCacheName), resultOpts...); err != nil {
		return nil, fmt.Errorf("result cache: %w", err)
	}

	sopts := []scheduler.Option{
		scheduler.WithLogger(e.logger),
		scheduler.WithClock(e.now),
		scheduler.WithIDGenerator(e.ids),
		scheduler.WithBatchSize(cfg.Buffer.ProcessorBatchSize),
		scheduler.WithCompletionHook(e.onComplete),
	}
	if e.trace != nil {
		sopts = append(sopts, scheduler.WithTrace(e.trace))
	}
	if e.sched, err = scheduler.New(cfg.Scheduler, e.dir, buffers, e.sources, sopts...); err != nil {
		return nil, err
	}

	if e.registerer != nil {
		if _, err := metrics.Register(e.registerer, e.snapshot); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	built = true
	return e, nil
}

func withName(c config.CacheConfig, name string) config.CacheConfig {
	if c.Name == "" {
		c.Name = name
	}
	return c
}

// openStore opens secondary storage in a private directory under the
// configured spill directory.
func (e *Engine) openStore() error {
	b := e.cfg.Buffer
	if !b.UseSecondaryStorage || e.store != nil {
		return nil
	}
	if err := os.MkdirAll(b.SpillDirectory, 0o755); err != nil {
		return fmt.Errorf("spill directory: %w", err)
	}
	dir, err := os.MkdirTemp(b.SpillDirectory, "engine-")
	if err != nil {
		return fmt.Errorf("spill directory: %w", err)
	}
	store, err := spill.Open(b, dir, e.logger)
	if err != nil {
		os.RemoveAll(dir)
		return err
	}
	e.store = store
	e.spillDir = dir
	return nil
}

func (e *Engine) closeStore() error {
	var errs []error
	if e.store != nil {
		errs = append(errs, e.store.Close())
	}
	if e.spillDir != "" {
		errs = append(errs, os.RemoveAll(e.spillDir))
	}
	return errors.Join(errs...)
}

// Sources returns the connector catalog.
func (e *Engine) Sources() *connector.Catalog { return e.sources }

// Directory returns the tuple buffer directory.
func (e *Engine) Directory() tuplebuf.Directory { return e.dir }

// Start launches the scheduler and the cache sweeper.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	e.group = g

	e.logger.Info("engine starting",
		"maxThreads", e.cfg.Scheduler.Workers(),
		"maxActivePlans", e.cfg.Scheduler.MaxActivePlans,
		"secondaryStorage", e.store != nil,
		"cluster", e.state != nil)

	e.sched.Start(gctx)
	if e.sweepEvery > 0 {
		g.Go(func() error { return e.sweep(gctx) })
	}
}

func (e *Engine) sweep(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.results.Sweep() + e.plans.Sweep(); n > 0 {
				e.logger.Debug("stale cache entries swept", "entries", n)
			}
		}
	}
}

// Stop cancels outstanding requests and releases every buffer and the
// secondary storage.
func (e *Engine) Stop() error {
	e.logger.Info("engine stopping")
	if e.cancel != nil {
		e.cancel()
	}
	e.sched.Stop()

	var errs []error
	if e.group != nil {
		errs = append(errs, e.group.Wait())
	}

	e.rmu.Lock()
	for id, r := range e.requests {
		if r.cached {
			e.releaseBuffer(r.buf)
		}
		delete(e.requests, id)
	}
	e.rmu.Unlock()

	e.results.Purge()
	e.plans.Purge()
	errs = append(errs, e.buffers.Close(), e.closeStore())
	return errors.Join(errs...)
}

// releaseCached is the result cache's release hook.
func (e *Engine) releaseCached(key cache.Key, v cachedResult) {
	e.logger.Debug("cached result released", "key", key.String(), "buffer", v.Buffer)
	e.releaseBuffer(v.Buffer)
}

func (e *Engine) releaseBuffer(id buffer.ID) {
	if _, err := e.dir.Release(id); err != nil {
		e.logger.Warn("buffer release failed", "buffer", id, "error", err)
	}
}

// resultTicket is the scheduler's opaque completion key: the result cache
// key and the deployment of the unit the request was planned against.
type resultTicket struct {
	key   cache.Key
	epoch uint64
}

// onComplete caches the result buffer of a cacheable request. It runs
// before the completion is visible to Poll.
func (e *Engine) onComplete(r scheduler.Result) {
	if !r.Cacheable {
		return
	}
	t, ok := r.Key.(resultTicket)
	if !ok {
		return
	}

	// holding the read lock orders this Put before any withdrawal clear
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.onDeploymentLocked(r.Unit, t.epoch) {
		e.logger.Debug("result not cached: unit redeployed or withdrawn", "request", r.ID, "unit", r.Unit)
		return
	}
	if err := e.dir.Retain(r.Buffer); err != nil {
		e.logger.Warn("result not cached", "request", r.ID, "error", err)
		return
	}
	if !e.results.Put(t.key, cachedResult{Buffer: r.Buffer, Schema: r.Schema, Rows: r.Rows}) {
		e.releaseBuffer(r.Buffer)
	}
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	Units       int
	Requests    int
	Scheduler   scheduler.Stats
	Buffer      buffer.Stats
	ResultCache cache.Stats
	PlanCache   cache.Stats
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	units := len(e.units)
	e.mu.RUnlock()
	e.rmu.Lock()
	requests := len(e.requests)
	e.rmu.Unlock()
	return Stats{
		Units:       units,
		Requests:    requests,
		Scheduler:   e.sched.Stats(),
		Buffer:      e.buffers.Stats(),
		ResultCache: e.results.Stats(),
		PlanCache:   e.plans.Stats(),
	}
}

func (e *Engine) snapshot() metrics.Snapshot {
	s := e.Stats()
	return metrics.Snapshot{
		Scheduler: s.Scheduler,
		Buffer:    s.Buffer,
		Caches:    []cache.Stats{s.ResultCache, s.PlanCache},
	}
}
