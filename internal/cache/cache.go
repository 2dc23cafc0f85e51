// Package cache implements the scoped cache used for finalized results
// and prepared plans.
//
// Entries are tagged with the deployed unit that produced them and
// partitioned by unit, so withdrawing a unit costs O(entries of the unit).
// Capacity eviction is least-recently-accessed across the whole cache.
//
// # Clear Boundary
//
// ClearForUnit(u) establishes a boundary: once it returns, no Get returns
// an entry stored for u before the call, and no Put for u that overlapped
// the call survives it. Puts and clears of the same unit serialize on the
// unit's partition lock; Gets check the entry's partition generation.
//
// # Release Hooks
//
// Every stored value is handed to the release hook exactly once, when its
// entry leaves the cache for any reason (replacement, staleness, capacity,
// clear). The result cache uses this to drop tuple buffer references.
package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/fedq/internal/cluster"
	"github.com/roach88/fedq/internal/config"
)

// Outcome is the result of a lookup. A miss is a normal outcome, not an
// error.
type Outcome uint8

const (
	Miss  Outcome = iota // not cached
	Hit                  // served from cache
	Stale                // cached but past its deadline; evicted by the lookup
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "hit"
	case Stale:
		return "stale"
	default:
		return "miss"
	}
}

// KindUnitCleared is the replicated update proposed by ClearForUnit.
const KindUnitCleared = "cache.unitCleared"

type entry[V any] struct {
	key        Key
	value      V
	gen        uint64
	created    time.Time
	deadline   time.Time
	lastAccess atomic.Int64 // unix nanos
	removing   atomic.Bool  // explicit removal, not a capacity eviction
	released   atomic.Bool
}

type partition[V any] struct {
	mu       sync.Mutex
	gen      atomic.Uint64 // bumped at the start and end of every clear
	clearing int
	keys     map[Key]*entry[V]
}

// Cache is a scoped cache of V values.
type Cache[V any] struct {
	cfg       config.CacheConfig
	now       func() time.Time
	onRelease func(Key, V)
	logger    *slog.Logger
	state     cluster.ReplicatedState

	lru *lru.Cache[Key, *entry[V]]

	pmu   sync.Mutex
	parts map[string]*partition[V]

	emu     sync.Mutex
	evicted []*entry[V] // removed from the lru, awaiting release

	hits      atomic.Int64
	misses    atomic.Int64
	stale     atomic.Int64
	puts      atomic.Int64
	evictions atomic.Int64
	clears    atomic.Int64
}

// Option configures a Cache.
type Option[V any] func(*Cache[V])

// WithClock sets the time source (default time.Now).
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *Cache[V]) { c.now = now }
}

// WithReleaseHook sets the function called once for every value leaving
// the cache.
func WithReleaseHook[V any](fn func(Key, V)) Option[V] {
	return func(c *Cache[V]) { c.onRelease = fn }
}

// WithLogger sets the logger.
func WithLogger[V any](l *slog.Logger) Option[V] {
	return func(c *Cache[V]) { c.logger = l }
}

// WithReplication mirrors ClearForUnit to cluster peers and applies
// their clears locally.
func WithReplication[V any](state cluster.ReplicatedState) Option[V] {
	return func(c *Cache[V]) { c.state = state }
}

// New creates a cache from cfg. maxEntries bounds capacity.
func New[V any](cfg config.CacheConfig, opts ...Option[V]) (*Cache[V], error) {
	c := &Cache[V]{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
		parts:  make(map[string]*partition[V]),
	}
	for _, opt := range opts {
		opt(c)
	}
	size := cfg.MaxEntries
	if size <= 0 {
		size = 1
	}
	l, err := lru.NewWithEvict[Key, *entry[V]](size, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l

	if c.state != nil {
		c.state.ReceiveUpdate(c.applyUpdate)
	}
	return c, nil
}

// Name returns the configured cache name.
func (c *Cache[V]) Name() string { return c.cfg.Name }

// Active reports whether Put stores anything.
func (c *Cache[V]) Active() bool { return c.cfg.Active() }

// onEvict runs outside the lru lock but possibly inside a partition lock,
// so it only queues the entry.
func (c *Cache[V]) onEvict(_ Key, e *entry[V]) {
	c.emu.Lock()
	c.evicted = append(c.evicted, e)
	c.emu.Unlock()
}

// drain unregisters and releases queued evictions. Must be called with no
// partition lock held.
func (c *Cache[V]) drain() {
	c.emu.Lock()
	pending := c.evicted
	c.evicted = nil
	c.emu.Unlock()

	for _, e := range pending {
		if !e.removing.Load() {
			c.evictions.Add(1)
		}
		if p := c.partitionIfExists(e.key.Unit); p != nil {
			p.mu.Lock()
			if p.keys[e.key] == e {
				delete(p.keys, e.key)
			}
			p.mu.Unlock()
		}
		c.release(e)
	}
}

func (c *Cache[V]) release(e *entry[V]) {
	if !e.released.CompareAndSwap(false, true) {
		return
	}
	if c.onRelease != nil {
		c.onRelease(e.key, e.value)
	}
}

func (c *Cache[V]) partition(unit string) *partition[V] {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	p := c.parts[unit]
	if p == nil {
		p = &partition[V]{keys: make(map[Key]*entry[V])}
		c.parts[unit] = p
	}
	return p
}

func (c *Cache[V]) partitionIfExists(unit string) *partition[V] {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return c.parts[unit]
}

// Get looks key up. Entries past their staleness deadline are removed and
// reported as Stale.
func (c *Cache[V]) Get(key Key) (V, Outcome) {
	var zero V
	if !c.Active() {
		c.misses.Add(1)
		return zero, Miss
	}

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses.Add(1)
		return zero, Miss
	}

	p := c.partitionIfExists(key.Unit)
	if p == nil || e.gen != p.gen.Load() {
		// stored before a clear of its unit
		c.remove(key, e)
		c.misses.Add(1)
		return zero, Miss
	}

	now := c.now()
	if !now.Before(e.deadline) {
		c.remove(key, e)
		c.stale.Add(1)
		c.logger.Debug("cache entry stale", "cache", c.cfg.Name, "key", key, "age", now.Sub(e.created))
		return zero, Stale
	}

	e.lastAccess.Store(now.UnixNano())
	c.hits.Add(1)
	return e.value, Hit
}

// remove deletes key if it still maps to e.
func (c *Cache[V]) remove(key Key, e *entry[V]) {
	p := c.partition(key.Unit)
	p.mu.Lock()
	if cur, ok := c.lru.Peek(key); ok && cur == e {
		e.removing.Store(true)
		c.lru.Remove(key)
	}
	if p.keys[key] == e {
		delete(p.keys, key)
	}
	p.mu.Unlock()
	c.drain()
}

// Put stores value under key with a fresh staleness deadline. It reports
// whether the value was stored; when it was not (caching disabled, or a
// clear of the unit is in progress) the caller keeps ownership of value.
func (c *Cache[V]) Put(key Key, value V) bool {
	if !c.Active() {
		return false
	}

	now := c.now()
	p := c.partition(key.Unit)

	p.mu.Lock()
	if p.clearing > 0 {
		p.mu.Unlock()
		return false
	}
	e := &entry[V]{
		key:      key,
		value:    value,
		gen:      p.gen.Load(),
		created:  now,
		deadline: now.Add(c.cfg.MaxStaleness()),
	}
	e.lastAccess.Store(now.UnixNano())

	old, replaced := c.lru.Peek(key)
	c.lru.Add(key, e)
	p.keys[key] = e
	p.mu.Unlock()

	if replaced && old != e {
		// Add on an existing key does not fire the eviction callback
		old.removing.Store(true)
		c.release(old)
	}
	c.drain()
	c.puts.Add(1)
	return true
}

// ClearForUnit removes every entry tagged with unit and, when replication
// is configured, proposes the clear to peers. Returns the number of
// entries removed locally.
func (c *Cache[V]) ClearForUnit(unit string) int {
	n := c.clearLocal(unit)
	if c.state != nil {
		u, err := cluster.NewUpdate(KindUnitCleared, c.cfg.Name+"/"+unit, nil)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = c.state.ProposeUpdate(ctx, u)
			cancel()
		}
		if err != nil {
			c.logger.Warn("cache clear not replicated", "cache", c.cfg.Name, "unit", unit, "error", err)
		}
	}
	return n
}

func (c *Cache[V]) clearLocal(unit string) int {
	p := c.partition(unit)

	p.mu.Lock()
	p.clearing++
	p.gen.Add(1)
	doomed := p.keys
	p.keys = make(map[Key]*entry[V])
	p.mu.Unlock()

	for key, e := range doomed {
		p.mu.Lock()
		if cur, ok := c.lru.Peek(key); ok && cur == e {
			e.removing.Store(true)
			c.lru.Remove(key)
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.clearing--
	p.gen.Add(1)
	p.mu.Unlock()

	c.drain()
	c.clears.Add(1)
	c.logger.Debug("cache cleared for unit", "cache", c.cfg.Name, "unit", unit, "entries", len(doomed))
	return len(doomed)
}

func (c *Cache[V]) applyUpdate(u cluster.Update) {
	if u.Kind != KindUnitCleared {
		return
	}
	prefix := c.cfg.Name + "/"
	if len(u.Object) <= len(prefix) || u.Object[:len(prefix)] != prefix {
		return
	}
	unit := u.Object[len(prefix):]
	n := c.clearLocal(unit)
	c.logger.Info("applied peer cache clear", "cache", c.cfg.Name, "unit", unit, "origin", u.Origin, "entries", n)
}

// Sweep removes every entry past its deadline and returns how many.
func (c *Cache[V]) Sweep() int {
	now := c.now()
	n := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok || now.Before(e.deadline) {
			continue
		}
		c.remove(key, e)
		c.stale.Add(1)
		n++
	}
	return n
}

// Purge removes every entry.
func (c *Cache[V]) Purge() {
	c.pmu.Lock()
	units := make([]string, 0, len(c.parts))
	for u := range c.parts {
		units = append(units, u)
	}
	c.pmu.Unlock()
	for _, u := range units {
		c.clearLocal(u)
	}
}

// Len returns the number of entries.
func (c *Cache[V]) Len() int { return c.lru.Len() }

// UnitLen returns the number of entries tagged with unit.
func (c *Cache[V]) UnitLen(unit string) int {
	p := c.partitionIfExists(unit)
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Name      string
	Entries   int
	Hits      int64
	Misses    int64 // includes Stale outcomes
	Stale     int64
	Puts      int64
	Evictions int64 // capacity evictions only
	Clears    int64
}

// Stats returns current counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Name:      c.cfg.Name,
		Entries:   c.lru.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load() + c.stale.Load(),
		Stale:     c.stale.Load(),
		Puts:      c.puts.Load(),
		Evictions: c.evictions.Load(),
		Clears:    c.clears.Load(),
	}
}
