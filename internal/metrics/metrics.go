// Package metrics exposes runtime counters as Prometheus metrics.
//
// The collector reads a fresh Snapshot on every scrape instead of keeping
// its own counters, so the runtime components stay the single source of
// truth and nothing has to be updated on the hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/fedq/internal/buffer"
	"github.com/roach88/fedq/internal/cache"
	"github.com/roach88/fedq/internal/scheduler"
)

// Namespace prefixes every metric name.
const Namespace = "fedq"

// Snapshot is the state exported on one scrape.
type Snapshot struct {
	Scheduler scheduler.Stats
	Buffer    buffer.Stats
	Caches    []cache.Stats
}

// Collector implements prometheus.Collector over a snapshot function.
type Collector struct {
	snapshot func() Snapshot

	items       *prometheus.Desc
	requests    *prometheus.Desc
	sourceCalls *prometheus.Desc
	slices      *prometheus.Desc
	longRunning *prometheus.Desc

	bufferBytes   *prometheus.Desc
	buffers       *prometheus.Desc
	spills        *prometheus.Desc
	reloads       *prometheus.Desc
	spillFailures *prometheus.Desc

	cacheEntries   *prometheus.Desc
	cacheLookups   *prometheus.Desc
	cacheEvictions *prometheus.Desc
	cacheClears    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// New creates a collector reading from snapshot.
func New(snapshot func() Snapshot) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(Namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		snapshot:    snapshot,
		items:       desc("scheduler", "work_items", "Work items by state.", "state"),
		requests:    desc("scheduler", "requests_total", "Finished requests by outcome.", "outcome"),
		sourceCalls: desc("scheduler", "source_calls_total", "Outbound source calls started."),
		slices:      desc("scheduler", "slices_total", "Time slices executed."),
		longRunning: desc("scheduler", "long_running_total", "Requests flagged as long running."),

		bufferBytes:   desc("buffer", "bytes", "Buffer manager space by kind.", "kind"),
		buffers:       desc("buffer", "tuple_buffers", "Live tuple buffers."),
		spills:        desc("buffer", "spills_total", "Batches moved to secondary storage."),
		reloads:       desc("buffer", "reloads_total", "Batches read back from secondary storage."),
		spillFailures: desc("buffer", "spill_failures_total", "Failed secondary storage writes."),

		cacheEntries:   desc("cache", "entries", "Entries held per cache.", "cache"),
		cacheLookups:   desc("cache", "lookups_total", "Cache lookups by outcome.", "cache", "outcome"),
		cacheEvictions: desc("cache", "evictions_total", "Capacity evictions per cache.", "cache"),
		cacheClears:    desc("cache", "unit_clears_total", "Unit clears per cache.", "cache"),
	}
}

// Register creates a collector and registers it on reg.
func Register(reg prometheus.Registerer, snapshot func() Snapshot) (*Collector, error) {
	c := New(snapshot)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.items, c.requests, c.sourceCalls, c.slices, c.longRunning,
		c.bufferBytes, c.buffers, c.spills, c.reloads, c.spillFailures,
		c.cacheEntries, c.cacheLookups, c.cacheEvictions, c.cacheClears,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.snapshot()
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	sc := s.Scheduler
	gauge(c.items, float64(sc.Queued), "queued")
	gauge(c.items, float64(sc.Ready), "ready")
	gauge(c.items, float64(sc.Running), "running")
	gauge(c.items, float64(sc.Waiting), "waiting")
	counter(c.requests, sc.Completed, "completed")
	counter(c.requests, sc.Failed, "failed")
	counter(c.requests, sc.Cancelled, "cancelled")
	counter(c.sourceCalls, sc.SourceCalls)
	counter(c.slices, sc.Slices)
	counter(c.longRunning, sc.LongRunning)

	b := s.Buffer
	gauge(c.bufferBytes, float64(b.Reserved), "reserved")
	gauge(c.bufferBytes, float64(b.Used), "used")
	gauge(c.bufferBytes, float64(b.MaxReserved), "max_reserved")
	gauge(c.bufferBytes, float64(b.ResidentBytes), "resident")
	gauge(c.bufferBytes, float64(b.SpilledBytes), "spilled")
	gauge(c.buffers, float64(b.Buffers))
	counter(c.spills, b.Spills)
	counter(c.reloads, b.Reloads)
	counter(c.spillFailures, b.SpillFailures)

	for _, cs := range s.Caches {
		gauge(c.cacheEntries, float64(cs.Entries), cs.Name)
		counter(c.cacheLookups, cs.Hits, cs.Name, "hit")
		counter(c.cacheLookups, cs.Misses-cs.Stale, cs.Name, "miss")
		counter(c.cacheLookups, cs.Stale, cs.Name, "stale")
		counter(c.cacheEvictions, cs.Evictions, cs.Name)
		counter(c.cacheClears, cs.Clears, cs.Name)
	}
}
