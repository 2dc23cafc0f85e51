// Package engine is the composition root of the query runtime.
//
// An Engine owns one instance of each runtime component and wires them in
// dependency order:
//
//	spill store -> buffer manager -> tuple buffer directory
//	            -> plan cache, result cache -> scheduler
//
// Requests enter through Submit. The command is resolved to a prepared
// plan through the plan cache, then either served from a fresh
// result-cache entry or instantiated and handed to the scheduler. Results
// are read incrementally with Poll; Close releases the request's buffer.
//
// UNIT LIFECYCLE:
//
// Deploy makes a unit's commands available. Withdrawing flips the unit so
// new requests fail, clears the unit's entries from both caches (on every
// cluster member when a ReplicatedState is configured) and cancels its
// in-flight work items. Withdrawn does the same and forgets the unit.
//
// The unit table is guarded by an RWMutex. Submissions and the result
// cache's completion hook hold it for reading across the unit check and
// the cache or scheduler call, so a withdrawal, which takes it for
// writing, observes every such call either entirely before or entirely
// after its state change.
//
// CACHED RESULTS:
//
// A result-cache value references a sealed tuple buffer. The cache holds
// one directory reference per entry and every request served from the
// cache holds another, so a buffer outlives eviction while a reader is
// still draining it.
package engine
