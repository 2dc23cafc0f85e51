// Package tuplebuf is the registry of tuple buffers keyed by id.
//
// It sits on top of the buffer manager and adds ownership bookkeeping and
// reference counts: a buffer lives until its producing work item has
// finished and no cache entry retains it. The Replicated wrapper mirrors
// buffer existence and ownership (never row data) to cluster peers.
package tuplebuf

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/fedq/internal/buffer"
	"github.com/roach88/fedq/internal/rows"
)

// ID and Info are the buffer manager's identifiers and descriptors.
type (
	ID   = buffer.ID
	Info = buffer.Info
)

// Directory manages tuple buffers by id.
type Directory interface {
	Create(owner string, schema rows.Schema) (ID, error)
	Get(id ID) (Info, bool)
	Append(owner string, id ID, b rows.Batch) error
	Seal(owner string, id ID) error
	Read(id ID, position int) (rows.Batch, error)

	// Remove deletes the buffer immediately, regardless of references.
	Remove(id ID) error

	// Retain adds a reference that keeps the buffer alive after its owner
	// finishes.
	Retain(id ID) error

	// Release drops a reference. It reports whether the buffer was
	// removed as a result.
	Release(id ID) (bool, error)

	// RemoveOwned marks every buffer of owner as finished and removes the
	// unreferenced ones. Returns the removed ids.
	RemoveOwned(owner string) []ID
}

// ErrReleased is returned by Release when no reference is held.
var ErrReleased = errors.New("buffer has no references to release")

type entry struct {
	owner     string
	refs      int
	ownerDone bool
}

// Local is a Directory over a single buffer manager.
type Local struct {
	mgr    *buffer.Manager
	logger *slog.Logger

	mu      sync.Mutex
	entries map[ID]*entry
	byOwner map[string]map[ID]struct{}
}

var _ Directory = (*Local)(nil)

// NewLocal creates a directory over mgr.
func NewLocal(mgr *buffer.Manager, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{
		mgr:     mgr,
		logger:  logger,
		entries: make(map[ID]*entry),
		byOwner: make(map[string]map[ID]struct{}),
	}
}

// Manager returns the underlying buffer manager.
func (d *Local) Manager() *buffer.Manager { return d.mgr }

// Create implements Directory.
func (d *Local) Create(owner string, schema rows.Schema) (ID, error) {
	id := d.mgr.CreateBuffer(owner, schema)

	d.mu.Lock()
	d.entries[id] = &entry{owner: owner}
	owned := d.byOwner[owner]
	if owned == nil {
		owned = make(map[ID]struct{})
		d.byOwner[owner] = owned
	}
	owned[id] = struct{}{}
	d.mu.Unlock()
	return id, nil
}

// Get implements Directory.
func (d *Local) Get(id ID) (Info, bool) {
	info, err := d.mgr.Info(id)
	if err != nil {
		return Info{}, false
	}
	return info, true
}

// Append implements Directory.
func (d *Local) Append(owner string, id ID, b rows.Batch) error {
	return d.mgr.Append(owner, id, b)
}

// Seal implements Directory.
func (d *Local) Seal(owner string, id ID) error {
	return d.mgr.Seal(owner, id)
}

// Read implements Directory.
func (d *Local) Read(id ID, position int) (rows.Batch, error) {
	return d.mgr.ReadBatch(id, position)
}

// Remove implements Directory.
func (d *Local) Remove(id ID) error {
	d.mu.Lock()
	d.forgetLocked(id)
	d.mu.Unlock()
	return d.mgr.RemoveBuffer(id)
}

// Retain implements Directory.
func (d *Local) Retain(id ID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", buffer.ErrUnknownBuffer, id)
	}
	e.refs++
	return nil
}

// Release implements Directory.
func (d *Local) Release(id ID) (bool, error) {
	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: %s", buffer.ErrUnknownBuffer, id)
	}
	if e.refs == 0 {
		d.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrReleased, id)
	}
	e.refs--
	remove := e.refs == 0 && e.ownerDone
	if remove {
		d.forgetLocked(id)
	}
	d.mu.Unlock()

	if !remove {
		return false, nil
	}
	if err := d.mgr.RemoveBuffer(id); err != nil {
		return true, err
	}
	return true, nil
}

// RemoveOwned implements Directory.
func (d *Local) RemoveOwned(owner string) []ID {
	d.mu.Lock()
	var doomed []ID
	for id := range d.byOwner[owner] {
		e := d.entries[id]
		e.ownerDone = true
		if e.refs == 0 {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		d.forgetLocked(id)
	}
	d.mu.Unlock()

	for _, id := range doomed {
		if err := d.mgr.RemoveBuffer(id); err != nil && !errors.Is(err, buffer.ErrUnknownBuffer) {
			d.logger.Warn("buffer removal failed", "buffer", id, "owner", owner, "error", err)
		}
	}
	return doomed
}

// Refs returns the reference count of id (for monitoring and tests).
func (d *Local) Refs(id ID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[id]; ok {
		return e.refs
	}
	return 0
}

func (d *Local) forgetLocked(id ID) {
	e, ok := d.entries[id]
	if !ok {
		return
	}
	delete(d.entries, id)
	if owned := d.byOwner[e.owner]; owned != nil {
		delete(owned, id)
		if len(owned) == 0 {
			delete(d.byOwner, e.owner)
		}
	}
}
