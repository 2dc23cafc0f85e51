package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/fedq/internal/buffer"
	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/rows"
)

// State is the lifecycle state of a work item.
//
//	queued -> ready -> running -> {ready, waiting} -> ... -> completed | failed | cancelled
type State uint8

const (
	StateQueued    State = iota // submitted, not yet admitted
	StateReady                  // admitted, waiting for a worker
	StateRunning                // executing a time slice
	StateWaiting                // suspended on a source call or buffer space
	StateCompleted              // all rows appended and the result buffer sealed
	StateFailed
	StateCancelled // cancelled by the client, a unit withdrawal or the query timeout
	numStates
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateWaiting:
		return "waiting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "invalid"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s >= StateCompleted && s < numStates
}

// Request is a submission to the scheduler.
type Request struct {
	Unit    string
	Session string
	Plan    plan.Plan
	// Cacheable marks requests whose result the completion hook may cache.
	Cacheable bool
	// Key is opaque data handed back to the completion hook.
	Key any
}

// Status is a snapshot of a work item.
type Status struct {
	ID        string
	Unit      string
	Session   string
	State     State
	Buffer    buffer.ID
	Schema    rows.Schema
	Batches   int   // batches appended to the result buffer
	Rows      int64 // rows appended to the result buffer
	Slices    int
	Flagged   bool // exceeded the long-running threshold
	Err       error
	Submitted time.Time
}

// Result is handed to the completion hook.
type Result struct {
	ID        string
	Unit      string
	Session   string
	Buffer    buffer.ID
	Schema    rows.Schema
	Rows      int64
	Cacheable bool
	Key       any
}

// workItem is one submitted request. Fields without a comment are owned
// by the goroutine executing the item's current slice.
type workItem struct {
	s   *Scheduler
	id  string
	req Request
	buf buffer.ID

	ctx    context.Context
	cancel context.CancelCauseFunc
	sem    *semaphore.Weighted

	submitted time.Time
	deadline  time.Time // zero for no timeout

	pending *rows.Batch // emitted, awaiting buffer space
	last    bool        // pending is the final batch
	held    int64       // bytes reserved for pending

	mu      sync.Mutex // guards the fields below
	state   State
	err     error
	batches int
	rows    int64
	slices  int
	flagged bool
	started time.Time
	changed chan struct{}
}

var _ plan.Context = (*workItem)(nil)

func (it *workItem) notifyLocked() {
	close(it.changed)
	it.changed = make(chan struct{})
}

func (it *workItem) status() (Status, <-chan struct{}) {
	it.mu.Lock()
	defer it.mu.Unlock()
	return Status{
		ID:        it.id,
		Unit:      it.req.Unit,
		Session:   it.req.Session,
		State:     it.state,
		Buffer:    it.buf,
		Schema:    it.req.Plan.Schema(),
		Batches:   it.batches,
		Rows:      it.rows,
		Slices:    it.slices,
		Flagged:   it.flagged,
		Err:       it.err,
		Submitted: it.submitted,
	}, it.changed
}

func (it *workItem) getState() State {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.state
}

// CallSource implements plan.Context. The connector runs on its own
// goroutine once a slot of the item's source-call semaphore is free.
func (it *workItem) CallSource(req plan.SourceRequest) *plan.SourceCall {
	s := it.s
	call := plan.NewSourceCall(it.ctx, req, s.cfg.MaxRowsFetchSize)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := it.sem.Acquire(call.Context(), 1); err != nil {
			call.Finish(err)
			return
		}
		defer it.sem.Release(1)
		s.sourceCalls.Add(1)
		err := s.connector.Execute(call.Context(), req, call)
		if err != nil && it.ctx.Err() != nil {
			err = context.Cause(it.ctx)
		}
		call.Finish(err)
	}()
	return call
}

// BatchSize implements plan.Context.
func (it *workItem) BatchSize() int { return it.s.batchSize }

// RowQuota implements plan.Context.
func (it *workItem) RowQuota() plan.RowQuota {
	return plan.RowQuota{Max: it.s.cfg.MaxSourceRows, Fail: it.s.cfg.ExceptionOnMaxSourceRows}
}

// Logger implements plan.Context.
func (it *workItem) Logger() *slog.Logger {
	return it.s.logger.With("request", it.id, "unit", it.req.Unit)
}
