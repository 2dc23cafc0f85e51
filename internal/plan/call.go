package plan

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/fedq/internal/rows"
)

// CallState is the state reported by SourceCall.Take.
type CallState uint8

const (
	CallPending CallState = iota // nothing ready yet
	CallBatch                    // a batch was taken
	CallDone                     // finished and drained
)

// ErrCallClosed is returned by Deliver after the call finished.
var ErrCallClosed = errors.New("source call closed")

// Poll is the result of SourceCall.Take.
type Poll struct {
	State CallState
	Batch rows.Batch
	// Ready fires on the next state change; set when State is CallPending.
	Ready <-chan struct{}
	Err   error // set when State is CallDone and the call failed
}

// SourceCall is the rendezvous between a connector delivering batches on
// its own goroutine and the plan consuming them one step at a time.
//
// Wake-ups are broadcast by closing and replacing a channel, so a waiter
// can never miss a delivery that happened after its Take.
type SourceCall struct {
	Request SourceRequest

	ctx    context.Context
	cancel context.CancelFunc
	limit  int // queued rows before Deliver blocks; 0 for unbounded

	mu       sync.Mutex
	batches  []rows.Batch
	queued   int
	rows     int64
	done     bool
	err      error
	changed  chan struct{} // consumer side
	drained  chan struct{} // producer side
	finished chan struct{}
}

var _ Sink = (*SourceCall)(nil)

// NewSourceCall creates a call whose producer context derives from parent.
// maxQueuedRows bounds how far the producer may run ahead of the consumer.
func NewSourceCall(parent context.Context, req SourceRequest, maxQueuedRows int) *SourceCall {
	ctx, cancel := context.WithCancel(parent)
	return &SourceCall{
		Request:  req,
		ctx:      ctx,
		cancel:   cancel,
		limit:    maxQueuedRows,
		changed:  make(chan struct{}),
		drained:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Context is the producer's context; cancelled by Cancel.
func (c *SourceCall) Context() context.Context { return c.ctx }

// Deliver implements Sink.
func (c *SourceCall) Deliver(b rows.Batch) error {
	for {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		if c.done {
			c.mu.Unlock()
			return ErrCallClosed
		}
		if c.limit <= 0 || c.queued < c.limit || len(c.batches) == 0 {
			c.batches = append(c.batches, b)
			c.queued += b.Len()
			c.rows += int64(b.Len())
			c.notifyLocked()
			c.mu.Unlock()
			return nil
		}
		wait := c.drained
		c.mu.Unlock()

		select {
		case <-wait:
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// Finish marks the call complete. err is reported after queued batches
// have been taken. Only the first call has an effect.
func (c *SourceCall) Finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	c.err = err
	c.notifyLocked()
	close(c.finished)
}

func (c *SourceCall) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Take removes the next batch without blocking.
func (c *SourceCall) Take() Poll {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.batches) > 0 {
		b := c.batches[0]
		c.batches[0] = rows.Batch{}
		c.batches = c.batches[1:]
		c.queued -= b.Len()
		close(c.drained)
		c.drained = make(chan struct{})
		return Poll{State: CallBatch, Batch: b}
	}
	if c.done {
		return Poll{State: CallDone, Err: c.err}
	}
	return Poll{State: CallPending, Ready: c.changed}
}

// Cancel cancels the producer context. The call still needs Finish from
// the goroutine running the connector.
func (c *SourceCall) Cancel() { c.cancel() }

// Finished is closed once Finish has been called.
func (c *SourceCall) Finished() <-chan struct{} { return c.finished }

// Rows returns the number of rows delivered so far.
func (c *SourceCall) Rows() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}
