package cluster

import "sync"

// envelope is one mailbox item: an encoded update, a view, or a flush
// barrier.
type envelope struct {
	update  []byte
	view    *View
	barrier chan struct{}
}

// mailbox is an unbounded FIFO with a coalescing signal channel, so the
// hub never blocks on a slow member.
type mailbox struct {
	mu     sync.Mutex
	items  []envelope
	closed bool
	signal chan struct{} // buffered, size 1
}

func newMailbox() *mailbox {
	return &mailbox{
		items:  make([]envelope, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends e. Returns false if the mailbox is closed.
func (q *mailbox) Enqueue(e envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, e)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front item without blocking.
func (q *mailbox) TryDequeue() (envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return envelope{}, false
	}
	e := q.items[0]
	q.items[0] = envelope{}
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return e, true
}

// Wait returns the signal channel. It is closed by Close.
func (q *mailbox) Wait() <-chan struct{} { return q.signal }

// Len returns the number of queued items.
func (q *mailbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items and wakes the reader. Items already queued
// are still delivered.
func (q *mailbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
