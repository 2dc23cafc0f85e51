package scheduler

import "sync"

// itemQueue is a thread-safe FIFO of work items.
//
// The queue uses a channel for signaling so the dispatch loop can wait on
// it alongside other events without a goroutine per queue.
type itemQueue struct {
	mu     sync.Mutex
	items  []*workItem
	closed bool
	signal chan struct{} // buffered, size 1
}

func newItemQueue() *itemQueue {
	return &itemQueue{
		items:  make([]*workItem, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an item to the back of the queue.
// Returns false if the queue is closed.
func (q *itemQueue) Enqueue(it *workItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.items = append(q.items, it)

	// buffer of 1 coalesces signals
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes and returns the front item without blocking.
func (q *itemQueue) TryDequeue() (*workItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items[0] = nil // let the item be collected
	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}
	return it, true
}

// Remove deletes it from the queue, reporting whether it was present.
func (q *itemQueue) Remove(it *workItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, cur := range q.items {
		if cur == it {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

// Wait returns a channel that signals when items may be available.
func (q *itemQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *itemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further Enqueues and wakes waiters.
func (q *itemQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
