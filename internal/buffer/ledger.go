package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/fedq/internal/failure"
)

// Ledger tracks reserved and used bytes against a ceiling.
//
// Invariant (checked after every call): 0 <= used <= reserved <= max.
//
// Reserved space is either idle (granted to a caller that has not yet
// appended) or used (held by resident batches). Freeing a resident batch
// returns its bytes to the pool and wakes blocked reservations.
type Ledger struct {
	max     int64
	perCall int64 // max single reservation, 0 = max

	mu       sync.Mutex
	reserved int64
	used     int64
	changed  chan struct{} // closed and replaced whenever space frees up
}

// NewLedger creates a ledger with the given ceiling and per-call cap.
func NewLedger(max, perCall int64) *Ledger {
	if perCall <= 0 || perCall > max {
		perCall = max
	}
	return &Ledger{
		max:     max,
		perCall: perCall,
		changed: make(chan struct{}),
	}
}

// Snapshot returns the current reserved and used totals.
func (l *Ledger) Snapshot() (reserved, used int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved, l.used
}

// Max returns the configured ceiling.
func (l *Ledger) Max() int64 { return l.max }

func (l *Ledger) check(op string, n int64) error {
	if n < 0 {
		return fmt.Errorf("%s: negative byte count %d", op, n)
	}
	if n > l.perCall {
		return failure.ResourceExhausted(op, "request of %d bytes exceeds maxProcessingBytes %d", n, l.perCall)
	}
	return nil
}

// TryReserve grants n bytes if available. When the ceiling would be
// exceeded it returns a channel that is closed the next time space frees
// up; the caller should retry then.
func (l *Ledger) TryReserve(n int64) (bool, <-chan struct{}, error) {
	if err := l.check("buffer.Reserve", n); err != nil {
		return false, nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserved+n <= l.max {
		l.reserved += n
		return true, nil, nil
	}
	return false, l.changed, nil
}

// Reserve grants n bytes, blocking until space is released or ctx ends.
func (l *Ledger) Reserve(ctx context.Context, n int64) error {
	for {
		ok, wait, err := l.TryReserve(n)
		if err != nil || ok {
			return err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return failure.Wrap(failure.KindOf(ctx.Err()), "buffer.Reserve", ctx.Err())
		}
	}
}

// Release returns up to n idle reserved bytes. Space held by resident
// batches cannot be released this way; it returns through Free. The number
// of bytes actually released is returned.
func (l *Ledger) Release(n int64) int64 {
	if n <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if idle := l.reserved - l.used; n > idle {
		n = idle
	}
	if n > 0 {
		l.reserved -= n
		l.signalLocked()
	}
	return n
}

// Use converts n bytes of idle reservation into used space. If there is not
// enough idle reservation the shortfall is reserved on the spot when the
// ceiling allows it; otherwise ResourceExhausted.
func (l *Ledger) Use(n int64) error {
	_, err := l.use(n)
	return err
}

// use is Use that also reports how many bytes it reserved on the spot.
func (l *Ledger) use(n int64) (int64, error) {
	if n < 0 {
		return 0, fmt.Errorf("buffer.Use: negative byte count %d", n)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var grown int64
	if short := n - (l.reserved - l.used); short > 0 {
		if l.reserved+short > l.max {
			return 0, failure.ResourceExhausted("buffer.Use",
				"%d bytes needed, %d reserved of %d", n, l.reserved, l.max)
		}
		l.reserved += short
		grown = short
	}
	l.used += n
	return grown, nil
}

// unuse reverts a use of n bytes that reserved grown on the spot. The
// reservation the caller held beforehand is left idle.
func (l *Ledger) unuse(n, grown int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used -= n
	if grown > 0 {
		l.reserved -= grown
		l.signalLocked()
	}
}

// TryAdmit reserves and uses n bytes in one step if the ceiling allows it.
func (l *Ledger) TryAdmit(n int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reserved+n > l.max {
		return false
	}
	l.reserved += n
	l.used += n
	return true
}

// Free returns n used bytes (and their reservation) to the pool.
func (l *Ledger) Free(n int64) {
	if n <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > l.used {
		n = l.used
	}
	l.used -= n
	l.reserved -= n
	l.signalLocked()
}

func (l *Ledger) signalLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}
