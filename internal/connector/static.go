package connector

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/rows"
)

// Table is an in-memory table.
type Table struct {
	Schema rows.Schema
	Rows   []rows.Row
}

// Static serves in-memory tables. The request query is the table name.
type Static struct {
	batchSize int
	delay     time.Duration
	failAfter int // batches delivered before failing; -1 never
	failErr   error

	mu     sync.RWMutex
	tables map[string]Table

	calls  atomic.Int64
	active atomic.Int64
	peak   atomic.Int64
}

var (
	_ plan.Connector = (*Static)(nil)
	_ plan.Describer = (*Static)(nil)
)

// StaticOption configures a Static connector.
type StaticOption func(*Static)

// WithBatchSize sets the rows per delivered batch (default 64).
func WithBatchSize(n int) StaticOption {
	return func(s *Static) { s.batchSize = n }
}

// WithDelay pauses before every delivered batch.
func WithDelay(d time.Duration) StaticOption {
	return func(s *Static) { s.delay = d }
}

// WithFailure makes every request fail with err after delivering n batches.
func WithFailure(n int, err error) StaticOption {
	return func(s *Static) {
		s.failAfter = n
		s.failErr = err
	}
}

// NewStatic creates a connector with no tables.
func NewStatic(opts ...StaticOption) *Static {
	s := &Static{batchSize: 64, failAfter: -1, tables: make(map[string]Table)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddTable registers or replaces a table.
func (s *Static) AddTable(name string, schema rows.Schema, rs ...rows.Row) error {
	for i, r := range rs {
		if err := schema.Validate(r); err != nil {
			return fmt.Errorf("table %s row %d: %w", name, i, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = Table{Schema: schema, Rows: rs}
	return nil
}

func (s *Static) table(name string) (Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[name]
	if !ok {
		return Table{}, fmt.Errorf("no table %q", name)
	}
	return t, nil
}

// Describe implements plan.Describer.
func (s *Static) Describe(_ context.Context, req plan.SourceRequest) (rows.Schema, error) {
	t, err := s.table(req.Query)
	if err != nil {
		return rows.Schema{}, err
	}
	return t.Schema, nil
}

// Execute implements plan.Connector.
func (s *Static) Execute(ctx context.Context, req plan.SourceRequest, sink plan.Sink) error {
	s.calls.Add(1)
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	t, err := s.table(req.Query)
	if err != nil {
		return err
	}
	for i, b := range rows.Split(t.Rows, s.batchSize) {
		if s.failAfter >= 0 && i >= s.failAfter {
			return s.failErr
		}
		if s.delay > 0 {
			timer := time.NewTimer(s.delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		if err := sink.Deliver(b); err != nil {
			return err
		}
	}
	if s.failAfter >= 0 {
		return s.failErr
	}
	return nil
}

// Calls returns the number of Execute calls.
func (s *Static) Calls() int64 { return s.calls.Load() }

// PeakConcurrency returns the most Execute calls ever running at once.
func (s *Static) PeakConcurrency() int64 { return s.peak.Load() }
