package plan

import (
	"fmt"
	"sync"

	"github.com/roach88/fedq/internal/failure"
	"github.com/roach88/fedq/internal/rows"
)

// Values emits fixed rows, split into batches of the context batch size.
func Values(schema rows.Schema, rs ...rows.Row) Plan {
	return &values{schema: schema, rows: rs}
}

type values struct {
	schema  rows.Schema
	rows    []rows.Row
	batches []rows.Batch
	split   bool
	pos     int
}

func (v *values) Schema() rows.Schema { return v.schema }

func (v *values) Next(pc Context) (Step, error) {
	if !v.split {
		v.batches = rows.Split(v.rows, pc.BatchSize())
		v.split = true
	}
	if v.pos >= len(v.batches) {
		return Done, nil
	}
	b := v.batches[v.pos]
	v.pos++
	if v.pos == len(v.batches) {
		return EmitLast(b), nil
	}
	return Emit(b), nil
}

func (v *values) Close() {}

// Scan reads from one source call, enforcing the context row quota.
func Scan(schema rows.Schema, req SourceRequest) Plan {
	return &scan{schema: schema, req: req}
}

type scan struct {
	schema rows.Schema
	req    SourceRequest
	call   *SourceCall
	seen   int64
	done   bool
}

func (s *scan) Schema() rows.Schema { return s.schema }

func (s *scan) Next(pc Context) (Step, error) {
	if s.done {
		return Done, nil
	}
	if s.call == nil {
		s.call = pc.CallSource(s.req)
	}

	p := s.call.Take()
	switch p.State {
	case CallPending:
		return WaitOn(p.Ready), nil
	case CallDone:
		s.done = true
		if p.Err != nil {
			if k := failure.KindOf(p.Err); k == failure.KindCancelled || k == failure.KindTimeout {
				return Step{}, p.Err
			}
			return Step{}, failure.SourceFailure("scan "+s.req.Source, p.Err)
		}
		return Done, nil
	}

	b := p.Batch
	q := pc.RowQuota()
	if q.Max >= 0 && s.seen+int64(b.Len()) > q.Max {
		s.call.Cancel()
		s.done = true
		if q.Fail {
			return Step{}, failure.Wrap(failure.KindSourceFailure, "scan "+s.req.Source,
				fmt.Errorf("source returned more than %d rows", q.Max))
		}
		keep := q.Max - s.seen
		s.seen = q.Max
		pc.Logger().Warn("source rows truncated", "source", s.req.Source, "limit", q.Max)
		if keep == 0 {
			return Done, nil
		}
		return EmitLast(rows.Batch{Rows: b.Rows[:keep]}), nil
	}
	s.seen += int64(b.Len())
	return Emit(b), nil
}

func (s *scan) Close() {
	if s.call != nil {
		s.call.Cancel()
	}
}

// Concat emits the children one after another.
func Concat(children ...Plan) Plan {
	return &concat{children: children}
}

type concat struct {
	children []Plan
	idx      int
}

func (c *concat) Schema() rows.Schema {
	if len(c.children) == 0 {
		return rows.Schema{}
	}
	return c.children[0].Schema()
}

func (c *concat) Next(pc Context) (Step, error) {
	for c.idx < len(c.children) {
		child := c.children[c.idx]
		st, err := child.Next(pc)
		if err != nil {
			return Step{}, err
		}
		switch st.Kind {
		case StepWait:
			return st, nil
		case StepDone:
			child.Close()
			c.idx++
			continue
		}
		if st.Last {
			child.Close()
			c.idx++
			st.Last = c.idx == len(c.children)
		}
		return st, nil
	}
	return Done, nil
}

func (c *concat) Close() {
	for _, child := range c.children {
		child.Close()
	}
}

// Union runs all children concurrently and emits batches in arrival order.
// Batch order within each child is preserved.
func Union(children ...Plan) Plan {
	return &union{
		children: children,
		live:     len(children),
		pending:  make([]*Step, len(children)),
		done:     make([]bool, len(children)),
	}
}

type union struct {
	children []Plan
	pending  []*Step
	done     []bool
	live     int
	rr       int
	primed   bool
}

func (u *union) Schema() rows.Schema {
	if len(u.children) == 0 {
		return rows.Schema{}
	}
	return u.children[0].Schema()
}

// poll advances child i once. Emitted batches are parked in pending.
func (u *union) poll(pc Context, i int) (<-chan struct{}, error) {
	st, err := u.children[i].Next(pc)
	if err != nil {
		return nil, err
	}
	switch st.Kind {
	case StepWait:
		return st.Wait, nil
	case StepDone:
		u.finish(i)
	default:
		u.pending[i] = &st
	}
	return nil, nil
}

func (u *union) finish(i int) {
	if u.done[i] {
		return
	}
	u.done[i] = true
	u.live--
	u.children[i].Close()
}

func (u *union) Next(pc Context) (Step, error) {
	if !u.primed {
		// open every child before emitting anything
		u.primed = true
		for i := range u.children {
			if _, err := u.poll(pc, i); err != nil {
				return Step{}, err
			}
		}
	}

	var waits []<-chan struct{}
	n := len(u.children)
	for k := 0; k < n; k++ {
		i := (u.rr + k) % n
		if u.done[i] {
			continue
		}
		if u.pending[i] == nil {
			wait, err := u.poll(pc, i)
			if err != nil {
				return Step{}, err
			}
			if wait != nil {
				waits = append(waits, wait)
				continue
			}
		}
		if st := u.pending[i]; st != nil {
			u.pending[i] = nil
			u.rr = (i + 1) % n
			if st.Last {
				u.finish(i)
			}
			return Step{Kind: StepEmit, Batch: st.Batch, Last: u.live == 0}, nil
		}
	}
	if u.live == 0 {
		return Done, nil
	}
	return WaitOn(anyOf(waits)), nil
}

func (u *union) Close() {
	for i := range u.children {
		u.finish(i)
	}
}

// anyOf returns a channel closed as soon as any of chans fires.
func anyOf(chans []<-chan struct{}) <-chan struct{} {
	if len(chans) == 1 {
		return chans[0]
	}
	out := make(chan struct{})
	var once sync.Once
	for _, ch := range chans {
		go func(ch <-chan struct{}) {
			select {
			case <-ch:
				once.Do(func() { close(out) })
			case <-out:
			}
		}(ch)
	}
	return out
}

// Limit emits at most n rows of child.
func Limit(child Plan, n int64) Plan {
	return &limit{child: child, remaining: n}
}

type limit struct {
	child     Plan
	remaining int64
	closed    bool
}

func (l *limit) Schema() rows.Schema { return l.child.Schema() }

func (l *limit) Next(pc Context) (Step, error) {
	if l.remaining <= 0 {
		l.Close()
		return Done, nil
	}
	st, err := l.child.Next(pc)
	if err != nil || st.Kind != StepEmit {
		return st, err
	}
	if n := int64(st.Batch.Len()); n >= l.remaining {
		st.Batch = rows.Batch{Rows: st.Batch.Rows[:l.remaining]}
		l.remaining = 0
		st.Last = true
		l.Close()
		return st, nil
	}
	l.remaining -= int64(st.Batch.Len())
	return st, nil
}

func (l *limit) Close() {
	if !l.closed {
		l.closed = true
		l.child.Close()
	}
}

// Project keeps the named columns of child, in the given order.
func Project(child Plan, columns ...string) (Plan, error) {
	in := child.Schema()
	idx := make([]int, len(columns))
	out := make([]rows.Column, len(columns))
	for i, name := range columns {
		j := in.Index(name)
		if j < 0 {
			return nil, fmt.Errorf("project: unknown column %q", name)
		}
		idx[i] = j
		out[i] = in.Columns[j]
	}
	return &project{child: child, idx: idx, schema: rows.NewSchema(out...)}, nil
}

type project struct {
	child  Plan
	idx    []int
	schema rows.Schema
}

func (p *project) Schema() rows.Schema { return p.schema }

func (p *project) Next(pc Context) (Step, error) {
	st, err := p.child.Next(pc)
	if err != nil || st.Kind != StepEmit {
		return st, err
	}
	out := make([]rows.Row, len(st.Batch.Rows))
	for i, r := range st.Batch.Rows {
		row := make(rows.Row, len(p.idx))
		for j, k := range p.idx {
			row[j] = r[k]
		}
		out[i] = row
	}
	st.Batch = rows.Batch{Rows: out}
	return st, nil
}

func (p *project) Close() { p.child.Close() }

// Filter keeps rows of child for which pred returns true.
func Filter(child Plan, pred func(rows.Row) bool) Plan {
	return &filter{child: child, pred: pred}
}

type filter struct {
	child Plan
	pred  func(rows.Row) bool
}

func (f *filter) Schema() rows.Schema { return f.child.Schema() }

func (f *filter) Next(pc Context) (Step, error) {
	for {
		st, err := f.child.Next(pc)
		if err != nil || st.Kind != StepEmit {
			return st, err
		}
		var kept []rows.Row
		for _, r := range st.Batch.Rows {
			if f.pred(r) {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			if st.Last {
				return Done, nil
			}
			continue
		}
		st.Batch = rows.Batch{Rows: kept}
		return st, nil
	}
}

func (f *filter) Close() { f.child.Close() }
