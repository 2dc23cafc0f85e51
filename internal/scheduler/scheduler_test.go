package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedq/internal/buffer"
	"github.com/roach88/fedq/internal/config"
	"github.com/roach88/fedq/internal/connector"
	"github.com/roach88/fedq/internal/failure"
	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/rows"
	"github.com/roach88/fedq/internal/testutil"
	"github.com/roach88/fedq/internal/tuplebuf"
)

var numbers = rows.NewSchema(rows.Col("n", rows.TypeInt))

func testConfig() config.SchedulerConfig {
	cfg := config.Default().Scheduler
	cfg.MaxThreads = 4
	cfg.MaxActivePlans = 2
	cfg.TimeSliceMillis = 100
	cfg.QueryThresholdSeconds = 0
	return cfg
}

type events struct {
	mu  sync.Mutex
	all []Event
}

func (e *events) record(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, ev)
}

// first returns the first event of kind for request, or false.
func (e *events) first(request string, kind EventKind) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.all {
		if ev.Request == request && ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func (e *events) requests(kind EventKind) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.all {
		if ev.Kind == kind {
			out = append(out, ev.Request)
		}
	}
	return out
}

type fixture struct {
	s      *Scheduler
	dir    *tuplebuf.Local
	mgr    *buffer.Manager
	clock  *testutil.ManualClock
	events *events
}

func setupScheduler(t *testing.T, cfg config.SchedulerConfig, conn plan.Connector, bufCfg *config.BufferConfig, opts ...Option) *fixture {
	t.Helper()
	f := newFixture(t, cfg, conn, bufCfg, opts...)
	f.s.Start(context.Background())
	return f
}

// newFixture builds a scheduler without starting its dispatch loop, so
// tests can fix the queue contents first.
func newFixture(t *testing.T, cfg config.SchedulerConfig, conn plan.Connector, bufCfg *config.BufferConfig, opts ...Option) *fixture {
	t.Helper()
	bc := config.Default().Buffer
	if bufCfg != nil {
		bc = *bufCfg
	}
	bc.UseSecondaryStorage = false
	mgr, err := buffer.New(bc)
	require.NoError(t, err)
	dir := tuplebuf.NewLocal(mgr, nil)

	f := &fixture{dir: dir, mgr: mgr, clock: testutil.NewManualClock(time.Time{}), events: &events{}}
	if conn == nil {
		conn = connector.NewStatic()
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithTrace(f.events.record),
		WithWatchInterval(5 * time.Millisecond),
		WithIDGenerator(testutil.NewSequenceIDGenerator("q")),
	}
	s, err := New(cfg, dir, mgr, conn, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Stop()
		mgr.Close()
	})
	f.s = s
	return f
}

func waitDone(t *testing.T, s *Scheduler, id string) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := s.Wait(ctx, id)
	require.NoError(t, err, "request %s did not finish (state %s)", id, st.State)
	return st
}

// slicedPlan emits one batch per Next and advances the clock past the
// time slice each time, so every batch costs exactly one slice.
type slicedPlan struct {
	clock   *testutil.ManualClock
	slice   time.Duration
	batches int
	emitted int

	running *atomic.Int32
	peak    *atomic.Int32
	closed  atomic.Bool
}

func (p *slicedPlan) Schema() rows.Schema { return numbers }

func (p *slicedPlan) Next(plan.Context) (plan.Step, error) {
	n := p.running.Add(1)
	defer p.running.Add(-1)
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(time.Millisecond)
	p.clock.Advance(p.slice)

	p.emitted++
	b := rows.NewBatch(rows.Row{rows.Int(int64(p.emitted))})
	if p.emitted == p.batches {
		return plan.EmitLast(b), nil
	}
	return plan.Emit(b), nil
}

func (p *slicedPlan) Close() { p.closed.Store(true) }

// blockedPlan waits forever on a channel nobody closes.
type blockedPlan struct {
	wait   chan struct{}
	closed atomic.Bool
}

func (p *blockedPlan) Schema() rows.Schema { return numbers }

func (p *blockedPlan) Next(plan.Context) (plan.Step, error) {
	return plan.WaitOn(p.wait), nil
}

func (p *blockedPlan) Close() { p.closed.Store(true) }

type failingPlan struct{ err error }

func (p failingPlan) Schema() rows.Schema { return numbers }
func (p failingPlan) Next(plan.Context) (plan.Step, error) { return plan.Step{}, p.err }
func (p failingPlan) Close() {}

type panickingPlan struct{}

func (panickingPlan) Schema() rows.Schema { return numbers }
func (panickingPlan) Next(plan.Context) (plan.Step, error) { panic("bad operator") }
func (panickingPlan) Close() {}

func readAll(t *testing.T, d tuplebuf.Directory, id buffer.ID) []rows.Row {
	t.Helper()
	info, ok := d.Get(id)
	require.True(t, ok)
	var out []rows.Row
	for i := 0; i < info.Batches; i++ {
		b, err := d.Read(id, i)
		require.NoError(t, err)
		out = append(out, b.Rows...)
	}
	return out
}

func TestScheduler_FiveItemsThreeSlicesTwoActive(t *testing.T) {
	cfg := testConfig()
	f := setupScheduler(t, cfg, nil, nil)

	var running, peak atomic.Int32
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := f.s.Submit(Request{Unit: "vdb", Plan: &slicedPlan{
			clock: f.clock, slice: cfg.TimeSlice(), batches: 3, running: &running, peak: &peak,
		}})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	assert.Equal(t, []string{"q-0001", "q-0002", "q-0003", "q-0004", "q-0005"}, ids)

	for _, id := range ids {
		st := waitDone(t, f.s, id)
		assert.Equal(t, StateCompleted, st.State, id)
		assert.Equal(t, 3, st.Slices, id)
		assert.Equal(t, int64(3), st.Rows, id)
		assert.Equal(t, []rows.Row{{rows.Int(1)}, {rows.Int(2)}, {rows.Int(3)}}, readAll(t, f.dir, st.Buffer))
	}

	assert.LessOrEqual(t, peak.Load(), int32(2), "never more than maxActivePlans running")
	assert.Equal(t, ids, f.events.requests(EventAdmitted), "admission is FIFO")

	// the third item is admitted only once one of the first two finished
	admitted, ok := f.events.first("q-0003", EventAdmitted)
	require.True(t, ok)
	c1, _ := f.events.first("q-0001", EventCompleted)
	c2, _ := f.events.first("q-0002", EventCompleted)
	assert.Greater(t, admitted.Seq, min(c1.Seq, c2.Seq))

	stats := f.s.Stats()
	assert.Equal(t, int64(5), stats.Completed)
	assert.Equal(t, int64(15), stats.Slices)
	assert.Zero(t, stats.Running+stats.Ready+stats.Queued+stats.Waiting)
}

func TestScheduler_RoundRobinBetweenActiveItems(t *testing.T) {
	cfg := testConfig()
	cfg.MaxThreads = 1
	f := newFixture(t, cfg, nil, nil)

	var running, peak atomic.Int32
	a, err := f.s.Submit(Request{Plan: &slicedPlan{clock: f.clock, slice: cfg.TimeSlice(), batches: 3, running: &running, peak: &peak}})
	require.NoError(t, err)
	b, err := f.s.Submit(Request{Plan: &slicedPlan{clock: f.clock, slice: cfg.TimeSlice(), batches: 3, running: &running, peak: &peak}})
	require.NoError(t, err)
	f.s.Start(context.Background())
	waitDone(t, f.s, a)
	waitDone(t, f.s, b)

	// one worker: slices alternate between the two admitted items
	f.events.mu.Lock()
	var order []string
	for _, ev := range f.events.all {
		if ev.Kind == EventSlice {
			order = append(order, ev.Request)
		}
	}
	f.events.mu.Unlock()
	require.Len(t, order, 6)
	for i := 1; i < len(order); i++ {
		assert.NotEqual(t, order[i-1], order[i], "slice %d ran the same item twice in a row: %v", i, order)
	}
}

func TestScheduler_CancelWaitingItem(t *testing.T) {
	f := setupScheduler(t, testConfig(), nil, nil)
	p := &blockedPlan{wait: make(chan struct{})}
	id, err := f.s.Submit(Request{Unit: "vdb", Plan: p})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _, _ := f.s.Status(id)
		return st.State == StateWaiting
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, f.s.Stats().Running, "waiting items do not count as running")

	st, _, err := f.s.Status(id)
	require.NoError(t, err)
	require.NoError(t, f.s.Cancel(id))

	done := waitDone(t, f.s, id)
	assert.Equal(t, StateCancelled, done.State)
	assert.True(t, failure.IsCancelled(done.Err), "got %v", done.Err)
	assert.True(t, p.closed.Load())
	_, ok := f.dir.Get(st.Buffer)
	assert.False(t, ok, "owned buffer released before the terminal state")
}

func TestScheduler_CancelQueuedItem(t *testing.T) {
	f := newFixture(t, testConfig(), nil, nil)

	queued, err := f.s.Submit(Request{Plan: &blockedPlan{wait: make(chan struct{})}})
	require.NoError(t, err)
	st, _, err := f.s.Status(queued)
	require.NoError(t, err)
	assert.Equal(t, StateQueued, st.State)

	require.NoError(t, f.s.Cancel(queued))
	done := waitDone(t, f.s, queued)
	assert.Equal(t, StateCancelled, done.State)
	assert.Zero(t, done.Slices)
	assert.Zero(t, f.s.Stats().Queued)

	f.s.Start(context.Background())
	_, ok := f.events.first(queued, EventAdmitted)
	assert.False(t, ok, "a cancelled item is never admitted")
}

func TestScheduler_WaitingItemsFreeTheirSlot(t *testing.T) {
	cfg := testConfig()
	cfg.MaxActivePlans = 1
	f := setupScheduler(t, cfg, nil, nil)

	blocked, err := f.s.Submit(Request{Plan: &blockedPlan{wait: make(chan struct{})}})
	require.NoError(t, err)
	next, err := f.s.Submit(Request{Plan: plan.Values(numbers, rows.Row{rows.Int(1)})})
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, waitDone(t, f.s, next).State)
	st, _, err := f.s.Status(blocked)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, st.State)
}

func TestScheduler_QueryTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.QueryTimeoutMillis = 1000
	f := setupScheduler(t, cfg, nil, nil)

	id, err := f.s.Submit(Request{Plan: &blockedPlan{wait: make(chan struct{})}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _, _ := f.s.Status(id)
		return st.State == StateWaiting
	}, 2*time.Second, time.Millisecond)

	f.clock.Advance(2 * time.Second)
	st := waitDone(t, f.s, id)
	assert.Equal(t, StateCancelled, st.State)
	assert.True(t, failure.IsTimeout(st.Err), "got %v", st.Err)
	assert.True(t, failure.Retryable(st.Err))
}

func TestScheduler_LongRunningFlaggedNotKilled(t *testing.T) {
	cfg := testConfig()
	cfg.QueryThresholdSeconds = 10
	f := setupScheduler(t, cfg, nil, nil)

	p := &blockedPlan{wait: make(chan struct{})}
	id, err := f.s.Submit(Request{Plan: p})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _, _ := f.s.Status(id)
		return st.State == StateWaiting
	}, 2*time.Second, time.Millisecond)

	f.clock.Advance(11 * time.Second)
	require.Eventually(t, func() bool {
		st, _, _ := f.s.Status(id)
		return st.Flagged
	}, 2*time.Second, time.Millisecond)

	st, _, err := f.s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, st.State)
	assert.Equal(t, int64(1), f.s.Stats().LongRunning)
	require.NoError(t, f.s.Cancel(id))
	waitDone(t, f.s, id)
}

func TestScheduler_SourceConcurrencyCap(t *testing.T) {
	src := connector.NewStatic(connector.WithBatchSize(1), connector.WithDelay(5*time.Millisecond))
	require.NoError(t, src.AddTable("t", numbers, rows.Row{rows.Int(1)}, rows.Row{rows.Int(2)}, rows.Row{rows.Int(3)}))

	cfg := testConfig()
	cfg.UserRequestSourceConcurrency = 2
	f := setupScheduler(t, cfg, src, nil)

	var scans []plan.Plan
	for i := 0; i < 6; i++ {
		scans = append(scans, plan.Scan(numbers, plan.SourceRequest{Source: "static", Query: "t"}))
	}
	id, err := f.s.Submit(Request{Plan: plan.Union(scans...)})
	require.NoError(t, err)

	st := waitDone(t, f.s, id)
	require.Equal(t, StateCompleted, st.State, "err: %v", st.Err)
	assert.Equal(t, int64(18), st.Rows)
	assert.Len(t, readAll(t, f.dir, st.Buffer), 18)
	assert.Equal(t, int64(6), src.Calls())
	assert.LessOrEqual(t, src.PeakConcurrency(), int64(2))
	assert.Equal(t, int64(6), f.s.Stats().SourceCalls)
}

func TestScheduler_SourceFailureIsolated(t *testing.T) {
	boom := errors.New("connection reset")
	bad := connector.NewStatic(connector.WithFailure(0, boom))
	require.NoError(t, bad.AddTable("t", numbers, rows.Row{rows.Int(1)}))
	good := connector.NewStatic()
	require.NoError(t, good.AddTable("t", numbers, rows.Row{rows.Int(1)}, rows.Row{rows.Int(2)}))

	cat := connector.NewCatalog()
	cat.Register("bad", bad)
	cat.Register("good", good)
	f := setupScheduler(t, testConfig(), cat, nil)

	failed, err := f.s.Submit(Request{Plan: plan.Scan(numbers, plan.SourceRequest{Source: "bad", Query: "t"})})
	require.NoError(t, err)
	ok, err := f.s.Submit(Request{Plan: plan.Scan(numbers, plan.SourceRequest{Source: "good", Query: "t"})})
	require.NoError(t, err)

	st := waitDone(t, f.s, failed)
	assert.Equal(t, StateFailed, st.State)
	assert.True(t, failure.IsSourceFailure(st.Err), "got %v", st.Err)
	assert.ErrorIs(t, st.Err, boom)

	st = waitDone(t, f.s, ok)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, int64(2), st.Rows)
}

func TestScheduler_PanicFailsOnlyThatItem(t *testing.T) {
	f := setupScheduler(t, testConfig(), nil, nil)
	bad, err := f.s.Submit(Request{Plan: panickingPlan{}})
	require.NoError(t, err)
	good, err := f.s.Submit(Request{Plan: plan.Values(numbers, rows.Row{rows.Int(7)})})
	require.NoError(t, err)

	st := waitDone(t, f.s, bad)
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.Err.Error(), "bad operator")
	assert.Equal(t, StateCompleted, waitDone(t, f.s, good).State)

	st = waitDone(t, f.s, bad)
	_, ok := f.dir.Get(st.Buffer)
	assert.False(t, ok)
}

func TestScheduler_PlanErrorFails(t *testing.T) {
	f := setupScheduler(t, testConfig(), nil, nil)
	id, err := f.s.Submit(Request{Plan: failingPlan{err: failure.ResourceExhausted("test", "no room")}})
	require.NoError(t, err)
	st := waitDone(t, f.s, id)
	assert.Equal(t, StateFailed, st.State)
	assert.True(t, failure.IsResourceExhausted(st.Err))
	assert.Equal(t, int64(1), f.s.Stats().Failed)
}

func TestScheduler_WaitsForBufferSpace(t *testing.T) {
	payload := rows.NewSchema(rows.Col("n", rows.TypeInt), rows.Col("pad", rows.TypeString))
	big := rows.Row{rows.Int(1), rows.String(strings.Repeat("x", 60*1024))}
	cost := rows.NewBatch(big).SizeBytes()

	bc := config.Default().Buffer
	bc.MaxReservedBytes = cost + cost/2
	bc.MaxProcessingBytes = bc.MaxReservedBytes
	bc.MaxObjectSize = bc.MaxReservedBytes
	bc.FixedMemoryBytes = bc.MaxReservedBytes
	f := setupScheduler(t, testConfig(), nil, &bc)

	first, err := f.s.Submit(Request{Plan: plan.Values(payload, big)})
	require.NoError(t, err)
	require.Equal(t, StateCompleted, waitDone(t, f.s, first).State)

	second, err := f.s.Submit(Request{Plan: plan.Values(payload, big)})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _, _ := f.s.Status(second)
		return st.State == StateWaiting
	}, 2*time.Second, time.Millisecond, "second item blocks on the full ledger")

	ev, ok := f.events.first(second, EventWait)
	require.True(t, ok)
	assert.Equal(t, "buffer", ev.Detail)

	// closing the first request frees its buffer and wakes the second
	require.NoError(t, f.s.Close(first))
	st := waitDone(t, f.s, second)
	assert.Equal(t, StateCompleted, st.State)

	reserved, used := f.mgr.Ledger().Snapshot()
	assert.Equal(t, reserved, used, "no idle reservation left behind")
}

func TestScheduler_CancelUnit(t *testing.T) {
	f := setupScheduler(t, testConfig(), nil, nil)
	var mine []string
	for i := 0; i < 3; i++ {
		id, err := f.s.Submit(Request{Unit: "sales", Plan: &blockedPlan{wait: make(chan struct{})}})
		require.NoError(t, err)
		mine = append(mine, id)
	}
	other, err := f.s.Submit(Request{Unit: "hr", Plan: plan.Values(numbers, rows.Row{rows.Int(1)})})
	require.NoError(t, err)

	cancelled := f.s.CancelUnit("sales", failure.Cancelled("test", "unit withdrawn"))
	assert.ElementsMatch(t, mine, cancelled)
	for _, id := range mine {
		assert.Equal(t, StateCancelled, waitDone(t, f.s, id).State)
	}
	assert.Equal(t, StateCompleted, waitDone(t, f.s, other).State)
}

func TestScheduler_CloseAndLookup(t *testing.T) {
	f := setupScheduler(t, testConfig(), nil, nil)

	p := &blockedPlan{wait: make(chan struct{})}
	id, err := f.s.Submit(Request{Plan: p})
	require.NoError(t, err)
	assert.ErrorIs(t, f.s.Close(id), ErrNotFinished)

	require.NoError(t, f.s.Cancel(id))
	st := waitDone(t, f.s, id)
	require.NoError(t, f.s.Close(id))

	_, _, err = f.s.Status(id)
	assert.ErrorIs(t, err, ErrUnknownRequest)
	assert.ErrorIs(t, f.s.Cancel("nope"), ErrUnknownRequest)
	_, ok := f.dir.Get(st.Buffer)
	assert.False(t, ok)
}

func TestScheduler_CompletionHookSeesSealedBuffer(t *testing.T) {
	var (
		mu        sync.Mutex
		got       []Result
		retainErr error
		f         *fixture
	)
	hook := func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		if info, ok := f.dir.Get(r.Buffer); ok && info.State == buffer.StateSealed {
			retainErr = f.dir.Retain(r.Buffer)
		} else {
			retainErr = errors.New("buffer not sealed before completion hook")
		}
		got = append(got, r)
	}
	f = setupScheduler(t, testConfig(), nil, nil, WithCompletionHook(hook))

	id, err := f.s.Submit(Request{Unit: "vdb", Session: "s1", Cacheable: true, Key: "k",
		Plan: plan.Values(numbers, rows.Row{rows.Int(1)}, rows.Row{rows.Int(2)})})
	require.NoError(t, err)
	st := waitDone(t, f.s, id)

	mu.Lock()
	require.NoError(t, retainErr)
	require.Len(t, got, 1)
	assert.Equal(t, Result{ID: id, Unit: "vdb", Session: "s1", Buffer: st.Buffer, Schema: numbers, Rows: 2, Cacheable: true, Key: "k"}, got[0])
	mu.Unlock()

	// a retained buffer survives Close
	require.NoError(t, f.s.Close(id))
	assert.Len(t, readAll(t, f.dir, st.Buffer), 2)
	removed, err := f.dir.Release(st.Buffer)
	require.NoError(t, err)
	assert.True(t, removed)
}

// cancelOnDonePlan cancels its own request from inside the step that
// reports completion.
type cancelOnDonePlan struct {
	ready  chan struct{}
	cancel func()
}

func (p *cancelOnDonePlan) Schema() rows.Schema { return numbers }

func (p *cancelOnDonePlan) Next(plan.Context) (plan.Step, error) {
	select {
	case <-p.ready:
	default:
		return plan.WaitOn(p.ready), nil
	}
	p.cancel()
	return plan.Done, nil
}

func (p *cancelOnDonePlan) Close() {}

func TestScheduler_CancelledAtCompletionSkipsHook(t *testing.T) {
	var hooked atomic.Int32
	f := setupScheduler(t, testConfig(), nil, nil, WithCompletionHook(func(Result) { hooked.Add(1) }))

	p := &cancelOnDonePlan{ready: make(chan struct{})}
	id, err := f.s.Submit(Request{Unit: "vdb", Cacheable: true, Key: "k", Plan: p})
	require.NoError(t, err)
	p.cancel = func() { _ = f.s.Cancel(id) }
	close(p.ready)

	st := waitDone(t, f.s, id)
	assert.Equal(t, StateCancelled, st.State)
	assert.True(t, failure.IsCancelled(st.Err))
	assert.Zero(t, hooked.Load(), "a cancelled request never reaches the completion hook")
	_, ok := f.dir.Get(st.Buffer)
	assert.False(t, ok, "the result buffer is removed")
}

func TestScheduler_QueueDepth(t *testing.T) {
	cfg := testConfig()
	cfg.QueueDepth = 1
	f := newFixture(t, cfg, nil, nil)

	first, err := f.s.Submit(Request{Plan: plan.Values(numbers, rows.Row{rows.Int(1)})})
	require.NoError(t, err)
	_, err = f.s.Submit(Request{Plan: plan.Values(numbers)})
	assert.True(t, failure.IsResourceExhausted(err), "got %v", err)

	f.s.Start(context.Background())
	waitDone(t, f.s, first)
	_, err = f.s.Submit(Request{Plan: plan.Values(numbers)})
	assert.NoError(t, err, "admission frees queue room")
}

func TestScheduler_StopCancelsEverything(t *testing.T) {
	f := setupScheduler(t, testConfig(), nil, nil)
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := f.s.Submit(Request{Plan: &blockedPlan{wait: make(chan struct{})}})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	f.s.Stop()

	for _, id := range ids {
		st, _, err := f.s.Status(id)
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, st.State, id)
	}
	_, err := f.s.Submit(Request{Plan: plan.Values(numbers)})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Zero(t, f.mgr.Stats().Buffers)
}

func TestState_String(t *testing.T) {
	for s := StateQueued; s < numStates; s++ {
		assert.NotEqual(t, "invalid", s.String(), fmt.Sprint(uint8(s)))
	}
	assert.False(t, StateWaiting.Terminal())
	assert.True(t, StateCancelled.Terminal())
}
