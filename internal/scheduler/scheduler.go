// Package scheduler runs work items under bounded concurrency.
//
// Submitted items wait in a FIFO admission queue until fewer than
// maxActivePlans items are active (ready or running; waiting items do not
// count). Active items take turns on a bounded worker pool in round-robin
// order, each turn lasting at most one time slice. An item gives up its
// worker when its slice expires with work remaining, when its plan waits
// on a source call, or when buffer space for its next batch is not yet
// available; in the last two cases it is woken by the channel it waited
// on and returns to the back of the ready queue.
//
// Cancellation is cooperative: Cancel, unit withdrawal and the query
// timeout cancel the item's context, which stops its source calls and
// wakes it if suspended; the item then terminates at its next checkpoint,
// releasing reservations and owned buffers before its terminal state
// becomes visible.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/fedq/internal/buffer"
	"github.com/roach88/fedq/internal/config"
	"github.com/roach88/fedq/internal/failure"
	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/tuplebuf"
)

var (
	// ErrUnknownRequest is returned for ids the scheduler does not know.
	ErrUnknownRequest = errors.New("unknown request")
	// ErrNotFinished is returned by Close for a non-terminal item.
	ErrNotFinished = errors.New("request has not finished")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("scheduler stopped")
)

// Scheduler drives work items.
type Scheduler struct {
	cfg        config.SchedulerConfig
	dir        tuplebuf.Directory
	buffers    *buffer.Manager
	connector  plan.Connector
	ids        IDGenerator
	now        func() time.Time
	logger     *slog.Logger
	clock      *Clock
	trace      func(Event)
	onComplete func(Result)
	watchEvery time.Duration
	batchSize  int
	maxActive  int
	maxRunning int

	pool *ants.Pool

	mu        sync.Mutex
	items     map[string]*workItem
	counts    [numStates]int
	admission *itemQueue
	ready     *itemQueue
	stopped   bool

	wake     chan struct{}
	base     context.Context
	stop     context.CancelCauseFunc
	wg       sync.WaitGroup // source calls and suspended-item waiters
	loopDone chan struct{}
	started  atomic.Bool

	submitted   atomic.Int64
	completed   atomic.Int64
	failed      atomic.Int64
	cancelled   atomic.Int64
	sourceCalls atomic.Int64
	slicesRun   atomic.Int64
	longRunning atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithIDGenerator sets the request id generator (default UUIDv7).
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Scheduler) { s.ids = g }
}

// WithClock sets the wall clock used for slices, timeouts and the
// long-running threshold.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTrace registers a function receiving every scheduler event. It is
// called synchronously and must not call back into the scheduler.
func WithTrace(fn func(Event)) Option {
	return func(s *Scheduler) { s.trace = fn }
}

// WithCompletionHook registers a function called when an item completes,
// before the completion becomes visible to Status.
func WithCompletionHook(fn func(Result)) Option {
	return func(s *Scheduler) { s.onComplete = fn }
}

// WithWatchInterval sets how often timeouts and the long-running
// threshold are checked (default 100ms).
func WithWatchInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.watchEvery = d }
}

// WithBatchSize sets the preferred rows per emitted batch (default 256).
func WithBatchSize(n int) Option {
	return func(s *Scheduler) { s.batchSize = n }
}

// New creates a scheduler. Call Start to begin dispatching.
func New(cfg config.SchedulerConfig, dir tuplebuf.Directory, buffers *buffer.Manager, connector plan.Connector, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		cfg:        cfg,
		dir:        dir,
		buffers:    buffers,
		connector:  connector,
		ids:        UUIDv7Generator{},
		now:        time.Now,
		logger:     slog.Default(),
		clock:      NewClock(),
		watchEvery: 100 * time.Millisecond,
		batchSize:  256,
		maxActive:  cfg.MaxActivePlans,
		items:      make(map[string]*workItem),
		admission:  newItemQueue(),
		ready:      newItemQueue(),
		wake:       make(chan struct{}, 1),
		loopDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxActive <= 0 {
		return nil, fmt.Errorf("scheduler: maxActivePlans must be positive, got %d", s.maxActive)
	}
	s.maxRunning = min(s.maxActive, cfg.Workers())

	pool, err := ants.NewPool(cfg.Workers(),
		ants.WithLogger(antsLogger{s.logger}),
		ants.WithPanicHandler(func(p any) {
			s.logger.Error("worker panic escaped work item", "panic", p)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("scheduler: worker pool: %w", err)
	}
	s.pool = pool
	s.base, s.stop = context.WithCancelCause(context.Background())
	return s, nil
}

// antsLogger adapts slog to the pool's printf-style logger.
type antsLogger struct{ l *slog.Logger }

func (a antsLogger) Printf(format string, args ...any) {
	a.l.Debug(fmt.Sprintf(format, args...), "component", "worker-pool")
}

// Start launches the dispatch loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.loop(ctx)
}

// Stop cancels every unfinished item, waits for source calls to return and
// releases the worker pool.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	items := make([]*workItem, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
	}
	s.mu.Unlock()

	for _, it := range items {
		s.cancelItem(it, failure.Cancelled("scheduler.Stop", "scheduler stopped"))
	}
	s.stop(ErrStopped)
	if s.started.Load() {
		<-s.loopDone
	}
	if err := s.pool.ReleaseTimeout(5 * time.Second); err != nil {
		s.logger.Warn("worker pool did not drain", "error", err)
	}
	s.wg.Wait()

	// no worker runs anything now; unwind what the loop never reached
	for _, it := range items {
		if !it.getState().Terminal() {
			s.finish(it, context.Cause(it.ctx))
		}
	}
	s.admission.Close()
	s.ready.Close()
}

// Submit creates a work item for req and queues it for admission.
func (s *Scheduler) Submit(req Request) (string, error) {
	if req.Plan == nil {
		return "", errors.New("scheduler: request has no plan")
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrStopped
	}
	if s.cfg.QueueDepth > 0 && s.counts[StateQueued] >= s.cfg.QueueDepth {
		s.mu.Unlock()
		return "", failure.ResourceExhausted("scheduler.Submit", "admission queue full (%d)", s.cfg.QueueDepth)
	}
	s.mu.Unlock()

	id := s.ids.Generate()
	buf, err := s.dir.Create(id, req.Plan.Schema())
	if err != nil {
		return "", fmt.Errorf("scheduler: result buffer: %w", err)
	}

	ctx, cancel := context.WithCancelCause(s.base)
	now := s.now()
	it := &workItem{
		s:         s,
		id:        id,
		req:       req,
		buf:       buf,
		ctx:       ctx,
		cancel:    cancel,
		sem:       semaphore.NewWeighted(int64(max(s.cfg.UserRequestSourceConcurrency, 1))),
		submitted: now,
		state:     StateQueued,
		changed:   make(chan struct{}),
	}
	if t := s.cfg.QueryTimeout(); t > 0 {
		it.deadline = now.Add(t)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.dir.RemoveOwned(id)
		return "", ErrStopped
	}
	s.items[id] = it
	s.counts[StateQueued]++
	s.mu.Unlock()

	s.submitted.Add(1)
	s.emit(it, EventSubmitted, nil)
	s.admission.Enqueue(it)
	s.logger.Debug("request submitted", "request", id, "unit", req.Unit)
	return id, nil
}

// transition moves it to state to, keeping the per-state counts. Callers
// must hold s.mu. Returns false if it is already terminal.
func (s *Scheduler) transitionLocked(it *workItem, to State) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	from := it.state
	if from.Terminal() {
		return false
	}
	s.counts[from]--
	s.counts[to]++
	it.state = to
	it.notifyLocked()
	return true
}

func (s *Scheduler) transition(it *workItem, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(it, to)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.watchEvery)
	defer ticker.Stop()

	for {
		s.dispatch()
		select {
		case <-ctx.Done():
			return
		case <-s.base.Done():
			return
		case <-s.wake:
		case <-s.admission.Wait():
		case <-ticker.C:
			s.watch()
		}
	}
}

// dispatch admits queued items and hands ready items to workers.
func (s *Scheduler) dispatch() {
	var run []*workItem

	s.mu.Lock()
	for s.counts[StateReady]+s.counts[StateRunning] < s.maxActive {
		it, ok := s.admission.TryDequeue()
		if !ok {
			break
		}
		if !s.transitionLocked(it, StateReady) {
			continue // cancelled while queued
		}
		it.mu.Lock()
		it.started = s.now()
		it.mu.Unlock()
		s.ready.Enqueue(it)
		s.emitLocked(it, EventAdmitted, nil)
	}
	for s.counts[StateRunning]+len(run) < s.maxRunning {
		it, ok := s.ready.TryDequeue()
		if !ok {
			break
		}
		if it.getState() != StateReady {
			continue
		}
		run = append(run, it)
	}
	for _, it := range run {
		s.transitionLocked(it, StateRunning)
	}
	s.mu.Unlock()

	for _, it := range run {
		if err := s.pool.Submit(func() { s.runSlice(it) }); err != nil {
			// pool closed during Stop
			s.finish(it, failure.Cancelled("scheduler.dispatch", "worker pool closed: %v", err))
		}
	}
}

// watch enforces query timeouts and flags long-running items.
func (s *Scheduler) watch() {
	now := s.now()
	threshold := s.cfg.QueryThreshold()

	s.mu.Lock()
	var expired, slow []*workItem
	for _, it := range s.items {
		it.mu.Lock()
		terminal := it.state.Terminal()
		flagged := it.flagged
		started := it.started
		it.mu.Unlock()
		if terminal {
			continue
		}
		if !it.deadline.IsZero() && !now.Before(it.deadline) {
			expired = append(expired, it)
			continue
		}
		if threshold > 0 && !flagged && !started.IsZero() && now.Sub(started) >= threshold {
			slow = append(slow, it)
		}
	}
	s.mu.Unlock()

	for _, it := range expired {
		s.cancelItem(it, failure.Timeout("scheduler", "request %s exceeded timeout of %s", it.id, s.cfg.QueryTimeout()))
	}
	for _, it := range slow {
		it.mu.Lock()
		it.flagged = true
		it.mu.Unlock()
		s.longRunning.Add(1)
		s.emit(it, EventLongRunning, nil)
		s.logger.Warn("long running request", "request", it.id, "unit", it.req.Unit, "threshold", threshold)
	}
}

// runSlice executes it for at most one time slice.
func (s *Scheduler) runSlice(it *workItem) {
	defer func() {
		if p := recover(); p != nil {
			s.finish(it, fmt.Errorf("request %s panicked: %v", it.id, p))
		}
		s.signal()
	}()

	it.mu.Lock()
	it.slices++
	it.mu.Unlock()
	s.slicesRun.Add(1)
	s.emit(it, EventSlice, nil)

	end := s.now().Add(s.cfg.TimeSlice())
	for {
		if err := s.checkpoint(it); err != nil {
			s.finish(it, err)
			return
		}

		if it.pending != nil {
			if !s.appendPending(it) {
				return
			}
			if it.last {
				s.complete(it)
				return
			}
		} else {
			st, err := it.req.Plan.Next(it)
			if err != nil {
				s.finish(it, err)
				return
			}
			switch st.Kind {
			case plan.StepDone:
				s.complete(it)
				return
			case plan.StepWait:
				s.suspend(it, st.Wait, "source")
				return
			case plan.StepEmit:
				if st.Batch.Len() > 0 {
					b := st.Batch
					it.pending = &b
					it.last = st.Last
					continue
				}
				if st.Last {
					s.complete(it)
					return
				}
			default:
				s.finish(it, fmt.Errorf("plan returned invalid step %d", st.Kind))
				return
			}
		}

		if !s.now().Before(end) {
			s.yield(it)
			return
		}
	}
}

// checkpoint reports why it must stop, if it must.
func (s *Scheduler) checkpoint(it *workItem) error {
	if it.ctx.Err() != nil {
		return context.Cause(it.ctx)
	}
	if !it.deadline.IsZero() && !s.now().Before(it.deadline) {
		err := failure.Timeout("scheduler", "request %s exceeded timeout of %s", it.id, s.cfg.QueryTimeout())
		it.cancel(err)
		return err
	}
	return nil
}

// appendPending writes the pending batch to the result buffer once buffer
// space is reserved. Returns false if the item suspended or finished.
func (s *Scheduler) appendPending(it *workItem) bool {
	b := *it.pending
	need := s.buffers.Cost(b)
	if it.held < need {
		ok, wait, err := s.buffers.TryReserve(need - it.held)
		if err != nil {
			s.finish(it, err)
			return false
		}
		if !ok {
			s.suspend(it, wait, "buffer")
			return false
		}
		it.held = need
	}

	if err := s.dir.Append(it.id, it.buf, b); err != nil {
		s.finish(it, err)
		return false
	}
	it.held = 0
	it.pending = nil

	it.mu.Lock()
	it.batches++
	it.rows += int64(b.Len())
	it.notifyLocked()
	it.mu.Unlock()
	return true
}

func (s *Scheduler) yield(it *workItem) {
	s.mu.Lock()
	ok := s.transitionLocked(it, StateReady)
	if ok {
		s.ready.Enqueue(it)
	}
	s.mu.Unlock()
	if ok {
		s.emit(it, EventYield, nil)
	}
}

// suspend parks it until ch fires or the item is cancelled.
func (s *Scheduler) suspend(it *workItem, ch <-chan struct{}, reason string) {
	if !s.transition(it, StateWaiting) {
		return
	}
	s.emitDetail(it, EventWait, reason)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ch:
		case <-it.ctx.Done():
		}
		s.mu.Lock()
		if it.getState() == StateWaiting && s.transitionLocked(it, StateReady) {
			s.ready.Enqueue(it)
		}
		s.mu.Unlock()
		s.signal()
	}()
}

// complete seals the result buffer and marks it completed. An item
// cancelled after its last batch fails instead, so its result is never
// handed to the completion hook.
func (s *Scheduler) complete(it *workItem) {
	if it.ctx.Err() != nil {
		s.finish(it, context.Cause(it.ctx))
		return
	}
	if err := s.dir.Seal(it.id, it.buf); err != nil {
		s.finish(it, err)
		return
	}
	it.req.Plan.Close()

	st, _ := it.status()
	if s.onComplete != nil {
		s.onComplete(Result{
			ID:        it.id,
			Unit:      it.req.Unit,
			Session:   it.req.Session,
			Buffer:    it.buf,
			Schema:    st.Schema,
			Rows:      st.Rows,
			Cacheable: it.req.Cacheable,
			Key:       it.req.Key,
		})
	}

	if s.transition(it, StateCompleted) {
		s.completed.Add(1)
		s.emit(it, EventCompleted, nil)
	}
	it.cancel(nil)
}

// finish terminates it with err, releasing everything it holds first.
func (s *Scheduler) finish(it *workItem, err error) {
	it.cancel(err)
	it.req.Plan.Close()
	if it.held > 0 {
		s.buffers.Release(it.held)
		it.held = 0
	}
	it.pending = nil
	s.dir.RemoveOwned(it.id)

	to := StateFailed
	kind := failure.KindOf(err)
	if kind == failure.KindCancelled || kind == failure.KindTimeout {
		to = StateCancelled
	}

	s.mu.Lock()
	ok := s.transitionLocked(it, to)
	if ok {
		it.mu.Lock()
		it.err = err
		it.mu.Unlock()
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if to == StateCancelled {
		s.cancelled.Add(1)
		s.emit(it, EventCancelled, err)
		s.logger.Info("request cancelled", "request", it.id, "unit", it.req.Unit, "reason", err)
	} else {
		s.failed.Add(1)
		s.emit(it, EventFailed, err)
		s.logger.Warn("request failed", "request", it.id, "unit", it.req.Unit, "kind", kind, "error", err)
	}
	s.signal()
}

// cancelItem cancels it with cause. Items that hold no worker are
// finished here; running items stop at their next checkpoint.
func (s *Scheduler) cancelItem(it *workItem, cause error) {
	it.cancel(cause)
	if s.admission.Remove(it) {
		s.finish(it, context.Cause(it.ctx))
	}
	// ready and waiting items are requeued by their waiter and finish at
	// the first checkpoint of their next slice
	s.signal()
}

// Cancel requests cancellation of id.
func (s *Scheduler) Cancel(id string) error {
	it, err := s.lookup(id)
	if err != nil {
		return err
	}
	if it.getState().Terminal() {
		return nil
	}
	s.cancelItem(it, failure.Cancelled("scheduler.Cancel", "request %s cancelled", id))
	return nil
}

// CancelUnit cancels every unfinished item bound to unit and returns
// their ids.
func (s *Scheduler) CancelUnit(unit string, cause error) []string {
	s.mu.Lock()
	var doomed []*workItem
	for _, it := range s.items {
		if it.req.Unit == unit && !it.getState().Terminal() {
			doomed = append(doomed, it)
		}
	}
	s.mu.Unlock()

	ids := make([]string, len(doomed))
	for i, it := range doomed {
		s.cancelItem(it, cause)
		ids[i] = it.id
	}
	return ids
}

// Status returns a snapshot of id and a channel closed on its next change.
func (s *Scheduler) Status(id string) (Status, <-chan struct{}, error) {
	it, err := s.lookup(id)
	if err != nil {
		return Status{}, nil, err
	}
	st, ch := it.status()
	return st, ch, nil
}

// Wait blocks until id is terminal or ctx is done.
func (s *Scheduler) Wait(ctx context.Context, id string) (Status, error) {
	for {
		st, ch, err := s.Status(id)
		if err != nil {
			return st, err
		}
		if st.State.Terminal() {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Close acknowledges the terminal state of id and releases its buffers.
// Buffers retained elsewhere (by the result cache) survive.
func (s *Scheduler) Close(id string) error {
	it, err := s.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if !it.getState().Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFinished, id)
	}
	delete(s.items, id)
	s.counts[it.getState()]--
	s.mu.Unlock()

	s.dir.RemoveOwned(id)
	return nil
}

func (s *Scheduler) lookup(id string) (*workItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return it, nil
}

// Stats is a point-in-time view of scheduler counters.
type Stats struct {
	Queued      int
	Ready       int
	Running     int
	Waiting     int
	Submitted   int64
	Completed   int64
	Failed      int64
	Cancelled   int64
	SourceCalls int64
	Slices      int64
	LongRunning int64
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Queued:  s.counts[StateQueued],
		Ready:   s.counts[StateReady],
		Running: s.counts[StateRunning],
		Waiting: s.counts[StateWaiting],
	}
	s.mu.Unlock()
	st.Submitted = s.submitted.Load()
	st.Completed = s.completed.Load()
	st.Failed = s.failed.Load()
	st.Cancelled = s.cancelled.Load()
	st.SourceCalls = s.sourceCalls.Load()
	st.Slices = s.slicesRun.Load()
	st.LongRunning = s.longRunning.Load()
	return st
}
