package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/fedq/internal/buffer"
	"github.com/roach88/fedq/internal/cache"
	"github.com/roach88/fedq/internal/failure"
	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/rows"
	"github.com/roach88/fedq/internal/scheduler"
)

// Command is one request to run against a deployed unit.
type Command struct {
	Unit    string
	Text    string
	Params  []rows.Value
	Options map[string]string
	// NoCache bypasses the result cache for this request.
	NoCache bool
}

// Session identifies the client session a request runs in.
type Session struct {
	ID string
}

// PollResult is one step of reading a request's result.
type PollResult struct {
	ID     string
	Schema rows.Schema
	// Batch is set when HasBatch is true. Batches arrive in append order.
	Batch    rows.Batch
	HasBatch bool
	// Completed is set once every batch has been returned.
	Completed bool
	// Err is the typed failure of a failed or cancelled request.
	Err error
	// Cached reports that the rows come from the result cache.
	Cached bool
}

// request is the engine's view of a submitted request.
type request struct {
	id      string
	unit    string
	session string
	cached  bool // served from the result cache; holds a directory reference
	buf     buffer.ID
	schema  rows.Schema

	mu     sync.Mutex // serializes Poll calls
	cursor int
}

// Submit starts cmd and returns its request id. A fresh result-cache hit
// is served from the cached buffer without scheduling a plan.
func (e *Engine) Submit(ctx context.Context, cmd Command, sess Session) (string, error) {
	for {
		id, err := e.submit(ctx, cmd, sess)
		if !errors.Is(err, errRedeployed) {
			return id, err
		}
		if ctx.Err() != nil {
			return "", failure.Wrap(failure.KindOf(ctx.Err()), "engine.Submit", ctx.Err())
		}
	}
}

func (e *Engine) submit(ctx context.Context, cmd Command, sess Session) (string, error) {
	prepared, _, epoch, err := e.prepare(ctx, cmd)
	if err != nil {
		return "", err
	}

	scope, err := cache.ParseScope(prepared.Scope)
	if err != nil {
		e.logger.Warn("treating result scope as session", "unit", cmd.Unit, "command", cmd.Text, "error", err)
	}
	rfp, err := rows.ResultFingerprint(cmd.Text, cmd.Params, cmd.Options)
	if err != nil {
		return "", err
	}
	resultKey := cache.ComputeKey(cmd.Unit, rfp, cache.ResultSession(scope, sess.ID))
	cacheable := !cmd.NoCache && e.results.Active()

	// the unit check and the submission happen under the read lock so a
	// withdrawal either rejects this request or cancels it
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.units[cmd.Unit] != UnitDeployed {
		return "", e.unitErrorLocked(cmd.Unit)
	}
	if e.epochs[cmd.Unit] != epoch {
		return "", errRedeployed
	}

	if cacheable {
		if v, o := e.results.Get(resultKey); o == cache.Hit {
			if err := e.dir.Retain(v.Buffer); err == nil {
				r := &request{id: e.ids.Generate(), unit: cmd.Unit, session: sess.ID, cached: true, buf: v.Buffer, schema: v.Schema}
				e.trackLocked(r)
				e.logger.Debug("served from result cache", "request", r.id, "unit", cmd.Unit, "rows", v.Rows)
				return r.id, nil
			}
			// evicted between Get and Retain: run the plan
		}
	}

	p, err := prepared.Instantiate(cmd.Params)
	if err != nil {
		return "", err
	}
	id, err := e.sched.Submit(scheduler.Request{
		Unit:      cmd.Unit,
		Session:   sess.ID,
		Plan:      p,
		Cacheable: cacheable,
		Key:       resultTicket{key: resultKey, epoch: epoch},
	})
	if err != nil {
		p.Close()
		return "", err
	}
	e.trackLocked(&request{id: id, unit: cmd.Unit, session: sess.ID, schema: prepared.Schema})
	return id, nil
}

func (e *Engine) unitErrorLocked(unit string) error {
	if e.units[unit] == UnitWithdrawing {
		return newUnitError(ErrCodeUnitWithdrawing, unit, "unit is being withdrawn")
	}
	return newUnitError(ErrCodeUnknownUnit, unit, "unit is not deployed")
}

// trackLocked records r. Callers hold e.mu for reading; the request map
// has its own lock.
func (e *Engine) trackLocked(r *request) {
	e.rmu.Lock()
	e.requests[r.id] = r
	e.rmu.Unlock()
}

func (e *Engine) lookup(id string) (*request, error) {
	e.rmu.Lock()
	defer e.rmu.Unlock()
	r, ok := e.requests[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return r, nil
}

// Poll returns the next batch of id, blocking until one is available,
// the request finishes or ctx ends.
func (e *Engine) Poll(ctx context.Context, id string) (PollResult, error) {
	r, err := e.lookup(id)
	if err != nil {
		return PollResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached {
		res := PollResult{ID: id, Schema: r.schema, Cached: true}
		b, ok, err := e.next(r, r.buf)
		if err != nil {
			return res, err
		}
		res.Batch, res.HasBatch, res.Completed = b, ok, !ok
		return res, nil
	}

	for {
		st, changed, err := e.sched.Status(id)
		if err != nil {
			return PollResult{}, err
		}
		res := PollResult{ID: id, Schema: r.schema}
		switch st.State {
		case scheduler.StateFailed, scheduler.StateCancelled:
			res.Err = st.Err
			return res, nil
		}

		b, ok, err := e.next(r, st.Buffer)
		if err != nil {
			return res, err
		}
		if ok {
			res.Batch, res.HasBatch = b, true
			return res, nil
		}
		if st.State == scheduler.StateCompleted {
			res.Completed = true
			return res, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return res, ctx.Err()
		}
	}
}

// next reads the batch at r's cursor if it has been appended.
func (e *Engine) next(r *request, buf buffer.ID) (rows.Batch, bool, error) {
	info, ok := e.dir.Get(buf)
	if !ok || r.cursor >= info.Batches {
		return rows.Batch{}, false, nil
	}
	b, err := e.dir.Read(buf, r.cursor)
	if err != nil {
		return rows.Batch{}, false, err
	}
	r.cursor++
	return b, true, nil
}

// Cancel requests cancellation of id. Cancelling a finished request is a
// no-op.
func (e *Engine) Cancel(id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	if r.cached {
		return nil
	}
	return e.sched.Cancel(id)
}

// Close releases id. An unfinished request is cancelled first and Close
// waits for it to unwind or for ctx to end.
func (e *Engine) Close(ctx context.Context, id string) error {
	r, err := e.lookup(id)
	if err != nil {
		return err
	}
	if r.cached {
		e.forget(id)
		e.releaseBuffer(r.buf)
		return nil
	}

	st, _, err := e.sched.Status(id)
	if err != nil {
		return err
	}
	if !st.State.Terminal() {
		if err := e.sched.Cancel(id); err != nil {
			return err
		}
		if _, err := e.sched.Wait(ctx, id); err != nil {
			return err
		}
	}
	if err := e.sched.Close(id); err != nil {
		return err
	}
	e.forget(id)
	return nil
}

func (e *Engine) forget(id string) {
	e.rmu.Lock()
	delete(e.requests, id)
	e.rmu.Unlock()
}

// Collect polls id until it finishes and returns every row. It is meant
// for tools and tests; servers stream with Poll instead.
func (e *Engine) Collect(ctx context.Context, id string) (rows.Schema, []rows.Row, error) {
	var out []rows.Row
	for {
		res, err := e.Poll(ctx, id)
		if err != nil {
			return res.Schema, out, err
		}
		if res.Err != nil {
			return res.Schema, out, res.Err
		}
		if res.HasBatch {
			out = append(out, res.Batch.Rows...)
			continue
		}
		if res.Completed {
			return res.Schema, out, nil
		}
	}
}

// Prepare resolves cmd's plan through the plan cache without running it.
// The outcome reports whether the plan cache served it.
func (e *Engine) Prepare(ctx context.Context, cmd Command) (*plan.Prepared, cache.Outcome, error) {
	for {
		p, outcome, _, err := e.prepare(ctx, cmd)
		if !errors.Is(err, errRedeployed) {
			return p, outcome, err
		}
		if ctx.Err() != nil {
			return nil, outcome, failure.Wrap(failure.KindOf(ctx.Err()), "engine.Prepare", ctx.Err())
		}
	}
}

// prepare also returns the deployment the plan belongs to. A plan built
// while the unit was redeployed is discarded with errRedeployed.
func (e *Engine) prepare(ctx context.Context, cmd Command) (*plan.Prepared, cache.Outcome, uint64, error) {
	epoch, err := e.deployment(cmd.Unit)
	if err != nil {
		return nil, cache.Miss, 0, err
	}
	fp, err := rows.PlanFingerprint(cmd.Text, cmd.Options)
	if err != nil {
		return nil, cache.Miss, 0, err
	}
	key := cache.ComputeKey(cmd.Unit, fp, nil)
	p, outcome := e.plans.Get(key)
	if outcome == cache.Hit {
		return p, outcome, epoch, nil
	}
	p, err = e.planner.Prepare(ctx, cmd.Unit, cmd.Text, cmd.Options)
	if err != nil {
		return nil, outcome, 0, err
	}

	// a plan prepared for a unit that is withdrawn or redeployed meanwhile
	// is not cached
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.units[cmd.Unit] != UnitDeployed {
		return nil, outcome, 0, e.unitErrorLocked(cmd.Unit)
	}
	if e.epochs[cmd.Unit] != epoch {
		return nil, outcome, 0, errRedeployed
	}
	e.plans.Put(key, p)
	return p, outcome, epoch, nil
}
