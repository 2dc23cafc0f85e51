package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/fedq/internal/config"
	"github.com/roach88/fedq/internal/connector"
	"github.com/roach88/fedq/internal/engine"
	"github.com/roach88/fedq/internal/failure"
	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/rows"
	"github.com/roach88/fedq/internal/testutil"
)

// OutcomeCompleted is the drain outcome of a request that returned all rows.
const OutcomeCompleted = "completed"

// DefaultSession is used by submit steps that name no session.
const DefaultSession = "default"

// baseOverrides keep scenarios off the disk unless they ask for spilling.
var baseOverrides = map[string]any{
	"buffer.useSecondaryStorage": false,
}

// drained is what the last drain of a request observed.
type drained struct {
	rows    []rows.Row
	cached  bool
	outcome string
}

// Harness runs one scenario against a fresh engine with a manual clock
// and sequential request ids.
type Harness struct {
	engine   *engine.Engine
	clock    *testutil.ManualClock
	sources  map[string]*connector.Static
	units    map[string]UnitDef
	requests map[string]string // alias -> request id
	drained  map[string]drained
	logger   *slog.Logger
	timeout  time.Duration
}

// Option configures a run.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	timeout time.Duration
	environ []string
}

// WithLogger routes engine logs to l (default: discarded).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithStepTimeout bounds each drain and close (default 10s).
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithEnviron applies FEDQ_* overrides from environ on top of the
// scenario's configuration.
func WithEnviron(environ []string) Option {
	return func(o *options) { o.environ = environ }
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh engine for isolation. Execution flow:
// 1. Load configuration from defaults plus the scenario overrides
// 2. Build static sources and the engine
// 3. Execute steps in order, tracing each one except expect
// 4. Evaluate assertions against the trace
//
// An error is returned when the scenario cannot be executed at all; step
// and assertion failures are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		timeout: 10 * time.Second,
		environ: []string{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	overrides := make(map[string]any, len(baseOverrides)+len(scenario.Config))
	for k, v := range baseOverrides {
		overrides[k] = v
	}
	for k, v := range scenario.Config {
		overrides[k] = v
	}
	cfg, err := config.Load(config.LoadOptions{Overrides: overrides, Environ: o.environ})
	if err != nil {
		return nil, fmt.Errorf("scenario config: %w", err)
	}

	h := &Harness{
		clock:    testutil.NewManualClock(time.Time{}),
		sources:  make(map[string]*connector.Static),
		units:    make(map[string]UnitDef),
		requests: make(map[string]string),
		drained:  make(map[string]drained),
		logger:   o.logger,
		timeout:  o.timeout,
	}
	for _, u := range scenario.Units {
		h.units[u.Name] = u
	}

	engOpts := []engine.Option{
		engine.WithLogger(o.logger),
		engine.WithClock(h.clock.Now),
		engine.WithIDGenerator(testutil.NewSequenceIDGenerator("req")),
		engine.WithSweepInterval(0),
	}
	for name, def := range scenario.Sources {
		src, err := buildSource(def)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", name, err)
		}
		h.sources[name] = src
		engOpts = append(engOpts, engine.WithSource(name, src))
	}

	eng, err := engine.New(cfg, engOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	h.engine = eng
	eng.Start(ctx)

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, step, result); err != nil {
			result.AddError(fmt.Sprintf("steps[%d] %s: %v", i, step.Kind(), err))
		}
	}
	if err := eng.Stop(); err != nil {
		result.AddError(fmt.Sprintf("engine stop: %v", err))
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func buildSource(def SourceDef) (*connector.Static, error) {
	var opts []connector.StaticOption
	if def.BatchSize > 0 {
		opts = append(opts, connector.WithBatchSize(def.BatchSize))
	}
	if def.DelayMillis > 0 {
		opts = append(opts, connector.WithDelay(time.Duration(def.DelayMillis)*time.Millisecond))
	}
	src := connector.NewStatic(opts...)
	for name, t := range def.Tables {
		rs, err := convertRows(t.Rows)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", name, err)
		}
		if err := src.AddTable(name, rows.Schema{Columns: t.Columns}, rs...); err != nil {
			return nil, err
		}
	}
	return src, nil
}

func convertRows(in [][]any) ([]rows.Row, error) {
	out := make([]rows.Row, len(in))
	for i, r := range in {
		row, err := convertValues(r)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out[i] = row
	}
	return out, nil
}

func convertValues(in []any) (rows.Row, error) {
	row := make(rows.Row, len(in))
	for i, v := range in {
		val, err := rows.FromAny(v)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		row[i] = val
	}
	return row, nil
}

func (h *Harness) executeStep(ctx context.Context, step Step, result *Result) error {
	switch step.Kind() {
	case OpDeploy:
		u := h.units[step.Deploy]
		result.add(TraceEvent{Op: OpDeploy, Unit: u.Name})
		return h.engine.Deploy(u.Name, u.Commands...)
	case OpSubmit:
		return h.submit(ctx, step.Submit, result)
	case OpDrain:
		return h.drain(ctx, step.Drain, result)
	case OpCancel:
		result.add(TraceEvent{Op: OpCancel, Request: step.Cancel})
		id, err := h.request(step.Cancel)
		if err != nil {
			return err
		}
		return h.engine.Cancel(id)
	case OpClose:
		result.add(TraceEvent{Op: OpClose, Request: step.Close})
		id, err := h.request(step.Close)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		return h.engine.Close(ctx, id)
	case OpWithdrawing, OpWithdrawn:
		return h.withdraw(step, result)
	case OpAdvance:
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		h.clock.Advance(d)
		result.add(TraceEvent{Op: OpAdvance, By: step.Advance})
		return nil
	case OpExpect:
		return h.expect(step.Expect)
	}
	return fmt.Errorf("empty step")
}

func (h *Harness) request(alias string) (string, error) {
	id, ok := h.requests[alias]
	if !ok {
		return "", fmt.Errorf("request %q was not accepted", alias)
	}
	return id, nil
}

func (h *Harness) submit(ctx context.Context, s *SubmitStep, result *Result) error {
	session := s.Session
	if session == "" {
		session = DefaultSession
	}
	params, err := convertValues(s.Params)
	if err != nil {
		return fmt.Errorf("params: %w", err)
	}

	id, err := h.engine.Submit(ctx, engine.Command{
		Unit:    s.Unit,
		Text:    s.Command,
		Params:  params,
		Options: s.Options,
		NoCache: s.NoCache,
	}, engine.Session{ID: session})

	ev := TraceEvent{Op: OpSubmit, Request: s.As, Unit: s.Unit, Command: s.Command, Session: session, Outcome: "accepted"}
	if err != nil {
		ev.Outcome = errorCode(err)
	}
	result.add(ev)

	switch {
	case err != nil && s.Error == "":
		return err
	case err != nil && ev.Outcome != s.Error:
		return fmt.Errorf("expected error %s, got %s (%v)", s.Error, ev.Outcome, err)
	case err == nil && s.Error != "":
		return fmt.Errorf("expected error %s, request was accepted", s.Error)
	case err == nil:
		h.requests[s.As] = id
	}
	return nil
}

// errorCode maps a submission or request error to its trace outcome.
func errorCode(err error) string {
	var ue *engine.UnitError
	if errors.As(err, &ue) {
		return string(ue.Code)
	}
	if errors.Is(err, plan.ErrUnknownCommand) {
		return "UNKNOWN_COMMAND"
	}
	return string(failure.KindOf(err))
}

func (h *Harness) drain(ctx context.Context, alias string, result *Result) error {
	id, err := h.request(alias)
	if err != nil {
		result.add(TraceEvent{Op: OpDrain, Request: alias, Outcome: "unknown"})
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var d drained
	for d.outcome == "" {
		res, err := h.engine.Poll(ctx, id)
		if err != nil {
			return fmt.Errorf("poll %s: %w", alias, err)
		}
		d.cached = res.Cached
		switch {
		case res.Err != nil:
			d.outcome = errorCode(res.Err)
		case res.HasBatch:
			d.rows = append(d.rows, res.Batch.Rows...)
		case res.Completed:
			d.outcome = OutcomeCompleted
		}
	}
	h.drained[alias] = d
	result.add(TraceEvent{Op: OpDrain, Request: alias, Rows: int64(len(d.rows)), Cached: d.cached, Outcome: d.outcome})
	h.logger.Debug("request drained", "request", alias, "id", id, "rows", len(d.rows), "outcome", d.outcome)
	return nil
}

func (h *Harness) withdraw(step Step, result *Result) error {
	var (
		w   engine.Withdrawal
		err error
	)
	if step.Withdraw.Final {
		w, err = h.engine.Withdrawn(step.Withdraw.Unit)
	} else {
		w, err = h.engine.Withdrawing(step.Withdraw.Unit)
	}
	result.add(TraceEvent{
		Op:            step.Kind(),
		Unit:          step.Withdraw.Unit,
		ResultEntries: w.ResultEntries,
		PlanEntries:   w.PlanEntries,
		Cancelled:     len(w.Cancelled),
	})
	return err
}

// expect checks an expect step and reports every mismatch in one error.
func (h *Harness) expect(x *ExpectStep) error {
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if x.Request != "" {
		d, ok := h.drained[x.Request]
		if !ok {
			return fmt.Errorf("request %q has not been drained", x.Request)
		}
		if x.Rows != nil {
			want, err := convertRows(x.Rows)
			if err != nil {
				return fmt.Errorf("expected rows: %w", err)
			}
			if !rows.NewBatch(want...).Equal(rows.NewBatch(d.rows...)) {
				fail("rows of %s: expected %v, got %v", x.Request, want, d.rows)
			}
		}
		if x.Count != nil && *x.Count != len(d.rows) {
			fail("row count of %s: expected %d, got %d", x.Request, *x.Count, len(d.rows))
		}
		if x.Cached != nil && *x.Cached != d.cached {
			fail("cached of %s: expected %t, got %t", x.Request, *x.Cached, d.cached)
		}
		if x.Outcome != "" && x.Outcome != d.outcome {
			fail("outcome of %s: expected %s, got %s", x.Request, x.Outcome, d.outcome)
		}
	}

	st := h.engine.Stats()
	if x.ResultEntries != nil && *x.ResultEntries != st.ResultCache.Entries {
		fail("result cache entries: expected %d, got %d", *x.ResultEntries, st.ResultCache.Entries)
	}
	if x.PlanEntries != nil && *x.PlanEntries != st.PlanCache.Entries {
		fail("plan cache entries: expected %d, got %d", *x.PlanEntries, st.PlanCache.Entries)
	}
	if x.Buffers != nil && *x.Buffers != st.Buffer.Buffers {
		fail("tuple buffers: expected %d, got %d", *x.Buffers, st.Buffer.Buffers)
	}
	for name, want := range x.SourceCalls {
		src, ok := h.sources[name]
		if !ok {
			fail("unknown source %q", name)
			continue
		}
		if got := src.Calls(); got != want {
			fail("calls to source %s: expected %d, got %d", name, want, got)
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
