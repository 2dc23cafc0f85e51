// Package plan defines executable plans and the connector contract.
//
// A Plan is a pull-based tree of operators driven one step at a time by
// the scheduler. Each call to Next either emits a batch, asks the caller to
// wait on a channel (a source call has nothing ready yet), or reports that
// the plan is done. Plans never block: waiting is the scheduler's job, so a
// worker thread is never parked on a slow source.
//
// Plans arrive from a Planner as Prepared values, which the plan cache
// holds across requests; Instantiate binds parameters and returns a fresh
// Plan for one execution.
package plan

import (
	"context"
	"log/slog"

	"github.com/roach88/fedq/internal/rows"
)

// StepKind distinguishes the outcomes of Plan.Next.
type StepKind uint8

const (
	// StepEmit carries a batch of output rows.
	StepEmit StepKind = iota + 1
	// StepWait means no rows are ready; retry after Wait fires.
	StepWait
	// StepDone means the plan has no more rows.
	StepDone
)

func (k StepKind) String() string {
	switch k {
	case StepEmit:
		return "emit"
	case StepWait:
		return "wait"
	case StepDone:
		return "done"
	default:
		return "invalid"
	}
}

// Step is one outcome of Plan.Next.
type Step struct {
	Kind  StepKind
	Batch rows.Batch
	// Last marks an emitted batch after which the plan is done, saving a
	// trip through the scheduler for the final Done step.
	Last bool
	Wait <-chan struct{}
}

// Emit returns a step carrying b.
func Emit(b rows.Batch) Step { return Step{Kind: StepEmit, Batch: b} }

// EmitLast returns a step carrying the final batch b.
func EmitLast(b rows.Batch) Step { return Step{Kind: StepEmit, Batch: b, Last: true} }

// WaitOn returns a step asking the caller to retry once ch fires.
func WaitOn(ch <-chan struct{}) Step { return Step{Kind: StepWait, Wait: ch} }

// Done is the terminal step.
var Done = Step{Kind: StepDone}

// Plan is an executable operator tree.
type Plan interface {
	// Schema is the output schema.
	Schema() rows.Schema

	// Next advances the plan by one step. It must not block.
	Next(pc Context) (Step, error)

	// Close releases resources, cancelling outstanding source calls.
	// Safe to call more than once.
	Close()
}

// RowQuota caps the rows a single source call may return.
type RowQuota struct {
	Max  int64 // -1 for no limit
	Fail bool  // fail the request instead of truncating
}

// Context is what a running plan can ask of the work item executing it.
type Context interface {
	// CallSource starts an asynchronous source call bound to the work
	// item's lifetime.
	CallSource(req SourceRequest) *SourceCall

	// BatchSize is the preferred number of rows per emitted batch.
	BatchSize() int

	// RowQuota is the per-source-call row limit.
	RowQuota() RowQuota

	Logger() *slog.Logger
}

// SourceRequest is a request to one connector.
type SourceRequest struct {
	Source string       `json:"source"`
	Query  string       `json:"query"`
	Params []rows.Value `json:"-"`
}

// Sink receives batches from a connector. Deliver may block to apply
// backpressure and returns an error once the consumer has gone away.
type Sink interface {
	Deliver(b rows.Batch) error
}

// Connector executes source requests, delivering rows asynchronously.
// Execute returns when the request is finished or ctx is cancelled.
type Connector interface {
	Execute(ctx context.Context, req SourceRequest, sink Sink) error
}

// Describer reports the result schema of a source request without
// running it.
type Describer interface {
	Describe(ctx context.Context, req SourceRequest) (rows.Schema, error)
}
