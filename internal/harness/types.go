package harness

// TraceEvent is one traced scenario step. Only the fields relevant to Op
// are set; FormatTrace emits exactly those.
type TraceEvent struct {
	Seq     int64  `json:"seq"`
	Op      string `json:"op"`
	Unit    string `json:"unit,omitempty"`
	Request string `json:"request,omitempty"`
	Command string `json:"command,omitempty"`
	Session string `json:"session,omitempty"`
	Outcome string `json:"outcome,omitempty"`
	Rows    int64  `json:"rows,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
	By      string `json:"by,omitempty"`

	ResultEntries int `json:"resultEntries,omitempty"`
	PlanEntries   int `json:"planEntries,omitempty"`
	Cancelled     int `json:"cancelled,omitempty"`
}

// Target is the request, unit or duration the event refers to.
func (e TraceEvent) Target() string {
	switch {
	case e.Request != "":
		return e.Request
	case e.Unit != "":
		return e.Unit
	default:
		return e.By
	}
}

// canonical returns the event as a map for canonical JSON.
func (e TraceEvent) canonical() map[string]any {
	m := map[string]any{"seq": e.Seq, "op": e.Op}
	switch e.Op {
	case OpDeploy:
		m["unit"] = e.Unit
	case OpSubmit:
		m["request"] = e.Request
		m["unit"] = e.Unit
		m["command"] = e.Command
		m["session"] = e.Session
		m["outcome"] = e.Outcome
	case OpDrain:
		m["request"] = e.Request
		m["rows"] = e.Rows
		m["cached"] = e.Cached
		m["outcome"] = e.Outcome
	case OpCancel, OpClose:
		m["request"] = e.Request
	case OpWithdrawing, OpWithdrawn:
		m["unit"] = e.Unit
		m["resultEntries"] = e.ResultEntries
		m["planEntries"] = e.PlanEntries
		m["cancelled"] = e.Cancelled
	case OpAdvance:
		m["by"] = e.By
	}
	return m
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: every expect step and assertion held.
	Pass bool `json:"pass"`

	// Trace contains the traced steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(e TraceEvent) {
	e.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, e)
}
