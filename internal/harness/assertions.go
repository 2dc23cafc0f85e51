package harness

import (
	"fmt"
	"strings"
)

// Assertion validates the final trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "trace_contains": an event with Op (and the given fields) exists
	// - "trace_order": the Ops entries appear in order
	// - "trace_count": Op appears exactly Count times
	Type string `yaml:"type"`

	// Op is the traced step kind (used by trace_contains, trace_count).
	Op string `yaml:"op,omitempty"`

	// Request, Unit and Outcome narrow the match when set.
	Request string `yaml:"request,omitempty"`
	Unit    string `yaml:"unit,omitempty"`
	Outcome string `yaml:"outcome,omitempty"`

	// Count is the expected number of occurrences (used by trace_count).
	Count int `yaml:"count,omitempty"`

	// Ops is the expected order as "op:target" entries, where target is
	// the request or unit name (used by trace_order).
	Ops []string `yaml:"ops,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, event := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s", event.Seq, event.Op, event.Target())
		if event.Outcome != "" {
			fmt.Fprintf(&buf, " (%s)", event.Outcome)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

func (a Assertion) matches(e TraceEvent) bool {
	return e.Op == a.Op &&
		(a.Request == "" || e.Request == a.Request) &&
		(a.Unit == "" || e.Unit == a.Unit) &&
		(a.Outcome == "" || e.Outcome == a.Outcome)
}

func (a Assertion) describe() string {
	parts := []string{a.Op}
	if a.Request != "" {
		parts = append(parts, "request="+a.Request)
	}
	if a.Unit != "" {
		parts = append(parts, "unit="+a.Unit)
	}
	if a.Outcome != "" {
		parts = append(parts, "outcome="+a.Outcome)
	}
	return strings.Join(parts, " ")
}

// assertTraceContains checks that some event matches the assertion.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, event := range trace {
		if a.matches(event) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: a.describe(),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that the Ops entries appear in order. Entries
// don't need to be consecutive (intervening events are allowed).
func assertTraceOrder(trace []TraceEvent, a Assertion) error {
	// first position of each expected entry, 1-indexed for readability
	positions := make(map[string]int)
	for i, event := range trace {
		key := event.Op + ":" + event.Target()
		if _, seen := positions[key]; !seen {
			positions[key] = i + 1
		}
	}

	for _, entry := range a.Ops {
		if positions[entry] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all entries present: %v", a.Ops),
				Actual:   fmt.Sprintf("missing entry: %s", entry),
				Trace:    trace,
			}
		}
	}
	for i := 1; i < len(a.Ops); i++ {
		prev, curr := a.Ops[i-1], a.Ops[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("entries in order: %v", a.Ops),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, event := range trace {
		if a.matches(event) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", a.Count, a.describe()),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// EvaluateAssertions runs every assertion against result's trace and
// returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}
