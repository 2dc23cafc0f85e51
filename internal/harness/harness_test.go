package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarios_Golden(t *testing.T) {
	paths, err := FindScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, path)
		t.Run(scenario.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

const minimal = `
name: minimal
description: "one command"
sources:
  mem:
    tables:
      t:
        columns: [{name: id, type: int}]
        rows: [[1], [2]]
units:
  - name: u
    commands:
      - name: all
        plan: {scan: {source: mem, query: t}}
steps:
  - deploy: u
  - submit: {as: q1, unit: u, command: all}
  - drain: q1
`

func TestParseScenario_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Steps, 3)
	assert.Equal(t, OpDeploy, s.Steps[0].Kind())
	assert.Equal(t, OpSubmit, s.Steps[1].Kind())
	assert.Equal(t, OpDrain, s.Steps[2].Kind())
	assert.Equal(t, "id", s.Sources["mem"].Tables["t"].Columns[0].Name)
	assert.Equal(t, "int", s.Sources["mem"].Tables["t"].Columns[0].Type.String())
}

func TestParseScenario_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(string) string
		wantErr string
	}{
		{
			name:    "unknown field",
			edit:    func(s string) string { return strings.Replace(s, "steps:", "step:", 1) },
			wantErr: "failed to parse YAML",
		},
		{
			name:    "missing description",
			edit:    func(s string) string { return strings.Replace(s, `description: "one command"`, "", 1) },
			wantErr: "description is required",
		},
		{
			name:    "undeclared unit",
			edit:    func(s string) string { return strings.Replace(s, "deploy: u", "deploy: v", 1) },
			wantErr: `unknown unit "v"`,
		},
		{
			name:    "drain before submit",
			edit:    func(s string) string { return strings.Replace(s, "drain: q1", "drain: q9", 1) },
			wantErr: `request "q9" is not submitted`,
		},
		{
			name: "two actions in one step",
			edit: func(s string) string {
				return strings.Replace(s, "  - drain: q1", "  - drain: q1\n    cancel: q1", 1)
			},
			wantErr: "exactly one action",
		},
		{
			name: "bad assertion",
			edit: func(s string) string {
				return s + "assertions:\n  - type: trace_order\n    ops: [drain]\n"
			},
			wantErr: "must be op:target",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.edit(minimal)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRun_Minimal(t *testing.T) {
	s, err := ParseScenario([]byte(minimal))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 3)

	drain := result.Trace[2]
	assert.Equal(t, int64(3), drain.Seq)
	assert.Equal(t, OpDrain, drain.Op)
	assert.Equal(t, int64(2), drain.Rows)
	assert.Equal(t, OutcomeCompleted, drain.Outcome)
	assert.Equal(t, DefaultSession, result.Trace[1].Session)
}

func TestRun_ExpectMismatchFails(t *testing.T) {
	s, err := ParseScenario([]byte(minimal + "  - expect: {request: q1, count: 5, cached: true}\n"))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "row count of q1: expected 5, got 2")
	assert.Contains(t, result.Errors[0], "cached of q1: expected true, got false")
}

func TestRun_UnexpectedSubmitErrorFails(t *testing.T) {
	src := strings.Replace(minimal, "  - deploy: u\n", "", 1)
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, "UNKNOWN_UNIT", result.Trace[0].Outcome)
	assert.Contains(t, strings.Join(result.Errors, "\n"), `request "q1" was not accepted`)
}

func TestRun_UnknownCommandOutcome(t *testing.T) {
	src := strings.Replace(minimal, "command: all}", "command: nope, error: UNKNOWN_COMMAND}", 1)
	src = strings.Replace(src, "  - drain: q1\n", "", 1)
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "UNKNOWN_COMMAND", result.Trace[1].Outcome)
}

func TestRun_BadConfigIsAnError(t *testing.T) {
	s, err := ParseScenario([]byte(minimal + "config:\n  scheduler.maxActivePlans: -3\n"))
	require.NoError(t, err)

	_, err = Run(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scenario config")
}

func TestAssertions(t *testing.T) {
	trace := []TraceEvent{
		{Seq: 1, Op: OpDeploy, Unit: "u"},
		{Seq: 2, Op: OpSubmit, Request: "q1", Unit: "u", Outcome: "accepted"},
		{Seq: 3, Op: OpDrain, Request: "q1", Outcome: OutcomeCompleted},
		{Seq: 4, Op: OpWithdrawing, Unit: "u"},
	}
	result := &Result{Trace: trace}

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Op: OpDrain, Request: "q1", Outcome: OutcomeCompleted},
		{Type: AssertTraceOrder, Ops: []string{"deploy:u", "drain:q1", "withdrawing:u"}},
		{Type: AssertTraceCount, Op: OpSubmit, Count: 1},
	})
	assert.Empty(t, errs)

	errs = EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Op: OpDrain, Outcome: "CANCELLED"},
		{Type: AssertTraceOrder, Ops: []string{"withdrawing:u", "deploy:u"}},
		{Type: AssertTraceOrder, Ops: []string{"cancel:q1"}},
		{Type: AssertTraceCount, Op: OpDrain, Count: 2},
	})
	require.Len(t, errs, 4)
	assert.Contains(t, errs[0], "not found in trace")
	assert.Contains(t, errs[1], "withdrawing:u (pos 4) should be before deploy:u (pos 1)")
	assert.Contains(t, errs[2], "missing entry: cancel:q1")
	assert.Contains(t, errs[3], "2 occurrences of drain")
	assert.Contains(t, errs[3], "[3] drain q1 (completed)")
}

func TestFormatTrace_CanonicalLines(t *testing.T) {
	out, err := FormatTrace([]TraceEvent{
		{Seq: 1, Op: OpDeploy, Unit: "u", Request: "ignored"},
		{Seq: 2, Op: OpAdvance, By: "5s"},
		{Seq: 3, Op: OpWithdrawn, Unit: "u", ResultEntries: 2, PlanEntries: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"op":"deploy","seq":1,"unit":"u"}
{"by":"5s","op":"advance","seq":2}
{"cancelled":0,"op":"withdrawn","planEntries":1,"resultEntries":2,"seq":3,"unit":"u"}
`, string(out))
}

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "notes.txt", "golden/skip.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))
	}

	paths, err := FindScenarios(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yml"), filepath.Join(dir, "b.yaml")}, paths)

	single, err := FindScenarios(filepath.Join(dir, "b.yaml"))
	require.NoError(t, err)
	assert.Len(t, single, 1)

	_, err = FindScenarios(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
