// Package harness runs scripted scenarios against a real engine.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: withdraw_clears_unit
//	description: "Withdrawal drops cached results and plans"
//	config:
//	  scheduler.maxActivePlans: 2
//	sources:
//	  mem:
//	    batchSize: 2
//	    tables:
//	      people:
//	        columns: [{name: id, type: int}, {name: name, type: string}]
//	        rows: [[1, ada], [2, bob]]
//	units:
//	  - name: crm
//	    commands:
//	      - name: everyone
//	        plan: {scan: {source: mem, query: people}}
//	steps:
//	  - deploy: crm
//	  - submit: {as: q1, unit: crm, command: everyone, session: s1}
//	  - drain: q1
//	  - expect: {request: q1, count: 2, cached: false}
//	  - withdraw: {unit: crm}
//	assertions:
//	  - type: trace_contains
//	    op: drain
//	    request: q1
//	    outcome: completed
//
// Steps are deploy, submit, drain, cancel, close, withdraw (final: true
// removes the unit), advance (moves the manual clock) and expect. Every
// step except expect is recorded in the trace.
//
// # Assertion Types
//
//   - trace_contains: an event with op and the given request/unit/outcome exists
//   - trace_order: "op:target" entries appear in the given order
//   - trace_count: op (narrowed by the same fields) appears exactly N times
//
// # Deterministic Testing
//
// Every scenario gets a fresh engine with a manual clock and sequential
// request ids, and the trace records step results rather than scheduler
// timing. FormatTrace renders it as canonical JSON lines, which RunWithGolden
// compares against testdata/golden/{name}.golden.
//
// Scenarios that withdraw a unit while requests are in flight should use a
// delayed source so the cancelled count does not depend on timing.
package harness
