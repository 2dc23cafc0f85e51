package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/rows"
)

// Scenario is one scripted run against a fresh engine.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config overrides engine configuration keys, e.g.
	// "scheduler.maxActivePlans: 2".
	Config map[string]any `yaml:"config,omitempty"`

	// Sources are in-memory connectors keyed by source name.
	Sources map[string]SourceDef `yaml:"sources,omitempty"`

	// Units are the deployable units. A unit becomes available through a
	// deploy step.
	Units []UnitDef `yaml:"units"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// SourceDef describes a static connector.
type SourceDef struct {
	BatchSize   int                 `yaml:"batchSize,omitempty"`
	DelayMillis int                 `yaml:"delayMillis,omitempty"`
	Tables      map[string]TableDef `yaml:"tables"`
}

// TableDef is an in-memory table with literal rows.
type TableDef struct {
	Columns []rows.Column `yaml:"columns"`
	Rows    [][]any       `yaml:"rows,omitempty"`
}

// UnitDef is a unit and its commands.
type UnitDef struct {
	Name     string         `yaml:"name"`
	Commands []plan.Command `yaml:"commands"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Deploy   string        `yaml:"deploy,omitempty"`
	Submit   *SubmitStep   `yaml:"submit,omitempty"`
	Drain    string        `yaml:"drain,omitempty"`
	Cancel   string        `yaml:"cancel,omitempty"`
	Close    string        `yaml:"close,omitempty"`
	Withdraw *WithdrawStep `yaml:"withdraw,omitempty"`
	Advance  string        `yaml:"advance,omitempty"` // duration, e.g. "61s"
	Expect   *ExpectStep   `yaml:"expect,omitempty"`
}

// SubmitStep submits a command. As names the request in later steps.
type SubmitStep struct {
	As      string            `yaml:"as"`
	Unit    string            `yaml:"unit"`
	Command string            `yaml:"command"`
	Session string            `yaml:"session,omitempty"`
	Params  []any             `yaml:"params,omitempty"`
	Options map[string]string `yaml:"options,omitempty"`
	NoCache bool              `yaml:"noCache,omitempty"`
	// Error is the expected unit error code (UNKNOWN_UNIT,
	// UNIT_WITHDRAWING) or failure kind when submission must fail.
	Error string `yaml:"error,omitempty"`
}

// WithdrawStep withdraws a unit. Final removes the unit after clearing it.
type WithdrawStep struct {
	Unit  string `yaml:"unit"`
	Final bool   `yaml:"final,omitempty"`
}

// ExpectStep checks the state reached so far. Request fields refer to the
// last drain of Request.
type ExpectStep struct {
	Request string  `yaml:"request,omitempty"`
	Rows    [][]any `yaml:"rows,omitempty"`
	Count   *int    `yaml:"count,omitempty"`
	Cached  *bool   `yaml:"cached,omitempty"`
	Outcome string  `yaml:"outcome,omitempty"` // "completed" or a failure kind such as CANCELLED

	ResultEntries *int             `yaml:"resultEntries,omitempty"`
	PlanEntries   *int             `yaml:"planEntries,omitempty"`
	Buffers       *int             `yaml:"buffers,omitempty"`
	SourceCalls   map[string]int64 `yaml:"sourceCalls,omitempty"`
}

// Step kinds, also used as trace ops.
const (
	OpDeploy      = "deploy"
	OpSubmit      = "submit"
	OpDrain       = "drain"
	OpCancel      = "cancel"
	OpClose       = "close"
	OpWithdrawing = "withdrawing"
	OpWithdrawn   = "withdrawn"
	OpAdvance     = "advance"
	OpExpect      = "expect"
)

// Kind returns the step kind.
func (s Step) Kind() string {
	switch {
	case s.Deploy != "":
		return OpDeploy
	case s.Submit != nil:
		return OpSubmit
	case s.Drain != "":
		return OpDrain
	case s.Cancel != "":
		return OpCancel
	case s.Close != "":
		return OpClose
	case s.Withdraw != nil && s.Withdraw.Final:
		return OpWithdrawn
	case s.Withdraw != nil:
		return OpWithdrawing
	case s.Advance != "":
		return OpAdvance
	case s.Expect != nil:
		return OpExpect
	}
	return ""
}

func (s Step) fields() int {
	n := 0
	for _, set := range []bool{
		s.Deploy != "", s.Submit != nil, s.Drain != "", s.Cancel != "",
		s.Close != "", s.Withdraw != nil, s.Advance != "", s.Expect != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// strict decoding catches typos like "step:" vs "steps:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the scenario files under dir, sorted. A file path
// is returned as is.
func FindScenarios(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{dir}, nil
	}
	var paths []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}
		if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

// validateScenario checks that required fields are present and that steps
// only refer to declared units and requests.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Units) == 0 {
		return fmt.Errorf("units list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	units := make(map[string]bool, len(s.Units))
	for i, u := range s.Units {
		if u.Name == "" {
			return fmt.Errorf("units[%d]: name is required", i)
		}
		if units[u.Name] {
			return fmt.Errorf("units[%d]: duplicate unit %q", i, u.Name)
		}
		units[u.Name] = true
		for j, c := range u.Commands {
			if c.Name == "" {
				return fmt.Errorf("units[%d].commands[%d]: name is required", i, j)
			}
		}
	}
	for name, src := range s.Sources {
		for table, def := range src.Tables {
			if len(def.Columns) == 0 {
				return fmt.Errorf("sources.%s.tables.%s: columns are required", name, table)
			}
		}
	}

	requests := make(map[string]bool)
	refRequest := func(i int, name string) error {
		if !requests[name] {
			return fmt.Errorf("steps[%d]: request %q is not submitted before use", i, name)
		}
		return nil
	}
	for i, step := range s.Steps {
		if step.fields() != 1 {
			return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, step.fields())
		}
		switch step.Kind() {
		case OpDeploy:
			if !units[step.Deploy] {
				return fmt.Errorf("steps[%d]: unknown unit %q", i, step.Deploy)
			}
		case OpSubmit:
			if step.Submit.As == "" || step.Submit.Command == "" {
				return fmt.Errorf("steps[%d]: submit requires as and command", i)
			}
			requests[step.Submit.As] = true
		case OpDrain:
			if err := refRequest(i, step.Drain); err != nil {
				return err
			}
		case OpCancel:
			if err := refRequest(i, step.Cancel); err != nil {
				return err
			}
		case OpClose:
			if err := refRequest(i, step.Close); err != nil {
				return err
			}
		case OpWithdrawing, OpWithdrawn:
			if step.Withdraw.Unit == "" {
				return fmt.Errorf("steps[%d]: withdraw requires unit", i)
			}
		case OpExpect:
			if step.Expect.Request != "" {
				if err := refRequest(i, step.Expect.Request); err != nil {
					return err
				}
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Ops) == 0 {
			return fmt.Errorf("assertions[%d]: ops list is required for trace_order", index)
		}
		for _, op := range a.Ops {
			if !strings.Contains(op, ":") {
				return fmt.Errorf("assertions[%d]: trace_order entry %q must be op:target", index, op)
			}
		}
	case AssertTraceCount:
		if a.Op == "" {
			return fmt.Errorf("assertions[%d]: op is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
