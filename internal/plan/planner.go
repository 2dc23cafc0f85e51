package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/roach88/fedq/internal/rows"
)

// Prepared is a planned command ready to be instantiated with parameters.
// It is immutable and shared across requests through the plan cache.
type Prepared struct {
	Unit        string
	Text        string
	Fingerprint string
	Schema      rows.Schema
	// Scope is "session", "shared" or empty (unknown) and decides whether
	// results are cached per session.
	Scope string

	spec Spec
}

// NewPrepared wraps a resolved spec.
func NewPrepared(unit, text, fingerprint, scope string, schema rows.Schema, spec Spec) *Prepared {
	return &Prepared{Unit: unit, Text: text, Fingerprint: fingerprint, Scope: scope, Schema: schema, spec: spec}
}

// Instantiate returns a fresh plan bound to params.
func (p *Prepared) Instantiate(params []rows.Value) (Plan, error) {
	return p.spec.Build(params)
}

// Spec returns the resolved operator tree.
func (p *Prepared) Spec() Spec { return p.spec }

// Planner turns command text into a prepared plan.
type Planner interface {
	Prepare(ctx context.Context, unit, text string, options map[string]string) (*Prepared, error)
}

// ErrUnknownCommand is returned when a unit has no command of that name.
var ErrUnknownCommand = errors.New("unknown command")

// Command is a named, pre-planned command of a deployed unit.
type Command struct {
	Name  string `yaml:"name" json:"name"`
	Scope string `yaml:"scope,omitempty" json:"scope,omitempty"`
	Plan  Spec   `yaml:"plan" json:"plan"`
}

// Registry is a Planner over commands registered per unit. The command
// text is the command name.
type Registry struct {
	describe Describer

	mu    sync.RWMutex
	units map[string]map[string]Command

	prepares atomic.Int64
}

var _ Planner = (*Registry)(nil)

// NewRegistry creates an empty registry. d resolves scan columns that
// commands leave out; it may be nil.
func NewRegistry(d Describer) *Registry {
	return &Registry{describe: d, units: make(map[string]map[string]Command)}
}

// Register adds or replaces commands of unit.
func (r *Registry) Register(unit string, cmds ...Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.units[unit]
	if m == nil {
		m = make(map[string]Command)
		r.units[unit] = m
	}
	for _, c := range cmds {
		m[c.Name] = c
	}
}

// Forget drops every command of unit.
func (r *Registry) Forget(unit string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.units, unit)
}

// Commands lists the command names of unit, sorted.
func (r *Registry) Commands(unit string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.units[unit]))
	for name := range r.units[unit] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Prepares counts Prepare calls that reached the planner.
func (r *Registry) Prepares() int64 { return r.prepares.Load() }

// Prepare implements Planner.
func (r *Registry) Prepare(ctx context.Context, unit, text string, options map[string]string) (*Prepared, error) {
	r.prepares.Add(1)

	r.mu.RLock()
	cmd, ok := r.units[unit][text]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownCommand, unit, text)
	}

	spec, schema, err := cmd.Plan.Resolve(ctx, r.describe)
	if err != nil {
		return nil, fmt.Errorf("prepare %s/%s: %w", unit, text, err)
	}
	fp, err := rows.PlanFingerprint(text, options)
	if err != nil {
		return nil, err
	}
	return NewPrepared(unit, text, fp, cmd.Scope, schema, spec), nil
}

// SourcePlanner passes command text through as a query to one source.
type SourcePlanner struct {
	Source    string
	Describer Describer
	Scope     string
}

var _ Planner = SourcePlanner{}

// Prepare implements Planner.
func (p SourcePlanner) Prepare(ctx context.Context, unit, text string, options map[string]string) (*Prepared, error) {
	spec, schema, err := Spec{Scan: &ScanSpec{Source: p.Source, Query: text}}.Resolve(ctx, p.Describer)
	if err != nil {
		return nil, err
	}
	fp, err := rows.PlanFingerprint(text, options)
	if err != nil {
		return nil, err
	}
	return NewPrepared(unit, text, fp, p.Scope, schema, spec), nil
}
