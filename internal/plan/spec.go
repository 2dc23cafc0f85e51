package plan

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/fedq/internal/rows"
)

// Spec is a declarative operator tree, as handed over by a planner or
// written in a scenario file. Exactly one operator field is set.
type Spec struct {
	Values  *ValuesSpec  `yaml:"values,omitempty" json:"values,omitempty"`
	Scan    *ScanSpec    `yaml:"scan,omitempty" json:"scan,omitempty"`
	Concat  []Spec       `yaml:"concat,omitempty" json:"concat,omitempty"`
	Union   []Spec       `yaml:"union,omitempty" json:"union,omitempty"`
	Limit   *LimitSpec   `yaml:"limit,omitempty" json:"limit,omitempty"`
	Project *ProjectSpec `yaml:"project,omitempty" json:"project,omitempty"`
	Filter  *FilterSpec  `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// ValuesSpec describes literal rows.
type ValuesSpec struct {
	Columns []rows.Column `yaml:"columns" json:"columns"`
	Rows    [][]any       `yaml:"rows" json:"rows"`
}

// ScanSpec describes one source request. Columns may be omitted when the
// source can describe the query.
type ScanSpec struct {
	Source  string        `yaml:"source" json:"source"`
	Query   string        `yaml:"query" json:"query"`
	Columns []rows.Column `yaml:"columns,omitempty" json:"columns,omitempty"`
}

// LimitSpec caps the rows of Input.
type LimitSpec struct {
	Count int64 `yaml:"count" json:"count"`
	Input Spec  `yaml:"input" json:"input"`
}

// ProjectSpec selects columns of Input.
type ProjectSpec struct {
	Columns []string `yaml:"columns" json:"columns"`
	Input   Spec     `yaml:"input" json:"input"`
}

// FilterSpec keeps rows of Input whose Column equals a literal or, when
// Param is positive, the 1-based request parameter.
type FilterSpec struct {
	Column string `yaml:"column" json:"column"`
	Equals any    `yaml:"equals,omitempty" json:"equals,omitempty"`
	Param  int    `yaml:"param,omitempty" json:"param,omitempty"`
	Input  Spec   `yaml:"input" json:"input"`
}

// ErrEmptySpec is returned for a Spec with no operator set.
var ErrEmptySpec = errors.New("plan spec has no operator")

func (s Spec) operators() int {
	n := 0
	for _, set := range []bool{
		s.Values != nil, s.Scan != nil, len(s.Concat) > 0, len(s.Union) > 0,
		s.Limit != nil, s.Project != nil, s.Filter != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// Resolve fills in missing scan columns using d and checks the tree's
// shape. It returns the resolved copy and its output schema.
func (s Spec) Resolve(ctx context.Context, d Describer) (Spec, rows.Schema, error) {
	switch n := s.operators(); {
	case n == 0:
		return s, rows.Schema{}, ErrEmptySpec
	case n > 1:
		return s, rows.Schema{}, fmt.Errorf("plan spec sets %d operators, want 1", n)
	}

	switch {
	case s.Values != nil:
		if len(s.Values.Columns) == 0 {
			return s, rows.Schema{}, errors.New("values: no columns")
		}
		return s, rows.NewSchema(s.Values.Columns...), nil

	case s.Scan != nil:
		scan := *s.Scan
		if scan.Source == "" {
			return s, rows.Schema{}, errors.New("scan: no source")
		}
		if len(scan.Columns) == 0 {
			if d == nil {
				return s, rows.Schema{}, fmt.Errorf("scan %s: no columns and no describer", scan.Source)
			}
			schema, err := d.Describe(ctx, SourceRequest{Source: scan.Source, Query: scan.Query})
			if err != nil {
				return s, rows.Schema{}, fmt.Errorf("scan %s: describe: %w", scan.Source, err)
			}
			scan.Columns = schema.Columns
		}
		s.Scan = &scan
		return s, rows.NewSchema(scan.Columns...), nil

	case len(s.Concat) > 0 || len(s.Union) > 0:
		children := s.Concat
		if len(children) == 0 {
			children = s.Union
		}
		resolved := make([]Spec, len(children))
		var first rows.Schema
		for i, c := range children {
			rc, schema, err := c.Resolve(ctx, d)
			if err != nil {
				return s, rows.Schema{}, err
			}
			if i == 0 {
				first = schema
			} else if schema.Width() != first.Width() {
				return s, rows.Schema{}, fmt.Errorf("child %d has %d columns, want %d", i, schema.Width(), first.Width())
			}
			resolved[i] = rc
		}
		if len(s.Concat) > 0 {
			s.Concat = resolved
		} else {
			s.Union = resolved
		}
		return s, first, nil

	case s.Limit != nil:
		lim := *s.Limit
		in, schema, err := lim.Input.Resolve(ctx, d)
		if err != nil {
			return s, rows.Schema{}, err
		}
		if lim.Count < 0 {
			return s, rows.Schema{}, fmt.Errorf("limit: negative count %d", lim.Count)
		}
		lim.Input = in
		s.Limit = &lim
		return s, schema, nil

	case s.Project != nil:
		proj := *s.Project
		in, schema, err := proj.Input.Resolve(ctx, d)
		if err != nil {
			return s, rows.Schema{}, err
		}
		cols := make([]rows.Column, len(proj.Columns))
		for i, name := range proj.Columns {
			j := schema.Index(name)
			if j < 0 {
				return s, rows.Schema{}, fmt.Errorf("project: unknown column %q", name)
			}
			cols[i] = schema.Columns[j]
		}
		proj.Input = in
		s.Project = &proj
		return s, rows.NewSchema(cols...), nil

	default:
		f := *s.Filter
		in, schema, err := f.Input.Resolve(ctx, d)
		if err != nil {
			return s, rows.Schema{}, err
		}
		if schema.Index(f.Column) < 0 {
			return s, rows.Schema{}, fmt.Errorf("filter: unknown column %q", f.Column)
		}
		f.Input = in
		s.Filter = &f
		return s, schema, nil
	}
}

// Build instantiates a resolved spec with request parameters.
func (s Spec) Build(params []rows.Value) (Plan, error) {
	switch {
	case s.Values != nil:
		schema := rows.NewSchema(s.Values.Columns...)
		rs := make([]rows.Row, len(s.Values.Rows))
		for i, raw := range s.Values.Rows {
			row := make(rows.Row, len(raw))
			for j, v := range raw {
				val, err := rows.FromAny(v)
				if err != nil {
					return nil, fmt.Errorf("values row %d: %w", i, err)
				}
				row[j] = val
			}
			if err := schema.Validate(row); err != nil {
				return nil, fmt.Errorf("values row %d: %w", i, err)
			}
			rs[i] = row
		}
		return Values(schema, rs...), nil

	case s.Scan != nil:
		return Scan(rows.NewSchema(s.Scan.Columns...), SourceRequest{
			Source: s.Scan.Source,
			Query:  s.Scan.Query,
			Params: params,
		}), nil

	case len(s.Concat) > 0 || len(s.Union) > 0:
		specs := s.Concat
		if len(specs) == 0 {
			specs = s.Union
		}
		children := make([]Plan, 0, len(specs))
		for _, c := range specs {
			p, err := c.Build(params)
			if err != nil {
				for _, built := range children {
					built.Close()
				}
				return nil, err
			}
			children = append(children, p)
		}
		if len(s.Concat) > 0 {
			return Concat(children...), nil
		}
		return Union(children...), nil

	case s.Limit != nil:
		in, err := s.Limit.Input.Build(params)
		if err != nil {
			return nil, err
		}
		return Limit(in, s.Limit.Count), nil

	case s.Project != nil:
		in, err := s.Project.Input.Build(params)
		if err != nil {
			return nil, err
		}
		return Project(in, s.Project.Columns...)

	case s.Filter != nil:
		in, err := s.Filter.Input.Build(params)
		if err != nil {
			return nil, err
		}
		want, err := s.Filter.operand(params)
		if err != nil {
			in.Close()
			return nil, err
		}
		idx := in.Schema().Index(s.Filter.Column)
		return Filter(in, func(r rows.Row) bool { return rows.Equal(r[idx], want) }), nil
	}
	return nil, ErrEmptySpec
}

func (f *FilterSpec) operand(params []rows.Value) (rows.Value, error) {
	if f.Param > 0 {
		if f.Param > len(params) {
			return nil, fmt.Errorf("filter: parameter %d not bound (%d given)", f.Param, len(params))
		}
		return params[f.Param-1], nil
	}
	return rows.FromAny(f.Equals)
}
