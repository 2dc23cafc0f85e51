package rows

import (
	"fmt"
	"strings"
)

// Column describes one output column.
type Column struct {
	Name string `json:"name" yaml:"name"`
	Type Type   `json:"type" yaml:"type"`
}

// Schema is the ordered column list of a row stream.
type Schema struct {
	Columns []Column `json:"columns" yaml:"columns"`
}

// NewSchema builds a schema from alternating name/type pairs.
//
// Example:
//
//	NewSchema(Col("id", TypeInt), Col("name", TypeString))
func NewSchema(cols ...Column) Schema {
	return Schema{Columns: append([]Column(nil), cols...)}
}

// Col is a shorthand for Column construction.
func Col(name string, t Type) Column {
	return Column{Name: name, Type: t}
}

// Width returns the number of columns.
func (s Schema) Width() int {
	return len(s.Columns)
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Validate checks that every value in row fits the column type (or is Null).
func (s Schema) Validate(row Row) error {
	if len(row) != len(s.Columns) {
		return fmt.Errorf("row width %d does not match schema width %d", len(row), len(s.Columns))
	}
	for i, v := range row {
		t := TypeOf(v)
		if t != TypeNull && t != s.Columns[i].Type {
			return fmt.Errorf("column %q: got %s, want %s", s.Columns[i].Name, t, s.Columns[i].Type)
		}
	}
	return nil
}

// Row is one tuple of values, positionally matching a Schema.
type Row []Value

// Batch is an ordered group of rows. Once appended to a tuple buffer and
// sealed, a batch is never mutated; callers must not modify the Rows slice of
// a batch returned by a read.
type Batch struct {
	Rows []Row
}

// NewBatch creates a batch from rows.
func NewBatch(rows ...Row) Batch {
	return Batch{Rows: rows}
}

// Len returns the number of rows.
func (b Batch) Len() int {
	return len(b.Rows)
}

// SizeBytes returns the encoded size of the batch. This is the unit of space
// accounting for both memory and secondary storage.
func (b Batch) SizeBytes() int64 {
	return int64(encodedSize(b))
}

// Equal reports whether two batches hold identical rows in identical order.
func (b Batch) Equal(other Batch) bool {
	if len(b.Rows) != len(other.Rows) {
		return false
	}
	for i := range b.Rows {
		if len(b.Rows[i]) != len(other.Rows[i]) {
			return false
		}
		for j := range b.Rows[i] {
			if !Equal(b.Rows[i][j], other.Rows[i][j]) {
				return false
			}
		}
	}
	return true
}

// Split breaks rows into batches of at most size rows each.
// A non-positive size returns a single batch.
func Split(rs []Row, size int) []Batch {
	if len(rs) == 0 {
		return nil
	}
	if size <= 0 || len(rs) <= size {
		return []Batch{{Rows: rs}}
	}
	out := make([]Batch, 0, (len(rs)+size-1)/size)
	for start := 0; start < len(rs); start += size {
		end := start + size
		if end > len(rs) {
			end = len(rs)
		}
		out = append(out, Batch{Rows: rs[start:end]})
	}
	return out
}
