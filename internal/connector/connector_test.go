package connector

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/rows"
)

type collect struct {
	mu      sync.Mutex
	batches []rows.Batch
}

func (c *collect) Deliver(b rows.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
	return nil
}

func (c *collect) rows() []rows.Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []rows.Row
	for _, b := range c.batches {
		out = append(out, b.Rows...)
	}
	return out
}

var people = rows.NewSchema(rows.Col("id", rows.TypeInt), rows.Col("name", rows.TypeString))

func setupStatic(t *testing.T, opts ...StaticOption) *Static {
	t.Helper()
	s := NewStatic(opts...)
	require.NoError(t, s.AddTable("people", people,
		rows.Row{rows.Int(1), rows.String("ada")},
		rows.Row{rows.Int(2), rows.String("bob")},
		rows.Row{rows.Int(3), rows.String("cy")},
	))
	return s
}

func TestStatic_ExecuteInBatches(t *testing.T) {
	s := setupStatic(t, WithBatchSize(2))
	sink := &collect{}
	require.NoError(t, s.Execute(context.Background(), plan.SourceRequest{Query: "people"}, sink))
	assert.Len(t, sink.batches, 2)
	assert.Len(t, sink.rows(), 3)
	assert.Equal(t, int64(1), s.Calls())

	schema, err := s.Describe(context.Background(), plan.SourceRequest{Query: "people"})
	require.NoError(t, err)
	assert.Equal(t, people, schema)

	assert.Error(t, s.Execute(context.Background(), plan.SourceRequest{Query: "nope"}, sink))
}

func TestStatic_RejectsBadRows(t *testing.T) {
	s := NewStatic()
	err := s.AddTable("t", people, rows.Row{rows.String("x"), rows.String("y")})
	assert.Error(t, err)
}

func TestStatic_InjectedFailure(t *testing.T) {
	boom := errors.New("boom")
	s := setupStatic(t, WithBatchSize(1), WithFailure(2, boom))
	sink := &collect{}
	err := s.Execute(context.Background(), plan.SourceRequest{Query: "people"}, sink)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, sink.rows(), 2)
}

func TestStatic_DelayHonoursCancellation(t *testing.T) {
	s := setupStatic(t, WithBatchSize(1), WithDelay(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Execute(ctx, plan.SourceRequest{Query: "people"}, &collect{}) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("execute ignored cancellation")
	}
}

func TestCatalog_Routes(t *testing.T) {
	c := NewCatalog()
	c.Register("crm", setupStatic(t))
	assert.Equal(t, []string{"crm"}, c.Names())

	sink := &collect{}
	require.NoError(t, c.Execute(context.Background(), plan.SourceRequest{Source: "crm", Query: "people"}, sink))
	assert.Len(t, sink.rows(), 3)

	_, err := c.Describe(context.Background(), plan.SourceRequest{Source: "crm", Query: "people"})
	require.NoError(t, err)

	err = c.Execute(context.Background(), plan.SourceRequest{Source: "erp"}, sink)
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func setupSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "source.db"), 2, 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.DB().Exec(`
		CREATE TABLE orders (id INTEGER, customer TEXT, total REAL, paid BOOLEAN, note BLOB);
		INSERT INTO orders VALUES (1, 'ada', 9.5, 1, x'01'), (2, 'bob', 12, 0, NULL), (3, 'ada', 1.25, 1, NULL);
	`)
	require.NoError(t, err)
	return s
}

func TestSQLite_Describe(t *testing.T) {
	s := setupSQLite(t)
	schema, err := s.Describe(context.Background(), plan.SourceRequest{Query: "SELECT id, customer, total, paid, note FROM orders;"})
	require.NoError(t, err)
	assert.Equal(t, rows.NewSchema(
		rows.Col("id", rows.TypeInt),
		rows.Col("customer", rows.TypeString),
		rows.Col("total", rows.TypeFloat),
		rows.Col("paid", rows.TypeBool),
		rows.Col("note", rows.TypeBytes),
	), schema)
}

func TestSQLite_ExecuteWithParams(t *testing.T) {
	s := setupSQLite(t)
	sink := &collect{}
	err := s.Execute(context.Background(), plan.SourceRequest{
		Source: "shop",
		Query:  "SELECT id, total, paid, note FROM orders WHERE customer = ? ORDER BY id",
		Params: []rows.Value{rows.String("ada")},
	}, sink)
	require.NoError(t, err)

	got := sink.rows()
	require.Len(t, got, 2)
	assert.Equal(t, rows.Row{rows.Int(1), rows.Float(9.5), rows.Bool(true), rows.Bytes{0x01}}, got[0])
	assert.Equal(t, rows.Row{rows.Int(3), rows.Float(1.25), rows.Bool(true), rows.Null{}}, got[1])
}

func TestSQLite_BatchesAndErrors(t *testing.T) {
	s := setupSQLite(t)
	sink := &collect{}
	require.NoError(t, s.Execute(context.Background(), plan.SourceRequest{Query: "SELECT id FROM orders"}, sink))
	assert.Len(t, sink.batches, 2, "batch size 2 over 3 rows")

	err := s.Execute(context.Background(), plan.SourceRequest{Query: "SELECT nope FROM orders"}, sink)
	assert.Error(t, err)
}

func TestAffinity(t *testing.T) {
	cases := map[string]rows.Type{
		"INTEGER": rows.TypeInt, "bigint": rows.TypeInt, "VARCHAR(20)": rows.TypeString,
		"TEXT": rows.TypeString, "REAL": rows.TypeFloat, "DOUBLE": rows.TypeFloat,
		"BLOB": rows.TypeBytes, "BOOLEAN": rows.TypeBool, "": rows.TypeString, "NUMERIC": rows.TypeString,
	}
	for decl, want := range cases {
		assert.Equal(t, want, affinity(decl), decl)
	}
}
