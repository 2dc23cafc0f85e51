package connector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/fedq/internal/plan"
	"github.com/roach88/fedq/internal/rows"
)

// SQLite runs source requests as queries against a SQLite database.
// The request query is SQL; request params bind to its placeholders.
type SQLite struct {
	db        *sql.DB
	batchSize int
}

var (
	_ plan.Connector = (*SQLite)(nil)
	_ plan.Describer = (*SQLite)(nil)
)

// OpenSQLite opens the database at path. Connections are limited so
// concurrent source calls queue inside database/sql rather than in SQLite's
// busy handler.
func OpenSQLite(path string, batchSize, maxConns int) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to source database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	return &SQLite{db: db, batchSize: batchSize}, nil
}

// DB exposes the underlying handle (for seeding in tests and demos).
func (s *SQLite) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Describe implements plan.Describer. The query must not take parameters.
func (s *SQLite) Describe(ctx context.Context, req plan.SourceRequest) (rows.Schema, error) {
	q := fmt.Sprintf("SELECT * FROM (%s) LIMIT 0", strings.TrimRight(strings.TrimSpace(req.Query), ";"))
	r, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return rows.Schema{}, fmt.Errorf("describe: %w", err)
	}
	defer r.Close()
	return columnSchema(r)
}

func columnSchema(r *sql.Rows) (rows.Schema, error) {
	types, err := r.ColumnTypes()
	if err != nil {
		return rows.Schema{}, err
	}
	cols := make([]rows.Column, len(types))
	for i, ct := range types {
		cols[i] = rows.Col(ct.Name(), affinity(ct.DatabaseTypeName()))
	}
	return rows.NewSchema(cols...), nil
}

// affinity maps a declared column type to a row type the way SQLite
// assigns column affinity.
func affinity(decl string) rows.Type {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "INT"):
		return rows.TypeInt
	case strings.Contains(d, "BOOL"):
		return rows.TypeBool
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return rows.TypeString
	case strings.Contains(d, "BLOB"):
		return rows.TypeBytes
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return rows.TypeFloat
	default:
		return rows.TypeString
	}
}

// Execute implements plan.Connector.
func (s *SQLite) Execute(ctx context.Context, req plan.SourceRequest, sink plan.Sink) error {
	args := make([]any, len(req.Params))
	for i, p := range req.Params {
		args[i] = rows.ToAny(p)
	}
	r, err := s.db.QueryContext(ctx, req.Query, args...)
	if err != nil {
		return fmt.Errorf("query %s: %w", req.Source, err)
	}
	defer r.Close()

	schema, err := columnSchema(r)
	if err != nil {
		return err
	}
	width := schema.Width()
	raw := make([]any, width)
	ptrs := make([]any, width)
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	batch := make([]rows.Row, 0, s.batchSize)
	for r.Next() {
		if err := r.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan %s: %w", req.Source, err)
		}
		row := make(rows.Row, width)
		for i, v := range raw {
			row[i] = coerce(v, schema.Columns[i].Type)
		}
		batch = append(batch, row)
		if len(batch) == s.batchSize {
			if err := sink.Deliver(rows.NewBatch(batch...)); err != nil {
				return err
			}
			batch = make([]rows.Row, 0, s.batchSize)
		}
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("query %s: %w", req.Source, err)
	}
	if len(batch) > 0 {
		return sink.Deliver(rows.NewBatch(batch...))
	}
	return nil
}

// coerce converts a driver value to the column's row type. SQLite is
// dynamically typed, so a cell may not match its declared type.
func coerce(v any, want rows.Type) rows.Value {
	switch val := v.(type) {
	case nil:
		return rows.Null{}
	case time.Time:
		return rows.String(val.UTC().Format(time.RFC3339Nano))
	case []byte:
		if want == rows.TypeBytes {
			return rows.Bytes(append([]byte(nil), val...))
		}
		return rows.String(val)
	case int64:
		switch want {
		case rows.TypeFloat:
			return rows.Float(val)
		case rows.TypeBool:
			return rows.Bool(val != 0)
		case rows.TypeString:
			return rows.String(fmt.Sprint(val))
		}
		return rows.Int(val)
	case float64:
		switch want {
		case rows.TypeInt:
			if val == float64(int64(val)) {
				return rows.Int(int64(val))
			}
		case rows.TypeString:
			return rows.String(fmt.Sprint(val))
		}
		return rows.Float(val)
	case bool:
		if want == rows.TypeInt {
			if val {
				return rows.Int(1)
			}
			return rows.Int(0)
		}
		return rows.Bool(val)
	case string:
		return rows.String(val)
	}
	return rows.String(fmt.Sprint(v))
}
