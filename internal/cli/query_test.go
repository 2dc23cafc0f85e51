package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedq/internal/connector"
)

func setupOrdersDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.db")
	s, err := connector.OpenSQLite(path, 2, 1)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.DB().Exec(`
		CREATE TABLE orders (id INTEGER, customer TEXT, total REAL);
		INSERT INTO orders VALUES (1, 'ada', 9.5), (2, 'bob', 12), (3, 'ada', 1.25);
	`)
	require.NoError(t, err)
	return path
}

func runQueryCmd(t *testing.T, format string, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	opts := &RootOptions{
		Format:  format,
		Environ: []string{"FEDQ_BUFFER_SPILLDIRECTORY=" + t.TempDir(), "FEDQ_LOG_LEVEL=error"},
	}
	cmd := NewQueryCommand(opts)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	return buf, cmd.Execute()
}

func TestQueryCommand_Text(t *testing.T) {
	db := setupOrdersDB(t)

	buf, err := runQueryCmd(t, "text", "--db", db, "SELECT id, customer FROM orders WHERE customer = 'ada' ORDER BY id")
	require.NoError(t, err)
	assert.Equal(t, "id  customer\n1   ada\n3   ada\n(2 rows)\n", buf.String())
}

func TestQueryCommand_JSON(t *testing.T) {
	db := setupOrdersDB(t)

	buf, err := runQueryCmd(t, "json", "--db", db, "SELECT id, total FROM orders ORDER BY id")
	require.NoError(t, err)

	var resp struct {
		Status  string    `json:"status"`
		Data    ResultSet `json:"data"`
		TraceID string    `json:"trace_id"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.TraceID)
	assert.Equal(t, []string{"id", "total"}, resp.Data.Columns)
	require.Len(t, resp.Data.Rows, 3)
	assert.Equal(t, []any{float64(2), float64(12)}, resp.Data.Rows[1])
	assert.False(t, resp.Data.Cached)
}

func TestQueryCommand_RepeatServedFromCache(t *testing.T) {
	db := setupOrdersDB(t)

	buf, err := runQueryCmd(t, "json", "--db", db, "--repeat", "2", "SELECT count(*) AS n FROM orders")
	require.NoError(t, err)

	var resp struct {
		Data []ResultSet `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.False(t, resp.Data[0].Cached)
	assert.True(t, resp.Data[1].Cached)
	assert.Equal(t, resp.Data[0].Rows, resp.Data[1].Rows)
	assert.NotEqual(t, resp.Data[0].Request, resp.Data[1].Request)
}

func TestQueryCommand_NoCache(t *testing.T) {
	db := setupOrdersDB(t)

	buf, err := runQueryCmd(t, "text", "--db", db, "--repeat", "2", "--no-cache", "SELECT id FROM orders")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "-- run 2")
	assert.NotContains(t, buf.String(), "cached true")
}

func TestQueryCommand_Errors(t *testing.T) {
	db := setupOrdersDB(t)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantOut  string
	}{
		{"missing database", []string{"--db", filepath.Join(t.TempDir(), "none.db"), "SELECT 1"}, ExitCommandError, "database not found"},
		{"bad sql", []string{"--db", db, "SELECT nope FROM orders"}, ExitFailure, ErrCodeQueryFailed},
		{"bad repeat", []string{"--db", db, "--repeat", "0", "SELECT 1"}, ExitCommandError, "--repeat must be at least 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := runQueryCmd(t, "text", tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, GetExitCode(err))
			assert.Contains(t, buf.String(), tt.wantOut)
		})
	}
}

func TestQueryCommand_RequiresDB(t *testing.T) {
	_, err := runQueryCmd(t, "text", "SELECT 1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `required flag(s) "db" not set`)
}
