package spill

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/fedq/internal/failure"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - spill_blocks with per-block size column
const currentSchemaVersion = 1

// SQLiteStore keeps spilled blocks as rows in a single SQLite database.
// Uses WAL mode so reloads do not wait behind spills.
type SQLiteStore struct {
	db       *sql.DB
	maxBytes int64 // 0 = unlimited
	seq      atomic.Int64

	mu   sync.Mutex // guards used and sizes; never held across a query
	used int64
	keys map[string]int64
}

// OpenSQLiteStore creates or opens a spill database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (spill data does not survive restarts anyway)
//   - 5-second busy timeout for lock contention
//
// Existing blocks are discarded: a spill database never outlives its process.
func OpenSQLiteStore(path string, maxBytes int64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to spill database: %w", err)
	}

	// Pragmas are per connection; one connection keeps them all applied.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := db.Exec("DELETE FROM spill_blocks"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reset spill database: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		maxBytes: maxBytes,
		keys:     make(map[string]int64),
	}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and checks user_version.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("spill database version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Write implements Store.
func (s *SQLiteStore) Write(key string, data []byte) (Location, error) {
	n := int64(len(data))

	s.mu.Lock()
	if s.maxBytes > 0 && s.used+n > s.maxBytes {
		used := s.used
		s.mu.Unlock()
		return Location{}, failure.ResourceExhausted("spill.Write",
			"secondary storage full: %d used + %d requested > %d", used, n, s.maxBytes)
	}
	s.used += n
	s.keys[key] += n
	s.mu.Unlock()

	seq := s.seq.Add(1)
	if _, err := s.db.Exec(
		"INSERT INTO spill_blocks (key, seq, size, data) VALUES (?, ?, ?, ?)",
		key, seq, n, data,
	); err != nil {
		s.mu.Lock()
		s.used -= n
		s.keys[key] -= n
		s.mu.Unlock()
		return Location{}, failure.IOFailure("spill.Write", err)
	}
	return Location{Key: key, Offset: seq, Length: n}, nil
}

// Read implements Store.
func (s *SQLiteStore) Read(loc Location) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		"SELECT data FROM spill_blocks WHERE key = ? AND seq = ?",
		loc.Key, loc.Offset,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.IOFailure("spill.Read", fmt.Errorf("unknown location %s", loc))
	}
	if err != nil {
		return nil, failure.IOFailure("spill.Read", err)
	}
	if int64(len(data)) != loc.Length {
		return nil, failure.IOFailure("spill.Read", fmt.Errorf("block %s has %d bytes", loc, len(data)))
	}
	return data, nil
}

// Drop implements Store.
func (s *SQLiteStore) Drop(key string) error {
	s.mu.Lock()
	size, ok := s.keys[key]
	delete(s.keys, key)
	s.used -= size
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := s.db.Exec("DELETE FROM spill_blocks WHERE key = ?", key); err != nil {
		return failure.IOFailure("spill.Drop", err)
	}
	return nil
}

// Used implements Store.
func (s *SQLiteStore) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	_, execErr := s.db.Exec("DELETE FROM spill_blocks")
	return errors.Join(execErr, s.db.Close())
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLiteStore) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
