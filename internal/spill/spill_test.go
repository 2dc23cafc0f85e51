package spill

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/fedq/internal/config"
	"github.com/roach88/fedq/internal/failure"
)

func setupFileStore(t *testing.T, maxBytes, maxFileSize int64, maxOpen int) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), maxBytes, maxFileSize, maxOpen)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func setupSQLiteStore(t *testing.T, maxBytes int64) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "spill.db"), maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func storesUnderTest(t *testing.T) map[string]Store {
	return map[string]Store{
		"file":   setupFileStore(t, 0, 1<<20, 4),
		"sqlite": setupSQLiteStore(t, 0),
	}
}

func TestStore_WriteReadDrop(t *testing.T) {
	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			a, err := s.Write("buf-1", []byte("hello"))
			require.NoError(t, err)
			b, err := s.Write("buf-1", []byte("world!"))
			require.NoError(t, err)
			c, err := s.Write("buf-2", []byte("other"))
			require.NoError(t, err)
			assert.Equal(t, int64(16), s.Used())

			got, err := s.Read(b)
			require.NoError(t, err)
			assert.Equal(t, []byte("world!"), got)
			got, err = s.Read(a)
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), got)

			require.NoError(t, s.Drop("buf-1"))
			assert.Equal(t, int64(5), s.Used())
			_, err = s.Read(a)
			assert.True(t, failure.IsIOFailure(err))

			got, err = s.Read(c)
			require.NoError(t, err)
			assert.Equal(t, []byte("other"), got)

			require.NoError(t, s.Drop("never-written"))
		})
	}
}

func TestStore_CapacityCeiling(t *testing.T) {
	stores := map[string]Store{
		"file":   setupFileStore(t, 10, 1<<20, 4),
		"sqlite": setupSQLiteStore(t, 10),
	}
	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			_, err := s.Write("k", make([]byte, 8))
			require.NoError(t, err)

			_, err = s.Write("k", make([]byte, 3))
			require.Error(t, err)
			assert.True(t, failure.IsResourceExhausted(err))
			assert.Equal(t, int64(8), s.Used(), "a rejected write leaves accounting unchanged")

			require.NoError(t, s.Drop("k"))
			_, err = s.Write("k", make([]byte, 10))
			assert.NoError(t, err)
		})
	}
}

func TestFileStore_SegmentsRoll(t *testing.T) {
	s := setupFileStore(t, 0, 10, 4)

	l1, err := s.Write("k", []byte("123456"))
	require.NoError(t, err)
	l2, err := s.Write("k", []byte("abcdef"))
	require.NoError(t, err)
	l3, err := s.Write("k", bytes.Repeat([]byte("x"), 25))
	require.NoError(t, err)

	assert.Equal(t, 0, l1.Segment)
	assert.Equal(t, 1, l2.Segment, "segment rolls when the next block does not fit")
	assert.Equal(t, 2, l3.Segment, "oversized block gets its own segment")

	got, err := s.Read(l3)
	require.NoError(t, err)
	assert.Len(t, got, 25)
}

func TestFileStore_OpenFileCeiling(t *testing.T) {
	s := setupFileStore(t, 0, 1<<20, 2)

	locs := make([]Location, 0, 5)
	for i := 0; i < 5; i++ {
		loc, err := s.Write(fmt.Sprintf("k%d", i), []byte(fmt.Sprintf("payload-%d", i)))
		require.NoError(t, err)
		locs = append(locs, loc)
		assert.LessOrEqual(t, s.OpenFiles(), 2)
	}

	// every block remains readable after its handle was closed
	for i, loc := range locs {
		got, err := s.Read(loc)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("payload-%d", i), string(got))
		assert.LessOrEqual(t, s.OpenFiles(), 2)
	}
}

func TestFileStore_ConcurrentWriters(t *testing.T) {
	s := setupFileStore(t, 0, 4096, 3)

	var wg sync.WaitGroup
	results := make([][]Location, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				loc, err := s.Write(fmt.Sprintf("w%d", w%3), []byte(fmt.Sprintf("%02d-%02d", w, i)))
				if err != nil {
					t.Error(err)
					return
				}
				results[w] = append(results[w], loc)
			}
		}(w)
	}
	wg.Wait()

	for w, locs := range results {
		for i, loc := range locs {
			got, err := s.Read(loc)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("%02d-%02d", w, i), string(got))
		}
	}
	assert.Equal(t, int64(8*20*5), s.Used())
}

func TestSQLiteStore_Pragmas(t *testing.T) {
	s := setupSQLiteStore(t, 0)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestSealer_RoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("compressible "), 200)

	tests := []struct {
		name              string
		compress, encrypt bool
	}{
		{"plain", false, false},
		{"compressed", true, false},
		{"encrypted", false, true},
		{"both", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := setupFileStore(t, 0, 1<<20, 4)
			s, err := NewSealer(inner, tt.compress, tt.encrypt)
			require.NoError(t, err)

			loc, err := s.Write("buf", payload)
			require.NoError(t, err)

			raw, err := inner.Read(loc)
			require.NoError(t, err)
			if tt.compress {
				assert.Less(t, len(raw), len(payload))
			}
			if tt.encrypt {
				assert.False(t, bytes.Contains(raw, []byte("compressible")))
			}

			got, err := s.Read(loc)
			require.NoError(t, err)
			assert.Equal(t, payload, got)
		})
	}
}

func TestSealer_RejectsSwappedKey(t *testing.T) {
	inner := setupFileStore(t, 0, 1<<20, 4)
	s, err := NewSealer(inner, false, true)
	require.NoError(t, err)

	loc, err := s.Write("a", []byte("secret"))
	require.NoError(t, err)

	raw, err := inner.Read(loc)
	require.NoError(t, err)
	forged, err := inner.Write("b", raw)
	require.NoError(t, err)

	_, err = s.Read(forged)
	assert.True(t, failure.IsIOFailure(err))
}

func TestOpen_Backends(t *testing.T) {
	for _, backend := range []string{"file", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := config.Default().Buffer
			cfg.SpillBackend = backend
			cfg.EncryptSpilledData = true

			s, err := Open(cfg, t.TempDir(), nil)
			require.NoError(t, err)
			defer s.Close()

			loc, err := s.Write("b", []byte("data"))
			require.NoError(t, err)
			got, err := s.Read(loc)
			require.NoError(t, err)
			assert.Equal(t, []byte("data"), got)
		})
	}

	cfg := config.Default().Buffer
	cfg.SpillBackend = "tape"
	_, err := Open(cfg, t.TempDir(), nil)
	assert.Error(t, err)
}
