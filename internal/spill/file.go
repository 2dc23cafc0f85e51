package spill

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/fedq/internal/failure"
)

// FileStore keeps spilled blocks in append-only segment files, one segment
// chain per key. Open handles are cached in an LRU bounded by maxOpenFiles;
// the least-recently-used handle is closed before a new file is opened.
type FileStore struct {
	dir         string
	maxBytes    int64 // 0 = unlimited
	maxFileSize int64
	logger      *slog.Logger

	mu     sync.Mutex // guards chains and used; never held across I/O
	chains map[string]*segmentChain
	used   int64

	hmu     sync.Mutex // serializes handle table insertion
	handles *lru.Cache[string, *handle]
}

type segmentChain struct {
	sizes []int64 // next write offset per segment
	total int64
}

// handle is a reference-counted open file. An evicted handle stays open
// until its last in-flight user releases it.
type handle struct {
	mu      sync.Mutex
	f       *os.File
	refs    int
	evicted bool
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithFileLogger sets the logger used for handle lifecycle events.
func WithFileLogger(l *slog.Logger) FileStoreOption {
	return func(s *FileStore) { s.logger = l }
}

// NewFileStore creates a store rooted at dir, which must already exist.
func NewFileStore(dir string, maxBytes, maxFileSize int64, maxOpenFiles int, opts ...FileStoreOption) (*FileStore, error) {
	if maxOpenFiles <= 0 {
		return nil, fmt.Errorf("maxOpenFiles must be positive, got %d", maxOpenFiles)
	}
	if maxFileSize <= 0 {
		return nil, fmt.Errorf("maxFileSize must be positive, got %d", maxFileSize)
	}
	if info, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("spill directory: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("spill directory %s is not a directory", dir)
	}

	s := &FileStore{
		dir:         dir,
		maxBytes:    maxBytes,
		maxFileSize: maxFileSize,
		logger:      slog.Default(),
		chains:      make(map[string]*segmentChain),
	}
	for _, opt := range opts {
		opt(s)
	}

	handles, err := lru.NewWithEvict[string, *handle](maxOpenFiles, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("handle cache: %w", err)
	}
	s.handles = handles
	return s, nil
}

func (s *FileStore) onEvict(path string, h *handle) {
	h.mu.Lock()
	h.evicted = true
	idle := h.refs == 0
	h.mu.Unlock()
	if idle {
		if err := h.f.Close(); err != nil {
			s.logger.Warn("spill handle close failed", "path", path, "error", err)
		}
	}
}

func (s *FileStore) segmentPath(key string, segment int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%04d.seg", hex.EncodeToString([]byte(key)), segment))
}

// Write implements Store.
func (s *FileStore) Write(key string, data []byte) (Location, error) {
	n := int64(len(data))

	s.mu.Lock()
	if s.maxBytes > 0 && s.used+n > s.maxBytes {
		used := s.used
		s.mu.Unlock()
		return Location{}, failure.ResourceExhausted("spill.Write",
			"secondary storage full: %d used + %d requested > %d", used, n, s.maxBytes)
	}
	chain := s.chains[key]
	if chain == nil {
		chain = &segmentChain{}
		s.chains[key] = chain
	}
	seg := len(chain.sizes) - 1
	if seg < 0 || (chain.sizes[seg] > 0 && chain.sizes[seg]+n > s.maxFileSize) {
		chain.sizes = append(chain.sizes, 0)
		seg++
	}
	loc := Location{Key: key, Segment: seg, Offset: chain.sizes[seg], Length: n}
	chain.sizes[seg] += n
	chain.total += n
	s.used += n
	s.mu.Unlock()

	err := s.withHandle(s.segmentPath(key, seg), func(f *os.File) error {
		_, err := f.WriteAt(data, loc.Offset)
		return err
	})
	if err != nil {
		// the hole stays in the segment; only the accounting is rolled back
		s.mu.Lock()
		s.used -= n
		if c := s.chains[key]; c == chain {
			c.total -= n
		}
		s.mu.Unlock()
		return Location{}, failure.IOFailure("spill.Write", err)
	}
	return loc, nil
}

// Read implements Store.
func (s *FileStore) Read(loc Location) ([]byte, error) {
	s.mu.Lock()
	chain := s.chains[loc.Key]
	known := chain != nil && loc.Segment < len(chain.sizes) && loc.Offset+loc.Length <= chain.sizes[loc.Segment]
	s.mu.Unlock()
	if !known {
		return nil, failure.IOFailure("spill.Read", fmt.Errorf("unknown location %s", loc))
	}

	buf := make([]byte, loc.Length)
	err := s.withHandle(s.segmentPath(loc.Key, loc.Segment), func(f *os.File) error {
		_, err := f.ReadAt(buf, loc.Offset)
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	})
	if err != nil {
		return nil, failure.IOFailure("spill.Read", err)
	}
	return buf, nil
}

// Drop implements Store.
func (s *FileStore) Drop(key string) error {
	s.mu.Lock()
	chain := s.chains[key]
	delete(s.chains, key)
	if chain != nil {
		s.used -= chain.total
	}
	s.mu.Unlock()
	if chain == nil {
		return nil
	}

	var errs []error
	for seg := range chain.sizes {
		path := s.segmentPath(key, seg)
		s.handles.Remove(path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return failure.IOFailure("spill.Drop", err)
	}
	return nil
}

// Used implements Store.
func (s *FileStore) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// OpenFiles reports the number of cached file handles.
func (s *FileStore) OpenFiles() int {
	return s.handles.Len()
}

// Close implements Store. All segment files are removed.
func (s *FileStore) Close() error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.chains))
	for k := range s.chains {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := s.Drop(k); err != nil {
			errs = append(errs, err)
		}
	}
	s.handles.Purge()
	return errors.Join(errs...)
}

// withHandle runs fn with an open handle for path, opening it (and closing
// the least-recently-used handle when at capacity) if necessary.
func (s *FileStore) withHandle(path string, fn func(*os.File) error) error {
	h, err := s.acquire(path)
	if err != nil {
		return err
	}
	defer s.release(path, h)
	return fn(h.f)
}

func (s *FileStore) acquire(path string) (*handle, error) {
	if h, ok := s.pin(path); ok {
		return h, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, err
	}

	s.hmu.Lock()
	if h, ok := s.pin(path); ok {
		s.hmu.Unlock()
		_ = f.Close()
		return h, nil
	}
	h := &handle{f: f, refs: 1}
	s.handles.Add(path, h)
	s.hmu.Unlock()

	s.logger.Debug("spill file opened", "path", path, "open_files", s.handles.Len())
	return h, nil
}

// pin returns the cached handle for path with its reference count raised.
func (s *FileStore) pin(path string) (*handle, bool) {
	h, ok := s.handles.Get(path)
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.evicted {
		return nil, false
	}
	h.refs++
	return h, true
}

func (s *FileStore) release(path string, h *handle) {
	h.mu.Lock()
	h.refs--
	closeNow := h.evicted && h.refs == 0
	h.mu.Unlock()
	if closeNow {
		if err := h.f.Close(); err != nil {
			s.logger.Warn("spill handle close failed", "path", path, "error", err)
		}
	}
}
