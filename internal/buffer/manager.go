package buffer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/roach88/fedq/internal/config"
	"github.com/roach88/fedq/internal/failure"
	"github.com/roach88/fedq/internal/rows"
	"github.com/roach88/fedq/internal/spill"
)

// InlineThreshold is the encoded size below which batches stay resident
// when inlineSmallObjects is set.
const InlineThreshold = 4 * 1024

// Manager is the tiered buffer manager: it owns tuple buffers, the space
// ledger and the memory tier, and moves sealed batches to secondary
// storage when resident bytes exceed the fixed memory budget.
//
// Lock order: buffer.mu -> mmu -> slot.mu. The ledger lock is a leaf.
// No lock is held while reading or writing secondary storage.
type Manager struct {
	cfg    config.BufferConfig
	store  spill.Store // nil when secondary storage is disabled
	ledger *Ledger
	logger *slog.Logger

	nextID atomic.Uint64

	bmu     sync.RWMutex
	buffers map[ID]*tupleBuffer

	mmu      sync.Mutex // guards lru and resident
	lru      *simplelru.LRU[slotKey, *slot]
	resident int64

	spills       atomic.Int64
	reloads      atomic.Int64
	spillBytes   atomic.Int64
	spillFailure atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithStore sets the secondary storage backend. Required when
// useSecondaryStorage is set.
func WithStore(s spill.Store) Option {
	return func(m *Manager) { m.store = s }
}

// New creates a buffer manager.
func New(cfg config.BufferConfig, opts ...Option) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		ledger:  NewLedger(cfg.MaxReservedBytes, cfg.MaxProcessingBytes),
		logger:  slog.Default(),
		buffers: make(map[ID]*tupleBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.UseSecondaryStorage && m.store == nil {
		return nil, fmt.Errorf("secondary storage enabled but no store configured")
	}
	if !cfg.UseSecondaryStorage {
		m.store = nil
	}
	if cfg.ProcessorBatchSize <= 0 {
		return nil, fmt.Errorf("processorBatchSize must be positive, got %d", cfg.ProcessorBatchSize)
	}

	// Capacity is governed by bytes, not entry count.
	l, err := simplelru.NewLRU[slotKey, *slot](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	m.lru = l
	return m, nil
}

// Ledger exposes the space ledger.
func (m *Manager) Ledger() *Ledger { return m.ledger }

// Reserve grants n bytes, blocking until space is available or ctx ends.
func (m *Manager) Reserve(ctx context.Context, n int64) error {
	for {
		ok, wait, err := m.TryReserve(n)
		if err != nil || ok {
			return err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return failure.Wrap(failure.KindOf(ctx.Err()), "buffer.Reserve", ctx.Err())
		}
	}
}

// TryReserve grants n bytes without blocking. When the ceiling is reached
// and secondary storage is enabled, resident batches are spilled to make
// room first. When still blocked it returns a channel that closes the next
// time space frees up.
func (m *Manager) TryReserve(n int64) (bool, <-chan struct{}, error) {
	ok, wait, err := m.ledger.TryReserve(n)
	if err != nil || ok || m.store == nil {
		return ok, wait, err
	}
	reserved, _ := m.ledger.Snapshot()
	if err := m.evict(reserved + n - m.ledger.Max()); err != nil {
		return false, nil, err
	}
	return m.ledger.TryReserve(n)
}

// Release returns idle reserved bytes to the pool.
func (m *Manager) Release(n int64) int64 {
	return m.ledger.Release(n)
}

// CreateBuffer creates an open buffer owned by owner.
func (m *Manager) CreateBuffer(owner string, schema rows.Schema) ID {
	id := ID(m.nextID.Add(1))
	b := &tupleBuffer{id: id, owner: owner, schema: schema, state: StateOpen}

	m.bmu.Lock()
	m.buffers[id] = b
	m.bmu.Unlock()

	m.logger.Debug("buffer created", "buffer", id, "owner", owner, "columns", schema.Width())
	return id
}

func (m *Manager) lookup(id ID) (*tupleBuffer, error) {
	m.bmu.RLock()
	b, ok := m.buffers[id]
	m.bmu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBuffer, id)
	}
	return b, nil
}

// Append adds rows to an open buffer. Rows are split into sealed batches of
// at most processorBatchSize rows. The bytes are charged to the ledger,
// consuming idle reservation first.
func (m *Manager) Append(owner string, id ID, batch rows.Batch) error {
	b, err := m.lookup(id)
	if err != nil {
		return err
	}
	if err := checkWritable(b, owner); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	if b.schema.Width() > 0 {
		for i, r := range batch.Rows {
			if err := b.schema.Validate(r); err != nil {
				return fmt.Errorf("buffer.Append %s row %d: %w", id, i, err)
			}
		}
	}

	chunks, sizes, total := m.chunk(batch)
	for _, size := range sizes {
		if m.cfg.MaxObjectSize > 0 && size > m.cfg.MaxObjectSize {
			return failure.ResourceExhausted("buffer.Append",
				"batch of %d bytes exceeds maxObjectSize %d", size, m.cfg.MaxObjectSize)
		}
	}

	if err := m.evict(m.shortfall(total)); err != nil {
		return err
	}
	grown, err := m.ledger.use(total)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := checkWritableLocked(b, owner); err != nil {
		m.ledger.unuse(total, grown)
		return err
	}

	m.mmu.Lock()
	for i, c := range chunks {
		data := c
		s := &slot{
			key:  slotKey{buf: id, pos: len(b.batches)},
			size: sizes[i],
			tier: tierMemory,
			data: &data,
		}
		b.batches = append(b.batches, s)
		b.rows += int64(c.Len())
		b.bytes += sizes[i]
		m.lru.Add(s.key, s)
		m.resident += s.size
	}
	m.mmu.Unlock()
	return nil
}

func (m *Manager) chunk(batch rows.Batch) ([]rows.Batch, []int64, int64) {
	chunks := rows.Split(batch.Rows, m.cfg.ProcessorBatchSize)
	sizes := make([]int64, len(chunks))
	var total int64
	for i, c := range chunks {
		sizes[i] = c.SizeBytes()
		total += sizes[i]
	}
	return chunks, sizes, total
}

// Cost returns the bytes Append will charge for batch. Reserving exactly
// this much beforehand makes Append consume only the caller's reservation.
func (m *Manager) Cost(batch rows.Batch) int64 {
	_, _, total := m.chunk(batch)
	return total
}

func checkWritable(b *tupleBuffer, owner string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return checkWritableLocked(b, owner)
}

func checkWritableLocked(b *tupleBuffer, owner string) error {
	if b.owner != owner {
		return fmt.Errorf("%w: %s owned by %q, caller %q", ErrNotOwner, b.id, b.owner, owner)
	}
	if b.state != StateOpen {
		return fmt.Errorf("%w: %s is %s", ErrNotOpen, b.id, b.state)
	}
	return nil
}

// Seal makes the buffer read-only.
func (m *Manager) Seal(owner string, id ID) error {
	b, err := m.lookup(id)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := checkWritableLocked(b, owner); err != nil {
		return err
	}
	b.state = StateSealed
	m.logger.Debug("buffer sealed", "buffer", id, "batches", len(b.batches), "rows", b.rows)
	return nil
}

// Info describes a buffer.
func (m *Manager) Info(id ID) (Info, error) {
	b, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return b.info(), nil
}

// ReadBatch returns the batch at position. Batches evicted to secondary
// storage are reloaded transparently. Sealed batches of an open buffer are
// readable while the owner keeps appending.
func (m *Manager) ReadBatch(id ID, position int) (rows.Batch, error) {
	b, err := m.lookup(id)
	if err != nil {
		return rows.Batch{}, err
	}
	b.mu.RLock()
	if b.state == StateRemoved {
		b.mu.RUnlock()
		return rows.Batch{}, fmt.Errorf("%w: %s", ErrUnknownBuffer, id)
	}
	if position < 0 || position >= len(b.batches) {
		n := len(b.batches)
		b.mu.RUnlock()
		return rows.Batch{}, fmt.Errorf("%w: %s has %d batches, asked for %d", ErrNoBatch, id, n, position)
	}
	s := b.batches[position]
	b.mu.RUnlock()

	return m.readSlot(s)
}

func (m *Manager) readSlot(s *slot) (rows.Batch, error) {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return rows.Batch{}, fmt.Errorf("%w: %s", ErrUnknownBuffer, s.key.buf)
	}
	if s.data != nil {
		s.pins++
		data := s.data
		resident := s.tier == tierMemory
		s.mu.Unlock()

		if resident {
			m.mmu.Lock()
			m.lru.Get(s.key)
			m.mmu.Unlock()
		}

		s.mu.Lock()
		s.pins--
		s.mu.Unlock()
		return *data, nil
	}
	loc := s.loc
	s.mu.Unlock()

	raw, err := m.store.Read(loc)
	if err != nil {
		return rows.Batch{}, err
	}
	batch, err := rows.DecodeBatch(raw)
	if err != nil {
		return rows.Batch{}, failure.IOFailure("buffer.Reload", err)
	}
	m.reloads.Add(1)
	m.logger.Debug("batch reloaded", "buffer", s.key.buf, "position", s.key.pos, "bytes", s.size)

	m.admit(s, &batch)
	return batch, nil
}

// admit makes a reloaded batch resident again if the ledger has room,
// evicting colder batches when that pushes memory over budget. A batch
// that cannot be admitted is served without being cached.
func (m *Manager) admit(s *slot, batch *rows.Batch) {
	if !m.ledger.TryAdmit(s.size) {
		return
	}

	m.mmu.Lock()
	s.mu.Lock()
	if s.removed || s.data != nil {
		s.mu.Unlock()
		m.mmu.Unlock()
		m.ledger.Free(s.size)
		return
	}
	s.data = batch
	s.tier = tierMemory
	m.lru.Add(s.key, s)
	m.resident += s.size
	s.mu.Unlock()
	m.mmu.Unlock()

	if err := m.evict(m.shortfall(0)); err != nil {
		m.logger.Warn("eviction after reload failed", "buffer", s.key.buf, "error", err)
	}
}

// shortfall returns how many resident bytes must be evicted before
// incoming more bytes can be admitted within both the memory budget and the
// ledger ceiling.
func (m *Manager) shortfall(incoming int64) int64 {
	if m.store == nil {
		return 0
	}
	m.mmu.Lock()
	overMemory := m.resident + incoming - m.cfg.FixedMemoryBytes
	m.mmu.Unlock()

	reserved, used := m.ledger.Snapshot()
	grow := incoming - (reserved - used)
	if grow < 0 {
		grow = 0
	}
	overLedger := reserved + grow - m.ledger.Max()

	return max(overMemory, overLedger, 0)
}

// evict moves at least need bytes of least-recently-used sealed batches to
// secondary storage, as far as unpinned victims exist.
func (m *Manager) evict(need int64) error {
	if need <= 0 || m.store == nil {
		return nil
	}
	victims := m.selectVictims(need)

	var errs []error
	for _, s := range victims {
		if err := m.spillSlot(s); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (m *Manager) selectVictims(need int64) []*slot {
	m.mmu.Lock()
	defer m.mmu.Unlock()

	var victims []*slot
	var got int64
	for _, k := range m.lru.Keys() {
		if got >= need {
			break
		}
		s, ok := m.lru.Peek(k)
		if !ok {
			continue
		}
		s.mu.Lock()
		eligible := s.pins == 0 && s.tier == tierMemory &&
			!(m.cfg.InlineSmallObjects && s.size < InlineThreshold)
		if eligible {
			s.tier = tierEvicting
		}
		s.mu.Unlock()
		if !eligible {
			continue
		}
		m.lru.Remove(k)
		m.resident -= s.size
		got += s.size
		victims = append(victims, s)
	}
	return victims
}

// spillSlot writes a victim to secondary storage (unless an identical copy
// is already there) and frees its memory. While a slot is tierEvicting this
// path owns its ledger charge.
func (m *Manager) spillSlot(s *slot) error {
	s.mu.Lock()
	if s.removed {
		s.tier = tierStorage
		s.data = nil
		s.mu.Unlock()
		m.ledger.Free(s.size)
		return nil
	}
	data := s.data
	persisted := s.persisted
	s.mu.Unlock()

	var loc spill.Location
	var err error
	if !persisted {
		loc, err = m.store.Write(s.key.buf.String(), rows.EncodeBatch(*data))
	}

	s.mu.Lock()
	if err != nil {
		s.mu.Unlock()
		m.spillFailure.Add(1)
		m.logger.Warn("batch spill failed", "buffer", s.key.buf, "position", s.key.pos, "error", err)
		m.readmit(s)
		return err
	}
	if !persisted {
		s.loc = loc
		s.persisted = true
	}
	if s.removed {
		s.tier = tierStorage
		s.data = nil
		s.mu.Unlock()
		m.ledger.Free(s.size)
		if err := m.store.Drop(s.key.buf.String()); err != nil {
			m.logger.Warn("spill drop failed", "buffer", s.key.buf, "error", err)
		}
		return nil
	}
	if s.pins > 0 {
		s.mu.Unlock()
		m.readmit(s)
		return nil
	}
	s.tier = tierStorage
	s.data = nil
	s.mu.Unlock()

	m.ledger.Free(s.size)
	m.spills.Add(1)
	if !persisted {
		m.spillBytes.Add(s.size)
	}
	m.logger.Debug("batch spilled", "buffer", s.key.buf, "position", s.key.pos, "bytes", s.size)
	return nil
}

// readmit returns an evicting slot to the memory tier.
func (m *Manager) readmit(s *slot) {
	m.mmu.Lock()
	s.mu.Lock()
	if s.removed {
		s.tier = tierMemory
		s.mu.Unlock()
		m.mmu.Unlock()
		m.ledger.Free(s.size)
		return
	}
	s.tier = tierMemory
	m.lru.Add(s.key, s)
	m.resident += s.size
	s.mu.Unlock()
	m.mmu.Unlock()
}

// RemoveBuffer removes a buffer and frees its memory and secondary storage.
func (m *Manager) RemoveBuffer(id ID) error {
	m.bmu.Lock()
	b, ok := m.buffers[id]
	delete(m.buffers, id)
	m.bmu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBuffer, id)
	}

	b.mu.Lock()
	b.state = StateRemoved
	slots := b.batches
	b.batches = nil
	b.mu.Unlock()

	var freed int64
	m.mmu.Lock()
	for _, s := range slots {
		s.mu.Lock()
		s.removed = true
		if s.tier == tierMemory && s.data != nil {
			m.lru.Remove(s.key)
			m.resident -= s.size
			freed += s.size
			s.data = nil
		}
		s.mu.Unlock()
	}
	m.mmu.Unlock()
	m.ledger.Free(freed)

	if m.store != nil {
		if err := m.store.Drop(id.String()); err != nil {
			m.logger.Warn("spill drop failed", "buffer", id, "error", err)
			return err
		}
	}
	m.logger.Debug("buffer removed", "buffer", id, "freed_bytes", freed)
	return nil
}

// Close removes every buffer.
func (m *Manager) Close() error {
	m.bmu.RLock()
	ids := make([]ID, 0, len(m.buffers))
	for id := range m.buffers {
		ids = append(ids, id)
	}
	m.bmu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.RemoveBuffer(id); err != nil && !errors.Is(err, ErrUnknownBuffer) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stats is a point-in-time view of the buffer manager.
type Stats struct {
	Reserved      int64
	Used          int64
	MaxReserved   int64
	ResidentBytes int64
	SpilledBytes  int64 // bytes currently held by secondary storage
	Buffers       int
	Spills        int64
	Reloads       int64
	SpillFailures int64
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	reserved, used := m.ledger.Snapshot()
	m.mmu.Lock()
	resident := m.resident
	m.mmu.Unlock()
	m.bmu.RLock()
	n := len(m.buffers)
	m.bmu.RUnlock()

	var spilled int64
	if m.store != nil {
		spilled = m.store.Used()
	}
	return Stats{
		Reserved:      reserved,
		Used:          used,
		MaxReserved:   m.ledger.Max(),
		ResidentBytes: resident,
		SpilledBytes:  spilled,
		Buffers:       n,
		Spills:        m.spills.Load(),
		Reloads:       m.reloads.Load(),
		SpillFailures: m.spillFailure.Load(),
	}
}
