package buffer

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/roach88/fedq/internal/rows"
	"github.com/roach88/fedq/internal/spill"
)

// ID identifies a tuple buffer. IDs are never reused within a process.
type ID uint64

func (id ID) String() string { return "tb-" + strconv.FormatUint(uint64(id), 10) }

// ParseID parses the String form of an ID.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "tb-"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid buffer id %q: %w", s, err)
	}
	return ID(n), nil
}

// State is the lifecycle state of a tuple buffer.
type State uint8

const (
	StateOpen    State = iota // appendable by its owner
	StateSealed               // read-only
	StateRemoved              // gone; all reads fail
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSealed:
		return "sealed"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Sentinel errors for buffer misuse. These are caller bugs, not resource
// conditions, so they sit outside the failure taxonomy.
var (
	ErrUnknownBuffer = errors.New("unknown buffer")
	ErrNotOwner      = errors.New("buffer not owned by caller")
	ErrNotOpen       = errors.New("buffer is not open")
	ErrNoBatch       = errors.New("no batch at position")
)

// Info describes a tuple buffer.
type Info struct {
	ID      ID
	Owner   string
	Schema  rows.Schema
	State   State
	Batches int
	Rows    int64
	Bytes   int64
}

type tupleBuffer struct {
	id     ID
	owner  string
	schema rows.Schema

	mu      sync.RWMutex
	state   State
	batches []*slot
	rows    int64
	bytes   int64
}

func (b *tupleBuffer) info() Info {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Info{
		ID:      b.id,
		Owner:   b.owner,
		Schema:  b.schema,
		State:   b.state,
		Batches: len(b.batches),
		Rows:    b.rows,
		Bytes:   b.bytes,
	}
}

// tier is where a batch's rows currently live.
type tier uint8

const (
	tierMemory   tier = iota // resident, in the LRU, charged to the ledger
	tierEvicting             // chosen as a victim; still resident and charged
	tierStorage              // only in secondary storage, not charged
)

// slotKey addresses a batch in the memory LRU.
type slotKey struct {
	buf ID
	pos int
}

// slot is one sealed batch of a tuple buffer.
type slot struct {
	key  slotKey
	size int64 // encoded size, the unit of accounting

	mu        sync.Mutex
	tier      tier
	data      *rows.Batch
	loc       spill.Location
	persisted bool // loc is valid
	pins      int
	removed   bool
}
