package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDGenerator hands out request ids "<prefix>-0001", "<prefix>-0002", ...
//
// Scenarios and golden traces use it in place of UUIDv7 so the same run
// produces byte-identical output.
//
// Thread-safety: safe for concurrent use.
type SequenceIDGenerator struct {
	prefix string

	mu  sync.Mutex
	seq int
}

// NewSequenceIDGenerator creates a generator. An empty prefix means "req".
func NewSequenceIDGenerator(prefix string) *SequenceIDGenerator {
	if prefix == "" {
		prefix = "req"
	}
	return &SequenceIDGenerator{prefix: prefix}
}

// Generate returns the next id.
func (g *SequenceIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("%s-%04d", g.prefix, g.seq)
}

// Reset restarts the sequence at 1.
func (g *SequenceIDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq = 0
}
