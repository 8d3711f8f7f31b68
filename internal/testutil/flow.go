package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDGenerator returns "<prefix>-1", "<prefix>-2", ...
//
// Replaces UUIDv7 mutation IDs so scenario traces and journal contents are
// byte-identical across runs.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequentialIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDGenerator creates a generator. An empty prefix becomes "mut".
func NewSequentialIDGenerator(prefix string) *SequentialIDGenerator {
	if prefix == "" {
		prefix = "mut"
	}
	return &SequentialIDGenerator{prefix: prefix}
}

// Generate returns the next ID.
//
// Implements optimistic.IDGenerator.
func (g *SequentialIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
