package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates "<prefix>-0001", "<prefix>-0002", ...
//
// Deterministic ids keep golden snapshots byte-identical across runs.
//
// Thread-safety: SequentialIDs is safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix becomes "id".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SequentialIDs{prefix: prefix}
}

// NewID returns the next id.
func (g *SequentialIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

// Reset restarts the sequence at 1.
func (g *SequentialIDs) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}
