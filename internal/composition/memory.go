package composition

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/roach88/bluelines/internal/model"
	"github.com/roach88/bluelines/internal/reconcile"
)

// Memory is an in-process composition system.
//
// Pushes are stored as the pair's external record with a new revision
// "rev-N". Failures and latency can be scripted per call.
//
// Thread-safety: Memory is safe for concurrent use via internal mutex.
type Memory struct {
	mu       sync.Mutex
	records  map[model.PairKey]*model.ExternalSnapshot
	pushes   []reconcile.Payload
	pulls    []model.PairKey
	failures []error
	delay    time.Duration
	seq      int
	seen     map[string]string // idempotency key -> revision
}

// NewMemory creates an empty Memory.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[model.PairKey]*model.ExternalSnapshot),
		seen:    make(map[string]string),
	}
}

// Seed stores an external record as if another system wrote it.
func (m *Memory) Seed(snap model.ExternalSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := snap
	s.Fields = snap.Fields.Clone()
	m.records[snap.Pair] = &s
}

// FailNext makes the next calls fail with errs, one per call, in order.
func (m *Memory) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

// SetDelay makes every call wait d (or until its context ends).
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Pushes returns the payloads received so far.
func (m *Memory) Pushes() []reconcile.Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pushes)
}

// Pulls returns the pairs pulled so far.
func (m *Memory) Pulls() []model.PairKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.pulls)
}

// Record returns the stored external record of pair.
func (m *Memory) Record(pair model.PairKey) (*model.ExternalSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[pair]
	if !ok {
		return nil, false
	}
	out := *r
	out.Fields = r.Fields.Clone()
	return &out, true
}

// Push implements reconcile.Client.
func (m *Memory) Push(ctx context.Context, p reconcile.Payload) (reconcile.PushResult, error) {
	if err := m.begin(ctx, func() { m.pushes = append(m.pushes, p) }); err != nil {
		return reconcile.PushResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rev, ok := m.seen[p.IdempotencyKey]; ok && p.IdempotencyKey != "" {
		return reconcile.PushResult{Revision: rev}, nil
	}
	m.seq++
	rev := fmt.Sprintf("rev-%d", m.seq)
	m.records[p.Pair] = &model.ExternalSnapshot{
		Pair:     p.Pair,
		Revision: rev,
		Fields:   maps.Clone(p.Fields),
	}
	m.seen[p.IdempotencyKey] = rev
	return reconcile.PushResult{Revision: rev}, nil
}

// Pull implements reconcile.Client.
func (m *Memory) Pull(ctx context.Context, pair model.PairKey) (*model.ExternalSnapshot, error) {
	if err := m.begin(ctx, func() { m.pulls = append(m.pulls, pair) }); err != nil {
		return nil, err
	}
	snap, ok := m.Record(pair)
	if !ok {
		return nil, fmt.Errorf("pull %s: %w: no external record", pair, reconcile.ErrRejected)
	}
	return snap, nil
}

// begin logs the call, then applies the scripted delay and failure.
func (m *Memory) begin(ctx context.Context, logCall func()) error {
	m.mu.Lock()
	logCall()
	delay := m.delay
	var fail error
	if len(m.failures) > 0 {
		fail = m.failures[0]
		m.failures = m.failures[1:]
	}
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fail
}

var _ reconcile.Client = (*Memory)(nil)
