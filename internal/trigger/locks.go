package trigger

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/bluelines/internal/model"
)

// ErrSuperseded is the cancellation cause of a sync cut short by a newer
// trigger for the same pair.
var ErrSuperseded = errors.New("superseded by a newer trigger")

// pairLock serializes runs of one pair.
type pairLock struct {
	mu sync.Mutex

	// Guarded by pairLocks.mu.
	refs    int
	waiting int
	cancel  context.CancelCauseFunc
}

// pairLocks is a keyed mutex. Entries are reference counted and removed
// when the last holder releases, so the map only holds active pairs.
type pairLocks struct {
	mu    sync.Mutex
	locks map[model.PairKey]*pairLock
}

func newPairLocks() *pairLocks {
	return &pairLocks{locks: make(map[model.PairKey]*pairLock)}
}

// acquire blocks until the caller owns pair, cancelling the sync of the
// current owner if one is running. The returned release must be called
// exactly once.
func (l *pairLocks) acquire(ctx context.Context, pair model.PairKey) (*pairLock, func(), error) {
	l.mu.Lock()
	pl, ok := l.locks[pair]
	if !ok {
		pl = &pairLock{}
		l.locks[pair] = pl
	}
	pl.refs++
	pl.waiting++
	if pl.cancel != nil {
		pl.cancel(ErrSuperseded)
	}
	l.mu.Unlock()

	acquired := make(chan struct{})
	go func() {
		pl.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-ctx.Done():
		// The lock goroutine still takes the mutex; hand it straight back.
		go func() {
			<-acquired
			pl.mu.Unlock()
			l.drop(pair, pl)
		}()
		l.mu.Lock()
		pl.waiting--
		l.mu.Unlock()
		return nil, nil, ctx.Err()
	}

	l.mu.Lock()
	pl.waiting--
	l.mu.Unlock()

	release := func() {
		l.mu.Lock()
		pl.cancel = nil
		l.mu.Unlock()
		pl.mu.Unlock()
		l.drop(pair, pl)
	}
	return pl, release, nil
}

func (l *pairLocks) drop(pair model.PairKey, pl *pairLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl.refs--
	if pl.refs == 0 {
		delete(l.locks, pair)
	}
}

// syncContext derives the context of the owner's sync. It is cancelled with
// ErrSuperseded when a newer trigger for the pair arrives, immediately if one
// is already waiting.
func (l *pairLocks) syncContext(ctx context.Context, pl *pairLock) (context.Context, context.CancelFunc) {
	syncCtx, cancel := context.WithCancelCause(ctx)

	l.mu.Lock()
	pl.cancel = cancel
	if pl.waiting > 0 {
		cancel(ErrSuperseded)
	}
	l.mu.Unlock()

	return syncCtx, func() {
		l.mu.Lock()
		pl.cancel = nil
		l.mu.Unlock()
		cancel(context.Canceled)
	}
}

// size returns the number of pairs with holders or waiters.
func (l *pairLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
