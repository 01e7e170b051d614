package localdb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.blockvault.dev/core/metrics"
	"golang.org/x/sync/semaphore"
)

// rwLock is a reader-writer lock whose holds are carried by a Context.
// A successful acquisition returns a Context derived from the caller's,
// and further acquisitions made with that Context re-enter the held lock
// rather than blocking upon it:
//
//   - A read or write request under a write hold re-enters.
//   - A read request under a read hold re-enters.
//   - A write request under a read hold fails with ErrLockUpgrade.
//
// Waits are FIFO: a waiting writer blocks readers which arrive after it.
type rwLock struct {
	sem *semaphore.Weighted
}

// maxReaders bounds the number of concurrent read holds. A write hold
// acquires all of them.
const maxReaders = 1 << 30

type lockHold struct {
	write    bool
	released atomic.Bool
}

func newRWLock() *rwLock { return &rwLock{sem: semaphore.NewWeighted(maxReaders)} }

// held returns the live hold of |l| carried by |ctx|, or nil.
func (l *rwLock) held(ctx context.Context) *lockHold {
	if h, ok := ctx.Value(l).(*lockHold); ok && !h.released.Load() {
		return h
	}
	return nil
}

// Lock acquires |l| for writing. The returned release func is safe to call
// more than once.
func (l *rwLock) Lock(ctx context.Context) (context.Context, func(), error) {
	if h := l.held(ctx); h != nil && h.write {
		return ctx, func() {}, nil
	} else if h != nil {
		return ctx, nil, ErrLockUpgrade
	}
	return l.acquire(ctx, maxReaders, true)
}

// RLock acquires |l| for reading. The returned release func is safe to call
// more than once.
func (l *rwLock) RLock(ctx context.Context) (context.Context, func(), error) {
	if l.held(ctx) != nil {
		return ctx, func() {}, nil
	}
	return l.acquire(ctx, 1, false)
}

func (l *rwLock) acquire(ctx context.Context, n int64, write bool) (context.Context, func(), error) {
	var mode = metrics.Read
	if write {
		mode = metrics.Write
	}

	var started = time.Now()
	if err := l.sem.Acquire(ctx, n); err != nil {
		return ctx, nil, errors.WithMessagef(err, "acquiring %s lock", mode)
	}
	metrics.LockWaitSeconds.WithLabelValues(mode).Observe(time.Since(started).Seconds())

	var hold = &lockHold{write: write}
	var once sync.Once

	return context.WithValue(ctx, l, hold), func() {
		once.Do(func() {
			hold.released.Store(true)
			l.sem.Release(n)
		})
	}, nil
}
