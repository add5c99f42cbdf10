package keylock

import (
	"context"
	"time"

	"github.com/ariefcatur/go-live-orders.git/internal/apperr"
	cmap "github.com/orcaman/concurrent-map/v2"
	"golang.org/x/sync/semaphore"
)

type slot struct {
	sem  *semaphore.Weighted
	refs int // guarded by the cmap shard lock
}

// Locker serializes work per key. Different keys never block each other and
// waiting is bounded: a caller that cannot get the key before the wait
// expires gets apperr.ErrConcurrencyConflict.
type Locker struct {
	slots cmap.ConcurrentMap[string, *slot]
	wait  time.Duration
}

func New(wait time.Duration) *Locker {
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &Locker{slots: cmap.New[*slot](), wait: wait}
}

// Lock returns the unlock func for key. The unlock func must be called
// exactly once.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	s := l.slots.Upsert(key, nil, func(exist bool, cur *slot, _ *slot) *slot {
		if !exist {
			cur = &slot{sem: semaphore.NewWeighted(1)}
		}
		cur.refs++
		return cur
	})

	wctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	if err := s.sem.Acquire(wctx, 1); err != nil {
		l.drop(key)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Conflict("lock wait timeout for %s", key)
	}
	return func() {
		s.sem.Release(1)
		l.drop(key)
	}, nil
}

func (l *Locker) drop(key string) {
	l.slots.RemoveCb(key, func(_ string, s *slot, exists bool) bool {
		if !exists {
			return false
		}
		s.refs--
		return s.refs == 0
	})
}

// Held reports how many keys currently have holders or waiters.
func (l *Locker) Held() int { return l.slots.Count() }
