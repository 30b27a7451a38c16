package dispatch

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// platformLimiter bounds concurrent capability calls per platform.
type platformLimiter struct {
	mu       sync.Mutex
	defaults int64
	limits   map[types.PlatformID]int64
	sems     map[types.PlatformID]*semaphore.Weighted
}

func newPlatformLimiter(defaults int, limits map[types.PlatformID]int) *platformLimiter {
	if defaults <= 0 {
		defaults = 8
	}
	l := &platformLimiter{
		defaults: int64(defaults),
		limits:   make(map[types.PlatformID]int64, len(limits)),
		sems:     make(map[types.PlatformID]*semaphore.Weighted),
	}
	for id, n := range limits {
		if n > 0 {
			l.limits[id] = int64(n)
		}
	}
	return l
}

func (l *platformLimiter) get(id types.PlatformID) *semaphore.Weighted {
	l.mu.Lock()
	defer l.mu.Unlock()
	sem, ok := l.sems[id]
	if !ok {
		n, ok := l.limits[id]
		if !ok {
			n = l.defaults
		}
		sem = semaphore.NewWeighted(n)
		l.sems[id] = sem
	}
	return sem
}

// acquire blocks until a slot for id is free or ctx is done.
func (l *platformLimiter) acquire(ctx context.Context, id types.PlatformID) (func(), error) {
	sem := l.get(id)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
