package queue

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent runs across sessions. Subagent runs take a slot
// from both the subagent pool and the global pool.
type Limiter struct {
	global *semaphore.Weighted
	sub    *semaphore.Weighted
}

// NewLimiter builds a limiter. Non-positive limits mean unbounded.
func NewLimiter(maxConcurrent, subagentMax int) *Limiter {
	l := &Limiter{}
	if maxConcurrent > 0 {
		l.global = semaphore.NewWeighted(int64(maxConcurrent))
	}
	if subagentMax > 0 {
		l.sub = semaphore.NewWeighted(int64(subagentMax))
	}
	return l
}

// Acquire blocks until a slot is free. The returned release must be called
// exactly once.
func (l *Limiter) Acquire(ctx context.Context, subagent bool) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	if subagent && l.sub != nil {
		if err := l.sub.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	if l.global != nil {
		if err := l.global.Acquire(ctx, 1); err != nil {
			if subagent && l.sub != nil {
				l.sub.Release(1)
			}
			return nil, err
		}
	}
	return func() {
		if l.global != nil {
			l.global.Release(1)
		}
		if subagent && l.sub != nil {
			l.sub.Release(1)
		}
	}, nil
}
