package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/switchyard/internal/debounce"
)

// ErrBusy is returned by an Executor that could not start because the
// session already has a run in flight. The item goes back to the head of the
// lane and draining pauses until the next ScheduleDrain.
var ErrBusy = errors.New("session busy")

// Executor runs one drained follow-up.
type Executor func(ctx context.Context, run FollowupRun) error

// Observer receives queue activity.
type Observer interface {
	QueueEnqueued(mode Mode, result EnqueueResult)
	QueueDepth(key string, depth int)
}

// EnqueueResult reports what happened to one Enqueue call.
type EnqueueResult struct {
	Depth      int  `json:"depth"`
	Dropped    bool `json:"dropped,omitempty"`
	Evicted    int  `json:"evicted,omitempty"`
	Summarized bool `json:"summarized,omitempty"`
	Merged     bool `json:"merged,omitempty"`
}

type lane struct {
	items    []FollowupRun
	settings Settings
	gen      uint64
	draining bool
	// wake is set when a drain was requested while one was running.
	wake bool
}

// Queue holds follow-up runs per session key.
type Queue struct {
	mu       sync.Mutex
	lanes    map[string]*lane
	timers   *debounce.Timers
	exec     Executor
	limiter  *Limiter
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Queue.
type Option func(*Queue)

// WithLimiter bounds concurrent drains across sessions.
func WithLimiter(l *Limiter) Option {
	return func(q *Queue) { q.limiter = l }
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(q *Queue) { q.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock injects the time source used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue that hands drained runs to exec.
func New(exec Executor, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		lanes:  make(map[string]*lane),
		timers: debounce.NewTimers(),
		exec:   exec,
		logger: slog.Default(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "followup-queue")
	return q
}

// SetExecutor replaces the executor. It exists so the scheduler and the
// queue can reference each other.
func (q *Queue) SetExecutor(exec Executor) {
	q.mu.Lock()
	q.exec = exec
	q.mu.Unlock()
}

// Enqueue adds run to key's lane per settings. Collect mode folds into the
// pending entry. A full lane applies the drop policy; depth never exceeds
// the cap.
func (q *Queue) Enqueue(key string, run FollowupRun, settings Settings, reason string) EnqueueResult {
	settings = settings.WithDefaults()
	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = q.now()
	}
	if reason != "" {
		run.Reason = reason
	}

	q.mu.Lock()
	l := q.laneLocked(key)
	l.settings = settings
	var res EnqueueResult

	switch {
	case settings.Mode == ModeCollect && len(l.items) > 0:
		last := len(l.items) - 1
		l.items[last] = mergeCollected(l.items[last], run)
		res.Merged = true
	case len(l.items) >= settings.Cap:
		switch settings.DropPolicy {
		case DropNew:
			res.Dropped = true
		case DropOld:
			evict := len(l.items) - settings.Cap + 1
			l.items = append(l.items[:0:0], l.items[evict:]...)
			l.items = append(l.items, run)
			res.Evicted = evict
		default:
			res.Evicted = len(l.items)
			l.items = []FollowupRun{summarize(l.items, run)}
			res.Summarized = true
		}
	default:
		l.items = append(l.items, run)
	}
	res.Depth = len(l.items)
	q.mu.Unlock()

	if res.Dropped {
		q.logger.Warn("follow-up dropped", "session", key, "cap", settings.Cap)
	} else if res.Evicted > 0 {
		q.logger.Info("follow-up queue overflow", "session", key, "policy", settings.DropPolicy, "evicted", res.Evicted)
	}
	if q.observer != nil {
		q.observer.QueueEnqueued(settings.Mode, res)
		q.observer.QueueDepth(key, res.Depth)
	}
	return res
}

// ScheduleDrain arms the debounced drain for key. Re-arming replaces the
// pending timer, so a burst of enqueues drains once.
func (q *Queue) ScheduleDrain(key string) {
	q.mu.Lock()
	l, ok := q.lanes[key]
	if !ok || len(l.items) == 0 {
		q.mu.Unlock()
		return
	}
	delay := l.settings.Debounce()
	q.mu.Unlock()

	q.timers.Schedule(key, delay, func() { q.startDrain(key) })
}

// Depth returns the number of queued entries for key.
func (q *Queue) Depth(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l, ok := q.lanes[key]; ok {
		return len(l.items)
	}
	return 0
}

// Pending returns a copy of key's queued entries.
func (q *Queue) Pending(key string) []FollowupRun {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	if !ok {
		return nil
	}
	return append([]FollowupRun(nil), l.items...)
}

// Drain clears key's lane, cancels its timer and stops any drain in
// progress after the current item. It returns the number of entries removed.
func (q *Queue) Drain(key string) int {
	q.timers.Cancel(key)
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[key]
	if !ok {
		return 0
	}
	n := len(l.items)
	l.items = nil
	l.gen++
	if !l.draining {
		delete(q.lanes, key)
	}
	if q.observer != nil {
		q.observer.QueueDepth(key, 0)
	}
	return n
}

// Close stops timers, cancels in-flight drains and waits for them.
func (q *Queue) Close() {
	q.timers.Stop()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) laneLocked(key string) *lane {
	l, ok := q.lanes[key]
	if !ok {
		l = &lane{}
		q.lanes[key] = l
	}
	return l
}

func (q *Queue) startDrain(key string) {
	q.mu.Lock()
	l, ok := q.lanes[key]
	if ok && l.draining {
		l.wake = true
	}
	if !ok || l.draining || len(l.items) == 0 || q.ctx.Err() != nil {
		q.mu.Unlock()
		return
	}
	l.draining = true
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		q.drainLoop(key, l)
	}()
}

// drainLoop pops and runs entries one at a time until the lane is empty,
// the lane generation moves, or the executor reports the session busy.
// Every exit clears draining under the same lock that decided to stop, so a
// concurrent ScheduleDrain either sees the new item picked up here or starts
// a fresh loop.
func (q *Queue) drainLoop(key string, l *lane) {
	for {
		q.mu.Lock()
		if len(l.items) == 0 || q.ctx.Err() != nil {
			q.stopDrainLocked(key, l)
			q.mu.Unlock()
			return
		}
		l.wake = false
		item := l.items[0]
		l.items = l.items[1:]
		gen := l.gen
		exec := q.exec
		depth := len(l.items)
		q.mu.Unlock()

		if q.observer != nil {
			q.observer.QueueDepth(key, depth)
		}
		if exec == nil {
			q.logger.Error("follow-up queue has no executor", "session", key)
			q.stop(key, l, gen, item)
			return
		}

		release, err := q.limiter.Acquire(q.ctx, item.Run.IsSubagent)
		if err != nil {
			q.stop(key, l, gen, item)
			return
		}
		err = exec(q.ctx, item)
		release()

		if errors.Is(err, ErrBusy) {
			q.stop(key, l, gen, item)
			return
		}
		if err != nil {
			q.logger.Warn("follow-up run failed", "session", key, "reason", item.Reason, "error", err)
		}

		q.mu.Lock()
		if l.gen != gen {
			rearm := q.stopDrainLocked(key, l)
			q.mu.Unlock()
			if rearm {
				q.ScheduleDrain(key)
			}
			return
		}
		q.mu.Unlock()
	}
}

// stopDrainLocked ends a drain loop. It reports whether a drain was
// requested while this one ran and work remains.
func (q *Queue) stopDrainLocked(key string, l *lane) bool {
	l.draining = false
	rearm := l.wake && len(l.items) > 0
	l.wake = false
	if len(l.items) == 0 && q.lanes[key] == l {
		delete(q.lanes, key)
	}
	return rearm
}

// stop puts item back at the head, unless the lane was drained meanwhile,
// and ends the loop.
func (q *Queue) stop(key string, l *lane, gen uint64, item FollowupRun) {
	q.mu.Lock()
	if l.gen == gen {
		l.items = append([]FollowupRun{item}, l.items...)
	}
	rearm := q.stopDrainLocked(key, l)
	q.mu.Unlock()
	if rearm && q.ctx.Err() == nil {
		q.ScheduleDrain(key)
	}
}
