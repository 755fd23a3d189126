// Package debounce provides per-key debounced timers.
package debounce

import (
	"sync"
	"time"
)

// ResolveDuration resolves the effective debounce delay using the priority
// override > byChannel > base. Negative values are ignored at each level.
func ResolveDuration(baseMs int, byChannel map[string]int, channel string, override *int) time.Duration {
	if override != nil && *override >= 0 {
		return time.Duration(*override) * time.Millisecond
	}
	if ms, ok := byChannel[channel]; ok && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if baseMs >= 0 {
		return time.Duration(baseMs) * time.Millisecond
	}
	return 0
}

type timerEntry struct {
	timer *time.Timer
	gen   uint64
}

// Timers holds at most one pending callback per key. Scheduling a key that
// already has a timer replaces it, so bursts collapse to one call.
type Timers struct {
	mu      sync.Mutex
	timers  map[string]*timerEntry
	gen     uint64
	stopped bool
}

// NewTimers creates an empty timer set.
func NewTimers() *Timers {
	return &Timers{timers: make(map[string]*timerEntry)}
}

// Schedule arms fn for key after d, replacing any pending timer for key.
// A zero or negative delay still runs fn asynchronously.
func (t *Timers) Schedule(key string, d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if existing, ok := t.timers[key]; ok {
		existing.timer.Stop()
	}
	if d < 0 {
		d = 0
	}
	t.gen++
	entry := &timerEntry{gen: t.gen}
	gen := t.gen
	entry.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		current, ok := t.timers[key]
		if !ok || current.gen != gen || t.stopped {
			t.mu.Unlock()
			return
		}
		delete(t.timers, key)
		t.mu.Unlock()
		fn()
	})
	t.timers[key] = entry
}

// Cancel stops the pending timer for key. It reports whether one existed.
func (t *Timers) Cancel(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[key]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(t.timers, key)
	return true
}

// Pending reports whether key has an armed timer.
func (t *Timers) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[key]
	return ok
}

// Len returns the number of armed timers.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop cancels every timer and rejects further scheduling.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for key, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, key)
	}
}
