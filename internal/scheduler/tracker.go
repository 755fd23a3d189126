package scheduler

import (
	"context"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type activeRun struct {
	id        string
	cancel    context.CancelFunc
	started   time.Time
	streaming bool
	done      chan struct{}
}

// RunInfo describes an in-flight run.
type RunInfo struct {
	RunID     string    `json:"runId"`
	StartedAt time.Time `json:"startedAt"`
	Streaming bool      `json:"streaming"`
}

// Tracker records at most one active run per session key.
type Tracker struct {
	mu   sync.Mutex
	runs map[string]*activeRun
	now  func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[string]*activeRun), now: time.Now}
}

func newRunID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		return "run-" + time.Now().Format("150405.000000")
	}
	return id
}

// Begin registers a run for key. It fails when key already has one.
func (t *Tracker) Begin(key string, cancel context.CancelFunc) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.runs[key]; busy {
		return "", false
	}
	id := newRunID()
	t.runs[key] = &activeRun{id: id, cancel: cancel, started: t.now(), done: make(chan struct{})}
	return id, true
}

// Finish releases key if runID still owns it.
func (t *Tracker) Finish(key, runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[key]; ok && run.id == runID {
		delete(t.runs, key)
		close(run.done)
	}
}

// SetStreaming flags whether the run is currently streaming output.
func (t *Tracker) SetStreaming(key, runID string, streaming bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[key]; ok && run.id == runID {
		run.streaming = streaming
	}
}

// Abort cancels key's active run and returns a channel closed when the run
// has finished. It reports false when nothing was running.
func (t *Tracker) Abort(key string) (<-chan struct{}, bool) {
	t.mu.Lock()
	run, ok := t.runs[key]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	if run.cancel != nil {
		run.cancel()
	}
	return run.done, true
}

// Liveness reports key's run state.
func (t *Tracker) Liveness(key string) Liveness {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[key]
	if !ok {
		return Liveness{}
	}
	return Liveness{Active: true, Streaming: run.streaming}
}

// Info returns the active run for key, if any.
func (t *Tracker) Info(key string) (RunInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[key]
	if !ok {
		return RunInfo{}, false
	}
	return RunInfo{RunID: run.id, StartedAt: run.started, Streaming: run.streaming}, true
}

// Len returns the number of active runs.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.runs)
}
