package gateway

import (
	"context"
	"errors"
	"sync"
)

// errRunClosed is returned when steering targets a run that has stopped
// taking input. The scheduler then queues the message instead.
var errRunClosed = errors.New("run no longer accepts input")

// runInbox holds input steered into live runs, keyed by run id. A run takes
// its pending input after each runtime call and continues with it in the
// same run; once it finds nothing pending the inbox closes atomically, so a
// steered message is either consumed by the run or rejected, never lost.
type runInbox struct {
	mu   sync.Mutex
	runs map[string]*pendingInput
}

type pendingInput struct {
	key     string
	prompts []string
	closed  bool
}

func newRunInbox() *runInbox {
	return &runInbox{runs: make(map[string]*pendingInput)}
}

func (b *runInbox) open(key, runID string) {
	b.mu.Lock()
	b.runs[runID] = &pendingInput{key: key}
	b.mu.Unlock()
}

// Steer appends prompt to the run's pending input.
func (b *runInbox) Steer(ctx context.Context, key, runID, prompt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.runs[runID]
	if !ok || in.closed || in.key != key {
		return errRunClosed
	}
	in.prompts = append(in.prompts, prompt)
	return nil
}

// next returns the pending input, or closes the inbox when there is none.
func (b *runInbox) next(runID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.runs[runID]
	if !ok {
		return nil
	}
	if len(in.prompts) == 0 {
		in.closed = true
		return nil
	}
	out := in.prompts
	in.prompts = nil
	return out
}

// close ends the run's inbox and returns input that was never consumed.
func (b *runInbox) close(runID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	in, ok := b.runs[runID]
	if !ok {
		return nil
	}
	delete(b.runs, runID)
	return in.prompts
}
