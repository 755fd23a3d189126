package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/switchyard/internal/backoff"
	"github.com/haasonsaas/switchyard/internal/filelock"
	"github.com/haasonsaas/switchyard/internal/queue"
	"github.com/haasonsaas/switchyard/internal/runtime"
	"github.com/haasonsaas/switchyard/internal/sessions"
)

const testKey = "agent:main:telegram:dm:42"

func newSessionStore(t *testing.T) *sessions.Store {
	t.Helper()
	return sessions.NewStore(filepath.Join(t.TempDir(), sessions.DefaultFilename),
		sessions.WithLockOptions(filelock.Options{
			Policy: backoff.Policy{Retries: 50, Initial: time.Millisecond, Max: 10 * time.Millisecond, Factor: 2, Jitter: 1},
		}))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// gatedRunner blocks every run until released and records prompts.
type gatedRunner struct {
	mu      sync.Mutex
	prompts []string
	gate    chan struct{}
	running atomic.Int32
	overlap atomic.Bool
	started chan string
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{gate: make(chan struct{}), started: make(chan string, 16)}
}

func (g *gatedRunner) run(ctx context.Context, job Job) (*Outcome, error) {
	if g.running.Add(1) > 1 {
		g.overlap.Store(true)
	}
	defer g.running.Add(-1)
	g.mu.Lock()
	g.prompts = append(g.prompts, job.Prompt)
	g.mu.Unlock()
	g.started <- job.Prompt
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &Outcome{
		Payloads: []string{"ok"},
		Provider: "ollama",
		Model:    "gpt-oss-20b",
		Usage:    runtime.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil
}

func (g *gatedRunner) seen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.prompts...)
}

func TestDecide(t *testing.T) {
	idle := Liveness{}
	busy := Liveness{Active: true}
	steerable := Liveness{Active: true, Streaming: true, CanSteer: true}

	tests := []struct {
		name string
		live Liveness
		mode queue.Mode
		want Action
	}{
		{"idle runs regardless of mode", idle, queue.ModeNone, ActionRun},
		{"interrupt", busy, queue.ModeInterrupt, ActionInterrupt},
		{"steer supported", steerable, queue.ModeSteer, ActionSteer},
		{"steer unsupported falls back to collect", busy, queue.ModeSteer, ActionCollect},
		{"steer-backlog supported", steerable, queue.ModeSteerBacklog, ActionSteerBacklog},
		{"steer-backlog unsupported enqueues", busy, queue.ModeSteerBacklog, ActionEnqueue},
		{"collect", busy, queue.ModeCollect, ActionCollect},
		{"followup", busy, queue.ModeFollowup, ActionEnqueue},
		{"queue", busy, queue.ModeQueue, ActionEnqueue},
		{"none", busy, queue.ModeNone, ActionDrop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.live, tt.mode); got != tt.want {
				t.Fatalf("Decide() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestIdleSessionRunsAndRecordsUsage(t *testing.T) {
	store := newSessionStore(t)
	runs := 0
	s := New(func(ctx context.Context, job Job) (*Outcome, error) {
		runs++
		return &Outcome{Provider: "anthropic", Model: "claude-sonnet-4-5", Usage: runtime.Usage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10, ContextTokens: 200000}}, nil
	}, store)
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		dec, err := s.Submit(ctx, Inbound{Key: testKey, Prompt: "hello"})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		if dec.Action != ActionRun || dec.Outcome == nil || dec.RunID == "" {
			t.Fatalf("decision = %+v", dec)
		}
	}
	if runs != 2 {
		t.Fatalf("runs = %d", runs)
	}
	entry, err := store.Get(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if entry.TotalTokens != 20 || entry.InputTokens != 7 || entry.ContextTokens != 200000 {
		t.Fatalf("usage not recorded: %+v", entry)
	}
	if entry.LastProvider != "anthropic" || entry.LastModel != "claude-sonnet-4-5" {
		t.Fatalf("last pair = %s/%s", entry.LastProvider, entry.LastModel)
	}
}

func TestCollectWhileBusyMergesAndDrains(t *testing.T) {
	g := newGatedRunner()
	s := New(g.run, newSessionStore(t))
	defer s.Close()
	ctx := context.Background()
	settings := queue.Settings{Mode: queue.ModeCollect, DebounceMs: 1, Cap: 5}

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, Inbound{Key: testKey, Prompt: "first", Settings: settings})
		done <- err
	}()
	<-g.started

	for _, p := range []string{"second", "third"} {
		dec, err := s.Submit(ctx, Inbound{Key: testKey, Prompt: p, Settings: settings})
		if err != nil {
			t.Fatal(err)
		}
		if dec.Action != ActionCollect || dec.Depth != 1 {
			t.Fatalf("decision = %+v", dec)
		}
	}
	if st := s.Status(testKey); !st.Active || st.Depth != 1 {
		t.Fatalf("status = %+v", st)
	}

	close(g.gate)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	waitFor(t, "merged follow-up", func() bool { return len(g.seen()) == 2 })
	merged := g.seen()[1]
	if !strings.Contains(merged, "second") || !strings.Contains(merged, "third") {
		t.Fatalf("merged prompt = %q", merged)
	}
	if g.overlap.Load() {
		t.Fatal("runs overlapped for one session")
	}
}

func TestFollowupsRunInOrderWithoutOverlap(t *testing.T) {
	g := newGatedRunner()
	s := New(g.run, newSessionStore(t))
	defer s.Close()
	ctx := context.Background()
	settings := queue.Settings{Mode: queue.ModeFollowup, DebounceMs: 1, Cap: 10}

	go func() { _, _ = s.Submit(ctx, Inbound{Key: testKey, Prompt: "p0", Settings: settings}) }()
	<-g.started
	for _, p := range []string{"p1", "p2", "p3"} {
		dec, _ := s.Submit(ctx, Inbound{Key: testKey, Prompt: p, Settings: settings})
		if dec.Action != ActionEnqueue {
			t.Fatalf("action = %q", dec.Action)
		}
	}
	close(g.gate)

	waitFor(t, "all follow-ups", func() bool { return len(g.seen()) == 4 })
	if got := strings.Join(g.seen(), ","); got != "p0,p1,p2,p3" {
		t.Fatalf("order = %s", got)
	}
	if g.overlap.Load() {
		t.Fatal("runs overlapped for one session")
	}
}

func TestInterruptAbortsAndRuns(t *testing.T) {
	store := newSessionStore(t)
	var calls atomic.Int32
	firstCanceled := make(chan struct{})
	started := make(chan struct{})
	s := New(func(ctx context.Context, job Job) (*Outcome, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			close(firstCanceled)
			return nil, ctx.Err()
		}
		return &Outcome{Payloads: []string{job.Prompt}}, nil
	}, store)
	defer s.Close()
	ctx := context.Background()
	settings := queue.Settings{Mode: queue.ModeInterrupt}

	go func() { _, _ = s.Submit(ctx, Inbound{Key: testKey, Prompt: "long", Settings: settings}) }()
	<-started

	dec, err := s.Submit(ctx, Inbound{Key: testKey, Prompt: "now", Settings: settings})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if dec.Action != ActionInterrupt || !dec.Aborted {
		t.Fatalf("decision = %+v", dec)
	}
	select {
	case <-firstCanceled:
	default:
		t.Fatal("first run was not canceled before the new one ran")
	}
	if dec.Outcome == nil || dec.Outcome.Payloads[0] != "now" {
		t.Fatalf("outcome = %+v", dec.Outcome)
	}
}

func TestInterruptClearsBacklogOnce(t *testing.T) {
	store := newSessionStore(t)
	ctx := context.Background()
	if _, _, err := store.Ensure(ctx, testKey, "telegram"); err != nil {
		t.Fatal(err)
	}
	var (
		mu   sync.Mutex
		seen []string
	)
	started := make(chan struct{})
	s := New(func(ctx context.Context, job Job) (*Outcome, error) {
		mu.Lock()
		seen = append(seen, job.Prompt)
		mu.Unlock()
		if job.Prompt == "long" {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &Outcome{Payloads: []string{job.Prompt}}, nil
	}, store)
	defer s.Close()

	followup := queue.Settings{Mode: queue.ModeFollowup, DebounceMs: 1}
	go func() { _, _ = s.Submit(ctx, Inbound{Key: testKey, Prompt: "long", Settings: followup}) }()
	<-started
	s.Submit(ctx, Inbound{Key: testKey, Prompt: "b", Settings: followup})
	s.Submit(ctx, Inbound{Key: testKey, Prompt: "c", Settings: followup})

	dec, err := s.Submit(ctx, Inbound{Key: testKey, Prompt: "now", Settings: queue.Settings{Mode: queue.ModeInterrupt}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if dec.Action != ActionInterrupt || !dec.Aborted || dec.Cleared != 2 {
		t.Fatalf("decision = %+v", dec)
	}
	if dec.Outcome == nil || dec.Outcome.Payloads[0] != "now" {
		t.Fatalf("outcome = %+v", dec.Outcome)
	}

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	got := strings.Join(seen, ",")
	mu.Unlock()
	if got != "long,now" {
		t.Fatalf("runs = %s, want long,now", got)
	}
	if depth := s.Queue().Depth(testKey); depth != 0 {
		t.Fatalf("depth = %d", depth)
	}
}

type fakeSteerer struct {
	mu     sync.Mutex
	got    []string
	reject bool
}

func (f *fakeSteerer) Steer(ctx context.Context, key, runID, prompt string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return errors.New("closed")
	}
	f.got = append(f.got, prompt)
	return nil
}

func TestSteer(t *testing.T) {
	steerer := &fakeSteerer{}
	streaming := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s := New(func(ctx context.Context, job Job) (*Outcome, error) {
		job.SetStreaming(true)
		once.Do(func() { close(streaming) })
		<-release
		return &Outcome{}, nil
	}, nil, WithSteerer(steerer))
	defer s.Close()
	ctx := context.Background()
	settings := queue.Settings{Mode: queue.ModeSteer, DebounceMs: 1}

	go func() { _, _ = s.Submit(ctx, Inbound{Key: testKey, Prompt: "start", Settings: settings}) }()
	<-streaming

	dec, err := s.Submit(ctx, Inbound{Key: testKey, Prompt: "also this", Settings: settings})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Action != ActionSteer || !dec.Steered || dec.Depth != 0 {
		t.Fatalf("decision = %+v", dec)
	}

	steerer.mu.Lock()
	steerer.reject = true
	steerer.mu.Unlock()
	dec, _ = s.Submit(ctx, Inbound{Key: testKey, Prompt: "late", Settings: settings})
	if dec.Action != ActionCollect || dec.Depth != 1 {
		t.Fatalf("rejected steer should collect, got %+v", dec)
	}
	close(release)
}

func TestSteerWithoutCapabilityCollects(t *testing.T) {
	g := newGatedRunner()
	s := New(g.run, nil)
	defer s.Close()
	defer close(g.gate)
	ctx := context.Background()
	settings := queue.Settings{Mode: queue.ModeSteer, DebounceMs: 1000}

	go func() { _, _ = s.Submit(ctx, Inbound{Key: testKey, Prompt: "a", Settings: settings}) }()
	<-g.started
	dec, _ := s.Submit(ctx, Inbound{Key: testKey, Prompt: "b", Settings: settings})
	if dec.Action != ActionCollect {
		t.Fatalf("action = %q, want collect", dec.Action)
	}
}

func TestModeNoneDropsWhileBusy(t *testing.T) {
	g := newGatedRunner()
	s := New(g.run, nil)
	defer s.Close()
	defer close(g.gate)
	ctx := context.Background()

	go func() { _, _ = s.Submit(ctx, Inbound{Key: testKey, Prompt: "a", Settings: queue.Settings{Mode: queue.ModeNone}}) }()
	<-g.started
	dec, _ := s.Submit(ctx, Inbound{Key: testKey, Prompt: "b", Settings: queue.Settings{Mode: queue.ModeNone}})
	if dec.Action != ActionDrop || !dec.Dropped || s.Queue().Depth(testKey) != 0 {
		t.Fatalf("decision = %+v", dec)
	}
}

func TestStopAbortsAndClearsQueue(t *testing.T) {
	store := newSessionStore(t)
	ctx := context.Background()
	if _, _, err := store.Ensure(ctx, testKey, "telegram"); err != nil {
		t.Fatal(err)
	}
	g := newGatedRunner()
	s := New(g.run, store)
	defer s.Close()
	settings := queue.Settings{Mode: queue.ModeFollowup, DebounceMs: 1}

	done := make(chan error, 1)
	go func() {
		_, err := s.Submit(ctx, Inbound{Key: testKey, Prompt: "a", Settings: settings})
		done <- err
	}()
	<-g.started
	s.Submit(ctx, Inbound{Key: testKey, Prompt: "b", Settings: settings})
	s.Submit(ctx, Inbound{Key: testKey, Prompt: "c", Settings: settings})

	res := s.Stop(ctx, testKey)
	if !res.Aborted || res.Cleared != 2 {
		t.Fatalf("Stop() = %+v", res)
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("aborted run error = %v", err)
	}
	entry, err := store.Get(ctx, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if !entry.AbortedLastRun {
		t.Fatal("abortedLastRun not recorded")
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(g.seen()); n != 1 {
		t.Fatalf("queued runs resumed after stop: %v", g.seen())
	}

	if again := s.Stop(ctx, testKey); again.Aborted || again.Cleared != 0 {
		t.Fatalf("stopping an idle session = %+v", again)
	}
}

func TestLimiterBoundsAcrossSessions(t *testing.T) {
	var (
		running atomic.Int32
		peak    atomic.Int32
	)
	s := New(func(ctx context.Context, job Job) (*Outcome, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		return &Outcome{}, nil
	}, nil, WithLimiter(queue.NewLimiter(2, 1)))
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := "agent:main:s" + string(rune('a'+i))
			if _, err := s.Submit(context.Background(), Inbound{Key: key, Prompt: "x"}); err != nil {
				t.Errorf("Submit() error = %v", err)
			}
		}(i)
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds limit", peak.Load())
	}
}
