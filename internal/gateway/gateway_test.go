package gateway

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/switchyard/internal/auth"
	"github.com/haasonsaas/switchyard/internal/config"
	"github.com/haasonsaas/switchyard/internal/events"
	"github.com/haasonsaas/switchyard/internal/gwerrors"
	"github.com/haasonsaas/switchyard/internal/runtime"
	"github.com/haasonsaas/switchyard/internal/scheduler"
	"github.com/haasonsaas/switchyard/internal/sessions"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeRuntime records every request and answers through reply.
type fakeRuntime struct {
	mu    sync.Mutex
	calls []runtime.Request
	reply func(req runtime.Request) (*runtime.Result, error)
}

func (f *fakeRuntime) Run(_ context.Context, req runtime.Request) (*runtime.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	reply := f.reply
	f.mu.Unlock()
	if reply != nil {
		return reply(req)
	}
	return &runtime.Result{
		Payloads: []string{"ok from " + req.Provider},
		Usage:    runtime.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (f *fakeRuntime) Calls() []runtime.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Request(nil), f.calls...)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Models.Default = "anthropic/claude-sonnet-4-5"
	cfg.Models.Fallbacks = []string{"openai/gpt-4o"}
	cfg.Models.LocalProviders = []string{"ollama"}
	cfg.Models.Catalog = []config.ModelEntryConfig{
		{Provider: "anthropic", ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Aliases: []string{"sonnet"}},
		{Provider: "anthropic", ID: "claude-opus-4-1", Aliases: []string{"opus"}},
		{Provider: "openai", ID: "gpt-4o"},
		{Provider: "ollama", ID: "gpt-oss-20b"},
	}
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, rt *fakeRuntime, opts ...Option) (*Server, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := runtime.NewRegistry()
	for _, p := range []string{"anthropic", "openai", "ollama"} {
		reg.Register(p, rt)
	}
	opts = append([]Option{WithRunners(reg), WithClock(clock.Now), WithVersion("test")}, opts...)
	srv, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = srv.Close(context.Background()) })

	ctx := context.Background()
	for id, cred := range map[string]auth.Credential{
		"anthropic:default": {Type: auth.CredentialAPIKey, Provider: "anthropic", Key: "sk-ant-test"},
		"openai:default":    {Type: auth.CredentialAPIKey, Provider: "openai", Key: "sk-openai-test"},
	} {
		if err := srv.Credentials().AddProfile(ctx, id, cred); err != nil {
			t.Fatalf("AddProfile(%s) error = %v", id, err)
		}
	}
	return srv, clock
}

func TestAgentRunsAndRecordsUsage(t *testing.T) {
	rt := &fakeRuntime{}
	srv, _ := newTestServer(t, testConfig(t), rt)
	ctx := context.Background()

	resp, err := srv.Agent(ctx, AgentRequest{SessionKey: "main", Message: "hello", Channel: "cli"})
	if err != nil {
		t.Fatalf("Agent() error = %v", err)
	}
	if resp.SessionKey != "agent:main:main" || resp.SessionID == "" {
		t.Fatalf("session = %q / %q", resp.SessionKey, resp.SessionID)
	}
	if len(resp.Payloads) != 1 || resp.Payloads[0] != "ok from anthropic" {
		t.Fatalf("payloads = %v", resp.Payloads)
	}
	if resp.AuthProfile != "anthropic:default" || resp.RunID == "" {
		t.Fatalf("run metadata = %+v", resp)
	}

	calls := rt.Calls()
	if len(calls) != 1 || calls[0].APIKey != "sk-ant-test" || calls[0].Model != "claude-sonnet-4-5" {
		t.Fatalf("runtime calls = %+v", calls)
	}

	view, err := srv.GetSession(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	e := view.Entry
	if e.TotalTokens != 15 || e.InputTokens != 10 || e.LastProvider != "anthropic" || e.AbortedLastRun {
		t.Fatalf("usage not recorded: %+v", e)
	}
	if e.AuthProfileOverride != "anthropic:default" || e.AuthProfileOverrideSource != sessions.OverrideAuto {
		t.Fatalf("profile not pinned: %+v", e)
	}
	if view.Model != "anthropic/claude-sonnet-4-5" || view.Run.Active {
		t.Fatalf("view = %+v", view)
	}
}

func TestAgentFallsBackAndCoolsDownProfile(t *testing.T) {
	rt := &fakeRuntime{reply: func(req runtime.Request) (*runtime.Result, error) {
		if req.Provider == "anthropic" {
			return nil, &gwerrors.ProviderError{Provider: req.Provider, Model: req.Model, Reason: gwerrors.ReasonRateLimit, Status: 429, Message: "slow down"}
		}
		return &runtime.Result{Payloads: []string{"fallback"}}, nil
	}}
	srv, clock := newTestServer(t, testConfig(t), rt)
	ctx := context.Background()

	resp, err := srv.Agent(ctx, AgentRequest{SessionKey: "main", Message: "hello"})
	if err != nil {
		t.Fatalf("Agent() error = %v", err)
	}
	if resp.Provider != "openai" || resp.Model != "gpt-4o" || len(resp.Attempts) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	usable, err := srv.Credentials().IsUsable(ctx, "anthropic:default", clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if usable {
		t.Fatal("rate-limited profile should be cooling down")
	}
}

func TestAgentFailureWhenEveryCandidateFails(t *testing.T) {
	rt := &fakeRuntime{reply: func(req runtime.Request) (*runtime.Result, error) {
		return nil, &gwerrors.ProviderError{Provider: req.Provider, Reason: gwerrors.ReasonOverloaded, Status: 529}
	}}
	srv, _ := newTestServer(t, testConfig(t), rt)

	_, err := srv.Agent(context.Background(), AgentRequest{SessionKey: "main", Message: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	if gwerrors.CodeOf(err) != gwerrors.CodeProvider {
		t.Fatalf("code = %s, err = %v", gwerrors.CodeOf(err), err)
	}
}

func TestDirectiveOnlyMessageSwitchesModelWithoutRunning(t *testing.T) {
	rt := &fakeRuntime{}
	srv, _ := newTestServer(t, testConfig(t), rt)
	ctx := context.Background()

	resp, err := srv.Agent(ctx, AgentRequest{SessionKey: "main", Message: "/model ollama/gpt-oss-20b"})
	if err != nil {
		t.Fatalf("Agent() error = %v", err)
	}
	if len(rt.Calls()) != 0 || resp.Decision != nil {
		t.Fatalf("directive-only message ran: %+v", resp)
	}
	entry, err := srv.Sessions().Get(ctx, "agent:main:main")
	if err != nil {
		t.Fatal(err)
	}
	if entry.ProviderOverride != "ollama" || entry.ModelOverride != "gpt-oss-20b" {
		t.Fatalf("override = %s/%s", entry.ProviderOverride, entry.ModelOverride)
	}

	if _, err := srv.Agent(ctx, AgentRequest{SessionKey: "main", Message: "what now?"}); err != nil {
		t.Fatal(err)
	}
	calls := rt.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d", len(calls))
	}
	if calls[0].Provider != "ollama" || calls[0].APIKey != "" || calls[0].AuthProfile != "" {
		t.Fatalf("local run = %+v", calls[0])
	}
	if !strings.HasPrefix(calls[0].Prompt, "System: ") || !strings.HasSuffix(calls[0].Prompt, "what now?") {
		t.Fatalf("prompt = %q", calls[0].Prompt)
	}
}

func TestUnauthorizedSenderDirectivesAreStripped(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "test-secret"
	rt := &fakeRuntime{}
	srv, _ := newTestServer(t, cfg, rt)
	ctx := context.Background()

	if _, err := srv.Agent(ctx, AgentRequest{SessionKey: "main", Message: "/model opus\nhello"}); err != nil {
		t.Fatal(err)
	}
	calls := rt.Calls()
	if len(calls) != 1 || calls[0].Prompt != "hello" || calls[0].Model != "claude-sonnet-4-5" {
		t.Fatalf("calls = %+v", calls)
	}

	p := &auth.Principal{ID: "u1", Name: "Sam", Commands: true}
	if _, err := srv.Agent(auth.WithPrincipal(ctx, p), AgentRequest{SessionKey: "main", Message: "/model opus"}); err != nil {
		t.Fatal(err)
	}
	entry, _ := srv.Sessions().Get(ctx, "agent:main:main")
	if entry.ModelOverride != "claude-opus-4-1" {
		t.Fatalf("authorized directive ignored: %+v", entry)
	}
}

func TestAgentIdempotencyReplays(t *testing.T) {
	rt := &fakeRuntime{}
	srv, _ := newTestServer(t, testConfig(t), rt)
	ctx := context.Background()
	req := AgentRequest{SessionKey: "main", Message: "hello", IdempotencyKey: "req-1"}

	first, err := srv.Agent(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := srv.Agent(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if len(rt.Calls()) != 1 {
		t.Fatalf("runtime ran %d times", len(rt.Calls()))
	}
	if first.Replayed || !second.Replayed || second.RunID != first.RunID {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
}

func TestAgentRejectsEmptyMessage(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t), &fakeRuntime{})
	var pe *gwerrors.ParseError
	if _, err := srv.Agent(context.Background(), AgentRequest{SessionKey: "main", Message: "  "}); !errors.As(err, &pe) {
		t.Fatalf("error = %v, want ParseError", err)
	}
}

func TestPatchSessionChecksAllowlist(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t), &fakeRuntime{})
	ctx := context.Background()
	if _, _, err := srv.Sessions().Ensure(ctx, "agent:main:main", "cli"); err != nil {
		t.Fatal(err)
	}

	_, err := srv.PatchSession(ctx, "main", sessions.Patch{
		ProviderOverride: sessions.Set("openai"),
		ModelOverride:    sessions.Set("gpt-5"),
	})
	if !gwerrors.IsNotFound(err) {
		t.Fatalf("non-allowlisted model: err = %v", err)
	}

	_, err = srv.PatchSession(ctx, "main", sessions.Patch{
		ProviderOverride: sessions.Set("mistral"),
		ModelOverride:    sessions.Set("large"),
	})
	var unsupported *gwerrors.UnsupportedProviderError
	if !errors.As(err, &unsupported) {
		t.Fatalf("unknown provider: err = %v", err)
	}

	entry, err := srv.PatchSession(ctx, "main", sessions.Patch{
		ProviderOverride: sessions.Set("openai"),
		ModelOverride:    sessions.Set("gpt-4o"),
		ThinkingLevel:    sessions.Set("max"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.ModelOverride != "gpt-4o" || entry.ThinkingLevel != "xhigh" {
		t.Fatalf("entry = %+v", entry)
	}

	entry, err = srv.PatchSession(ctx, "main", sessions.Patch{
		ProviderOverride: sessions.Set("anthropic"),
		ModelOverride:    sessions.Set("claude-sonnet-4-5"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.HasModelOverride() {
		t.Fatalf("selecting the default should clear the override: %+v", entry)
	}

	entry, err = srv.PatchSession(ctx, "main", sessions.Patch{Label: sessions.Set("support")})
	if err != nil || entry.Label != "support" {
		t.Fatalf("label patch: %+v, %v", entry, err)
	}
	if _, err := srv.PatchSession(ctx, "never-seen", sessions.Patch{Label: sessions.Set("x")}); !gwerrors.IsNotFound(err) {
		t.Fatalf("missing session: err = %v", err)
	}
}

func TestPatchSessionNormalizesModelAndDropsStaleAuth(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t), &fakeRuntime{})
	ctx := context.Background()
	if _, _, err := srv.Sessions().Ensure(ctx, "agent:main:main", "cli"); err != nil {
		t.Fatal(err)
	}

	entry, err := srv.PatchSession(ctx, "main", sessions.Patch{
		ProviderOverride:          sessions.Set(" OpenAI "),
		ModelOverride:             sessions.Set("GPT-4o"),
		AuthProfileOverride:       sessions.Set("openai:default"),
		AuthProfileOverrideSource: sessions.Set(sessions.OverrideManual),
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.ProviderOverride != "openai" || entry.ModelOverride != "gpt-4o" || entry.AuthProfileOverride != "openai:default" {
		t.Fatalf("entry = %+v", entry)
	}

	// Same model: the pin survives.
	entry, err = srv.PatchSession(ctx, "main", sessions.Patch{
		ProviderOverride: sessions.Set("openai"),
		ModelOverride:    sessions.Set("gpt-4o"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.AuthProfileOverride != "openai:default" {
		t.Fatalf("unchanged model dropped the auth override: %+v", entry)
	}

	entry, err = srv.PatchSession(ctx, "main", sessions.Patch{
		ProviderOverride: sessions.Set("anthropic"),
		ModelOverride:    sessions.Set("claude-opus-4-1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.ModelOverride != "claude-opus-4-1" || entry.AuthProfileOverride != "" || entry.AuthProfileOverrideSource != "" {
		t.Fatalf("model change kept a stale auth override: %+v", entry)
	}
}

// steerConfig is testConfig with the queue in steer mode, loaded from a
// file so the queue settings are resolved the way the gateway sees them.
func steerConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "switchyard.yaml")
	if err := os.WriteFile(path, []byte("session:\n  queue:\n    mode: steer\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg := testConfig(t)
	cfg.Session.Queue = loaded.Session.Queue
	return cfg
}

func TestSteeredMessageJoinsTheActiveRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var n atomic.Int32
	rt := &fakeRuntime{reply: func(req runtime.Request) (*runtime.Result, error) {
		if n.Add(1) == 1 {
			close(started)
			<-release
		}
		return &runtime.Result{
			Payloads: []string{"re: " + req.Prompt},
			Usage:    runtime.Usage{InputTokens: 10, OutputTokens: 5},
		}, nil
	}}
	srv, _ := newTestServer(t, steerConfig(t), rt)
	ctx := context.Background()

	type result struct {
		resp *AgentResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := srv.Agent(ctx, AgentRequest{SessionKey: "main", Message: "first", Channel: "cli"})
		done <- result{resp, err}
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never reached the runtime")
	}

	steered, err := srv.Agent(ctx, AgentRequest{SessionKey: "main", Message: "also this", Channel: "cli"})
	if err != nil {
		t.Fatalf("Agent() error = %v", err)
	}
	if steered.Decision == nil || steered.Decision.Action != scheduler.ActionSteer || !steered.Decision.Steered {
		t.Fatalf("decision = %+v", steered.Decision)
	}
	close(release)

	var first result
	select {
	case first = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never finished")
	}
	if first.err != nil {
		t.Fatalf("first Agent() error = %v", first.err)
	}
	got := first.resp.Payloads
	if len(got) != 2 || !strings.HasSuffix(got[0], "first") || got[1] != "re: also this" {
		t.Fatalf("payloads = %q", got)
	}
	if first.resp.Usage == nil || first.resp.Usage.InputTokens != 20 {
		t.Fatalf("usage = %+v", first.resp.Usage)
	}

	calls := rt.Calls()
	if len(calls) != 2 || calls[1].Prompt != "also this" || calls[1].Provider != "anthropic" {
		t.Fatalf("runtime calls = %+v", calls)
	}
	if depth := srv.scheduler.Queue().Depth("agent:main:main"); depth != 0 {
		t.Fatalf("steered message was also queued, depth = %d", depth)
	}
}

func TestListSessionsAndStop(t *testing.T) {
	srv, _ := newTestServer(t, testConfig(t), &fakeRuntime{})
	ctx := context.Background()
	for _, key := range []string{"telegram:dm:1", "telegram:dm:2", "slack:channel:c1"} {
		if _, err := srv.Agent(ctx, AgentRequest{SessionKey: key, Message: "hi", Channel: strings.SplitN(key, ":", 2)[0]}); err != nil {
			t.Fatal(err)
		}
	}
	list, err := srv.ListSessions(ctx, sessions.ListOptions{Channel: "telegram"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("telegram sessions = %d", len(list))
	}
	for _, v := range list {
		if !strings.HasPrefix(v.Key, "agent:main:telegram:") {
			t.Errorf("unexpected key %q", v.Key)
		}
	}

	res := srv.StopSession(ctx, "telegram:dm:1")
	if res.Aborted || res.Cleared != 0 {
		t.Fatalf("stop on idle session = %+v", res)
	}
}

func TestApplyConfigSwapsAllowlist(t *testing.T) {
	cfg := testConfig(t)
	srv, _ := newTestServer(t, cfg, &fakeRuntime{})
	ctx := context.Background()

	var reloaded atomic.Int32
	sub, err := srv.Bus().Subscribe(events.TopicSystem, func(ev events.Event) {
		if ev.Type == "config.reloaded" {
			reloaded.Add(1)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	next := testConfig(t)
	next.Models.Default = "openai/gpt-4o"
	next.Models.Allowlist = []string{"openai/gpt-4o", "ollama/gpt-oss-20b"}
	next.Gateway.IdempotencyTTL = time.Second
	if err := srv.ApplyConfig(next); err != nil {
		t.Fatalf("ApplyConfig() error = %v", err)
	}

	list := srv.ModelList()
	if list.Default != "openai/gpt-4o" || len(list.Models) != 2 {
		t.Fatalf("models = %+v", list)
	}
	resp, err := srv.Agent(ctx, AgentRequest{SessionKey: "main", Message: "/model opus"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Replies) != 1 {
		t.Fatalf("replies = %v", resp.Replies)
	}
	entry, _ := srv.Sessions().Get(ctx, "agent:main:main")
	if entry.HasModelOverride() {
		t.Fatalf("override outside the new allowlist was written: %+v", entry)
	}

	deadline := time.Now().Add(time.Second)
	for reloaded.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if reloaded.Load() != 1 {
		t.Fatal("config.reloaded not published")
	}

	bad := testConfig(t)
	bad.Models.Default = "nope"
	if err := srv.ApplyConfig(bad); err == nil {
		t.Fatal("invalid models config accepted")
	}
	if srv.Config() != next {
		t.Fatal("rejected config replaced the active one")
	}
}

func TestMaintainPrunesExpiredEntries(t *testing.T) {
	srv, clock := newTestServer(t, testConfig(t), &fakeRuntime{})
	ctx := context.Background()
	if _, err := srv.Agent(ctx, AgentRequest{SessionKey: "main", Message: "hi", IdempotencyKey: "k"}); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Credentials().MarkCooldown(ctx, "openai:default", clock.Now().Add(time.Minute), "test"); err != nil {
		t.Fatal(err)
	}

	if r := srv.Maintain(ctx); r.Idempotency != 0 || r.Cooldowns != 0 {
		t.Fatalf("premature sweep = %+v", r)
	}
	clock.Advance(time.Hour)
	r := srv.Maintain(ctx)
	if r.Idempotency != 1 || r.Cooldowns != 1 {
		t.Fatalf("sweep = %+v", r)
	}
}

func TestHealthAndModelList(t *testing.T) {
	srv, clock := newTestServer(t, testConfig(t), &fakeRuntime{})
	clock.Advance(90 * time.Second)

	h := srv.Health()
	if h.Status != "ok" || h.Version != "test" || h.Uptime != "1m30s" || h.DefaultModel != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("health = %+v", h)
	}

	list := srv.ModelList()
	if len(list.Models) != 4 || len(list.Fallbacks) != 1 {
		t.Fatalf("models = %+v", list)
	}
	for _, m := range list.Models {
		switch m.Ref {
		case "anthropic/claude-sonnet-4-5":
			if !m.Default || len(m.Aliases) != 1 || m.Aliases[0] != "sonnet" {
				t.Errorf("default entry = %+v", m)
			}
		case "ollama/gpt-oss-20b":
			if !m.Local {
				t.Errorf("ollama should be local: %+v", m)
			}
		}
	}
}
