package directives

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/switchyard/internal/models"
	"github.com/haasonsaas/switchyard/internal/sessions"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	r, err := models.NewResolver(models.Config{
		Default: "anthropic/claude-sonnet-4-5",
		Catalog: []models.Entry{
			{Provider: "anthropic", ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5", Aliases: []string{"sonnet"}},
			{Provider: "anthropic", ID: "claude-opus-4-1", Name: "Claude Opus 4.1", Aliases: []string{"opus"}},
			{Provider: "openai", ID: "gpt-4o"},
			{Provider: "ollama", ID: "gpt-oss-20b"},
			{Provider: "openrouter", ID: "gpt-oss-20b"},
		},
	})
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return NewHandler(r)
}

func authorized(key string, entry *sessions.Entry) Context {
	return Context{
		SessionKey: key,
		Entry:      entry,
		Sender:     Sender{ID: "u1", Name: "Sam", Channel: "telegram", Authorized: true},
	}
}

func applyPatch(entry *sessions.Entry, p sessions.Patch) *sessions.Entry {
	out := sessions.Entry{}
	if entry != nil {
		out = *entry
	}
	p.Apply(&out)
	return &out
}

func TestParse(t *testing.T) {
	tests := []struct {
		in    string
		kinds []Kind
		args  []string
		text  string
	}{
		{"/model opus", []Kind{KindModel}, []string{"opus"}, ""},
		{"/MODEL  Opus ", []Kind{KindModel}, []string{"Opus"}, ""},
		{"hello there\n/think high", []Kind{KindThink}, []string{"high"}, "hello there"},
		{"/elev on\n/new", []Kind{KindElevated, KindReset}, []string{"on", ""}, ""},
		{"please /thinking low", []Kind{KindThink}, []string{"low"}, "please"},
		{"check /usr/bin for files", nil, nil, "check /usr/bin for files"},
		{"see /tmp then /stop", []Kind{KindStop}, []string{""}, "see /tmp then"},
		{"/unknown thing", nil, nil, "/unknown thing"},
		{"no directives", nil, nil, "no directives"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p := Parse(tt.in)
			if len(p.Directives) != len(tt.kinds) {
				t.Fatalf("directives = %+v, want kinds %v", p.Directives, tt.kinds)
			}
			for i, d := range p.Directives {
				if d.Kind != tt.kinds[i] || d.Args != tt.args[i] {
					t.Errorf("directive %d = %+v, want %s %q", i, d, tt.kinds[i], tt.args[i])
				}
			}
			if p.Text != tt.text {
				t.Errorf("Text = %q, want %q", p.Text, tt.text)
			}
		})
	}
}

func TestModelSwitchToLocalClearsAuthOverride(t *testing.T) {
	h := newTestHandler(t)
	fence := 2
	entry := &sessions.Entry{
		SessionID:                          "s1",
		ProviderOverride:                   "anthropic",
		ModelOverride:                      "claude-opus-4-1",
		AuthProfileOverride:                "anthropic:work",
		AuthProfileOverrideSource:          sessions.OverrideAuto,
		AuthProfileOverrideCompactionCount: &fence,
	}

	res := h.Apply(context.Background(), authorized("agent:main:main", entry), "/model ollama/gpt-oss-20b")
	if !res.Handled() {
		t.Fatalf("directive-only message should be handled, text = %q", res.Text)
	}
	if err := res.Patch.Validate(); err != nil {
		t.Fatalf("patch invalid: %v", err)
	}
	got := applyPatch(entry, res.Patch)
	if got.ProviderOverride != "ollama" || got.ModelOverride != "gpt-oss-20b" {
		t.Fatalf("override = %s/%s", got.ProviderOverride, got.ModelOverride)
	}
	if got.AuthProfileOverride != "" || got.AuthProfileOverrideSource != "" || got.AuthProfileOverrideCompactionCount != nil {
		t.Fatalf("auth override not cleared: %+v", got)
	}
	if len(res.Events) != 1 || !strings.Contains(res.Events[0], "ollama/gpt-oss-20b") {
		t.Fatalf("events = %v", res.Events)
	}
}

func TestModelWithProfileSetsManualOverride(t *testing.T) {
	h := newTestHandler(t)
	res := h.Apply(context.Background(), authorized("agent:main:main", nil), "/model opus@anthropic:personal")
	got := applyPatch(nil, res.Patch)
	if got.ModelOverride != "claude-opus-4-1" || got.AuthProfileOverride != "anthropic:personal" || got.AuthProfileOverrideSource != sessions.OverrideManual {
		t.Fatalf("entry = %+v", got)
	}
}

func TestModelDefaultClearsOverrides(t *testing.T) {
	h := newTestHandler(t)
	entry := &sessions.Entry{ProviderOverride: "openai", ModelOverride: "gpt-4o", AuthProfileOverride: "openai:main"}
	res := h.Apply(context.Background(), authorized("agent:main:main", entry), "/model sonnet")
	got := applyPatch(entry, res.Patch)
	if got.HasModelOverride() || got.AuthProfileOverride != "" {
		t.Fatalf("selecting the default should clear overrides: %+v", got)
	}
}

func TestModelErrorsBecomeReplies(t *testing.T) {
	h := newTestHandler(t)
	tests := []struct {
		args string
		want string
	}{
		{"gpt-oss-20b", "several models"},
		{"mistral/large", "Unknown provider"},
		{"anthropic/haiku-legacy", "not allowed"},
	}
	for _, tt := range tests {
		res := h.Apply(context.Background(), authorized("k", nil), "/model "+tt.args)
		if !res.Patch.IsEmpty() {
			t.Errorf("%s: failed resolution produced a patch", tt.args)
		}
		if len(res.Replies) != 1 || !strings.Contains(res.Replies[0], tt.want) {
			t.Errorf("%s: replies = %v, want %q", tt.args, res.Replies, tt.want)
		}
	}
}

func TestModelStatusAndList(t *testing.T) {
	h := newTestHandler(t)
	res := h.Apply(context.Background(), authorized("k", nil), "/model")
	if len(res.Replies) != 1 || !strings.Contains(res.Replies[0], "anthropic/claude-sonnet-4-5 (default)") {
		t.Fatalf("status = %v", res.Replies)
	}
	res = h.Apply(context.Background(), authorized("k", nil), "/models")
	if len(res.Replies) != 1 || !strings.Contains(res.Replies[0], "* anthropic/claude-sonnet-4-5 (sonnet)") {
		t.Fatalf("list = %v", res.Replies)
	}
	if !res.Patch.IsEmpty() {
		t.Fatal("read-only directive produced a patch")
	}

	res = h.Apply(context.Background(), authorized("k", nil), "/models Ollama")
	if len(res.Replies) != 1 || res.Replies[0] != "Allowed ollama models:\n  ollama/gpt-oss-20b" {
		t.Fatalf("provider list = %q", res.Replies)
	}
	res = h.Apply(context.Background(), authorized("k", nil), "/models mistral")
	if len(res.Replies) != 1 || !strings.Contains(res.Replies[0], `Unknown provider "mistral"`) {
		t.Fatalf("unknown provider = %q", res.Replies)
	}
}

func TestThreadInheritsParentModelInStatus(t *testing.T) {
	h := newTestHandler(t)
	parent := &sessions.Entry{ProviderOverride: "openai", ModelOverride: "gpt-4o"}
	dc := authorized("agent:main:slack:channel:c1:thread:t9", nil)
	dc.Lookup = func(key string) (*sessions.Entry, bool) {
		if key == "agent:main:slack:channel:c1" {
			return parent, true
		}
		return nil, false
	}
	res := h.Apply(context.Background(), dc, "/model status")
	if !strings.Contains(res.Replies[0], "openai/gpt-4o (parent)") {
		t.Fatalf("status = %v", res.Replies)
	}
}

func TestThinkAndElevated(t *testing.T) {
	h := newTestHandler(t)
	res := h.Apply(context.Background(), authorized("k", nil), "/think max\n/elev ask\nwhat now?")
	if res.Text != "what now?" || res.Handled() {
		t.Fatalf("text = %q", res.Text)
	}
	got := applyPatch(nil, res.Patch)
	if got.ThinkingLevel != "xhigh" || got.ElevatedLevel != sessions.ElevatedAsk {
		t.Fatalf("entry = %+v", got)
	}
	if len(res.Events) != 2 {
		t.Fatalf("events = %v", res.Events)
	}

	res = h.Apply(context.Background(), authorized("k", nil), "/think loud")
	if !res.Patch.IsEmpty() || len(res.Replies) != 1 || !strings.Contains(res.Replies[0], "Invalid directive") {
		t.Fatalf("invalid level: patch=%+v replies=%v", res.Patch, res.Replies)
	}
}

func TestUnauthorizedDirectivesAreStripped(t *testing.T) {
	h := newTestHandler(t)
	dc := authorized("k", nil)
	dc.Sender.Authorized = false
	res := h.Apply(context.Background(), dc, "hi\n/model opus\n/stop")
	if res.Text != "hi" {
		t.Fatalf("text = %q", res.Text)
	}
	if !res.Patch.IsEmpty() || len(res.Replies) != 0 || len(res.Actions) != 0 {
		t.Fatalf("unauthorized directives had effects: %+v", res)
	}
}

func TestControlActions(t *testing.T) {
	h := newTestHandler(t)
	dc := authorized("agent:main:main", &sessions.Entry{CompactionCount: 3})
	dc.TargetSessionKey = "agent:main:telegram:dm:7"

	res := h.Apply(context.Background(), dc, "/stop")
	if len(res.Actions) != 1 || res.Actions[0].Kind != ActionStop || res.Actions[0].TargetKey != "agent:main:telegram:dm:7" {
		t.Fatalf("actions = %+v", res.Actions)
	}

	res = h.Apply(context.Background(), dc, "/compact keep the todo list")
	if !res.HasAction(ActionCompact) || res.Actions[0].Focus != "keep the todo list" {
		t.Fatalf("actions = %+v", res.Actions)
	}
	if got := applyPatch(dc.Entry, res.Patch); got.CompactionCount != 4 {
		t.Fatalf("compactionCount = %d", got.CompactionCount)
	}

	res = h.Apply(context.Background(), dc, "/new opus")
	if !res.HasAction(ActionReset) || res.Patch.ModelOverride.Value != "claude-opus-4-1" {
		t.Fatalf("reset with model: %+v", res)
	}
}

func TestStatusWhoamiCommands(t *testing.T) {
	h := newTestHandler(t)
	dc := authorized("agent:main:main", &sessions.Entry{SessionID: "s1", TotalTokens: 42, AbortedLastRun: true})
	dc.Run = RunState{Active: true, RunID: "r1", Depth: 2}

	res := h.Apply(context.Background(), dc, "/status\n/whoami\n/commands")
	if len(res.Replies) != 3 {
		t.Fatalf("replies = %v", res.Replies)
	}
	for _, want := range []string{"42 total", "running r1, queued 2", "aborted"} {
		if !strings.Contains(res.Replies[0], want) {
			t.Errorf("status missing %q: %s", want, res.Replies[0])
		}
	}
	if res.Replies[1] != "You are Sam (u1) on telegram." {
		t.Errorf("whoami = %q", res.Replies[1])
	}
	if !strings.Contains(res.Replies[2], "/model") {
		t.Errorf("commands = %q", res.Replies[2])
	}
}
