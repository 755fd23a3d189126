package models

import (
	"testing"

	"github.com/haasonsaas/switchyard/internal/sessions"
)

func TestSelectForSessionInheritsFromTopicParent(t *testing.T) {
	r := newTestResolver(t)
	parentKey := "agent:main:telegram:group:123"
	childKey := parentKey + ":topic:99"
	store := map[string]*sessions.Entry{
		parentKey: {ProviderOverride: "ollama", ModelOverride: "gpt-oss-120b"},
	}
	lookup := func(key string) (*sessions.Entry, bool) {
		e, ok := store[key]
		return e, ok
	}

	sel := r.SelectForSession(childKey, &sessions.Entry{}, lookup)
	if sel.Source != SourceParent || sel.Ref.String() != "ollama/gpt-oss-120b" || sel.ParentKey != parentKey {
		t.Fatalf("expected parent inheritance, got %+v", sel)
	}

	own := &sessions.Entry{ProviderOverride: "openai", ModelOverride: "gpt-4o", AuthProfileOverride: "openai:work"}
	sel = r.SelectForSession(childKey, own, lookup)
	if sel.Source != SourceSession || sel.Ref != refB || sel.AuthProfile != "openai:work" {
		t.Fatalf("own override should win, got %+v", sel)
	}
}

func TestSelectForSessionDropsDisallowedParent(t *testing.T) {
	r := newTestResolver(t, func(c *Config) {
		c.Allowlist = []string{"anthropic/claude-sonnet-4-5"}
	})
	parentKey := "agent:main:slack:channel:c1"
	lookup := func(key string) (*sessions.Entry, bool) {
		if key == parentKey {
			return &sessions.Entry{ProviderOverride: "ollama", ModelOverride: "gpt-oss-120b"}, true
		}
		return nil, false
	}
	sel := r.SelectForSession(parentKey+":thread:42", nil, lookup)
	if sel.Source != SourceDefault || sel.Ref != r.Default() {
		t.Fatalf("expected default, got %+v", sel)
	}
}

func TestSelectForSessionIgnoresStaleOwnOverride(t *testing.T) {
	r := newTestResolver(t, func(c *Config) {
		c.Allowlist = []string{"anthropic/claude-sonnet-4-5"}
	})
	own := &sessions.Entry{ProviderOverride: "openai", ModelOverride: "gpt-4o"}
	sel := r.SelectForSession("agent:main:main", own, nil)
	if sel.Source != SourceDefault {
		t.Fatalf("stale override should fall back to default, got %+v", sel)
	}
}
