package gateway

import (
	"context"
	"fmt"

	"github.com/haasonsaas/switchyard/internal/events"
	"github.com/haasonsaas/switchyard/internal/gwerrors"
	"github.com/haasonsaas/switchyard/internal/models"
	"github.com/haasonsaas/switchyard/internal/scheduler"
	"github.com/haasonsaas/switchyard/internal/sessions"
)

// SessionView is an entry plus its live state.
type SessionView struct {
	Key   string           `json:"key"`
	Entry *sessions.Entry  `json:"entry"`
	Model string           `json:"model"`
	Run   scheduler.Status `json:"run"`
}

// PatchSession validates p against the current allowlist and applies it.
// An override that is not allowlisted is never written. A patch that
// changes the session's effective model drops its auth-profile override
// unless it sets one itself.
func (s *Server) PatchSession(ctx context.Context, key string, p sessions.Patch) (*sessions.Entry, error) {
	key = s.canonicalKey("", key)
	if err := p.Validate(); err != nil {
		return nil, &gwerrors.ParseError{Reason: err.Error()}
	}
	resolver := s.resolver.Load()
	if p.ModelOverride.Set && !p.ModelOverride.Null {
		ref := models.Ref{Provider: models.NormalizeProvider(p.ProviderOverride.Value), Model: p.ModelOverride.Value}
		if !resolver.KnownProvider(ref.Provider) {
			return nil, &gwerrors.UnsupportedProviderError{Provider: ref.Provider}
		}
		if !resolver.IsAllowed(ref) {
			return nil, &gwerrors.NotFoundError{Kind: "allowed model", ID: ref.Key()}
		}
		for _, e := range resolver.AllowedFor(ref.Provider) {
			if e.Ref().Key() == ref.Key() {
				ref = e.Ref()
				break
			}
		}
		if ref.Key() == resolver.Default().Key() {
			p.ClearModelOverride()
		} else {
			p.ProviderOverride = sessions.Set(ref.Provider)
			p.ModelOverride = sessions.Set(ref.Model)
		}
	}
	if p.ThinkingLevel.Set && !p.ThinkingLevel.Null {
		level, _ := sessions.ParseThinkingLevel(p.ThinkingLevel.Value)
		p.ThinkingLevel = sessions.Set(level)
	}

	explicitAuth := p.AuthProfileOverride.Set
	lookup := s.lookup(ctx)
	entry, err := s.sessions.Update(ctx, key, false, func(e *sessions.Entry, _ bool) error {
		before := resolver.SelectForSession(key, e, lookup).Ref
		next := *e
		p.Apply(&next)
		if after := resolver.SelectForSession(key, &next, lookup).Ref; after.Key() != before.Key() && !explicitAuth {
			p.ClearAuthOverride()
		}
		p.Apply(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(events.Event{Topic: events.TopicSession, Type: "session.patched", SessionKey: key, Payload: p})
	return entry, nil
}

// GetSession returns one session with its effective model and run state.
func (s *Server) GetSession(ctx context.Context, key string) (*SessionView, error) {
	key = s.canonicalKey("", key)
	entry, err := s.sessions.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, key, entry), nil
}

// ListSessions returns sessions, most recent first.
func (s *Server) ListSessions(ctx context.Context, opts sessions.ListOptions) ([]SessionView, error) {
	list, err := s.sessions.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionView, 0, len(list))
	for _, ke := range list {
		entry := ke.Entry
		out = append(out, *s.view(ctx, ke.Key, &entry))
	}
	return out, nil
}

func (s *Server) view(ctx context.Context, key string, entry *sessions.Entry) *SessionView {
	sel := s.resolver.Load().SelectForSession(key, entry, s.lookup(ctx))
	return &SessionView{Key: key, Entry: entry, Model: sel.Ref.String(), Run: s.scheduler.Status(key)}
}

// StopSession aborts key's run and clears its queue.
func (s *Server) StopSession(ctx context.Context, key string) scheduler.StopResult {
	key = s.canonicalKey("", key)
	r := s.scheduler.Stop(ctx, key)
	s.bus.Publish(events.Event{Topic: events.TopicRun, Type: "run.stopped", SessionKey: key, Payload: r})
	return r
}
