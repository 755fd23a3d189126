package models

import (
	"github.com/haasonsaas/switchyard/internal/sessions"
)

// SelectionSource says where a session's model came from.
type SelectionSource string

const (
	SourceSession SelectionSource = "session"
	SourceParent  SelectionSource = "parent"
	SourceDefault SelectionSource = "default"
)

// Selection is the effective model for a session.
type Selection struct {
	Ref       Ref
	Source    SelectionSource
	ParentKey string
	// AuthProfile is the session's auth-profile override, if any.
	AuthProfile string
}

// EntryLookup fetches a session entry by key.
type EntryLookup func(key string) (*sessions.Entry, bool)

// SelectForSession picks the model for key. The session's own override
// wins when still allowlisted, then a thread/topic parent's override under
// the same rule, then the configured default.
func (r *Resolver) SelectForSession(key string, own *sessions.Entry, lookup EntryLookup) Selection {
	if ref, ok := r.allowedOverride(own); ok {
		return Selection{Ref: ref, Source: SourceSession, AuthProfile: authOverride(own)}
	}
	if parentKey := sessions.ParentKey(key); parentKey != "" && lookup != nil {
		if parent, found := lookup(parentKey); found {
			if ref, ok := r.allowedOverride(parent); ok {
				return Selection{Ref: ref, Source: SourceParent, ParentKey: parentKey}
			}
		}
	}
	return Selection{Ref: r.Default(), Source: SourceDefault, AuthProfile: authOverride(own)}
}

func (r *Resolver) allowedOverride(e *sessions.Entry) (Ref, bool) {
	if !e.HasModelOverride() {
		return Ref{}, false
	}
	ref := Ref{Provider: NormalizeProvider(e.ProviderOverride), Model: e.ModelOverride}
	if !r.IsAllowed(ref) {
		return Ref{}, false
	}
	return r.canonical(ref), true
}

func authOverride(e *sessions.Entry) string {
	if e == nil {
		return ""
	}
	return e.AuthProfileOverride
}
