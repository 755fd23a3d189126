package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/haasonsaas/switchyard/internal/filelock"
	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

// DefaultFilename is the credential store file name inside the state dir.
const DefaultFilename = "auth-profiles.json"

// ResolvedKey is a credential ready to hand to a runtime.
type ResolvedKey struct {
	ProfileID string
	Provider  string
	Kind      CredentialType
	Secret    string
	Email     string
}

// Store is the file-backed credential ledger. Every mutation is a
// read-modify-write under the sidecar lock, so several processes can share
// one file. Reads take no lock.
type Store struct {
	path     string
	lock     filelock.Options
	cooldown CooldownPolicy
	now      func() time.Time
	logger   *slog.Logger
	observer Observer
}

// Observer is told about every cooldown the store applies.
type Observer interface {
	ProfileCooldown(provider, reason string)
}

// Option configures a Store.
type Option func(*Store)

// WithLockOptions overrides the lock retry schedule.
func WithLockOptions(opts filelock.Options) Option {
	return func(s *Store) { s.lock = opts }
}

// WithCooldownPolicy overrides the escalating cooldown windows.
func WithCooldownPolicy(p CooldownPolicy) Option {
	return func(s *Store) { s.cooldown = p }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithObserver sets the cooldown observer.
func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// EnsureStore opens the store at path, creating an empty versioned document
// if none exists.
func EnsureStore(ctx context.Context, path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		lock:     filelock.DefaultOptions(),
		cooldown: DefaultCooldownPolicy(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "auth-store")

	if _, err := os.Stat(path); err == nil {
		if _, err := s.Load(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	if _, err := s.Update(ctx, func(*ProfileStore) error { return nil }); err != nil {
		return nil, fmt.Errorf("create auth store: %w", err)
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads the current document without locking. A missing file yields an
// empty document.
func (s *Store) Load(ctx context.Context) (*ProfileStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readProfileStore(s.path)
}

// Update applies fn to a fresh copy of the document under the lock and
// persists the result atomically. The lock is released on every path.
func (s *Store) Update(ctx context.Context, fn func(*ProfileStore) error) (*ProfileStore, error) {
	var out *ProfileStore
	err := filelock.With(ctx, s.path, s.lock, func() error {
		doc, err := readProfileStore(s.path)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		doc.Version = StoreVersion
		if err := filelock.WriteJSONAtomic(s.path, doc, 0o600); err != nil {
			return fmt.Errorf("write auth store: %w", err)
		}
		out = doc
		return nil
	})
	if err != nil {
		if gwerrors.IsLockContention(err) {
			s.logger.Error("auth store lock contention", "path", s.path, "error", err)
		}
		return nil, err
	}
	return out, nil
}

// ResolveAPIKeyForProfile returns the secret for a profile or a typed
// failure for missing, expired, and unsupported credentials.
func (s *Store) ResolveAPIKeyForProfile(ctx context.Context, id string) (*ResolvedKey, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	cred, ok := doc.Profiles[id]
	if !ok {
		return nil, &gwerrors.NotFoundError{Kind: "auth profile", ID: id}
	}
	resolved := &ResolvedKey{ProfileID: id, Provider: cred.Provider, Kind: cred.Type, Email: cred.Email}
	switch cred.Type {
	case CredentialAPIKey:
		resolved.Secret = cred.Key
	case CredentialToken:
		if cred.expired(s.now()) {
			return nil, &gwerrors.AuthError{ProfileID: id, Provider: cred.Provider, Reason: gwerrors.AuthExpired,
				Message: "token expired at " + time.UnixMilli(cred.Expires).UTC().Format(time.RFC3339)}
		}
		resolved.Secret = cred.Token
	case CredentialOAuth:
		return nil, &gwerrors.AuthError{ProfileID: id, Provider: cred.Provider, Reason: gwerrors.AuthUnsupported,
			Message: "oauth credentials cannot be used by this build; add an api_key or token profile"}
	default:
		return nil, &gwerrors.AuthError{ProfileID: id, Provider: cred.Provider, Reason: gwerrors.AuthUnsupported,
			Message: fmt.Sprintf("unknown credential type %q", cred.Type)}
	}
	if resolved.Secret == "" {
		return nil, &gwerrors.AuthError{ProfileID: id, Provider: cred.Provider, Reason: gwerrors.AuthMissing, Message: "empty secret"}
	}
	return resolved, nil
}

// MarkCooldown blocks a profile until the given time and returns the end
// of the window as stored.
func (s *Store) MarkCooldown(ctx context.Context, id string, until time.Time, reason string) (time.Time, error) {
	var (
		provider string
		end      time.Time
	)
	_, err := s.Update(ctx, func(doc *ProfileStore) error {
		cred, ok := doc.Profiles[id]
		if !ok {
			return &gwerrors.NotFoundError{Kind: "auth profile", ID: id}
		}
		provider = cred.Provider
		end = doc.MarkCooldown(id, until, reason)
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	s.logger.Info("auth profile cooldown", "profile", id, "until", end.UTC().Format(time.RFC3339Nano), "reason", reason)
	s.observe(provider, reason)
	return end, nil
}

func (s *Store) observe(provider, reason string) {
	if s.observer != nil {
		s.observer.ProfileCooldown(provider, reason)
	}
}

// IsUsable reports whether the profile can be selected at now.
func (s *Store) IsUsable(ctx context.Context, id string, now time.Time) (bool, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return false, err
	}
	return doc.IsUsable(id, now), nil
}

// SelectProfile picks a usable profile for provider, preferring the given id.
func (s *Store) SelectProfile(ctx context.Context, provider, preferred string, now time.Time) (string, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return "", err
	}
	return doc.Select(provider, preferred, now)
}

// RecordFailure counts a provider failure against the profile and applies
// the escalating cooldown for billing and rate-limit reasons.
func (s *Store) RecordFailure(ctx context.Context, id string, reason gwerrors.ProviderReason, now time.Time) error {
	var (
		until    time.Time
		provider string
	)
	_, err := s.Update(ctx, func(doc *ProfileStore) error {
		cred, ok := doc.Profiles[id]
		if !ok {
			return &gwerrors.NotFoundError{Kind: "auth profile", ID: id}
		}
		provider = cred.Provider
		until = doc.RecordFailure(id, reason, now, s.cooldown)
		return nil
	})
	if err == nil && reason.Cooldown() {
		s.logger.Warn("auth profile cooling down", "profile", id, "reason", reason, "until", until.UTC().Format(time.RFC3339))
		s.observe(provider, string(reason))
	}
	return err
}

// RecordSuccess clears the profile's failure counters.
func (s *Store) RecordSuccess(ctx context.Context, id string, now time.Time) error {
	_, err := s.Update(ctx, func(doc *ProfileStore) error {
		if _, ok := doc.Profiles[id]; !ok {
			return nil
		}
		doc.RecordSuccess(id, now)
		return nil
	})
	return err
}

// AddProfile stores a credential under id.
func (s *Store) AddProfile(ctx context.Context, id string, cred Credential) error {
	if id == "" {
		return &gwerrors.ParseError{Reason: "profile id is required"}
	}
	switch cred.Type {
	case CredentialAPIKey, CredentialToken, CredentialOAuth:
	default:
		return &gwerrors.ParseError{Input: string(cred.Type), Reason: "unknown credential type"}
	}
	if NormalizeProvider(cred.Provider) == "" {
		return &gwerrors.ParseError{Reason: "provider is required"}
	}
	_, err := s.Update(ctx, func(doc *ProfileStore) error {
		doc.AddProfile(id, cred)
		return nil
	})
	return err
}

// RemoveProfile deletes a credential.
func (s *Store) RemoveProfile(ctx context.Context, id string) error {
	_, err := s.Update(ctx, func(doc *ProfileStore) error {
		if !doc.RemoveProfile(id) {
			return &gwerrors.NotFoundError{Kind: "auth profile", ID: id}
		}
		return nil
	})
	return err
}

// ClearCooldown lifts every window on a profile.
func (s *Store) ClearCooldown(ctx context.Context, id string) error {
	_, err := s.Update(ctx, func(doc *ProfileStore) error {
		if _, ok := doc.Profiles[id]; !ok {
			return &gwerrors.NotFoundError{Kind: "auth profile", ID: id}
		}
		doc.ClearCooldown(id)
		return nil
	})
	return err
}

// SweepExpired removes elapsed windows. The file is only rewritten when
// something changed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	if doc.SweepExpired(now) == 0 {
		return 0, nil
	}
	changed := 0
	_, err = s.Update(ctx, func(doc *ProfileStore) error {
		changed = doc.SweepExpired(now)
		return nil
	})
	return changed, err
}

func readProfileStore(path string) (*ProfileStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewProfileStore(), nil
		}
		return nil, fmt.Errorf("read auth store: %w", err)
	}
	doc := &ProfileStore{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parse auth store %s: %w", path, err)
	}
	if doc.Version > StoreVersion {
		return nil, fmt.Errorf("auth store %s has version %d, newer than supported %d", path, doc.Version, StoreVersion)
	}
	if doc.Version == 0 {
		doc.Version = StoreVersion
	}
	doc.initMaps()
	return doc, nil
}
