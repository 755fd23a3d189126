package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/switchyard/internal/filelock"
	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

// DefaultFilename is the session store file name inside the state dir.
const DefaultFilename = "sessions.json"

// Store is the file-backed session map. Writers hold the sidecar lock for
// the whole read-modify-write; readers use a cache that is refreshed when
// the file changes on disk.
type Store struct {
	path   string
	lock   filelock.Options
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	mu      sync.RWMutex
	cache   map[string]Entry
	modTime time.Time
	size    int64
	valid   bool
}

// Option configures a Store.
type Option func(*Store)

// WithLockOptions overrides the lock retry schedule.
func WithLockOptions(opts filelock.Options) Option {
	return func(s *Store) { s.lock = opts }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides how new session ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) { s.newID = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore returns a store backed by path. The file is created on first write.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		lock:   filelock.DefaultOptions(),
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session-store")
	return s
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Invalidate drops the read cache.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.valid = false
	s.mu.Unlock()
}

// Load returns a snapshot of every entry. It takes no lock and may be
// momentarily stale relative to other processes.
func (s *Store) Load(ctx context.Context) (map[string]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, statErr := os.Stat(s.path)

	s.mu.RLock()
	if s.valid && statErr == nil && info.ModTime().Equal(s.modTime) && info.Size() == s.size {
		out := cloneEntries(s.cache)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	entries, err := readEntries(s.path)
	if err != nil {
		return nil, err
	}
	s.remember(entries)
	return cloneEntries(entries), nil
}

func (s *Store) remember(entries map[string]Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = cloneEntries(entries)
	s.valid = true
	if info, err := os.Stat(s.path); err == nil {
		s.modTime = info.ModTime()
		s.size = info.Size()
	} else {
		s.modTime = time.Time{}
		s.size = 0
	}
}

// Get returns the entry for key.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	entries, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	entry, ok := entries[key]
	if !ok {
		return nil, &gwerrors.NotFoundError{Kind: "session", ID: key}
	}
	return &entry, nil
}

// Lookup is Get without the not-found error.
func (s *Store) Lookup(ctx context.Context, key string) (*Entry, bool) {
	entry, err := s.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	return entry, true
}

// KeyedEntry pairs an entry with its key.
type KeyedEntry struct {
	Key   string `json:"key"`
	Entry Entry  `json:"entry"`
}

// ListOptions filters List.
type ListOptions struct {
	Channel string
	Prefix  string
	Limit   int
}

// List returns entries, most recently updated first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]KeyedEntry, error) {
	entries, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]KeyedEntry, 0, len(entries))
	for key, entry := range entries {
		if opts.Channel != "" && !strings.EqualFold(entry.Channel, opts.Channel) {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		out = append(out, KeyedEntry{Key: key, Entry: entry})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entry.UpdatedAt != out[j].Entry.UpdatedAt {
			return out[i].Entry.UpdatedAt > out[j].Entry.UpdatedAt
		}
		return out[i].Key < out[j].Key
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// UpdateFunc mutates an entry in place. existed is false for a fresh entry.
type UpdateFunc func(entry *Entry, existed bool) error

// Update applies fn to the entry for key under the lock and writes the whole
// map atomically. With create false a missing key yields NotFoundError.
func (s *Store) Update(ctx context.Context, key string, create bool, fn UpdateFunc) (*Entry, error) {
	if strings.TrimSpace(key) == "" {
		return nil, &gwerrors.ParseError{Reason: "session key is required"}
	}
	var out Entry
	err := filelock.With(ctx, s.path, s.lock, func() error {
		entries, err := readEntries(s.path)
		if err != nil {
			return err
		}
		entry, existed := entries[key]
		if !existed {
			if !create {
				return &gwerrors.NotFoundError{Kind: "session", ID: key}
			}
			entry = Entry{SessionID: s.newID()}
		}
		if err := fn(&entry, existed); err != nil {
			return err
		}
		if entry.SessionID == "" {
			entry.SessionID = s.newID()
		}
		entry.expireAutoAuthOverride()
		entry.UpdatedAt = s.now().UnixMilli()
		entries[key] = entry

		if err := filelock.WriteJSONAtomic(s.path, entries, 0o600); err != nil {
			return fmt.Errorf("write session store: %w", err)
		}
		s.remember(entries)
		out = entry
		return nil
	})
	if err != nil {
		if gwerrors.IsLockContention(err) {
			s.logger.Error("session store lock contention", "path", s.path, "error", err)
		}
		return nil, err
	}
	return &out, nil
}

// Ensure returns the entry for key, creating it on first use.
func (s *Store) Ensure(ctx context.Context, key, channel string) (*Entry, bool, error) {
	if entry, ok := s.Lookup(ctx, key); ok {
		return entry, false, nil
	}
	created := false
	entry, err := s.Update(ctx, key, true, func(e *Entry, existed bool) error {
		created = !existed
		if e.Channel == "" {
			e.Channel = channel
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Debug("session created", "key", key, "session_id", entry.SessionID)
	}
	return entry, created, nil
}

// Patch validates and merges p into the entry for key.
func (s *Store) Patch(ctx context.Context, key string, p Patch, create bool) (*Entry, error) {
	if err := p.Validate(); err != nil {
		return nil, &gwerrors.ParseError{Reason: err.Error()}
	}
	return s.Update(ctx, key, create, func(e *Entry, _ bool) error {
		p.Apply(e)
		return nil
	})
}

// Reset gives the session a fresh runtime handle and clears its counters,
// keeping overrides and levels.
func (s *Store) Reset(ctx context.Context, key string) (*Entry, error) {
	return s.Update(ctx, key, true, func(e *Entry, _ bool) error {
		*e = Entry{
			SessionID:        s.newID(),
			Channel:          e.Channel,
			Label:            e.Label,
			ProviderOverride: e.ProviderOverride,
			ModelOverride:    e.ModelOverride,
			ThinkingLevel:    e.ThinkingLevel,
			ElevatedLevel:    e.ElevatedLevel,
		}
		return nil
	})
}

func readEntries(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]Entry), nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	entries := make(map[string]Entry)
	if len(strings.TrimSpace(string(data))) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse session store %s: %w", path, err)
	}
	return entries, nil
}

func cloneEntries(in map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(in))
	for k, v := range in {
		if v.AuthProfileOverrideCompactionCount != nil {
			fence := *v.AuthProfileOverrideCompactionCount
			v.AuthProfileOverrideCompactionCount = &fence
		}
		out[k] = v
	}
	return out
}
