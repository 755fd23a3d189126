package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/switchyard/internal/queue"
)

// SessionConfig configures the session store and follow-up queueing.
type SessionConfig struct {
	StorePath string `yaml:"store_path"`
	// MainKey names the shared direct-message session. Only "main" is
	// honored; other values are ignored with a one-time warning.
	MainKey string      `yaml:"main_key"`
	Queue   QueueConfig `yaml:"queue"`
}

// QueueConfig is the follow-up queue policy, with per-channel overrides.
type QueueConfig struct {
	Mode       string `yaml:"mode"`
	DebounceMs *int   `yaml:"debounce_ms"`
	Cap        int    `yaml:"cap"`
	Drop       string `yaml:"drop"`
	// ByChannel overrides individual fields for one channel.
	ByChannel map[string]QueueOverride `yaml:"by_channel"`

	resolved  queue.Settings
	byChannel map[string]queue.Settings
}

// QueueOverride is a partial QueueConfig.
type QueueOverride struct {
	Mode       string `yaml:"mode"`
	DebounceMs *int   `yaml:"debounce_ms"`
	Cap        int    `yaml:"cap"`
	Drop       string `yaml:"drop"`
}

func (s *SessionConfig) applyDefaults(stateDir string) {
	if s.StorePath == "" {
		s.StorePath = filepath.Join(stateDir, "sessions.json")
	}
	if strings.TrimSpace(s.MainKey) == "" {
		s.MainKey = "main"
	}
	s.Queue.resolve()
}

func (s *SessionConfig) validate() []error {
	var errs []error
	errs = append(errs, validateQueueFields("session.queue", s.Queue.Mode, s.Queue.Drop, s.Queue.Cap, s.Queue.DebounceMs)...)
	for channel, o := range s.Queue.ByChannel {
		errs = append(errs, validateQueueFields("session.queue.by_channel."+channel, o.Mode, o.Drop, o.Cap, o.DebounceMs)...)
	}
	return errs
}

func validateQueueFields(path, mode, drop string, capacity int, debounceMs *int) []error {
	var errs []error
	if mode != "" {
		if _, ok := queue.ParseMode(mode); !ok {
			errs = append(errs, fmt.Errorf("%s.mode %q is not a queue mode", path, mode))
		}
	}
	if drop != "" {
		if _, ok := queue.ParseDropPolicy(drop); !ok {
			errs = append(errs, fmt.Errorf("%s.drop %q must be old, new or summarize", path, drop))
		}
	}
	if capacity < 0 {
		errs = append(errs, fmt.Errorf("%s.cap must not be negative", path))
	}
	if debounceMs != nil && *debounceMs < 0 {
		errs = append(errs, fmt.Errorf("%s.debounce_ms must not be negative", path))
	}
	return errs
}

// resolve computes the effective settings once. Invalid values are left at
// their defaults here and reported by validate.
func (q *QueueConfig) resolve() {
	base := queue.DefaultSettings()
	q.resolved = overlay(base, QueueOverride{Mode: q.Mode, DebounceMs: q.DebounceMs, Cap: q.Cap, Drop: q.Drop})
	q.byChannel = make(map[string]queue.Settings, len(q.ByChannel))
	for channel, o := range q.ByChannel {
		q.byChannel[strings.ToLower(strings.TrimSpace(channel))] = overlay(q.resolved, o)
	}
}

func overlay(base queue.Settings, o QueueOverride) queue.Settings {
	if mode, ok := queue.ParseMode(o.Mode); ok {
		base.Mode = mode
	}
	if o.DebounceMs != nil && *o.DebounceMs >= 0 {
		base.DebounceMs = *o.DebounceMs
	}
	if o.Cap > 0 {
		base.Cap = o.Cap
	}
	if drop, ok := queue.ParseDropPolicy(o.Drop); ok {
		base.DropPolicy = drop
	}
	return base
}

// Settings returns the queue settings for channel, falling back to the
// global settings.
func (q *QueueConfig) Settings(channel string) queue.Settings {
	if q.byChannel == nil {
		// Not loaded through Load; resolve a copy without caching.
		tmp := *q
		tmp.resolve()
		return tmp.Settings(channel)
	}
	if s, ok := q.byChannel[strings.ToLower(strings.TrimSpace(channel))]; ok {
		return s
	}
	return q.resolved
}
