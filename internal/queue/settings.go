// Package queue holds per-session follow-up runs that arrive while a
// session is busy, and drains them one at a time once it is idle.
package queue

import (
	"strings"
	"time"
)

// Mode selects how a message for a busy session is handled.
type Mode string

const (
	ModeSteer        Mode = "steer"
	ModeCollect      Mode = "collect"
	ModeInterrupt    Mode = "interrupt"
	ModeFollowup     Mode = "followup"
	ModeQueue        Mode = "queue"
	ModeSteerBacklog Mode = "steer-backlog"
	ModeNone         Mode = "none"
)

// DropPolicy decides what happens when a queue is full.
type DropPolicy string

const (
	DropOld       DropPolicy = "old"
	DropNew       DropPolicy = "new"
	DropSummarize DropPolicy = "summarize"
)

// Defaults applied to zero-valued settings.
const (
	DefaultMode       = ModeCollect
	DefaultDebounceMs = 1000
	DefaultCap        = 20
	DefaultDropPolicy = DropSummarize
)

// ParseMode normalizes a mode name. "steer+backlog" and "steer_backlog" are
// accepted spellings of steer-backlog.
func ParseMode(raw string) (Mode, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("+", "-", "_", "-").Replace(s)
	switch Mode(s) {
	case ModeSteer, ModeCollect, ModeInterrupt, ModeFollowup, ModeQueue, ModeSteerBacklog, ModeNone:
		return Mode(s), true
	}
	return "", false
}

// ParseDropPolicy normalizes a drop policy. "oldest" and "newest" are
// accepted spellings.
func ParseDropPolicy(raw string) (DropPolicy, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "old", "oldest":
		return DropOld, true
	case "new", "newest":
		return DropNew, true
	case "summarize", "summary":
		return DropSummarize, true
	}
	return "", false
}

// Settings is the queue configuration for one session class.
type Settings struct {
	Mode       Mode       `json:"mode"`
	DebounceMs int        `json:"debounceMs"`
	Cap        int        `json:"cap"`
	DropPolicy DropPolicy `json:"dropPolicy"`
}

// DefaultSettings returns collect mode, 1s debounce, cap 20, summarize.
func DefaultSettings() Settings {
	return Settings{
		Mode:       DefaultMode,
		DebounceMs: DefaultDebounceMs,
		Cap:        DefaultCap,
		DropPolicy: DefaultDropPolicy,
	}
}

// WithDefaults fills unset fields.
func (s Settings) WithDefaults() Settings {
	if s.Mode == "" {
		s.Mode = DefaultMode
	}
	if s.DebounceMs < 0 {
		s.DebounceMs = 0
	}
	if s.Cap <= 0 {
		s.Cap = DefaultCap
	}
	if s.DropPolicy == "" {
		s.DropPolicy = DefaultDropPolicy
	}
	return s
}

// Debounce returns the debounce window.
func (s Settings) Debounce() time.Duration {
	return time.Duration(s.DebounceMs) * time.Millisecond
}
