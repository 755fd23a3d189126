// Package auth holds the credential ledger used to pick provider auth
// profiles, plus the gateway's RPC token service.
package auth

import (
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/switchyard/internal/backoff"
	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

// StoreVersion is the current on-disk schema version.
const StoreVersion = 1

// CredentialType identifies the credential variant.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialToken  CredentialType = "token"
	CredentialOAuth  CredentialType = "oauth"
)

// Credential is one stored provider credential.
type Credential struct {
	Type     CredentialType `json:"type"`
	Provider string         `json:"provider"`

	// api_key
	Key string `json:"key,omitempty"`
	// token
	Token string `json:"token,omitempty"`
	// oauth (kept for round-tripping, never used in this build)
	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`

	// Expires is unix ms; zero means no expiry.
	Expires int64  `json:"expires,omitempty"`
	Email   string `json:"email,omitempty"`
}

// expired reports whether a token-style credential is past its expiry.
func (c Credential) expired(now time.Time) bool {
	return c.Expires > 0 && now.UnixMilli() >= c.Expires
}

// UsageStats is the health bookkeeping for one profile. Times are unix ms.
type UsageStats struct {
	LastUsed       int64          `json:"lastUsed,omitempty"`
	ErrorCount     int            `json:"errorCount,omitempty"`
	FailureCounts  map[string]int `json:"failureCounts,omitempty"`
	LastFailureAt  int64          `json:"lastFailureAt,omitempty"`
	CooldownUntil  int64          `json:"cooldownUntil,omitempty"`
	DisabledUntil  int64          `json:"disabledUntil,omitempty"`
	DisabledReason string         `json:"disabledReason,omitempty"`
}

// blockedUntil returns the later of the cooldown and disabled windows.
func (u UsageStats) blockedUntil() int64 {
	if u.DisabledUntil > u.CooldownUntil {
		return u.DisabledUntil
	}
	return u.CooldownUntil
}

// ProfileStore is the versioned credential document.
type ProfileStore struct {
	Version    int                   `json:"version"`
	Profiles   map[string]Credential `json:"profiles"`
	Order      map[string][]string   `json:"order,omitempty"`
	LastGood   map[string]string     `json:"lastGood,omitempty"`
	UsageStats map[string]UsageStats `json:"usageStats,omitempty"`
}

// NewProfileStore returns an empty document at the current version.
func NewProfileStore() *ProfileStore {
	ps := &ProfileStore{Version: StoreVersion}
	ps.initMaps()
	return ps
}

func (ps *ProfileStore) initMaps() {
	if ps.Profiles == nil {
		ps.Profiles = make(map[string]Credential)
	}
	if ps.Order == nil {
		ps.Order = make(map[string][]string)
	}
	if ps.LastGood == nil {
		ps.LastGood = make(map[string]string)
	}
	if ps.UsageStats == nil {
		ps.UsageStats = make(map[string]UsageStats)
	}
}

// CooldownPolicy sizes the penalty windows applied after provider failures.
type CooldownPolicy struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	BillingBase time.Duration
	BillingMax  time.Duration
}

// DefaultCooldownPolicy escalates 1m*5^(n-1) up to 1h, and 5h*2^(n-1) up to
// 24h for billing failures.
func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{
		Base:        time.Minute,
		Factor:      5,
		Max:         time.Hour,
		BillingBase: 5 * time.Hour,
		BillingMax:  24 * time.Hour,
	}
}

// IsUsable reports whether the profile exists and is outside every
// cooldown, disabled and expiry window at now.
func (ps *ProfileStore) IsUsable(id string, now time.Time) bool {
	cred, ok := ps.Profiles[id]
	if !ok {
		return false
	}
	if cred.expired(now) {
		return false
	}
	return !blockedAt(ps.UsageStats[id].blockedUntil(), now)
}

// MarkCooldown blocks the profile until the given time, rounded up to the
// millisecond, and returns the resulting end of the window. Windows only
// ever grow: an earlier until than the current one is ignored. A billing
// reason also disables the profile for the same window.
func (ps *ProfileStore) MarkCooldown(id string, until time.Time, reason string) time.Time {
	ps.initMaps()
	stats := ps.UsageStats[id]
	ms := ceilMillis(until)
	if ms > stats.CooldownUntil {
		stats.CooldownUntil = ms
	}
	if reason == string(gwerrors.ReasonBilling) && ms > stats.DisabledUntil {
		stats.DisabledUntil = ms
		stats.DisabledReason = reason
	}
	ps.UsageStats[id] = stats
	return time.UnixMilli(stats.blockedUntil())
}

// RecordFailure counts a failure and, for cooldown-worthy reasons, applies
// the escalating window from policy. It returns the resulting block time.
func (ps *ProfileStore) RecordFailure(id string, reason gwerrors.ProviderReason, now time.Time, policy CooldownPolicy) time.Time {
	ps.initMaps()
	stats := ps.UsageStats[id]
	stats.ErrorCount++
	if stats.FailureCounts == nil {
		stats.FailureCounts = make(map[string]int)
	}
	stats.FailureCounts[string(reason)]++
	stats.LastFailureAt = now.UnixMilli()
	ps.UsageStats[id] = stats

	if cred, ok := ps.Profiles[id]; ok && ps.LastGood[cred.Provider] == id {
		delete(ps.LastGood, cred.Provider)
	}
	if !reason.Cooldown() {
		return time.UnixMilli(stats.blockedUntil())
	}

	var window time.Duration
	if reason == gwerrors.ReasonBilling {
		window = backoff.Escalate(policy.BillingBase, 2, policy.BillingMax, stats.FailureCounts[string(reason)])
	} else {
		window = backoff.Escalate(policy.Base, policy.Factor, policy.Max, stats.ErrorCount)
	}
	return ps.MarkCooldown(id, now.Add(window), string(reason))
}

// RecordSuccess resets failure bookkeeping and remembers the profile as the
// provider's last good choice.
func (ps *ProfileStore) RecordSuccess(id string, now time.Time) {
	ps.initMaps()
	stats := ps.UsageStats[id]
	stats.LastUsed = now.UnixMilli()
	stats.ErrorCount = 0
	stats.FailureCounts = nil
	ps.UsageStats[id] = stats
	if cred, ok := ps.Profiles[id]; ok {
		ps.LastGood[cred.Provider] = id
	}
}

// ClearCooldown removes every window for the profile.
func (ps *ProfileStore) ClearCooldown(id string) {
	stats, ok := ps.UsageStats[id]
	if !ok {
		return
	}
	stats.CooldownUntil = 0
	stats.DisabledUntil = 0
	stats.DisabledReason = ""
	stats.ErrorCount = 0
	stats.FailureCounts = nil
	ps.UsageStats[id] = stats
}

// SweepExpired drops windows that ended before now and returns how many
// profiles changed.
func (ps *ProfileStore) SweepExpired(now time.Time) int {
	changed := 0
	for id, stats := range ps.UsageStats {
		touched := false
		if stats.CooldownUntil > 0 && !blockedAt(stats.CooldownUntil, now) {
			stats.CooldownUntil = 0
			touched = true
		}
		if stats.DisabledUntil > 0 && !blockedAt(stats.DisabledUntil, now) {
			stats.DisabledUntil = 0
			stats.DisabledReason = ""
			touched = true
		}
		if touched {
			ps.UsageStats[id] = stats
			changed++
		}
	}
	return changed
}

// AddProfile inserts or replaces a credential and appends it to the
// provider's order.
func (ps *ProfileStore) AddProfile(id string, cred Credential) {
	ps.initMaps()
	cred.Provider = NormalizeProvider(cred.Provider)
	ps.Profiles[id] = cred
	for _, existing := range ps.Order[cred.Provider] {
		if existing == id {
			return
		}
	}
	ps.Order[cred.Provider] = append(ps.Order[cred.Provider], id)
}

// RemoveProfile deletes a credential and all bookkeeping for it.
func (ps *ProfileStore) RemoveProfile(id string) bool {
	cred, ok := ps.Profiles[id]
	if !ok {
		return false
	}
	delete(ps.Profiles, id)
	delete(ps.UsageStats, id)
	order := ps.Order[cred.Provider][:0]
	for _, existing := range ps.Order[cred.Provider] {
		if existing != id {
			order = append(order, existing)
		}
	}
	if len(order) == 0 {
		delete(ps.Order, cred.Provider)
	} else {
		ps.Order[cred.Provider] = order
	}
	if ps.LastGood[cred.Provider] == id {
		delete(ps.LastGood, cred.Provider)
	}
	return true
}

// ProfilesFor lists the provider's profile ids in preference order: the
// explicit order first, then the rest by least recent use.
func (ps *ProfileStore) ProfilesFor(provider string) []string {
	provider = NormalizeProvider(provider)
	seen := make(map[string]bool)
	var out []string
	for _, id := range ps.Order[provider] {
		if cred, ok := ps.Profiles[id]; ok && cred.Provider == provider && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	var rest []string
	for id, cred := range ps.Profiles {
		if cred.Provider == provider && !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		a, b := ps.UsageStats[rest[i]].LastUsed, ps.UsageStats[rest[j]].LastUsed
		if a != b {
			return a < b
		}
		return rest[i] < rest[j]
	})
	return append(out, rest...)
}

// Select picks a usable profile for provider. A usable preferred profile
// wins, then the provider's last good profile, then ProfilesFor order.
func (ps *ProfileStore) Select(provider, preferred string, now time.Time) (string, error) {
	provider = NormalizeProvider(provider)
	candidates := ps.ProfilesFor(provider)
	if len(candidates) == 0 {
		return "", &gwerrors.AuthError{Provider: provider, Reason: gwerrors.AuthMissing, Message: "no profiles configured"}
	}

	ordered := make([]string, 0, len(candidates)+2)
	if preferred != "" {
		ordered = append(ordered, preferred)
	}
	if lg := ps.LastGood[provider]; lg != "" {
		ordered = append(ordered, lg)
	}
	ordered = append(ordered, candidates...)

	var sawOAuth, sawExpired, sawCooling bool
	for _, id := range ordered {
		cred, ok := ps.Profiles[id]
		if !ok || cred.Provider != provider {
			continue
		}
		if cred.Type == CredentialOAuth {
			sawOAuth = true
			continue
		}
		if cred.expired(now) {
			sawExpired = true
			continue
		}
		if ps.IsUsable(id, now) {
			return id, nil
		}
		sawCooling = true
	}

	switch {
	case sawCooling:
		return "", &gwerrors.AuthError{Provider: provider, Reason: gwerrors.AuthDisabled, Message: "all profiles are cooling down"}
	case sawExpired:
		return "", &gwerrors.AuthError{Provider: provider, Reason: gwerrors.AuthExpired, Message: "every profile has expired"}
	case sawOAuth:
		return "", &gwerrors.AuthError{Provider: provider, Reason: gwerrors.AuthUnsupported, Message: "oauth profiles are not supported in this build"}
	default:
		return "", &gwerrors.AuthError{Provider: provider, Reason: gwerrors.AuthMissing, Message: "no usable profile"}
	}
}

// blockedAt reports whether a window ending at until (unix ms) still covers
// now. Window ends are stored rounded up by ceilMillis, so the stored
// instant is the boundary and now is compared at full precision.
func blockedAt(until int64, now time.Time) bool {
	return until > 0 && now.Before(time.UnixMilli(until))
}

// ceilMillis rounds up so a window never ends before the requested instant.
func ceilMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.After(time.UnixMilli(ms)) {
		ms++
	}
	return ms
}

// NormalizeProvider lower-cases and trims a provider id.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
