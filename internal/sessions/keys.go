package sessions

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/haasonsaas/switchyard/internal/config"
)

// Default constants for session key routing.
const (
	DefaultAgentID = "main"
	DefaultMainKey = "main"
)

// Suffix markers that make a key a child of its base key.
const (
	threadMarker = "thread"
	topicMarker  = "topic"
)

// ParsedKey is a parsed "agent:<id>:<rest>" session key.
type ParsedKey struct {
	AgentID    string
	Rest       string
	Channel    string
	ThreadID   string
	TopicID    string
	IsSubagent bool
}

// ParseKey parses a session key like "agent:main:telegram:group:123".
// Returns nil if the key is invalid or doesn't start with "agent:".
func ParseKey(sessionKey string) *ParsedKey {
	raw := strings.TrimSpace(sessionKey)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ":")
	filtered := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			filtered = append(filtered, p)
		}
	}
	if len(filtered) < 3 || !strings.EqualFold(filtered[0], "agent") {
		return nil
	}

	agentID := strings.TrimSpace(filtered[1])
	rest := filtered[2:]
	if agentID == "" || len(rest) == 0 {
		return nil
	}

	parsed := &ParsedKey{
		AgentID:    agentID,
		Rest:       strings.Join(rest, ":"),
		IsSubagent: strings.EqualFold(rest[0], "subagent"),
	}
	if len(rest) > 1 && !parsed.IsSubagent && !strings.EqualFold(rest[0], DefaultMainKey) {
		parsed.Channel = strings.ToLower(rest[0])
	}
	if n := len(rest); n >= 2 {
		switch strings.ToLower(rest[n-2]) {
		case threadMarker:
			parsed.ThreadID = rest[n-1]
		case topicMarker:
			parsed.TopicID = rest[n-1]
		}
	}
	return parsed
}

// ParentKey returns the base key of a ":thread:<id>" or ":topic:<id>" key,
// or "" when the key has no parent.
func ParentKey(sessionKey string) string {
	raw := strings.TrimSpace(sessionKey)
	idx := strings.LastIndex(raw, ":")
	if idx <= 0 || idx == len(raw)-1 {
		return ""
	}
	base := raw[:idx]
	markerIdx := strings.LastIndex(base, ":")
	if markerIdx <= 0 {
		return ""
	}
	switch strings.ToLower(base[markerIdx+1:]) {
	case threadMarker, topicMarker:
		parent := base[:markerIdx]
		if ParseKey(parent) == nil {
			return ""
		}
		return parent
	}
	return ""
}

// IsSubagentKey checks if a session key is for a subagent.
func IsSubagentKey(sessionKey string) bool {
	raw := strings.TrimSpace(sessionKey)
	if strings.HasPrefix(strings.ToLower(raw), "subagent:") {
		return true
	}
	parsed := ParseKey(raw)
	return parsed != nil && parsed.IsSubagent
}

// agentIDRegex matches valid agent IDs: [a-z0-9][a-z0-9_-]{0,63}
var agentIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,63}$`)

var (
	invalidCharsRegex    = regexp.MustCompile(`[^a-z0-9_-]+`)
	leadingHyphensRegex  = regexp.MustCompile(`^-+`)
	trailingHyphensRegex = regexp.MustCompile(`-+$`)
)

// NormalizeAgentID normalizes an agent ID to be path-safe and shell-friendly.
func NormalizeAgentID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return DefaultAgentID
	}
	if agentIDRegex.MatchString(trimmed) {
		return strings.ToLower(trimmed)
	}

	normalized := strings.ToLower(trimmed)
	normalized = invalidCharsRegex.ReplaceAllString(normalized, "-")
	normalized = leadingHyphensRegex.ReplaceAllString(normalized, "")
	normalized = trailingHyphensRegex.ReplaceAllString(normalized, "")
	if len(normalized) > 64 {
		normalized = normalized[:64]
	}
	if normalized == "" {
		return DefaultAgentID
	}
	return normalized
}

// CanonicalKey builds the store key for a request key.
//
// An empty or "main" request key maps to the agent's main session. A
// configured main key other than "main" is ignored; the warning is emitted
// once per warn state.
func CanonicalKey(agentID, requestKey, mainKey string, warn *config.WarnState, logger *slog.Logger) string {
	if mk := strings.TrimSpace(mainKey); mk != "" && !strings.EqualFold(mk, DefaultMainKey) {
		if warn.Once("session.main_key") && logger != nil {
			logger.Warn("session.main_key is ignored; the main session key is always \"main\"", "configured", mk)
		}
	}

	raw := strings.TrimSpace(requestKey)
	if raw == "" || strings.EqualFold(raw, DefaultMainKey) {
		return "agent:" + NormalizeAgentID(agentID) + ":" + DefaultMainKey
	}
	if parsed := ParseKey(raw); parsed != nil {
		return "agent:" + NormalizeAgentID(parsed.AgentID) + ":" + strings.ToLower(parsed.Rest)
	}
	return "agent:" + NormalizeAgentID(agentID) + ":" + strings.ToLower(raw)
}

// ThreadKey appends a thread suffix to a base key.
func ThreadKey(baseKey, threadID string) string {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return baseKey
	}
	return baseKey + ":" + threadMarker + ":" + threadID
}

// TopicKey appends a topic suffix to a base key.
func TopicKey(baseKey, topicID string) string {
	topicID = strings.TrimSpace(topicID)
	if topicID == "" {
		return baseKey
	}
	return baseKey + ":" + topicMarker + ":" + topicID
}
