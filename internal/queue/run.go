package queue

import (
	"fmt"
	"strings"
	"time"
)

// RunSpec describes the agent invocation a follow-up will make.
type RunSpec struct {
	AgentID     string        `json:"agentId"`
	SessionID   string        `json:"sessionId"`
	SessionKey  string        `json:"sessionKey"`
	Channel     string        `json:"channel,omitempty"`
	Workspace   string        `json:"workspace,omitempty"`
	Provider    string        `json:"provider,omitempty"`
	Model       string        `json:"model,omitempty"`
	AuthProfile string        `json:"authProfile,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	IsSubagent  bool          `json:"isSubagent,omitempty"`
}

// FollowupRun is a queued, not-yet-executed invocation. Values are never
// mutated once queued; merging produces a new value.
type FollowupRun struct {
	Prompt     string    `json:"prompt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	Reason     string    `json:"reason,omitempty"`
	Run        RunSpec   `json:"run"`
	// Parts are the original prompts folded into this run.
	Parts      []string `json:"parts,omitempty"`
	Summarized bool     `json:"summarized,omitempty"`
}

func (f FollowupRun) parts() []string {
	if len(f.Parts) > 0 {
		return f.Parts
	}
	return []string{f.Prompt}
}

// mergeCollected folds next into prev, keeping the newest run descriptor.
func mergeCollected(prev, next FollowupRun) FollowupRun {
	parts := append(append([]string(nil), prev.parts()...), next.parts()...)
	return FollowupRun{
		Prompt:     formatCollected(parts),
		EnqueuedAt: prev.EnqueuedAt,
		Reason:     next.Reason,
		Run:        next.Run,
		Parts:      parts,
	}
}

func formatCollected(parts []string) string {
	if len(parts) == 1 {
		return parts[0]
	}
	var b strings.Builder
	b.WriteString("[Queued messages while agent was busy]")
	for i, p := range parts {
		fmt.Fprintf(&b, "\n\n---\nQueued #%d\n%s", i+1, p)
	}
	return b.String()
}

// summarize collapses items and next into one run whose prompt carries
// every original prompt.
func summarize(items []FollowupRun, next FollowupRun) FollowupRun {
	var parts []string
	for _, it := range items {
		parts = append(parts, it.parts()...)
	}
	parts = append(parts, next.parts()...)

	var b strings.Builder
	fmt.Fprintf(&b, "[Queue overflow: %d messages summarized]", len(parts))
	for i, p := range parts {
		fmt.Fprintf(&b, "\n%d. %s", i+1, p)
	}
	enqueued := next.EnqueuedAt
	if len(items) > 0 {
		enqueued = items[0].EnqueuedAt
	}
	return FollowupRun{
		Prompt:     b.String(),
		EnqueuedAt: enqueued,
		Reason:     next.Reason,
		Run:        next.Run,
		Parts:      parts,
		Summarized: true,
	}
}
