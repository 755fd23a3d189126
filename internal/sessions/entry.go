// Package sessions persists per-session overrides, usage counters, and run
// bookkeeping in a JSON file shared between gateway and CLI processes.
package sessions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// OverrideSource records who set an auth-profile override.
type OverrideSource string

const (
	OverrideManual OverrideSource = "manual"
	OverrideAuto   OverrideSource = "auto"
)

// ElevatedLevel gates higher-risk tool execution.
type ElevatedLevel string

const (
	ElevatedOff ElevatedLevel = "off"
	ElevatedOn  ElevatedLevel = "on"
	ElevatedAsk ElevatedLevel = "ask"
)

// ParseElevatedLevel accepts off|on|ask and a few spellings of each.
func ParseElevatedLevel(raw string) (ElevatedLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "off", "false", "no", "0":
		return ElevatedOff, true
	case "on", "true", "yes", "1":
		return ElevatedOn, true
	case "ask", "prompt":
		return ElevatedAsk, true
	}
	return "", false
}

// ThinkingLevels lists the accepted thinking levels, lowest first.
var ThinkingLevels = []string{"off", "minimal", "low", "medium", "high", "xhigh"}

// ParseThinkingLevel normalizes a thinking level.
func ParseThinkingLevel(raw string) (string, bool) {
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "none", "0":
		level = "off"
	case "min":
		level = "minimal"
	case "on", "med", "mid":
		level = "medium"
	case "max", "highest":
		level = "xhigh"
	}
	for _, l := range ThinkingLevels {
		if l == level {
			return level, true
		}
	}
	return "", false
}

// Entry is the persisted state of one session.
type Entry struct {
	SessionID string `json:"sessionId"`
	UpdatedAt int64  `json:"updatedAt"`
	Channel   string `json:"channel,omitempty"`
	Label     string `json:"label,omitempty"`

	ProviderOverride string `json:"providerOverride,omitempty"`
	ModelOverride    string `json:"modelOverride,omitempty"`

	AuthProfileOverride       string         `json:"authProfileOverride,omitempty"`
	AuthProfileOverrideSource OverrideSource `json:"authProfileOverrideSource,omitempty"`
	// AuthProfileOverrideCompactionCount fences an auto override: once the
	// session compacts past it the override no longer applies.
	AuthProfileOverrideCompactionCount *int `json:"authProfileOverrideCompactionCount,omitempty"`

	ThinkingLevel string        `json:"thinkingLevel,omitempty"`
	ElevatedLevel ElevatedLevel `json:"elevatedLevel,omitempty"`

	TotalTokens   int64 `json:"totalTokens,omitempty"`
	InputTokens   int64 `json:"inputTokens,omitempty"`
	OutputTokens  int64 `json:"outputTokens,omitempty"`
	ContextTokens int64 `json:"contextTokens,omitempty"`

	CompactionCount int  `json:"compactionCount,omitempty"`
	AbortedLastRun  bool `json:"abortedLastRun,omitempty"`

	LastProvider string `json:"lastProvider,omitempty"`
	LastModel    string `json:"lastModel,omitempty"`
}

// HasModelOverride reports whether the session pins a provider and model.
func (e *Entry) HasModelOverride() bool {
	return e != nil && e.ProviderOverride != "" && e.ModelOverride != ""
}

// expireAutoAuthOverride drops an auto override whose compaction fence has
// been passed.
func (e *Entry) expireAutoAuthOverride() bool {
	if e.AuthProfileOverride == "" || e.AuthProfileOverrideSource != OverrideAuto {
		return false
	}
	fence := e.AuthProfileOverrideCompactionCount
	if fence == nil || e.CompactionCount <= *fence {
		return false
	}
	e.AuthProfileOverride = ""
	e.AuthProfileOverrideSource = ""
	e.AuthProfileOverrideCompactionCount = nil
	return true
}

// Field is a tri-state patch value: absent, explicitly null, or set.
type Field[T any] struct {
	Set   bool
	Null  bool
	Value T
}

// Set returns a field carrying v.
func Set[T any](v T) Field[T] { return Field[T]{Set: true, Value: v} }

// Clear returns an explicit null field.
func Clear[T any]() Field[T] { return Field[T]{Set: true, Null: true} }

// IsZero reports an absent field so omitzero drops it.
func (f Field[T]) IsZero() bool { return !f.Set }

func (f Field[T]) MarshalJSON() ([]byte, error) {
	if f.Null {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

func (f *Field[T]) UnmarshalJSON(data []byte) error {
	f.Set = true
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		f.Null = true
		var zero T
		f.Value = zero
		return nil
	}
	f.Null = false
	return json.Unmarshal(data, &f.Value)
}

// apply writes the field into dst: absent keeps, null zeroes, set assigns.
func (f Field[T]) apply(dst *T) {
	if !f.Set {
		return
	}
	if f.Null {
		var zero T
		*dst = zero
		return
	}
	*dst = f.Value
}

// Patch is a partial update. Absent fields keep their stored value and
// null fields are cleared.
type Patch struct {
	Channel Field[string] `json:"channel,omitzero"`
	Label   Field[string] `json:"label,omitzero"`

	ProviderOverride Field[string] `json:"providerOverride,omitzero"`
	ModelOverride    Field[string] `json:"modelOverride,omitzero"`

	AuthProfileOverride                Field[string]         `json:"authProfileOverride,omitzero"`
	AuthProfileOverrideSource          Field[OverrideSource] `json:"authProfileOverrideSource,omitzero"`
	AuthProfileOverrideCompactionCount Field[int]            `json:"authProfileOverrideCompactionCount,omitzero"`

	ThinkingLevel Field[string]        `json:"thinkingLevel,omitzero"`
	ElevatedLevel Field[ElevatedLevel] `json:"elevatedLevel,omitzero"`

	TotalTokens   Field[int64] `json:"totalTokens,omitzero"`
	InputTokens   Field[int64] `json:"inputTokens,omitzero"`
	OutputTokens  Field[int64] `json:"outputTokens,omitzero"`
	ContextTokens Field[int64] `json:"contextTokens,omitzero"`

	CompactionCount Field[int]  `json:"compactionCount,omitzero"`
	AbortedLastRun  Field[bool] `json:"abortedLastRun,omitzero"`

	LastProvider Field[string] `json:"lastProvider,omitzero"`
	LastModel    Field[string] `json:"lastModel,omitzero"`
}

// ClearModelOverride nulls provider, model, and any auth override tied to
// them.
func (p *Patch) ClearModelOverride() {
	p.ProviderOverride = Clear[string]()
	p.ModelOverride = Clear[string]()
	p.ClearAuthOverride()
}

// ClearAuthOverride nulls the auth-profile override and its bookkeeping.
func (p *Patch) ClearAuthOverride() {
	p.AuthProfileOverride = Clear[string]()
	p.AuthProfileOverrideSource = Clear[OverrideSource]()
	p.AuthProfileOverrideCompactionCount = Clear[int]()
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p == (Patch{})
}

// Validate checks enumerated fields and paired overrides.
func (p Patch) Validate() error {
	if p.ElevatedLevel.Set && !p.ElevatedLevel.Null {
		if _, ok := ParseElevatedLevel(string(p.ElevatedLevel.Value)); !ok {
			return fmt.Errorf("invalid elevatedLevel %q", p.ElevatedLevel.Value)
		}
	}
	if p.ThinkingLevel.Set && !p.ThinkingLevel.Null {
		if _, ok := ParseThinkingLevel(p.ThinkingLevel.Value); !ok {
			return fmt.Errorf("invalid thinkingLevel %q", p.ThinkingLevel.Value)
		}
	}
	if p.AuthProfileOverrideSource.Set && !p.AuthProfileOverrideSource.Null {
		switch p.AuthProfileOverrideSource.Value {
		case OverrideManual, OverrideAuto:
		default:
			return fmt.Errorf("invalid authProfileOverrideSource %q", p.AuthProfileOverrideSource.Value)
		}
	}
	if p.ProviderOverride.Set != p.ModelOverride.Set || p.ProviderOverride.Null != p.ModelOverride.Null {
		return fmt.Errorf("providerOverride and modelOverride must be patched together")
	}
	return nil
}

// Apply merges the patch into e.
func (p Patch) Apply(e *Entry) {
	p.Channel.apply(&e.Channel)
	p.Label.apply(&e.Label)
	p.ProviderOverride.apply(&e.ProviderOverride)
	p.ModelOverride.apply(&e.ModelOverride)
	p.AuthProfileOverride.apply(&e.AuthProfileOverride)
	p.AuthProfileOverrideSource.apply(&e.AuthProfileOverrideSource)
	if f := p.AuthProfileOverrideCompactionCount; f.Set {
		if f.Null {
			e.AuthProfileOverrideCompactionCount = nil
		} else {
			v := f.Value
			e.AuthProfileOverrideCompactionCount = &v
		}
	}
	if p.ThinkingLevel.Set && !p.ThinkingLevel.Null {
		level, _ := ParseThinkingLevel(p.ThinkingLevel.Value)
		e.ThinkingLevel = level
	} else {
		p.ThinkingLevel.apply(&e.ThinkingLevel)
	}
	if p.ElevatedLevel.Set && !p.ElevatedLevel.Null {
		level, _ := ParseElevatedLevel(string(p.ElevatedLevel.Value))
		e.ElevatedLevel = level
	} else {
		p.ElevatedLevel.apply(&e.ElevatedLevel)
	}
	p.TotalTokens.apply(&e.TotalTokens)
	p.InputTokens.apply(&e.InputTokens)
	p.OutputTokens.apply(&e.OutputTokens)
	p.ContextTokens.apply(&e.ContextTokens)
	p.CompactionCount.apply(&e.CompactionCount)
	p.AbortedLastRun.apply(&e.AbortedLastRun)
	p.LastProvider.apply(&e.LastProvider)
	p.LastModel.apply(&e.LastModel)
}
