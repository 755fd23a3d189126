package models

import (
	"sort"
	"strings"
)

// Built-in providers the gateway knows how to reach.
const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
	ProviderLMStudio   = "lmstudio"
)

var builtinProviders = []string{
	ProviderAnthropic,
	ProviderOpenAI,
	ProviderOllama,
	ProviderOpenRouter,
	ProviderLMStudio,
}

// Entry is one configured model.
type Entry struct {
	Provider      string   `json:"provider"`
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Aliases       []string `json:"aliases,omitempty"`
	ContextWindow int      `json:"contextWindow,omitempty"`
}

// Ref returns the entry's provider/model pair.
func (e Entry) Ref() Ref {
	return Ref{Provider: NormalizeProvider(e.Provider), Model: e.ID}
}

// AliasIndex maps aliases to refs and refs back to their aliases. It is
// derived from config and never persisted.
type AliasIndex struct {
	byAlias map[string]Ref
	byKey   map[string][]string
}

// NewAliasIndex builds an index. Later registrations of the same alias win.
func NewAliasIndex() *AliasIndex {
	return &AliasIndex{byAlias: make(map[string]Ref), byKey: make(map[string][]string)}
}

// Add registers alias for ref.
func (x *AliasIndex) Add(alias string, ref Ref) {
	alias = strings.ToLower(strings.TrimSpace(alias))
	if alias == "" {
		return
	}
	if prev, ok := x.byAlias[alias]; ok {
		x.removeKeyAlias(prev.Key(), alias)
	}
	x.byAlias[alias] = ref
	key := ref.Key()
	x.byKey[key] = append(x.byKey[key], alias)
	sort.Strings(x.byKey[key])
}

func (x *AliasIndex) removeKeyAlias(key, alias string) {
	list := x.byKey[key]
	for i, a := range list {
		if a == alias {
			x.byKey[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(x.byKey[key]) == 0 {
		delete(x.byKey, key)
	}
}

// Lookup returns the ref for alias, case-insensitively.
func (x *AliasIndex) Lookup(alias string) (Ref, bool) {
	ref, ok := x.byAlias[strings.ToLower(strings.TrimSpace(alias))]
	return ref, ok
}

// AliasesFor lists the aliases that point at ref.
func (x *AliasIndex) AliasesFor(ref Ref) []string {
	return append([]string(nil), x.byKey[ref.Key()]...)
}

// Len returns the number of aliases.
func (x *AliasIndex) Len() int { return len(x.byAlias) }
