package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

// MatchKind records which resolution step produced a ref.
type MatchKind string

const (
	MatchAlias           MatchKind = "alias"
	MatchExact           MatchKind = "exact"
	MatchDefaultProvider MatchKind = "default_provider"
	MatchFuzzy           MatchKind = "fuzzy"
)

// Config describes the configured model universe.
type Config struct {
	// Default is the "provider/model" used when nothing else applies.
	Default string
	// Fallbacks are tried after the primary, in order.
	Fallbacks []string
	Catalog   []Entry
	// Aliases maps alias to "provider/model".
	Aliases map[string]string
	// Allowlist holds "provider/model" refs. Empty allows the whole catalog.
	Allowlist []string
	// Providers extends the built-in provider set.
	Providers []string
	// LocalProviders never need credentials and are never cooled down.
	LocalProviders []string
}

// Resolution is a resolved model reference.
type Resolution struct {
	Ref     Ref
	Match   MatchKind
	Alias   string
	Profile string
}

// Resolver maps user text to allowlisted refs. It is immutable once built;
// config reloads build a new one.
type Resolver struct {
	defaultRef Ref
	fallbacks  []Ref
	entries    map[string]Entry
	aliases    *AliasIndex
	allowed    map[string]Entry
	providers  map[string]bool
	local      map[string]bool
	candidates []candidate
}

// NewResolver validates cfg and builds the alias and allowlist indexes.
func NewResolver(cfg Config) (*Resolver, error) {
	r := &Resolver{
		entries:   make(map[string]Entry),
		aliases:   NewAliasIndex(),
		allowed:   make(map[string]Entry),
		providers: make(map[string]bool),
		local:     map[string]bool{ProviderOllama: true},
	}
	for _, p := range builtinProviders {
		r.providers[p] = true
	}
	for _, p := range cfg.Providers {
		if p = NormalizeProvider(p); p != "" {
			r.providers[p] = true
		}
	}
	for _, p := range cfg.LocalProviders {
		if p = NormalizeProvider(p); p != "" {
			r.local[p] = true
			r.providers[p] = true
		}
	}

	def, err := ParseModelRef(cfg.Default, "")
	if err != nil {
		return nil, fmt.Errorf("default model: %w", err)
	}
	if !r.providers[def.Provider] {
		return nil, fmt.Errorf("default model: %w", &gwerrors.UnsupportedProviderError{Provider: def.Provider})
	}
	r.defaultRef = def

	for _, e := range cfg.Catalog {
		e.Provider = NormalizeProvider(e.Provider)
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry for %q has no id", e.Provider)
		}
		if !r.providers[e.Provider] {
			return nil, fmt.Errorf("catalog entry %s: %w", e.Ref(), &gwerrors.UnsupportedProviderError{Provider: e.Provider})
		}
		r.entries[e.Ref().Key()] = e
		for _, a := range e.Aliases {
			r.aliases.Add(a, e.Ref())
		}
	}
	if _, ok := r.entries[def.Key()]; !ok {
		r.entries[def.Key()] = Entry{Provider: def.Provider, ID: def.Model}
	}

	aliasNames := make([]string, 0, len(cfg.Aliases))
	for a := range cfg.Aliases {
		aliasNames = append(aliasNames, a)
	}
	sort.Strings(aliasNames)
	for _, a := range aliasNames {
		ref, err := r.parseKnown(cfg.Aliases[a])
		if err != nil {
			return nil, fmt.Errorf("alias %q: %w", a, err)
		}
		r.aliases.Add(a, r.canonical(ref))
	}

	if len(cfg.Allowlist) == 0 {
		for key, e := range r.entries {
			r.allowed[key] = e
		}
	} else {
		for _, raw := range cfg.Allowlist {
			ref, err := r.parseKnown(raw)
			if err != nil {
				return nil, fmt.Errorf("allowlist: %w", err)
			}
			r.allowed[ref.Key()] = r.entryFor(ref)
		}
	}

	for _, raw := range cfg.Fallbacks {
		ref, err := r.parseKnown(raw)
		if err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		r.fallbacks = append(r.fallbacks, r.canonical(ref))
	}

	for _, e := range r.Allowed() {
		r.candidates = append(r.candidates, newCandidate(e, r.aliases.AliasesFor(e.Ref())))
	}
	return r, nil
}

func (r *Resolver) parseKnown(raw string) (Ref, error) {
	ref, err := ParseModelRef(raw, r.defaultRef.Provider)
	if err != nil {
		return Ref{}, err
	}
	if !r.providers[ref.Provider] {
		return Ref{}, &gwerrors.UnsupportedProviderError{Provider: ref.Provider}
	}
	return ref, nil
}

func (r *Resolver) entryFor(ref Ref) Entry {
	if e, ok := r.entries[ref.Key()]; ok {
		return e
	}
	return Entry{Provider: ref.Provider, ID: ref.Model}
}

// canonical swaps a ref for the catalog's spelling of the same key.
func (r *Resolver) canonical(ref Ref) Ref {
	if e, ok := r.allowed[ref.Key()]; ok {
		return e.Ref()
	}
	if e, ok := r.entries[ref.Key()]; ok {
		return e.Ref()
	}
	return ref
}

// Default returns the configured default model.
func (r *Resolver) Default() Ref { return r.canonical(r.defaultRef) }

// Fallbacks returns the configured fallback refs.
func (r *Resolver) Fallbacks() []Ref { return append([]Ref(nil), r.fallbacks...) }

// Aliases exposes the alias index.
func (r *Resolver) Aliases() *AliasIndex { return r.aliases }

// KnownProvider reports whether provider can be reached.
func (r *Resolver) KnownProvider(provider string) bool {
	return r.providers[NormalizeProvider(provider)]
}

// IsLocal reports whether provider runs without credentials.
func (r *Resolver) IsLocal(provider string) bool {
	return r.local[NormalizeProvider(provider)]
}

// IsAllowed reports whether ref is on the allowlist.
func (r *Resolver) IsAllowed(ref Ref) bool {
	_, ok := r.allowed[ref.Key()]
	return ok
}

// Allowed lists allowlisted entries sorted by key.
func (r *Resolver) Allowed() []Entry {
	out := make([]Entry, 0, len(r.allowed))
	for _, e := range r.allowed {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref().Key() < out[j].Ref().Key() })
	return out
}

// AllowedFor lists allowlisted entries for one provider.
func (r *Resolver) AllowedFor(provider string) []Entry {
	provider = NormalizeProvider(provider)
	var out []Entry
	for _, e := range r.Allowed() {
		if e.Provider == provider {
			out = append(out, e)
		}
	}
	return out
}

// Providers lists the providers that have at least one allowlisted model.
func (r *Resolver) Providers() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.allowed {
		if !seen[e.Provider] {
			seen[e.Provider] = true
			out = append(out, e.Provider)
		}
	}
	sort.Strings(out)
	return out
}

// Resolve maps raw user text to an allowlisted ref. A trailing "@profile"
// is split off into Resolution.Profile.
func (r *Resolver) Resolve(raw string) (Resolution, error) {
	text, profile := SplitProfile(raw)
	text = strings.TrimSpace(text)
	if text == "" {
		return Resolution{}, &gwerrors.ParseError{Input: raw, Reason: "empty model reference"}
	}
	res, err := r.resolve(text)
	if err != nil {
		return Resolution{}, err
	}
	res.Profile = profile
	return res, nil
}

func (r *Resolver) resolve(text string) (Resolution, error) {
	if ref, ok := r.aliases.Lookup(text); ok {
		if !r.IsAllowed(ref) {
			return Resolution{}, &gwerrors.NotFoundError{Kind: "allowed model", ID: ref.Key()}
		}
		return Resolution{Ref: r.canonical(ref), Match: MatchAlias, Alias: strings.ToLower(text)}, nil
	}

	if strings.Contains(text, "/") {
		ref, err := ParseModelRef(text, "")
		if err != nil {
			return Resolution{}, err
		}
		if !r.providers[ref.Provider] {
			return Resolution{}, &gwerrors.UnsupportedProviderError{Provider: ref.Provider}
		}
		if !r.IsAllowed(ref) {
			return Resolution{}, &gwerrors.NotFoundError{Kind: "allowed model", ID: ref.Key()}
		}
		return Resolution{Ref: r.canonical(ref), Match: MatchExact}, nil
	} else if !strings.ContainsAny(text, " \t") {
		ref := Ref{Provider: r.defaultRef.Provider, Model: text}
		if r.IsAllowed(ref) {
			return Resolution{Ref: r.canonical(ref), Match: MatchDefaultProvider}, nil
		}
	}

	matches := rankFuzzy(text, r.candidates)
	if len(matches) == 0 {
		return Resolution{}, &gwerrors.NotFoundError{Kind: "allowed model", ID: text}
	}
	if tied := tiedAtTop(matches); len(tied) > 1 {
		keys := make([]string, len(tied))
		for i, m := range tied {
			keys[i] = m.ref.String()
		}
		sort.Strings(keys)
		return Resolution{}, &gwerrors.AmbiguousSelectionError{Input: text, Candidates: keys}
	}
	return Resolution{Ref: matches[0].ref, Match: MatchFuzzy}, nil
}

// Chain returns primary followed by the configured fallbacks, without
// duplicates.
func (r *Resolver) Chain(primary Ref) []Ref {
	out := []Ref{primary}
	seen := map[string]bool{primary.Key(): true}
	for _, f := range r.fallbacks {
		if !seen[f.Key()] {
			seen[f.Key()] = true
			out = append(out, f)
		}
	}
	return out
}
