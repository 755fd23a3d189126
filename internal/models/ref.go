// Package models resolves user-entered model references to concrete
// provider/model pairs and runs requests across a fallback chain.
package models

import (
	"strings"

	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

// Ref is a concrete provider/model pair.
type Ref struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// Key returns the canonical "provider/model" key.
func (r Ref) Key() string {
	return ModelKey(r.Provider, r.Model)
}

// String renders the ref as provider/model, keeping the model's case.
func (r Ref) String() string {
	if r.Provider == "" {
		return r.Model
	}
	return r.Provider + "/" + r.Model
}

// IsZero reports whether the ref is empty.
func (r Ref) IsZero() bool {
	return r.Provider == "" && r.Model == ""
}

// ModelKey creates the lookup key for a provider/model pair.
func ModelKey(provider, model string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "/" + strings.ToLower(strings.TrimSpace(model))
}

// NormalizeProvider lower-cases and trims a provider id.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// ParseModelRef parses "provider/model" or a bare model id. A bare id takes
// defaultProvider. Model ids may themselves contain slashes.
func ParseModelRef(raw, defaultProvider string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Ref{}, &gwerrors.ParseError{Reason: "empty model reference"}
	}
	if strings.ContainsAny(raw, " \t\n") {
		return Ref{}, &gwerrors.ParseError{Input: raw, Reason: "model reference contains whitespace"}
	}
	provider, model, found := strings.Cut(raw, "/")
	if !found {
		if defaultProvider == "" {
			return Ref{}, &gwerrors.ParseError{Input: raw, Reason: "model reference has no provider"}
		}
		return Ref{Provider: NormalizeProvider(defaultProvider), Model: raw}, nil
	}
	if provider == "" || model == "" || strings.HasSuffix(model, "/") {
		return Ref{}, &gwerrors.ParseError{Input: raw, Reason: "expected provider/model"}
	}
	return Ref{Provider: NormalizeProvider(provider), Model: model}, nil
}

// SplitProfile separates a trailing "@profile" from a model reference.
func SplitProfile(raw string) (ref, profile string) {
	raw = strings.TrimSpace(raw)
	idx := strings.LastIndex(raw, "@")
	if idx <= 0 || idx == len(raw)-1 {
		return raw, ""
	}
	return raw[:idx], raw[idx+1:]
}
