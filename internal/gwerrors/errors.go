// Package gwerrors defines the error taxonomy shared by the gateway core.
//
// Every failure that crosses a component boundary is one of the types in this
// package so callers can branch with errors.As instead of matching strings.
package gwerrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Code is the stable wire identifier for an error kind.
type Code string

const (
	CodeParse               Code = "parse_error"
	CodeNotFound            Code = "not_found"
	CodeAuth                Code = "auth_error"
	CodeProvider            Code = "provider_error"
	CodeLockContention      Code = "lock_contention"
	CodeAmbiguousSelection  Code = "ambiguous_selection"
	CodeUnsupportedProvider Code = "unsupported_provider"
	CodeInternal            Code = "internal_error"
)

// ParseError reports a malformed directive or model reference.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Input == "" {
		return "parse error: " + e.Reason
	}
	return fmt.Sprintf("parse error: %s (%q)", e.Reason, e.Input)
}

// NotFoundError reports an unknown session, profile, model or call id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// AuthReason explains why a credential could not be used.
type AuthReason string

const (
	AuthMissing     AuthReason = "missing"
	AuthExpired     AuthReason = "expired"
	AuthUnsupported AuthReason = "unsupported"
	AuthDisabled    AuthReason = "disabled"
)

// AuthError reports a missing, expired, disabled or unsupported credential.
type AuthError struct {
	ProfileID string
	Provider  string
	Reason    AuthReason
	Message   string
}

func (e *AuthError) Error() string {
	var b strings.Builder
	b.WriteString("auth error")
	if e.Provider != "" {
		b.WriteString(" [" + e.Provider + "]")
	}
	if e.ProfileID != "" {
		b.WriteString(" profile " + e.ProfileID)
	}
	b.WriteString(": " + string(e.Reason))
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

// ProviderReason classifies a failed runtime invocation.
type ProviderReason string

const (
	ReasonBilling         ProviderReason = "billing"
	ReasonRateLimit       ProviderReason = "rate_limit"
	ReasonOverloaded      ProviderReason = "overloaded"
	ReasonContextOverflow ProviderReason = "context_overflow"
	ReasonFormat          ProviderReason = "format"
	ReasonTimeout         ProviderReason = "timeout"
	ReasonAuth            ProviderReason = "auth"
	ReasonOther           ProviderReason = "other"
)

// Cooldown reports whether the reason puts the credential profile on cooldown.
func (r ProviderReason) Cooldown() bool {
	return r == ReasonBilling || r == ReasonRateLimit
}

// Advances reports whether the fallback chain should move to the next candidate.
func (r ProviderReason) Advances() bool {
	switch r {
	case ReasonBilling, ReasonRateLimit, ReasonOverloaded, ReasonFormat, ReasonTimeout, ReasonAuth:
		return true
	default:
		return false
	}
}

// ProviderError is a classified failure from the external runtime.
type ProviderError struct {
	Provider string
	Model    string
	Reason   ProviderReason
	Status   int
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))
	if e.Provider != "" || e.Model != "" {
		parts = append(parts, e.Provider+"/"+e.Model)
	}
	if e.Status > 0 {
		parts = append(parts, fmt.Sprintf("(status %d)", e.Status))
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// LockContentionError means a store lock could not be acquired after every retry.
type LockContentionError struct {
	Path     string
	Attempts int
	Waited   time.Duration
	Cause    error
}

func (e *LockContentionError) Error() string {
	msg := fmt.Sprintf("lock contention on %s after %d attempts (%s)", e.Path, e.Attempts, e.Waited.Round(time.Millisecond))
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *LockContentionError) Unwrap() error { return e.Cause }

// AmbiguousSelectionError reports a model reference matching several candidates equally well.
type AmbiguousSelectionError struct {
	Input      string
	Candidates []string
}

func (e *AmbiguousSelectionError) Error() string {
	return fmt.Sprintf("ambiguous model %q: matches %s", e.Input, strings.Join(e.Candidates, ", "))
}

// UnsupportedProviderError reports a provider this gateway cannot reach.
type UnsupportedProviderError struct {
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider %q (local-only build or not configured)", e.Provider)
}

// CodeOf maps an error chain to its wire code.
func CodeOf(err error) Code {
	var (
		parseErr    *ParseError
		notFound    *NotFoundError
		authErr     *AuthError
		providerErr *ProviderError
		lockErr     *LockContentionError
		ambiguous   *AmbiguousSelectionError
		unsupported *UnsupportedProviderError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &lockErr):
		return CodeLockContention
	case errors.As(err, &ambiguous):
		return CodeAmbiguousSelection
	case errors.As(err, &unsupported):
		return CodeUnsupportedProvider
	case errors.As(err, &parseErr):
		return CodeParse
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &providerErr):
		return CodeProvider
	case errors.As(err, &authErr):
		return CodeAuth
	default:
		return CodeInternal
	}
}

// IsLockContention reports whether err is or wraps a LockContentionError.
func IsLockContention(err error) bool {
	var lockErr *LockContentionError
	return errors.As(err, &lockErr)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
