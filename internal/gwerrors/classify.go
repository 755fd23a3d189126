package gwerrors

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// StatusCoder is implemented by runtime errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Classify converts a runtime failure into a ProviderError. Errors already
// classified are returned as-is with provider and model filled in.
func Classify(provider, model string, err error) *ProviderError {
	if err == nil {
		return nil
	}

	var existing *ProviderError
	if errors.As(err, &existing) {
		out := *existing
		if out.Provider == "" {
			out.Provider = provider
		}
		if out.Model == "" {
			out.Model = model
		}
		if out.Reason == "" {
			out.Reason = classifyReason(out.Status, err)
		}
		return &out
	}

	var authErr *AuthError
	if errors.As(err, &authErr) {
		return &ProviderError{Provider: provider, Model: model, Reason: ReasonAuth, Message: authErr.Error(), Cause: err}
	}

	status := 0
	var sc StatusCoder
	if errors.As(err, &sc) {
		status = sc.StatusCode()
	}
	return &ProviderError{
		Provider: provider,
		Model:    model,
		Reason:   classifyReason(status, err),
		Status:   status,
		Cause:    err,
	}
}

func classifyReason(status int, err error) ProviderReason {
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}

	switch status {
	case http.StatusPaymentRequired:
		return ReasonBilling
	case http.StatusTooManyRequests:
		return ReasonRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		return ReasonAuth
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ReasonTimeout
	case http.StatusServiceUnavailable, http.StatusBadGateway, 529:
		return ReasonOverloaded
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "context length", "context window", "context_length_exceeded",
		"maximum context", "prompt is too long", "too many tokens", "request too large"):
		return ReasonContextOverflow
	case containsAny(msg, "billing", "payment required", "insufficient credit",
		"insufficient_quota", "credit balance", "quota exceeded"):
		return ReasonBilling
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "resource_exhausted"):
		return ReasonRateLimit
	case containsAny(msg, "overloaded", "capacity", "service unavailable", "server is busy"):
		return ReasonOverloaded
	case containsAny(msg, "timeout", "timed out", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case containsAny(msg, "invalid request format", "invalid_request_error", "tool_use",
		"messages.", "string should match pattern", "unexpected role"):
		return ReasonFormat
	case containsAny(msg, "unauthorized", "invalid api key", "invalid_api_key",
		"authentication", "permission denied"):
		return ReasonAuth
	}

	if status >= 500 {
		return ReasonOverloaded
	}
	return ReasonOther
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
