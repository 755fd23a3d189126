package runtime

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicRunner calls the Messages API.
type AnthropicRunner struct {
	BaseURL   string
	MaxTokens int64
}

// NewAnthropicRunner builds a runner. An empty baseURL uses the SDK default.
func NewAnthropicRunner(baseURL string) *AnthropicRunner {
	return &AnthropicRunner{BaseURL: baseURL, MaxTokens: defaultAnthropicMaxTokens}
}

// Run implements Runner.
func (r *AnthropicRunner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.APIKey == "" {
		return nil, &gwerrors.AuthError{ProfileID: req.AuthProfile, Provider: "anthropic", Reason: gwerrors.AuthMissing, Message: "no api key"}
	}
	opts := []option.RequestOption{option.WithAPIKey(req.APIKey)}
	if r.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(r.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := r.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if budget := thinkingBudget(req.ThinkingLevel); budget > 0 && budget < maxTokens {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, &gwerrors.ProviderError{Provider: "anthropic", Model: req.Model, Status: apiErr.StatusCode, Message: apiErr.Error(), Cause: err}
		}
		return nil, err
	}

	out := &Result{Usage: Usage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
		TotalTokens:  msg.Usage.InputTokens + msg.Usage.OutputTokens,
	}}
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		if text := strings.TrimSpace(block.Text); text != "" {
			out.Payloads = append(out.Payloads, text)
		}
	}
	return out, nil
}

// thinkingBudget maps a thinking level to an extended thinking budget.
func thinkingBudget(level string) int64 {
	switch level {
	case "minimal":
		return 1024
	case "low":
		return 2048
	case "medium":
		return 4096
	case "high":
		return 8192
	case "xhigh":
		return 16384
	}
	return 0
}
