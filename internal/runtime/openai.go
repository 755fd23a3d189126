package runtime

import (
	"context"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

// Default endpoints for OpenAI-compatible providers.
const (
	OpenAIBaseURL     = "https://api.openai.com/v1"
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	OllamaBaseURL     = "http://localhost:11434/v1"
	LMStudioBaseURL   = "http://localhost:1234/v1"
)

// OpenAIRunner talks to any OpenAI-compatible chat completions endpoint.
type OpenAIRunner struct {
	Provider string
	BaseURL  string
	// LocalKey is sent when the request has no API key (Ollama ignores it
	// but the client requires one).
	LocalKey  string
	MaxTokens int
}

// NewOpenAIRunner builds a runner for provider at baseURL.
func NewOpenAIRunner(provider, baseURL string) *OpenAIRunner {
	return &OpenAIRunner{Provider: provider, BaseURL: baseURL}
}

func (r *OpenAIRunner) client(apiKey string) *openai.Client {
	if apiKey == "" {
		apiKey = r.LocalKey
	}
	cfg := openai.DefaultConfig(apiKey)
	if r.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(r.BaseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

// Run implements Runner.
func (r *OpenAIRunner) Run(ctx context.Context, req Request) (*Result, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		User: req.SessionID,
	}
	if r.MaxTokens > 0 {
		chatReq.MaxTokens = r.MaxTokens
	}
	if effort := reasoningEffort(req.ThinkingLevel); effort != "" {
		chatReq.ReasoningEffort = effort
	}

	resp, err := r.client(req.APIKey).CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, r.wrapError(err, req.Model)
	}

	out := &Result{Usage: Usage{
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
		TotalTokens:  int64(resp.Usage.TotalTokens),
	}}
	for _, choice := range resp.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			out.Payloads = append(out.Payloads, text)
		}
	}
	return out, nil
}

func (r *OpenAIRunner) wrapError(err error, model string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &gwerrors.ProviderError{Provider: r.Provider, Model: model, Status: apiErr.HTTPStatusCode, Message: apiErr.Message, Cause: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &gwerrors.ProviderError{Provider: r.Provider, Model: model, Status: reqErr.HTTPStatusCode, Message: reqErr.Error(), Cause: err}
	}
	return err
}

// reasoningEffort maps a thinking level onto OpenAI's reasoning_effort.
func reasoningEffort(level string) string {
	switch level {
	case "minimal", "low":
		return "low"
	case "medium":
		return "medium"
	case "high", "xhigh":
		return "high"
	}
	return ""
}
