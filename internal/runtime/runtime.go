// Package runtime is the narrow boundary to the text-generation backends.
// The gateway only ever sees Runner; provider SDKs stay behind it.
package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

// Request is one agent invocation.
type Request struct {
	Provider    string
	Model       string
	AuthProfile string
	// APIKey is resolved from AuthProfile by the caller. Local providers run
	// with an empty key.
	APIKey        string
	SessionID     string
	Prompt        string
	ThinkingLevel string
	Timeout       time.Duration
}

// Usage is the token accounting for one run.
type Usage struct {
	InputTokens   int64 `json:"inputTokens"`
	OutputTokens  int64 `json:"outputTokens"`
	TotalTokens   int64 `json:"totalTokens"`
	ContextTokens int64 `json:"contextTokens,omitempty"`
}

// Add sums two usages. ContextTokens keeps the larger window.
func (u Usage) Add(o Usage) Usage {
	out := Usage{
		InputTokens:   u.InputTokens + o.InputTokens,
		OutputTokens:  u.OutputTokens + o.OutputTokens,
		TotalTokens:   u.TotalTokens + o.TotalTokens,
		ContextTokens: u.ContextTokens,
	}
	if o.ContextTokens > out.ContextTokens {
		out.ContextTokens = o.ContextTokens
	}
	return out
}

// Result is a successful run.
type Result struct {
	Payloads []string `json:"payloads"`
	Usage    Usage    `json:"usage"`
}

// Runner executes one request against a backend.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, req Request) (*Result, error) { return f(ctx, req) }

// Registry dispatches requests to the runner registered for their provider.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register binds provider to r, replacing any earlier runner.
func (r *Registry) Register(provider string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[provider] = runner
}

// Providers lists registered providers.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.runners))
	for p := range r.runners {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Run implements Runner.
func (r *Registry) Run(ctx context.Context, req Request) (*Result, error) {
	r.mu.RLock()
	runner, ok := r.runners[req.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, &gwerrors.UnsupportedProviderError{Provider: req.Provider}
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	res, err := runner.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%s runner returned no result", req.Provider)
	}
	return res, nil
}
