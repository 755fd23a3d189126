package gateway

import (
	"sort"

	"github.com/haasonsaas/switchyard/internal/config"
	"github.com/haasonsaas/switchyard/internal/models"
	"github.com/haasonsaas/switchyard/internal/runtime"
)

// ResolverConfig converts the models section into resolver input.
func ResolverConfig(cfg config.ModelsConfig) models.Config {
	out := models.Config{
		Default:        cfg.Default,
		Fallbacks:      append([]string(nil), cfg.Fallbacks...),
		Aliases:        cfg.Aliases,
		Allowlist:      append([]string(nil), cfg.Allowlist...),
		LocalProviders: append([]string(nil), cfg.LocalProviders...),
	}
	for _, e := range cfg.Catalog {
		out.Catalog = append(out.Catalog, models.Entry{
			Provider:      e.Provider,
			ID:            e.ID,
			Name:          e.Name,
			Aliases:       append([]string(nil), e.Aliases...),
			ContextWindow: e.ContextWindow,
		})
	}
	for name := range cfg.Providers {
		out.Providers = append(out.Providers, name)
	}
	sort.Strings(out.Providers)
	return out
}

// NewResolver builds the model resolver for cfg.
func NewResolver(cfg config.ModelsConfig) (*models.Resolver, error) {
	return models.NewResolver(ResolverConfig(cfg))
}

// builtinBaseURLs are the endpoints used for OpenAI-compatible providers
// that have no providers entry.
var builtinBaseURLs = map[string]string{
	"openai":     runtime.OpenAIBaseURL,
	"openrouter": runtime.OpenRouterBaseURL,
	"ollama":     runtime.OllamaBaseURL,
	"lmstudio":   runtime.LMStudioBaseURL,
}

// BuildRunners registers a runner per reachable provider: the built-in
// endpoints first, then every configured provider, which may override them.
func BuildRunners(cfg config.ModelsConfig) *runtime.Registry {
	reg := runtime.NewRegistry()
	reg.Register("anthropic", runtime.NewAnthropicRunner(""))
	for name, url := range builtinBaseURLs {
		r := runtime.NewOpenAIRunner(name, url)
		r.LocalKey = name
		reg.Register(name, r)
	}
	for name, p := range cfg.Providers {
		provider := models.NormalizeProvider(name)
		switch p.API {
		case config.APIAnthropic:
			r := runtime.NewAnthropicRunner(p.BaseURL)
			if p.MaxTokens > 0 {
				r.MaxTokens = int64(p.MaxTokens)
			}
			reg.Register(provider, r)
		default:
			url := p.BaseURL
			if url == "" {
				url = builtinBaseURLs[provider]
			}
			r := runtime.NewOpenAIRunner(provider, url)
			r.LocalKey = provider
			r.MaxTokens = p.MaxTokens
			reg.Register(provider, r)
		}
	}
	return reg
}
