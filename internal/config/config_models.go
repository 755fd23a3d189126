package config

import (
	"errors"
	"fmt"
	"strings"
)

// ModelsConfig describes the model universe the resolver is built from.
type ModelsConfig struct {
	// Default is the "provider/model" used when a session has no override.
	Default   string             `yaml:"default"`
	Fallbacks []string           `yaml:"fallbacks"`
	Catalog   []ModelEntryConfig `yaml:"catalog"`
	// Aliases maps a short name to "provider/model".
	Aliases map[string]string `yaml:"aliases"`
	// Allowlist restricts selectable models. Empty allows the whole catalog.
	Allowlist []string `yaml:"allowlist"`
	// LocalProviders run without credentials and are never cooled down.
	LocalProviders []string                  `yaml:"local_providers"`
	Providers      map[string]ProviderConfig `yaml:"providers"`
}

// ModelEntryConfig is one catalog model.
type ModelEntryConfig struct {
	Provider      string   `yaml:"provider"`
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Aliases       []string `yaml:"aliases"`
	ContextWindow int      `yaml:"context_window"`
}

// ProviderConfig tells the gateway how to reach one provider.
type ProviderConfig struct {
	// API selects the wire protocol: "openai" or "anthropic".
	API       string `yaml:"api"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Provider APIs.
const (
	APIOpenAI    = "openai"
	APIAnthropic = "anthropic"
)

func (m *ModelsConfig) applyDefaults() {
	if strings.TrimSpace(m.Default) == "" {
		m.Default = "anthropic/claude-sonnet-4-5"
	}
	if m.Providers == nil {
		m.Providers = make(map[string]ProviderConfig)
	}
	for name, p := range m.Providers {
		if p.API == "" {
			p.API = APIOpenAI
			if strings.EqualFold(name, "anthropic") {
				p.API = APIAnthropic
			}
		}
		p.API = strings.ToLower(p.API)
		m.Providers[name] = p
	}
}

func (m *ModelsConfig) validate() []error {
	var errs []error
	if !strings.Contains(m.Default, "/") {
		errs = append(errs, fmt.Errorf("models.default %q must be provider/model", m.Default))
	}
	for i, e := range m.Catalog {
		if strings.TrimSpace(e.Provider) == "" || strings.TrimSpace(e.ID) == "" {
			errs = append(errs, fmt.Errorf("models.catalog[%d] needs provider and id", i))
		}
	}
	for alias, target := range m.Aliases {
		if strings.TrimSpace(alias) == "" || strings.TrimSpace(target) == "" {
			errs = append(errs, errors.New("models.aliases entries need a name and a target"))
		}
	}
	for name, p := range m.Providers {
		if p.API != APIOpenAI && p.API != APIAnthropic {
			errs = append(errs, fmt.Errorf("models.providers.%s.api %q must be openai or anthropic", name, p.API))
		}
		if p.MaxTokens < 0 {
			errs = append(errs, fmt.Errorf("models.providers.%s.max_tokens must not be negative", name))
		}
	}
	return errs
}
