// Package config loads the gateway configuration. Files are YAML or JSON5,
// may pull in other files with $include, and expand ${ENV} references.
// Defaults are applied once in Load; callers never re-default.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/switchyard/internal/auth"
	"github.com/haasonsaas/switchyard/internal/backoff"
	"github.com/haasonsaas/switchyard/internal/filelock"
)

// Config is the main configuration structure for switchyard.
type Config struct {
	Version       int                 `yaml:"version"`
	StateDir      string              `yaml:"state_dir"`
	Models        ModelsConfig        `yaml:"models"`
	Session       SessionConfig       `yaml:"session"`
	Agents        AgentsConfig        `yaml:"agents"`
	Auth          AuthConfig          `yaml:"auth"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads, merges, decodes, defaults and validates the configuration
// file at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if cfg.StateDir == "" {
		cfg.StateDir = filepath.Dir(path)
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated configuration with every default applied,
// rooted at stateDir.
func Default(stateDir string) *Config {
	cfg := &Config{Version: CurrentVersion, StateDir: stateDir}
	applyDefaults(cfg)
	return cfg
}

// DefaultStateDir is ~/.switchyard, or the working directory when the home
// directory is unknown.
func DefaultStateDir() string {
	if dir := strings.TrimSpace(os.Getenv("SWITCHYARD_STATE_DIR")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".switchyard"
	}
	return filepath.Join(home, ".switchyard")
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.StateDir == "" {
		cfg.StateDir = DefaultStateDir()
	}
	cfg.Models.applyDefaults()
	cfg.Session.applyDefaults(cfg.StateDir)
	cfg.Agents.applyDefaults()
	cfg.Auth.applyDefaults(cfg.StateDir)
	cfg.Gateway.applyDefaults()
	cfg.Logging.applyDefaults()
	cfg.Observability.applyDefaults()
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if err := ValidateVersion(c.Version); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, c.Models.validate()...)
	errs = append(errs, c.Session.validate()...)
	errs = append(errs, c.Agents.validate()...)
	errs = append(errs, c.Auth.validate()...)
	errs = append(errs, c.Gateway.validate()...)
	errs = append(errs, c.Logging.validate()...)
	errs = append(errs, c.Observability.validate()...)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %w", errors.Join(errs...))
}

// AgentsConfig bounds concurrent runs.
type AgentsConfig struct {
	DefaultID string `yaml:"default_id"`
	// MaxConcurrent bounds runs across all sessions. Zero or less is unbounded.
	MaxConcurrent int             `yaml:"max_concurrent"`
	Subagents     SubagentsConfig `yaml:"subagents"`
	// Timeout bounds each runtime attempt.
	Timeout time.Duration `yaml:"timeout"`
	// Workspace is passed to the runtime as the working directory.
	Workspace string `yaml:"workspace"`
}

// SubagentsConfig bounds subagent runs, on top of the global bound.
type SubagentsConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

func (a *AgentsConfig) applyDefaults() {
	if strings.TrimSpace(a.DefaultID) == "" {
		a.DefaultID = "main"
	}
	if a.MaxConcurrent == 0 {
		a.MaxConcurrent = 4
	}
	if a.Subagents.MaxConcurrent == 0 {
		a.Subagents.MaxConcurrent = 8
	}
	if a.Timeout == 0 {
		a.Timeout = 10 * time.Minute
	}
}

func (a *AgentsConfig) validate() []error {
	var errs []error
	if a.Timeout < 0 {
		errs = append(errs, errors.New("agents.timeout must not be negative"))
	}
	return errs
}

// AuthConfig locates the credential store and configures RPC tokens.
type AuthConfig struct {
	ProfilesPath string         `yaml:"profiles_path"`
	JWTSecret    string         `yaml:"jwt_secret"`
	TokenExpiry  time.Duration  `yaml:"token_expiry"`
	Lock         LockConfig     `yaml:"lock"`
	Cooldown     CooldownConfig `yaml:"cooldown"`
}

// LockConfig tunes the sidecar file lock shared by both stores.
type LockConfig struct {
	Retries int           `yaml:"retries"`
	Stale   time.Duration `yaml:"stale"`
	MinWait time.Duration `yaml:"min_wait"`
	MaxWait time.Duration `yaml:"max_wait"`
}

// CooldownConfig tunes the escalating cooldown windows.
type CooldownConfig struct {
	RateLimitBase time.Duration `yaml:"rate_limit_base"`
	RateLimitMax  time.Duration `yaml:"rate_limit_max"`
	BillingBase   time.Duration `yaml:"billing_base"`
	BillingMax    time.Duration `yaml:"billing_max"`
}

// Options converts the lock settings for filelock.
func (l LockConfig) Options() filelock.Options {
	policy := backoff.LockPolicy()
	policy.Retries = l.Retries
	policy.Initial = l.MinWait
	policy.Max = l.MaxWait
	return filelock.Options{Policy: policy, Stale: l.Stale}
}

// Policy converts the cooldown settings for the credential store.
func (c CooldownConfig) Policy() auth.CooldownPolicy {
	p := auth.DefaultCooldownPolicy()
	p.Base = c.RateLimitBase
	p.Max = c.RateLimitMax
	p.BillingBase = c.BillingBase
	p.BillingMax = c.BillingMax
	return p
}

func (a *AuthConfig) applyDefaults(stateDir string) {
	if a.ProfilesPath == "" {
		a.ProfilesPath = filepath.Join(stateDir, "auth-profiles.json")
	}
	if a.TokenExpiry == 0 {
		a.TokenExpiry = 24 * time.Hour
	}
	if a.Lock.Retries == 0 {
		a.Lock.Retries = 10
	}
	if a.Lock.Stale == 0 {
		a.Lock.Stale = 30 * time.Second
	}
	if a.Lock.MinWait == 0 {
		a.Lock.MinWait = 100 * time.Millisecond
	}
	if a.Lock.MaxWait == 0 {
		a.Lock.MaxWait = 10 * time.Second
	}
	if a.Cooldown.RateLimitBase == 0 {
		a.Cooldown.RateLimitBase = time.Minute
	}
	if a.Cooldown.RateLimitMax == 0 {
		a.Cooldown.RateLimitMax = time.Hour
	}
	if a.Cooldown.BillingBase == 0 {
		a.Cooldown.BillingBase = 5 * time.Hour
	}
	if a.Cooldown.BillingMax == 0 {
		a.Cooldown.BillingMax = 24 * time.Hour
	}
}

func (a *AuthConfig) validate() []error {
	var errs []error
	if a.Lock.Retries < 0 {
		errs = append(errs, errors.New("auth.lock.retries must not be negative"))
	}
	if a.Lock.MinWait > a.Lock.MaxWait {
		errs = append(errs, errors.New("auth.lock.min_wait must not exceed max_wait"))
	}
	if a.Cooldown.RateLimitBase > a.Cooldown.RateLimitMax || a.Cooldown.BillingBase > a.Cooldown.BillingMax {
		errs = append(errs, errors.New("auth.cooldown base windows must not exceed their caps"))
	}
	return errs
}

// GatewayConfig configures the RPC listener and its housekeeping.
type GatewayConfig struct {
	Listen string `yaml:"listen"`
	// IdempotencyTTL is how long a finished agent response is replayed for
	// a repeated idempotency key.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	// Maintenance is a cron spec for the sweeper.
	Maintenance string `yaml:"maintenance"`
	// MaxListeners bounds event bus subscriptions.
	MaxListeners int `yaml:"max_listeners"`
	// MaxFrameBytes bounds inbound websocket frames.
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
	// SystemEvents bounds pending system events per session.
	SystemEvents int `yaml:"system_events"`
}

func (g *GatewayConfig) applyDefaults() {
	if g.Listen == "" {
		g.Listen = "127.0.0.1:18789"
	}
	if g.IdempotencyTTL == 0 {
		g.IdempotencyTTL = 10 * time.Minute
	}
	if g.Maintenance == "" {
		g.Maintenance = "@every 1m"
	}
	if g.MaxListeners == 0 {
		g.MaxListeners = 64
	}
	if g.MaxFrameBytes == 0 {
		g.MaxFrameBytes = 1 << 20
	}
	if g.SystemEvents == 0 {
		g.SystemEvents = 20
	}
}

func (g *GatewayConfig) validate() []error {
	var errs []error
	if strings.TrimSpace(g.Listen) == "" {
		errs = append(errs, errors.New("gateway.listen is required"))
	}
	if g.IdempotencyTTL < 0 {
		errs = append(errs, errors.New("gateway.idempotency_ttl must not be negative"))
	}
	if g.MaxListeners < 0 || g.MaxFrameBytes < 0 || g.SystemEvents < 0 {
		errs = append(errs, errors.New("gateway limits must not be negative"))
	}
	return errs
}
