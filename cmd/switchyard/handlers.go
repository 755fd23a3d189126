package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/term"

	"github.com/haasonsaas/switchyard/internal/auth"
	"github.com/haasonsaas/switchyard/internal/config"
	"github.com/haasonsaas/switchyard/internal/gateway"
	"github.com/haasonsaas/switchyard/internal/observability"
)

const defaultConfigName = "config.yaml"

// resolveConfigPath picks the flag, then SWITCHYARD_CONFIG, then the state
// directory default.
func resolveConfigPath(flag string) string {
	if p := strings.TrimSpace(flag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("SWITCHYARD_CONFIG")); p != "" {
		return p
	}
	return filepath.Join(config.DefaultStateDir(), defaultConfigName)
}

// loadConfig reads the config at path. A missing file falls back to the
// defaults unless the path was given explicitly. The returned path is empty
// when no file backs the config, which disables hot reload.
func loadConfig(flag string) (*config.Config, string, error) {
	path := resolveConfigPath(flag)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && strings.TrimSpace(flag) == "" {
			return config.Default(config.DefaultStateDir()), "", nil
		}
		return nil, "", fmt.Errorf("config %s: %w", path, err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func buildLogger(cfg config.LoggingConfig, out io.Writer) (*slog.Logger, error) {
	return observability.NewLogger(observability.LogConfig{
		Level:          cfg.Level,
		Format:         cfg.Format,
		Output:         out,
		AddSource:      cfg.AddSource,
		RedactPatterns: cfg.Redact,
	})
}

// openGateway builds a gateway without listening, for offline commands.
func openGateway(ctx context.Context, flag string) (*gateway.Server, error) {
	cfg, _, err := loadConfig(flag)
	if err != nil {
		return nil, err
	}
	logger, err := buildLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}
	return gateway.New(ctx, cfg, gateway.WithLogger(logger), gateway.WithVersion(version))
}

func openCredentials(ctx context.Context, flag string) (*auth.Store, *config.Config, error) {
	cfg, _, err := loadConfig(flag)
	if err != nil {
		return nil, nil, err
	}
	store, err := auth.EnsureStore(ctx, cfg.Auth.ProfilesPath,
		auth.WithLockOptions(cfg.Auth.Lock.Options()),
		auth.WithCooldownPolicy(cfg.Auth.Cooldown.Policy()),
	)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// promptSecret reads a secret without echo when stdin is a terminal.
func promptSecret(in io.Reader, out io.Writer, label string) (string, error) {
	fmt.Fprintf(out, "%s: ", label)
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		text, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(text)), nil
	}
	text, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// maskSecret keeps a short prefix and suffix of s.
func maskSecret(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + "..." + s[len(s)-4:]
}
