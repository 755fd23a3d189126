package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/switchyard/internal/config"
	"github.com/haasonsaas/switchyard/internal/gateway"
	"github.com/haasonsaas/switchyard/internal/observability"
)

// runServe loads configuration, wires logging, metrics and tracing, and
// serves until a shutdown signal arrives.
func runServe(ctx context.Context, configFlag string, debug bool) error {
	cfg, path, err := loadConfig(configFlag)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}
	logger, err := buildLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	slog.SetDefault(logger)

	logger.Info("starting switchyard gateway",
		"version", version,
		"commit", commit,
		"config", path,
		"state_dir", cfg.StateDir,
		"default_model", cfg.Models.Default,
	)

	tr := cfg.Observability.Tracing
	traceCfg := observability.TraceConfig{
		ServiceName:    tr.ServiceName,
		ServiceVersion: version,
		Environment:    tr.Environment,
		SamplingRate:   tr.SamplingRate,
		Attributes:     tr.Attributes,
		Insecure:       tr.Insecure,
	}
	if tr.Enabled {
		traceCfg.Endpoint = tr.Endpoint
	}
	tracer, shutdownTracing, err := observability.NewTracer(ctx, traceCfg)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("trace flush failed", "error", err)
		}
	}()

	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(observability.NewMetrics(prometheus.DefaultRegisterer)),
		gateway.WithTracer(tracer),
		gateway.WithVersion(version),
		gateway.WithSingletonLock(),
	}
	if path != "" {
		opts = append(opts, gateway.WithConfigPath(path))
	}
	srv, err := gateway.New(ctx, cfg, opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := srv.Serve(ctx); err != nil {
		return err
	}
	logger.Info("switchyard gateway stopped")
	return nil
}

func printConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = out.Write(append(schema, '\n'))
	return err
}

func printConfigValidate(out io.Writer, configFlag string) error {
	cfg, path, err := loadConfig(configFlag)
	if err != nil {
		return err
	}
	if path == "" {
		path = "(defaults)"
	}
	fmt.Fprintf(out, "config ok: %s\n", path)
	fmt.Fprintf(out, "  state dir:     %s\n", cfg.StateDir)
	fmt.Fprintf(out, "  listen:        %s\n", cfg.Gateway.Listen)
	fmt.Fprintf(out, "  default model: %s\n", cfg.Models.Default)
	return nil
}
