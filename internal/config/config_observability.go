package config

import (
	"fmt"
	"regexp"
	"strings"
)

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
	// Redact adds regex patterns to the built-in secret patterns.
	Redact []string `yaml:"redact"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// On reports whether metrics are served. They are on unless disabled.
func (m MetricsConfig) On() bool {
	return m.Enabled == nil || *m.Enabled
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Endpoint     string            `yaml:"endpoint"`
	ServiceName  string            `yaml:"service_name"`
	Environment  string            `yaml:"environment"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Attributes   map[string]string `yaml:"attributes"`
}

func (l *LoggingConfig) applyDefaults() {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Format == "" {
		l.Format = "json"
	}
	l.Level = strings.ToLower(l.Level)
	l.Format = strings.ToLower(l.Format)
}

func (l *LoggingConfig) validate() []error {
	var errs []error
	switch l.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q must be debug, info, warn or error", l.Level))
	}
	if l.Format != "json" && l.Format != "text" {
		errs = append(errs, fmt.Errorf("logging.format %q must be json or text", l.Format))
	}
	for _, p := range l.Redact {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("logging.redact %q: %w", p, err))
		}
	}
	return errs
}

func (o *ObservabilityConfig) applyDefaults() {
	if o.Metrics.Path == "" {
		o.Metrics.Path = "/metrics"
	}
	if o.Tracing.ServiceName == "" {
		o.Tracing.ServiceName = "switchyard"
	}
	if o.Tracing.SamplingRate == 0 {
		o.Tracing.SamplingRate = 1
	}
}

func (o *ObservabilityConfig) validate() []error {
	var errs []error
	if !strings.HasPrefix(o.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path %q must start with /", o.Metrics.Path))
	}
	if o.Tracing.SamplingRate < 0 || o.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sampling_rate %v must be within [0,1]", o.Tracing.SamplingRate))
	}
	if o.Tracing.Enabled && strings.TrimSpace(o.Tracing.Endpoint) == "" {
		errs = append(errs, fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled"))
	}
	return errs
}
