package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn or error. Unknown values mean info.
	Level string
	// Format is json or text.
	Format    string
	Output    io.Writer
	AddSource bool
	// RedactPatterns extend DefaultRedactPatterns.
	RedactPatterns []string
}

type contextKey string

const (
	sessionKeyCtx contextKey = "session_key"
	runIDCtx      contextKey = "run_id"
	requestIDCtx  contextKey = "request_id"
)

const redacted = "[REDACTED]"

// DefaultRedactPatterns match common secrets.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{20,}`,
	`sk-(proj-)?[a-zA-Z0-9_-]{32,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// sensitiveKeys are attribute keys whose values are always dropped.
var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"secret":        true,
	"token":         true,
	"password":      true,
	"jwt_secret":    true,
	"authorization": true,
}

// NewLogger builds a slog logger from cfg.
func NewLogger(cfg LogConfig) (*slog.Logger, error) {
	h, err := NewHandler(cfg)
	if err != nil {
		return nil, err
	}
	return slog.New(h), nil
}

// NewHandler builds the redacting handler NewLogger uses.
func NewHandler(cfg LogConfig) (slog.Handler, error) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: LogLevelFromString(cfg.Level), AddSource: cfg.AddSource}

	var inner slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		inner = slog.NewTextHandler(cfg.Output, opts)
	} else {
		inner = slog.NewJSONHandler(cfg.Output, opts)
	}

	patterns := append(append([]string(nil), DefaultRedactPatterns...), cfg.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		redacts = append(redacts, re)
	}
	return &redactingHandler{inner: inner, redacts: redacts}, nil
}

// LogLevelFromString maps a level name to a slog level.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithSessionKey tags ctx so log records carry the session key.
func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, sessionKeyCtx, key)
}

// WithRunID tags ctx with a run id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDCtx, id)
}

// WithRequestID tags ctx with an RPC request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDCtx, id)
}

// SessionKeyFrom returns the session key tagged on ctx.
func SessionKeyFrom(ctx context.Context) string {
	s, _ := ctx.Value(sessionKeyCtx).(string)
	return s
}

// RunIDFrom returns the run id tagged on ctx.
func RunIDFrom(ctx context.Context) string {
	s, _ := ctx.Value(runIDCtx).(string)
	return s
}

type redactingHandler struct {
	inner   slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, h.redactString(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	if ctx != nil {
		for _, k := range []contextKey{sessionKeyCtx, runIDCtx, requestIDCtx} {
			if v, ok := ctx.Value(k).(string); ok && v != "" {
				out.AddAttrs(slog.String(string(k), v))
			}
		}
	}
	return h.inner.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.redactAttr(a)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(clean), redacts: h.redacts}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name), redacts: h.redacts}
}

func (h *redactingHandler) redactAttr(a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactString(v.String()))
	case slog.KindGroup:
		group := v.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = h.redactAttr(g)
		}
		return slog.Group(a.Key, clean...)
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return slog.String(a.Key, h.redactString(err.Error()))
		}
	}
	return slog.Attr{Key: a.Key, Value: v}
}

func (h *redactingHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, redacted)
	}
	return s
}
