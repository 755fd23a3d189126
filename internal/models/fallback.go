package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/switchyard/internal/gwerrors"
)

// CredentialSource is the part of the credential store the executor uses.
type CredentialSource interface {
	SelectProfile(ctx context.Context, provider, preferred string, now time.Time) (string, error)
	RecordFailure(ctx context.Context, id string, reason gwerrors.ProviderReason, now time.Time) error
	RecordSuccess(ctx context.Context, id string, now time.Time) error
}

// AttemptObserver receives one callback per candidate.
type AttemptObserver interface {
	FallbackAttempt(provider, model, outcome string, d time.Duration)
}

// Attempt records one candidate's outcome.
type Attempt struct {
	Provider string                  `json:"provider"`
	Model    string                  `json:"model"`
	Profile  string                  `json:"profile,omitempty"`
	Reason   gwerrors.ProviderReason `json:"reason,omitempty"`
	Status   int                     `json:"status,omitempty"`
	Error    string                  `json:"error,omitempty"`
	// Skipped is true when the candidate was never run.
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Call is handed to the run function for one attempt.
type Call struct {
	Ref     Ref
	Profile string
	Attempt int
}

// RunFunc performs one attempt.
type RunFunc[T any] func(ctx context.Context, call Call) (T, error)

// Request configures one fallback run.
type Request struct {
	// Candidates are tried in order; duplicates are dropped.
	Candidates []Ref
	// PreferredProfile is tried first for providers it belongs to.
	PreferredProfile string
	// Timeout bounds each attempt. Zero means no per-attempt bound.
	Timeout time.Duration
}

// Result is the successful outcome.
type Result[T any] struct {
	Value    T
	Ref      Ref
	Profile  string
	Attempts []Attempt
}

// ExhaustedError is returned when no candidate produced a result. It
// unwraps to the last classified failure.
type ExhaustedError struct {
	Attempts []Attempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	var sb strings.Builder
	sb.WriteString("all model candidates failed")
	for i, a := range e.Attempts {
		fmt.Fprintf(&sb, "\n  %d. %s/%s", i+1, a.Provider, a.Model)
		if a.Profile != "" {
			fmt.Fprintf(&sb, " (profile %s)", a.Profile)
		}
		if a.Skipped {
			sb.WriteString(" skipped")
		}
		if a.Reason != "" {
			fmt.Fprintf(&sb, ": [%s]", a.Reason)
		}
		if a.Error != "" {
			sb.WriteString(" " + a.Error)
		}
	}
	return sb.String()
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Executor runs requests across a candidate chain.
type Executor struct {
	creds    CredentialSource
	isLocal  func(provider string) bool
	now      func() time.Time
	logger   *slog.Logger
	tracer   trace.Tracer
	observer AttemptObserver
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLocalProviders marks providers that need no credentials.
func WithLocalProviders(isLocal func(provider string) bool) ExecutorOption {
	return func(e *Executor) { e.isLocal = isLocal }
}

// WithExecutorClock injects the time source used for cooldown bookkeeping.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithTracer sets the tracer used for attempt spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithAttemptObserver sets the attempt observer.
func WithAttemptObserver(o AttemptObserver) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// NewExecutor builds an executor over creds.
func NewExecutor(creds CredentialSource, opts ...ExecutorOption) *Executor {
	e := &Executor{
		creds:   creds,
		isLocal: func(p string) bool { return NormalizeProvider(p) == ProviderOllama },
		now:     time.Now,
		logger:  slog.Default(),
		tracer:  otel.Tracer("switchyard/models"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunWithFallback tries each candidate until one succeeds.
//
// Candidates whose provider has no usable credential are skipped without
// being run. Billing and rate-limit failures put the profile on cooldown.
// Failures that cannot be cured by another candidate (context overflow,
// cancellation, unclassified errors) end the run immediately.
func RunWithFallback[T any](ctx context.Context, ex *Executor, req Request, run RunFunc[T]) (*Result[T], error) {
	candidates := dedupe(req.Candidates)
	if len(candidates) == 0 {
		return nil, errors.New("no model candidates configured")
	}

	var (
		attempts []Attempt
		last     error
	)
	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		profile := ""
		if !ex.isLocal(cand.Provider) {
			selected, err := ex.selectProfile(ctx, cand.Provider, req.PreferredProfile)
			if err != nil {
				if gwerrors.IsLockContention(err) {
					return nil, err
				}
				attempts = append(attempts, Attempt{
					Provider: cand.Provider,
					Model:    cand.Model,
					Reason:   gwerrors.ReasonAuth,
					Error:    err.Error(),
					Skipped:  true,
				})
				ex.observe(cand, "skipped", 0)
				ex.logger.Info("fallback candidate skipped", "provider", cand.Provider, "model", cand.Model, "error", err)
				last = err
				continue
			}
			profile = selected
		}

		value, attempt, err := runAttempt(ctx, ex, req, cand, profile, i+1, run)
		attempts = append(attempts, attempt)
		if err == nil {
			if profile != "" && ex.creds != nil {
				if recErr := ex.creds.RecordSuccess(ctx, profile, ex.now()); recErr != nil {
					ex.logger.Warn("record profile success failed", "profile", profile, "error", recErr)
				}
			}
			return &Result[T]{Value: value, Ref: cand, Profile: profile, Attempts: attempts}, nil
		}

		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}
		classified := gwerrors.Classify(cand.Provider, cand.Model, err)
		last = classified

		if profile != "" && ex.creds != nil && classified.Reason.Cooldown() {
			if recErr := ex.creds.RecordFailure(ctx, profile, classified.Reason, ex.now()); recErr != nil {
				ex.logger.Error("record profile failure failed", "profile", profile, "error", recErr)
			}
		}
		if !classified.Reason.Advances() {
			return nil, classified
		}
		ex.logger.Warn("fallback candidate failed",
			"provider", cand.Provider,
			"model", cand.Model,
			"reason", classified.Reason,
			"attempt", i+1,
			"of", len(candidates),
		)
	}
	return nil, &ExhaustedError{Attempts: attempts, Last: last}
}

func runAttempt[T any](ctx context.Context, ex *Executor, req Request, cand Ref, profile string, n int, run RunFunc[T]) (T, Attempt, error) {
	attemptCtx, span := ex.tracer.Start(ctx, "fallback.attempt", trace.WithAttributes(
		attribute.String("provider", cand.Provider),
		attribute.String("model", cand.Model),
		attribute.Int("attempt", n),
	))
	defer span.End()

	cancel := func() {}
	if req.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(attemptCtx, req.Timeout)
	}
	defer cancel()

	start := time.Now()
	value, err := run(attemptCtx, Call{Ref: cand, Profile: profile, Attempt: n})
	elapsed := time.Since(start)
	attempt := Attempt{Provider: cand.Provider, Model: cand.Model, Profile: profile, Duration: elapsed}
	if err == nil {
		ex.observe(cand, "success", elapsed)
		return value, attempt, nil
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = &gwerrors.ProviderError{Provider: cand.Provider, Model: cand.Model, Reason: gwerrors.ReasonTimeout,
			Message: fmt.Sprintf("attempt exceeded %s", req.Timeout), Cause: err}
	}
	classified := gwerrors.Classify(cand.Provider, cand.Model, err)
	attempt.Reason = classified.Reason
	attempt.Status = classified.Status
	attempt.Error = err.Error()
	span.RecordError(err)
	span.SetStatus(codes.Error, string(classified.Reason))
	ex.observe(cand, string(classified.Reason), elapsed)
	return value, attempt, err
}

func (ex *Executor) selectProfile(ctx context.Context, provider, preferred string) (string, error) {
	if ex.creds == nil {
		return "", &gwerrors.AuthError{Provider: provider, Reason: gwerrors.AuthMissing, Message: "no credential store configured"}
	}
	return ex.creds.SelectProfile(ctx, provider, preferred, ex.now())
}

func (ex *Executor) observe(ref Ref, outcome string, d time.Duration) {
	if ex.observer != nil {
		ex.observer.FallbackAttempt(ref.Provider, ref.Model, outcome, d)
	}
}

func dedupe(refs []Ref) []Ref {
	seen := make(map[string]bool, len(refs))
	out := make([]Ref, 0, len(refs))
	for _, r := range refs {
		if r.IsZero() || seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		out = append(out, r)
	}
	return out
}
