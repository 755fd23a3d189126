package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/switchyard/internal/gwerrors"
	"github.com/haasonsaas/switchyard/internal/models"
	"github.com/haasonsaas/switchyard/internal/queue"
	"github.com/haasonsaas/switchyard/internal/runtime"
	"github.com/haasonsaas/switchyard/internal/sessions"
)

// maxRedecide bounds how often Submit re-evaluates after losing a race for
// the session slot.
const maxRedecide = 3

// Steerer injects input into a live run. Implementations report an error
// when the run can no longer accept input.
type Steerer interface {
	Steer(ctx context.Context, key, runID, prompt string) error
}

// SessionUpdater is the part of the session store the scheduler writes to.
type SessionUpdater interface {
	Update(ctx context.Context, key string, create bool, fn sessions.UpdateFunc) (*sessions.Entry, error)
}

// Observer receives scheduler activity.
type Observer interface {
	SchedulerDecision(action string)
	RunFinished(outcome string, d time.Duration)
}

// Job is one run handed to the RunFunc.
type Job struct {
	RunID    string
	Key      string
	Prompt   string
	Spec     queue.RunSpec
	Reason   string
	Followup bool

	tracker *Tracker
}

// SetStreaming marks the run as streaming, which makes it steerable when a
// Steerer is configured.
func (j Job) SetStreaming(streaming bool) {
	if j.tracker != nil {
		j.tracker.SetStreaming(j.Key, j.RunID, streaming)
	}
}

// Outcome is a finished run.
type Outcome struct {
	RunID    string           `json:"runId"`
	Payloads []string         `json:"payloads"`
	Provider string           `json:"provider,omitempty"`
	Model    string           `json:"model,omitempty"`
	Profile  string           `json:"authProfile,omitempty"`
	Usage    runtime.Usage    `json:"usage"`
	Attempts []models.Attempt `json:"attempts,omitempty"`
	// Compacted is set when the runtime compacted the session during the run.
	Compacted bool `json:"compacted,omitempty"`
}

// RunFunc performs one agent run.
type RunFunc func(ctx context.Context, job Job) (*Outcome, error)

// Inbound is a new message for a session.
type Inbound struct {
	Key      string
	Prompt   string
	Spec     queue.RunSpec
	Settings queue.Settings
	Reason   string
}

// Decision is what Submit did with one inbound message.
type Decision struct {
	Action     Action   `json:"action"`
	RunID      string   `json:"runId,omitempty"`
	Depth      int      `json:"depth"`
	Dropped    bool     `json:"dropped,omitempty"`
	Evicted    int      `json:"evicted,omitempty"`
	Summarized bool     `json:"summarized,omitempty"`
	Merged     bool     `json:"merged,omitempty"`
	Steered    bool     `json:"steered,omitempty"`
	Aborted    bool     `json:"aborted,omitempty"`
	Cleared    int      `json:"cleared,omitempty"`
	Outcome    *Outcome `json:"outcome,omitempty"`
}

// StopResult reports what Stop did.
type StopResult struct {
	Aborted bool `json:"aborted"`
	Cleared int  `json:"cleared"`
}

// Status is the synchronous view of a session's run state.
type Status struct {
	Active    bool      `json:"active"`
	Streaming bool      `json:"streaming,omitempty"`
	RunID     string    `json:"runId,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
	Depth     int       `json:"queueDepth"`
}

// Scheduler routes inbound messages for every session.
type Scheduler struct {
	tracker  *Tracker
	queue    *queue.Queue
	limiter  *queue.Limiter
	run      RunFunc
	store    SessionUpdater
	steerer  Steerer
	observer Observer
	qobs     queue.Observer
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSteerer enables steering into streaming runs.
func WithSteerer(s Steerer) Option {
	return func(sc *Scheduler) { sc.steerer = s }
}

// WithLimiter bounds concurrent runs across sessions.
func WithLimiter(l *queue.Limiter) Option {
	return func(sc *Scheduler) { sc.limiter = l }
}

// WithObserver sets the decision observer.
func WithObserver(o Observer) Option {
	return func(sc *Scheduler) { sc.observer = o }
}

// WithQueueObserver sets the follow-up queue observer.
func WithQueueObserver(o queue.Observer) Option {
	return func(sc *Scheduler) { sc.qobs = o }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(sc *Scheduler) { sc.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(sc *Scheduler) { sc.logger = logger }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(sc *Scheduler) { sc.now = now }
}

// New creates a scheduler that runs jobs with run and records usage in store.
func New(run RunFunc, store SessionUpdater, opts ...Option) *Scheduler {
	s := &Scheduler{
		tracker: NewTracker(),
		run:     run,
		store:   store,
		tracer:  otel.Tracer("switchyard/scheduler"),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	s.tracker.now = s.now
	qopts := []queue.Option{queue.WithLimiter(s.limiter), queue.WithLogger(s.logger), queue.WithClock(s.now)}
	if s.qobs != nil {
		qopts = append(qopts, queue.WithObserver(s.qobs))
	}
	s.queue = queue.New(s.runFollowup, qopts...)
	return s
}

// Queue exposes the follow-up queue.
func (s *Scheduler) Queue() *queue.Queue { return s.queue }

// Tracker exposes the active run tracker.
func (s *Scheduler) Tracker() *Tracker { return s.tracker }

// Close stops pending drains and waits for in-flight follow-ups.
func (s *Scheduler) Close() { s.queue.Close() }

// Status returns key's run state and queue depth.
func (s *Scheduler) Status(key string) Status {
	st := Status{Depth: s.queue.Depth(key)}
	if info, ok := s.tracker.Info(key); ok {
		st.Active = true
		st.Streaming = info.Streaming
		st.RunID = info.RunID
		st.StartedAt = info.StartedAt
	}
	return st
}

func (s *Scheduler) liveness(key string) Liveness {
	live := s.tracker.Liveness(key)
	live.CanSteer = live.Active && live.Streaming && s.steerer != nil
	return live
}

// Submit decides and carries out what happens to in. Immediate runs execute
// synchronously and their outcome is returned in the decision.
func (s *Scheduler) Submit(ctx context.Context, in Inbound) (Decision, error) {
	settings := in.Settings.WithDefaults()
	ctx, span := s.tracer.Start(ctx, "scheduler.submit", trace.WithAttributes(
		attribute.String("session.key", in.Key),
		attribute.String("queue.mode", string(settings.Mode)),
	))
	defer span.End()

	dec, err := s.submit(ctx, in, settings)
	span.SetAttributes(attribute.String("scheduler.action", string(dec.Action)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if s.observer != nil {
		s.observer.SchedulerDecision(string(dec.Action))
	}
	return dec, err
}

func (s *Scheduler) submit(ctx context.Context, in Inbound, settings queue.Settings) (Decision, error) {
	var (
		interrupted bool
		aborted     bool
		cleared     int
	)
	for range maxRedecide {
		live := s.liveness(in.Key)
		action := Decide(live, settings.Mode)

		switch action {
		case ActionRun:
			dec, started, err := s.runNow(ctx, in)
			if !started && err == nil {
				continue
			}
			return dec, err

		case ActionInterrupt:
			// The new prompt supersedes the backlog. Clearing it first keeps
			// a drain woken by the abort from taking the slot.
			if !interrupted {
				cleared = s.queue.Drain(in.Key)
				interrupted = true
			}
			if s.tracker.Liveness(in.Key).Active && s.abort(ctx, in.Key, true) {
				aborted = true
			}
			dec, started, err := s.runNow(ctx, in)
			if !started && err == nil {
				continue
			}
			dec.Action = ActionInterrupt
			dec.Aborted = aborted
			dec.Cleared = cleared
			return dec, err

		case ActionSteer:
			if err := s.steer(ctx, in); err == nil {
				return Decision{Action: ActionSteer, Steered: true, Depth: s.queue.Depth(in.Key)}, nil
			}
			collect := settings
			collect.Mode = queue.ModeCollect
			return s.enqueue(in, collect, ActionCollect), nil

		case ActionSteerBacklog:
			steered := s.steer(ctx, in) == nil
			backlog := settings
			backlog.Mode = queue.ModeFollowup
			dec := s.enqueue(in, backlog, ActionSteerBacklog)
			dec.Steered = steered
			return dec, nil

		case ActionCollect, ActionEnqueue:
			return s.enqueue(in, settings, action), nil

		case ActionDrop:
			s.logger.Debug("inbound dropped", "session", in.Key, "mode", settings.Mode)
			return Decision{Action: ActionDrop, Dropped: true, Depth: s.queue.Depth(in.Key)}, nil
		}
	}
	// The slot kept changing hands; queue rather than spin.
	return s.enqueue(in, settings, ActionEnqueue), nil
}

func (s *Scheduler) steer(ctx context.Context, in Inbound) error {
	info, ok := s.tracker.Info(in.Key)
	if !ok || s.steerer == nil {
		return errors.New("no steerable run")
	}
	if err := s.steerer.Steer(ctx, in.Key, info.RunID, in.Prompt); err != nil {
		s.logger.Debug("steer rejected", "session", in.Key, "run", info.RunID, "error", err)
		return err
	}
	return nil
}

func (s *Scheduler) enqueue(in Inbound, settings queue.Settings, action Action) Decision {
	run := queue.FollowupRun{Prompt: in.Prompt, Run: in.Spec}
	run.Run.SessionKey = in.Key
	reason := in.Reason
	if reason == "" {
		reason = string(action)
	}
	res := s.queue.Enqueue(in.Key, run, settings, reason)
	// The active run may have finished between the liveness check and the
	// enqueue; its completion would then have missed this entry.
	if !s.tracker.Liveness(in.Key).Active {
		s.queue.ScheduleDrain(in.Key)
	}
	return Decision{
		Action:     action,
		Depth:      res.Depth,
		Dropped:    res.Dropped,
		Evicted:    res.Evicted,
		Summarized: res.Summarized,
		Merged:     res.Merged,
	}
}

// runNow runs in immediately. started is false when another run took the
// slot first.
func (s *Scheduler) runNow(ctx context.Context, in Inbound) (Decision, bool, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runID, ok := s.tracker.Begin(in.Key, cancel)
	if !ok {
		return Decision{}, false, nil
	}
	defer func() {
		s.tracker.Finish(in.Key, runID)
		s.queue.ScheduleDrain(in.Key)
	}()

	release, err := s.limiter.Acquire(runCtx, in.Spec.IsSubagent)
	if err != nil {
		return Decision{Action: ActionRun, RunID: runID}, true, err
	}
	defer release()

	job := Job{RunID: runID, Key: in.Key, Prompt: in.Prompt, Spec: in.Spec, Reason: in.Reason, tracker: s.tracker}
	outcome, err := s.execute(runCtx, job)
	return Decision{Action: ActionRun, RunID: runID, Outcome: outcome, Depth: s.queue.Depth(in.Key)}, true, err
}

// runFollowup is the queue executor. The queue already holds a limiter slot.
func (s *Scheduler) runFollowup(ctx context.Context, item queue.FollowupRun) error {
	key := item.Run.SessionKey
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runID, ok := s.tracker.Begin(key, cancel)
	if !ok {
		return queue.ErrBusy
	}
	defer s.tracker.Finish(key, runID)

	job := Job{RunID: runID, Key: key, Prompt: item.Prompt, Spec: item.Run, Reason: item.Reason, Followup: true, tracker: s.tracker}
	_, err := s.execute(runCtx, job)
	return err
}

func (s *Scheduler) execute(ctx context.Context, job Job) (*Outcome, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("session.key", job.Key),
		attribute.String("run.id", job.RunID),
		attribute.Bool("run.followup", job.Followup),
	))
	defer span.End()

	start := s.now()
	outcome, err := s.run(ctx, job)
	elapsed := s.now().Sub(start)

	label := "ok"
	switch {
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		label = "aborted"
	case err != nil:
		label = "error"
	}
	if s.observer != nil {
		s.observer.RunFinished(label, elapsed)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("run failed", "session", job.Key, "run", job.RunID, "outcome", label, "error", err)
		return nil, err
	}
	if outcome == nil {
		outcome = &Outcome{}
	}
	outcome.RunID = job.RunID
	s.recordUsage(ctx, job.Key, outcome)
	return outcome, nil
}

// recordUsage applies the post-run patch: latest usage, accumulated total,
// the pair that answered, and a cleared abort flag.
func (s *Scheduler) recordUsage(ctx context.Context, key string, outcome *Outcome) {
	if s.store == nil {
		return
	}
	_, err := s.store.Update(context.WithoutCancel(ctx), key, true, func(e *sessions.Entry, _ bool) error {
		u := outcome.Usage
		e.InputTokens = u.InputTokens
		e.OutputTokens = u.OutputTokens
		if u.ContextTokens > 0 {
			e.ContextTokens = u.ContextTokens
		}
		total := u.TotalTokens
		if total == 0 {
			total = u.InputTokens + u.OutputTokens
		}
		e.TotalTokens += total
		if outcome.Provider != "" {
			e.LastProvider = outcome.Provider
			e.LastModel = outcome.Model
		}
		if outcome.Compacted {
			e.CompactionCount++
		}
		e.AbortedLastRun = false
		return nil
	})
	if err != nil {
		level := slog.LevelWarn
		if gwerrors.IsLockContention(err) {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "post-run session update failed", "session", key, "error", err)
	}
}

// Stop aborts key's active run and clears its queue. Stopping an idle
// session is not an error.
func (s *Scheduler) Stop(ctx context.Context, key string) StopResult {
	cleared := s.queue.Drain(key)
	aborted := s.abort(ctx, key, false)
	return StopResult{Aborted: aborted, Cleared: cleared}
}

// abort cancels key's run and records abortedLastRun. With wait it blocks
// until the run has released the slot or ctx ends.
func (s *Scheduler) abort(ctx context.Context, key string, wait bool) bool {
	done, ok := s.tracker.Abort(key)
	if !ok {
		return false
	}
	s.logger.Info("run aborted", "session", key)
	if wait {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	if s.store != nil {
		_, err := s.store.Update(context.WithoutCancel(ctx), key, false, func(e *sessions.Entry, _ bool) error {
			e.AbortedLastRun = true
			return nil
		})
		if err != nil && !gwerrors.IsNotFound(err) {
			s.logger.Warn("mark aborted failed", "session", key, "error", err)
		}
	}
	return true
}
