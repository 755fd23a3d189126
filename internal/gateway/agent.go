package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/haasonsaas/switchyard/internal/auth"
	"github.com/haasonsaas/switchyard/internal/directives"
	"github.com/haasonsaas/switchyard/internal/events"
	"github.com/haasonsaas/switchyard/internal/gwerrors"
	"github.com/haasonsaas/switchyard/internal/models"
	"github.com/haasonsaas/switchyard/internal/observability"
	"github.com/haasonsaas/switchyard/internal/queue"
	"github.com/haasonsaas/switchyard/internal/runtime"
	"github.com/haasonsaas/switchyard/internal/scheduler"
	"github.com/haasonsaas/switchyard/internal/sessions"
)

// AgentRequest is one inbound message.
type AgentRequest struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	// TargetSessionKey redirects /stop to another session.
	TargetSessionKey string `json:"targetSessionKey,omitempty"`
	AgentID          string `json:"agentId,omitempty"`
	Channel          string `json:"channel,omitempty"`
}

// AgentResponse is what the agent method returns.
type AgentResponse struct {
	SessionKey string `json:"sessionKey"`
	SessionID  string `json:"sessionId"`
	// Payloads are the run's replies.
	Payloads []string `json:"payloads"`
	// Replies acknowledge the message's directives.
	Replies  []string              `json:"replies,omitempty"`
	Actions  []directives.Action   `json:"actions,omitempty"`
	Stop     *scheduler.StopResult `json:"stop,omitempty"`
	Decision *scheduler.Decision   `json:"decision,omitempty"`

	RunID       string           `json:"runId,omitempty"`
	Provider    string           `json:"provider,omitempty"`
	Model       string           `json:"model,omitempty"`
	AuthProfile string           `json:"authProfile,omitempty"`
	Usage       *runtime.Usage   `json:"usage,omitempty"`
	Attempts    []models.Attempt `json:"attempts,omitempty"`
	Replayed    bool             `json:"replayed,omitempty"`
}

// Agent handles one message: directives first, then the scheduler.
// Immediate runs complete before Agent returns; queued messages return the
// scheduling decision.
func (s *Server) Agent(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, &gwerrors.ParseError{Reason: "message is required"}
	}
	resp, replayed, err := s.idem.Do(ctx, req.IdempotencyKey, func() (*AgentResponse, error) {
		return s.agent(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if replayed {
		out := *resp
		out.Replayed = true
		return &out, nil
	}
	return resp, nil
}

func (s *Server) canonicalKey(agentID, key string) string {
	cfg := s.cfg.Load()
	if agentID == "" {
		agentID = cfg.Agents.DefaultID
	}
	return sessions.CanonicalKey(agentID, key, cfg.Session.MainKey, s.warn, s.logger)
}

func (s *Server) agent(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	cfg := s.cfg.Load()
	key := s.canonicalKey(req.AgentID, req.SessionKey)
	ctx = observability.WithSessionKey(ctx, key)

	entry, created, err := s.sessions.Ensure(ctx, key, req.Channel)
	if err != nil {
		return nil, err
	}
	if created {
		s.bus.Publish(events.Event{Topic: events.TopicSession, Type: "session.created", SessionKey: key})
	}
	channel := entry.Channel
	if channel == "" {
		channel = req.Channel
	}

	dc := directives.Context{
		SessionKey: key,
		Entry:      entry,
		Lookup:     s.lookup(ctx),
		Run:        s.runState(key),
		Sender:     s.sender(ctx, channel),
	}
	if req.TargetSessionKey != "" {
		dc.TargetSessionKey = s.canonicalKey(req.AgentID, req.TargetSessionKey)
	}
	res := s.directives.Apply(ctx, dc, req.Message)

	resp := &AgentResponse{SessionKey: key, SessionID: entry.SessionID, Replies: res.Replies, Actions: res.Actions}
	entry, stop, err := s.applyDirectiveResult(ctx, key, entry, res)
	if err != nil {
		return nil, err
	}
	resp.SessionID = entry.SessionID
	resp.Stop = stop

	if res.Handled() || strings.TrimSpace(res.Text) == "" {
		resp.Payloads = []string{}
		return resp, nil
	}

	sel := s.resolver.Load().SelectForSession(key, entry, dc.Lookup)
	in := scheduler.Inbound{
		Key:    key,
		Prompt: res.Text,
		Spec: queue.RunSpec{
			AgentID:     agentIDFor(key, cfg.Agents.DefaultID),
			SessionID:   entry.SessionID,
			SessionKey:  key,
			Channel:     channel,
			Workspace:   cfg.Agents.Workspace,
			Provider:    sel.Ref.Provider,
			Model:       sel.Ref.Model,
			AuthProfile: sel.AuthProfile,
			Timeout:     cfg.Agents.Timeout,
			IsSubagent:  sessions.IsSubagentKey(key),
		},
		Settings: cfg.Session.Queue.Settings(channel),
	}
	dec, err := s.scheduler.Submit(ctx, in)
	if err != nil {
		return nil, err
	}
	resp.Decision = &dec
	resp.RunID = dec.RunID
	resp.Payloads = []string{}
	if out := dec.Outcome; out != nil {
		resp.Payloads = out.Payloads
		resp.Provider = out.Provider
		resp.Model = out.Model
		resp.AuthProfile = out.Profile
		usage := out.Usage
		resp.Usage = &usage
		resp.Attempts = out.Attempts
		dec.Outcome = nil
	}
	return resp, nil
}

// applyDirectiveResult carries out a directive result in order: reset,
// patch, system events, then stop.
func (s *Server) applyDirectiveResult(ctx context.Context, key string, entry *sessions.Entry, res directives.Result) (*sessions.Entry, *scheduler.StopResult, error) {
	var err error
	if res.HasAction(directives.ActionReset) {
		if entry, err = s.sessions.Reset(ctx, key); err != nil {
			return nil, nil, err
		}
		s.system.Clear(key)
		s.bus.Publish(events.Event{Topic: events.TopicSession, Type: "session.reset", SessionKey: key, Payload: entry.SessionID})
	}
	if !res.Patch.IsEmpty() {
		if entry, err = s.sessions.Patch(ctx, key, res.Patch, true); err != nil {
			return nil, nil, err
		}
		s.bus.Publish(events.Event{Topic: events.TopicSession, Type: "session.patched", SessionKey: key, Payload: res.Patch})
	}
	for _, ev := range res.Events {
		s.system.Enqueue(key, ev)
	}

	var stop *scheduler.StopResult
	for _, a := range res.Actions {
		switch a.Kind {
		case directives.ActionStop:
			r := s.scheduler.Stop(ctx, a.TargetKey)
			stop = &r
			s.bus.Publish(events.Event{Topic: events.TopicRun, Type: "run.stopped", SessionKey: a.TargetKey, Payload: r})
		case directives.ActionCompact:
			s.bus.Publish(events.Event{Topic: events.TopicSession, Type: "session.compact", SessionKey: key, Payload: a.Focus})
		}
	}
	return entry, stop, nil
}

func agentIDFor(key, fallback string) string {
	if parsed := sessions.ParseKey(key); parsed != nil && parsed.AgentID != "" {
		return parsed.AgentID
	}
	return fallback
}

func (s *Server) lookup(ctx context.Context) models.EntryLookup {
	return func(key string) (*sessions.Entry, bool) {
		return s.sessions.Lookup(ctx, key)
	}
}

func (s *Server) runState(key string) directives.RunState {
	st := s.scheduler.Status(key)
	return directives.RunState{Active: st.Active, RunID: st.RunID, Depth: st.Depth}
}

// sender maps the RPC principal to a directive sender. With token auth
// disabled every caller is local and trusted.
func (s *Server) sender(ctx context.Context, channel string) directives.Sender {
	p, ok := auth.PrincipalFromContext(ctx)
	if !ok {
		return directives.Sender{ID: "local", Name: "local", Channel: channel, Authorized: !s.tokens.Enabled()}
	}
	if channel == "" {
		channel = p.Channel
	}
	return directives.Sender{ID: p.ID, Name: p.Name, Channel: channel, Authorized: p.Commands}
}

// runAgent is the scheduler's RunFunc. It re-reads the session so queued
// follow-ups see overrides made after they were enqueued. Input steered in
// while a runtime call is in flight is answered by further calls within the
// same run, pinned to the pair that answered last.
func (s *Server) runAgent(ctx context.Context, job scheduler.Job) (*scheduler.Outcome, error) {
	ctx = observability.WithRunID(observability.WithSessionKey(ctx, job.Key), job.RunID)
	entry, err := s.sessions.Get(ctx, job.Key)
	if err != nil {
		return nil, err
	}
	resolver := s.resolver.Load()
	sel := resolver.SelectForSession(job.Key, entry, s.lookup(ctx))
	prompt := s.system.Prepend(job.Key, job.Prompt)

	s.inbox.open(job.Key, job.RunID)
	job.SetStreaming(true)
	defer func() {
		job.SetStreaming(false)
		if left := s.inbox.close(job.RunID); len(left) > 0 {
			s.requeue(job, left)
		}
	}()

	s.bus.Publish(events.Event{Topic: events.TopicRun, Type: "run.started", SessionKey: job.Key, Payload: job.RunID})
	outcome := &scheduler.Outcome{Payloads: []string{}}
	candidates, preferred := resolver.Chain(sel.Ref), sel.AuthProfile
	for {
		result, err := s.runOnce(ctx, job, entry, candidates, preferred, prompt)
		if err != nil {
			var exhausted *models.ExhaustedError
			payload := any(err.Error())
			if errors.As(err, &exhausted) {
				payload = exhausted.Attempts
			}
			s.bus.Publish(events.Event{Topic: events.TopicRun, Type: "run.failed", SessionKey: job.Key, Payload: payload})
			return nil, err
		}
		outcome.Payloads = append(outcome.Payloads, result.Value.Payloads...)
		outcome.Provider = result.Ref.Provider
		outcome.Model = result.Ref.Model
		outcome.Profile = result.Profile
		outcome.Usage = outcome.Usage.Add(result.Value.Usage)
		outcome.Attempts = append(outcome.Attempts, result.Attempts...)

		steered := s.inbox.next(job.RunID)
		if len(steered) == 0 {
			break
		}
		s.logger.DebugContext(ctx, "continuing run with steered input", "messages", len(steered))
		prompt = strings.Join(steered, "\n\n")
		candidates, preferred = resolver.Chain(result.Ref), result.Profile
	}

	s.pinProfile(ctx, job.Key, entry, outcome.Profile)
	s.bus.Publish(events.Event{Topic: events.TopicRun, Type: "run.finished", SessionKey: job.Key, Payload: outcome})
	return outcome, nil
}

// runOnce is one runtime call under the fallback executor.
func (s *Server) runOnce(ctx context.Context, job scheduler.Job, entry *sessions.Entry, candidates []models.Ref, preferred, prompt string) (*models.Result[*runtime.Result], error) {
	return models.RunWithFallback(ctx, s.executor, models.Request{
		Candidates:       candidates,
		PreferredProfile: preferred,
		Timeout:          job.Spec.Timeout,
	}, func(ctx context.Context, call models.Call) (*runtime.Result, error) {
		apiKey := ""
		if call.Profile != "" {
			key, err := s.creds.ResolveAPIKeyForProfile(ctx, call.Profile)
			if err != nil {
				return nil, err
			}
			apiKey = key.Secret
		}
		return s.runners.Run(ctx, runtime.Request{
			Provider:      call.Ref.Provider,
			Model:         call.Ref.Model,
			AuthProfile:   call.Profile,
			APIKey:        apiKey,
			SessionID:     entry.SessionID,
			Prompt:        prompt,
			ThinkingLevel: entry.ThinkingLevel,
		})
	})
}

// requeue hands steered input that a failed run never answered back to the
// follow-up queue.
func (s *Server) requeue(job scheduler.Job, prompts []string) {
	settings := s.cfg.Load().Session.Queue.Settings(job.Spec.Channel)
	settings.Mode = queue.ModeFollowup
	q := s.scheduler.Queue()
	for _, p := range prompts {
		q.Enqueue(job.Key, queue.FollowupRun{Prompt: p, Run: job.Spec}, settings, "steer")
	}
	q.ScheduleDrain(job.Key)
	s.logger.Info("steered input requeued", "session", job.Key, "run", job.RunID, "messages", len(prompts))
}

// pinProfile records the profile that answered as an automatic override so
// the session sticks to it until the next compaction.
func (s *Server) pinProfile(ctx context.Context, key string, entry *sessions.Entry, profile string) {
	if profile == "" || entry.AuthProfileOverride != "" {
		return
	}
	p := sessions.Patch{
		AuthProfileOverride:                sessions.Set(profile),
		AuthProfileOverrideSource:          sessions.Set(sessions.OverrideAuto),
		AuthProfileOverrideCompactionCount: sessions.Set(entry.CompactionCount),
	}
	if _, err := s.sessions.Patch(context.WithoutCancel(ctx), key, p, false); err != nil {
		s.logger.WarnContext(ctx, "pin auth profile failed", "profile", profile, "error", err)
	}
}
