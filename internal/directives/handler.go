package directives

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/haasonsaas/switchyard/internal/gwerrors"
	"github.com/haasonsaas/switchyard/internal/models"
	"github.com/haasonsaas/switchyard/internal/sessions"
)

// ActionKind is a control action the gateway carries out after a patch.
type ActionKind string

const (
	ActionStop    ActionKind = "stop"
	ActionReset   ActionKind = "reset"
	ActionCompact ActionKind = "compact"
)

// Action is one control action.
type Action struct {
	Kind ActionKind `json:"kind"`
	// TargetKey is the session a stop applies to.
	TargetKey string `json:"targetKey,omitempty"`
	// Focus is the optional compaction focus.
	Focus string `json:"focus,omitempty"`
}

// RunState is the scheduler view shown by /status.
type RunState struct {
	Active bool
	RunID  string
	Depth  int
}

// Sender identifies who wrote the message.
type Sender struct {
	ID      string
	Name    string
	Channel string
	// Authorized senders may use directives; others have them stripped.
	Authorized bool
}

// Context is everything Apply needs about the session.
type Context struct {
	SessionKey string
	// TargetSessionKey redirects /stop to another session.
	TargetSessionKey string
	Entry            *sessions.Entry
	Lookup           models.EntryLookup
	Run              RunState
	Sender           Sender
}

// Result is the outcome of applying a message's directives.
type Result struct {
	Directives []Directive `json:"-"`
	// Text is what remains to forward to the agent.
	Text    string         `json:"text"`
	Patch   sessions.Patch `json:"patch"`
	Replies []string       `json:"replies,omitempty"`
	Actions []Action       `json:"actions,omitempty"`
	// Events are system notes for the session's next run.
	Events []string `json:"events,omitempty"`
}

// Handled reports whether the message was directives only.
func (r Result) Handled() bool {
	return len(r.Directives) > 0 && r.Text == ""
}

// HasAction reports whether an action of kind k was produced.
func (r Result) HasAction(k ActionKind) bool {
	for _, a := range r.Actions {
		if a.Kind == k {
			return true
		}
	}
	return false
}

// Observer counts applied directives.
type Observer interface {
	DirectiveApplied(kind, outcome string)
}

// Handler applies directives against the model resolver.
type Handler struct {
	resolver atomic.Pointer[models.Resolver]
	observer Observer
	logger   *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithObserver sets the observer.
func WithObserver(o Observer) Option {
	return func(h *Handler) { h.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler returns a handler resolving models with resolver.
func NewHandler(resolver *models.Resolver, opts ...Option) *Handler {
	h := &Handler{logger: slog.Default()}
	h.resolver.Store(resolver)
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "directives")
	return h
}

// SetResolver swaps the resolver after a config reload.
func (h *Handler) SetResolver(r *models.Resolver) { h.resolver.Store(r) }

// Apply parses text and applies each directive in order. Later directives
// see the patch built by earlier ones.
func (h *Handler) Apply(ctx context.Context, dc Context, text string) Result {
	parsed := Parse(text)
	res := Result{Directives: parsed.Directives, Text: parsed.Text}
	if len(parsed.Directives) == 0 {
		return res
	}
	if !dc.Sender.Authorized {
		h.logger.Debug("directives from unauthorized sender dropped", "session", dc.SessionKey, "count", len(parsed.Directives))
		for _, d := range parsed.Directives {
			h.observe(d.Kind, "unauthorized")
		}
		return res
	}

	st := &state{Context: dc, res: &res}
	for _, d := range parsed.Directives {
		outcome := "ok"
		if err := h.apply(ctx, st, d); err != nil {
			outcome = "error"
			res.Replies = append(res.Replies, replyForError(err))
		}
		h.observe(d.Kind, outcome)
	}
	return res
}

func (h *Handler) observe(kind Kind, outcome string) {
	if h.observer != nil {
		h.observer.DirectiveApplied(string(kind), outcome)
	}
}

// state tracks the entry as the patch will leave it.
type state struct {
	Context
	res *Result
}

// effective returns the entry with the pending patch applied.
func (s *state) effective() *sessions.Entry {
	e := sessions.Entry{}
	if s.Entry != nil {
		e = *s.Entry
	}
	s.res.Patch.Apply(&e)
	return &e
}

func (s *state) reply(format string, args ...any) {
	s.res.Replies = append(s.res.Replies, fmt.Sprintf(format, args...))
}

func (s *state) event(format string, args ...any) {
	s.res.Events = append(s.res.Events, fmt.Sprintf(format, args...))
}

func (h *Handler) apply(ctx context.Context, st *state, d Directive) error {
	switch d.Kind {
	case KindModel:
		return h.applyModel(st, d.Args)
	case KindModels:
		return h.listModels(st, d.Args)
	case KindThink:
		return applyThink(st, d.Args)
	case KindElevated:
		return applyElevated(st, d.Args)
	case KindCompact:
		e := st.effective()
		st.res.Patch.CompactionCount = sessions.Set(e.CompactionCount + 1)
		st.res.Actions = append(st.res.Actions, Action{Kind: ActionCompact, Focus: d.Args})
		if d.Args != "" {
			st.reply("Compacting session (focus: %s).", d.Args)
		} else {
			st.reply("Compacting session.")
		}
		return nil
	case KindReset:
		st.res.Actions = append(st.res.Actions, Action{Kind: ActionReset})
		st.reply("Session reset.")
		if d.Args != "" {
			return h.applyModel(st, d.Args)
		}
		return nil
	case KindStatus:
		h.status(st)
		return nil
	case KindStop:
		target := st.TargetSessionKey
		if target == "" {
			target = st.SessionKey
		}
		st.res.Actions = append(st.res.Actions, Action{Kind: ActionStop, TargetKey: target})
		return nil
	case KindWhoami:
		whoami(st)
		return nil
	case KindCommands:
		commands(st)
		return nil
	}
	return &gwerrors.ParseError{Input: d.Name, Reason: "unknown directive"}
}

func (h *Handler) applyModel(st *state, args string) error {
	arg := strings.TrimSpace(args)
	switch strings.ToLower(arg) {
	case "", "status":
		h.modelStatus(st)
		return nil
	case "list":
		return h.listModels(st, "")
	case "default", "reset":
		st.res.Patch.ClearModelOverride()
		def := h.resolver.Load().Default()
		st.reply("Model reset to default %s.", def)
		st.event("Model switched to %s.", def)
		return nil
	}

	res, err := h.resolver.Load().Resolve(arg)
	if err != nil {
		return err
	}
	current := h.resolver.Load().SelectForSession(st.SessionKey, st.effective(), st.Lookup)

	if res.Ref.Key() == h.resolver.Load().Default().Key() {
		st.res.Patch.ClearModelOverride()
	} else {
		st.res.Patch.ProviderOverride = sessions.Set(res.Ref.Provider)
		st.res.Patch.ModelOverride = sessions.Set(res.Ref.Model)
		if current.Ref.Key() != res.Ref.Key() {
			st.res.Patch.ClearAuthOverride()
		}
	}
	if res.Profile != "" {
		st.res.Patch.AuthProfileOverride = sessions.Set(res.Profile)
		st.res.Patch.AuthProfileOverrideSource = sessions.Set(sessions.OverrideManual)
		st.res.Patch.AuthProfileOverrideCompactionCount = sessions.Clear[int]()
	}

	label := res.Ref.String()
	if res.Profile != "" {
		label += " (auth profile " + res.Profile + ")"
	}
	if res.Match == models.MatchFuzzy || res.Match == models.MatchAlias {
		st.reply("Model set to %s (matched %q).", label, arg)
	} else {
		st.reply("Model set to %s.", label)
	}
	if current.Ref.Key() != res.Ref.Key() {
		st.event("Model switched to %s.", res.Ref)
	}
	return nil
}

func (h *Handler) modelStatus(st *state) {
	sel := h.resolver.Load().SelectForSession(st.SessionKey, st.effective(), st.Lookup)
	line := fmt.Sprintf("Model: %s (%s)", sel.Ref, sel.Source)
	if sel.Source == models.SourceParent {
		line += " from " + sel.ParentKey
	}
	if sel.AuthProfile != "" {
		line += ", auth profile " + sel.AuthProfile
	}
	st.reply("%s. Default: %s.", line, h.resolver.Load().Default())
}

// listModels lists the allowlist, or one provider's part of it.
func (h *Handler) listModels(st *state, provider string) error {
	resolver := h.resolver.Load()
	entries := resolver.Allowed()
	header := "Allowed models:"
	if provider = models.NormalizeProvider(provider); provider != "" {
		if !resolver.KnownProvider(provider) {
			return &gwerrors.UnsupportedProviderError{Provider: provider}
		}
		entries = resolver.AllowedFor(provider)
		if len(entries) == 0 {
			st.reply("No allowed models for %s.", provider)
			return nil
		}
		header = "Allowed " + provider + " models:"
	}

	sel := resolver.SelectForSession(st.SessionKey, st.effective(), st.Lookup)
	var b strings.Builder
	b.WriteString(header)
	for _, e := range entries {
		marker := " "
		if e.Ref().Key() == sel.Ref.Key() {
			marker = "*"
		}
		fmt.Fprintf(&b, "\n%s %s", marker, e.Ref())
		if aliases := resolver.Aliases().AliasesFor(e.Ref()); len(aliases) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(aliases, ", "))
		}
	}
	st.reply("%s", b.String())
	return nil
}

func applyThink(st *state, args string) error {
	if args == "" {
		level := st.effective().ThinkingLevel
		if level == "" {
			level = "default"
		}
		st.reply("Thinking level: %s. Options: %s.", level, strings.Join(sessions.ThinkingLevels, ", "))
		return nil
	}
	level, ok := sessions.ParseThinkingLevel(args)
	if !ok {
		return &gwerrors.ParseError{Input: args, Reason: "thinking level must be one of " + strings.Join(sessions.ThinkingLevels, ", ")}
	}
	st.res.Patch.ThinkingLevel = sessions.Set(level)
	st.reply("Thinking level set to %s.", level)
	st.event("Thinking level set to %s.", level)
	return nil
}

func applyElevated(st *state, args string) error {
	if args == "" {
		level := st.effective().ElevatedLevel
		if level == "" {
			level = sessions.ElevatedOff
		}
		st.reply("Elevated mode: %s. Options: off, on, ask.", level)
		return nil
	}
	level, ok := sessions.ParseElevatedLevel(args)
	if !ok {
		return &gwerrors.ParseError{Input: args, Reason: "elevated mode must be off, on, or ask"}
	}
	st.res.Patch.ElevatedLevel = sessions.Set(level)
	st.reply("Elevated mode set to %s.", level)
	st.event("Elevated mode set to %s.", level)
	return nil
}

func (h *Handler) status(st *state) {
	e := st.effective()
	sel := h.resolver.Load().SelectForSession(st.SessionKey, e, st.Lookup)
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s", st.SessionKey)
	if e.SessionID != "" {
		fmt.Fprintf(&b, " (%s)", e.SessionID)
	}
	fmt.Fprintf(&b, "\nModel: %s (%s)", sel.Ref, sel.Source)
	if sel.AuthProfile != "" {
		fmt.Fprintf(&b, "\nAuth profile: %s", sel.AuthProfile)
	}
	if e.ThinkingLevel != "" {
		fmt.Fprintf(&b, "\nThinking: %s", e.ThinkingLevel)
	}
	if e.ElevatedLevel != "" {
		fmt.Fprintf(&b, "\nElevated: %s", e.ElevatedLevel)
	}
	fmt.Fprintf(&b, "\nTokens: %d total (%d in / %d out", e.TotalTokens, e.InputTokens, e.OutputTokens)
	if e.ContextTokens > 0 {
		fmt.Fprintf(&b, ", context %d", e.ContextTokens)
	}
	b.WriteString(")")
	if e.CompactionCount > 0 {
		fmt.Fprintf(&b, "\nCompactions: %d", e.CompactionCount)
	}
	run := "idle"
	if st.Run.Active {
		run = "running " + st.Run.RunID
	}
	fmt.Fprintf(&b, "\nRun: %s, queued %d", run, st.Run.Depth)
	if e.AbortedLastRun {
		b.WriteString("\nLast run was aborted.")
	}
	st.reply("%s", b.String())
}

func whoami(st *state) {
	name := st.Sender.Name
	if name == "" {
		name = st.Sender.ID
	}
	if st.Sender.Channel != "" {
		st.reply("You are %s (%s) on %s.", name, st.Sender.ID, st.Sender.Channel)
		return
	}
	st.reply("You are %s (%s).", name, st.Sender.ID)
}

var commandHelp = []struct {
	usage string
	desc  string
}{
	{"/model [ref|list|status|default]", "show or switch the model; ref may end in @profile"},
	{"/models", "list allowed models"},
	{"/think [level]", "set thinking level (alias /thinking)"},
	{"/elevated [off|on|ask]", "set elevated mode (alias /elev)"},
	{"/compact [focus]", "compact the session"},
	{"/reset [model]", "start a fresh session (alias /new)"},
	{"/status", "show session status"},
	{"/stop", "abort the active run and clear the queue"},
	{"/whoami", "show your sender identity"},
	{"/commands", "list directives"},
}

func commands(st *state) {
	var b strings.Builder
	b.WriteString("Directives:")
	for _, c := range commandHelp {
		fmt.Fprintf(&b, "\n%s - %s", c.usage, c.desc)
	}
	st.reply("%s", b.String())
}

// replyForError renders a directive failure as an inline reply.
func replyForError(err error) string {
	var amb *gwerrors.AmbiguousSelectionError
	if errors.As(err, &amb) {
		return fmt.Sprintf("%q matches several models: %s. Be more specific.", amb.Input, strings.Join(amb.Candidates, ", "))
	}
	var unsupported *gwerrors.UnsupportedProviderError
	if errors.As(err, &unsupported) {
		return fmt.Sprintf("Unknown provider %q.", unsupported.Provider)
	}
	var nf *gwerrors.NotFoundError
	if errors.As(err, &nf) {
		return fmt.Sprintf("Model %q is not allowed. Use /models to list options.", nf.ID)
	}
	var pe *gwerrors.ParseError
	if errors.As(err, &pe) {
		return "Invalid directive: " + pe.Error()
	}
	return "Directive failed: " + err.Error()
}
