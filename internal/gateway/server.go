// Package gateway wires the session, credential, model and scheduling
// layers together and exposes them over a websocket RPC surface.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/switchyard/internal/auth"
	"github.com/haasonsaas/switchyard/internal/config"
	"github.com/haasonsaas/switchyard/internal/directives"
	"github.com/haasonsaas/switchyard/internal/events"
	"github.com/haasonsaas/switchyard/internal/models"
	"github.com/haasonsaas/switchyard/internal/observability"
	"github.com/haasonsaas/switchyard/internal/queue"
	"github.com/haasonsaas/switchyard/internal/runtime"
	"github.com/haasonsaas/switchyard/internal/scheduler"
	"github.com/haasonsaas/switchyard/internal/sessions"
)

// Server is the gateway process core.
type Server struct {
	cfg      atomic.Pointer[config.Config]
	resolver atomic.Pointer[models.Resolver]

	configPath string
	version    string
	logger     *slog.Logger
	now        func() time.Time
	metrics    *observability.Metrics
	tracer     trace.Tracer
	warn       *config.WarnState
	singleton  bool

	sessions   *sessions.Store
	creds      *auth.Store
	tokens     *auth.TokenService
	runners    *runtime.Registry
	executor   *models.Executor
	directives *directives.Handler
	scheduler  *scheduler.Scheduler
	bus        *events.Bus
	system     *events.SystemQueue
	idem       *idempotencyCache
	inbox      *runInbox

	startTime time.Time

	mu          sync.Mutex
	cron        *cron.Cron
	httpServer  *http.Server
	lock        *GatewayLockHandle
	cfgWatcher  *config.Watcher
	sessWatcher *sessions.Watcher
	closed      bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics sink. Without it the server records into a
// private registry.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithRunners replaces the provider runners built from config.
func WithRunners(r *runtime.Registry) Option {
	return func(s *Server) { s.runners = r }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithConfigPath enables hot reload of the file at path while serving.
func WithConfigPath(path string) Option {
	return func(s *Server) { s.configPath = path }
}

// WithVersion sets the version reported by health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithSingletonLock makes Serve refuse to start while another gateway holds
// the state directory.
func WithSingletonLock() Option {
	return func(s *Server) { s.singleton = true }
}

// New builds every component from cfg. Nothing listens until Serve.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		logger: slog.Default(),
		now:    time.Now,
		warn:   config.NewWarnState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewMetrics(nil)
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("switchyard/gateway")
	}
	s.logger = s.logger.With("component", "gateway")
	s.cfg.Store(cfg)

	resolver, err := NewResolver(cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("build model resolver: %w", err)
	}
	s.resolver.Store(resolver)

	lockOpts := cfg.Auth.Lock.Options()
	lockOpts.Observer = s.metrics
	lockOpts.Now = s.now

	s.creds, err = auth.EnsureStore(ctx, cfg.Auth.ProfilesPath,
		auth.WithLockOptions(lockOpts),
		auth.WithCooldownPolicy(cfg.Auth.Cooldown.Policy()),
		auth.WithClock(s.now),
		auth.WithLogger(s.logger),
		auth.WithObserver(s.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	s.sessions = sessions.NewStore(cfg.Session.StorePath,
		sessions.WithLockOptions(lockOpts),
		sessions.WithClock(s.now),
		sessions.WithLogger(s.logger),
	)
	s.tokens = auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)

	if s.runners == nil {
		s.runners = BuildRunners(cfg.Models)
	}
	s.executor = models.NewExecutor(s.creds,
		models.WithLocalProviders(func(p string) bool { return s.resolver.Load().IsLocal(p) }),
		models.WithExecutorClock(s.now),
		models.WithExecutorLogger(s.logger),
		models.WithTracer(s.tracer),
		models.WithAttemptObserver(s.metrics),
	)
	s.directives = directives.NewHandler(resolver,
		directives.WithObserver(s.metrics),
		directives.WithLogger(s.logger),
	)

	s.bus = events.NewBus(events.WithMaxListeners(cfg.Gateway.MaxListeners), events.WithLogger(s.logger), events.WithClock(s.now))
	s.system = events.NewSystemQueue(s.bus)
	s.system.SetMax(cfg.Gateway.SystemEvents)
	s.idem = newIdempotencyCache(cfg.Gateway.IdempotencyTTL, s.now)

	schedOpts := []scheduler.Option{
		scheduler.WithLimiter(queue.NewLimiter(cfg.Agents.MaxConcurrent, cfg.Agents.Subagents.MaxConcurrent)),
		scheduler.WithObserver(s.metrics),
		scheduler.WithQueueObserver(s.metrics),
		scheduler.WithTracer(s.tracer),
		scheduler.WithLogger(s.logger),
		scheduler.WithClock(s.now),
	}
	s.inbox = newRunInbox()
	schedOpts = append(schedOpts, scheduler.WithSteerer(s.inbox))
	s.scheduler = scheduler.New(s.runAgent, s.sessions, schedOpts...)
	s.startTime = s.now()
	return s, nil
}

// Config returns the active configuration.
func (s *Server) Config() *config.Config { return s.cfg.Load() }

// Resolver returns the active model resolver.
func (s *Server) Resolver() *models.Resolver { return s.resolver.Load() }

// Sessions returns the session store.
func (s *Server) Sessions() *sessions.Store { return s.sessions }

// Credentials returns the credential store.
func (s *Server) Credentials() *auth.Store { return s.creds }

// Tokens returns the RPC token service.
func (s *Server) Tokens() *auth.TokenService { return s.tokens }

// Bus returns the event bus.
func (s *Server) Bus() *events.Bus { return s.bus }

// ApplyConfig swaps in a reloaded configuration. Storage paths, the listen
// address and the concurrency limits need a restart; model selection, queue
// settings, system event bounds and the idempotency window apply at once.
func (s *Server) ApplyConfig(cfg *config.Config) error {
	resolver, err := NewResolver(cfg.Models)
	if err != nil {
		return fmt.Errorf("build model resolver: %w", err)
	}
	prev := s.cfg.Swap(cfg)
	s.resolver.Store(resolver)
	s.directives.SetResolver(resolver)
	s.system.SetMax(cfg.Gateway.SystemEvents)
	s.idem.SetTTL(cfg.Gateway.IdempotencyTTL)

	if prev != nil && (prev.Session.StorePath != cfg.Session.StorePath ||
		prev.Auth.ProfilesPath != cfg.Auth.ProfilesPath ||
		prev.Gateway.Listen != cfg.Gateway.Listen) {
		s.logger.Warn("config change needs a restart to take full effect", "fields", "storage paths or listen address")
	}
	s.bus.Publish(events.Event{Topic: events.TopicSystem, Type: "config.reloaded"})
	s.logger.Info("config applied", "default_model", resolver.Default().String(), "allowed", len(resolver.Allowed()))
	return nil
}

// Close stops background work and releases every resource. It is safe to
// call more than once.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c, srv, lock := s.cron, s.httpServer, s.lock
	cw, sw := s.cfgWatcher, s.sessWatcher
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
		}
	}
	if c != nil {
		<-c.Stop().Done()
	}
	if cw != nil {
		_ = cw.Close()
	}
	if sw != nil {
		_ = sw.Close()
	}
	s.scheduler.Close()
	s.bus.Close()
	if lock != nil {
		if err := lock.Release(); err != nil {
			s.logger.Warn("release gateway lock", "error", err)
		}
	}
	s.logger.Info("gateway stopped")
	return nil
}
