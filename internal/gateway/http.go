package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/switchyard/internal/config"
	"github.com/haasonsaas/switchyard/internal/events"
)

var maintenanceParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Serve listens on the configured address and blocks until ctx is done or
// the listener fails, then shuts everything down.
func (s *Server) Serve(ctx context.Context) error {
	cfg := s.Config()

	if s.singleton {
		lock, err := AcquireGatewayLock(ctx, GatewayLockOptions{StateDir: cfg.StateDir, Listen: cfg.Gateway.Listen})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lock = lock
		s.mu.Unlock()
	}

	if err := s.startMaintenance(cfg.Gateway.Maintenance); err != nil {
		_ = s.Close(context.Background())
		return err
	}
	s.startWatchers(ctx)

	listener, err := net.Listen("tcp", cfg.Gateway.Listen)
	if err != nil {
		_ = s.Close(context.Background())
		return fmt.Errorf("http listen: %w", err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("gateway listening", "addr", listener.Addr().String(), "version", s.version)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if serveErr != nil {
			s.logger.Error("http server error", "error", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Handler returns the HTTP surface: the websocket endpoint, a health probe
// and, when enabled, the metrics endpoint.
func (s *Server) Handler() http.Handler {
	cfg := s.Config()
	mux := http.NewServeMux()
	mux.Handle("/ws", s.newWSControlPlane())
	mux.HandleFunc("/healthz", s.handleHealthz)
	if cfg.Observability.Metrics.On() {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, s.metrics.Handler())
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Health())
}

// startMaintenance schedules the periodic sweep of expired cooldowns and
// idempotency entries.
func (s *Server) startMaintenance(spec string) error {
	sched, err := maintenanceParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("gateway.maintenance %q: %w", spec, err)
	}
	c := cron.New(cron.WithParser(maintenanceParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Maintain(ctx)
	}))
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	return nil
}

// MaintenanceReport counts what one sweep removed.
type MaintenanceReport struct {
	Cooldowns   int `json:"cooldowns"`
	Idempotency int `json:"idempotency"`
}

// Maintain clears expired profile cooldowns and stale idempotency entries.
func (s *Server) Maintain(ctx context.Context) MaintenanceReport {
	var report MaintenanceReport
	n, err := s.creds.SweepExpired(ctx)
	if err != nil {
		s.logger.Warn("cooldown sweep failed", "error", err)
	} else {
		report.Cooldowns = n
	}
	report.Idempotency = s.idem.Prune()
	if report.Cooldowns > 0 || report.Idempotency > 0 {
		s.logger.Debug("maintenance sweep", "cooldowns", report.Cooldowns, "idempotency", report.Idempotency)
	}
	return report
}

func (s *Server) startWatchers(ctx context.Context) {
	sw, err := s.sessions.Watch(context.WithoutCancel(ctx), func() {
		s.bus.Publish(events.Event{Topic: events.TopicSession, Type: "sessions.changed"})
	})
	if err != nil {
		s.logger.Warn("session store watch disabled", "error", err)
		sw = nil
	}

	var cw *config.Watcher
	if s.configPath != "" {
		cw, err = config.Watch(context.WithoutCancel(ctx), s.configPath, func(cfg *config.Config) {
			if err := s.ApplyConfig(cfg); err != nil {
				s.logger.Error("config reload rejected", "path", s.configPath, "error", err)
			}
		}, config.WithWatchLogger(s.logger), config.WithWarnState(s.warn))
		if err != nil {
			s.logger.Warn("config watch disabled", "path", s.configPath, "error", err)
			cw = nil
		}
	}

	s.mu.Lock()
	s.sessWatcher = sw
	s.cfgWatcher = cw
	s.mu.Unlock()
}

// Health is the gateway's liveness snapshot.
type Health struct {
	Status       string   `json:"status"`
	Version      string   `json:"version,omitempty"`
	Uptime       string   `json:"uptime"`
	DefaultModel string   `json:"defaultModel"`
	Providers    []string `json:"providers"`
	Sessions     int      `json:"sessions"`
	ActiveRuns   int      `json:"activeRuns"`
	Listeners    int      `json:"listeners"`
	StateDir     string   `json:"stateDir"`
}

// Health reports uptime and load. A session store read failure degrades the
// status instead of failing the probe.
func (s *Server) Health() Health {
	cfg := s.Config()
	resolver := s.Resolver()
	h := Health{
		Status:       "ok",
		Version:      s.version,
		Uptime:       s.now().Sub(s.startTime).Round(time.Second).String(),
		DefaultModel: resolver.Default().String(),
		Providers:    resolver.Providers(),
		ActiveRuns:   s.scheduler.Tracker().Len(),
		Listeners:    s.bus.Len(),
		StateDir:     filepath.Clean(cfg.StateDir),
	}
	store, err := s.sessions.Load(context.Background())
	if err != nil {
		h.Status = "degraded"
		s.logger.Warn("health: session store unreadable", "error", err)
	} else {
		h.Sessions = len(store)
	}
	return h
}

// ModelInfo is one allowed model as listed to clients.
type ModelInfo struct {
	Ref           string   `json:"ref"`
	Provider      string   `json:"provider"`
	ID            string   `json:"id"`
	Name          string   `json:"name,omitempty"`
	Aliases       []string `json:"aliases,omitempty"`
	ContextWindow int      `json:"contextWindow,omitempty"`
	Default       bool     `json:"default,omitempty"`
	Local         bool     `json:"local,omitempty"`
}

// ModelList is the models.list payload.
type ModelList struct {
	Default   string      `json:"default"`
	Fallbacks []string    `json:"fallbacks,omitempty"`
	Models    []ModelInfo `json:"models"`
}

// ModelList lists the allowed models.
func (s *Server) ModelList() ModelList {
	resolver := s.Resolver()
	def := resolver.Default()
	out := ModelList{Default: def.String(), Models: []ModelInfo{}}
	for _, ref := range resolver.Fallbacks() {
		out.Fallbacks = append(out.Fallbacks, ref.String())
	}
	for _, e := range resolver.Allowed() {
		ref := e.Ref()
		out.Models = append(out.Models, ModelInfo{
			Ref:           ref.String(),
			Provider:      ref.Provider,
			ID:            ref.Model,
			Name:          e.Name,
			Aliases:       resolver.Aliases().AliasesFor(ref),
			ContextWindow: e.ContextWindow,
			Default:       ref.Key() == def.Key(),
			Local:         resolver.IsLocal(ref.Provider),
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
