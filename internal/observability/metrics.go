package observability

import (
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/switchyard/internal/queue"
)

// Metrics holds the gateway collectors. It satisfies the observer
// interfaces of the scheduler, queue, fallback executor, directive handler,
// credential store and file lock.
type Metrics struct {
	// SchedulerDecisions counts Submit outcomes by action.
	SchedulerDecisions *prometheus.CounterVec
	// RunDuration measures runs by outcome (ok|error|aborted).
	RunDuration *prometheus.HistogramVec

	// QueueEnqueues counts enqueues by mode and result
	// (queued|merged|dropped|evicted|summarized).
	QueueEnqueues *prometheus.CounterVec
	// QueuePending is the number of queued follow-ups across sessions.
	QueuePending prometheus.Gauge

	// FallbackAttempts counts candidates tried, by provider and outcome.
	FallbackAttempts *prometheus.CounterVec
	// FallbackAttemptDuration measures each attempt.
	FallbackAttemptDuration *prometheus.HistogramVec

	// Cooldowns counts credential cooldowns by provider and reason.
	Cooldowns *prometheus.CounterVec

	// LockWait measures time spent acquiring store locks, by store file
	// and result (acquired|contended).
	LockWait *prometheus.HistogramVec
	// LocksBroken counts stale locks removed.
	LocksBroken *prometheus.CounterVec

	// Directives counts applied directives by kind and outcome.
	Directives *prometheus.CounterVec

	// RPCRequests counts gateway RPC calls by method and result code.
	RPCRequests *prometheus.CounterVec
	// RPCDuration measures gateway RPC calls.
	RPCDuration *prometheus.HistogramVec
	// Connections is the number of open websocket clients.
	Connections prometheus.Gauge

	gatherer prometheus.Gatherer

	mu     sync.Mutex
	depths map[string]int
}

// NewMetrics creates the collectors on reg. A nil reg uses a fresh
// registry, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	} else {
		gatherer = prometheus.DefaultGatherer
	}
	f := promauto.With(reg)

	return &Metrics{
		SchedulerDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_scheduler_decisions_total",
			Help: "Inbound messages by scheduler action",
		}, []string{"action"}),
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchyard_run_duration_seconds",
			Help:    "Agent run duration by outcome",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),

		QueueEnqueues: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_queue_enqueued_total",
			Help: "Follow-up enqueues by mode and result",
		}, []string{"mode", "result"}),
		QueuePending: f.NewGauge(prometheus.GaugeOpts{
			Name: "switchyard_queue_pending",
			Help: "Queued follow-ups across all sessions",
		}),

		FallbackAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_fallback_attempts_total",
			Help: "Model candidates tried by provider and outcome",
		}, []string{"provider", "outcome"}),
		FallbackAttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchyard_fallback_attempt_duration_seconds",
			Help:    "Duration of each model attempt",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider"}),

		Cooldowns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_auth_cooldowns_total",
			Help: "Credential cooldowns applied by provider and reason",
		}, []string{"provider", "reason"}),

		LockWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchyard_lock_wait_seconds",
			Help:    "Time spent acquiring store file locks",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
		}, []string{"store", "result"}),
		LocksBroken: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_locks_broken_total",
			Help: "Stale store locks removed",
		}, []string{"store"}),

		Directives: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_directives_total",
			Help: "Inline directives by kind and outcome",
		}, []string{"kind", "outcome"}),

		RPCRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "switchyard_rpc_requests_total",
			Help: "Gateway RPC calls by method and result code",
		}, []string{"method", "code"}),
		RPCDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "switchyard_rpc_duration_seconds",
			Help:    "Gateway RPC call duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "switchyard_ws_connections",
			Help: "Open websocket clients",
		}),

		gatherer: gatherer,
		depths:   make(map[string]int),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SchedulerDecision implements scheduler.Observer.
func (m *Metrics) SchedulerDecision(action string) {
	m.SchedulerDecisions.WithLabelValues(action).Inc()
}

// RunFinished implements scheduler.Observer.
func (m *Metrics) RunFinished(outcome string, d time.Duration) {
	m.RunDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// QueueEnqueued implements queue.Observer.
func (m *Metrics) QueueEnqueued(mode queue.Mode, res queue.EnqueueResult) {
	result := "queued"
	switch {
	case res.Dropped:
		result = "dropped"
	case res.Summarized:
		result = "summarized"
	case res.Evicted > 0:
		result = "evicted"
	case res.Merged:
		result = "merged"
	}
	m.QueueEnqueues.WithLabelValues(string(mode), result).Inc()
}

// QueueDepth implements queue.Observer.
func (m *Metrics) QueueDepth(key string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if depth <= 0 {
		delete(m.depths, key)
	} else {
		m.depths[key] = depth
	}
	total := 0
	for _, d := range m.depths {
		total += d
	}
	m.QueuePending.Set(float64(total))
}

// FallbackAttempt implements models.AttemptObserver.
func (m *Metrics) FallbackAttempt(provider, _ string, outcome string, d time.Duration) {
	m.FallbackAttempts.WithLabelValues(provider, outcome).Inc()
	if d > 0 {
		m.FallbackAttemptDuration.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// ProfileCooldown implements auth.Observer.
func (m *Metrics) ProfileCooldown(provider, reason string) {
	m.Cooldowns.WithLabelValues(provider, reason).Inc()
}

// LockAcquired implements filelock.Observer.
func (m *Metrics) LockAcquired(path string, waited time.Duration, _ int) {
	m.LockWait.WithLabelValues(filepath.Base(path), "acquired").Observe(waited.Seconds())
}

// LockContended implements filelock.Observer.
func (m *Metrics) LockContended(path string, waited time.Duration, _ int) {
	m.LockWait.WithLabelValues(filepath.Base(path), "contended").Observe(waited.Seconds())
}

// LockBroken implements filelock.Observer.
func (m *Metrics) LockBroken(path string, _ time.Duration) {
	m.LocksBroken.WithLabelValues(filepath.Base(path)).Inc()
}

// DirectiveApplied implements directives.Observer.
func (m *Metrics) DirectiveApplied(kind, outcome string) {
	m.Directives.WithLabelValues(kind, outcome).Inc()
}

// RPCHandled records one gateway RPC call.
func (m *Metrics) RPCHandled(method, code string, d time.Duration) {
	m.RPCRequests.WithLabelValues(method, code).Inc()
	m.RPCDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ConnectionOpened and ConnectionClosed track websocket clients.
func (m *Metrics) ConnectionOpened() { m.Connections.Inc() }

// ConnectionClosed decrements the client gauge.
func (m *Metrics) ConnectionClosed() { m.Connections.Dec() }
