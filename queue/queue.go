// Package queue implements the dual-mode job dispatcher behind the
// orchestrator, the trigger processor, and event ingestion. In redis mode
// each logical queue is a Redis stream with a consumer group and a sorted
// set for delayed jobs. In inline mode handlers run synchronously in the
// enqueueing goroutine; inline is refused unless explicitly allowed.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/apphub/apphub/core"
	"github.com/apphub/apphub/telemetry"
)

// Logical queue names used by the control plane.
const (
	QueueWorkflow        = "workflow"
	QueueWorkflowRetry   = "workflow-retry"
	QueueEventIngress    = "event-ingress"
	QueueEventTrigger    = "event-trigger"
	QueueTimestoreIngest = "timestore-ingest"
)

// Job is one unit of dispatched work.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// JobOptions carries per-job dispatch options. Attempts bookkeeping is the
// caller's concern; the queue only transports the value.
type JobOptions struct {
	Delay            time.Duration `json:"delayMs,omitempty"`
	Attempts         int           `json:"attempts,omitempty"`
	RemoveOnComplete int           `json:"removeOnComplete,omitempty"`
	RemoveOnFail     int           `json:"removeOnFail,omitempty"`
}

// Handler processes one job. A returned error counts the job as failed;
// retry decisions stay with the enqueueing subsystem.
type Handler func(ctx context.Context, job *Job) error

// WorkerOptions configures the consumer pool of one queue.
type WorkerOptions struct {
	Concurrency int
}

// WorkerLoader lazily produces the handler for a queue. Invoked at most
// once per successful load across the process lifetime.
type WorkerLoader func(ctx context.Context) (Handler, WorkerOptions, error)

// Statistics reports per-queue counts by bucket plus the processing-time
// moving average over the most recent completed jobs.
type Statistics struct {
	Queue           string  `json:"queue"`
	Waiting         int64   `json:"waiting"`
	Active          int64   `json:"active"`
	Completed       int64   `json:"completed"`
	Failed          int64   `json:"failed"`
	Delayed         int64   `json:"delayed"`
	Paused          int64   `json:"paused"`
	ProcessingAvgMs float64 `json:"processingAvgMs"`
	Mode            string  `json:"mode"`
}

// TelemetrySink receives queue lifecycle events (connection-error,
// queue-error). Emissions must never block or panic the caller.
type TelemetrySink interface {
	Emit(event string, fields map[string]interface{})
}

// loggerSink is the default sink: log the event, count it.
type loggerSink struct {
	logger  core.Logger
	metrics *telemetry.Metrics
}

func (s *loggerSink) Emit(event string, fields map[string]interface{}) {
	if s.logger != nil {
		s.logger.Warn("queue telemetry event", mergeFields(map[string]interface{}{"event": event}, fields))
	}
	if s.metrics != nil {
		queueName, _ := fields["queue"].(string)
		s.metrics.QueueJobsTotal.WithLabelValues(queueName, event).Inc()
	}
}

func mergeFields(dst, src map[string]interface{}) map[string]interface{} {
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// Config holds the queue manager knobs.
type Config struct {
	RedisURL           string
	KeyPrefix          string
	Mode               core.EventsMode
	AllowInline        bool
	DefaultConcurrency int
	PromoteInterval    time.Duration
	AvgWindow          int
	InlineTimeout      time.Duration
	ConsumerBlock      time.Duration
	ConnectTimeout     time.Duration
	InstanceID         string
}

// ConfigFromCore projects the process configuration onto the queue knobs.
func ConfigFromCore(c *core.Config) Config {
	return Config{
		RedisURL:           c.Redis.URL,
		KeyPrefix:          c.Redis.KeyPrefix,
		Mode:               c.Redis.Mode,
		AllowInline:        c.Redis.AllowInline,
		DefaultConcurrency: c.Queue.DefaultConcurrency,
		PromoteInterval:    c.Queue.PromoteInterval,
		AvgWindow:          c.Queue.WaitingAvgWindow,
		InlineTimeout:      c.Queue.InlineDispatchTimeout,
		ConsumerBlock:      c.Queue.ConsumerBlock,
		ConnectTimeout:     c.Redis.ConnectTimeout,
		InstanceID:         c.InstanceID,
	}
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "apphub"
	}
	if c.Mode == "" {
		c.Mode = core.EventsModeRedis
	}
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = 5
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = time.Second
	}
	if c.AvgWindow <= 0 {
		c.AvgWindow = 20
	}
	if c.InlineTimeout <= 0 {
		c.InlineTimeout = 30 * time.Second
	}
	if c.ConsumerBlock <= 0 {
		c.ConsumerBlock = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// registration is one logical queue. Registrations survive mode
// transitions; only backend handles churn.
type registration struct {
	key      string
	name     string
	defaults JobOptions

	mu      sync.Mutex
	loader  WorkerLoader
	handler Handler
	opts    WorkerOptions
	loaded  bool
}

// load invokes the loader at most once per successful load. Concurrent
// callers serialize; a failed load may be retried by the next caller.
func (r *registration) load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	if r.loader == nil {
		return core.NewValidationf("queue.EnsureWorker", "queue %q has no worker loader", r.key)
	}
	handler, opts, err := r.loader(ctx)
	if err != nil {
		return fmt.Errorf("loading worker for queue %q: %w", r.key, err)
	}
	if handler == nil {
		return core.NewInternal("queue.EnsureWorker", fmt.Sprintf("loader for queue %q returned nil handler", r.key), nil)
	}
	r.handler = handler
	r.opts = opts
	r.loaded = true
	return nil
}

func (r *registration) snapshot() (Handler, WorkerOptions, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handler, r.opts, r.loaded
}

// Manager is the dual-mode queue manager.
type Manager struct {
	cfg     Config
	logger  core.Logger
	metrics *telemetry.Metrics
	sink    TelemetrySink
	now     func() time.Time

	mu            sync.Mutex
	registrations map[string]*registration
	active        core.EventsMode
	redis         *redisBackend
	inline        *inlineBackend
	closed        bool
}

// ManagerOption adjusts a Manager at construction time.
type ManagerOption func(*Manager)

// WithLogger injects the structured logger.
func WithLogger(logger core.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics wires the shared Prometheus collectors.
func WithMetrics(metrics *telemetry.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// WithSink replaces the default telemetry sink.
func WithSink(sink TelemetrySink) ManagerOption {
	return func(m *Manager) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a queue manager. No connection is established until the
// first operation that needs one.
func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:           cfg,
		logger:        &core.NoOpLogger{},
		now:           time.Now,
		registrations: make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.sink == nil {
		m.sink = &loggerSink{logger: m.logger, metrics: m.metrics}
	}
	return m
}

// currentMode recomputes the execution mode from the environment on every
// public call; the configured mode is the fallback.
func (m *Manager) currentMode() core.EventsMode {
	if v := os.Getenv("APPHUB_EVENTS_MODE"); v != "" {
		return core.EventsMode(strings.ToLower(strings.TrimSpace(v)))
	}
	return m.cfg.Mode
}

func (m *Manager) inlineAllowed() bool {
	if v := os.Getenv("APPHUB_ALLOW_INLINE_MODE"); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		}
		return false
	}
	return m.cfg.AllowInline
}

// ensureBackend applies the current mode, transitioning backends when the
// environment changed since the last call. Callers hold no locks.
func (m *Manager) ensureBackend(ctx context.Context) (core.EventsMode, error) {
	mode := m.currentMode()
	switch mode {
	case core.EventsModeRedis:
	case core.EventsModeInline:
		if !m.inlineAllowed() {
			return "", core.NewConfiguration("inline events mode requires APPHUB_ALLOW_INLINE_MODE", core.ErrInlineModeActive)
		}
	default:
		return "", core.NewConfiguration(fmt.Sprintf("unknown events mode: %q", mode), nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", core.NewValidation("queue.ensureBackend", "queue manager is closed")
	}

	if m.active == mode {
		return mode, nil
	}

	// Transition: dispose the outgoing backend's handles.
	if m.active == core.EventsModeRedis && m.redis != nil {
		m.logger.Info("queue mode transition, disposing redis handles", map[string]interface{}{
			"from": string(m.active), "to": string(mode),
		})
		m.redis.close()
		m.redis = nil
	}
	if m.active == core.EventsModeInline && m.inline != nil {
		m.inline = nil
	}

	m.active = mode
	switch mode {
	case core.EventsModeInline:
		m.inline = newInlineBackend(m.cfg, m.logger, m.metrics, m.now)
	case core.EventsModeRedis:
		// Connection is established lazily by the first redis operation.
	}
	return mode, nil
}

// redisHandle returns the connected redis backend, establishing the
// connection on first use. Caller must have passed ensureBackend.
func (m *Manager) redisHandle(ctx context.Context) (*redisBackend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.redis != nil {
		return m.redis, nil
	}
	backend, err := newRedisBackend(ctx, m.cfg, m.logger, m.metrics, m.sink, m.now)
	if err != nil {
		m.sink.Emit("connection-error", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	// Respawn consumers for queues whose workers were loaded before a mode
	// transition disposed their handles.
	for _, reg := range m.registrations {
		if handler, opts, loaded := reg.snapshot(); loaded {
			backend.startWorkers(reg, handler, opts)
		}
	}
	m.redis = backend
	return backend, nil
}

// RegisterQueue declares a logical queue under a process-unique key.
// Nothing is loaded eagerly. Duplicate keys are rejected.
func (m *Manager) RegisterQueue(key, name string, defaults JobOptions, loader WorkerLoader) error {
	if key == "" || name == "" {
		return core.NewValidation("queue.RegisterQueue", "queue key and name are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.registrations[key]; dup {
		return core.NewConflict("queue.RegisterQueue",
			fmt.Sprintf("queue key %q already registered", key), core.ErrDuplicateQueueKey)
	}
	m.registrations[key] = &registration{key: key, name: name, defaults: defaults, loader: loader}
	m.logger.Debug("queue registered", map[string]interface{}{"key": key, "name": name})
	return nil
}

func (m *Manager) registration(key string) (*registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.registrations[key]
	if !ok {
		return nil, core.NewValidationf("queue.lookup", "queue key %q is not registered", key)
	}
	return reg, nil
}

// EnsureWorker loads the queue's worker exactly once and, in redis mode,
// spawns its consumer pool. Subsequent calls are no-ops once loaded.
func (m *Manager) EnsureWorker(ctx context.Context, key string) error {
	mode, err := m.ensureBackend(ctx)
	if err != nil {
		return err
	}
	reg, err := m.registration(key)
	if err != nil {
		return err
	}

	_, _, already := reg.snapshot()
	if err := reg.load(ctx); err != nil {
		return err
	}

	if mode == core.EventsModeRedis {
		backend, err := m.redisHandle(ctx)
		if err != nil {
			return err
		}
		handler, opts, _ := reg.snapshot()
		if !already || !backend.hasWorkers(reg.name) {
			backend.startWorkers(reg, handler, opts)
		}
	}
	return nil
}

// Handle is a dispatch handle for one registered queue in redis mode.
type Handle struct {
	m   *Manager
	reg *registration
}

// Name returns the logical queue name.
func (h *Handle) Name() string { return h.reg.name }

// Enqueue dispatches a job, honoring opts.Delay via the delayed set.
func (h *Handle) Enqueue(ctx context.Context, job *Job, opts JobOptions) error {
	return h.m.Enqueue(ctx, h.reg.key, job, opts)
}

// Queue returns a dispatch handle. In inline mode it fails with
// ErrInlineModeActive; use TryQueue when absence is acceptable.
func (m *Manager) Queue(ctx context.Context, key string) (*Handle, error) {
	mode, err := m.ensureBackend(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := m.registration(key)
	if err != nil {
		return nil, err
	}
	if mode == core.EventsModeInline {
		return nil, core.NewValidationf("queue.Queue", "queue %q unavailable: %v", key, core.ErrInlineModeActive)
	}
	return &Handle{m: m, reg: reg}, nil
}

// TryQueue returns (nil, false, nil) in inline mode instead of failing.
func (m *Manager) TryQueue(ctx context.Context, key string) (*Handle, bool, error) {
	mode, err := m.ensureBackend(ctx)
	if err != nil {
		return nil, false, err
	}
	reg, err := m.registration(key)
	if err != nil {
		return nil, false, err
	}
	if mode == core.EventsModeInline {
		return nil, false, nil
	}
	return &Handle{m: m, reg: reg}, true, nil
}

// Enqueue dispatches one job onto the queue registered under key. In redis
// mode the job lands on the stream (or the delayed set when opts.Delay is
// positive). In inline mode the loaded handler runs synchronously and
// delays are the caller's concern.
func (m *Manager) Enqueue(ctx context.Context, key string, job *Job, opts JobOptions) error {
	if job == nil {
		return core.NewValidation("queue.Enqueue", "job cannot be nil")
	}
	mode, err := m.ensureBackend(ctx)
	if err != nil {
		return err
	}
	reg, err := m.registration(key)
	if err != nil {
		return err
	}

	if job.ID == "" {
		job.ID = core.NewID("job")
	}
	job.Queue = reg.name
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = m.now().UTC()
	}
	merged := mergeOptions(reg.defaults, opts)

	if mode == core.EventsModeInline {
		if err := reg.load(ctx); err != nil {
			return err
		}
		handler, _, _ := reg.snapshot()
		m.mu.Lock()
		inline := m.inline
		m.mu.Unlock()
		return inline.dispatch(ctx, reg.name, handler, job)
	}

	backend, err := m.redisHandle(ctx)
	if err != nil {
		return err
	}
	return backend.enqueue(ctx, reg.name, job, merged)
}

func mergeOptions(defaults, opts JobOptions) JobOptions {
	out := defaults
	if opts.Delay > 0 {
		out.Delay = opts.Delay
	}
	if opts.Attempts > 0 {
		out.Attempts = opts.Attempts
	}
	if opts.RemoveOnComplete > 0 {
		out.RemoveOnComplete = opts.RemoveOnComplete
	}
	if opts.RemoveOnFail > 0 {
		out.RemoveOnFail = opts.RemoveOnFail
	}
	return out
}

// Statistics returns the per-bucket counts for one queue. Errors are
// isolated per queue: a failing queue never poisons its siblings.
func (m *Manager) Statistics(ctx context.Context, key string) (*Statistics, error) {
	mode, err := m.ensureBackend(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := m.registration(key)
	if err != nil {
		return nil, err
	}

	if mode == core.EventsModeInline {
		m.mu.Lock()
		inline := m.inline
		m.mu.Unlock()
		stats := inline.statistics(reg.name)
		stats.Mode = string(core.EventsModeInline)
		return stats, nil
	}

	backend, err := m.redisHandle(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := backend.statistics(ctx, reg.name)
	if err != nil {
		return nil, err
	}
	stats.Mode = string(core.EventsModeRedis)
	if m.metrics != nil {
		m.metrics.QueueDepth.WithLabelValues(reg.name, "waiting").Set(float64(stats.Waiting))
		m.metrics.QueueDepth.WithLabelValues(reg.name, "active").Set(float64(stats.Active))
		m.metrics.QueueDepth.WithLabelValues(reg.name, "delayed").Set(float64(stats.Delayed))
	}
	return stats, nil
}

// VerifyConnectivity races a connect+ping against the timeout. On failure
// it emits a connection-error telemetry event and returns a
// connection-kind error. Inline mode needs no connection and succeeds.
func (m *Manager) VerifyConnectivity(ctx context.Context, timeout time.Duration) error {
	mode, err := m.ensureBackend(ctx)
	if err != nil {
		return err
	}
	if mode == core.EventsModeInline {
		return nil
	}
	if timeout <= 0 {
		timeout = m.cfg.ConnectTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		backend, err := m.redisHandle(ctx)
		if err != nil {
			done <- err
			return
		}
		done <- backend.ping(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			m.sink.Emit("connection-error", map[string]interface{}{"error": err.Error()})
			return core.NewExternal("queue.VerifyConnectivity", "redis ping failed", err)
		}
		return nil
	case <-ctx.Done():
		m.sink.Emit("connection-error", map[string]interface{}{"error": ctx.Err().Error()})
		return core.NewTimeout("queue.VerifyConnectivity",
			fmt.Sprintf("connectivity check exceeded %s", timeout), core.ErrConnectionFailed)
	}
}

// Close quiesces workers and closes the shared connection. Tolerates an
// already-closed manager.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.redis != nil {
		m.redis.close()
		m.redis = nil
	}
	m.inline = nil
	m.logger.Info("queue manager closed", nil)
	return nil
}
