// Package core provides the shared foundation for the AppHub control plane:
// configuration, structured logging, the error taxonomy, and identifier
// helpers. Every other package depends on core and core depends on nothing
// above it.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EventsMode selects how the queue manager executes work.
type EventsMode string

const (
	// EventsModeRedis runs queues on Redis streams with background workers.
	EventsModeRedis EventsMode = "redis"
	// EventsModeInline executes handlers synchronously in the enqueueing
	// goroutine. Only permitted when explicitly allowed, normally in tests.
	EventsModeInline EventsMode = "inline"
)

// Config is the root configuration for an AppHub process. Values are
// resolved in precedence order: defaults, then environment variables, then
// functional options. Construct with NewConfig.
type Config struct {
	// Name identifies this control plane instance in logs and telemetry.
	Name string
	// InstanceID uniquely identifies this process. Generated when empty.
	InstanceID string

	HTTP       HTTPConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	Auth       AuthConfig
	Queue      QueueConfig
	Scheduling SchedulingConfig
	Workflows  WorkflowConfig
	Registry   RegistryConfig
	Telemetry  TelemetryConfig
	Logging    LoggingConfig
}

// HTTPConfig controls the control surface server.
type HTTPConfig struct {
	Address         string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	CORS            CORSConfig
}

// CORSConfig controls cross-origin access to the control surface.
type CORSConfig struct {
	Enabled        bool
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// RedisConfig controls the Redis connection shared by the queue manager,
// the event bus, run locks, and registry invalidation pub/sub.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string
	// KeyPrefix namespaces every key this process writes.
	KeyPrefix string
	// Mode selects redis or inline queue execution.
	Mode EventsMode
	// AllowInline must be true for Mode == inline to pass validation.
	AllowInline bool
	// ConnectTimeout bounds initial connection establishment.
	ConnectTimeout time.Duration
}

// DatabaseConfig controls the relational store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver string
	// URL is a postgres:// connection string, required for the postgres driver.
	URL string
	// MaxConns caps the pgx pool size.
	MaxConns int32
}

// TokenGrant maps one bearer token to a subject and its scopes.
type TokenGrant struct {
	Token   string   `json:"token"`
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

// AuthConfig holds the process-configured token map.
type AuthConfig struct {
	// Enabled gates bearer-token enforcement. Disabled grants all scopes,
	// intended for local development only.
	Enabled bool
	Tokens  []TokenGrant
}

// QueueConfig controls queue manager behavior common to all queues.
type QueueConfig struct {
	// DefaultConcurrency is the worker count for queues that do not set one.
	DefaultConcurrency int
	// PromoteInterval is how often the delayed set is scanned for due jobs.
	PromoteInterval time.Duration
	// WaitingAvgWindow is the sample count for the waiting-time moving average.
	WaitingAvgWindow int
	// InlineDispatchTimeout bounds a single inline handler execution.
	InlineDispatchTimeout time.Duration
	// ConsumerBlock is the XREADGROUP block duration for stream workers.
	ConsumerBlock time.Duration
}

// SourceRateLimit caps envelope admission for one event source.
type SourceRateLimit struct {
	Source     string `json:"source"`
	Limit      int    `json:"limit"`
	IntervalMs int64  `json:"intervalMs"`
	PauseMs    int64  `json:"pauseMs"`
}

// SchedulingConfig controls source rate limits and trigger failure pausing.
type SchedulingConfig struct {
	RateLimits []SourceRateLimit
	// TriggerErrorThreshold is the failure count that pauses a trigger.
	TriggerErrorThreshold int
	// TriggerErrorWindow is the sliding window the threshold applies to.
	TriggerErrorWindow time.Duration
	// TriggerPause is how long a tripped trigger stays paused.
	TriggerPause time.Duration
}

// WorkflowConfig controls orchestrator retry backoff and run execution.
type WorkflowConfig struct {
	// RetryBase is the first exponential backoff delay.
	RetryBase time.Duration
	// RetryFactor multiplies the delay per attempt, >= 1.
	RetryFactor float64
	// RetryMax caps the computed delay.
	RetryMax time.Duration
	// RetryJitterRatio spreads delays by +/- ratio, in [0, 1].
	RetryJitterRatio float64
	// RunLockTTL bounds how long a crashed process can hold a run.
	RunLockTTL time.Duration
	// StepTimeout is the default per-step deadline.
	StepTimeout time.Duration
	// FanoutMaxItems caps templated fan-out expansion.
	FanoutMaxItems int
	// FanoutConcurrency is the default child concurrency per fan-out step.
	FanoutConcurrency int
}

// RegistryConfig controls service registry polling and caching.
type RegistryConfig struct {
	HealthInterval         time.Duration
	HealthTimeout          time.Duration
	OpenAPIRefreshInterval time.Duration
	RegistryCacheTTL       time.Duration
	HealthCacheTTL         time.Duration
	// HealthFanout bounds concurrent health probes.
	HealthFanout int
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool
	Endpoint     string
	ServiceName  string
	SamplingRate float64
	Insecure     bool
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string
	Format string
}

// Option configures a Config during NewConfig.
type Option func(*Config) error

// DefaultConfig returns a Config with production defaults applied. Interval
// defaults match the documented knob defaults: health polling every 30s with
// a 5s probe timeout, OpenAPI refresh every 15m, trigger pausing after 5
// failures in 5m for 5m.
func DefaultConfig() *Config {
	cfg := &Config{
		Name: "apphub",
		HTTP: HTTPConfig{
			Address:         "",
			Port:            4000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			CORS: CORSConfig{
				Enabled:        false,
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
				MaxAge:         86400,
			},
		},
		Redis: RedisConfig{
			KeyPrefix:      "apphub",
			Mode:           EventsModeRedis,
			ConnectTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:   "postgres",
			MaxConns: 8,
		},
		Auth: AuthConfig{
			Enabled: true,
		},
		Queue: QueueConfig{
			DefaultConcurrency:    5,
			PromoteInterval:       time.Second,
			WaitingAvgWindow:      20,
			InlineDispatchTimeout: 30 * time.Second,
			ConsumerBlock:         5 * time.Second,
		},
		Scheduling: SchedulingConfig{
			TriggerErrorThreshold: 5,
			TriggerErrorWindow:    5 * time.Minute,
			TriggerPause:          5 * time.Minute,
		},
		Workflows: WorkflowConfig{
			RetryBase:         500 * time.Millisecond,
			RetryFactor:       2.0,
			RetryMax:          5 * time.Minute,
			RetryJitterRatio:  0.2,
			RunLockTTL:        time.Minute,
			StepTimeout:       5 * time.Minute,
			FanoutMaxItems:    100,
			FanoutConcurrency: 4,
		},
		Registry: RegistryConfig{
			HealthInterval:         30 * time.Second,
			HealthTimeout:          5 * time.Second,
			OpenAPIRefreshInterval: 15 * time.Minute,
			RegistryCacheTTL:       5 * time.Second,
			HealthCacheTTL:         10 * time.Second,
			HealthFanout:           8,
		},
		Telemetry: TelemetryConfig{
			Enabled:      false,
			ServiceName:  "apphub",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}

	cfg.DetectEnvironment()

	return cfg
}

// DetectEnvironment adjusts defaults based on where the process runs.
// Called by DefaultConfig; callers normally never invoke it directly.
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" || parseBool(os.Getenv("APPHUB_IN_CONTAINER")) {
		c.HTTP.Address = "0.0.0.0"
		c.Redis.URL = "redis://redis.default.svc.cluster.local:6379"
		c.Logging.Format = "json"
		return
	}
	c.HTTP.Address = "localhost"
	c.Redis.URL = "redis://localhost:6379"
	c.Logging.Format = "console"
}

// LoadFromEnv loads configuration from environment variables. Process-level
// knobs use the APPHUB_ prefix; the domain knobs keep their documented names
// (EVENT_*, SERVICE_*, WORKFLOW_*). Invalid numeric values are ignored in
// favor of the current value so a typo degrades rather than crashes;
// Validate still rejects impossible combinations.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("APPHUB_NAME"); v != "" {
		c.Name = v
	}
	if v := os.Getenv("APPHUB_INSTANCE_ID"); v != "" {
		c.InstanceID = v
	}
	if v := os.Getenv("APPHUB_ADDRESS"); v != "" {
		c.HTTP.Address = v
	}
	if v := os.Getenv("APPHUB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = port
		}
	}
	if v := os.Getenv("APPHUB_CORS_ORIGINS"); v != "" {
		c.HTTP.CORS.Enabled = true
		c.HTTP.CORS.AllowedOrigins = parseStringList(v)
	}

	// Queue execution mode.
	if v := os.Getenv("APPHUB_EVENTS_MODE"); v != "" {
		c.Redis.Mode = EventsMode(strings.ToLower(strings.TrimSpace(v)))
	}
	if v := os.Getenv("APPHUB_ALLOW_INLINE_MODE"); v != "" {
		c.Redis.AllowInline = parseBool(v)
	}
	if v := os.Getenv("APPHUB_REDIS_URL"); v != "" {
		c.Redis.URL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("APPHUB_REDIS_PREFIX"); v != "" {
		c.Redis.KeyPrefix = v
	}

	if v := os.Getenv("APPHUB_DATABASE_URL"); v != "" {
		c.Database.URL = v
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("APPHUB_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = strings.ToLower(strings.TrimSpace(v))
	}

	// Auth tokens: JSON array of {token, subject, scopes[]}.
	if v := os.Getenv("APPHUB_AUTH_TOKENS"); v != "" {
		var grants []TokenGrant
		if err := json.Unmarshal([]byte(v), &grants); err != nil {
			return NewConfiguration("APPHUB_AUTH_TOKENS is not valid JSON", err)
		}
		c.Auth.Tokens = grants
	}
	if v := os.Getenv("APPHUB_AUTH_DISABLED"); v != "" {
		c.Auth.Enabled = !parseBool(v)
	}

	if v := os.Getenv("APPHUB_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Queue.DefaultConcurrency = n
		}
	}

	// Scheduling knobs.
	if v := os.Getenv("EVENT_SOURCE_RATE_LIMITS"); v != "" {
		var limits []SourceRateLimit
		if err := json.Unmarshal([]byte(v), &limits); err != nil {
			return NewConfiguration("EVENT_SOURCE_RATE_LIMITS is not valid JSON", err)
		}
		c.Scheduling.RateLimits = limits
	}
	if v := os.Getenv("EVENT_TRIGGER_ERROR_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduling.TriggerErrorThreshold = n
		}
	}
	loadMillis(&c.Scheduling.TriggerErrorWindow, "EVENT_TRIGGER_ERROR_WINDOW_MS")
	loadMillis(&c.Scheduling.TriggerPause, "EVENT_TRIGGER_PAUSE_MS")

	// Workflow retry knobs.
	loadMillis(&c.Workflows.RetryBase, "WORKFLOW_RETRY_BASE_MS")
	if v := os.Getenv("WORKFLOW_RETRY_FACTOR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1 {
			c.Workflows.RetryFactor = f
		}
	}
	loadMillis(&c.Workflows.RetryMax, "WORKFLOW_RETRY_MAX_MS")
	if v := os.Getenv("WORKFLOW_RETRY_JITTER_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.Workflows.RetryJitterRatio = f
		}
	}

	// Registry knobs.
	loadMillis(&c.Registry.HealthInterval, "SERVICE_HEALTH_INTERVAL_MS")
	loadMillis(&c.Registry.HealthTimeout, "SERVICE_HEALTH_TIMEOUT_MS")
	loadMillis(&c.Registry.OpenAPIRefreshInterval, "SERVICE_OPENAPI_REFRESH_INTERVAL_MS")
	loadMillis(&c.Registry.RegistryCacheTTL, "SERVICE_REGISTRY_CACHE_TTL_MS")
	loadMillis(&c.Registry.HealthCacheTTL, "SERVICE_HEALTH_CACHE_TTL_MS")
	if v := os.Getenv("APPHUB_HEALTH_FANOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Registry.HealthFanout = n
		}
	}

	// Telemetry.
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}

	// Logging.
	if v := os.Getenv("APPHUB_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("APPHUB_LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}

	return nil
}

// Validate checks the configuration and returns a configuration-kind error
// describing the first violation. NewConfig calls it automatically.
func (c *Config) Validate() error {
	if c.Name == "" {
		return NewConfiguration("instance name is required", nil)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return NewConfiguration(fmt.Sprintf("invalid port: %d", c.HTTP.Port), nil)
	}

	switch c.Redis.Mode {
	case EventsModeRedis:
		if c.Redis.URL == "" {
			return NewConfiguration("redis URL is required for redis events mode", nil)
		}
	case EventsModeInline:
		if !c.Redis.AllowInline {
			return NewConfiguration("inline events mode requires APPHUB_ALLOW_INLINE_MODE", nil)
		}
	default:
		return NewConfiguration(fmt.Sprintf("unknown events mode: %q", c.Redis.Mode), nil)
	}

	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			return NewConfiguration("database URL is required for postgres driver", nil)
		}
	case "memory":
	default:
		return NewConfiguration(fmt.Sprintf("unknown database driver: %q", c.Database.Driver), nil)
	}

	if c.Workflows.RetryFactor < 1 {
		return NewConfiguration(fmt.Sprintf("retry factor must be >= 1, got %g", c.Workflows.RetryFactor), nil)
	}
	if c.Workflows.RetryJitterRatio < 0 || c.Workflows.RetryJitterRatio > 1 {
		return NewConfiguration(fmt.Sprintf("retry jitter ratio must be in [0,1], got %g", c.Workflows.RetryJitterRatio), nil)
	}
	for _, rl := range c.Scheduling.RateLimits {
		if rl.Source == "" {
			return NewConfiguration("rate limit entry missing source", nil)
		}
		if rl.Limit < 1 || rl.IntervalMs < 1 {
			return NewConfiguration(fmt.Sprintf("rate limit for %q must have positive limit and intervalMs", rl.Source), nil)
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return NewConfiguration("telemetry endpoint is required when telemetry is enabled", nil)
	}

	return nil
}

// ServiceBaseURLOverride returns the SERVICE_<UPPER_SLUG>_BASE_URL override
// for slug, or "" when unset. Non-alphanumeric slug characters map to '_',
// so slug "foo" reads SERVICE_FOO_BASE_URL and "my-svc" reads
// SERVICE_MY_SVC_BASE_URL.
func ServiceBaseURLOverride(slug string) string {
	if slug == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(slug) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return os.Getenv("SERVICE_" + b.String() + "_BASE_URL")
}

// parseStringList splits a comma-separated string, trimming whitespace and
// dropping empty elements.
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseBool accepts "true", "1", "yes", "on" (case-insensitive) as true.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// loadMillis reads an integer-milliseconds env var into dst when valid.
func loadMillis(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms >= 0 {
		*dst = time.Duration(ms) * time.Millisecond
	}
}

// Functional options.

// WithName sets the instance name used in logs and telemetry.
func WithName(name string) Option {
	return func(c *Config) error {
		c.Name = name
		return nil
	}
}

// WithPort sets the control surface port.
func WithPort(port int) Option {
	return func(c *Config) error {
		if port < 1 || port > 65535 {
			return NewConfiguration(fmt.Sprintf("invalid port: %d", port), nil)
		}
		c.HTTP.Port = port
		return nil
	}
}

// WithAddress sets the bind address for the control surface.
func WithAddress(address string) Option {
	return func(c *Config) error {
		c.HTTP.Address = address
		return nil
	}
}

// WithRedisURL sets the Redis connection string.
func WithRedisURL(url string) Option {
	return func(c *Config) error {
		c.Redis.URL = url
		return nil
	}
}

// WithRedisPrefix sets the namespace prefix for all Redis keys.
func WithRedisPrefix(prefix string) Option {
	return func(c *Config) error {
		c.Redis.KeyPrefix = prefix
		return nil
	}
}

// WithEventsMode selects redis or inline queue execution.
func WithEventsMode(mode EventsMode) Option {
	return func(c *Config) error {
		c.Redis.Mode = mode
		return nil
	}
}

// WithInlineMode enables inline queue execution. Shorthand for setting the
// mode and the allow flag together, mainly for tests.
func WithInlineMode() Option {
	return func(c *Config) error {
		c.Redis.Mode = EventsModeInline
		c.Redis.AllowInline = true
		return nil
	}
}

// WithDatabaseURL sets the postgres connection string.
func WithDatabaseURL(url string) Option {
	return func(c *Config) error {
		c.Database.URL = url
		c.Database.Driver = "postgres"
		return nil
	}
}

// WithMemoryStore selects the in-process store, mainly for tests.
func WithMemoryStore() Option {
	return func(c *Config) error {
		c.Database.Driver = "memory"
		return nil
	}
}

// WithAuthDisabled turns off bearer-token enforcement.
func WithAuthDisabled() Option {
	return func(c *Config) error {
		c.Auth.Enabled = false
		return nil
	}
}

// WithTokenGrant adds one bearer token to the token map.
func WithTokenGrant(token, subject string, scopes ...string) Option {
	return func(c *Config) error {
		if token == "" {
			return NewConfiguration("token grant requires a token", nil)
		}
		c.Auth.Tokens = append(c.Auth.Tokens, TokenGrant{Token: token, Subject: subject, Scopes: scopes})
		return nil
	}
}

// WithSourceRateLimits replaces the configured source rate limits.
func WithSourceRateLimits(limits ...SourceRateLimit) Option {
	return func(c *Config) error {
		c.Scheduling.RateLimits = limits
		return nil
	}
}

// WithTriggerPausing overrides the trigger failure pausing knobs.
func WithTriggerPausing(threshold int, window, pause time.Duration) Option {
	return func(c *Config) error {
		if threshold < 1 {
			return NewConfiguration("trigger error threshold must be positive", nil)
		}
		c.Scheduling.TriggerErrorThreshold = threshold
		c.Scheduling.TriggerErrorWindow = window
		c.Scheduling.TriggerPause = pause
		return nil
	}
}

// WithWorkflowRetry overrides the exponential backoff parameters.
func WithWorkflowRetry(base time.Duration, factor float64, max time.Duration, jitter float64) Option {
	return func(c *Config) error {
		c.Workflows.RetryBase = base
		c.Workflows.RetryFactor = factor
		c.Workflows.RetryMax = max
		c.Workflows.RetryJitterRatio = jitter
		return nil
	}
}

// WithHealthPolling overrides the registry health poll interval and timeout.
func WithHealthPolling(interval, timeout time.Duration) Option {
	return func(c *Config) error {
		c.Registry.HealthInterval = interval
		c.Registry.HealthTimeout = timeout
		return nil
	}
}

// WithTelemetryEndpoint enables OTLP export to the given endpoint.
func WithTelemetryEndpoint(endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
		return nil
	}
}

// WithLogLevel sets the log level: debug, info, warn, or error.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = strings.ToLower(level)
		return nil
	}
}

// NewConfig builds a validated Config.
//
// Resolution order:
//  1. DefaultConfig() defaults
//  2. Environment variables via LoadFromEnv()
//  3. Functional options (highest priority)
//  4. Validation via Validate()
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = NewID("inst")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
