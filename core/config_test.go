package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig verifies that DefaultConfig returns valid defaults
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "apphub", cfg.Name)
	assert.Equal(t, 4000, cfg.HTTP.Port)
	assert.Equal(t, EventsModeRedis, cfg.Redis.Mode)
	assert.Equal(t, "apphub", cfg.Redis.KeyPrefix)

	// Scheduling defaults match the documented knob defaults.
	assert.Equal(t, 5, cfg.Scheduling.TriggerErrorThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Scheduling.TriggerErrorWindow)
	assert.Equal(t, 5*time.Minute, cfg.Scheduling.TriggerPause)

	// Registry polling defaults.
	assert.Equal(t, 30*time.Second, cfg.Registry.HealthInterval)
	assert.Equal(t, 5*time.Second, cfg.Registry.HealthTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Registry.OpenAPIRefreshInterval)
	assert.Equal(t, 5*time.Second, cfg.Registry.RegistryCacheTTL)
	assert.Equal(t, 10*time.Second, cfg.Registry.HealthCacheTTL)

	// Retry defaults.
	assert.GreaterOrEqual(t, cfg.Workflows.RetryFactor, 1.0)
	assert.InDelta(t, 0.2, cfg.Workflows.RetryJitterRatio, 0.0001)

	// Auth is enforced unless explicitly disabled.
	assert.True(t, cfg.Auth.Enabled)
}

// TestLoadFromEnv verifies environment variable loading
func TestLoadFromEnv(t *testing.T) {
	t.Run("domain knobs", func(t *testing.T) {
		t.Setenv("EVENT_TRIGGER_ERROR_THRESHOLD", "9")
		t.Setenv("EVENT_TRIGGER_ERROR_WINDOW_MS", "60000")
		t.Setenv("EVENT_TRIGGER_PAUSE_MS", "120000")
		t.Setenv("SERVICE_HEALTH_INTERVAL_MS", "1000")
		t.Setenv("SERVICE_HEALTH_TIMEOUT_MS", "250")
		t.Setenv("WORKFLOW_RETRY_BASE_MS", "100")
		t.Setenv("WORKFLOW_RETRY_FACTOR", "3")
		t.Setenv("WORKFLOW_RETRY_MAX_MS", "10000")
		t.Setenv("WORKFLOW_RETRY_JITTER_RATIO", "0")

		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFromEnv())

		assert.Equal(t, 9, cfg.Scheduling.TriggerErrorThreshold)
		assert.Equal(t, time.Minute, cfg.Scheduling.TriggerErrorWindow)
		assert.Equal(t, 2*time.Minute, cfg.Scheduling.TriggerPause)
		assert.Equal(t, time.Second, cfg.Registry.HealthInterval)
		assert.Equal(t, 250*time.Millisecond, cfg.Registry.HealthTimeout)
		assert.Equal(t, 100*time.Millisecond, cfg.Workflows.RetryBase)
		assert.Equal(t, 3.0, cfg.Workflows.RetryFactor)
		assert.Equal(t, 10*time.Second, cfg.Workflows.RetryMax)
		assert.Equal(t, 0.0, cfg.Workflows.RetryJitterRatio)
	})

	t.Run("rate limits JSON", func(t *testing.T) {
		t.Setenv("EVENT_SOURCE_RATE_LIMITS", `[{"source":"repository:push","limit":5,"intervalMs":1000,"pauseMs":30000}]`)

		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFromEnv())

		require.Len(t, cfg.Scheduling.RateLimits, 1)
		assert.Equal(t, "repository:push", cfg.Scheduling.RateLimits[0].Source)
		assert.Equal(t, 5, cfg.Scheduling.RateLimits[0].Limit)
		assert.Equal(t, int64(1000), cfg.Scheduling.RateLimits[0].IntervalMs)
		assert.Equal(t, int64(30000), cfg.Scheduling.RateLimits[0].PauseMs)
	})

	t.Run("invalid rate limits JSON is a configuration error", func(t *testing.T) {
		t.Setenv("EVENT_SOURCE_RATE_LIMITS", "{not json")

		cfg := DefaultConfig()
		err := cfg.LoadFromEnv()
		require.Error(t, err)
		assert.Equal(t, KindConfiguration, KindOf(err))
	})

	t.Run("auth tokens JSON", func(t *testing.T) {
		t.Setenv("APPHUB_AUTH_TOKENS", `[{"token":"secret","subject":"ci","scopes":["workflows:run"]}]`)

		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFromEnv())

		require.Len(t, cfg.Auth.Tokens, 1)
		assert.Equal(t, "ci", cfg.Auth.Tokens[0].Subject)
		assert.Equal(t, []string{"workflows:run"}, cfg.Auth.Tokens[0].Scopes)
	})

	t.Run("events mode", func(t *testing.T) {
		t.Setenv("APPHUB_EVENTS_MODE", "inline")
		t.Setenv("APPHUB_ALLOW_INLINE_MODE", "1")

		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFromEnv())

		assert.Equal(t, EventsModeInline, cfg.Redis.Mode)
		assert.True(t, cfg.Redis.AllowInline)
	})

	t.Run("invalid numeric values keep defaults", func(t *testing.T) {
		t.Setenv("EVENT_TRIGGER_ERROR_THRESHOLD", "banana")
		t.Setenv("SERVICE_HEALTH_INTERVAL_MS", "-5")

		cfg := DefaultConfig()
		require.NoError(t, cfg.LoadFromEnv())

		assert.Equal(t, 5, cfg.Scheduling.TriggerErrorThreshold)
		assert.Equal(t, 30*time.Second, cfg.Registry.HealthInterval)
	})
}

// TestConfigValidate verifies validation rules
func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Redis.URL = "redis://localhost:6379"
		cfg.Database.Driver = "memory"
		return cfg
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("inline mode requires allow flag", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Mode = EventsModeInline
		cfg.Redis.AllowInline = false

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "APPHUB_ALLOW_INLINE_MODE")
	})

	t.Run("inline mode with allow flag passes", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Mode = EventsModeInline
		cfg.Redis.AllowInline = true
		assert.NoError(t, cfg.Validate())
	})

	t.Run("redis mode requires URL", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.URL = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("unknown mode rejected", func(t *testing.T) {
		cfg := valid()
		cfg.Redis.Mode = "carrier-pigeon"
		require.Error(t, cfg.Validate())
	})

	t.Run("postgres driver requires URL", func(t *testing.T) {
		cfg := valid()
		cfg.Database.Driver = "postgres"
		cfg.Database.URL = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("invalid port rejected", func(t *testing.T) {
		cfg := valid()
		cfg.HTTP.Port = 0
		require.Error(t, cfg.Validate())

		cfg.HTTP.Port = 70000
		require.Error(t, cfg.Validate())
	})

	t.Run("rate limit entries validated", func(t *testing.T) {
		cfg := valid()
		cfg.Scheduling.RateLimits = []SourceRateLimit{{Source: "", Limit: 1, IntervalMs: 1000}}
		require.Error(t, cfg.Validate())

		cfg.Scheduling.RateLimits = []SourceRateLimit{{Source: "x", Limit: 0, IntervalMs: 1000}}
		require.Error(t, cfg.Validate())
	})
}

// TestNewConfig verifies the full precedence chain
func TestNewConfig(t *testing.T) {
	t.Run("options override env", func(t *testing.T) {
		t.Setenv("APPHUB_PORT", "5555")

		cfg, err := NewConfig(
			WithPort(6000),
			WithRedisURL("redis://test:6379"),
			WithMemoryStore(),
		)
		require.NoError(t, err)
		assert.Equal(t, 6000, cfg.HTTP.Port)
	})

	t.Run("generates instance id", func(t *testing.T) {
		cfg, err := NewConfig(WithRedisURL("redis://test:6379"), WithMemoryStore())
		require.NoError(t, err)
		assert.NotEmpty(t, cfg.InstanceID)
	})

	t.Run("invalid option propagates", func(t *testing.T) {
		_, err := NewConfig(WithPort(-1))
		require.Error(t, err)
	})

	t.Run("validation failure propagates", func(t *testing.T) {
		_, err := NewConfig(
			WithEventsMode(EventsModeInline),
			WithMemoryStore(),
		)
		require.Error(t, err)
	})

	t.Run("inline shorthand passes validation", func(t *testing.T) {
		cfg, err := NewConfig(WithInlineMode(), WithMemoryStore())
		require.NoError(t, err)
		assert.Equal(t, EventsModeInline, cfg.Redis.Mode)
	})
}

// TestServiceBaseURLOverride verifies per-service URL override lookup
func TestServiceBaseURLOverride(t *testing.T) {
	t.Setenv("SERVICE_FOO_BASE_URL", "http://10.0.0.5:9000")
	t.Setenv("SERVICE_MY_SVC_BASE_URL", "https://svc.example.com")

	assert.Equal(t, "http://10.0.0.5:9000", ServiceBaseURLOverride("foo"))
	assert.Equal(t, "https://svc.example.com", ServiceBaseURLOverride("my-svc"))
	assert.Equal(t, "", ServiceBaseURLOverride("unknown"))
	assert.Equal(t, "", ServiceBaseURLOverride(""))
}

// TestDetectEnvironment verifies container detection
func TestDetectEnvironment(t *testing.T) {
	t.Run("container environment binds all interfaces", func(t *testing.T) {
		t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")

		cfg := &Config{}
		cfg.DetectEnvironment()
		assert.Equal(t, "0.0.0.0", cfg.HTTP.Address)
		assert.Equal(t, "json", cfg.Logging.Format)
	})

	t.Run("local environment binds localhost", func(t *testing.T) {
		require.NoError(t, os.Unsetenv("KUBERNETES_SERVICE_HOST"))
		require.NoError(t, os.Unsetenv("APPHUB_IN_CONTAINER"))

		cfg := &Config{}
		cfg.DetectEnvironment()
		assert.Equal(t, "localhost", cfg.HTTP.Address)
	})
}
