// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file is loaded first when
// present without overriding real environment variables.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one provider key is strictly required for the gateway to start.
// Redis is optional: leave CACHE_BACKEND=memory and RPM_LIMIT=0 to run with
// no external dependencies at all.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider credentials. At least one APIKey must be non-empty; providers
	// without a key are not registered and their models route elsewhere.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Google    ProviderConfig
	Meta      ProviderConfig

	// Redis holds the connection URL shared by the Redis cache backend and
	// the rate limiter. Required only when CACHE_BACKEND=redis or RPM_LIMIT>0.
	Redis RedisConfig

	// Cache controls response caching.
	Cache CacheConfig

	// Router controls candidate health probing during failover.
	Router RouterConfig

	// Batch controls asynchronous batch processing.
	Batch BatchConfig

	// Webhook controls event delivery.
	Webhook WebhookConfig

	// Analytics controls usage recording and export.
	Analytics AnalyticsConfig

	// Breaker controls the per-model circuit breaker wrapped around
	// provider adapters.
	Breaker BreakerConfig

	// RPMLimit is the default per-owner requests-per-minute bound.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig holds credentials for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// Enabled reports whether the provider should be registered.
func (p ProviderConfig) Enabled() bool { return p.APIKey != "" }

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled is the startup value of the runtime cache policy toggle.
	// Default: true.
	Enabled bool

	// Backend selects the cache storage:
	//   "redis"  - Redis-backed store (requires REDIS_URL). Recommended for
	//              multi-replica deployments.
	//   "memory" - In-process TTL store. No external deps; not shared
	//              across replicas.
	//   "none"   - Cache disabled entirely, ignoring the runtime policy.
	// Default: "memory".
	Backend string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// KeyStrategy selects how requests are fingerprinted: "exact" or
	// "semantic". Default: "exact".
	KeyStrategy string

	// IgnoreTemperature and IgnoreTopP widen the fingerprint so requests
	// differing only in those knobs share a cache entry. Default: false.
	IgnoreTemperature bool
	IgnoreTopP        bool

	// SweepInterval is how often the in-memory store evicts expired
	// entries. Ignored by the Redis backend. Default: 1m.
	SweepInterval time.Duration

	// ExcludeExact lists model ids whose responses must never be cached.
	// Example: ["openai/gpt-4o-realtime"]
	ExcludeExact []string

	// ExcludePatterns lists Go regular expressions matched against model
	// ids. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// RouterConfig controls per-candidate health probes during failover.
type RouterConfig struct {
	// ProbeTimeout bounds a single availability probe. Default: 5s.
	ProbeTimeout time.Duration

	// ProbeRetries is how many times a failed probe is retried. Default: 3.
	ProbeRetries int

	// ProbeBackoff is the first retry delay; later retries back off
	// exponentially. Default: 100ms.
	ProbeBackoff time.Duration
}

// BatchConfig controls the batch processor.
type BatchConfig struct {
	// MaxConcurrent bounds in-flight child requests across the process.
	// Default: 5.
	MaxConcurrent int
}

// WebhookConfig controls webhook event delivery.
type WebhookConfig struct {
	// DeliveryTimeout bounds a single delivery attempt. Default: 10s.
	DeliveryTimeout time.Duration
}

// AnalyticsConfig controls usage recording and export.
type AnalyticsConfig struct {
	// ClickHouseDSN enables asynchronous export of usage records to
	// ClickHouse when non-empty. Example:
	// clickhouse://default:@localhost:9000/gateway
	ClickHouseDSN string

	// DefaultInputPrice and DefaultOutputPrice are the USD-per-million-token
	// rates applied to models missing from the catalog. Default: 0.
	DefaultInputPrice  float64
	DefaultOutputPrice float64
}

// BreakerConfig controls the per-model circuit breaker.
type BreakerConfig struct {
	// Enabled wraps every provider adapter in a breaker. Default: true.
	Enabled bool

	// ErrorThreshold is the number of failures within TimeWindow that trip
	// the breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which failures are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// Cooldown is how long a tripped breaker stays open before allowing a
	// single probe request. Default: 30s.
	Cooldown time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured. REDIS_URL is only
// required when CACHE_BACKEND=redis or RPM_LIMIT>0.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_BACKEND", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_KEY_STRATEGY", "exact")
	v.SetDefault("CACHE_IGNORE_TEMPERATURE", false)
	v.SetDefault("CACHE_IGNORE_TOP_P", false)
	v.SetDefault("CACHE_SWEEP_INTERVAL", "1m")

	v.SetDefault("ROUTER_PROBE_TIMEOUT", "5s")
	v.SetDefault("ROUTER_PROBE_RETRIES", 3)
	v.SetDefault("ROUTER_PROBE_BACKOFF", "100ms")

	v.SetDefault("BATCH_MAX_CONCURRENT", 5)

	v.SetDefault("WEBHOOK_DELIVERY_TIMEOUT", "10s")

	v.SetDefault("ANALYTICS_DEFAULT_INPUT_PRICE", 0.0)
	v.SetDefault("ANALYTICS_DEFAULT_OUTPUT_PRICE", 0.0)

	v.SetDefault("BREAKER_ENABLED", true)
	v.SetDefault("BREAKER_ERROR_THRESHOLD", 5)
	v.SetDefault("BREAKER_TIME_WINDOW", "60s")
	v.SetDefault("BREAKER_COOLDOWN", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CORS_ALLOWED_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Google:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GOOGLE_BASE_URL")},
		Meta:      ProviderConfig{APIKey: v.GetString("META_API_KEY"), BaseURL: v.GetString("META_BASE_URL")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Enabled:           v.GetBool("CACHE_ENABLED"),
			Backend:           strings.ToLower(v.GetString("CACHE_BACKEND")),
			TTL:               v.GetDuration("CACHE_TTL"),
			KeyStrategy:       strings.ToLower(v.GetString("CACHE_KEY_STRATEGY")),
			IgnoreTemperature: v.GetBool("CACHE_IGNORE_TEMPERATURE"),
			IgnoreTopP:        v.GetBool("CACHE_IGNORE_TOP_P"),
			SweepInterval:     v.GetDuration("CACHE_SWEEP_INTERVAL"),
			ExcludeExact:      v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns:   v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Router: RouterConfig{
			ProbeTimeout: v.GetDuration("ROUTER_PROBE_TIMEOUT"),
			ProbeRetries: v.GetInt("ROUTER_PROBE_RETRIES"),
			ProbeBackoff: v.GetDuration("ROUTER_PROBE_BACKOFF"),
		},

		Batch: BatchConfig{
			MaxConcurrent: v.GetInt("BATCH_MAX_CONCURRENT"),
		},

		Webhook: WebhookConfig{
			DeliveryTimeout: v.GetDuration("WEBHOOK_DELIVERY_TIMEOUT"),
		},

		Analytics: AnalyticsConfig{
			ClickHouseDSN:      v.GetString("ANALYTICS_CLICKHOUSE_DSN"),
			DefaultInputPrice:  v.GetFloat64("ANALYTICS_DEFAULT_INPUT_PRICE"),
			DefaultOutputPrice: v.GetFloat64("ANALYTICS_DEFAULT_OUTPUT_PRICE"),
		},

		Breaker: BreakerConfig{
			Enabled:        v.GetBool("BREAKER_ENABLED"),
			ErrorThreshold: v.GetInt("BREAKER_ERROR_THRESHOLD"),
			TimeWindow:     v.GetDuration("BREAKER_TIME_WINDOW"),
			Cooldown:       v.GetDuration("BREAKER_COOLDOWN"),
		},

		RPMLimit: v.GetInt("RPM_LIMIT"),

		CORSOrigins: v.GetStringSlice("CORS_ALLOWED_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, or META_API_KEY)",
		)
	}

	switch c.Cache.Backend {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_BACKEND %q; must be one of: redis, memory, none",
			c.Cache.Backend,
		)
	}

	if c.Cache.Backend == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_BACKEND=redis; " +
				"set CACHE_BACKEND=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.KeyStrategy {
	case "exact", "semantic":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_KEY_STRATEGY %q; must be one of: exact, semantic",
			c.Cache.KeyStrategy,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be >= 0, got %d", c.RPMLimit)
	}
	if c.RPMLimit > 0 && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when RPM_LIMIT>0; " +
				"the rate limiter keeps its sliding windows in Redis",
		)
	}

	if c.Breaker.Enabled {
		if c.Breaker.ErrorThreshold < 1 {
			return fmt.Errorf("config: BREAKER_ERROR_THRESHOLD must be >= 1, got %d", c.Breaker.ErrorThreshold)
		}
		if c.Breaker.TimeWindow <= 0 {
			return fmt.Errorf("config: BREAKER_TIME_WINDOW must be a positive duration")
		}
		if c.Breaker.Cooldown <= 0 {
			return fmt.Errorf("config: BREAKER_COOLDOWN must be a positive duration")
		}
	}

	if c.Batch.MaxConcurrent < 1 {
		return fmt.Errorf("config: BATCH_MAX_CONCURRENT must be >= 1, got %d", c.Batch.MaxConcurrent)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.Enabled() ||
		c.Anthropic.Enabled() ||
		c.Google.Enabled() ||
		c.Meta.Enabled()
}

// Addr returns the listen address derived from Port.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// SlogLevel maps LogLevel onto a slog.Level. Unknown values fall back to
// info; validate() rejects them before this is reached.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
