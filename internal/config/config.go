// Package config loads and validates the gateway configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the KGW_ prefix (e.g., KGW_REDIS_ADDR
// overrides redis.addr in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment
// variables in containerized deployments — no recompilation or different
// binaries needed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Upstream     UpstreamConfig     `mapstructure:"upstream"`
	KeyService   KeyServiceConfig   `mapstructure:"key_service"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Cache        CacheConfig        `mapstructure:"cache"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	IPThrottle   IPThrottleConfig   `mapstructure:"ip_throttle"`
	Usage        UsageConfig        `mapstructure:"usage"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ExemptPathPrefixes lists path prefixes that bypass authentication and
	// rate limiting entirely (health probes, internal admin surface, the
	// key-issuance endpoint). Requests to these paths still produce usage
	// events with an empty customer id.
	ExemptPathPrefixes []string `mapstructure:"exempt_path_prefixes"`
}

// UpstreamConfig describes the backend the gateway proxies admitted requests to
type UpstreamConfig struct {
	// URL is the base URL of the proxied backend (scheme + host[:port])
	URL string `mapstructure:"url"`
	// Timeout bounds a single proxied round trip
	Timeout time.Duration `mapstructure:"timeout"`
}

// KeyServiceConfig holds the external key-management service connection settings
type KeyServiceConfig struct {
	// BaseURL is the key-management service base URL
	BaseURL string `mapstructure:"base_url"`
	// ValidateTimeout bounds the validation endpoint round trip. On timeout
	// the credential is treated as invalid (fail-closed).
	ValidateTimeout time.Duration `mapstructure:"validate_timeout"`
}

// RedisConfig holds the shared Redis connection settings used by the rate
// limiter and the usage event stream
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
}

// CacheConfig holds metadata cache settings
type CacheConfig struct {
	// TTL is how long a positive validation result stays cached
	TTL time.Duration `mapstructure:"ttl"`
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// RateLimitingConfig holds per-customer rate limiting configuration
type RateLimitingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Store selects the counter backend: "redis" (atomic across gateway
	// instances) or "memory" (single instance only)
	Store string `mapstructure:"store"`
	// DefaultLimitPerMinute applies when the key-management service does not
	// set an explicit limit for a key
	DefaultLimitPerMinute int `mapstructure:"default_limit_per_minute"`
	// CheckTimeout bounds the atomic store operation; exceeding it fails open
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
	// HourlyLimitMultiplier and DailyLimitMultiplier derive the hour and day
	// window limits from the per-minute limit (0 disables that window)
	HourlyLimitMultiplier int `mapstructure:"hourly_limit_multiplier"`
	DailyLimitMultiplier  int `mapstructure:"daily_limit_multiplier"`
}

// IPThrottleConfig holds the pre-authentication per-IP throttle configuration
type IPThrottleConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerSecond int  `mapstructure:"requests_per_second"`
	Burst             int  `mapstructure:"burst"`
}

// UsageConfig holds usage event publishing configuration
type UsageConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Stream is the Redis stream usage events are appended to
	Stream string `mapstructure:"stream"`
	// DeadLetterStream receives events whose primary publish failed (one
	// retry), and is where the consumer parks unprocessable events
	DeadLetterStream string `mapstructure:"dead_letter_stream"`
	// BufferSize is the internal queue between the request path and the
	// publisher goroutine; when full, events are dropped and counted
	BufferSize int `mapstructure:"buffer_size"`
	// MaxStreamLength caps the stream via approximate XADD MAXLEN trimming
	MaxStreamLength int64 `mapstructure:"max_stream_length"`
	// PublishTimeout bounds a single XADD
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested
// structs during Unmarshal. viper.BindEnv only errors when called with zero
// keys; since every key here is a non-empty hardcoded string, any error
// indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.exempt_path_prefixes",

		// Upstream
		"upstream.url",
		"upstream.timeout",

		// Key-management service
		"key_service.base_url",
		"key_service.validate_timeout",

		// Redis
		"redis.addr",
		"redis.password",
		"redis.db",
		"redis.dial_timeout",
		"redis.pool_size",

		// Cache
		"cache.ttl",
		"cache.cleanup_interval",

		// Rate limiting
		"rate_limiting.enabled",
		"rate_limiting.store",
		"rate_limiting.default_limit_per_minute",
		"rate_limiting.check_timeout",
		"rate_limiting.hourly_limit_multiplier",
		"rate_limiting.daily_limit_multiplier",

		// IP throttle
		"ip_throttle.enabled",
		"ip_throttle.requests_per_second",
		"ip_throttle.burst",

		// Usage
		"usage.enabled",
		"usage.stream",
		"usage.dead_letter_stream",
		"usage.buffer_size",
		"usage.max_stream_length",
		"usage.publish_timeout",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/keygate")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("KGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in sensitive fields
	cfg.Redis.Password = os.ExpandEnv(cfg.Redis.Password)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.exempt_path_prefixes", []string{
		"/healthz",
		"/internal/",
		"/api/keys/generate",
	})

	// Upstream defaults
	v.SetDefault("upstream.url", "http://localhost:9000")
	v.SetDefault("upstream.timeout", "30s")

	// Key-management service defaults
	v.SetDefault("key_service.base_url", "http://localhost:8081")
	v.SetDefault("key_service.validate_timeout", "5s")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.pool_size", 50)

	// Cache defaults
	v.SetDefault("cache.ttl", "15m")
	v.SetDefault("cache.cleanup_interval", "1m")

	// Rate limiting defaults
	v.SetDefault("rate_limiting.enabled", true)
	v.SetDefault("rate_limiting.store", "redis")
	v.SetDefault("rate_limiting.default_limit_per_minute", 100)
	v.SetDefault("rate_limiting.check_timeout", "500ms")
	v.SetDefault("rate_limiting.hourly_limit_multiplier", 0)
	v.SetDefault("rate_limiting.daily_limit_multiplier", 0)

	// IP throttle defaults
	v.SetDefault("ip_throttle.enabled", false)
	v.SetDefault("ip_throttle.requests_per_second", 50)
	v.SetDefault("ip_throttle.burst", 100)

	// Usage defaults
	v.SetDefault("usage.enabled", true)
	v.SetDefault("usage.stream", "usage-log-events")
	v.SetDefault("usage.dead_letter_stream", "usage-log-events.dlq")
	v.SetDefault("usage.buffer_size", 4096)
	v.SetDefault("usage.max_stream_length", 1000000)
	v.SetDefault("usage.publish_timeout", "2s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if !strings.HasPrefix(c.Upstream.URL, "http://") && !strings.HasPrefix(c.Upstream.URL, "https://") {
		return fmt.Errorf("upstream.url must be an http(s) URL, got %q", c.Upstream.URL)
	}

	if c.KeyService.BaseURL == "" {
		return fmt.Errorf("key_service.base_url is required")
	}
	if c.KeyService.ValidateTimeout <= 0 {
		return fmt.Errorf("key_service.validate_timeout must be positive")
	}

	if c.RateLimiting.Enabled {
		switch c.RateLimiting.Store {
		case "redis", "memory":
		default:
			return fmt.Errorf("invalid rate_limiting.store: %s (must be redis or memory)", c.RateLimiting.Store)
		}
		if c.RateLimiting.DefaultLimitPerMinute < 1 {
			return fmt.Errorf("rate_limiting.default_limit_per_minute must be at least 1")
		}
	}

	if (c.RateLimiting.Enabled && c.RateLimiting.Store == "redis") || c.Usage.Enabled || c.IPThrottle.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when the redis limiter, ip throttle, or usage publishing is enabled")
		}
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}

	if c.Usage.Enabled {
		if c.Usage.Stream == "" {
			return fmt.Errorf("usage.stream is required when usage publishing is enabled")
		}
		if c.Usage.BufferSize < 1 {
			return fmt.Errorf("usage.buffer_size must be at least 1")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NeedsRedis reports whether any enabled subsystem requires a Redis connection.
func (c *Config) NeedsRedis() bool {
	return (c.RateLimiting.Enabled && c.RateLimiting.Store == "redis") ||
		c.Usage.Enabled || c.IPThrottle.Enabled
}
