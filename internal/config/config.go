// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example BACKEND_BASE_URL becomes
// backend_base_url in YAML.
//
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
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

	// Backend controls how model ids resolve to inference backend URLs.
	Backend BackendConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// Secrets controls where the backend bearer credential comes from.
	Secrets SecretsConfig

	// CircuitBreaker controls per-model circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Dispatch controls backend dispatch retry behaviour.
	Dispatch DispatchConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// BackendConfig holds backend endpoint resolution settings.
type BackendConfig struct {
	// BaseURL is the default backend, e.g. "http://inference:8000". The
	// chat-completions path is appended. Required unless Routes covers every
	// catalog model.
	BaseURL string

	// Routes maps model ids to full endpoint URLs, overriding BaseURL.
	// Wire format: "model=url" pairs separated by commas, e.g.
	// "phi-3-mini=http://phi:8000/v1/chat/completions".
	Routes map[string]string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration
}

// SecretsConfig controls the secret store for the backend credential.
type SecretsConfig struct {
	// Mode selects the store:
	//   "aws" — AWS Secrets Manager with environment-variable fallback.
	//   "env" — Environment variables only. Default.
	Mode string

	// AWSRegion is the Secrets Manager region, required when Mode is "aws".
	AWSRegion string

	// KeySecretName is the secret holding the backend bearer credential.
	// Default: "internal-service-key".
	KeySecretName string
}

// CircuitBreakerConfig controls per-model circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors within TimeWindow that trip the
	// breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// DispatchConfig controls backend dispatch retries.
type DispatchConfig struct {
	// MaxRetries is the total number of backend attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// AttemptTimeout is the per-attempt HTTP deadline. Default: 120s.
	AttemptTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// BACKEND_BASE_URL or BACKEND_ROUTES must be set.
// REDIS_URL is only required when CACHE_MODE=redis.
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
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Secrets defaults.
	v.SetDefault("SECRETS_MODE", "env")
	v.SetDefault("KEY_SECRET_NAME", "internal-service-key")

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// Dispatch defaults.
	v.SetDefault("DISPATCH_MAX_RETRIES", 3)
	v.SetDefault("DISPATCH_TIMEOUT", "120s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Backend: BackendConfig{
			BaseURL: v.GetString("BACKEND_BASE_URL"),
			Routes:  parseRoutes(v.GetString("BACKEND_ROUTES")),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:  v.GetDuration("CACHE_TTL"),
		},

		Secrets: SecretsConfig{
			Mode:          strings.ToLower(v.GetString("SECRETS_MODE")),
			AWSRegion:     v.GetString("AWS_REGION"),
			KeySecretName: v.GetString("KEY_SECRET_NAME"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Dispatch: DispatchConfig{
			MaxRetries:     v.GetInt("DISPATCH_MAX_RETRIES"),
			AttemptTimeout: v.GetDuration("DISPATCH_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Backend.BaseURL == "" && len(c.Backend.Routes) == 0 {
		return fmt.Errorf(
			"config: BACKEND_BASE_URL or BACKEND_ROUTES is required " +
				"(e.g. BACKEND_BASE_URL=http://inference:8000)",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate secrets mode value.
	switch c.Secrets.Mode {
	case "aws", "env":
	default:
		return fmt.Errorf(
			"config: invalid SECRETS_MODE %q; must be one of: aws, env",
			c.Secrets.Mode,
		)
	}
	if c.Secrets.Mode == "aws" && c.Secrets.AWSRegion == "" {
		return fmt.Errorf("config: AWS_REGION is required when SECRETS_MODE=aws")
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Dispatch.MaxRetries < 1 {
		return fmt.Errorf("config: DISPATCH_MAX_RETRIES must be ≥ 1, got %d", c.Dispatch.MaxRetries)
	}

	return nil
}

// parseRoutes splits a "model=url,model=url" string into a route map.
// Malformed pairs are skipped.
func parseRoutes(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	routes := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		model, url, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || model == "" || url == "" {
			continue
		}
		routes[model] = url
	}
	return routes
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
