package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/inference-gateway/internal/backend"
	igCache "github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/catalog"
	"github.com/nulpointcorp/inference-gateway/internal/config"
	"github.com/nulpointcorp/inference-gateway/internal/gateway"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/secrets"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the model catalog, metrics registry, and the async
// request logger.
func (a *App) initServices(ctx context.Context) error {
	a.cat = catalog.Default()

	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = igCache.NewMemoryCache(a.baseCtx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	reqLogger, err := logger.New(a.baseCtx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(ctx context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl igCache.Cache
	var cacheReady func() bool
	switch {
	case a.rdb != nil:
		cacheImpl = igCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case a.memCache != nil:
		cacheImpl = a.memCache
	}

	// ── Secret store: vault first, environment fallback ──────────────────────
	secretStore, err := buildSecretStore(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("secret store: %w", err)
	}

	// ── Backend resolution and dispatch ──────────────────────────────────────
	resolver := backend.NewResolver(a.cfg.Backend.BaseURL, a.cfg.Backend.Routes)

	a.disp = backend.NewDispatcher(backend.DispatcherOptions{
		MaxRetries:     a.cfg.Dispatch.MaxRetries,
		AttemptTimeout: a.cfg.Dispatch.AttemptTimeout,
		Logger:         a.log,
	})

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := gateway.GatewayOptions{
		Logger:        a.log,
		CacheTTL:      a.cfg.Cache.TTL,
		Metrics:       a.prom,
		KeySecretName: a.cfg.Secrets.KeySecretName,
		CBConfig: backend.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := gateway.NewGatewayWithOptions(a.baseCtx, a.cat, cacheImpl, resolver, a.disp, secretStore, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetRequestLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)
	gw.StartHealthChecker(cacheReady)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &gateway.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// buildSecretStore assembles the credential lookup chain. In "aws" mode the
// vault is consulted first with environment variables as fallback; "env" mode
// skips the vault entirely.
func buildSecretStore(ctx context.Context, cfg *config.Config) (secrets.Store, error) {
	env := secrets.NewEnvStore()
	if cfg.Secrets.Mode != "aws" {
		return env, nil
	}

	sm, err := secrets.NewAWSSecretsManager(ctx, cfg.Secrets.AWSRegion)
	if err != nil {
		return nil, err
	}
	return secrets.NewChain(sm, env), nil
}
