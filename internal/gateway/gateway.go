// Package gateway is the core inference request pipeline.
//
// Each request flows through validation, model selection, a fingerprinted
// cache lookup, and backend dispatch with bounded retry — then the response
// is stamped with cache status, resolved model, request id, and duration.
//
// Key design constraints:
//   - Every dependency is injected through the constructor; there are no
//     package-level singletons, so unit tests swap in doubles freely.
//   - Cache, rate limiter, circuit breaker, and request logger are optional
//     and nil-safe. A missing or failing cache never fails a request.
//   - Retries sleep only the current request's goroutine.
//   - Streaming requests bypass the cache entirely.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/inference-gateway/internal/backend"
	"github.com/nulpointcorp/inference-gateway/internal/cache"
	"github.com/nulpointcorp/inference-gateway/internal/catalog"
	"github.com/nulpointcorp/inference-gateway/internal/logger"
	"github.com/nulpointcorp/inference-gateway/internal/metrics"
	"github.com/nulpointcorp/inference-gateway/internal/ratelimit"
	"github.com/nulpointcorp/inference-gateway/internal/secrets"
	"github.com/nulpointcorp/inference-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	// defaultKeySecretName is the secret holding the bearer credential the
	// gateway presents to inference backends.
	defaultKeySecretName = "internal-service-key"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// CBConfig configures the per-model circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig backend.CBConfig

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// CacheTTL controls the default TTL for cached responses. Default: 1h.
	CacheTTL time.Duration

	// KeySecretName is the secret store entry holding the backend bearer
	// credential. Default: "internal-service-key".
	KeySecretName string
}

// Gateway composes the request pipeline — all dependencies are injected via
// the constructor so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	catalog     *catalog.Catalog
	cache       cache.Cache
	resolver    *backend.Resolver
	dispatcher  *backend.Dispatcher
	secretStore secrets.Store
	cb          *backend.CircuitBreaker
	health      *HealthChecker
	baseCtx     context.Context
	log         *slog.Logger
	metrics     *metrics.Registry

	cacheTTL      time.Duration
	keySecretName string

	// Optional dependencies — nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	// CORS allowed origins. Empty slice or ["*"] means allow all.
	corsOrigins []string
}

// NewGateway creates a Gateway with default settings.
func NewGateway(ctx context.Context, cat *catalog.Catalog, c cache.Cache, res *backend.Resolver, d *backend.Dispatcher, ss secrets.Store) *Gateway {
	return NewGatewayWithOptions(ctx, cat, c, res, d, ss, GatewayOptions{})
}

// NewGatewayWithOptions creates a fully configured Gateway. Use this when you
// need to customise the logger, circuit breaker thresholds, or cache TTL.
func NewGatewayWithOptions(
	baseCtx context.Context,
	cat *catalog.Catalog,
	c cache.Cache,
	res *backend.Resolver,
	d *backend.Dispatcher,
	ss secrets.Store,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if cat == nil || cat.Len() == 0 {
		panic("gateway: catalog must not be empty")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = cache.DefaultTTL
	}

	keySecretName := opts.KeySecretName
	if keySecretName == "" {
		keySecretName = defaultKeySecretName
	}

	gw := &Gateway{
		catalog:       cat,
		cache:         c,
		resolver:      res,
		dispatcher:    d,
		secretStore:   ss,
		cb:            backend.NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:       baseCtx,
		log:           log,
		metrics:       opts.Metrics,
		cacheTTL:      cacheTTL,
		keySecretName: keySecretName,
	}

	// Initialise circuit breaker gauges (closed) for known models.
	if gw.metrics != nil {
		for _, spec := range cat.List() {
			gw.metrics.SetCircuitBreaker(spec.ID, int64(gw.cb.State(spec.ID)))
		}
	}

	return gw
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiter injects the RPM rate limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetRequestLogger injects the async request logger.
func (g *Gateway) SetRequestLogger(l *logger.Logger) {
	g.reqLogger = l
}

// StartHealthChecker starts background probes of backend health endpoints.
// cacheReady may be nil when no cache is configured.
func (g *Gateway) StartHealthChecker(cacheReady func() bool) {
	g.health = NewHealthChecker(g.baseCtx, g.catalog, g.resolver, cacheReady, g.metrics)
}

// Close stops the background workers the gateway owns. Safe to call multiple
// times; in-flight requests are unaffected.
func (g *Gateway) Close() {
	if g.health != nil {
		g.health.Close()
		g.health = nil
	}
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	resolvedModel := "unknown"
	cacheLabel := "bypass" // hit|miss|bypass

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		dur := time.Since(start)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), dur)
		g.metrics.ObserveGatewayRequest(resolvedModel, route, cacheLabel, dur)
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("request_id", reqID),
			)
			apierr.WriteRateLimit(ctx, reqID)
			return
		}
		if err != nil {
			// Degrade open: the limiter already allowed the request.
			g.log.WarnContext(ctx, "rate_limit_degraded",
				slog.String("request_id", reqID),
				slog.String("error", err.Error()),
			)
		}
		if g.metrics != nil {
			if err != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 2. Parse and validate; resolve defaults.
	req, verr := ParseAndValidate(ctx.PostBody(), g.catalog)
	if verr != nil {
		g.log.InfoContext(ctx, "request_rejected",
			slog.String("request_id", reqID),
			slog.String("reason", verr.Error()),
		)
		apierr.WriteInvalidRequest(ctx, verr.Error(), reqID)
		return
	}

	// 3. Resolve "auto" to a concrete model.
	resolvedModel = SelectModel(req.Model, req.Messages, g.catalog)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("requested_model", req.Model),
		slog.String("resolved_model", resolvedModel),
		slog.Bool("stream", req.Stream),
	)

	// 4. Cache lookup — non-streaming only. The fingerprint deliberately
	// excludes the stream flag, so streaming requests must never consult it.
	cacheEligible := !req.Stream && g.cache != nil
	var cacheKey string
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	if cacheEligible {
		cacheKey = Fingerprint(req, resolvedModel)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey, resolvedModel); ok {
			cacheLabel = "hit"
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("request_id", reqID),
				slog.String("model", resolvedModel),
			)
			g.respond(ctx, fasthttp.StatusOK, markCached(cachedBody), reqID, resolvedModel, xCacheHIT, start)
			g.logRequest(reqID, req, resolvedModel, xCacheHIT, time.Since(start), fasthttp.StatusOK)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// 5. Circuit breaker: reject early when the backend is known-bad.
	if !g.cb.Allow(resolvedModel) {
		if g.metrics != nil {
			g.metrics.SetCircuitBreaker(resolvedModel, int64(g.cb.State(resolvedModel)))
		}
		g.log.WarnContext(ctx, "circuit_open",
			slog.String("request_id", reqID),
			slog.String("model", resolvedModel),
		)
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			apierr.CodeInternalError, "backend temporarily unavailable", reqID)
		return
	}

	// 6. Dispatch to the resolved backend.
	url, err := g.resolver.URL(resolvedModel)
	if err != nil {
		g.log.ErrorContext(ctx, "no_backend_route",
			slog.String("request_id", reqID),
			slog.String("model", resolvedModel),
			slog.String("error", err.Error()),
		)
		apierr.WriteInternalError(ctx, reqID)
		return
	}

	outbound := *req
	outbound.Model = resolvedModel
	body, err := json.Marshal(&outbound)
	if err != nil {
		apierr.WriteInternalError(ctx, reqID)
		return
	}

	dispatchStart := time.Now()
	resp, err := g.dispatcher.Dispatch(ctx, url, body, g.authHeaders(ctx, reqID))
	dispatchDur := time.Since(dispatchStart)
	if err != nil {
		g.cb.RecordFailure(resolvedModel)
		if g.metrics != nil {
			g.metrics.ObserveDispatch(resolvedModel, "transport_error", dispatchDur)
			g.metrics.SetCircuitBreaker(resolvedModel, int64(g.cb.State(resolvedModel)))
		}
		g.log.ErrorContext(ctx, "dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("model", resolvedModel),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteInternalError(ctx, reqID)
		g.logRequest(reqID, req, resolvedModel, xCacheMISS, time.Since(start), fasthttp.StatusInternalServerError)
		return
	}

	outcome := "success"
	switch {
	case resp.StatusCode >= fasthttp.StatusInternalServerError:
		outcome = "server_error"
		g.cb.RecordFailure(resolvedModel)
	case resp.StatusCode >= fasthttp.StatusBadRequest:
		outcome = "client_error"
		g.cb.RecordSuccess(resolvedModel)
	default:
		g.cb.RecordSuccess(resolvedModel)
	}
	if g.metrics != nil {
		g.metrics.ObserveDispatch(resolvedModel, outcome, dispatchDur)
		g.metrics.SetCircuitBreaker(resolvedModel, int64(g.cb.State(resolvedModel)))
	}

	// Backend errors (exhausted retries included) are relayed with whatever
	// status the backend set, never rewritten to a blanket 500.
	if !resp.OK() {
		g.log.WarnContext(ctx, "backend_error_relayed",
			slog.String("request_id", reqID),
			slog.String("model", resolvedModel),
			slog.Int("status", resp.StatusCode),
		)
		g.respond(ctx, resp.StatusCode, resp.Body, reqID, resolvedModel, xCacheMISS, start)
		g.logRequest(reqID, req, resolvedModel, xCacheMISS, time.Since(start), resp.StatusCode)
		return
	}

	// 7. Populate cache for future identical requests.
	if cacheEligible {
		if err := g.cache.Set(ctx, cacheKey, resolvedModel, resp.Body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	if req.Stream {
		// Streamed bodies are relayed as the backend produced them.
		ctx.SetContentType("text/event-stream")
	}

	g.respond(ctx, fasthttp.StatusOK, resp.Body, reqID, resolvedModel, xCacheMISS, start)
	g.logRequest(reqID, req, resolvedModel, cacheStatusFor(cacheEligible), time.Since(start), fasthttp.StatusOK)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("model", resolvedModel),
		slog.Duration("elapsed", time.Since(start)),
	)
}

func cacheStatusFor(eligible bool) string {
	if eligible {
		return xCacheMISS
	}
	return "BYPASS"
}

// respond writes the body plus the gateway's response envelope headers:
// X-Request-ID is set by middleware; X-Cache, X-Model, and X-Duration-Ms are
// stamped here.
func (g *Gateway) respond(ctx *fasthttp.RequestCtx, status int, body []byte, reqID, model, cacheStatus string, start time.Time) {
	ctx.Response.Header.Set("X-Cache", cacheStatus)
	ctx.Response.Header.Set("X-Model", model)
	ctx.Response.Header.Set("X-Duration-Ms", durationMs(start))
	if string(ctx.Response.Header.ContentType()) != "text/event-stream" {
		ctx.SetContentType("application/json")
	}
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

func durationMs(start time.Time) string {
	return strconv.FormatInt(time.Since(start).Milliseconds(), 10)
}

// markCached adds "_cached": true to a cached response body. When the body is
// not a JSON object it is relayed untouched rather than risk corrupting it.
func markCached(body []byte) []byte {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return body
	}
	payload["_cached"] = json.RawMessage("true")
	out, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	return out
}

// authHeaders builds the outbound headers. The bearer credential comes from
// the secret store (vault with environment fallback behind the Chain);
// when no credential is available the dispatch proceeds unauthenticated and
// the backend decides.
func (g *Gateway) authHeaders(ctx context.Context, reqID string) map[string]string {
	headers := map[string]string{"X-Request-ID": reqID}
	if g.secretStore == nil {
		return headers
	}
	key, err := g.secretStore.GetSecret(ctx, g.keySecretName)
	if err != nil {
		g.log.WarnContext(ctx, "backend_credential_unavailable",
			slog.String("secret", g.keySecretName),
			slog.String("error", err.Error()),
		)
		return headers
	}
	headers["Authorization"] = "Bearer " + key
	return headers
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(requestID string, req *ChatRequest, resolvedModel, cacheStatus string, latency time.Duration, status int) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:             reqUUID,
		RequestedModel: req.Model,
		ResolvedModel:  resolvedModel,
		CacheStatus:    cacheStatus,
		EstimatedTok:   uint32(estimateTokens(req.Messages)),
		LatencyMs:      latencyMs,
		Status:         uint16(status),
		Stream:         req.Stream,
		CreatedAt:      time.Now(),
	})
}
