package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	npCache "github.com/hollowbrook/gatekeep/internal/cache"
	"github.com/hollowbrook/gatekeep/internal/logger"
	"github.com/hollowbrook/gatekeep/internal/metrics"
	"github.com/hollowbrook/gatekeep/internal/providers"
	"github.com/hollowbrook/gatekeep/internal/proxy"
	"github.com/hollowbrook/gatekeep/internal/ratelimit"
	"github.com/hollowbrook/gatekeep/internal/registry"
	"github.com/hollowbrook/gatekeep/internal/semanticcache"
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

// initProviders builds the LLM provider map. At least one provider must be
// configured: config validation checks this unless AllowClientAPIKeys is set,
// and an empty map is rejected here as well.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// ── Optional embedding-backed semantic cache ─────────────────────────────
	semCache, err := a.initSemanticCache()
	if err != nil {
		return fmt.Errorf("semantic cache: %w", err)
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		MaxRetries:         a.cfg.Failover.MaxRetries,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
		GatewayAPIKey:      a.cfg.GatewayAPIKey,
		DeadlineDefault:    durationFromMs(a.cfg.Deadline.DefaultMs),
		DeadlineMin:        durationFromMs(a.cfg.Deadline.MinMs),
		DeadlineMax:        durationFromMs(a.cfg.Deadline.MaxMs),
		SemanticCache:      semCache,
		RegistryConfig: registry.Config{
			ErrorThreshold: a.cfg.CircuitBreaker.ErrorThreshold,
			// HalfOpenTimeout is the breaker's "stay open, then allow one
			// probe" cooldown — the same role registry.Config.Cooldown
			// plays. CircuitBreaker.TimeWindow has no equivalent here: the
			// registry trips on consecutive errors, not an error rate over
			// a rolling window (see DESIGN.md).
			Cooldown: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		limiter := ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		for name, limit := range a.cfg.RateLimit.PerProviderRPM {
			limiter.SetProviderLimit(name, limit)
		}
		gw.SetRateLimiters(limiter)
		a.log.Info("rate limiting enabled",
			slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
			slog.Int("provider_overrides", len(a.cfg.RateLimit.PerProviderRPM)),
		)
	}

	// Async request logger, optionally backed by ClickHouse for analytics.
	reqLogger, err := a.initRequestLogger()
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	if reqLogger != nil {
		a.reqLogger = reqLogger
		gw.SetLogger(reqLogger)
	}

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// durationFromMs converts a millisecond config value to a Duration, leaving
// zero (disabled) alone.
func durationFromMs(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// initSemanticCache builds the embedding-backed cache when enabled, wiring
// the configured vector store backend and the embedding provider resolved
// from the requested model via providers.EmbeddingModelAliases.
func (a *App) initSemanticCache() (*semanticcache.Cache, error) {
	if !a.cfg.SemanticCache.Enabled {
		return nil, nil
	}

	providerName, ok := providers.EmbeddingModelAliases[a.cfg.SemanticCache.EmbeddingModel]
	if !ok {
		return nil, fmt.Errorf("unknown embedding model %q", a.cfg.SemanticCache.EmbeddingModel)
	}
	p, ok := a.provs[providerName]
	if !ok {
		return nil, fmt.Errorf("semantic cache needs provider %q (for model %q), but it is not configured",
			providerName, a.cfg.SemanticCache.EmbeddingModel)
	}
	embedProvider, ok := p.(providers.EmbeddingProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not support embeddings", providerName)
	}

	var store semanticcache.VectorStore
	switch a.cfg.SemanticCache.Backend {
	case "qdrant":
		store = semanticcache.NewQdrantStore(semanticcache.QdrantConfig{
			BaseURL:              a.cfg.SemanticCache.Qdrant.BaseURL,
			APIKey:               a.cfg.SemanticCache.Qdrant.APIKey,
			Collection:           a.cfg.SemanticCache.Qdrant.Collection,
			AutoCreateCollection: a.cfg.SemanticCache.Qdrant.AutoCreateCollection,
		})
		a.log.Info("semantic cache backend: qdrant", slog.String("collection", a.cfg.SemanticCache.Qdrant.Collection))
	case "memory", "":
		store = semanticcache.NewInMemoryStore()
		a.log.Info("semantic cache backend: memory (in-process)")
	default:
		return nil, fmt.Errorf("unknown semantic cache backend: %s", a.cfg.SemanticCache.Backend)
	}

	embed := semanticcache.NewProviderEmbedder(embedProvider, a.cfg.SemanticCache.EmbeddingModel)

	cfg := semanticcache.Config{
		Enabled:           a.cfg.SemanticCache.Enabled,
		K:                 a.cfg.SemanticCache.K,
		DistanceThreshold: a.cfg.SemanticCache.DistanceThreshold,
		TTL:               a.cfg.SemanticCache.TTL,
		EmbedTimeout:      a.cfg.SemanticCache.EmbedTimeout,
		EmbedMaxRetries:   a.cfg.SemanticCache.EmbedMaxRetries,
	}

	return semanticcache.New(store, embed, cfg, a.log), nil
}

// initRequestLogger builds the async request logger, optionally attaching a
// ClickHouse sink for analytics. Returns (nil, nil) when nothing needs to be
// attached beyond the structured slog output the logger always produces.
func (a *App) initRequestLogger() (*logger.Logger, error) {
	var opts []logger.Option
	if a.cfg.ClickHouse.Enabled {
		sink, err := logger.NewClickHouseSink(a.baseCtx, logger.ClickHouseConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
			Table:    a.cfg.ClickHouse.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("clickhouse sink: %w", err)
		}
		opts = append(opts, logger.WithSink(sink))
		a.log.Info("request logger analytics sink: clickhouse", slog.Any("addr", a.cfg.ClickHouse.Addr))
	}

	return logger.New(a.baseCtx, a.log, opts...)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
