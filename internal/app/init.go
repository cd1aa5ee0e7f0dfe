package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaypoint/model-gateway/internal/analytics"
	"github.com/relaypoint/model-gateway/internal/batch"
	"github.com/relaypoint/model-gateway/internal/cache"
	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/endpoint"
	"github.com/relaypoint/model-gateway/internal/gateway"
	"github.com/relaypoint/model-gateway/internal/health"
	"github.com/relaypoint/model-gateway/internal/metrics"
	"github.com/relaypoint/model-gateway/internal/ratelimit"
	"github.com/relaypoint/model-gateway/internal/router"
	"github.com/relaypoint/model-gateway/internal/server"
	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/internal/webhook"
)

// initInfra establishes optional external connections. Redis is required
// when the cache backend is "redis" or rate limiting is on; ClickHouse
// only when an export DSN is set.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Backend == "redis" || a.cfg.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if dsn := a.cfg.Analytics.ClickHouseDSN; dsn != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(dsn)))

		sink, err := analytics.NewClickHouseSink(a.baseCtx, dsn, a.log)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.chSink = sink
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initProviders builds the upstream adapter map. At least one provider must
// be configured — this is enforced by config validation before we reach here.
func (a *App) initProviders(_ context.Context) error {
	adapters, err := buildAdapters(a.baseCtx, a.cfg)
	if err != nil {
		return err
	}
	if len(adapters) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}
	a.adapters = adapters

	names := make([]string, 0, len(a.adapters))
	for n := range a.adapters {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the catalog, cache, usage/endpoint/webhook stores,
// the webhook dispatcher, and the Prometheus metrics registry.
func (a *App) initServices(_ context.Context) error {
	a.cat = catalog.Default()

	switch a.cfg.Cache.Backend {
	case "redis":
		a.cacheStore = cache.NewRedisStoreFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		a.cacheStore = cache.NewMemoryStore(a.baseCtx, a.cfg.Cache.SweepInterval)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")
	}

	if a.cacheStore != nil {
		bl, err := cache.NewBypassList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache bypass rules: %w", err)
		}

		a.respCache = cache.NewResponseCache(a.cacheStore,
			cache.WithPolicy(cache.Policy{
				Enabled:           a.cfg.Cache.Enabled,
				TTL:               a.cfg.Cache.TTL,
				KeyStrategy:       cache.KeyStrategy(a.cfg.Cache.KeyStrategy),
				IgnoreTemperature: a.cfg.Cache.IgnoreTemperature,
				IgnoreTopP:        a.cfg.Cache.IgnoreTopP,
			}),
			cache.WithBypassList(bl),
		)
		if n := bl.Len(); n > 0 {
			a.log.Info("cache bypass rules loaded", slog.Int("rules", n))
		}
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var storeOpts []analytics.StoreOption
	if a.chSink != nil {
		storeOpts = append(storeOpts, analytics.WithSink(a.chSink))
	}
	a.usage = analytics.NewStore(storeOpts...)

	a.endpoints = endpoint.NewStore()

	a.whStore = webhook.NewStore()
	hooks, err := webhook.NewDispatcher(a.baseCtx, a.whStore,
		webhook.WithDeliveryTimeout(a.cfg.Webhook.DeliveryTimeout),
		webhook.WithObserver(a.prom),
	)
	if err != nil {
		return fmt.Errorf("webhook dispatcher: %w", err)
	}
	a.hooks = hooks

	return nil
}

// initGateway wires together the router, the gateway service, the batch
// processor, the health checker, and the HTTP server.
func (a *App) initGateway(_ context.Context) error {
	routerOpts := []router.Option{
		router.WithProbeConfig(router.ProbeConfig{
			Timeout:     a.cfg.Router.ProbeTimeout,
			Retries:     a.cfg.Router.ProbeRetries,
			BackoffBase: a.cfg.Router.ProbeBackoff,
		}),
	}
	if a.cfg.Breaker.Enabled {
		routerOpts = append(routerOpts, router.WithBreaker(
			upstream.NewBreakerWithConfig(upstream.BreakerConfig{
				ErrorThreshold:  a.cfg.Breaker.ErrorThreshold,
				TimeWindow:      a.cfg.Breaker.TimeWindow,
				HalfOpenTimeout: a.cfg.Breaker.Cooldown,
			}),
		))
	}
	a.rt = router.New(a.cat, a.adapters, routerOpts...)

	// ── Gateway service ──────────────────────────────────────────────────────
	gwOpts := []gateway.Option{
		gateway.WithRecorder(a.usage),
		gateway.WithEndpoints(a.endpoints),
		gateway.WithEvents(a.hooks),
		gateway.WithMetrics(a.prom),
		gateway.WithPricing(analytics.Pricing{
			DefaultInputPrice:  a.cfg.Analytics.DefaultInputPrice,
			DefaultOutputPrice: a.cfg.Analytics.DefaultOutputPrice,
		}),
	}
	if a.respCache != nil {
		gwOpts = append(gwOpts, gateway.WithCache(a.respCache))
	}
	if a.rdb != nil && a.cfg.RPMLimit > 0 {
		gwOpts = append(gwOpts, gateway.WithRateLimiter(ratelimit.NewLimiter(a.rdb, a.cfg.RPMLimit)))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RPMLimit))
	}
	a.gw = gateway.New(a.cat, a.rt, gwOpts...)

	// ── Batch processor ──────────────────────────────────────────────────────
	proc, err := batch.NewProcessor(a.baseCtx, a.gw,
		batch.WithMaxConcurrent(a.cfg.Batch.MaxConcurrent),
		batch.WithEvents(a.hooks),
		batch.WithObserver(a.prom),
	)
	if err != nil {
		return fmt.Errorf("batch processor: %w", err)
	}
	a.proc = proc
	a.prom.RegisterQueueDepth(proc.QueueDepth)

	// ── Health checker ───────────────────────────────────────────────────────
	healthOpts := []health.Option{health.WithMetrics(a.prom)}
	switch {
	case a.cfg.Cache.Backend == "redis":
		healthOpts = append(healthOpts, health.WithCacheProbe(redisPinger(a.baseCtx, a.rdb)))
	case a.respCache != nil:
		healthOpts = append(healthOpts, health.WithCacheProbe(func() bool { return true }))
	}
	if a.rdb != nil {
		healthOpts = append(healthOpts, health.WithRedisProbe(redisPinger(a.baseCtx, a.rdb)))
	}
	a.hc = health.New(a.baseCtx, a.adapters, a.cat, healthOpts...)

	// ── HTTP server ──────────────────────────────────────────────────────────
	srvOpts := []server.Option{
		server.WithEndpoints(a.endpoints),
		server.WithWebhooks(a.whStore, a.hooks),
		server.WithBatches(a.proc),
		server.WithUsage(a.usage),
		server.WithHealth(a.hc),
		server.WithMetrics(a.prom),
		server.WithCORSOrigins(a.cfg.CORSOrigins),
		server.WithVersion(a.version),
	}
	if a.respCache != nil {
		srvOpts = append(srvOpts, server.WithResponseCache(a.respCache))
	}
	a.srv = server.New(a.gw, a.cat, srvOpts...)

	return nil
}
