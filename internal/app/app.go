// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra     — external connections (Redis, ClickHouse when configured)
//  2. initProviders — upstream provider adapters
//  3. initServices  — catalog, cache, stores, webhook dispatcher, metrics
//  4. initGateway   — router, gateway, batch processor, health checker, HTTP server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relaypoint/model-gateway/internal/analytics"
	"github.com/relaypoint/model-gateway/internal/batch"
	"github.com/relaypoint/model-gateway/internal/cache"
	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/config"
	"github.com/relaypoint/model-gateway/internal/endpoint"
	"github.com/relaypoint/model-gateway/internal/gateway"
	"github.com/relaypoint/model-gateway/internal/health"
	"github.com/relaypoint/model-gateway/internal/metrics"
	"github.com/relaypoint/model-gateway/internal/router"
	"github.com/relaypoint/model-gateway/internal/server"
	"github.com/relaypoint/model-gateway/internal/upstream"
	anthropicup "github.com/relaypoint/model-gateway/internal/upstream/anthropic"
	googleup "github.com/relaypoint/model-gateway/internal/upstream/google"
	metaup "github.com/relaypoint/model-gateway/internal/upstream/meta"
	openaiup "github.com/relaypoint/model-gateway/internal/upstream/openai"
	"github.com/relaypoint/model-gateway/internal/webhook"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb    *redis.Client
	chSink *analytics.ClickHouseSink

	cacheStore cache.Store
	respCache  *cache.ResponseCache

	usage     *analytics.Store
	endpoints *endpoint.Store
	whStore   *webhook.Store
	hooks     *webhook.Dispatcher

	prom *metrics.Registry

	cat      *catalog.Catalog
	adapters map[string]upstream.Adapter
	rt       *router.Router
	gw       *gateway.Service
	proc     *batch.Processor
	hc       *health.Checker
	srv      *server.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server fails. Call Close afterwards to release the remaining resources.
func (a *App) Run(ctx context.Context) error {
	addr := a.cfg.Addr()

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_backend", a.cfg.Cache.Backend),
		slog.Int("providers", len(a.adapters)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.srv.Shutdown()
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call more
// than once.
func (a *App) Close() {
	if a.hc != nil {
		a.hc.Close()
		a.hc = nil
	}
	if a.proc != nil {
		if err := a.proc.Close(); err != nil {
			a.log.Error("batch processor close error", slog.String("error", err.Error()))
		}
		a.proc = nil
	}
	if a.hooks != nil {
		if err := a.hooks.Close(); err != nil {
			a.log.Error("webhook dispatcher close error", slog.String("error", err.Error()))
		}
		a.hooks = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.cacheStore != nil {
		if err := a.cacheStore.Close(); err != nil {
			a.log.Error("cache close error", slog.String("error", err.Error()))
		}
		a.cacheStore = nil
		if a.cfg.Cache.Backend == "redis" {
			// The store wraps and closed the shared client.
			a.rdb = nil
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisPinger returns a zero-argument probe function suitable for the
// health checker. Reuses the existing client — no new connections.
func redisPinger(ctx context.Context, rdb *redis.Client) func() bool {
	return func() bool {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return rdb.Ping(pingCtx).Err() == nil
	}
}

// buildAdapters creates the provider adapter map from non-empty API keys.
// The map key is the catalog provider id.
func buildAdapters(ctx context.Context, cfg *config.Config) (map[string]upstream.Adapter, error) {
	adapters := make(map[string]upstream.Adapter)

	if cfg.OpenAI.Enabled() {
		var opts []openaiup.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiup.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		adapters["openai"] = openaiup.New(cfg.OpenAI.APIKey, opts...)
	}

	if cfg.Anthropic.Enabled() {
		var opts []anthropicup.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicup.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		adapters["anthropic"] = anthropicup.New(cfg.Anthropic.APIKey, opts...)
	}

	if cfg.Google.Enabled() {
		var opts []googleup.Option
		if cfg.Google.BaseURL != "" {
			opts = append(opts, googleup.WithBaseURL(cfg.Google.BaseURL))
		}
		g, err := googleup.New(ctx, cfg.Google.APIKey, opts...)
		if err != nil {
			return nil, fmt.Errorf("google adapter: %w", err)
		}
		adapters["google"] = g
	}

	if cfg.Meta.Enabled() {
		var opts []metaup.Option
		if cfg.Meta.BaseURL != "" {
			opts = append(opts, metaup.WithBaseURL(cfg.Meta.BaseURL))
		}
		adapters["meta"] = metaup.New(cfg.Meta.APIKey, opts...)
	}

	return adapters, nil
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
