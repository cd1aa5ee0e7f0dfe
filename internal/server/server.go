// Package server exposes the gateway over HTTP: the OpenAI-compatible
// completion surface, management CRUD for endpoints, webhooks, and batches,
// usage queries, cache administration, and operational probes.
//
// The server is a thin framing layer. Request semantics live in the gateway
// service and the stores; handlers only parse, delegate, and translate errors
// into the OpenAI error envelope.
package server

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/relaypoint/model-gateway/internal/analytics"
	"github.com/relaypoint/model-gateway/internal/batch"
	"github.com/relaypoint/model-gateway/internal/cache"
	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/endpoint"
	"github.com/relaypoint/model-gateway/internal/gateway"
	"github.com/relaypoint/model-gateway/internal/health"
	"github.com/relaypoint/model-gateway/internal/metrics"
	"github.com/relaypoint/model-gateway/internal/webhook"
)

// Server wires the HTTP route table to the gateway and its stores. Every
// dependency except the gateway service and the catalog is optional; routes
// whose backing store is absent return 404.
type Server struct {
	gateway   *gateway.Service
	catalog   *catalog.Catalog
	endpoints *endpoint.Store
	webhooks  *webhook.Store
	hooks     *webhook.Dispatcher
	batches   *batch.Processor
	usage     *analytics.Store
	respCache *cache.ResponseCache
	health    *health.Checker
	metrics   *metrics.Registry

	corsOrigins []string
	version     string

	srv *fasthttp.Server
}

// Option configures a Server.
type Option func(*Server)

// WithEndpoints enables the /v1/endpoints CRUD routes.
func WithEndpoints(st *endpoint.Store) Option {
	return func(s *Server) { s.endpoints = st }
}

// WithWebhooks enables the /v1/webhooks CRUD and delivery routes.
func WithWebhooks(st *webhook.Store, d *webhook.Dispatcher) Option {
	return func(s *Server) {
		s.webhooks = st
		s.hooks = d
	}
}

// WithBatches enables the /v1/batches routes.
func WithBatches(p *batch.Processor) Option {
	return func(s *Server) { s.batches = p }
}

// WithUsage enables the /v1/usage query routes.
func WithUsage(st *analytics.Store) Option {
	return func(s *Server) { s.usage = st }
}

// WithResponseCache enables the /v1/cache administration routes.
func WithResponseCache(c *cache.ResponseCache) Option {
	return func(s *Server) { s.respCache = c }
}

// WithHealth backs /health and /readiness with live probe results.
func WithHealth(hc *health.Checker) Option {
	return func(s *Server) { s.health = hc }
}

// WithMetrics enables /metrics and per-route HTTP observations.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCORSOrigins sets the allowed CORS origins. Empty means allow all.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithVersion sets the version string reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New builds the route table. The gateway service and catalog are required.
func New(gw *gateway.Service, cat *catalog.Catalog, opts ...Option) *Server {
	if gw == nil {
		panic("server: gateway must not be nil")
	}
	if cat == nil {
		panic("server: catalog must not be nil")
	}
	s := &Server{
		gateway: gw,
		catalog: cat,
		version: "0.1.0",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns the fully assembled request handler, middleware included.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", s.handleChat)
	r.POST("/v1/endpoints/{id}/chat/completions", s.handleEndpointChat)
	r.GET("/v1/models", s.observed("models", s.handleModels))

	if s.endpoints != nil {
		r.POST("/v1/endpoints", s.observed("endpoints", s.handleEndpointCreate))
		r.GET("/v1/endpoints", s.observed("endpoints", s.handleEndpointList))
		r.GET("/v1/endpoints/{id}", s.observed("endpoints", s.handleEndpointGet))
		r.PATCH("/v1/endpoints/{id}", s.observed("endpoints", s.handleEndpointUpdate))
		r.DELETE("/v1/endpoints/{id}", s.observed("endpoints", s.handleEndpointDelete))
	}

	if s.webhooks != nil {
		r.POST("/v1/webhooks", s.observed("webhooks", s.handleWebhookCreate))
		r.GET("/v1/webhooks", s.observed("webhooks", s.handleWebhookList))
		r.GET("/v1/webhooks/{id}", s.observed("webhooks", s.handleWebhookGet))
		r.PATCH("/v1/webhooks/{id}", s.observed("webhooks", s.handleWebhookUpdate))
		r.DELETE("/v1/webhooks/{id}", s.observed("webhooks", s.handleWebhookDelete))
	}
	if s.hooks != nil {
		r.GET("/v1/webhooks/{id}/deliveries", s.observed("webhooks", s.handleDeliveryList))
		r.POST("/v1/deliveries/{id}/retry", s.observed("webhooks", s.handleDeliveryRetry))
		r.GET("/v1/events", s.observed("events", s.handleEventList))
	}

	if s.batches != nil {
		r.POST("/v1/batches", s.observed("batches", s.handleBatchCreate))
		r.GET("/v1/batches", s.observed("batches", s.handleBatchList))
		r.GET("/v1/batches/{id}", s.observed("batches", s.handleBatchGet))
		r.POST("/v1/batches/{id}/cancel", s.observed("batches", s.handleBatchCancel))
	}

	if s.usage != nil {
		r.GET("/v1/usage", s.observed("usage", s.handleUsageQuery))
		r.GET("/v1/usage/metrics", s.observed("usage", s.handleUsageMetrics))
	}

	if s.respCache != nil {
		r.POST("/v1/cache/invalidate", s.observed("cache_admin", s.handleCacheInvalidate))
		r.GET("/v1/cache/policy", s.observed("cache_admin", s.handleCachePolicyGet))
		r.PUT("/v1/cache/policy", s.observed("cache_admin", s.handleCachePolicySet))
	}

	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.metrics != nil {
		r.GET("/metrics", s.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
		ownerIdentity,
	)
}

// ListenAndServe starts the HTTP server on addr (e.g. ":8080") and blocks
// until Shutdown or a listener error.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server, waiting for in-flight requests.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// observed wraps a handler with per-route HTTP metrics. Routes that stream
// keep their own accounting instead.
func (s *Server) observed(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	if s.metrics == nil {
		return h
	}
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		reqBytes := len(ctx.PostBody())
		h(ctx)
		s.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start),
			reqBytes, len(ctx.Response.Body()))
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": s.version})
		return
	}
	writeJSON(ctx, s.health.Snapshot())
}

func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if s.health == nil || s.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func writeJSONStatus(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	writeJSON(ctx, v)
}

// param returns a path parameter set by the router.
func param(ctx *fasthttp.RequestCtx, name string) string {
	v, _ := ctx.UserValue(name).(string)
	return v
}
