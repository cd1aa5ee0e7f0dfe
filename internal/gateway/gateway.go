// Package gateway implements the chat completion pipeline: validate, merge
// endpoint presets, rate limit, consult the response cache, dispatch to a
// healthy upstream model with fallback, and record usage and lifecycle
// events on the way out.
//
// The Service is transport-free. The HTTP layer parses the wire request,
// attaches the request id to the context, and calls ChatComplete or
// ChatStream; batch children arrive through Dispatch.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaypoint/model-gateway/internal/analytics"
	"github.com/relaypoint/model-gateway/internal/cache"
	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/endpoint"
	"github.com/relaypoint/model-gateway/internal/metrics"
	"github.com/relaypoint/model-gateway/internal/router"
	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/internal/webhook"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

// RateLimiter gates requests before any upstream work is done. The Redis
// implementation lives in internal/ratelimit; limiter errors fail open.
type RateLimiter interface {
	AllowOwner(ctx context.Context, owner string) (bool, error)
	AllowEndpoint(ctx context.Context, endpointID string, limit int) (bool, error)
}

// EventEmitter publishes lifecycle events. The webhook dispatcher
// implements it.
type EventEmitter interface {
	TriggerEvent(ctx context.Context, owner string, typ webhook.EventType, data map[string]any) (*webhook.Event, error)
}

// Service executes chat completions end to end. Only the catalog and
// router are required; every other collaborator is optional and a Service
// without it simply skips that pipeline stage.
type Service struct {
	catalog   *catalog.Catalog
	router    *router.Router
	cache     *cache.ResponseCache
	endpoints *endpoint.Store
	usage     analytics.Recorder
	events    EventEmitter
	limiter   RateLimiter
	metrics   *metrics.Registry
	pricing   analytics.Pricing
	timeout   time.Duration
	streamBuf int
}

// Option configures a Service.
type Option func(*Service)

// WithCache installs the response cache. Without one every request
// dispatches upstream.
func WithCache(c *cache.ResponseCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithEndpoints installs the custom endpoint store.
func WithEndpoints(st *endpoint.Store) Option {
	return func(s *Service) { s.endpoints = st }
}

// WithRecorder wires usage recording.
func WithRecorder(r analytics.Recorder) Option {
	return func(s *Service) { s.usage = r }
}

// WithEvents wires lifecycle event emission.
func WithEvents(e EventEmitter) Option {
	return func(s *Service) { s.events = e }
}

// WithRateLimiter installs the per-owner / per-endpoint limiter.
func WithRateLimiter(l RateLimiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithMetrics wires the Prometheus registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Service) { s.metrics = m }
}

// WithPricing sets the fallback token prices for models missing from the
// catalog.
func WithPricing(p analytics.Pricing) Option {
	return func(s *Service) { s.pricing = p }
}

// WithDispatchTimeout bounds a single upstream attempt and the lifetime of
// a stream. Defaults to upstream.DefaultTimeout.
func WithDispatchTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithStreamBuffer sets the delta channel capacity handed to ChatStream
// callers.
func WithStreamBuffer(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.streamBuf = n
		}
	}
}

// New creates a Service over the given catalog and router.
func New(cat *catalog.Catalog, rt *router.Router, opts ...Option) *Service {
	s := &Service{
		catalog:   cat,
		router:    rt,
		timeout:   upstream.DefaultTimeout,
		streamBuf: DefaultStreamBuffer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// callOptions carries the per-call pipeline switches.
type callOptions struct {
	endpointID  string
	skipLimiter bool
}

// ChatComplete runs the full non-streaming pipeline and returns the
// OpenAI-shaped response. endpointID is optional; when set, the endpoint
// preset is merged into req before routing.
func (s *Service) ChatComplete(ctx context.Context, owner string, req *upstream.ModelRequest, endpointID string) (*upstream.ModelResponse, error) {
	return s.complete(ctx, owner, req, callOptions{endpointID: endpointID})
}

// Dispatch runs one batch child through the pipeline. Children skip the
// rate limiter (the batch scheduler already bounds them) and never stream.
func (s *Service) Dispatch(ctx context.Context, owner string, req *upstream.ModelRequest) (*upstream.ModelResponse, error) {
	if req != nil && req.Stream {
		req = req.Clone()
		req.Stream = false
	}
	return s.complete(ctx, owner, req, callOptions{skipLimiter: true})
}

func (s *Service) complete(ctx context.Context, owner string, req *upstream.ModelRequest, opts callOptions) (*upstream.ModelResponse, error) {
	start := time.Now()
	reqID := requestID(ctx)

	if s.metrics != nil {
		s.metrics.IncInFlight()
		defer s.metrics.DecInFlight()
	}

	// 1. Validate. Invalid requests never enter the pipeline: no events,
	// no usage record.
	if err := validateRequest(s.catalog, req); err != nil {
		return nil, err
	}

	// 2. Merge the endpoint preset.
	req, endpointLimit, err := s.applyEndpoint(req, owner, opts.endpointID)
	if err != nil {
		return nil, err
	}
	requested := req.Model
	strategy := normalizeStrategy(req.Route)

	// 3. Rate limit. Blocked requests are turned away before any event or
	// record is written, so a flood stays cheap.
	if err := s.checkLimits(ctx, owner, opts, endpointLimit, reqID); err != nil {
		return nil, err
	}

	// 4. Announce. request.created marks admission into the pipeline.
	created := map[string]any{
		"request_id": reqID,
		"model":      requested,
		"stream":     req.Stream,
	}
	if opts.endpointID != "" {
		created["endpoint_id"] = opts.endpointID
	}
	s.emit(ctx, owner, webhook.EventRequestCreated, created)

	// 5. Serve from cache.
	cacheLabel := "bypass"
	cacheEligible := s.cache != nil && !req.Stream && !s.cache.Bypassed(requested)
	if cacheEligible {
		cacheLabel = "miss"
		if entry, ok := s.cache.Get(ctx, req); ok && entry.Response != nil {
			return s.serveHit(ctx, owner, opts, reqID, requested, strategy, start, entry), nil
		}
		if s.metrics != nil {
			s.metrics.CacheGetMiss()
		}
	} else if s.metrics != nil {
		s.metrics.CacheGetBypass()
	}

	// 6. Walk the candidates.
	result, info, err := s.dispatch(ctx, owner, req, reqID)
	if err != nil {
		return nil, s.fail(ctx, owner, opts, reqID, requested, strategy, start, err)
	}
	served := info.ID

	// 7. Build the response envelope.
	resp := buildResponse(result, served)

	// 8. Fill the cache.
	if cacheEligible {
		s.cache.Set(ctx, req, resp, resp.Usage)
		if s.metrics != nil {
			s.metrics.CacheSetOK()
		}
	}

	// 9. Record usage.
	latency := time.Since(start)
	tokens := analytics.TokenCounts{
		Input:  resp.Usage.PromptTokens,
		Output: resp.Usage.CompletionTokens,
	}
	s.recordUsage(ctx, &analytics.UsageRecord{
		Owner:           owner,
		Model:           analytics.ModelPair{Requested: requested, Actual: served},
		Tokens:          tokens,
		CostUSD:         analytics.Cost(s.catalog, served, tokens, s.pricing),
		LatencyMS:       latency.Milliseconds(),
		Success:         true,
		RoutingStrategy: strategy,
		EndpointID:      opts.endpointID,
	})

	// 10. Announce the outcome.
	s.emit(ctx, owner, webhook.EventRequestCompleted, map[string]any{
		"request_id":     reqID,
		"model":          requested,
		"routed_through": served,
		"cache_hit":      false,
		"input_tokens":   tokens.Input,
		"output_tokens":  tokens.Output,
	})
	if fellBack(requested, served) {
		s.emit(ctx, owner, webhook.EventModelFallback, map[string]any{
			"request_id": reqID,
			"requested":  requested,
			"actual":     served,
		})
		if s.metrics != nil {
			s.metrics.RecordFallback(requested, served)
		}
	}

	if s.metrics != nil {
		s.metrics.RecordRequest(served, info.Provider, "success")
		s.metrics.ObserveRequest(info.Provider, strategy, cacheLabel, latency)
		s.metrics.AddTokens(served, tokens.Input, tokens.Output, false)
	}
	slog.DebugContext(ctx, "request_ok",
		slog.String("request_id", reqID),
		slog.String("model", served),
		slog.Duration("latency", latency),
		slog.Int("input_tokens", tokens.Input),
		slog.Int("output_tokens", tokens.Output),
	)

	return resp, nil
}

// serveHit finishes a request from a cache entry: zero cost, the stored
// envelope, and the entry's remaining TTL on the usage record.
func (s *Service) serveHit(ctx context.Context, owner string, opts callOptions, reqID, requested, strategy string, start time.Time, entry *cache.Entry) *upstream.ModelResponse {
	if s.metrics != nil {
		s.metrics.CacheGetHit()
	}

	latency := time.Since(start)
	ttl := int(time.Until(entry.ExpiresAt).Seconds())
	if ttl < 0 {
		ttl = 0
	}

	s.recordUsage(ctx, &analytics.UsageRecord{
		Owner:           owner,
		Model:           analytics.ModelPair{Requested: requested, Actual: entry.ModelID},
		Tokens:          analytics.TokenCounts{Input: entry.Usage.PromptTokens, Output: entry.Usage.CompletionTokens},
		LatencyMS:       latency.Milliseconds(),
		Success:         true,
		RoutingStrategy: strategy,
		EndpointID:      opts.endpointID,
		Cache:           analytics.CacheInfo{Hit: true, TTLSeconds: ttl},
	})
	s.emit(ctx, owner, webhook.EventRequestCompleted, map[string]any{
		"request_id":     reqID,
		"model":          requested,
		"routed_through": entry.ModelID,
		"cache_hit":      true,
	})

	if s.metrics != nil {
		provider := s.providerOf(entry.ModelID)
		s.metrics.RecordRequest(entry.ModelID, provider, "success")
		s.metrics.ObserveRequest(provider, strategy, "hit", latency)
		s.metrics.AddTokens(entry.ModelID, entry.Usage.PromptTokens, entry.Usage.CompletionTokens, true)
	}
	slog.DebugContext(ctx, "cache_hit",
		slog.String("request_id", reqID),
		slog.String("model", entry.ModelID),
	)

	return entry.Response
}

// fail settles a request that could not be served. Every failure emits
// request.failed; exhaustion adds model.unavailable. Cancelled work leaves
// no usage record.
func (s *Service) fail(ctx context.Context, owner string, opts callOptions, reqID, requested, strategy string, start time.Time, err error) error {
	kind := apierr.KindOf(err)

	slog.WarnContext(ctx, "request_failed",
		slog.String("request_id", reqID),
		slog.String("model", requested),
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()),
	)

	if kind == apierr.KindNoModelAvailable {
		s.emit(ctx, owner, webhook.EventModelUnavailable, map[string]any{
			"request_id": reqID,
			"model":      requested,
			"strategy":   strategy,
		})
		if s.metrics != nil {
			s.metrics.RecordRouteExhausted(requested)
		}
	}
	s.emit(ctx, owner, webhook.EventRequestFailed, map[string]any{
		"request_id": reqID,
		"model":      requested,
		"error_kind": string(kind),
	})

	if s.metrics != nil {
		s.metrics.RecordRequest(requested, s.providerOf(requested), "error")
	}

	// Cancelled work records nothing beyond the event above.
	if kind == apierr.KindCancelled {
		return err
	}

	s.recordUsage(ctx, &analytics.UsageRecord{
		Owner:           owner,
		Model:           analytics.ModelPair{Requested: requested},
		LatencyMS:       time.Since(start).Milliseconds(),
		Success:         false,
		ErrorKind:       string(kind),
		RoutingStrategy: strategy,
		EndpointID:      opts.endpointID,
	})
	return err
}

// applyEndpoint merges the preset when an endpoint id was given. Returns
// the (possibly rewritten) request and the endpoint's RPM limit.
func (s *Service) applyEndpoint(req *upstream.ModelRequest, owner, id string) (*upstream.ModelRequest, int, error) {
	if id == "" {
		return req, 0, nil
	}
	if s.endpoints == nil {
		return nil, 0, apierr.Newf(apierr.KindNotFound, "endpoint %s not found", id)
	}
	ep, err := s.endpoints.Get(id, owner)
	if err != nil {
		return nil, 0, err
	}
	return endpoint.Rewrite(req, ep), ep.RateLimitRPM, nil
}

// checkLimits applies the per-owner and, when configured, per-endpoint
// limits. Limiter errors fail open: a broken limiter must not take the
// gateway down with it.
func (s *Service) checkLimits(ctx context.Context, owner string, opts callOptions, endpointLimit int, reqID string) error {
	if opts.skipLimiter || s.limiter == nil {
		return nil
	}

	allowed, err := s.limiter.AllowOwner(ctx, owner)
	switch {
	case err != nil:
		slog.WarnContext(ctx, "ratelimit_error",
			slog.String("owner", owner),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.RecordRateLimit("error")
		}
	case !allowed:
		slog.WarnContext(ctx, "rate_limited",
			slog.String("request_id", reqID),
			slog.String("owner", owner),
		)
		if s.metrics != nil {
			s.metrics.RecordRateLimit("blocked")
		}
		return apierr.New(apierr.KindRateLimited, "rate limit exceeded")
	}

	if endpointLimit <= 0 {
		return nil
	}
	allowed, err = s.limiter.AllowEndpoint(ctx, opts.endpointID, endpointLimit)
	switch {
	case err != nil:
		slog.WarnContext(ctx, "ratelimit_error",
			slog.String("endpoint_id", opts.endpointID),
			slog.String("error", err.Error()),
		)
		if s.metrics != nil {
			s.metrics.RecordRateLimit("error")
		}
	case !allowed:
		slog.WarnContext(ctx, "rate_limited",
			slog.String("request_id", reqID),
			slog.String("endpoint_id", opts.endpointID),
		)
		if s.metrics != nil {
			s.metrics.RecordRateLimit("blocked")
		}
		return apierr.New(apierr.KindRateLimited, "endpoint rate limit exceeded")
	}
	return nil
}

// emit publishes a lifecycle event. Emission failures are logged and
// swallowed: events never fail the request that produced them.
func (s *Service) emit(ctx context.Context, owner string, typ webhook.EventType, data map[string]any) {
	if s.events == nil {
		return
	}
	if _, err := s.events.TriggerEvent(ctx, owner, typ, data); err != nil {
		slog.WarnContext(ctx, "event_emit_failed",
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Service) recordUsage(ctx context.Context, rec *analytics.UsageRecord) {
	if s.usage == nil {
		return
	}
	s.usage.LogUsage(ctx, rec)
}

func (s *Service) providerOf(model string) string {
	if info, ok := s.catalog.Get(model); ok {
		return info.Provider
	}
	return "unknown"
}

// buildUpstream translates the gateway request into the provider call,
// swapping the catalog id for the provider-native model name.
func buildUpstream(req *upstream.ModelRequest, info catalog.ModelInfo, owner, reqID string) *upstream.Request {
	return &upstream.Request{
		Model:            info.Native(),
		Messages:         req.Messages,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		MaxTokens:        req.MaxTokens,
		Stop:             []string(req.Stop),
		ResponseFormat:   req.ResponseFormat,
		Owner:            owner,
		RequestID:        reqID,
	}
}

// buildResponse wraps a provider result in the OpenAI response envelope.
// served is the catalog id of the model that answered.
func buildResponse(res *upstream.Result, served string) *upstream.ModelResponse {
	id := res.ID
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	finish := res.FinishReason
	if finish == "" {
		finish = "stop"
	}
	usage := res.Usage
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return &upstream.ModelResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   served,
		Choices: []upstream.Choice{{
			Index:        0,
			Message:      upstream.ChatMessage{Role: "assistant", Content: res.Content},
			FinishReason: finish,
		}},
		Usage:         usage,
		RoutedThrough: served,
	}
}

func normalizeStrategy(r upstream.RouteStrategy) string {
	if r == "" {
		return string(upstream.RouteDefault)
	}
	return string(r)
}

// fellBack reports whether served differs from an explicitly requested
// model. An "auto" request pins nothing, so nothing counts as a fallback.
func fellBack(requested, served string) bool {
	return requested != catalog.ModelAuto && requested != served
}
