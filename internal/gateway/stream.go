package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/relaypoint/model-gateway/internal/analytics"
	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/internal/webhook"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

// DefaultStreamBuffer bounds the delta channel handed to ChatStream
// callers.
const DefaultStreamBuffer = 32

// Stream is a live completion. Chunks is closed when the upstream
// finishes, the dispatch timeout fires, or the request context is
// cancelled.
type Stream struct {
	ID      string
	Model   string // catalog id of the serving model
	Created int64
	Chunks  <-chan upstream.StreamChunk
}

// ChatStream runs the pipeline for streaming requests. The response cache
// is never consulted; usage is estimated from the streamed content and
// recorded once the stream drains.
func (s *Service) ChatStream(ctx context.Context, owner string, req *upstream.ModelRequest, endpointID string) (*Stream, error) {
	start := time.Now()
	reqID := requestID(ctx)
	opts := callOptions{endpointID: endpointID}

	relaying := false
	if s.metrics != nil {
		s.metrics.IncInFlight()
		defer func() {
			// Once the relay goroutine owns the stream it also owns the
			// in-flight gauge.
			if !relaying {
				s.metrics.DecInFlight()
			}
		}()
	}

	// 1. Validate.
	if err := validateRequest(s.catalog, req); err != nil {
		return nil, err
	}

	// 2. Merge the endpoint preset and force the streaming shape.
	req, endpointLimit, err := s.applyEndpoint(req, owner, endpointID)
	if err != nil {
		return nil, err
	}
	req = req.Clone()
	req.Stream = true
	requested := req.Model
	strategy := normalizeStrategy(req.Route)

	// 3. Rate limit.
	if err := s.checkLimits(ctx, owner, opts, endpointLimit, reqID); err != nil {
		return nil, err
	}

	// 4. Announce.
	created := map[string]any{
		"request_id": reqID,
		"model":      requested,
		"stream":     true,
	}
	if endpointID != "" {
		created["endpoint_id"] = endpointID
	}
	s.emit(ctx, owner, webhook.EventRequestCreated, created)

	// 5. Open the upstream stream, walking candidates like the
	// non-streaming path. The timeout bounds the whole stream, not just
	// the handshake.
	streamCtx, cancel := context.WithTimeout(ctx, s.timeout)
	upstreamCh, info, err := s.openStream(streamCtx, owner, req, reqID)
	if err != nil {
		cancel()
		return nil, s.fail(ctx, owner, opts, reqID, requested, strategy, start, err)
	}
	served := info.ID

	// Input usage is estimated up front; the provider reports none while
	// streaming.
	inputTokens := estimateTokens(messageChars(req.Messages))

	// 6. Relay deltas, settling usage, events, and metrics when the
	// stream ends.
	out := make(chan upstream.StreamChunk, s.streamBuf)
	go func() {
		defer close(out)
		defer cancel()
		if s.metrics != nil {
			defer s.metrics.DecInFlight()
		}

		var chars int
		for chunk := range upstreamCh {
			chars += len(chunk.Content)
			select {
			case out <- chunk:
			case <-streamCtx.Done():
				s.failStream(ctx, owner, opts, reqID, requested, served, strategy, start, streamCtx.Err())
				return
			}
		}
		if ctxErr := streamCtx.Err(); ctxErr != nil {
			s.failStream(ctx, owner, opts, reqID, requested, served, strategy, start, ctxErr)
			return
		}

		latency := time.Since(start)
		tokens := analytics.TokenCounts{Input: inputTokens, Output: estimateTokens(chars)}

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
		s.emit(ctx, owner, webhook.EventRequestCompleted, map[string]any{
			"request_id":     reqID,
			"model":          requested,
			"routed_through": served,
			"cache_hit":      false,
			"stream":         true,
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
			s.metrics.ObserveRequest(info.Provider, strategy, "bypass", latency)
			s.metrics.AddTokens(served, tokens.Input, tokens.Output, false)
		}
		slog.DebugContext(ctx, "stream_ok",
			slog.String("request_id", reqID),
			slog.String("model", served),
			slog.Duration("latency", latency),
			slog.Int("output_tokens", tokens.Output),
		)
	}()
	relaying = true

	return &Stream{
		ID:      "chatcmpl-" + reqID,
		Model:   served,
		Created: time.Now().Unix(),
		Chunks:  out,
	}, nil
}

// openStream walks the candidates and returns the first successfully
// opened upstream delta channel.
func (s *Service) openStream(ctx context.Context, owner string, req *upstream.ModelRequest, reqID string) (<-chan upstream.StreamChunk, catalog.ModelInfo, error) {
	var ch <-chan upstream.StreamChunk
	info, err := s.walk(ctx, req, reqID, func(ad upstream.Adapter, info catalog.ModelInfo) error {
		c, err := ad.Stream(ctx, buildUpstream(req, info, owner, reqID))
		if err != nil {
			return err
		}
		ch = c
		return nil
	})
	return ch, info, err
}

// failStream settles a stream cut short by cancellation or timeout.
// Cancelled work records nothing beyond the request.failed event.
func (s *Service) failStream(ctx context.Context, owner string, opts callOptions, reqID, requested, served, strategy string, start time.Time, cause error) {
	kind := apierr.KindCancelled
	if errors.Is(cause, context.DeadlineExceeded) {
		kind = apierr.KindUpstreamTimeout
	}

	slog.WarnContext(ctx, "stream_interrupted",
		slog.String("request_id", reqID),
		slog.String("model", served),
		slog.String("kind", string(kind)),
	)
	s.emit(ctx, owner, webhook.EventRequestFailed, map[string]any{
		"request_id": reqID,
		"model":      requested,
		"error_kind": string(kind),
	})
	if s.metrics != nil {
		s.metrics.RecordRequest(served, s.providerOf(served), "error")
	}
	if kind == apierr.KindCancelled {
		return
	}

	s.recordUsage(ctx, &analytics.UsageRecord{
		Owner:           owner,
		Model:           analytics.ModelPair{Requested: requested, Actual: served},
		LatencyMS:       time.Since(start).Milliseconds(),
		Success:         false,
		ErrorKind:       string(kind),
		RoutingStrategy: strategy,
		EndpointID:      opts.endpointID,
	})
}

// estimateTokens approximates a token count as chars/4, the GPT-style
// heuristic, for streams where the provider reports no usage.
func estimateTokens(chars int) int {
	n := chars / 4
	if n == 0 {
		n = 1
	}
	return n
}

func messageChars(msgs []upstream.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += len(m.Text())
	}
	return total
}
