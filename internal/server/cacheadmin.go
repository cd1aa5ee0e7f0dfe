package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/relaypoint/model-gateway/internal/cache"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

func (s *Server) handleCacheInvalidate(ctx *fasthttp.RequestCtx) {
	var f cache.Filter
	if len(ctx.PostBody()) > 0 {
		if err := json.Unmarshal(ctx.PostBody(), &f); err != nil {
			apierr.WriteError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err))
			return
		}
	}
	n, err := s.respCache.Invalidate(ctx, f)
	if err != nil {
		apierr.WriteError(ctx, err)
		return
	}
	if s.metrics != nil {
		s.metrics.CacheInvalidated(n)
	}
	slog.InfoContext(ctx, "cache_invalidated",
		slog.String("model", f.Model),
		slog.Int("removed", n),
	)
	writeJSON(ctx, map[string]any{"invalidated": n})
}

func (s *Server) handleCachePolicyGet(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, wirePolicy(s.respCache.Policy()))
}

func (s *Server) handleCachePolicySet(ctx *fasthttp.RequestCtx) {
	var p cache.Policy
	if err := json.Unmarshal(ctx.PostBody(), &p); err != nil {
		apierr.WriteError(ctx, apierr.Newf(apierr.KindInvalidRequest, "invalid JSON: %s", err))
		return
	}
	if !p.KeyStrategy.Valid() {
		apierr.WriteError(ctx, apierr.Newf(apierr.KindInvalidRequest, "unknown key_strategy %q", p.KeyStrategy))
		return
	}
	if p.TTLSeconds < 0 {
		apierr.WriteError(ctx, apierr.New(apierr.KindInvalidRequest, "ttl_seconds must not be negative"))
		return
	}
	s.respCache.Configure(p)
	slog.InfoContext(ctx, "cache_policy_updated",
		slog.Bool("enabled", p.Enabled),
		slog.Int("ttl_seconds", p.TTLSeconds),
		slog.String("key_strategy", string(p.KeyStrategy)),
	)
	writeJSON(ctx, wirePolicy(s.respCache.Policy()))
}

// wirePolicy fills the derived ttl_seconds field so reads always show the
// effective TTL, even when the policy was configured with a raw duration.
func wirePolicy(p cache.Policy) cache.Policy {
	if p.TTLSeconds == 0 {
		ttl := p.TTL
		if ttl <= 0 {
			ttl = cache.DefaultTTL
		}
		p.TTLSeconds = int(ttl / time.Second)
	}
	return p
}
