// Package router selects the model that serves a request.
//
// Selection is a pure ordering step (Candidates) followed by health probing
// (Healthy): candidates are walked in strategy order and the first healthy
// one wins. Probe failures only remove a model for the current request; the
// optional breaker adds cross-request memory on top.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/relaypoint/model-gateway/internal/catalog"
	"github.com/relaypoint/model-gateway/internal/upstream"
	"github.com/relaypoint/model-gateway/pkg/apierr"
)

// Probe defaults. Zero-valued ProbeConfig fields fall back to these.
const (
	DefaultProbeTimeout = 5 * time.Second
	DefaultProbeRetries = 3
	DefaultProbeBackoff = 100 * time.Millisecond
)

// ProbeConfig tunes per-candidate health probing.
type ProbeConfig struct {
	// Timeout bounds a single probe attempt.
	Timeout time.Duration

	// Retries is how many times a failed probe is retried.
	Retries int

	// BackoffBase is the first retry delay; attempt n waits
	// BackoffBase × 2^(n-1) plus a small jitter.
	BackoffBase time.Duration
}

func (c ProbeConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultProbeTimeout
}

func (c ProbeConfig) retries() int {
	if c.Retries > 0 {
		return c.Retries
	}
	return DefaultProbeRetries
}

func (c ProbeConfig) backoffBase() time.Duration {
	if c.BackoffBase > 0 {
		return c.BackoffBase
	}
	return DefaultProbeBackoff
}

// RequiredFeatures computes the feature gate for a request:
// image parts need vision, function declarations need function_calling,
// tool declarations need tool_use, and a json_object response format needs
// json_mode.
func RequiredFeatures(req *upstream.ModelRequest) catalog.Features {
	var f catalog.Features
	if req.HasImage() {
		f.Vision = true
	}
	if len(req.Functions) > 0 || len(req.FunctionCall) > 0 {
		f.FunctionCalling = true
	}
	if len(req.Tools) > 0 {
		f.ToolUse = true
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		f.JSONMode = true
	}
	return f
}

// Router orders candidates and probes their health. Safe for concurrent use.
type Router struct {
	catalog  *catalog.Catalog
	adapters map[string]upstream.Adapter // keyed by provider name
	breaker  *upstream.Breaker           // optional
	probe    ProbeConfig
}

// Option configures a Router.
type Option func(*Router)

// WithBreaker installs a breaker consulted before probing and fed with
// probe outcomes.
func WithBreaker(b *upstream.Breaker) Option {
	return func(r *Router) { r.breaker = b }
}

// WithProbeConfig overrides the probe defaults.
func WithProbeConfig(cfg ProbeConfig) Option {
	return func(r *Router) { r.probe = cfg }
}

// New creates a Router over the catalog and per-provider adapters.
func New(cat *catalog.Catalog, adapters map[string]upstream.Adapter, opts ...Option) *Router {
	r := &Router{
		catalog:  cat,
		adapters: adapters,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Candidates returns the ordered candidate ids for req plus the computed
// feature gate. The ordering is pure: no I/O, no randomness beyond the
// documented tie-break. Fails with NO_MODEL_AVAILABLE when no catalog model
// covers the required features.
func (r *Router) Candidates(req *upstream.ModelRequest) ([]string, catalog.Features, error) {
	if !req.Route.Valid() {
		return nil, catalog.Features{}, apierr.Newf(apierr.KindInvalidRequest, "unknown route strategy %q", req.Route)
	}

	required := RequiredFeatures(req)
	eligible := r.catalog.Eligible(required)
	if len(eligible) == 0 {
		return nil, required, apierr.New(apierr.KindNoModelAvailable, "no model supports the requested features")
	}

	var order []string
	switch req.Route {
	case upstream.RouteLowestCost:
		order = orderByKey(eligible, func(m catalog.ModelInfo) float64 { return m.CombinedPrice() })
	case upstream.RouteFastest:
		order = orderByKey(eligible, func(m catalog.ModelInfo) float64 { return float64(catalog.SpeedRank(m.ID)) })
	case upstream.RouteHighestQuality:
		order = orderByKey(eligible, func(m catalog.ModelInfo) float64 { return float64(catalog.QualityRank(m.ID)) })
	case upstream.RouteFallback:
		order = r.chainOrder(req.Model, req.Fallbacks, eligible)
	default: // RouteDefault and empty
		order = r.chainOrder(req.Model, r.catalog.Fallbacks(req.Model), eligible)
	}

	return order, required, nil
}

// chainOrder builds the requested-then-chain-then-rest ordering shared by
// the default and fallback strategies. The requested model leads only when
// it is eligible; "auto" pins nothing. Unknown and ineligible chain entries
// are skipped.
func (r *Router) chainOrder(requested string, chain []string, eligible []catalog.ModelInfo) []string {
	inEligible := make(map[string]bool, len(eligible))
	for _, m := range eligible {
		inEligible[m.ID] = true
	}

	seen := make(map[string]bool, len(eligible))
	out := make([]string, 0, len(eligible))
	add := func(id string) {
		if inEligible[id] && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	if requested != catalog.ModelAuto {
		add(requested)
	}
	for _, id := range chain {
		add(id)
	}
	for _, m := range eligible {
		add(m.ID)
	}
	return out
}

// orderByKey sorts ascending by key with two tie-break rules: models with
// equal keys are reordered to alternate providers relative to the previous
// candidate, and remaining ties fall back to stable id order.
func orderByKey(models []catalog.ModelInfo, key func(catalog.ModelInfo) float64) []string {
	ms := append([]catalog.ModelInfo(nil), models...)
	sort.SliceStable(ms, func(i, j int) bool {
		ki, kj := key(ms[i]), key(ms[j])
		if ki != kj {
			return ki < kj
		}
		return ms[i].ID < ms[j].ID
	})

	out := make([]string, 0, len(ms))
	prevProvider := ""
	for i := 0; i < len(ms); {
		j := i
		for j < len(ms) && key(ms[j]) == key(ms[i]) {
			j++
		}
		group := append([]catalog.ModelInfo(nil), ms[i:j]...)
		for len(group) > 0 {
			pick := 0
			for k := range group {
				if group[k].Provider != prevProvider {
					pick = k
					break
				}
			}
			out = append(out, group[pick].ID)
			prevProvider = group[pick].Provider
			group = append(group[:pick], group[pick+1:]...)
		}
		i = j
	}
	return out
}

// Healthy reports whether model can take the next request: it must be in
// the catalog, have a configured adapter, pass the breaker gate, and answer
// a bounded availability probe. Probe outcomes feed the breaker when one is
// installed.
func (r *Router) Healthy(ctx context.Context, model string) bool {
	info, ok := r.catalog.Get(model)
	if !ok {
		return false
	}
	ad, ok := r.adapters[info.Provider]
	if !ok {
		return false
	}

	if r.breaker != nil && !r.breaker.Allow(model) {
		slog.WarnContext(ctx, "breaker_open",
			slog.String("model", model),
			slog.String("state", r.breaker.StateLabel(model)),
		)
		return false
	}

	ok = r.probeWithRetry(ctx, ad, info)
	if r.breaker != nil {
		if ok {
			r.breaker.RecordSuccess(model)
		} else {
			r.breaker.RecordFailure(model)
		}
	}
	return ok
}

// probeWithRetry runs Available up to retries+1 times with exponential
// backoff and jitter between attempts. The parent context cancels the whole
// sequence.
func (r *Router) probeWithRetry(ctx context.Context, ad upstream.Adapter, info catalog.ModelInfo) bool {
	attempts := r.probe.retries() + 1
	base := r.probe.backoffBase()

	for attempt := 1; attempt <= attempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, r.probe.timeout())
		ok := ad.Available(probeCtx, info.Native())
		cancel()
		if ok {
			return true
		}
		if ctx.Err() != nil || attempt == attempts {
			return false
		}

		delay := base << (attempt - 1)
		delay += rand.N(base/2 + 1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
	}
	return false
}

// Select walks the candidate order and returns the first healthy model.
func (r *Router) Select(ctx context.Context, req *upstream.ModelRequest) (string, error) {
	ids, _, err := r.Candidates(req)
	if err != nil {
		return "", err
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return "", fmt.Errorf("router: %w", ctx.Err())
		}
		if r.Healthy(ctx, id) {
			return id, nil
		}
		slog.DebugContext(ctx, "candidate_unhealthy", slog.String("model", id))
	}

	return "", apierr.New(apierr.KindNoModelAvailable, "no healthy model available")
}

// Adapter resolves the adapter and catalog entry for model.
func (r *Router) Adapter(model string) (upstream.Adapter, catalog.ModelInfo, bool) {
	info, ok := r.catalog.Get(model)
	if !ok {
		return nil, catalog.ModelInfo{}, false
	}
	ad, ok := r.adapters[info.Provider]
	return ad, info, ok
}
