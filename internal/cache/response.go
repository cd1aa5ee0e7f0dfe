package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/relaypoint/model-gateway/internal/upstream"
)

// ResponseCache stores completed (non-streamed) responses keyed by request
// fingerprint. It is safe for concurrent use; the policy can be swapped at
// runtime via Configure.
//
// Concurrent misses for the same fingerprint may both dispatch upstream and
// both write. The last writer wins, which is acceptable because responses
// for the same fingerprint are interchangeable.
type ResponseCache struct {
	mu     sync.RWMutex
	policy Policy

	store  Store
	bypass *BypassList
}

// Option configures a ResponseCache.
type Option func(*ResponseCache)

// WithPolicy sets the initial policy instead of DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(c *ResponseCache) { c.policy = p }
}

// WithBypassList installs model-level bypass rules.
func WithBypassList(bl *BypassList) Option {
	return func(c *ResponseCache) { c.bypass = bl }
}

// NewResponseCache creates a ResponseCache over the given store.
func NewResponseCache(store Store, opts ...Option) *ResponseCache {
	c := &ResponseCache{
		store:  store,
		policy: DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configure replaces the active policy.
func (c *ResponseCache) Configure(p Policy) {
	if p.TTL == 0 && p.TTLSeconds > 0 {
		p.TTL = time.Duration(p.TTLSeconds) * time.Second
	}
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
}

// Policy returns a snapshot of the active policy.
func (c *ResponseCache) Policy() Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// Bypassed reports whether model is on the bypass list.
func (c *ResponseCache) Bypassed(model string) bool {
	return c.bypass.Matches(model)
}

// Get returns the cached entry for req, or (nil, false) on a miss. Expired
// entries are deleted on access and reported as misses. Streaming requests
// and bypassed models never consult the store.
func (c *ResponseCache) Get(ctx context.Context, req *upstream.ModelRequest) (*Entry, bool) {
	p := c.Policy()
	if !c.usable(p, req) {
		return nil, false
	}

	key := Fingerprint(req, p)
	data, ok := c.store.Get(ctx, key)
	if !ok {
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		slog.WarnContext(ctx, "cache_decode_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		_ = c.store.Delete(ctx, key)
		return nil, false
	}

	if entry.Expired(time.Now()) {
		_ = c.store.Delete(ctx, key)
		return nil, false
	}

	return &entry, true
}

// Set stores resp for req with the policy TTL. It is a no-op when caching is
// disabled, the request streams, or the model is bypassed.
func (c *ResponseCache) Set(ctx context.Context, req *upstream.ModelRequest, resp *upstream.ModelResponse, usage upstream.Usage) {
	p := c.Policy()
	if !c.usable(p, req) || resp == nil {
		return
	}

	now := time.Now()
	entry := Entry{
		ModelID:   resp.Model,
		Response:  resp,
		Usage:     usage,
		CreatedAt: now,
		ExpiresAt: now.Add(p.ttl()),
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		slog.WarnContext(ctx, "cache_encode_error", slog.String("error", err.Error()))
		return
	}

	key := Fingerprint(req, p)
	_ = c.store.Set(ctx, key, data, p.ttl())
}

// Invalidate removes entries matching f and returns how many were removed.
// The zero Filter clears the whole cache.
func (c *ResponseCache) Invalidate(ctx context.Context, f Filter) (int, error) {
	var keys []string
	err := c.store.Scan(ctx, func(key string, data []byte) bool {
		var entry Entry
		if jsonErr := json.Unmarshal(data, &entry); jsonErr != nil {
			// Undecodable entries only go when clearing everything.
			if f.empty() {
				keys = append(keys, key)
			}
			return true
		}
		if f.matches(&entry) {
			keys = append(keys, key)
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		if delErr := c.store.Delete(ctx, key); delErr == nil {
			removed++
		}
	}

	slog.InfoContext(ctx, "cache_invalidated",
		slog.String("model", f.Model),
		slog.Int("removed", removed),
	)
	return removed, nil
}

func (c *ResponseCache) usable(p Policy, req *upstream.ModelRequest) bool {
	if !p.Enabled || req == nil || req.Stream {
		return false
	}
	return !c.bypass.Matches(req.Model)
}
