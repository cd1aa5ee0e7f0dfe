// Package cache provides response caching for the gateway.
//
// Two storage backends are available:
//   - RedisStore  — Redis-backed, recommended for multi-replica deployments.
//   - MemoryStore — in-process TTL store, zero external dependencies.
//     Ideal for single-instance deployments or local development.
//
// Both implement the Store interface so they are fully interchangeable.
// ResponseCache layers request fingerprinting, the cache policy, and
// model-level bypass rules on top of a Store.
package cache

import (
	"context"
	"time"

	"github.com/relaypoint/model-gateway/internal/upstream"
)

// Store is the byte-level backend contract.
//
// Get returns (nil, false) on a miss. Scan visits every live entry and stops
// early when fn returns false; it exists so Invalidate can match on fields
// stored inside the value.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, fn func(key string, value []byte) bool) error
	Close() error
}

// KeyStrategy selects how requests are canonicalized before hashing.
type KeyStrategy string

const (
	// KeyExact fingerprints the full message list, order-normalized.
	KeyExact KeyStrategy = "exact"

	// KeySemantic fingerprints only the user messages, lowercased and
	// whitespace-trimmed, so cosmetic rephrasings of the surrounding turns
	// still hit.
	KeySemantic KeyStrategy = "semantic"
)

// Valid reports whether s is a known strategy. Empty means KeyExact.
func (s KeyStrategy) Valid() bool {
	switch s {
	case "", KeyExact, KeySemantic:
		return true
	}
	return false
}

// DefaultTTL applies when the policy does not set one.
const DefaultTTL = time.Hour

// Policy holds the runtime-tunable cache settings.
type Policy struct {
	Enabled           bool          `json:"enabled"`
	TTL               time.Duration `json:"-"`
	TTLSeconds        int           `json:"ttl_seconds"`
	KeyStrategy       KeyStrategy   `json:"key_strategy"`
	IgnoreTemperature bool          `json:"ignore_temperature"`
	IgnoreTopP        bool          `json:"ignore_top_p"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:     true,
		TTL:         DefaultTTL,
		KeyStrategy: KeyExact,
	}
}

func (p Policy) ttl() time.Duration {
	if p.TTL > 0 {
		return p.TTL
	}
	if p.TTLSeconds > 0 {
		return time.Duration(p.TTLSeconds) * time.Second
	}
	return DefaultTTL
}

func (p Policy) strategy() KeyStrategy {
	if p.KeyStrategy == "" {
		return KeyExact
	}
	return p.KeyStrategy
}

// Entry is the stored form of a cached completion. ModelID names the model
// that actually produced the response, which may differ from the requested
// model when the router fell back.
type Entry struct {
	ModelID   string                  `json:"model_id"`
	Response  *upstream.ModelResponse `json:"response"`
	Usage     upstream.Usage          `json:"token_usage"`
	CreatedAt time.Time               `json:"created_at"`
	ExpiresAt time.Time               `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Filter selects entries for Invalidate. The zero Filter matches everything.
type Filter struct {
	Model string `json:"model,omitempty"`
}

func (f Filter) empty() bool { return f.Model == "" }

func (f Filter) matches(e *Entry) bool {
	if f.empty() {
		return true
	}
	return e.ModelID == f.Model
}
