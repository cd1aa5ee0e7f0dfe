package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/relaypoint/model-gateway/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestAllowOwner_UnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	l := ratelimit.NewLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := l.AllowOwner(ctx, "acme")
		if err != nil {
			t.Fatalf("AllowOwner at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("blocked at iteration %d, want all %d admitted", i, limit)
		}
	}
}

func TestAllowOwner_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	l := ratelimit.NewLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if allowed, err := l.AllowOwner(ctx, "acme"); err != nil || !allowed {
			t.Fatalf("iteration %d: allowed=%v err=%v", i, allowed, err)
		}
	}

	allowed, err := l.AllowOwner(ctx, "acme")
	if err != nil {
		t.Fatalf("AllowOwner: %v", err)
	}
	if allowed {
		t.Error("request past the limit was admitted")
	}
}

func TestAllowOwner_WindowsAreIsolated(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 2
	l := ratelimit.NewLimiter(rdb, limit)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		if allowed, _ := l.AllowOwner(ctx, "acme"); !allowed {
			t.Fatalf("acme blocked at iteration %d", i)
		}
	}
	if allowed, _ := l.AllowOwner(ctx, "acme"); allowed {
		t.Fatal("acme not blocked past its limit")
	}

	// A different owner has its own window.
	if allowed, err := l.AllowOwner(ctx, "globex"); err != nil || !allowed {
		t.Errorf("globex: allowed=%v err=%v, want a fresh window", allowed, err)
	}
}

func TestAllowEndpoint_UsesOwnLimitAndWindow(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	l := ratelimit.NewLimiter(rdb, 1)
	ctx := context.Background()

	// Exhaust the owner window; the endpoint window is untouched.
	if allowed, _ := l.AllowOwner(ctx, "acme"); !allowed {
		t.Fatal("first owner request blocked")
	}
	if allowed, _ := l.AllowOwner(ctx, "acme"); allowed {
		t.Fatal("owner not blocked past its limit")
	}

	const epLimit = 2
	for i := 0; i < epLimit; i++ {
		allowed, err := l.AllowEndpoint(ctx, "ep-1", epLimit)
		if err != nil || !allowed {
			t.Fatalf("endpoint iteration %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	if allowed, _ := l.AllowEndpoint(ctx, "ep-1", epLimit); allowed {
		t.Error("endpoint not blocked past its limit")
	}
	if allowed, _ := l.AllowEndpoint(ctx, "ep-2", epLimit); !allowed {
		t.Error("second endpoint shares the first endpoint's window")
	}
}

func TestAllowEndpoint_ZeroLimitIsUnbounded(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup() // even a dead Redis must not matter

	l := ratelimit.NewLimiter(rdb, 1)
	allowed, err := l.AllowEndpoint(context.Background(), "ep-1", 0)
	if err != nil || !allowed {
		t.Fatalf("allowed=%v err=%v, want unconditional admit", allowed, err)
	}
}

func TestAllow_RedisDownSurfacesError(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	cleanup() // close Redis before the first call

	l := ratelimit.NewLimiter(rdb, 5)
	_, err := l.AllowOwner(context.Background(), "acme")
	if err == nil {
		t.Fatal("want an error when Redis is unavailable; the gateway decides to fail open")
	}
}
