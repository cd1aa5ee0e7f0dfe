// Package ratelimit bounds request rates with Redis sliding windows.
//
// Two scopes share one window algorithm: a per-owner requests-per-minute
// bound applied to every request, and a per-endpoint bound applied when a
// custom endpoint carries rate_limit_rpm. Redis failures surface to the
// caller; the gateway fails open so a broken Redis never blocks traffic.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindow is an atomic sliding-window check over a sorted set.
// KEYS[1] = window key
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns 1 when the request is admitted, 0 when the window is full.
var slidingWindow = redis.NewScript(`
	local key    = KEYS[1]
	local now    = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit  = tonumber(ARGV[3])

	-- Drop entries that slid out of the window.
	redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

	local count = redis.call('ZCARD', key)
	if count >= limit then
		return 0
	end

	-- Member must stay unique for same-nanosecond arrivals.
	local member = tostring(now) .. tostring(math.random(1, 1000000))
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is ns; PEXPIRE wants ms
	return 1
`)

// Window is the sliding window size shared by both scopes.
const Window = time.Minute

// Limiter enforces per-owner and per-endpoint RPM bounds.
type Limiter struct {
	rdb      *redis.Client
	ownerRPM int
}

// NewLimiter creates a Limiter with the given default per-owner RPM.
// ownerRPM must be > 0; values <= 0 block every owner.
func NewLimiter(rdb *redis.Client, ownerRPM int) *Limiter {
	return &Limiter{rdb: rdb, ownerRPM: ownerRPM}
}

// AllowOwner admits or rejects a request against the owner's window.
func (l *Limiter) AllowOwner(ctx context.Context, owner string) (bool, error) {
	return l.allow(ctx, "rl:owner:"+owner, l.ownerRPM)
}

// AllowEndpoint admits or rejects a request against a custom endpoint's
// window, using the endpoint's own limit. A limit of zero means the
// endpoint is unbounded.
func (l *Limiter) AllowEndpoint(ctx context.Context, endpointID string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	return l.allow(ctx, "rl:ep:"+endpointID, limit)
}

func (l *Limiter) allow(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()

	res, err := slidingWindow.Run(ctx, l.rdb,
		[]string{key},
		now, Window.Nanoseconds(), limit,
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: %s: %w", key, err)
	}
	return res == 1, nil
}
