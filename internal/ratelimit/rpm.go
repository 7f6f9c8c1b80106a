// Package ratelimit implements the gateway's global and per-provider
// requests-per-minute limits using Redis sliding window counters with
// atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const (
	globalKey         = "ratelimit:global:rpm"
	providerKeyPrefix = "ratelimit:provider:rpm:"
)

// RPMLimiter enforces a global requests-per-minute limit plus optional
// per-provider limits, each tracked in its own Redis sliding window. A
// request is admitted only when every applicable window has room; windows
// are checked global-first so a globally-rejected request never consumes a
// slot in the provider's window.
type RPMLimiter struct {
	rdb         *redis.Client
	globalLimit int
	perProvider map[string]int
}

// NewRPMLimiter creates an RPMLimiter with the given global RPM limit.
// globalLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb *redis.Client, globalLimit int) *RPMLimiter {
	return &RPMLimiter{
		rdb:         rdb,
		globalLimit: globalLimit,
		perProvider: make(map[string]int),
	}
}

// SetProviderLimit adds a per-provider RPM ceiling layered under the global
// one. Call during startup wiring, before traffic — the map is not guarded.
func (r *RPMLimiter) SetProviderLimit(provider string, limit int) {
	if limit > 0 {
		r.perProvider[provider] = limit
	}
}

// Allow reports whether a request bound for provider is within both the
// global window and (when configured) the provider's own window.
func (r *RPMLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	allowed, err := r.check(ctx, globalKey, r.globalLimit)
	if err != nil || !allowed {
		return allowed, err
	}

	if limit, ok := r.perProvider[provider]; ok {
		return r.check(ctx, providerKeyPrefix+provider, limit)
	}
	return true, nil
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, window, limit,
	).Int()
	if err != nil {
		// Redis unavailable — allow request (graceful degradation).
		return true, nil
	}

	return result == 1, nil
}
