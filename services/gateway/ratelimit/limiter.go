// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ratelimit implements per-key token buckets shared across
// gateway replicas.
//
// # Description
//
// The primary bucket state lives in Redis and is advanced by an atomic
// Lua script, so concurrent replicas never double-spend. When Redis is
// unreachable the limiter opens a circuit for 30 seconds and serves
// decisions from per-key in-process buckets instead; an infrastructure
// failure must never turn into a 429 for the caller.
//
// # Tiers
//
// Chat and embeddings share one bucket per (tenant, api key); job
// endpoints use a separate, higher bucket. Tier defaults follow plan
// configuration at construction.
package ratelimit

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
)

const (
	// circuitOpenFor is how long the limiter stays on local buckets
	// after a Redis failure before probing again.
	circuitOpenFor = 30 * time.Second

	// localBucketCap bounds the in-process fallback map.
	localBucketCap = 10000
)

// TierChat and TierJobs name the two bucket tiers.
const (
	TierChat = "chat"
	TierJobs = "jobs"
)

// Tier describes one bucket class.
type Tier struct {
	Name      string
	PerMinute int
	Burst     int
}

// ratePerSecond converts the steady rate for bucket math.
func (t Tier) ratePerSecond() float64 {
	return float64(t.PerMinute) / 60.0
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool

	// RetryAfter is how long until one token refills; only meaningful
	// when Allowed is false. Rounded up to whole seconds at the HTTP
	// header, never below 1s.
	RetryAfter time.Duration
}

// RetryAfterSeconds renders the header value.
func (d Decision) RetryAfterSeconds() int {
	secs := int(d.RetryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter decides whether a caller may proceed.
type Limiter interface {
	Allow(ctx context.Context, tier Tier, key string) Decision
}

// =============================================================================
// Redis Token Bucket
// =============================================================================

// bucketScript advances a token bucket atomically. State is a hash of
// {tokens, ts}; the key expires once the bucket would be full again so
// idle callers cost nothing.
//
// KEYS[1]  bucket key
// ARGV[1]  refill rate (tokens/second)
// ARGV[2]  burst capacity
// ARGV[3]  now (seconds, float)
// Returns  {allowed (0|1), retry_after_seconds (string)}
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local rateps = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now
end

local elapsed = now - ts
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * rateps
if tokens > burst then tokens = burst end

local allowed = 0
local retry = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
else
  retry = (1 - tokens) / rateps
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, math.ceil(burst / rateps) * 2)
return {allowed, tostring(retry)}
`)

// RedisLimiter is the production limiter: Redis primary, local fallback.
type RedisLimiter struct {
	client *redis.Client
	logger *slog.Logger

	// circuit state
	circuitMu sync.Mutex
	openUntil time.Time

	local *localLimiter
}

// NewRedisLimiter builds the limiter. A nil client is allowed and pins
// the limiter to local buckets, which is how single-replica deployments
// without Redis run.
func NewRedisLimiter(client *redis.Client, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		client: client,
		logger: logger,
		local:  newLocalLimiter(),
	}
}

// Allow implements Limiter.
//
// # Description
//
// Tries the shared Redis bucket first. Any Redis error opens the
// circuit for 30 seconds and the decision comes from the local bucket;
// the caller is never rejected because Redis is down, only because a
// bucket (shared or local) is actually empty.
func (l *RedisLimiter) Allow(ctx context.Context, tier Tier, key string) Decision {
	if l.client == nil || l.circuitOpen() {
		return l.allowLocal(tier, key)
	}

	decision, err := l.allowRedis(ctx, tier, key)
	if err != nil {
		l.openCircuit(err)
		return l.allowLocal(tier, key)
	}
	return decision
}

func (l *RedisLimiter) allowRedis(ctx context.Context, tier Tier, key string) (Decision, error) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	bucketKey := fmt.Sprintf("aleutian:ratelimit:%s:%s", tier.Name, key)

	res, err := bucketScript.Run(ctx, l.client, []string{bucketKey},
		tier.ratePerSecond(), tier.Burst, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("rate limit script returned unexpected shape %T", res)
	}
	allowed, _ := vals[0].(int64)
	retryStr, _ := vals[1].(string)

	var retry time.Duration
	if retryStr != "" && retryStr != "0" {
		var secs float64
		if _, err := fmt.Sscanf(retryStr, "%f", &secs); err == nil {
			retry = time.Duration(secs * float64(time.Second))
		}
	}
	return Decision{Allowed: allowed == 1, RetryAfter: retry}, nil
}

func (l *RedisLimiter) circuitOpen() bool {
	l.circuitMu.Lock()
	defer l.circuitMu.Unlock()
	return time.Now().Before(l.openUntil)
}

func (l *RedisLimiter) openCircuit(cause error) {
	l.circuitMu.Lock()
	defer l.circuitMu.Unlock()
	if time.Now().Before(l.openUntil) {
		return
	}
	l.openUntil = time.Now().Add(circuitOpenFor)
	l.logger.Warn("Rate limiter falling back to local buckets",
		"degraded", true,
		"fallback", "local",
		"open_for", circuitOpenFor.String(),
		"error", cause,
	)
}

func (l *RedisLimiter) allowLocal(tier Tier, key string) Decision {
	if m := observability.DefaultMetrics; m != nil && l.client != nil {
		m.RateLimitFallbackTotal.Inc()
	}
	return l.local.allow(tier, key)
}

// =============================================================================
// Local Fallback Buckets
// =============================================================================

// localLimiter keeps per-key x/time/rate buckets in an LRU-capped map.
type localLimiter struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type localEntry struct {
	key string
	lim *rate.Limiter
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (l *localLimiter) allow(tier Tier, key string) Decision {
	lim := l.limiterFor(tier, key)
	if lim.Allow() {
		return Decision{Allowed: true}
	}
	// Time until one token refills at the steady rate.
	retry := time.Duration(float64(time.Second) / tier.ratePerSecond())
	return Decision{Allowed: false, RetryAfter: retry}
}

func (l *localLimiter) limiterFor(tier Tier, key string) *rate.Limiter {
	mapKey := tier.Name + ":" + key

	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.entries[mapKey]; ok {
		l.order.MoveToFront(elem)
		return elem.Value.(*localEntry).lim
	}

	lim := rate.NewLimiter(rate.Limit(tier.ratePerSecond()), tier.Burst)
	elem := l.order.PushFront(&localEntry{key: mapKey, lim: lim})
	l.entries[mapKey] = elem

	for len(l.entries) > localBucketCap {
		oldest := l.order.Back()
		if oldest == nil {
			break
		}
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(*localEntry).key)
	}
	return lim
}
