// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ratelimit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatTier() Tier {
	return Tier{Name: TierChat, PerMinute: 60, Burst: 120}
}

// A nil Redis client pins the limiter to local buckets, which is the
// deterministic path the unit tests exercise.

func TestAllowLocal_BurstThenDeny(t *testing.T) {
	l := NewRedisLimiter(nil, quietLogger())
	ctx := context.Background()
	tier := chatTier()

	for i := 0; i < tier.Burst; i++ {
		d := l.Allow(ctx, tier, "tenant-1:key-1")
		require.True(t, d.Allowed, "request %d within burst must pass", i+1)
	}

	d := l.Allow(ctx, tier, "tenant-1:key-1")
	assert.False(t, d.Allowed, "request %d exceeds burst", tier.Burst+1)
	assert.GreaterOrEqual(t, d.RetryAfterSeconds(), 1,
		"denials must carry a usable Retry-After hint")
}

func TestAllowLocal_KeysAreIndependent(t *testing.T) {
	l := NewRedisLimiter(nil, quietLogger())
	ctx := context.Background()
	tier := chatTier()

	for i := 0; i < tier.Burst; i++ {
		l.Allow(ctx, tier, "tenant-1:key-1")
	}
	require.False(t, l.Allow(ctx, tier, "tenant-1:key-1").Allowed)

	// A different caller still has a full bucket.
	assert.True(t, l.Allow(ctx, tier, "tenant-2:key-9").Allowed)
}

func TestAllowLocal_TiersAreIndependent(t *testing.T) {
	l := NewRedisLimiter(nil, quietLogger())
	ctx := context.Background()

	small := Tier{Name: TierChat, PerMinute: 60, Burst: 2}
	jobs := Tier{Name: TierJobs, PerMinute: 300, Burst: 600}

	l.Allow(ctx, small, "tenant-1")
	l.Allow(ctx, small, "tenant-1")
	require.False(t, l.Allow(ctx, small, "tenant-1").Allowed)

	// The same tenant key under the jobs tier is a separate bucket.
	assert.True(t, l.Allow(ctx, jobs, "tenant-1").Allowed)
}

func TestRetryAfterSeconds_NeverBelowOne(t *testing.T) {
	d := Decision{Allowed: false, RetryAfter: 200 * time.Millisecond}
	assert.Equal(t, 1, d.RetryAfterSeconds())

	d = Decision{Allowed: false, RetryAfter: 3 * time.Second}
	assert.Equal(t, 3, d.RetryAfterSeconds())
}

func TestLocalLimiter_CapEvictsOldest(t *testing.T) {
	ll := newLocalLimiter()
	tier := chatTier()

	for i := 0; i < localBucketCap+10; i++ {
		ll.allow(tier, fmt.Sprintf("key-%d", i))
	}

	ll.mu.Lock()
	defer ll.mu.Unlock()
	assert.LessOrEqual(t, len(ll.entries), localBucketCap,
		"bucket map must stay bounded")
	assert.Equal(t, ll.order.Len(), len(ll.entries))
}
