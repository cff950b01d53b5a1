// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGateway/services/gateway/auth"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/ratelimit"
)

// mockLimiter records keys and returns a canned decision.
type mockLimiter struct {
	decision ratelimit.Decision
	lastTier string
	lastKey  string
}

func (m *mockLimiter) Allow(_ context.Context, tier ratelimit.Tier, key string) ratelimit.Decision {
	m.lastTier = tier.Name
	m.lastKey = key
	return m.decision
}

func limitTestRouter(limiter ratelimit.Limiter, info *auth.AuthInfo) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if info != nil {
			SetAuthInfo(c, info)
		}
	})
	r.Use(RateLimit(limiter, ratelimit.Tier{Name: ratelimit.TierChat, PerMinute: 60, Burst: 120}))
	r.GET("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestRateLimit_AllowedPassesThrough(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: true}}
	r := limitTestRouter(lim, &auth.AuthInfo{TenantID: "tenant-1", APIKeyID: "key-1"})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/probe", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tenant-1:key-1", lim.lastKey)
	assert.Equal(t, ratelimit.TierChat, lim.lastTier)
}

func TestRateLimit_DeniedAnswers429WithRetryAfter(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 2500 * time.Millisecond}}
	r := limitTestRouter(lim, &auth.AuthInfo{TenantID: "tenant-1", APIKeyID: "key-1"})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/probe", nil))

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	apiErr := decodeEnvelope(t, w.Body.Bytes())
	assert.Equal(t, datatypes.ErrorRateLimited, apiErr.Type)
}

func TestRateLimit_RetryAfterNeverBelowOneSecond(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 10 * time.Millisecond}}
	r := limitTestRouter(lim, &auth.AuthInfo{TenantID: "tenant-1", APIKeyID: "key-1"})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/probe", nil))

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRateLimit_UnauthenticatedRouteUsesSharedKey(t *testing.T) {
	lim := &mockLimiter{decision: ratelimit.Decision{Allowed: true}}
	r := limitTestRouter(lim, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/probe", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anonymous", lim.lastKey)
}

// =============================================================================
// PlanWindowCap Tests
// =============================================================================

func planCapRouter(saturated WindowSaturatedFunc, info *auth.AuthInfo) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) { SetAuthInfo(c, info) })
	r.Use(PlanWindowCap(saturated, DefaultPlanCaps()))
	r.GET("/probe", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestPlanWindowCap_SaturatedFreeTenantIs429(t *testing.T) {
	var gotTenant string
	var gotMinute, gotHour int64
	saturated := func(_ *gin.Context, tenantID string, perMinuteCap, perHourCap int64) (bool, error) {
		gotTenant = tenantID
		gotMinute, gotHour = perMinuteCap, perHourCap
		return true, nil
	}
	r := planCapRouter(saturated, &auth.AuthInfo{TenantID: "tenant-free", Plan: datatypes.PlanFree})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/probe", nil))

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "tenant-free", gotTenant)
	assert.Equal(t, int64(30), gotMinute)
	assert.Equal(t, int64(600), gotHour)
}

func TestPlanWindowCap_UncappedPlanSkipsCheck(t *testing.T) {
	called := false
	saturated := func(_ *gin.Context, _ string, _, _ int64) (bool, error) {
		called = true
		return true, nil
	}
	r := planCapRouter(saturated, &auth.AuthInfo{TenantID: "tenant-sub", Plan: datatypes.PlanSubscription})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/probe", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, called)
}

func TestPlanWindowCap_CountFailureAllowsRequest(t *testing.T) {
	saturated := func(_ *gin.Context, _ string, _, _ int64) (bool, error) {
		return false, fmt.Errorf("usage store down")
	}
	r := planCapRouter(saturated, &auth.AuthInfo{TenantID: "tenant-free", Plan: datatypes.PlanFree})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/probe", nil))

	require.Equal(t, http.StatusOK, w.Code)
}
