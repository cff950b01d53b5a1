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
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/ratelimit"
)

// PlanCaps are trailing-window request caps enforced on top of the token
// bucket. Zero means uncapped.
type PlanCaps struct {
	PerMinute int64
	PerHour   int64
}

// DefaultPlanCaps caps FREE tenants with a hard trailing window; paid
// plans rely on the bucket alone.
func DefaultPlanCaps() map[datatypes.Plan]PlanCaps {
	return map[datatypes.Plan]PlanCaps{
		datatypes.PlanFree: {PerMinute: 30, PerHour: 600},
	}
}

// RateLimit gates requests through the shared token bucket.
//
// # Description
//
// Buckets are keyed by (tenant, api key) so one leaked key cannot starve
// a tenant's other integrations. Denials answer 429 with a Retry-After
// header rounded up to whole seconds. Routes mounted without auth fall
// back to a shared anonymous bucket, which only /v1/models uses.
//
// # Inputs
//
//   - limiter: the bucket implementation. Must not be nil.
//   - tier: which bucket class this route group draws from.
func RateLimit(limiter ratelimit.Limiter, tier ratelimit.Tier) gin.HandlerFunc {
	if limiter == nil {
		panic("middleware: limiter must not be nil")
	}
	return func(c *gin.Context) {
		key := "anonymous"
		if info := GetAuthInfo(c); info != nil {
			key = info.TenantID + ":" + info.APIKeyID
		}

		decision := limiter.Allow(c.Request.Context(), tier, key)
		if !decision.Allowed {
			rejectRateLimited(c, tier.Name, decision.RetryAfterSeconds())
			return
		}
		c.Next()
	}
}

// WindowSaturatedFunc adapts the usage tracker's saturation query so the
// middleware does not import the usage package.
type WindowSaturatedFunc func(c *gin.Context, tenantID string, perMinuteCap, perHourCap int64) (bool, error)

// PlanWindowCap enforces plan-level trailing-window caps after the bucket.
//
// # Description
//
// The bucket smooths bursts; this middleware enforces the plan table's
// absolute ceilings by counting usage rows over the trailing minute and
// hour. A failed count is logged by the caller-provided func and treated
// as unsaturated, because a usage-store outage must not turn into a 429.
func PlanWindowCap(saturated WindowSaturatedFunc, caps map[datatypes.Plan]PlanCaps) gin.HandlerFunc {
	if saturated == nil {
		panic("middleware: saturation func must not be nil")
	}
	return func(c *gin.Context) {
		info := GetAuthInfo(c)
		if info == nil {
			c.Next()
			return
		}
		limits, ok := caps[info.Plan]
		if !ok || (limits.PerMinute == 0 && limits.PerHour == 0) {
			c.Next()
			return
		}

		full, err := saturated(c, info.TenantID, limits.PerMinute, limits.PerHour)
		if err != nil || !full {
			c.Next()
			return
		}
		rejectRateLimited(c, "plan", 60)
	}
}

func rejectRateLimited(c *gin.Context, tier string, retryAfterSeconds int) {
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRateLimitRejection(tier)
	}
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
	apiErr := datatypes.NewRateLimited("rate limit exceeded")
	c.AbortWithStatusJSON(apiErr.HTTPStatus(), apiErr.Envelope())
}
