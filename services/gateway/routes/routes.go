// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes mounts the gateway's HTTP surface.
//
// # Description
//
// Three route classes with distinct middleware chains:
//
//	open    /health, /metrics, /v1/models   request id only (models also
//	                                        draws from the anonymous bucket)
//	chat    /v1/...                         auth → chat-tier bucket → plan caps
//	jobs    /jobs/...                       auth → jobs-tier bucket
//
// CORS applies to the /v1 group so browser clients can call the
// OpenAI-compatible surface directly.
package routes

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianGateway/services/gateway/auth"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/handlers"
	"github.com/AleutianAI/AleutianGateway/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGateway/services/gateway/ratelimit"
	"github.com/AleutianAI/AleutianGateway/services/gateway/telemetry"
)

// Deps carries everything the router mounts. All handler and middleware
// fields are required except Saturated, which disables plan-window caps
// when nil.
type Deps struct {
	Chat      *handlers.ChatHandler
	Knowledge *handlers.KnowledgeHandler
	Jobs      *handlers.JobsHandler
	Health    *handlers.HealthHandler

	Auth     auth.Authenticator
	Limiter  ratelimit.Limiter
	ChatTier ratelimit.Tier
	JobsTier ratelimit.Tier

	// Saturated adapts the usage tracker's trailing-window query for the
	// plan-cap middleware.
	Saturated middleware.WindowSaturatedFunc
	PlanCaps  map[datatypes.Plan]middleware.PlanCaps

	// CORSOrigins for the /v1 group; empty or ["*"] allows every origin.
	CORSOrigins []string
}

// SetupRoutes registers every endpoint and its middleware chain on router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	if deps.Chat == nil || deps.Knowledge == nil || deps.Jobs == nil || deps.Health == nil {
		panic("routes: all handlers must be provided")
	}
	if deps.Auth == nil {
		panic("routes: authenticator must be provided")
	}
	if deps.Limiter == nil {
		panic("routes: rate limiter must be provided")
	}

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(otelgin.Middleware("gateway-service"))

	router.GET("/health", deps.Health.HandleHealth)

	// The telemetry handler exists once Init ran with the prometheus
	// exporter; the default-registry handler still serves the domain
	// metrics when it did not.
	metricsHandler := telemetry.MetricsHandler()
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	router.GET("/metrics", gin.WrapH(metricsHandler))

	v1 := router.Group("/v1")
	v1.Use(corsMiddleware(deps.CORSOrigins))

	// Model listing stays unauthenticated so clients can discover what the
	// gateway serves before they hold a key.
	v1.GET("/models", middleware.RateLimit(deps.Limiter, deps.ChatTier), deps.Chat.HandleModels)

	authed := v1.Group("")
	authed.Use(middleware.RequireAuth(deps.Auth))
	authed.Use(middleware.RateLimit(deps.Limiter, deps.ChatTier))
	if deps.Saturated != nil {
		authed.Use(middleware.PlanWindowCap(deps.Saturated, deps.PlanCaps))
	}
	{
		authed.POST("/chat/completions", deps.Chat.HandleChatCompletions)
		authed.GET("/chat/ws", deps.Chat.HandleChatWS)
		authed.POST("/embeddings", deps.Chat.HandleEmbeddings)

		knowledge := authed.Group("/knowledge")
		{
			knowledge.GET("/search", deps.Knowledge.HandleSearch)
			knowledge.POST("/objects", deps.Knowledge.HandleCreateObject)
			knowledge.GET("/objects", deps.Knowledge.HandleListObjects)
			knowledge.GET("/objects/:id", deps.Knowledge.HandleGetObject)
			knowledge.PUT("/objects/:id", deps.Knowledge.HandleUpdateObject)
			knowledge.DELETE("/objects/:id", deps.Knowledge.HandleDeleteObject)
			knowledge.GET("/objects/:id/relationships", deps.Knowledge.HandleGetRelationships)
		}
	}

	jobs := router.Group("/jobs")
	jobs.Use(middleware.RequireAuth(deps.Auth))
	jobs.Use(middleware.RateLimit(deps.Limiter, deps.JobsTier))
	{
		jobs.POST("/relationship-discovery", deps.Jobs.HandleRelationshipDiscovery)
		jobs.POST("/session-summarize", deps.Jobs.HandleSessionSummarize)
	}
}

// corsMiddleware builds the /v1 CORS policy. The wildcard configuration
// cannot also allow credentials, which is fine: the gateway authenticates
// with bearer keys, not cookies.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposeHeaders:   []string{middleware.RequestIDHeader, "Retry-After"},
		AllowWebSockets: true,
		MaxAge:          12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
