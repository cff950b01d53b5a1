// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// The gateway binary wires the OpenAI-compatible LLM gateway: Postgres
// knowledge store, Weaviate vector index, provider adapters, the context
// builder, the memory pipeline, and the HTTP surface.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianGateway/services/gateway/auth"
	"github.com/AleutianAI/AleutianGateway/services/gateway/blobstore"
	"github.com/AleutianAI/AleutianGateway/services/gateway/config"
	"github.com/AleutianAI/AleutianGateway/services/gateway/contextbuilder"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/embedcache"
	"github.com/AleutianAI/AleutianGateway/services/gateway/handlers"
	"github.com/AleutianAI/AleutianGateway/services/gateway/jobs"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
	"github.com/AleutianAI/AleutianGateway/services/gateway/memory"
	"github.com/AleutianAI/AleutianGateway/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGateway/services/gateway/ratelimit"
	"github.com/AleutianAI/AleutianGateway/services/gateway/routes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/telemetry"
	"github.com/AleutianAI/AleutianGateway/services/gateway/usage"
	"github.com/AleutianAI/AleutianGateway/services/gateway/vectorstore"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

const shutdownGrace = 15 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		log.Fatalf("FATAL: telemetry init failed: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryShutdown(shutdownCtx); err != nil {
			slog.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	// --- Knowledge store (Postgres) ---
	db, err := knowledge.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: could not open the knowledge database: %v", err)
	}
	if err := knowledge.Migrate(db); err != nil {
		// An unapplied or unknown migration means the binary and the
		// schema disagree; refusing to boot beats corrupting rows.
		log.Fatalf("FATAL: schema migration check failed: %v", err)
	}
	store := knowledge.NewStore(db, logger)

	// --- Vector index (Weaviate) ---
	weaviateClient, err := vectorstore.NewClient(cfg.WeaviateURL)
	if err != nil {
		log.Fatalf("FATAL: could not create the Weaviate client: %v", err)
	}
	if err := datatypes.EnsureWeaviateSchema(ctx, weaviateClient); err != nil {
		log.Fatalf("FATAL: Weaviate schema check failed: %v", err)
	}
	vectors := vectorstore.NewWeaviateStore(weaviateClient)

	// --- Provider adapters ---
	client, err := newLLMClient(cfg.LLMBackendType)
	if err != nil {
		log.Fatalf("FATAL: could not initialize the LLM client: %v", err)
	}

	var embedder llm.EmbeddingProvider
	embedder, err = llm.NewOpenAIEmbedding()
	if err != nil {
		log.Fatalf("FATAL: could not initialize the embedding client: %v", err)
	}
	if cfg.EmbedCacheDir != "" {
		cache, err := embedcache.Open(embedcache.Config{Path: cfg.EmbedCacheDir, Logger: logger})
		if err != nil {
			// The cache is an optimization; a broken cache directory
			// should not keep the gateway down.
			slog.Warn("Embedding cache unavailable, continuing without it",
				"dir", cfg.EmbedCacheDir, "error", err)
		} else {
			defer cache.Close()
			embedder = embedcache.NewCachedProvider(embedder, cache)
		}
	}

	// --- Blob storage for oversized RAW variants ---
	var blobs blobstore.BlobStore
	if cfg.GCSBucket != "" {
		gcs, err := blobstore.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSSAKeyPath)
		if err != nil {
			log.Fatalf("FATAL: could not initialize GCS blob storage: %v", err)
		}
		blobs = gcs
	} else {
		slog.Info("GCS_BUCKET not set; RAW variants stay inline")
	}

	// --- Rate limiting ---
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("FATAL: invalid REDIS_URL: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	} else {
		slog.Info("REDIS_URL not set; rate limiting uses in-process buckets only")
	}
	limiter := ratelimit.NewRedisLimiter(redisClient, logger)

	// --- Usage accounting ---
	pricing, err := usage.LoadPricing(cfg.PricingPath, logger)
	if err != nil {
		log.Fatalf("FATAL: could not load the pricing table: %v", err)
	}
	defer pricing.Close()

	var sink usage.Sink
	if cfg.InfluxEnabled() {
		influx := usage.NewInfluxSink(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket, logger)
		defer influx.Close()
		sink = influx
	}
	tracker := usage.NewTracker(store, pricing, sink, logger)

	// --- Jobs ---
	locks := knowledge.NewSessionLocks()
	summarizer := jobs.NewSummarizer(store, vectors, embedder, client, cfg.OpenAIModel, blobs, locks, logger)

	var classifier jobs.ContradictionClassifier
	if cfg.RelationshipContradictionEnabled {
		classifier = jobs.NewLLMClassifier(client, cfg.OpenAIModel, logger)
	}
	discovery := jobs.NewDiscovery(store, vectors, classifier, config.JobObjectTimeout, logger)

	// --- Memory pipeline ---
	extractor := memory.NewLLMExtractor(client, cfg.OpenAIModel, logger)
	summarize := func(ctx context.Context, tenantID, sessionID string) {
		if _, err := summarizer.Run(ctx, tenantID, sessionID); err != nil {
			slog.Warn("Triggered summarization failed",
				"tenant_id", tenantID, "session_id", sessionID, "error", err)
		}
	}
	pipeline := memory.NewPipeline(store, vectors, embedder, blobs, extractor, locks, summarize,
		memory.PipelineConfig{
			QueueSize:    cfg.MemoryQueueSize,
			WorkerCount:  cfg.MemoryWorkerCount,
			InlineMax:    cfg.VariantInlineMax,
			TurnInterval: cfg.SummarizeTurnInterval,
			TokenDelta:   cfg.SummarizeTokenThreshold,
		}, logger)
	pipeline.Start()

	// --- Context builder ---
	builder := contextbuilder.NewBuilder(store, vectors, embedder, blobs, contextbuilder.Config{
		TokenBudget:   cfg.ContextTokenBudget,
		RetrievalK:    cfg.ContextRetrievalK,
		MMRDiversity:  cfg.ContextMMRDiversity,
		RecencyDecay:  cfg.ContextRecencyDecay,
		MicroQuoteCap: cfg.ContextMicroQuoteCap,
	}, logger)

	// --- HTTP surface ---
	authenticator := auth.NewAuthenticator(store, logger)

	deps := routes.Deps{
		Chat:      handlers.NewChatHandler(client, embedder, builder, pipeline, tracker, logger),
		Knowledge: handlers.NewKnowledgeHandler(store, vectors, embedder, blobs, cfg.VariantInlineMax, logger),
		Jobs:      handlers.NewJobsHandler(discovery, summarizer, store, logger),
		Health:    handlers.NewHealthHandler(store, vectors, redisClient, cfg.LLMBackendType, cfg.EmbeddingModel, logger),

		Auth:     authenticator,
		Limiter:  limiter,
		ChatTier: ratelimit.Tier{Name: ratelimit.TierChat, PerMinute: cfg.RateLimitPerMinute, Burst: cfg.RateLimitBurst},
		JobsTier: ratelimit.Tier{Name: ratelimit.TierJobs, PerMinute: cfg.JobRatePerMinute(), Burst: cfg.JobRateBurst()},

		Saturated: func(c *gin.Context, tenantID string, perMinuteCap, perHourCap int64) (bool, error) {
			return tracker.WindowSaturated(c.Request.Context(), tenantID, perMinuteCap, perHourCap)
		},
		PlanCaps: middleware.DefaultPlanCaps(),

		CORSOrigins: cfg.CORSAllowedOrigins,
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	routes.SetupRoutes(router, deps)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Starting the gateway server", "port", cfg.Port, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("FATAL: server failed: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	// Drain queued exchanges after the listener closes so in-flight
	// responses can still enqueue theirs.
	if err := pipeline.Stop(shutdownCtx); err != nil {
		slog.Warn("Memory pipeline drain incomplete", "error", err)
	}
	slog.Info("Gateway stopped")
}

// newLLMClient selects the chat adapter. Adapters read their own endpoint
// variables, so this only dispatches on the backend name.
func newLLMClient(backendType string) (llm.LLMClient, error) {
	switch backendType {
	case "openai":
		return llm.NewOpenAIClient()
	case "ollama":
		return llm.NewOllamaClient()
	case "local":
		return llm.NewLocalLlamaCppClient()
	case "claude", "anthropic":
		return llm.NewAnthropicClient()
	default:
		slog.Warn("LLM_BACKEND_TYPE not set or invalid, defaulting to openai", "value", backendType)
		return llm.NewOpenAIClient()
	}
}
