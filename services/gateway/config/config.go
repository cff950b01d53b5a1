// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config reads the gateway's environment into an immutable
// snapshot at startup.
//
// # Description
//
// Every knob is an environment variable with a sane default; credentials
// additionally fall back to container secret files (<NAME>_FILE, then
// /run/secrets/<name>). Nothing in this package re-reads the environment
// after Load returns, so a Config value can be passed around and closed
// over without data races. The one reloadable document, the pricing
// table, lives in the usage package instead.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	DefaultPort                 = "12300"
	DefaultContextTokenBudget   = 2000
	DefaultContextRetrievalK    = 40
	DefaultContextMMRDiversity  = 0.3
	DefaultContextRecencyDecay  = 0.03
	DefaultContextMicroQuoteCap = 120
	DefaultSummarizeTurnEvery   = 10
	DefaultSummarizeTokenDelta  = 3000
	DefaultRatePerMinute        = 60
	DefaultRateBurst            = 120
	DefaultJobRatePerMinute     = 300
	DefaultJobRateBurst         = 600
	DefaultMemoryQueueSize      = 256
	DefaultMemoryWorkerCount    = 4
	DefaultVariantInlineMax     = 8 * 1024
)

// =============================================================================
// Config Snapshot
// =============================================================================

// Config is the immutable startup snapshot of the gateway's environment.
type Config struct {
	// Port the HTTP server listens on.
	Port string

	// Environment is the deployment environment name (ALEUTIAN_ENV).
	Environment string

	// DatabaseURL is the Postgres DSN for the knowledge store.
	DatabaseURL string

	// RedisURL configures the shared rate-limit buckets; empty runs the
	// gateway on in-process buckets only.
	RedisURL string

	// WeaviateURL and WeaviateAPIKey locate the vector index.
	WeaviateURL    string
	WeaviateAPIKey string

	// LLMBackendType selects the chat adapter: openai, ollama, local, or
	// claude. Adapters read their own endpoint variables.
	LLMBackendType string

	// OpenAI-compatible chat provider.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string

	// OpenAI-compatible embedding provider; BaseURL falls back to the
	// chat provider's endpoint when unset.
	EmbeddingBaseURL   string
	EmbeddingModel     string
	EmbeddingDimension int

	// GCS blob storage for oversized RAW variants; empty bucket disables
	// offloading and keeps everything inline.
	GCSBucket    string
	GCSSAKeyPath string

	// EmbedCacheDir is the badger directory for the embedding cache;
	// empty disables the cache.
	EmbedCacheDir string

	// PricingPath locates the reloadable pricing YAML.
	PricingPath string

	// Context builder knobs.
	ContextTokenBudget   int
	ContextRetrievalK    int
	ContextMMRDiversity  float64
	ContextRecencyDecay  float64
	ContextMicroQuoteCap int

	// Summarization triggers.
	SummarizeTurnInterval   int
	SummarizeTokenThreshold int

	// Rate limiter steady rate and burst for the chat tier. The jobs
	// tier is derived (5x) unless overridden.
	RateLimitPerMinute int
	RateLimitBurst     int

	// Memory pipeline sizing.
	MemoryQueueSize   int
	MemoryWorkerCount int

	// VariantInlineMax is the RAW content size in bytes above which the
	// payload moves to blob storage.
	VariantInlineMax int

	// RelationshipContradictionEnabled gates the NLI contradiction
	// classifier inside relationship discovery.
	RelationshipContradictionEnabled bool

	// CORSAllowedOrigins for the /v1 group; "*" opens it for development.
	CORSAllowedOrigins []string

	// Optional Influx usage sink; all four must be set to enable it.
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

// Load reads the process environment into a Config.
//
// # Description
//
// Unset variables take documented defaults; numeric variables that fail
// to parse are an error rather than a silent fallback, because a typo'd
// budget or worker count should stop the boot, not ship a surprise.
//
// # Outputs
//
//   - *Config: complete snapshot, never nil on success
//   - error: first unparsable variable
func Load() (*Config, error) {
	cfg := &Config{
		Port:        envOr("PORT", DefaultPort),
		Environment: envOr("ALEUTIAN_ENV", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		WeaviateURL:    strings.Trim(os.Getenv("WEAVIATE_URL"), "\"' "),
		WeaviateAPIKey: EnvOrSecret("WEAVIATE_API_KEY"),

		LLMBackendType: envOr("LLM_BACKEND_TYPE", "openai"),

		OpenAIAPIKey:  EnvOrSecret("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),

		EmbeddingBaseURL: os.Getenv("EMBEDDING_BASE_URL"),
		EmbeddingModel:   os.Getenv("EMBEDDING_MODEL"),

		GCSBucket:    os.Getenv("GCS_BUCKET"),
		GCSSAKeyPath: os.Getenv("GCS_SA_KEY_PATH"),

		EmbedCacheDir: os.Getenv("EMBED_CACHE_DIR"),
		PricingPath:   envOr("PRICING_PATH", "configs/pricing.yaml"),

		InfluxURL:    os.Getenv("INFLUX_URL"),
		InfluxToken:  EnvOrSecret("INFLUX_TOKEN"),
		InfluxOrg:    os.Getenv("INFLUX_ORG"),
		InfluxBucket: os.Getenv("INFLUX_BUCKET"),
	}

	var err error
	if cfg.EmbeddingDimension, err = envInt("EMBEDDING_DIMENSION", 0); err != nil {
		return nil, err
	}
	if cfg.ContextTokenBudget, err = envInt("CONTEXT_TOKEN_BUDGET", DefaultContextTokenBudget); err != nil {
		return nil, err
	}
	if cfg.ContextRetrievalK, err = envInt("CONTEXT_RETRIEVAL_K", DefaultContextRetrievalK); err != nil {
		return nil, err
	}
	if cfg.ContextMMRDiversity, err = envFloat("CONTEXT_MMR_DIVERSITY", DefaultContextMMRDiversity); err != nil {
		return nil, err
	}
	if cfg.ContextRecencyDecay, err = envFloat("CONTEXT_RECENCY_DECAY", DefaultContextRecencyDecay); err != nil {
		return nil, err
	}
	if cfg.ContextMicroQuoteCap, err = envInt("CONTEXT_MICROQUOTE_CAP", DefaultContextMicroQuoteCap); err != nil {
		return nil, err
	}
	if cfg.SummarizeTurnInterval, err = envInt("SUMMARIZE_TURN_INTERVAL", DefaultSummarizeTurnEvery); err != nil {
		return nil, err
	}
	if cfg.SummarizeTokenThreshold, err = envInt("SUMMARIZE_TOKEN_THRESHOLD", DefaultSummarizeTokenDelta); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = envInt("RATE_LIMIT_PER_MINUTE", DefaultRatePerMinute); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("RATE_LIMIT_BURST", DefaultRateBurst); err != nil {
		return nil, err
	}
	if cfg.MemoryQueueSize, err = envInt("MEMORY_QUEUE_SIZE", DefaultMemoryQueueSize); err != nil {
		return nil, err
	}
	if cfg.MemoryWorkerCount, err = envInt("MEMORY_WORKER_COUNT", DefaultMemoryWorkerCount); err != nil {
		return nil, err
	}
	if cfg.VariantInlineMax, err = envInt("VARIANT_INLINE_MAX", DefaultVariantInlineMax); err != nil {
		return nil, err
	}
	if cfg.RelationshipContradictionEnabled, err = envBool("RELATIONSHIP_CONTRADICTION_ENABLED", true); err != nil {
		return nil, err
	}

	for _, origin := range strings.Split(envOr("CORS_ALLOWED_ORIGINS", "*"), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
		}
	}

	return cfg, nil
}

// InfluxEnabled reports whether the usage sink is fully configured.
func (c *Config) InfluxEnabled() bool {
	return c.InfluxURL != "" && c.InfluxToken != "" && c.InfluxOrg != "" && c.InfluxBucket != ""
}

// JobRatePerMinute is the steady rate for the jobs tier.
func (c *Config) JobRatePerMinute() int {
	if c.RateLimitPerMinute == DefaultRatePerMinute {
		return DefaultJobRatePerMinute
	}
	return c.RateLimitPerMinute * 5
}

// JobRateBurst is the burst for the jobs tier.
func (c *Config) JobRateBurst() int {
	if c.RateLimitBurst == DefaultRateBurst {
		return DefaultJobRateBurst
	}
	return c.RateLimitBurst * 5
}

// =============================================================================
// Environment Helpers
// =============================================================================

// EnvOrSecret resolves a credential: the variable itself, then the path
// named by <KEY>_FILE, then the conventional /run/secrets/<key> container
// secret. Missing everywhere returns "".
func EnvOrSecret(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if path := os.Getenv(key + "_FILE"); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	secretPath := "/run/secrets/" + strings.ToLower(key)
	if data, err := os.ReadFile(secretPath); err == nil {
		return strings.TrimSpace(string(data))
	}
	return ""
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not an integer: %w", key, v, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a number: %w", key, v, err)
	}
	return f, nil
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a boolean: %w", key, v, err)
	}
	return b, nil
}

// =============================================================================
// Derived Timeouts
// =============================================================================

// Fixed operation deadlines. These are contracts of the pipeline rather
// than tuning knobs, so they are constants instead of environment reads.
const (
	// ContextSoftTimeout bounds each retrieval stage; the builder
	// degrades rather than exceeding it.
	ContextSoftTimeout = 5 * time.Second

	// ContextHardTimeout bounds the whole build.
	ContextHardTimeout = 10 * time.Second

	// ProviderTimeout bounds a non-streaming chat completion.
	ProviderTimeout = 30 * time.Second

	// StreamIdleTimeout is the longest gap tolerated between streamed
	// provider chunks.
	StreamIdleTimeout = 30 * time.Second

	// MemoryItemTimeout bounds one exchange through the memory pipeline.
	MemoryItemTimeout = 60 * time.Second

	// JobObjectTimeout bounds discovery work on a single object.
	JobObjectTimeout = 5 * time.Minute
)
