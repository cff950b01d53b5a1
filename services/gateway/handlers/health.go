// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// ServiceVersion is reported on /health; the CLI compares it against its
// own version and warns on a major.minor mismatch.
const ServiceVersion = "1.0.0"

// probeTimeout bounds each component check so a hung dependency cannot
// make the health endpoint hang with it.
const probeTimeout = 2 * time.Second

// storeProber is the slice of the knowledge store the health endpoint needs.
type storeProber interface {
	Ping(ctx context.Context) error
	SchemaVersion(ctx context.Context) (int64, error)
}

// indexProber is the slice of the vector store the health endpoint needs.
type indexProber interface {
	Ready(ctx context.Context) error
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	SchemaVersion int64             `json:"schema_version,omitempty"`
	Components    map[string]string `json:"components"`
}

// HealthHandler answers liveness and component readiness probes.
//
// Postgres, Weaviate, and Redis are probed in parallel with a shared
// timeout. The LLM provider and embedder are reported by configured name
// only: pinging third-party APIs from a probe that orchestrators hit every
// few seconds burns quota and turns their hiccups into pod restarts.
type HealthHandler struct {
	store    storeProber
	vectors  indexProber
	redis    *redis.Client
	provider string
	embedder string
	logger   *slog.Logger
}

// NewHealthHandler builds the handler. redisClient may be nil when the
// gateway runs on local rate-limit buckets only; provider and embedder are
// display names for the configured backends.
func NewHealthHandler(store storeProber, vectors indexProber, redisClient *redis.Client, provider, embedder string, logger *slog.Logger) *HealthHandler {
	if store == nil {
		panic("health handler requires a store")
	}
	if vectors == nil {
		panic("health handler requires a vector store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		store:    store,
		vectors:  vectors,
		redis:    redisClient,
		provider: provider,
		embedder: embedder,
		logger:   logger,
	}
}

// HandleHealth serves GET /health. 200 when every probed component
// answers, 503 with the same body shape when any is down.
func (h *HealthHandler) HandleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), probeTimeout)
	defer cancel()

	var pgState, indexState, redisState string
	g, probeCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pgState = h.probe(probeCtx, "postgres", h.store.Ping)
		return nil
	})
	g.Go(func() error {
		indexState = h.probe(probeCtx, "weaviate", h.vectors.Ready)
		return nil
	})
	g.Go(func() error {
		if h.redis == nil {
			redisState = "skipped"
			return nil
		}
		redisState = h.probe(probeCtx, "redis", func(ctx context.Context) error {
			return h.redis.Ping(ctx).Err()
		})
		return nil
	})
	// Probes record failures instead of returning them, so Wait always
	// succeeds; the group exists for the shared context.
	_ = g.Wait()

	status := HealthStatus{
		Status:  "ok",
		Version: ServiceVersion,
		Components: map[string]string{
			"postgres": pgState,
			"weaviate": indexState,
			"redis":    redisState,
			"provider": h.provider,
			"embedder": h.embedder,
		},
	}
	for _, state := range []string{pgState, indexState, redisState} {
		if state != "ok" && state != "skipped" {
			status.Status = "degraded"
		}
	}
	if version, err := h.store.SchemaVersion(ctx); err == nil {
		status.SchemaVersion = version
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, status)
}

func (h *HealthHandler) probe(ctx context.Context, component string, fn func(context.Context) error) string {
	if err := fn(ctx); err != nil {
		h.logger.Warn("Health probe failed", "component", component, "error", err)
		return "unreachable"
	}
	return "ok"
}
