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
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGateway/pkg/tokencount"
	"github.com/AleutianAI/AleutianGateway/services/gateway/config"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
)

// HandleEmbeddings serves POST /v1/embeddings.
//
// # Description
//
// Accepts the OpenAI embeddings shape (single string or array input) and
// returns one vector per input in request order. The embedding provider
// sits behind the Redis cache layer, so repeated inputs are served without
// a provider round trip; the response shape is identical either way.
//
// # Inputs
//
//   - c: Gin context carrying a JSON EmbeddingRequest.
//
// # Outputs
//
//   - 200 with EmbeddingResponse, or the standard error envelope.
func (h *ChatHandler) HandleEmbeddings(c *gin.Context) {
	requestID := middleware.GetRequestID(c)
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleEmbeddings")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	var req datatypes.EmbeddingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rejectInvalid(c, span, endpointEmbeddings, "malformed request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		rejectInvalid(c, span, endpointEmbeddings, err.Error(), err)
		return
	}
	span.SetAttributes(
		attribute.String("embeddings.model", req.Model),
		attribute.Int("embeddings.inputs", len(req.Input)),
	)

	success := false
	defer func() {
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpointEmbeddings, success)
		}
	}()

	provCtx, cancel := context.WithTimeout(ctx, config.ProviderTimeout)
	defer cancel()

	vectors, err := h.embedder.Embed(provCtx, []string(req.Input))
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			if m := observability.DefaultMetrics; m != nil {
				m.RecordError(endpointEmbeddings, errTypeDisconnect)
			}
			return
		}
		h.logger.Error("Embedding provider call failed",
			"error", err, "request_id", requestID, "inputs", len(req.Input))
		writeAPIError(c, span, endpointEmbeddings,
			datatypes.NewProviderUnavailable("embedding provider unavailable"), errTypeProvider)
		return
	}
	if len(vectors) != len(req.Input) {
		h.logger.Error("Embedding provider returned wrong vector count",
			"want", len(req.Input), "got", len(vectors), "request_id", requestID)
		writeAPIError(c, span, endpointEmbeddings,
			datatypes.NewProviderUnavailable("embedding provider returned malformed response"), errTypeProvider)
		return
	}

	counter := tokencount.ForModel(req.Model)
	promptTokens := 0
	data := make([]datatypes.EmbeddingData, len(vectors))
	for i, vec := range vectors {
		promptTokens += counter.Count(req.Input[i])
		data[i] = datatypes.EmbeddingData{
			Object:    "embedding",
			Index:     i,
			Embedding: vec,
		}
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordTokens(promptTokens, 0, 0, req.Model)
	}
	success = true
	span.SetStatus(codes.Ok, "")

	c.JSON(200, datatypes.EmbeddingResponse{
		Object: "list",
		Data:   data,
		Model:  req.Model,
		Usage: datatypes.EmbeddingUsage{
			PromptTokens: promptTokens,
			TotalTokens:  promptTokens,
		},
	})
}

// HandleModels serves GET /v1/models. No auth: the model list leaks
// nothing tenant-specific, and OpenAI SDK health probes hit it first.
func (h *ChatHandler) HandleModels(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleModels")
	defer span.End()

	names, err := h.client.Models(ctx)
	if err != nil {
		// Degrade to the configured default rather than failing the
		// probe; SDK clients treat a 5xx here as "gateway down".
		h.logger.Warn("Model listing failed, serving default model only", "error", err)
		names = nil
	}
	if len(names) == 0 {
		names = []string{h.client.DefaultModel()}
	}

	created := time.Now().Unix()
	infos := make([]datatypes.ModelInfo, 0, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		infos = append(infos, datatypes.ModelInfo{
			ID:      name,
			Object:  "model",
			Created: created,
			OwnedBy: "aleutian",
		})
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpointModels, true)
	}
	span.SetStatus(codes.Ok, "")
	c.JSON(200, datatypes.ModelList{Object: "list", Data: infos})
}
