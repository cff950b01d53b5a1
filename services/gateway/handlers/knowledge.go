// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file implements the knowledge CRUD and search surface. Writes follow
// the same order the memory pipeline uses: embed first, then the relational
// transaction, then the index upsert, so a provider failure leaves no
// partial rows behind and an index failure stays retryable.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGateway/pkg/tokencount"
	"github.com/AleutianAI/AleutianGateway/services/gateway/blobstore"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
	"github.com/AleutianAI/AleutianGateway/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/vectorstore"
	"github.com/AleutianAI/AleutianGateway/services/llm"
	"gorm.io/gorm"
)

const (
	endpointKnowledge       = "knowledge"
	endpointKnowledgeSearch = "knowledge_search"

	// ingestChunkSize and ingestChunkOverlap shape the recursive splitter.
	// Overlap is 10% of the chunk size.
	ingestChunkSize    = 1000
	ingestChunkOverlap = ingestChunkSize / 10

	// defaultSearchK bounds a search that does not ask for a k.
	defaultSearchK = 10
)

var (
	plainSeparators    = []string{"\n\n", "\n", " ", ""}
	pythonSeparators   = []string{"\nclass ", "\ndef ", "\n\t", "\n", " "}
	cStyleSeparators   = []string{"\nfunc ", "\ntype ", "\nclass ", "\ninterface ", "\npublic ", "\nprivate ", "\n\n", "\n", " ", ""}
	markdownSeparators = []string{"\n# ", "\n## ", "\n### ", "\n#### ", "\n\n", "\n", " ", ""}
)

// KnowledgeHandler serves the /v1/knowledge routes.
type KnowledgeHandler struct {
	store     *knowledge.Store
	vectors   vectorstore.VectorStore
	embedder  llm.EmbeddingProvider
	blobs     blobstore.BlobStore
	inlineMax int
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewKnowledgeHandler wires the knowledge surface. blobs may be nil, in
// which case oversized RAW content stays inline.
func NewKnowledgeHandler(
	store *knowledge.Store,
	vectors vectorstore.VectorStore,
	embedder llm.EmbeddingProvider,
	blobs blobstore.BlobStore,
	inlineMax int,
	logger *slog.Logger,
) *KnowledgeHandler {
	if store == nil {
		panic("knowledge handler requires a store")
	}
	if vectors == nil {
		panic("knowledge handler requires a vector store")
	}
	if embedder == nil {
		panic("knowledge handler requires an embedding provider")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KnowledgeHandler{
		store:     store,
		vectors:   vectors,
		embedder:  embedder,
		blobs:     blobs,
		inlineMax: inlineMax,
		logger:    logger,
		tracer:    otel.Tracer("aleutian.gateway.handlers.knowledge"),
	}
}

// =============================================================================
// Create / Ingest
// =============================================================================

// HandleCreateObject serves POST /v1/knowledge/objects.
//
// # Description
//
// The endpoint accepts two body shapes. A body with a `type` field creates
// one object directly. A body with a `filename` (and no `type`) is a
// document ingest: the content is split into FILE_CHUNK siblings with the
// recursive-character splitter, each chunk embedded and indexed. A direct
// FILE_CHUNK create whose content exceeds the chunk size is promoted to the
// ingest path so oversized uploads never produce an unsplittable object.
//
// # Inputs
//
//   - c: Gin context carrying a JSON CreateObjectRequest or IngestRequest.
//
// # Outputs
//
//   - 201 with ObjectResponse (single create) or IngestResponse (ingest).
func (h *KnowledgeHandler) HandleCreateObject(c *gin.Context) {
	requestID := middleware.GetRequestID(c)
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleCreateObject")
	defer span.End()
	span.SetAttributes(attribute.String("request.id", requestID))

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		writeAPIError(c, span, endpointKnowledge, datatypes.NewInternal(requestID), errTypeInternal)
		return
	}

	raw, err := c.GetRawData()
	if err != nil {
		rejectInvalid(c, span, endpointKnowledge, "unreadable request body", err)
		return
	}

	// Step 1: sniff the body shape.
	var probe struct {
		Type     string `json:"type"`
		Filename string `json:"filename"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		rejectInvalid(c, span, endpointKnowledge, "malformed request body", err)
		return
	}

	if probe.Type == "" && probe.Filename != "" {
		h.createFromIngest(c, ctx, span, raw, authInfo.TenantID)
		return
	}

	var req datatypes.CreateObjectRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		rejectInvalid(c, span, endpointKnowledge, "malformed request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		rejectInvalid(c, span, endpointKnowledge, err.Error(), err)
		return
	}

	// Oversized FILE_CHUNK content fans out into siblings instead of one
	// monster chunk the retriever could never pack.
	if req.Type == datatypes.ObjectFileChunk && len(req.Content) > ingestChunkSize {
		filename, _ := req.Metadata["filename"].(string)
		h.ingestContent(c, ctx, span, ingestParams{
			tenantID:  authInfo.TenantID,
			filename:  filename,
			content:   req.Content,
			tags:      req.Tags,
			metadata:  req.Metadata,
			sessionID: req.SessionID,
			userID:    req.UserID,
			parentID:  req.ParentID,
		})
		return
	}

	h.createSingle(c, ctx, span, &req, authInfo.TenantID)
}

// createSingle persists one object with its RAW variant and indexes it.
func (h *KnowledgeHandler) createSingle(c *gin.Context, ctx context.Context, span trace.Span, req *datatypes.CreateObjectRequest, tenantID string) {
	span.SetAttributes(
		attribute.String("knowledge.type", string(req.Type)),
		attribute.String("tenant.id", tenantID),
	)

	// Step 1: embed before any row exists.
	vecs, err := h.embedBatched(ctx, []string{req.Content})
	if err != nil {
		h.logger.Error("Embedding failed for knowledge create", "error", err, "tenant_id", tenantID)
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewProviderUnavailable("embedding provider unavailable"), errTypeProvider)
		return
	}

	counter := tokencount.ForModel("")
	now := time.Now().UTC()
	obj := h.newObject(req, tenantID, counter, now)
	variant := h.newRawVariant(ctx, tenantID, obj, req.Content, counter)

	// Step 2: relational rows in one transaction.
	err = h.store.Transaction(ctx, func(tx *gorm.DB) error {
		if err := h.store.Objects.Create(ctx, tx, obj); err != nil {
			return err
		}
		return h.store.Variants.Create(ctx, tx, []*datatypes.ContentVariant{variant})
	})
	if err != nil {
		h.logger.Error("Knowledge create failed", "error", err, "tenant_id", tenantID)
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
		return
	}

	// Step 3: index. Retry-safe on the same variant id.
	if err := h.indexVariant(ctx, obj, variant, req.Content, vecs[0]); err != nil {
		h.logger.Error("Knowledge index failed", "error", err, "object_id", obj.ID)
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewStoreUnavailable("vector index unavailable"), errTypeStore)
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpointKnowledge, true)
	}
	span.SetStatus(codes.Ok, "")
	c.JSON(201, datatypes.ObjectResponse{
		Object:   *obj,
		Variants: []datatypes.ContentVariant{*variant},
	})
}

// ingestParams carries everything chunked ingestion needs regardless of
// which body shape triggered it.
type ingestParams struct {
	tenantID  string
	filename  string
	content   string
	tags      []string
	metadata  map[string]interface{}
	sessionID string
	userID    string
	parentID  string
}

// createFromIngest validates the dedicated ingest shape and runs it.
func (h *KnowledgeHandler) createFromIngest(c *gin.Context, ctx context.Context, span trace.Span, raw []byte, tenantID string) {
	var req datatypes.IngestRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		rejectInvalid(c, span, endpointKnowledge, "malformed request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		rejectInvalid(c, span, endpointKnowledge, err.Error(), err)
		return
	}
	h.ingestContent(c, ctx, span, ingestParams{
		tenantID: tenantID,
		filename: req.Filename,
		content:  req.Content,
		tags:     req.Tags,
		metadata: req.Metadata,
	})
}

// ingestContent splits, embeds, persists, and indexes a document as
// FILE_CHUNK siblings.
func (h *KnowledgeHandler) ingestContent(c *gin.Context, ctx context.Context, span trace.Span, p ingestParams) {
	span.SetAttributes(
		attribute.String("ingest.filename", p.filename),
		attribute.Int("ingest.bytes", len(p.content)),
	)

	splitter := splitterForFile(p.filename)
	chunks, err := splitter.SplitText(p.content)
	if err != nil {
		rejectInvalid(c, span, endpointKnowledge, "content could not be split", err)
		return
	}
	if len(chunks) == 0 {
		rejectInvalid(c, span, endpointKnowledge, "content produced no chunks", nil)
		return
	}
	span.SetAttributes(attribute.Int("ingest.chunks", len(chunks)))

	vecs, err := h.embedBatched(ctx, chunks)
	if err != nil {
		h.logger.Error("Embedding failed for ingest",
			"error", err, "tenant_id", p.tenantID, "chunks", len(chunks))
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewProviderUnavailable("embedding provider unavailable"), errTypeProvider)
		return
	}

	counter := tokencount.ForModel("")
	now := time.Now().UTC()
	objects := make([]*datatypes.KnowledgeObject, len(chunks))
	variants := make([]*datatypes.ContentVariant, len(chunks))
	totalTokens := 0

	for i, chunk := range chunks {
		meta := map[string]interface{}{}
		for k, v := range p.metadata {
			meta[k] = v
		}
		if p.filename != "" {
			meta["filename"] = p.filename
		}
		meta["chunk_index"] = i
		meta["chunk_count"] = len(chunks)

		obj := &datatypes.KnowledgeObject{
			ID:             uuid.NewString(),
			TenantID:       p.tenantID,
			Type:           datatypes.ObjectFileChunk,
			Tags:           p.tags,
			Metadata:       meta,
			OriginalTokens: counter.Count(chunk),
			CreatedAt:      now,
		}
		if p.sessionID != "" {
			sessionID := p.sessionID
			obj.SessionID = &sessionID
		}
		if p.userID != "" {
			userID := p.userID
			obj.UserID = &userID
		}
		if p.parentID != "" {
			parentID := p.parentID
			obj.ParentID = &parentID
		}
		objects[i] = obj
		variants[i] = h.newRawVariant(ctx, p.tenantID, obj, chunk, counter)
		totalTokens += obj.OriginalTokens
	}

	err = h.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, obj := range objects {
			if err := h.store.Objects.Create(ctx, tx, obj); err != nil {
				return err
			}
		}
		return h.store.Variants.Create(ctx, tx, variants)
	})
	if err != nil {
		h.logger.Error("Ingest persist failed", "error", err, "tenant_id", p.tenantID)
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
		return
	}

	objectIDs := make([]string, len(objects))
	for i := range objects {
		objectIDs[i] = objects[i].ID
		if err := h.indexVariant(ctx, objects[i], variants[i], chunks[i], vecs[i]); err != nil {
			h.logger.Error("Ingest index failed",
				"error", err, "object_id", objects[i].ID, "chunk", i)
			writeAPIError(c, span, endpointKnowledge,
				datatypes.NewStoreUnavailable("vector index unavailable"), errTypeStore)
			return
		}
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpointKnowledge, true)
	}
	span.SetStatus(codes.Ok, "")
	h.logger.Info("Document ingested",
		"tenant_id", p.tenantID, "filename", p.filename,
		"chunks", len(chunks), "tokens", totalTokens)

	c.JSON(201, datatypes.IngestResponse{
		ObjectIDs: objectIDs,
		Chunks:    len(chunks),
		Tokens:    totalTokens,
	})
}

// =============================================================================
// Read / List / Update / Delete
// =============================================================================

// HandleListObjects serves GET /v1/knowledge/objects.
func (h *KnowledgeHandler) HandleListObjects(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleListObjects")
	defer span.End()

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		writeAPIError(c, span, endpointKnowledge, datatypes.NewInternal(middleware.GetRequestID(c)), errTypeInternal)
		return
	}

	var q datatypes.ListObjectsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		rejectInvalid(c, span, endpointKnowledge, "malformed query parameters", err)
		return
	}
	if err := q.Validate(); err != nil {
		rejectInvalid(c, span, endpointKnowledge, err.Error(), err)
		return
	}

	objects, err := h.store.Objects.List(ctx, nil, authInfo.TenantID, q)
	if err != nil {
		h.logger.Error("Knowledge list failed", "error", err, "tenant_id", authInfo.TenantID)
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpointKnowledge, true)
	}
	span.SetStatus(codes.Ok, "")
	c.JSON(200, gin.H{"objects": objects, "count": len(objects)})
}

// HandleGetObject serves GET /v1/knowledge/objects/:id.
func (h *KnowledgeHandler) HandleGetObject(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleGetObject")
	defer span.End()

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		writeAPIError(c, span, endpointKnowledge, datatypes.NewInternal(middleware.GetRequestID(c)), errTypeInternal)
		return
	}

	id := c.Param("id")
	obj, err := h.store.Objects.GetByID(ctx, nil, authInfo.TenantID, id)
	if err != nil {
		h.logger.Error("Knowledge get failed", "error", err, "object_id", id)
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
		return
	}
	if obj == nil {
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewNotFound("knowledge object not found"), errTypeNotFound)
		return
	}

	variants, err := h.store.Variants.GetForObject(ctx, nil, obj.ID)
	if err != nil {
		h.logger.Warn("Variant load failed on get", "error", err, "object_id", id)
		variants = nil
	}
	resp := datatypes.ObjectResponse{Object: *obj}
	for _, v := range variants {
		resp.Variants = append(resp.Variants, *v)
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpointKnowledge, true)
	}
	span.SetStatus(codes.Ok, "")
	c.JSON(200, resp)
}

// HandleGetRelationships serves GET /v1/knowledge/objects/:id/relationships.
func (h *KnowledgeHandler) HandleGetRelationships(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleGetRelationships")
	defer span.End()

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		writeAPIError(c, span, endpointKnowledge, datatypes.NewInternal(middleware.GetRequestID(c)), errTypeInternal)
		return
	}

	id := c.Param("id")
	obj, err := h.store.Objects.GetByID(ctx, nil, authInfo.TenantID, id)
	if err != nil {
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
		return
	}
	if obj == nil {
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewNotFound("knowledge object not found"), errTypeNotFound)
		return
	}

	rels, err := h.store.Relationships.ListForObject(ctx, nil, obj.ID)
	if err != nil {
		h.logger.Error("Relationship list failed", "error", err, "object_id", id)
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
		return
	}

	resp := datatypes.RelationshipsResponse{ObjectID: obj.ID}
	for _, r := range rels {
		resp.Relationships = append(resp.Relationships, *r)
	}
	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpointKnowledge, true)
	}
	span.SetStatus(codes.Ok, "")
	c.JSON(200, resp)
}

// HandleUpdateObject serves PUT /v1/knowledge/objects/:id.
//
// Tags, metadata, and the archived flag are the mutable subset. An archive
// flip must reach the vector index before the call succeeds: the index
// filter is what keeps archived content out of retrieval, so a stale entry
// is a correctness problem, not a cosmetic one.
func (h *KnowledgeHandler) HandleUpdateObject(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleUpdateObject")
	defer span.End()

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		writeAPIError(c, span, endpointKnowledge, datatypes.NewInternal(middleware.GetRequestID(c)), errTypeInternal)
		return
	}

	var req datatypes.UpdateObjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rejectInvalid(c, span, endpointKnowledge, "malformed request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		rejectInvalid(c, span, endpointKnowledge, err.Error(), err)
		return
	}

	id := c.Param("id")
	obj, err := h.store.Objects.GetByID(ctx, nil, authInfo.TenantID, id)
	if err != nil {
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
		return
	}
	if obj == nil {
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewNotFound("knowledge object not found"), errTypeNotFound)
		return
	}

	archivedChanged := false
	if req.Tags != nil {
		obj.Tags = *req.Tags
	}
	if req.Metadata != nil {
		obj.Metadata = *req.Metadata
	}
	if req.Archived != nil && obj.Archived != *req.Archived {
		obj.Archived = *req.Archived
		archivedChanged = true
	}

	if err := h.store.Objects.Update(ctx, nil, obj); err != nil {
		h.logger.Error("Knowledge update failed", "error", err, "object_id", id)
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
		return
	}
	if archivedChanged {
		if err := h.vectors.SetArchived(ctx, authInfo.TenantID, obj.ID, obj.Archived); err != nil {
			h.logger.Error("Archive flip did not reach the index",
				"error", err, "object_id", id, "archived", obj.Archived)
			writeAPIError(c, span, endpointKnowledge,
				datatypes.NewStoreUnavailable("vector index unavailable"), errTypeStore)
			return
		}
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpointKnowledge, true)
	}
	span.SetStatus(codes.Ok, "")
	c.JSON(200, datatypes.ObjectResponse{Object: *obj})
}

// HandleDeleteObject serves DELETE /v1/knowledge/objects/:id. Deletion is
// a soft archive; rows stay for audit and the index entry is flagged.
func (h *KnowledgeHandler) HandleDeleteObject(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleDeleteObject")
	defer span.End()

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		writeAPIError(c, span, endpointKnowledge, datatypes.NewInternal(middleware.GetRequestID(c)), errTypeInternal)
		return
	}

	id := c.Param("id")
	obj, err := h.store.Objects.GetByID(ctx, nil, authInfo.TenantID, id)
	if err != nil {
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
		return
	}
	if obj == nil {
		writeAPIError(c, span, endpointKnowledge,
			datatypes.NewNotFound("knowledge object not found"), errTypeNotFound)
		return
	}

	if !obj.Archived {
		obj.Archived = true
		if err := h.store.Objects.Update(ctx, nil, obj); err != nil {
			h.logger.Error("Knowledge archive failed", "error", err, "object_id", id)
			writeAPIError(c, span, endpointKnowledge,
				datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
			return
		}
		if err := h.vectors.SetArchived(ctx, authInfo.TenantID, obj.ID, true); err != nil {
			h.logger.Error("Archive flip did not reach the index",
				"error", err, "object_id", id)
			writeAPIError(c, span, endpointKnowledge,
				datatypes.NewStoreUnavailable("vector index unavailable"), errTypeStore)
			return
		}
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpointKnowledge, true)
	}
	span.SetStatus(codes.Ok, "")
	c.Status(204)
}

// =============================================================================
// Search
// =============================================================================

// HandleSearch serves GET /v1/knowledge/search.
//
// # Description
//
// Query parameters: `query` (required), `k` (1..100, default 10), `types`
// (repeatable or comma-separated), `session_id`. The query text is embedded
// and matched against the tenant's index; the tenant filter is enforced
// inside the index query, never application-side.
//
// # Outputs
//
//   - 200 with SearchResponse; hits carry score = 1 − cosine distance.
func (h *KnowledgeHandler) HandleSearch(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleSearch")
	defer span.End()

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		writeAPIError(c, span, endpointKnowledgeSearch, datatypes.NewInternal(middleware.GetRequestID(c)), errTypeInternal)
		return
	}

	req := datatypes.SearchRequest{
		Query:     c.Query("query"),
		K:         defaultSearchK,
		SessionID: c.Query("session_id"),
	}
	if kStr := c.Query("k"); kStr != "" {
		k, err := strconv.Atoi(kStr)
		if err != nil {
			rejectInvalid(c, span, endpointKnowledgeSearch, "k must be an integer", err)
			return
		}
		req.K = k
	}
	for _, t := range c.QueryArray("types") {
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				req.Types = append(req.Types, part)
			}
		}
	}
	if err := req.Validate(); err != nil {
		rejectInvalid(c, span, endpointKnowledgeSearch, err.Error(), err)
		return
	}
	span.SetAttributes(
		attribute.String("tenant.id", authInfo.TenantID),
		attribute.Int("search.k", req.K),
	)

	vecs, err := h.embedBatched(ctx, []string{req.Query})
	if err != nil {
		h.logger.Error("Search embedding failed", "error", err, "tenant_id", authInfo.TenantID)
		writeAPIError(c, span, endpointKnowledgeSearch,
			datatypes.NewProviderUnavailable("embedding provider unavailable"), errTypeProvider)
		return
	}

	matches, err := h.vectors.Query(ctx, vectorstore.Query{
		TenantID:  authInfo.TenantID,
		Vector:    vecs[0],
		K:         req.K,
		Types:     req.Types,
		SessionID: req.SessionID,
	})
	if err != nil {
		h.logger.Error("Vector search failed", "error", err, "tenant_id", authInfo.TenantID)
		writeAPIError(c, span, endpointKnowledgeSearch,
			datatypes.NewStoreUnavailable("vector index unavailable"), errTypeStore)
		return
	}

	hits := make([]datatypes.SearchHit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, datatypes.SearchHit{
			ObjectID:  m.ObjectID,
			VariantID: m.VariantID,
			Type:      datatypes.ObjectType(m.ObjectType),
			Snippet:   m.Snippet,
			Score:     1.0 - m.Distance,
			CreatedAt: m.CreatedAt,
		})
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpointKnowledgeSearch, true)
	}
	span.SetAttributes(attribute.Int("search.hits", len(hits)))
	span.SetStatus(codes.Ok, "")
	c.JSON(200, datatypes.SearchResponse{Hits: hits, Query: req.Query})
}

// =============================================================================
// Shared plumbing
// =============================================================================

// embedBatched embeds texts in provider-sized batches and stitches the
// vectors back together in input order.
func (h *KnowledgeHandler) embedBatched(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += datatypes.MaxEmbeddingInputs {
		end := start + datatypes.MaxEmbeddingInputs
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := h.embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), end-start)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (h *KnowledgeHandler) newObject(req *datatypes.CreateObjectRequest, tenantID string, counter tokencount.Counter, at time.Time) *datatypes.KnowledgeObject {
	obj := &datatypes.KnowledgeObject{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		Type:           req.Type,
		Tags:           req.Tags,
		Metadata:       req.Metadata,
		OriginalTokens: counter.Count(req.Content),
		CreatedAt:      at,
	}
	if req.SessionID != "" {
		sessionID := req.SessionID
		obj.SessionID = &sessionID
	}
	if req.UserID != "" {
		userID := req.UserID
		obj.UserID = &userID
	}
	if req.ParentID != "" {
		parentID := req.ParentID
		obj.ParentID = &parentID
	}
	return obj
}

// newRawVariant offloads oversized content to the blob store when one is
// wired; offload failure keeps the content inline rather than losing it.
func (h *KnowledgeHandler) newRawVariant(ctx context.Context, tenantID string, obj *datatypes.KnowledgeObject, content string, counter tokencount.Counter) *datatypes.ContentVariant {
	v := &datatypes.ContentVariant{
		ID:                uuid.NewString(),
		KnowledgeObjectID: obj.ID,
		Variant:           datatypes.VariantRaw,
		Tokens:            counter.Count(content),
		CreatedAt:         obj.CreatedAt,
	}
	if h.blobs != nil && h.inlineMax > 0 && len(content) > h.inlineMax {
		uri, err := h.blobs.Store(ctx, tenantID, obj.ID, []byte(content))
		if err == nil {
			v.StorageURI = &uri
			return v
		}
		h.logger.Warn("RAW offload failed, storing inline", "object_id", obj.ID, "error", err)
	}
	v.Content = &content
	return v
}

// indexVariant writes the embedding row, links it, and upserts the vector
// point. Idempotent per variant id.
func (h *KnowledgeHandler) indexVariant(ctx context.Context, obj *datatypes.KnowledgeObject, v *datatypes.ContentVariant, text string, vec []float32) error {
	emb := &datatypes.Embedding{
		ID:          uuid.NewString(),
		VariantID:   v.ID,
		Vector:      vec,
		TextSnippet: text,
		CreatedAt:   time.Now().UTC(),
	}
	if err := h.store.Embeddings.Upsert(ctx, nil, emb); err != nil {
		return fmt.Errorf("embedding upsert: %w", err)
	}
	if err := h.store.Variants.SetEmbeddingID(ctx, nil, v.ID, emb.ID); err != nil {
		return fmt.Errorf("variant link: %w", err)
	}

	sessionID := ""
	if obj.SessionID != nil {
		sessionID = *obj.SessionID
	}
	err := h.vectors.Upsert(ctx, []vectorstore.Point{{
		VariantID:  v.ID,
		ObjectID:   obj.ID,
		TenantID:   obj.TenantID,
		ObjectType: string(obj.Type),
		SessionID:  sessionID,
		Snippet:    text,
		CreatedAt:  obj.CreatedAt,
		Archived:   obj.Archived,
		Vector:     vec,
	}})
	if err != nil {
		return fmt.Errorf("vector upsert: %w", err)
	}
	return nil
}

// splitterForFile picks separators by extension so chunk boundaries land
// on structure instead of mid-sentence.
func splitterForFile(filename string) textsplitter.TextSplitter {
	separators := plainSeparators
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		separators = markdownSeparators
	case ".py":
		separators = pythonSeparators
	case ".go", ".js", ".ts", ".java", ".c", ".cpp", ".h", ".rs":
		separators = cStyleSeparators
	}
	return textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(ingestChunkSize),
		textsplitter.WithChunkOverlap(ingestChunkOverlap),
		textsplitter.WithSeparators(separators),
	)
}
