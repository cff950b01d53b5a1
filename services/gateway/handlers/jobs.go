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
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/jobs"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
	"github.com/AleutianAI/AleutianGateway/services/gateway/middleware"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
)

const (
	endpointJobs = "jobs"

	// asyncJobTimeout bounds a detached discovery run. Tenant-wide scans
	// page through every non-archived object, so this is deliberately
	// generous; per-object work has its own tighter timeout inside the job.
	asyncJobTimeout = 30 * time.Minute

	// sinceScanLimit caps how many objects a since-window selects, matching
	// the explicit object_ids cap.
	sinceScanLimit = 256
)

// JobsHandler triggers the maintenance jobs over HTTP.
//
// # Description
//
// Relationship discovery for a single object runs inline and answers with
// its summary; multi-object and since-window triggers are validated, then
// detached with a fresh timeout so a tenant-wide scan cannot hold an HTTP
// worker. Session summarization is one bounded LLM call and always runs
// inline.
type JobsHandler struct {
	discovery  *jobs.Discovery
	summarizer *jobs.Summarizer
	store      *knowledge.Store
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewJobsHandler wires the job trigger endpoints.
func NewJobsHandler(discovery *jobs.Discovery, summarizer *jobs.Summarizer, store *knowledge.Store, logger *slog.Logger) *JobsHandler {
	if discovery == nil {
		panic("jobs handler requires a discovery job")
	}
	if summarizer == nil {
		panic("jobs handler requires a summarizer job")
	}
	if store == nil {
		panic("jobs handler requires a store")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JobsHandler{
		discovery:  discovery,
		summarizer: summarizer,
		store:      store,
		logger:     logger,
		tracer:     otel.Tracer("aleutian.gateway.handlers.jobs"),
	}
}

// HandleRelationshipDiscovery serves POST /jobs/relationship-discovery.
//
// # Inputs
//
//   - Body: RelationshipJobRequest; exactly one of object_ids or since.
//
// # Outputs
//
//   - 200 with DiscoverySummary (single object id, run inline).
//   - 202 with JobAccepted (multiple ids or since-window, detached).
//   - 404 when a named object does not exist for the tenant.
func (h *JobsHandler) HandleRelationshipDiscovery(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleRelationshipDiscovery")
	defer span.End()

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		writeAPIError(c, span, endpointJobs, datatypes.NewInternal(middleware.GetRequestID(c)), errTypeInternal)
		return
	}

	var req datatypes.RelationshipJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rejectInvalid(c, span, endpointJobs, "malformed request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		rejectInvalid(c, span, endpointJobs, err.Error(), err)
		return
	}
	tenantID := authInfo.TenantID
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("job.object_ids", len(req.ObjectIDs)),
	)

	// Single object: inline, caller gets the summary.
	if len(req.ObjectIDs) == 1 {
		summary, err := h.discovery.Run(ctx, tenantID, req.ObjectIDs[0])
		if err != nil {
			if errors.Is(err, jobs.ErrObjectNotFound) {
				writeAPIError(c, span, endpointJobs,
					datatypes.NewNotFound("knowledge object not found"), errTypeNotFound)
				return
			}
			h.logger.Error("Discovery run failed",
				"error", err, "tenant_id", tenantID, "object_id", req.ObjectIDs[0])
			writeAPIError(c, span, endpointJobs,
				datatypes.NewStoreUnavailable("discovery failed"), errTypeStore)
			return
		}
		if m := observability.DefaultMetrics; m != nil {
			m.RecordRequest(endpointJobs, true)
		}
		span.SetStatus(codes.Ok, "")
		c.JSON(200, summary)
		return
	}

	// Multi-object / window: resolve the id set up front so a bad id is a
	// 404 now, not a log line later.
	objectIDs := req.ObjectIDs
	if len(objectIDs) > 0 {
		found, err := h.store.Objects.GetByIDs(ctx, nil, tenantID, objectIDs)
		if err != nil {
			writeAPIError(c, span, endpointJobs,
				datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
			return
		}
		if len(found) != len(objectIDs) {
			writeAPIError(c, span, endpointJobs,
				datatypes.NewNotFound("one or more knowledge objects not found"), errTypeNotFound)
			return
		}
	} else {
		objects, err := h.store.Objects.ListCreatedSince(ctx, nil, tenantID, req.SinceTime(), sinceScanLimit)
		if err != nil {
			writeAPIError(c, span, endpointJobs,
				datatypes.NewStoreUnavailable("knowledge store unavailable"), errTypeStore)
			return
		}
		for _, obj := range objects {
			objectIDs = append(objectIDs, obj.ID)
		}
	}

	jobID := uuid.NewString()
	go h.runDetachedDiscovery(jobID, tenantID, objectIDs)

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpointJobs, true)
	}
	span.SetAttributes(attribute.String("job.id", jobID))
	span.SetStatus(codes.Ok, "")
	c.JSON(202, datatypes.JobAccepted{
		JobID:    jobID,
		Kind:     "relationship-discovery",
		Enqueued: len(objectIDs),
	})
}

// runDetachedDiscovery walks the id set outside the request lifecycle.
func (h *JobsHandler) runDetachedDiscovery(jobID, tenantID string, objectIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), asyncJobTimeout)
	defer cancel()

	total := jobs.DiscoverySummary{}
	start := time.Now()
	for _, id := range objectIDs {
		summary, err := h.discovery.Run(ctx, tenantID, id)
		if err != nil {
			h.logger.Warn("Detached discovery run failed",
				"job_id", jobID, "object_id", id, "error", err)
			continue
		}
		total.ObjectsProcessed += summary.ObjectsProcessed
		total.EdgesCreated += summary.EdgesCreated
		total.EdgesUpdated += summary.EdgesUpdated
	}
	total.DurationMs = time.Since(start).Milliseconds()

	h.logger.Info("Detached discovery job finished",
		"job_id", jobID, "tenant_id", tenantID,
		"objects_processed", total.ObjectsProcessed,
		"edges_created", total.EdgesCreated,
		"edges_updated", total.EdgesUpdated,
		"duration_ms", total.DurationMs)
}

// HandleSessionSummarize serves POST /jobs/session-summarize.
func (h *JobsHandler) HandleSessionSummarize(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleSessionSummarize")
	defer span.End()

	authInfo := middleware.GetAuthInfo(c)
	if authInfo == nil {
		writeAPIError(c, span, endpointJobs, datatypes.NewInternal(middleware.GetRequestID(c)), errTypeInternal)
		return
	}

	var req datatypes.SummarizeJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		rejectInvalid(c, span, endpointJobs, "malformed request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		rejectInvalid(c, span, endpointJobs, err.Error(), err)
		return
	}
	span.SetAttributes(
		attribute.String("tenant.id", authInfo.TenantID),
		attribute.String("session.id", req.SessionID),
	)

	record, err := h.summarizer.Run(ctx, authInfo.TenantID, req.SessionID)
	if err != nil {
		h.logger.Error("Summarization run failed",
			"error", err, "tenant_id", authInfo.TenantID, "session_id", req.SessionID)
		writeAPIError(c, span, endpointJobs,
			datatypes.NewProviderUnavailable("summarization failed"), errTypeProvider)
		return
	}

	if m := observability.DefaultMetrics; m != nil {
		m.RecordRequest(endpointJobs, true)
	}
	span.SetStatus(codes.Ok, "")
	c.JSON(200, record)
}
