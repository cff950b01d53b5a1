// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs holds the off-path workers: relationship discovery and
// session summarization. Both run detached from any request and report a
// summary record instead of mutating response state.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianGateway/services/gateway/config"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
	"github.com/AleutianAI/AleutianGateway/services/gateway/vectorstore"
)

var tracer = otel.Tracer("aleutian.gateway.jobs")

// ErrObjectNotFound reports a discovery request for an id the tenant does
// not own. Handlers map it to a 404.
var ErrObjectNotFound = errors.New("knowledge object not found")

const (
	// supportsThreshold is the cosine floor for a SUPPORTS edge.
	supportsThreshold = 0.82

	// contradictionFloor is the cosine floor below which the classifier
	// is not consulted: distant statements are about different things.
	contradictionFloor = 0.70

	// neighborK bounds the neighborhood examined per object.
	neighborK = 20

	// discoveryWorkers bounds tenant-wide fan-out.
	discoveryWorkers = 4

	// tenantPageSize pages the tenant-wide object scan.
	tenantPageSize = 200

	// evidence lines
	detectedByCosine = "cosine"
	detectedByNLI    = "nli"
)

// DiscoverySummary is the completion record of one discovery run.
type DiscoverySummary struct {
	ObjectsProcessed int   `json:"objects_processed"`
	EdgesCreated     int   `json:"edges_created"`
	EdgesUpdated     int   `json:"edges_updated"`
	DurationMs       int64 `json:"duration_ms"`
}

type discoveryCounters struct {
	processed atomic.Int64
	created   atomic.Int64
	updated   atomic.Int64
}

// Discovery finds SUPPORTS and CONTRADICTS edges between knowledge
// objects by comparing their primary embeddings.
type Discovery struct {
	store         *knowledge.Store
	vectors       vectorstore.VectorStore
	classifier    ContradictionClassifier
	objectTimeout time.Duration
	logger        *slog.Logger
}

// NewDiscovery wires the job. classifier nil disables CONTRADICTS
// detection entirely; SUPPORTS edges still form.
func NewDiscovery(store *knowledge.Store, vectors vectorstore.VectorStore, classifier ContradictionClassifier, objectTimeout time.Duration, logger *slog.Logger) *Discovery {
	if store == nil {
		panic("jobs: store must not be nil")
	}
	if vectors == nil {
		panic("jobs: vector store must not be nil")
	}
	if objectTimeout <= 0 {
		objectTimeout = config.JobObjectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{
		store:         store,
		vectors:       vectors,
		classifier:    classifier,
		objectTimeout: objectTimeout,
		logger:        logger,
	}
}

// Run discovers edges for one object (objectID != "") or every
// non-archived object of the tenant. Individual object failures are
// logged and skipped; only a cancelled context or an unusable input
// fails the run.
func (d *Discovery) Run(ctx context.Context, tenantID, objectID string) (*DiscoverySummary, error) {
	ctx, span := tracer.Start(ctx, "RelationshipDiscovery")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Bool("tenant.wide", objectID == ""),
	)
	start := time.Now()

	objects, err := d.collectObjects(ctx, tenantID, objectID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "object collection failed")
		return nil, err
	}

	counters := &discoveryCounters{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(discoveryWorkers)
	for _, obj := range objects {
		if gctx.Err() != nil {
			break
		}
		obj := obj
		g.Go(func() error {
			if err := d.processObject(gctx, tenantID, obj, counters); err != nil {
				d.logger.Warn("Relationship discovery skipped object",
					"tenant_id", tenantID, "object_id", obj.ID, "error", err)
				return nil
			}
			counters.processed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("discovery interrupted: %w", err)
	}

	summary := &DiscoverySummary{
		ObjectsProcessed: int(counters.processed.Load()),
		EdgesCreated:     int(counters.created.Load()),
		EdgesUpdated:     int(counters.updated.Load()),
		DurationMs:       time.Since(start).Milliseconds(),
	}
	span.SetAttributes(
		attribute.Int("discovery.objects", summary.ObjectsProcessed),
		attribute.Int("discovery.edges_created", summary.EdgesCreated),
		attribute.Int("discovery.edges_updated", summary.EdgesUpdated),
	)
	d.logger.Info("Relationship discovery finished",
		"tenant_id", tenantID,
		"objects_processed", summary.ObjectsProcessed,
		"edges_created", summary.EdgesCreated,
		"edges_updated", summary.EdgesUpdated,
		"duration_ms", summary.DurationMs)
	return summary, nil
}

func (d *Discovery) collectObjects(ctx context.Context, tenantID, objectID string) ([]*datatypes.KnowledgeObject, error) {
	if objectID != "" {
		obj, err := d.store.Objects.GetByID(ctx, nil, tenantID, objectID)
		if err != nil {
			return nil, err
		}
		if obj == nil {
			return nil, ErrObjectNotFound
		}
		return []*datatypes.KnowledgeObject{obj}, nil
	}

	notArchived := false
	var all []*datatypes.KnowledgeObject
	for offset := 0; ; offset += tenantPageSize {
		page, err := d.store.Objects.List(ctx, nil, tenantID, datatypes.ListObjectsQuery{
			Archived: &notArchived,
			Limit:    tenantPageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < tenantPageSize {
			return all, nil
		}
	}
}

// processObject compares one object against its K nearest neighbors and
// upserts the edges that clear the thresholds.
func (d *Discovery) processObject(ctx context.Context, tenantID string, obj *datatypes.KnowledgeObject, c *discoveryCounters) error {
	ctx, cancel := context.WithTimeout(ctx, d.objectTimeout)
	defer cancel()

	sourceText, vec, err := d.primaryEmbedding(ctx, obj.ID)
	if err != nil {
		return err
	}
	if vec == nil {
		// Nothing embedded yet; the memory pipeline or ingestion will
		// get to it.
		return nil
	}

	// The object's own variants appear in their own neighborhood, so
	// over-fetch slightly before excluding self.
	matches, err := d.vectors.Query(ctx, vectorstore.Query{
		TenantID: tenantID,
		Vector:   vec,
		K:        neighborK + 2,
	})
	if err != nil {
		return fmt.Errorf("neighbor query: %w", err)
	}
	neighbors := bestPerObject(matches, obj.ID)
	if len(neighbors) > neighborK {
		neighbors = neighbors[:neighborK]
	}
	if len(neighbors) == 0 {
		return nil
	}

	neighborIDs := make([]string, len(neighbors))
	for i, n := range neighbors {
		neighborIDs[i] = n.ObjectID
	}
	neighborVariants, err := d.store.Variants.GetForObjects(ctx, nil, neighborIDs)
	if err != nil {
		d.logger.Warn("Neighbor variant fetch failed, falling back to index snippets",
			"object_id", obj.ID, "error", err)
		neighborVariants = nil
	}

	existing, err := d.existingEdges(ctx, obj.ID)
	if err != nil {
		return err
	}

	for _, n := range neighbors {
		cos := 1.0 - n.Distance
		if cos >= supportsThreshold {
			evidence := fmt.Sprintf("cosine similarity %.3f", cos)
			if err := d.upsertEdge(ctx, obj.ID, n.ObjectID, datatypes.RelSupports, cos, evidence, detectedByCosine, existing, c); err != nil {
				return err
			}
		}
		if cos < contradictionFloor || d.classifier == nil {
			continue
		}
		targetText := preferredText(neighborVariants[n.ObjectID])
		if targetText == "" {
			targetText = n.Snippet
		}
		if sourceText == "" || targetText == "" {
			continue
		}
		verdict, err := d.classifier.Classify(ctx, sourceText, targetText)
		if err != nil {
			d.logger.Warn("Contradiction classifier failed for pair",
				"source_id", obj.ID, "target_id", n.ObjectID, "error", err)
			continue
		}
		if !verdict.Contradicts {
			continue
		}
		if err := d.upsertEdge(ctx, obj.ID, n.ObjectID, datatypes.RelContradicts, verdict.Confidence, verdict.Rationale, detectedByNLI, existing, c); err != nil {
			return err
		}
	}
	return nil
}

// primaryEmbedding returns the embedded text and vector for an object:
// the SHORT variant when it has one, else BULLET_FACTS. (nil, nil) with
// no error means the object has nothing indexed.
func (d *Discovery) primaryEmbedding(ctx context.Context, objectID string) (string, []float32, error) {
	variants, err := d.store.Variants.GetForObject(ctx, nil, objectID)
	if err != nil {
		return "", nil, err
	}
	for _, want := range []datatypes.VariantType{datatypes.VariantShort, datatypes.VariantBulletFacts} {
		for _, v := range variants {
			if v.Variant != want {
				continue
			}
			emb, err := d.store.Embeddings.GetByVariantID(ctx, nil, v.ID)
			if err != nil {
				return "", nil, err
			}
			if emb == nil {
				continue
			}
			text := ""
			if v.Content != nil {
				text = *v.Content
			}
			return text, emb.Vector, nil
		}
	}
	return "", nil, nil
}

// existingEdges returns the (target, type) pairs already present for the
// source, which is how the summary tells created from updated.
func (d *Discovery) existingEdges(ctx context.Context, sourceID string) (map[string]bool, error) {
	rels, err := d.store.Relationships.ListBySource(ctx, nil, sourceID)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(rels))
	for _, rel := range rels {
		set[edgeKey(rel.TargetID, rel.Type)] = true
	}
	return set, nil
}

func (d *Discovery) upsertEdge(ctx context.Context, sourceID, targetID string, typ datatypes.RelationshipType, confidence float64, evidence, detectedBy string, existing map[string]bool, c *discoveryCounters) error {
	now := time.Now().UTC()
	rel := &datatypes.KnowledgeRelationship{
		ID:         uuid.NewString(),
		SourceID:   sourceID,
		TargetID:   targetID,
		Type:       typ,
		Confidence: confidence,
		Evidence:   evidence,
		DetectedBy: detectedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := d.store.Relationships.Upsert(ctx, nil, rel); err != nil {
		return fmt.Errorf("edge upsert %s->%s: %w", sourceID, targetID, err)
	}
	key := edgeKey(targetID, typ)
	if existing[key] {
		c.updated.Add(1)
	} else {
		existing[key] = true
		c.created.Add(1)
	}
	return nil
}

func edgeKey(targetID string, typ datatypes.RelationshipType) string {
	return targetID + "|" + string(typ)
}

// bestPerObject keeps the closest match per neighbor object, excluding
// the source itself, preserving distance order.
func bestPerObject(matches []vectorstore.Match, selfID string) []vectorstore.Match {
	seen := make(map[string]bool, len(matches))
	out := make([]vectorstore.Match, 0, len(matches))
	for _, m := range matches {
		if m.ObjectID == selfID || m.ObjectID == "" || seen[m.ObjectID] {
			continue
		}
		seen[m.ObjectID] = true
		out = append(out, m)
	}
	return out
}

// preferredText picks the text to hand the classifier: SHORT reads like
// prose, BULLET_FACTS is the fallback for fact objects.
func preferredText(variants []*datatypes.ContentVariant) string {
	for _, want := range []datatypes.VariantType{datatypes.VariantShort, datatypes.VariantBulletFacts} {
		for _, v := range variants {
			if v.Variant == want && v.Content != nil && *v.Content != "" {
				return *v.Content
			}
		}
	}
	return ""
}
