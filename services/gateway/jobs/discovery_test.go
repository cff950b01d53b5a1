// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/knowledge"
	"github.com/AleutianAI/AleutianGateway/services/gateway/vectorstore"
)

// discoveryFixture wires a single source object with a SHORT embedding
// and a configurable neighborhood.
type discoveryFixture struct {
	objects  *jobObjects
	vectors  *jobVectors
	rels     *jobRelationships
	variants *jobVariants
}

func newDiscoveryFixture(matches []vectorstore.Match) *discoveryFixture {
	shortContent := "The retention window defaults to thirty days."
	f := &discoveryFixture{
		objects: &jobObjects{byID: map[string]*datatypes.KnowledgeObject{
			"obj-src": {ID: "obj-src", TenantID: "tenant-1", Type: datatypes.ObjectExtractedFact},
		}},
		vectors: &jobVectors{matches: matches},
		rels:    &jobRelationships{},
		variants: &jobVariants{byObject: map[string][]*datatypes.ContentVariant{
			"obj-src": {{ID: "var-src", KnowledgeObjectID: "obj-src", Variant: datatypes.VariantShort, Content: &shortContent}},
		}},
	}
	return f
}

func (f *discoveryFixture) discovery(classifier ContradictionClassifier) *Discovery {
	store := &knowledge.Store{
		Objects:       f.objects,
		Variants:      f.variants,
		Embeddings:    &jobEmbeddings{byVariant: map[string]*datatypes.Embedding{"var-src": {ID: "emb-src", VariantID: "var-src", Vector: []float32{1, 0, 0}}}},
		Relationships: f.rels,
	}
	return NewDiscovery(store, f.vectors, classifier, time.Minute, quietLogger())
}

func (f *discoveryFixture) addNeighborText(objectID, text string) {
	f.variants.byObject[objectID] = []*datatypes.ContentVariant{
		{ID: "var-" + objectID, KnowledgeObjectID: objectID, Variant: datatypes.VariantShort, Content: &text},
	}
}

func TestDiscovery_SupportsEdgeAboveThreshold(t *testing.T) {
	t.Parallel()
	fix := newDiscoveryFixture([]vectorstore.Match{
		{ObjectID: "obj-src", VariantID: "var-src", Distance: 0.0}, // self, excluded
		{ObjectID: "obj-close", VariantID: "v1", Distance: 0.1},    // cosine 0.90
		{ObjectID: "obj-far", VariantID: "v2", Distance: 0.5},      // cosine 0.50
	})
	d := fix.discovery(nil)

	summary, err := d.Run(context.Background(), "tenant-1", "obj-src")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	edges := fix.rels.snapshot()
	if len(edges) != 1 {
		t.Fatalf("edges = %d, want 1", len(edges))
	}
	edge := edges[0]
	if edge.SourceID != "obj-src" || edge.TargetID != "obj-close" {
		t.Errorf("edge %s -> %s", edge.SourceID, edge.TargetID)
	}
	if edge.Type != datatypes.RelSupports {
		t.Errorf("edge type = %s", edge.Type)
	}
	if math.Abs(edge.Confidence-0.9) > 1e-6 {
		t.Errorf("confidence = %v, want 0.9", edge.Confidence)
	}
	if edge.DetectedBy != detectedByCosine {
		t.Errorf("detected_by = %q", edge.DetectedBy)
	}

	if summary.ObjectsProcessed != 1 || summary.EdgesCreated != 1 || summary.EdgesUpdated != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestDiscovery_ContradictsNeedsClassifierVerdict(t *testing.T) {
	t.Parallel()
	// cosine 0.75: above the contradiction floor, below SUPPORTS.
	matches := []vectorstore.Match{{ObjectID: "obj-other", VariantID: "v1", Distance: 0.25}}

	t.Run("classifier fires", func(t *testing.T) {
		t.Parallel()
		fix := newDiscoveryFixture(matches)
		fix.addNeighborText("obj-other", "The retention window never expires.")
		classifier := &fixedClassifier{verdict: &ContradictionResult{
			Contradicts: true, Confidence: 0.88, Rationale: "one claims expiry, the other permanence",
		}}
		d := fix.discovery(classifier)

		summary, err := d.Run(context.Background(), "tenant-1", "obj-src")
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		edges := fix.rels.snapshot()
		if len(edges) != 1 {
			t.Fatalf("edges = %d, want 1", len(edges))
		}
		if edges[0].Type != datatypes.RelContradicts {
			t.Errorf("type = %s", edges[0].Type)
		}
		if edges[0].Confidence != 0.88 {
			t.Errorf("confidence = %v, want classifier confidence", edges[0].Confidence)
		}
		if edges[0].Evidence != "one claims expiry, the other permanence" {
			t.Errorf("evidence = %q", edges[0].Evidence)
		}
		if edges[0].DetectedBy != detectedByNLI {
			t.Errorf("detected_by = %q", edges[0].DetectedBy)
		}
		if summary.EdgesCreated != 1 {
			t.Errorf("summary = %+v", summary)
		}
	})

	t.Run("classifier declines", func(t *testing.T) {
		t.Parallel()
		fix := newDiscoveryFixture(matches)
		fix.addNeighborText("obj-other", "Retention is a different subsystem.")
		classifier := &fixedClassifier{verdict: &ContradictionResult{Contradicts: false}}
		d := fix.discovery(classifier)

		if _, err := d.Run(context.Background(), "tenant-1", "obj-src"); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := len(fix.rels.snapshot()); got != 0 {
			t.Errorf("edges = %d, want 0", got)
		}
		if classifier.callCount() != 1 {
			t.Errorf("classifier calls = %d, want 1", classifier.callCount())
		}
	})

	t.Run("classifier disabled", func(t *testing.T) {
		t.Parallel()
		fix := newDiscoveryFixture(matches)
		d := fix.discovery(nil)

		if _, err := d.Run(context.Background(), "tenant-1", "obj-src"); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := len(fix.rels.snapshot()); got != 0 {
			t.Errorf("edges = %d, want 0 with classifier disabled", got)
		}
	})
}

func TestDiscovery_BelowFloorSkipsClassifier(t *testing.T) {
	t.Parallel()
	// cosine 0.5, below both thresholds
	fix := newDiscoveryFixture([]vectorstore.Match{{ObjectID: "obj-other", VariantID: "v1", Distance: 0.5}})
	classifier := &fixedClassifier{verdict: &ContradictionResult{Contradicts: true, Confidence: 1}}
	d := fix.discovery(classifier)

	if _, err := d.Run(context.Background(), "tenant-1", "obj-src"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if classifier.callCount() != 0 {
		t.Errorf("classifier consulted for a distant pair (%d calls)", classifier.callCount())
	}
	if got := len(fix.rels.snapshot()); got != 0 {
		t.Errorf("edges = %d, want 0", got)
	}
}

func TestDiscovery_ExistingEdgeCountsAsUpdated(t *testing.T) {
	t.Parallel()
	fix := newDiscoveryFixture([]vectorstore.Match{{ObjectID: "obj-close", VariantID: "v1", Distance: 0.1}})
	fix.rels.existing = map[string][]*datatypes.KnowledgeRelationship{
		"obj-src": {{SourceID: "obj-src", TargetID: "obj-close", Type: datatypes.RelSupports}},
	}
	d := fix.discovery(nil)

	summary, err := d.Run(context.Background(), "tenant-1", "obj-src")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.EdgesCreated != 0 || summary.EdgesUpdated != 1 {
		t.Errorf("summary = %+v, want 0 created / 1 updated", summary)
	}
}

func TestDiscovery_UnknownObjectIsNotFound(t *testing.T) {
	t.Parallel()
	fix := newDiscoveryFixture(nil)
	d := fix.discovery(nil)

	_, err := d.Run(context.Background(), "tenant-1", "obj-missing")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("err = %v, want ErrObjectNotFound", err)
	}
}

func TestDiscovery_ObjectWithoutEmbeddingIsSkipped(t *testing.T) {
	t.Parallel()
	fix := newDiscoveryFixture([]vectorstore.Match{{ObjectID: "obj-close", Distance: 0.1}})
	fix.objects.byID["obj-bare"] = &datatypes.KnowledgeObject{ID: "obj-bare", TenantID: "tenant-1"}
	d := fix.discovery(nil)

	summary, err := d.Run(context.Background(), "tenant-1", "obj-bare")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := len(fix.rels.snapshot()); got != 0 {
		t.Errorf("edges = %d, want 0 for an unembedded object", got)
	}
	if summary.ObjectsProcessed != 1 {
		t.Errorf("objects_processed = %d, want 1", summary.ObjectsProcessed)
	}
}

func TestDiscovery_TenantWideScansAllPages(t *testing.T) {
	t.Parallel()
	fix := newDiscoveryFixture(nil)
	for i := 0; i < 3; i++ {
		id := "obj-" + string(rune('a'+i))
		fix.objects.tenant = append(fix.objects.tenant, &datatypes.KnowledgeObject{ID: id, TenantID: "tenant-1"})
	}
	d := fix.discovery(nil)

	summary, err := d.Run(context.Background(), "tenant-1", "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.ObjectsProcessed != 3 {
		t.Errorf("objects_processed = %d, want 3", summary.ObjectsProcessed)
	}
	if summary.EdgesCreated != 0 {
		t.Errorf("edges_created = %d, want 0 (no embeddings)", summary.EdgesCreated)
	}
}

func TestBestPerObject(t *testing.T) {
	t.Parallel()
	matches := []vectorstore.Match{
		{ObjectID: "self", Distance: 0},
		{ObjectID: "a", Distance: 0.1},
		{ObjectID: "a", Distance: 0.2},
		{ObjectID: "b", Distance: 0.3},
	}
	got := bestPerObject(matches, "self")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ObjectID != "a" || got[0].Distance != 0.1 {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].ObjectID != "b" {
		t.Errorf("second = %+v", got[1])
	}
}
