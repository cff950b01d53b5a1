// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Enumeration Tests
// =============================================================================

func TestObjectType_Valid_AllConstants(t *testing.T) {
	valid := []ObjectType{
		ObjectTurn, ObjectFileChunk, ObjectSummary, ObjectExtractedFact, ObjectSessionMemory,
	}

	for _, typ := range valid {
		t.Run(string(typ), func(t *testing.T) {
			assert.True(t, typ.Valid(), "ObjectType %s should be valid", typ)
		})
	}

	assert.False(t, ObjectType("THOUGHT").Valid())
	assert.False(t, ObjectType("").Valid())
}

func TestRetrievableTypes_ExcludesTurn(t *testing.T) {
	for _, typ := range RetrievableTypes() {
		assert.NotEqual(t, ObjectTurn, typ, "raw turns must not be retrievable")
	}
}

func TestVariantType_Valid(t *testing.T) {
	assert.True(t, VariantRaw.Valid())
	assert.True(t, VariantBulletFacts.Valid())
	assert.False(t, VariantType("LONG").Valid())
}

func TestPlan_Valid(t *testing.T) {
	assert.True(t, PlanFree.Valid())
	assert.True(t, PlanTokenBilled.Valid())
	assert.False(t, Plan("TRIAL").Valid())
}

// =============================================================================
// ContentVariant Invariant Tests
// =============================================================================

func TestContentVariant_Validate_InlineOnly(t *testing.T) {
	content := "summary text"
	v := &ContentVariant{ID: "v1", Variant: VariantShort, Content: &content}

	assert.NoError(t, v.Validate())
}

func TestContentVariant_Validate_StorageOnly(t *testing.T) {
	uri := "gs://bucket/tenants/t1/raw/v1"
	v := &ContentVariant{ID: "v1", Variant: VariantRaw, StorageURI: &uri}

	assert.NoError(t, v.Validate())
}

func TestContentVariant_Validate_BothSet(t *testing.T) {
	content := "content"
	uri := "gs://bucket/x"
	v := &ContentVariant{ID: "v1", Variant: VariantRaw, Content: &content, StorageURI: &uri}

	assert.Error(t, v.Validate(), "content and storage_uri are mutually exclusive")
}

func TestContentVariant_Validate_NeitherSet(t *testing.T) {
	v := &ContentVariant{ID: "v1", Variant: VariantMedium}

	assert.Error(t, v.Validate())
}

func TestContentVariant_Validate_ShortMustBeInline(t *testing.T) {
	uri := "gs://bucket/x"
	v := &ContentVariant{ID: "v1", Variant: VariantShort, StorageURI: &uri}

	assert.Error(t, v.Validate(), "SHORT variants must be inline")
}

// =============================================================================
// Relationship Invariant Tests
// =============================================================================

func TestKnowledgeRelationship_Validate_SelfEdge(t *testing.T) {
	rel := &KnowledgeRelationship{SourceID: "a", TargetID: "a", Type: RelSupports, Confidence: 0.9}

	assert.Error(t, rel.Validate())
}

func TestKnowledgeRelationship_Validate_ConfidenceBounds(t *testing.T) {
	rel := &KnowledgeRelationship{SourceID: "a", TargetID: "b", Type: RelSupports, Confidence: 1.2}
	assert.Error(t, rel.Validate())

	rel.Confidence = -0.1
	assert.Error(t, rel.Validate())

	rel.Confidence = 0.82
	assert.NoError(t, rel.Validate())
}

// =============================================================================
// DialogueState Topic LRU Tests
// =============================================================================

func TestDialogueState_MergeTopics_AppendsNew(t *testing.T) {
	s := &DialogueState{}
	s.MergeTopics([]string{"billing", "latency"})

	require.Len(t, s.Topics, 2)
	assert.Equal(t, "billing", s.Topics[0])
	assert.Equal(t, "latency", s.Topics[1])
}

func TestDialogueState_MergeTopics_ReappearanceMovesToTail(t *testing.T) {
	s := &DialogueState{}
	s.MergeTopics([]string{"billing", "latency", "auth"})
	s.MergeTopics([]string{"billing"})

	require.Len(t, s.Topics, 3)
	assert.Equal(t, "billing", s.Topics[2], "re-mentioned topic should be most recent")
}

func TestDialogueState_MergeTopics_CapEvictsOldest(t *testing.T) {
	s := &DialogueState{}
	for i := 0; i < TopicsCap+5; i++ {
		s.MergeTopics([]string{fmt.Sprintf("topic-%02d", i)})
	}

	require.Len(t, s.Topics, TopicsCap)
	assert.Equal(t, "topic-05", s.Topics[0], "oldest topics beyond the cap are evicted")
}

func TestDialogueState_MergeTopics_IgnoresEmpty(t *testing.T) {
	s := &DialogueState{}
	s.MergeTopics([]string{"", "real"})

	require.Len(t, s.Topics, 1)
	assert.Equal(t, "real", s.Topics[0])
}

// =============================================================================
// KnowledgeObject Metadata Tests
// =============================================================================

func TestKnowledgeObject_RequestID(t *testing.T) {
	obj := &KnowledgeObject{Metadata: map[string]interface{}{MetaRequestID: "req-1"}}
	assert.Equal(t, "req-1", obj.RequestID())

	empty := &KnowledgeObject{}
	assert.Equal(t, "", empty.RequestID())

	wrongType := &KnowledgeObject{Metadata: map[string]interface{}{MetaRequestID: 7}}
	assert.Equal(t, "", wrongType.RequestID())
}

// =============================================================================
// API Request Validation Tests
// =============================================================================

func TestCreateObjectRequest_Validate(t *testing.T) {
	req := &CreateObjectRequest{Type: ObjectFileChunk, Content: "body"}
	assert.NoError(t, req.Validate())

	req.Type = "BOGUS"
	assert.Error(t, req.Validate())
}

func TestUpdateObjectRequest_Validate_EmptyPatch(t *testing.T) {
	req := &UpdateObjectRequest{}
	assert.Error(t, req.Validate())

	archived := true
	req.Archived = &archived
	assert.NoError(t, req.Validate())
}

func TestSearchRequest_Validate_TypeFilter(t *testing.T) {
	req := &SearchRequest{Query: "what changed", Types: []string{"SUMMARY"}}
	assert.NoError(t, req.Validate())

	req.Types = []string{"SUMMARY", "NOPE"}
	assert.Error(t, req.Validate())
}

func TestRelationshipJobRequest_Validate_OneOf(t *testing.T) {
	neither := &RelationshipJobRequest{}
	assert.Error(t, neither.Validate())

	both := &RelationshipJobRequest{
		ObjectIDs: []string{"550e8400-e29b-41d4-a716-446655440000"},
		Since:     "2025-01-01T00:00:00Z",
	}
	assert.Error(t, both.Validate())

	ids := &RelationshipJobRequest{ObjectIDs: []string{"550e8400-e29b-41d4-a716-446655440000"}}
	assert.NoError(t, ids.Validate())

	since := &RelationshipJobRequest{Since: "2025-01-01T00:00:00Z"}
	assert.NoError(t, since.Validate())
	assert.False(t, since.SinceTime().IsZero())
}

func TestRelationshipJobRequest_Validate_BadSince(t *testing.T) {
	req := &RelationshipJobRequest{Since: "yesterday"}
	assert.Error(t, req.Validate())
}
