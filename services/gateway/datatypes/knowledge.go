// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Knowledge entities persisted by the relational store. Every entity is
// tenant-scoped; identifiers are opaque strings (UUID text) at every
// interface and uuid columns in Postgres.
package datatypes

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// =============================================================================
// Enumerations
// =============================================================================

// Plan is a tenant's billing plan. Plans select rate-limit tiers; billing
// itself happens outside the gateway.
type Plan string

const (
	PlanFree         Plan = "FREE"
	PlanSubscription Plan = "SUBSCRIPTION"
	PlanTokenBilled  Plan = "TOKEN_BILLED"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanSubscription, PlanTokenBilled:
		return true
	}
	return false
}

// ObjectType classifies a knowledge object.
type ObjectType string

const (
	ObjectTurn          ObjectType = "TURN"
	ObjectFileChunk     ObjectType = "FILE_CHUNK"
	ObjectSummary       ObjectType = "SUMMARY"
	ObjectExtractedFact ObjectType = "EXTRACTED_FACT"
	ObjectSessionMemory ObjectType = "SESSION_MEMORY"
)

// Valid reports whether t is a known object type.
func (t ObjectType) Valid() bool {
	switch t {
	case ObjectTurn, ObjectFileChunk, ObjectSummary, ObjectExtractedFact, ObjectSessionMemory:
		return true
	}
	return false
}

// RetrievableTypes are the object types the context builder pulls from.
// Raw TURN objects are deliberately excluded; their content only reaches a
// prompt through the micro-quote path.
func RetrievableTypes() []ObjectType {
	return []ObjectType{ObjectSummary, ObjectExtractedFact, ObjectSessionMemory, ObjectFileChunk}
}

// VariantType classifies a content rendition of a knowledge object.
type VariantType string

const (
	VariantRaw         VariantType = "RAW"
	VariantShort       VariantType = "SHORT"
	VariantMedium      VariantType = "MEDIUM"
	VariantBulletFacts VariantType = "BULLET_FACTS"
)

// Valid reports whether v is a known variant type.
func (v VariantType) Valid() bool {
	switch v {
	case VariantRaw, VariantShort, VariantMedium, VariantBulletFacts:
		return true
	}
	return false
}

// RelationshipType classifies an edge between knowledge objects.
type RelationshipType string

const (
	RelSupports    RelationshipType = "SUPPORTS"
	RelReferences  RelationshipType = "REFERENCES"
	RelContradicts RelationshipType = "CONTRADICTS"
)

// Metadata keys the pipeline writes onto knowledge objects.
const (
	MetaRequestID  = "request_id"
	MetaRole       = "role"
	MetaModel      = "model"
	MetaSource     = "source"
	MetaConfidence = "confidence"
)

// =============================================================================
// Tenancy
// =============================================================================

// Tenant is the unit of isolation. Every query, write, and index operation
// carries the tenant id; cross-tenant reads are a correctness bug, not a
// policy decision.
type Tenant struct {
	ID     string `gorm:"type:uuid;primaryKey" json:"tenant_id"`
	Name   string `gorm:"type:text;not null" json:"name"`
	Plan   Plan   `gorm:"type:text;not null;default:'FREE'" json:"plan"`
	Active bool   `gorm:"not null;default:true" json:"active"`

	// TokenBudget overrides the process-wide context budget when > 0.
	TokenBudget int `gorm:"not null;default:0" json:"token_budget"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (Tenant) TableName() string { return "tenants" }

// APIKey authenticates a caller. Only the sha256 hash of the presented key
// is stored; validation is a lookup by hash.
type APIKey struct {
	ID         string     `gorm:"type:uuid;primaryKey" json:"id"`
	KeyHash    string     `gorm:"type:text;not null;uniqueIndex" json:"-"`
	TenantID   string     `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Name       string     `gorm:"type:text;not null" json:"name"`
	Active     bool       `gorm:"not null;default:true" json:"active"`
	CreatedAt  time.Time  `gorm:"not null;default:now()" json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

func (APIKey) TableName() string { return "api_keys" }

// =============================================================================
// Knowledge Graph
// =============================================================================

// KnowledgeObject is a typed node in the tenant's knowledge forest.
//
// # Description
//
// Parent/child links form a directed forest: an assistant TURN points at
// the user TURN it answers, EXTRACTED_FACTs point at the assistant turn
// that produced them, and SESSION_MEMORY points at the latest turn it
// subsumes. Objects are never deleted by the pipeline; setting Archived
// hides an object from retrieval while keeping it reachable through
// relationship traversal.
//
// # Fields
//
//   - Metadata: free-form jsonb. The memory pipeline records MetaRequestID
//     and MetaRole here, which is also how exchange idempotency is checked.
//   - OriginalTokens: token count of the RAW content at creation time.
type KnowledgeObject struct {
	ID        string     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string     `gorm:"type:uuid;not null;index:idx_ko_tenant_type,priority:1" json:"tenant_id"`
	Type      ObjectType `gorm:"type:text;not null;index:idx_ko_tenant_type,priority:2" json:"type"`
	SessionID *string    `gorm:"type:text;index" json:"session_id,omitempty"`
	UserID    *string    `gorm:"type:text" json:"user_id,omitempty"`
	ParentID  *string    `gorm:"type:uuid;index" json:"parent_id,omitempty"`

	Tags     datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"tags"`
	Metadata datatypes.JSONMap           `gorm:"type:jsonb;not null;default:'{}'" json:"metadata"`

	Archived       bool      `gorm:"not null;default:false;index" json:"archived"`
	OriginalTokens int       `gorm:"not null;default:0" json:"original_tokens"`
	CreatedAt      time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (KnowledgeObject) TableName() string { return "knowledge_objects" }

// RequestID returns the request id recorded in metadata, if any.
func (o *KnowledgeObject) RequestID() string {
	if o.Metadata == nil {
		return ""
	}
	if v, ok := o.Metadata[MetaRequestID].(string); ok {
		return v
	}
	return ""
}

// ContentVariant is one rendition of a knowledge object's content.
//
// # Description
//
// Each object carries at most one variant per VariantType. Exactly one of
// Content or StorageURI is set: SHORT and BULLET_FACTS are always inline,
// RAW may be offloaded to blob storage past the inline size threshold.
// Tokens is the counted size of the rendition and is what the context
// builder budgets against.
type ContentVariant struct {
	ID                string      `gorm:"type:uuid;primaryKey" json:"id"`
	KnowledgeObjectID string      `gorm:"type:uuid;not null;uniqueIndex:idx_variant_object_kind,priority:1" json:"knowledge_object_id"`
	Variant           VariantType `gorm:"type:text;not null;uniqueIndex:idx_variant_object_kind,priority:2" json:"variant"`
	Content           *string     `gorm:"type:text" json:"content,omitempty"`
	Tokens            int         `gorm:"not null;default:0" json:"tokens"`
	EmbeddingID       *string     `gorm:"type:uuid" json:"embedding_id,omitempty"`
	StorageURI        *string     `gorm:"type:text" json:"storage_uri,omitempty"`
	CreatedAt         time.Time   `gorm:"not null;default:now()" json:"created_at"`
}

func (ContentVariant) TableName() string { return "content_variants" }

// Validate enforces the content/storage exclusivity invariant before a
// write reaches the database CHECK constraint.
func (v *ContentVariant) Validate() error {
	hasContent := v.Content != nil && *v.Content != ""
	hasURI := v.StorageURI != nil && *v.StorageURI != ""
	if hasContent == hasURI {
		return fmt.Errorf("content variant %s must set exactly one of content or storage_uri", v.ID)
	}
	if !v.Variant.Valid() {
		return fmt.Errorf("unknown variant type %q", v.Variant)
	}
	if (v.Variant == VariantShort || v.Variant == VariantBulletFacts) && !hasContent {
		return fmt.Errorf("%s variants must be inline", v.Variant)
	}
	return nil
}

// InlineContent returns the inline content or "" when offloaded.
func (v *ContentVariant) InlineContent() string {
	if v.Content == nil {
		return ""
	}
	return *v.Content
}

// Embedding records a vector's identity and provenance. The authoritative
// copy of the vector for search lives in the vector index; the row keeps
// the vector too so the index can be rebuilt offline without re-embedding.
type Embedding struct {
	ID          string                       `gorm:"type:uuid;primaryKey" json:"id"`
	VariantID   string                       `gorm:"type:uuid;not null;uniqueIndex" json:"variant_id"`
	Vector      datatypes.JSONSlice[float32] `gorm:"type:jsonb;not null" json:"vector"`
	TextSnippet string                       `gorm:"type:text;not null;default:''" json:"text_snippet"`
	CreatedAt   time.Time                    `gorm:"not null;default:now()" json:"created_at"`
}

func (Embedding) TableName() string { return "embeddings" }

// KnowledgeRelationship is a typed, weighted edge between two knowledge
// objects. At most one edge exists per (source, target, type); re-detection
// updates confidence and evidence but never CreatedAt.
type KnowledgeRelationship struct {
	ID         string           `gorm:"type:uuid;primaryKey" json:"id"`
	SourceID   string           `gorm:"type:uuid;not null;uniqueIndex:idx_rel_edge,priority:1" json:"source_id"`
	TargetID   string           `gorm:"type:uuid;not null;uniqueIndex:idx_rel_edge,priority:2" json:"target_id"`
	Type       RelationshipType `gorm:"type:text;not null;uniqueIndex:idx_rel_edge,priority:3" json:"type"`
	Confidence float64          `gorm:"not null" json:"confidence"`
	Evidence   string           `gorm:"type:text;not null;default:''" json:"evidence"`
	DetectedBy string           `gorm:"type:text;not null;default:''" json:"detected_by"`
	CreatedAt  time.Time        `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt  time.Time        `gorm:"not null;default:now()" json:"updated_at"`
}

func (KnowledgeRelationship) TableName() string { return "knowledge_relationships" }

// Validate rejects self-edges and out-of-range confidence.
func (r *KnowledgeRelationship) Validate() error {
	if r.SourceID == r.TargetID {
		return fmt.Errorf("relationship source and target must differ")
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("relationship confidence %f out of [0,1]", r.Confidence)
	}
	return nil
}

// =============================================================================
// Dialogue State
// =============================================================================

// TopicsCap bounds the LRU topic list on a dialogue state.
const TopicsCap = 20

// DialogueState is the per-session rolling summary. Created lazily on the
// first turn of a session; updated under a per-session lock by the memory
// pipeline.
type DialogueState struct {
	ID        string  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID  string  `gorm:"type:uuid;not null;uniqueIndex:idx_dialogue_session,priority:1" json:"tenant_id"`
	SessionID string  `gorm:"type:text;not null;uniqueIndex:idx_dialogue_session,priority:2" json:"session_id"`
	UserID    *string `gorm:"type:text" json:"user_id,omitempty"`

	// SummaryShort is capped at 250 tokens, SummaryBullets at 120.
	SummaryShort   string                      `gorm:"type:text;not null;default:''" json:"summary_short"`
	SummaryBullets string                      `gorm:"type:text;not null;default:''" json:"summary_bullets"`
	Topics         datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"topics"`

	CumulativeTokens int `gorm:"not null;default:0" json:"cumulative_tokens"`
	TurnCount        int `gorm:"not null;default:0" json:"turn_count"`

	// LastSummaryTokens is the cumulative token watermark at the most
	// recent summarization; the delta drives the 3000-token trigger.
	LastSummaryTokens int `gorm:"not null;default:0" json:"last_summary_tokens"`

	LastUpdatedAt time.Time `gorm:"not null;default:now()" json:"last_updated_at"`
}

func (DialogueState) TableName() string { return "dialogue_states" }

// MergeTopics folds new topics into the list, most recent last, keeping at
// most TopicsCap entries by last appearance.
func (s *DialogueState) MergeTopics(incoming []string) {
	for _, topic := range incoming {
		if topic == "" {
			continue
		}
		// Re-appearance moves the topic to the tail.
		for i, existing := range s.Topics {
			if existing == topic {
				s.Topics = append(s.Topics[:i], s.Topics[i+1:]...)
				break
			}
		}
		s.Topics = append(s.Topics, topic)
	}
	if over := len(s.Topics) - TopicsCap; over > 0 {
		s.Topics = s.Topics[over:]
	}
}

// =============================================================================
// Usage Accounting
// =============================================================================

// UsageLog is one append-only accounting row per completed request.
// RequestID is unique; duplicate writes are silently ignored, which is what
// makes replayed exchanges bill exactly once.
type UsageLog struct {
	ID                  string    `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID            string    `gorm:"type:uuid;not null;index:idx_usage_tenant_time,priority:1" json:"tenant_id"`
	UserID              string    `gorm:"type:text;not null;default:''" json:"user_id"`
	SessionID           string    `gorm:"type:text;not null;default:''" json:"session_id"`
	RequestID           string    `gorm:"type:text;not null;uniqueIndex" json:"request_id"`
	Model               string    `gorm:"type:text;not null" json:"model"`
	KnowledgeTokensUsed int       `gorm:"not null;default:0" json:"knowledge_tokens_used"`
	LLMInputTokens      int       `gorm:"not null;default:0" json:"llm_input_tokens"`
	LLMOutputTokens     int       `gorm:"not null;default:0" json:"llm_output_tokens"`
	CostEstimate        float64   `gorm:"not null;default:0" json:"cost_estimate"`
	Timestamp           time.Time `gorm:"not null;default:now();index:idx_usage_tenant_time,priority:2" json:"timestamp"`
}

func (UsageLog) TableName() string { return "usage_logs" }
