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
	"time"
)

// MaxIngestBytes caps a single ingested document.
const MaxIngestBytes = 4 << 20

// CreateObjectRequest creates a knowledge object with its RAW content.
// The pipeline derives variants and embeddings asynchronously.
type CreateObjectRequest struct {
	Type      ObjectType             `json:"type" validate:"required"`
	Content   string                 `json:"content" validate:"required"`
	SessionID string                 `json:"session_id,omitempty" validate:"omitempty,max=128"`
	UserID    string                 `json:"user_id,omitempty" validate:"omitempty,max=256"`
	ParentID  string                 `json:"parent_id,omitempty" validate:"omitempty,uuid"`
	Tags      []string               `json:"tags,omitempty" validate:"omitempty,max=32,dive,max=64"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks structural constraints and the type enum.
func (r *CreateObjectRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid create request: %w", err)
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown object type %q", r.Type)
	}
	if len(r.Content) > MaxIngestBytes {
		return fmt.Errorf("content exceeds %d bytes", MaxIngestBytes)
	}
	return nil
}

// UpdateObjectRequest mutates the mutable subset of a knowledge object.
// Nil fields are left untouched.
type UpdateObjectRequest struct {
	Tags     *[]string               `json:"tags,omitempty" validate:"omitempty,max=32,dive,max=64"`
	Metadata *map[string]interface{} `json:"metadata,omitempty"`
	Archived *bool                   `json:"archived,omitempty"`
}

// Validate rejects an empty patch.
func (r *UpdateObjectRequest) Validate() error {
	if r.Tags == nil && r.Metadata == nil && r.Archived == nil {
		return fmt.Errorf("update request must set at least one field")
	}
	return chatValidate.Struct(r)
}

// ListObjectsQuery filters GET /v1/knowledge/objects.
type ListObjectsQuery struct {
	Type      string `form:"type" validate:"omitempty,max=32"`
	SessionID string `form:"session_id" validate:"omitempty,max=128"`
	Archived  *bool  `form:"archived"`
	Limit     int    `form:"limit" validate:"omitempty,gte=1,lte=200"`
	Offset    int    `form:"offset" validate:"omitempty,gte=0"`
}

// Validate checks bounds and the optional type filter.
func (q *ListObjectsQuery) Validate() error {
	if err := chatValidate.Struct(q); err != nil {
		return fmt.Errorf("invalid list query: %w", err)
	}
	if q.Type != "" && !ObjectType(q.Type).Valid() {
		return fmt.Errorf("unknown object type %q", q.Type)
	}
	return nil
}

// IngestRequest uploads a document for chunked ingestion.
//
// # Description
//
// The body is split into FILE_CHUNK objects with the recursive-character
// splitter, each chunk embedded and indexed individually. Filename drives
// separator selection (markdown vs code vs plain text).
type IngestRequest struct {
	Filename string                 `json:"filename" validate:"required,max=512"`
	Content  string                 `json:"content" validate:"required"`
	Tags     []string               `json:"tags,omitempty" validate:"omitempty,max=32,dive,max=64"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Validate checks structural constraints and the size cap.
func (r *IngestRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid ingest request: %w", err)
	}
	if len(r.Content) > MaxIngestBytes {
		return fmt.Errorf("content exceeds %d bytes", MaxIngestBytes)
	}
	return nil
}

// IngestResponse reports what ingestion produced.
type IngestResponse struct {
	ObjectIDs []string `json:"object_ids"`
	Chunks    int      `json:"chunks"`
	Tokens    int      `json:"tokens"`
}

// SearchRequest runs a semantic query over the tenant's retrievable objects.
type SearchRequest struct {
	Query     string   `json:"query" validate:"required,maxbytes"`
	K         int      `json:"k,omitempty" validate:"omitempty,gte=1,lte=100"`
	Types     []string `json:"types,omitempty" validate:"omitempty,max=8"`
	SessionID string   `json:"session_id,omitempty" validate:"omitempty,max=128"`
}

// Validate checks bounds and each type filter entry.
func (r *SearchRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid search request: %w", err)
	}
	for _, t := range r.Types {
		if !ObjectType(t).Valid() {
			return fmt.Errorf("unknown object type %q", t)
		}
	}
	return nil
}

// SearchHit is one scored result.
type SearchHit struct {
	ObjectID  string     `json:"object_id"`
	VariantID string     `json:"variant_id"`
	Type      ObjectType `json:"type"`
	Snippet   string     `json:"snippet"`
	Score     float64    `json:"score"`
	CreatedAt time.Time  `json:"created_at"`
}

// SearchResponse wraps the hits for the search endpoint.
type SearchResponse struct {
	Hits  []SearchHit `json:"hits"`
	Query string      `json:"query"`
}

// ObjectResponse is the external rendering of a knowledge object with its
// variants.
type ObjectResponse struct {
	Object   KnowledgeObject  `json:"object"`
	Variants []ContentVariant `json:"variants,omitempty"`
}

// RelationshipsResponse lists the edges touching one object.
type RelationshipsResponse struct {
	ObjectID      string                  `json:"object_id"`
	Relationships []KnowledgeRelationship `json:"relationships"`
}

// =============================================================================
// Job Requests
// =============================================================================

// RelationshipJobRequest triggers relationship discovery. Exactly one of
// ObjectIDs or Since selects the candidate set.
type RelationshipJobRequest struct {
	ObjectIDs []string `json:"object_ids,omitempty" validate:"omitempty,max=256,dive,uuid"`
	Since     string   `json:"since,omitempty"`
}

// Validate enforces the one-of selector and parses Since.
func (r *RelationshipJobRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid relationship job request: %w", err)
	}
	hasIDs := len(r.ObjectIDs) > 0
	hasSince := r.Since != ""
	if hasIDs == hasSince {
		return fmt.Errorf("exactly one of object_ids or since is required")
	}
	if hasSince {
		if _, err := time.Parse(time.RFC3339, r.Since); err != nil {
			return fmt.Errorf("since must be RFC3339: %w", err)
		}
	}
	return nil
}

// SinceTime returns the parsed Since, zero when unset. Call after Validate.
func (r *RelationshipJobRequest) SinceTime() time.Time {
	if r.Since == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, r.Since)
	return t
}

// SummarizeJobRequest triggers session summarization.
type SummarizeJobRequest struct {
	SessionID string `json:"session_id" validate:"required,max=128"`
}

// Validate checks the session id.
func (r *SummarizeJobRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid summarize job request: %w", err)
	}
	return nil
}

// JobAccepted is the immediate response to an async job trigger.
type JobAccepted struct {
	JobID    string `json:"job_id"`
	Kind     string `json:"kind"`
	Enqueued int    `json:"enqueued"`
}

// SessionStateResponse is the external rendering of a dialogue state.
type SessionStateResponse struct {
	SessionID        string    `json:"session_id"`
	SummaryShort     string    `json:"summary_short"`
	SummaryBullets   string    `json:"summary_bullets"`
	Topics           []string  `json:"topics"`
	TurnCount        int       `json:"turn_count"`
	CumulativeTokens int       `json:"cumulative_tokens"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}
