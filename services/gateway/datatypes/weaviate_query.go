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
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// Encapsulates the marshal/unmarshal pattern required to convert Weaviate's
// dynamic response (map[string]models.JSONObject) into a strongly-typed Go
// struct. The target type T must have json tags matching the expected
// response shape.
//
// # Limitations
//
//   - Type mismatches produce zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 && resp.Errors[0] != nil {
		return nil, fmt.Errorf("graphql error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// =============================================================================
// KnowledgeEmbedding Response Types
// =============================================================================

// KnowledgeEmbeddingQueryResponse is the shape of a Get query over the
// KnowledgeEmbedding class.
type KnowledgeEmbeddingQueryResponse struct {
	Get struct {
		KnowledgeEmbedding []KnowledgeEmbeddingResult `json:"KnowledgeEmbedding"`
	} `json:"Get"`
}

// KnowledgeEmbeddingResult is a single hit from the vector index.
type KnowledgeEmbeddingResult struct {
	TenantID   string  `json:"tenant_id"`
	ObjectID   string  `json:"object_id"`
	VariantID  string  `json:"variant_id"`
	ObjectType string  `json:"object_type"`
	SessionID  string  `json:"session_id"`
	Snippet    string  `json:"snippet"`
	CreatedAt  float64 `json:"created_at"`
	Archived   *bool   `json:"archived"`
	Additional struct {
		ID        string    `json:"id"`
		Distance  *float32  `json:"distance"`
		Certainty *float32  `json:"certainty"`
		Vector    []float32 `json:"vector"`
	} `json:"_additional"`
}

// KnowledgeEmbeddingProperties are the writable properties of one vector
// index object.
type KnowledgeEmbeddingProperties struct {
	TenantID   string `json:"tenant_id"`
	ObjectID   string `json:"object_id"`
	VariantID  string `json:"variant_id"`
	ObjectType string `json:"object_type"`
	SessionID  string `json:"session_id"`
	Snippet    string `json:"snippet"`
	CreatedAt  int64  `json:"created_at"`
	Archived   bool   `json:"archived"`
}

// ToMap converts the properties to the map format Weaviate's
// WithProperties() expects.
func (p *KnowledgeEmbeddingProperties) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"tenant_id":   p.TenantID,
		"object_id":   p.ObjectID,
		"variant_id":  p.VariantID,
		"object_type": p.ObjectType,
		"session_id":  p.SessionID,
		"snippet":     p.Snippet,
		"created_at":  p.CreatedAt,
		"archived":    p.Archived,
	}
}
