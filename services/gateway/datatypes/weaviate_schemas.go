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
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// KnowledgeEmbeddingClass is the single vector class backing retrieval.
const KnowledgeEmbeddingClass = "KnowledgeEmbedding"

// GetKnowledgeEmbeddingSchema returns the schema for the KnowledgeEmbedding class.
//
// # Description
//
// One object per embedded content variant. Vectors are produced by the
// embedding provider and pushed with the object (Vectorizer "none");
// Weaviate never embeds anything itself. tenant_id is filterable so that
// every query can carry a tenant operand, which is the isolation boundary
// for vector search.
//
// # Properties
//
//   - tenant_id: owning tenant, filterable, field-tokenized.
//   - object_id / variant_id: identity of the relational rows.
//   - object_type: TURN, FILE_CHUNK, SUMMARY, EXTRACTED_FACT, SESSION_MEMORY.
//   - session_id: originating session, empty for non-session objects.
//   - snippet: first characters of the embedded text for debugging.
//   - created_at: Unix milliseconds of the relational row.
//   - archived: mirror of the relational flag so retrieval can exclude it.
func GetKnowledgeEmbeddingSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       KnowledgeEmbeddingClass,
		Description: "An embedded content variant of a knowledge object.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "tenant_id",
				DataType:        []string{"text"},
				Description:     "Owning tenant. Every query filters on this.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "object_id",
				DataType:        []string{"text"},
				Description:     "The knowledge object this vector belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "variant_id",
				DataType:        []string{"text"},
				Description:     "The content variant that was embedded.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "object_type",
				DataType:        []string{"text"},
				Description:     "Object type for retrieval-scope filtering.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "session_id",
				DataType:        []string{"text"},
				Description:     "Originating session, empty for non-session objects.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "snippet",
				DataType:     []string{"text"},
				Description:  "Leading characters of the embedded text.",
				Tokenization: "word",
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds of the relational row, used for tie-breaks.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "archived",
				DataType:        []string{"boolean"},
				Description:     "Mirror of the relational archived flag.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureWeaviateSchema creates any missing vector classes. Existing classes
// are left untouched; property drift is logged for the operator to resolve
// with an offline rebuild.
func EnsureWeaviateSchema(ctx context.Context, client *weaviate.Client) error {
	schemaGetters := []func() *models.Class{
		GetKnowledgeEmbeddingSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		// Check if the class already exists.
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err != nil {
			// If it doesn't exist, the client returns an error. We can now create it.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
				return fmt.Errorf("create schema for class %s: %w", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
	return nil
}
