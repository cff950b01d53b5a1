// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vectorstore is the similarity index over content variants. It
// never owns data: Postgres holds the vectors of record, Weaviate holds
// the searchable copy, and the whole class can be rebuilt from the
// embeddings table.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

var tracer = otel.Tracer("aleutian.gateway.vectorstore")

// SnippetMaxLen bounds the debug snippet stored next to each vector.
const SnippetMaxLen = 200

// Point is one entry in the similarity index.
type Point struct {
	VariantID  string
	ObjectID   string
	TenantID   string
	ObjectType string
	SessionID  string
	Snippet    string
	CreatedAt  time.Time
	Archived   bool
	Vector     []float32
}

// Query selects nearest neighbours within one tenant.
type Query struct {
	TenantID        string
	Vector          []float32
	K               int
	Types           []string
	SessionID       string
	IncludeArchived bool

	// WithVectors returns each match's stored vector, which re-ranking
	// needs for pairwise similarity.
	WithVectors bool
}

// Match is one scored hit, ordered by cosine distance ascending with
// created_at descending breaking ties.
type Match struct {
	ObjectID   string
	VariantID  string
	ObjectType string
	SessionID  string
	Snippet    string
	Distance   float64
	Certainty  float64
	CreatedAt  time.Time
	Vector     []float32
}

// Stats summarizes the index contents for operators.
type Stats struct {
	Total    int64            `json:"total"`
	ByTenant map[string]int64 `json:"by_tenant"`
}

// VectorStore is the index contract the retrieval and memory paths use.
type VectorStore interface {
	Upsert(ctx context.Context, points []Point) error
	Query(ctx context.Context, q Query) ([]Match, error)
	SetArchived(ctx context.Context, tenantID, objectID string, archived bool) error
	Delete(ctx context.Context, variantID string) (bool, error)
	DeleteByObjectID(ctx context.Context, tenantID, objectID string) error
	Statistics(ctx context.Context) (*Stats, error)
	Ready(ctx context.Context) error
}

// NewClient connects to Weaviate at the given URL.
func NewClient(weaviateURL string) (*weaviate.Client, error) {
	weaviateURL = strings.Trim(weaviateURL, "\"' ")
	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", weaviateURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsedURL.Host,
		Scheme: parsedURL.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return client, nil
}

// WeaviateStore implements VectorStore on the KnowledgeEmbedding class.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore wraps an existing client.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// VariantUUID derives the Weaviate object id from a variant id. The same
// variant always maps to the same id, which is what makes Upsert replace
// instead of duplicate.
func VariantUUID(variantID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("knowledge-variant:"+variantID)).String()
}

// Upsert writes points into the index, replacing any existing entry for
// the same variant.
func (s *WeaviateStore) Upsert(ctx context.Context, points []Point) error {
	ctx, span := tracer.Start(ctx, "VectorUpsert")
	defer span.End()

	for _, p := range points {
		if p.TenantID == "" {
			return fmt.Errorf("refusing to index a point without a tenant id (variant %s)", p.VariantID)
		}
		if len(p.Vector) == 0 {
			return fmt.Errorf("refusing to index an empty vector (variant %s)", p.VariantID)
		}

		snippet := p.Snippet
		if len(snippet) > SnippetMaxLen {
			snippet = snippet[:SnippetMaxLen]
		}
		props := datatypes.KnowledgeEmbeddingProperties{
			TenantID:   p.TenantID,
			ObjectID:   p.ObjectID,
			VariantID:  p.VariantID,
			ObjectType: p.ObjectType,
			SessionID:  p.SessionID,
			Snippet:    snippet,
			CreatedAt:  p.CreatedAt.UnixMilli(),
			Archived:   p.Archived,
		}
		id := VariantUUID(p.VariantID)

		_, err := s.client.Data().Creator().
			WithClassName(datatypes.KnowledgeEmbeddingClass).
			WithID(id).
			WithProperties(props.ToMap()).
			WithVector(p.Vector).
			Do(ctx)
		if err == nil {
			continue
		}
		if !isAlreadyExists(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "vector create failed")
			return fmt.Errorf("index create for variant %s: %w", p.VariantID, err)
		}

		// Same variant re-embedded: replace the stored object wholesale.
		err = s.client.Data().Updater().
			WithClassName(datatypes.KnowledgeEmbeddingClass).
			WithID(id).
			WithProperties(props.ToMap()).
			WithVector(p.Vector).
			Do(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "vector replace failed")
			return fmt.Errorf("index replace for variant %s: %w", p.VariantID, err)
		}
	}
	slog.Debug("Upserted vectors", "count", len(points))
	return nil
}

// Query runs a nearVector search scoped to one tenant.
//
// # Description
//
// The tenant filter is attached inside this method, not by callers, so a
// missing tenant is an error rather than an unscoped query. Results come
// back ordered by cosine distance ascending; equal distances are broken
// by created_at descending.
func (s *WeaviateStore) Query(ctx context.Context, q Query) ([]Match, error) {
	ctx, span := tracer.Start(ctx, "VectorQuery")
	defer span.End()

	if q.TenantID == "" {
		return nil, fmt.Errorf("vector query requires a tenant id")
	}
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("vector query requires a query vector")
	}
	k := q.K
	if k <= 0 {
		k = 10
	}

	operands := []*filters.WhereBuilder{
		filters.Where().
			WithPath([]string{"tenant_id"}).
			WithOperator(filters.Equal).
			WithValueString(q.TenantID),
	}
	if !q.IncludeArchived {
		operands = append(operands, filters.Where().
			WithPath([]string{"archived"}).
			WithOperator(filters.Equal).
			WithValueBoolean(false))
	}
	if q.SessionID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"session_id"}).
			WithOperator(filters.Equal).
			WithValueString(q.SessionID))
	}
	if len(q.Types) > 0 {
		typeOperands := make([]*filters.WhereBuilder, 0, len(q.Types))
		for _, t := range q.Types {
			typeOperands = append(typeOperands, filters.Where().
				WithPath([]string{"object_type"}).
				WithOperator(filters.Equal).
				WithValueString(t))
		}
		operands = append(operands, filters.Where().
			WithOperator(filters.Or).
			WithOperands(typeOperands))
	}

	combinedFilter := filters.Where().
		WithOperator(filters.And).
		WithOperands(operands)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(q.Vector)

	additional := []graphql.Field{
		{Name: "distance"},
		{Name: "certainty"},
	}
	if q.WithVectors {
		additional = append(additional, graphql.Field{Name: "vector"})
	}
	fields := []graphql.Field{
		{Name: "tenant_id"},
		{Name: "object_id"},
		{Name: "variant_id"},
		{Name: "object_type"},
		{Name: "session_id"},
		{Name: "snippet"},
		{Name: "created_at"},
		{Name: "_additional", Fields: additional},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(datatypes.KnowledgeEmbeddingClass).
		WithFields(fields...).
		WithWhere(combinedFilter).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector query failed")
		return nil, fmt.Errorf("weaviate search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.KnowledgeEmbeddingQueryResponse](result)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector query parse failed")
		return nil, fmt.Errorf("failed to parse results: %w", err)
	}

	matches := make([]Match, 0, len(parsed.Get.KnowledgeEmbedding))
	for _, hit := range parsed.Get.KnowledgeEmbedding {
		m := Match{
			ObjectID:   hit.ObjectID,
			VariantID:  hit.VariantID,
			ObjectType: hit.ObjectType,
			SessionID:  hit.SessionID,
			Snippet:    hit.Snippet,
			CreatedAt:  time.UnixMilli(int64(hit.CreatedAt)),
			Vector:     hit.Additional.Vector,
		}
		if hit.Additional.Distance != nil {
			m.Distance = float64(*hit.Additional.Distance)
		}
		if hit.Additional.Certainty != nil {
			m.Certainty = float64(*hit.Additional.Certainty)
		}
		matches = append(matches, m)
	}
	SortMatches(matches)

	slog.Debug("Vector query complete", "tenant", q.TenantID, "hits", len(matches))
	return matches, nil
}

// SortMatches orders by distance ascending, created_at descending on ties.
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
}

// SetArchived mirrors the relational archived flag onto every index entry
// of one object so retrieval stops returning it immediately.
func (s *WeaviateStore) SetArchived(ctx context.Context, tenantID, objectID string, archived bool) error {
	ctx, span := tracer.Start(ctx, "VectorSetArchived")
	defer span.End()

	ids, err := s.entryIDs(ctx, tenantID, objectID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		err := s.client.Data().Updater().
			WithClassName(datatypes.KnowledgeEmbeddingClass).
			WithID(id).
			WithProperties(map[string]interface{}{"archived": archived}).
			WithMerge().
			Do(ctx)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("mark archived=%t on %s: %w", archived, id, err)
		}
	}
	return nil
}

// Delete removes the index entry of one variant. The bool reports whether
// an entry existed.
func (s *WeaviateStore) Delete(ctx context.Context, variantID string) (bool, error) {
	ctx, span := tracer.Start(ctx, "VectorDeleteVariant")
	defer span.End()

	err := s.client.Data().Deleter().
		WithClassName(datatypes.KnowledgeEmbeddingClass).
		WithID(VariantUUID(variantID)).
		Do(ctx)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "vector delete failed")
	return false, fmt.Errorf("delete index entry for variant %s: %w", variantID, err)
}

// DeleteByObjectID removes every index entry of one object.
func (s *WeaviateStore) DeleteByObjectID(ctx context.Context, tenantID, objectID string) error {
	ctx, span := tracer.Start(ctx, "VectorDelete")
	defer span.End()

	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().WithPath([]string{"tenant_id"}).WithOperator(filters.Equal).WithValueString(tenantID),
			filters.Where().WithPath([]string{"object_id"}).WithOperator(filters.Equal).WithValueString(objectID),
		})

	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(datatypes.KnowledgeEmbeddingClass).
		WithWhere(where).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector delete failed")
		return fmt.Errorf("delete index entries for object %s: %w", objectID, err)
	}
	return nil
}

// Statistics aggregates entry counts across the class, grouped by tenant.
func (s *WeaviateStore) Statistics(ctx context.Context) (*Stats, error) {
	ctx, span := tracer.Start(ctx, "VectorStatistics")
	defer span.End()

	result, err := s.client.GraphQL().Aggregate().
		WithClassName(datatypes.KnowledgeEmbeddingClass).
		WithGroupBy("tenant_id").
		WithFields(graphql.Field{
			Name: "meta",
			Fields: []graphql.Field{
				{Name: "count"},
			},
		}, graphql.Field{
			Name: "groupedBy",
			Fields: []graphql.Field{
				{Name: "value"},
			},
		}).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector aggregate failed")
		return nil, fmt.Errorf("aggregate index entries: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[struct {
		Aggregate struct {
			KnowledgeEmbedding []struct {
				GroupedBy struct {
					Value string `json:"value"`
				} `json:"groupedBy"`
				Meta struct {
					Count float64 `json:"count"`
				} `json:"meta"`
			} `json:"KnowledgeEmbedding"`
		} `json:"Aggregate"`
	}](result)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("parse index aggregate: %w", err)
	}

	stats := &Stats{ByTenant: make(map[string]int64)}
	for _, group := range parsed.Aggregate.KnowledgeEmbedding {
		count := int64(group.Meta.Count)
		stats.Total += count
		if group.GroupedBy.Value != "" {
			stats.ByTenant[group.GroupedBy.Value] += count
		}
	}
	return stats, nil
}

// Ready reports whether the index answers requests.
func (s *WeaviateStore) Ready(ctx context.Context) error {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return fmt.Errorf("weaviate readiness check failed: %w", err)
	}
	if !ready {
		return fmt.Errorf("weaviate reports not ready")
	}
	return nil
}

// entryIDs finds the Weaviate object ids for one knowledge object.
func (s *WeaviateStore) entryIDs(ctx context.Context, tenantID, objectID string) ([]string, error) {
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().WithPath([]string{"tenant_id"}).WithOperator(filters.Equal).WithValueString(tenantID),
			filters.Where().WithPath([]string{"object_id"}).WithOperator(filters.Equal).WithValueString(objectID),
		})

	result, err := s.client.GraphQL().Get().
		WithClassName(datatypes.KnowledgeEmbeddingClass).
		WithFields(graphql.Field{Name: "_additional", Fields: []graphql.Field{{Name: "id"}}}).
		WithWhere(where).
		WithLimit(100).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("lookup index entries for object %s: %w", objectID, err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.KnowledgeEmbeddingQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("parse index entry lookup: %w", err)
	}
	ids := make([]string, 0, len(parsed.Get.KnowledgeEmbedding))
	for _, hit := range parsed.Get.KnowledgeEmbedding {
		ids = append(ids, hit.Additional.ID)
	}
	return ids, nil
}

// isAlreadyExists detects the 422 Weaviate returns for a duplicate id.
func isAlreadyExists(err error) bool {
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) {
		return clientErr.StatusCode == 422
	}
	return false
}

// isNotFound detects the 404 Weaviate returns for a missing id.
func isNotFound(err error) bool {
	var clientErr *fault.WeaviateClientError
	if errors.As(err, &clientErr) {
		return clientErr.StatusCode == 404
	}
	return false
}
