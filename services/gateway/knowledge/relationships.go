// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"context"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// RelationshipRepo persists edges between knowledge objects.
type RelationshipRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, rel *datatypes.KnowledgeRelationship) error
	ListForObject(ctx context.Context, tx *gorm.DB, objectID string) ([]*datatypes.KnowledgeRelationship, error)
	ListBySource(ctx context.Context, tx *gorm.DB, sourceID string) ([]*datatypes.KnowledgeRelationship, error)
}

type relationshipRepo struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewRelationshipRepo builds the default RelationshipRepo.
func NewRelationshipRepo(db *gorm.DB, logger *slog.Logger) RelationshipRepo {
	return &relationshipRepo{db: db, log: logger.With("repo", "RelationshipRepo")}
}

func (r *relationshipRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// Upsert inserts the edge or, when (source, target, type) already exists,
// refreshes confidence, detected_by, and updated_at and appends the new
// evidence line. created_at is never touched on conflict, which keeps
// first-detection time stable across re-runs. Evidence already present is
// not re-appended, and the column is capped so repeated runs with shifting
// confidence cannot grow it without bound.
func (r *relationshipRepo) Upsert(ctx context.Context, tx *gorm.DB, rel *datatypes.KnowledgeRelationship) error {
	if err := rel.Validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid relationship: %w", err)
	}
	return r.handle(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "source_id"}, {Name: "target_id"}, {Name: "type"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"confidence":  gorm.Expr("excluded.confidence"),
				"detected_by": gorm.Expr("excluded.detected_by"),
				"updated_at":  gorm.Expr("excluded.updated_at"),
				"evidence": gorm.Expr(`CASE
					WHEN knowledge_relationships.evidence = '' THEN excluded.evidence
					WHEN strpos(knowledge_relationships.evidence, excluded.evidence) > 0 THEN knowledge_relationships.evidence
					ELSE left(knowledge_relationships.evidence || E'\n' || excluded.evidence, 4000)
				END`),
			}),
		}).
		Create(rel).Error
}

func (r *relationshipRepo) ListForObject(ctx context.Context, tx *gorm.DB, objectID string) ([]*datatypes.KnowledgeRelationship, error) {
	var results []*datatypes.KnowledgeRelationship
	err := r.handle(tx).WithContext(ctx).
		Where("source_id = ? OR target_id = ?", objectID, objectID).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *relationshipRepo) ListBySource(ctx context.Context, tx *gorm.DB, sourceID string) ([]*datatypes.KnowledgeRelationship, error) {
	var results []*datatypes.KnowledgeRelationship
	err := r.handle(tx).WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
