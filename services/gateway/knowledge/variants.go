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

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// VariantRepo persists content variants. Variants are validated before
// insert so the content/storage exclusivity invariant never reaches the
// database broken.
type VariantRepo interface {
	Create(ctx context.Context, tx *gorm.DB, variants []*datatypes.ContentVariant) error
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*datatypes.ContentVariant, error)
	GetForObject(ctx context.Context, tx *gorm.DB, objectID string) ([]*datatypes.ContentVariant, error)
	GetForObjects(ctx context.Context, tx *gorm.DB, objectIDs []string) (map[string][]*datatypes.ContentVariant, error)
	GetObjectVariant(ctx context.Context, tx *gorm.DB, objectID string, variant datatypes.VariantType) (*datatypes.ContentVariant, error)
	SetEmbeddingID(ctx context.Context, tx *gorm.DB, variantID, embeddingID string) error
}

type variantRepo struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewVariantRepo builds the default VariantRepo.
func NewVariantRepo(db *gorm.DB, logger *slog.Logger) VariantRepo {
	return &variantRepo{db: db, log: logger.With("repo", "VariantRepo")}
}

func (r *variantRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *variantRepo) Create(ctx context.Context, tx *gorm.DB, variants []*datatypes.ContentVariant) error {
	if len(variants) == 0 {
		return nil
	}
	for _, v := range variants {
		if err := v.Validate(); err != nil {
			return fmt.Errorf("refusing to persist invalid variant: %w", err)
		}
	}
	return r.handle(tx).WithContext(ctx).Create(&variants).Error
}

func (r *variantRepo) GetByID(ctx context.Context, tx *gorm.DB, id string) (*datatypes.ContentVariant, error) {
	var v datatypes.ContentVariant
	err := r.handle(tx).WithContext(ctx).Where("id = ?", id).First(&v).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (r *variantRepo) GetForObject(ctx context.Context, tx *gorm.DB, objectID string) ([]*datatypes.ContentVariant, error) {
	var results []*datatypes.ContentVariant
	err := r.handle(tx).WithContext(ctx).
		Where("knowledge_object_id = ?", objectID).
		Order("variant ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *variantRepo) GetForObjects(ctx context.Context, tx *gorm.DB, objectIDs []string) (map[string][]*datatypes.ContentVariant, error) {
	grouped := make(map[string][]*datatypes.ContentVariant, len(objectIDs))
	if len(objectIDs) == 0 {
		return grouped, nil
	}

	var results []*datatypes.ContentVariant
	err := r.handle(tx).WithContext(ctx).
		Where("knowledge_object_id IN ?", objectIDs).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	for _, v := range results {
		grouped[v.KnowledgeObjectID] = append(grouped[v.KnowledgeObjectID], v)
	}
	return grouped, nil
}

func (r *variantRepo) GetObjectVariant(ctx context.Context, tx *gorm.DB, objectID string, variant datatypes.VariantType) (*datatypes.ContentVariant, error) {
	var v datatypes.ContentVariant
	err := r.handle(tx).WithContext(ctx).
		Where("knowledge_object_id = ? AND variant = ?", objectID, variant).
		First(&v).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &v, nil
}

func (r *variantRepo) SetEmbeddingID(ctx context.Context, tx *gorm.DB, variantID, embeddingID string) error {
	return r.handle(tx).WithContext(ctx).
		Model(&datatypes.ContentVariant{}).
		Where("id = ?", variantID).
		Update("embedding_id", embeddingID).Error
}
