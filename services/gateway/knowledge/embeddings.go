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
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// EmbeddingRepo persists embedding rows. variant_id is unique, so a
// re-embed of the same variant replaces the previous vector.
type EmbeddingRepo interface {
	Upsert(ctx context.Context, tx *gorm.DB, emb *datatypes.Embedding) error
	GetByVariantID(ctx context.Context, tx *gorm.DB, variantID string) (*datatypes.Embedding, error)
	ListPage(ctx context.Context, tx *gorm.DB, afterID string, limit int) ([]*datatypes.Embedding, error)
}

type embeddingRepo struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewEmbeddingRepo builds the default EmbeddingRepo.
func NewEmbeddingRepo(db *gorm.DB, logger *slog.Logger) EmbeddingRepo {
	return &embeddingRepo{db: db, log: logger.With("repo", "EmbeddingRepo")}
}

func (r *embeddingRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *embeddingRepo) Upsert(ctx context.Context, tx *gorm.DB, emb *datatypes.Embedding) error {
	return r.handle(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "variant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"vector", "text_snippet"}),
		}).
		Create(emb).Error
}

func (r *embeddingRepo) GetByVariantID(ctx context.Context, tx *gorm.DB, variantID string) (*datatypes.Embedding, error) {
	var emb datatypes.Embedding
	err := r.handle(tx).WithContext(ctx).Where("variant_id = ?", variantID).First(&emb).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &emb, nil
}

// ListPage walks the embeddings table in id order for offline index
// rebuilds. Pass the last id of the previous page, "" to start.
func (r *embeddingRepo) ListPage(ctx context.Context, tx *gorm.DB, afterID string, limit int) ([]*datatypes.Embedding, error) {
	if limit <= 0 {
		limit = 500
	}
	query := r.handle(tx).WithContext(ctx).Order("id ASC").Limit(limit)
	if afterID != "" {
		query = query.Where("id > ?", afterID)
	}

	var results []*datatypes.Embedding
	if err := query.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}
