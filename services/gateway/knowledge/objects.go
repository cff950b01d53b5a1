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
	"time"

	"gorm.io/gorm"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// ObjectRepo persists knowledge objects. Lookups that miss return
// (nil, nil); errors mean the store itself failed.
type ObjectRepo interface {
	Create(ctx context.Context, tx *gorm.DB, obj *datatypes.KnowledgeObject) error
	GetByID(ctx context.Context, tx *gorm.DB, tenantID, id string) (*datatypes.KnowledgeObject, error)
	GetByIDs(ctx context.Context, tx *gorm.DB, tenantID string, ids []string) ([]*datatypes.KnowledgeObject, error)
	List(ctx context.Context, tx *gorm.DB, tenantID string, q datatypes.ListObjectsQuery) ([]*datatypes.KnowledgeObject, error)
	Update(ctx context.Context, tx *gorm.DB, obj *datatypes.KnowledgeObject) error
	ListBySession(ctx context.Context, tx *gorm.DB, tenantID, sessionID string, types []datatypes.ObjectType, limit int) ([]*datatypes.KnowledgeObject, error)
	ListCreatedSince(ctx context.Context, tx *gorm.DB, tenantID string, since time.Time, limit int) ([]*datatypes.KnowledgeObject, error)
	ListChildren(ctx context.Context, tx *gorm.DB, tenantID, parentID string) ([]*datatypes.KnowledgeObject, error)
	FindByRequestID(ctx context.Context, tx *gorm.DB, tenantID, sessionID, requestID string) ([]*datatypes.KnowledgeObject, error)
	CountBySession(ctx context.Context, tx *gorm.DB, tenantID, sessionID string, typ datatypes.ObjectType) (int64, error)
	FindFactByContent(ctx context.Context, tx *gorm.DB, tenantID, content string) (*datatypes.KnowledgeObject, error)
}

type objectRepo struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewObjectRepo builds the default ObjectRepo.
func NewObjectRepo(db *gorm.DB, logger *slog.Logger) ObjectRepo {
	return &objectRepo{db: db, log: logger.With("repo", "ObjectRepo")}
}

func (r *objectRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *objectRepo) Create(ctx context.Context, tx *gorm.DB, obj *datatypes.KnowledgeObject) error {
	return r.handle(tx).WithContext(ctx).Create(obj).Error
}

func (r *objectRepo) GetByID(ctx context.Context, tx *gorm.DB, tenantID, id string) (*datatypes.KnowledgeObject, error) {
	var obj datatypes.KnowledgeObject
	err := r.handle(tx).WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&obj).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &obj, nil
}

func (r *objectRepo) GetByIDs(ctx context.Context, tx *gorm.DB, tenantID string, ids []string) ([]*datatypes.KnowledgeObject, error) {
	var results []*datatypes.KnowledgeObject
	if len(ids) == 0 {
		return results, nil
	}
	err := r.handle(tx).WithContext(ctx).
		Where("tenant_id = ? AND id IN ?", tenantID, ids).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *objectRepo) List(ctx context.Context, tx *gorm.DB, tenantID string, q datatypes.ListObjectsQuery) ([]*datatypes.KnowledgeObject, error) {
	query := r.handle(tx).WithContext(ctx).Where("tenant_id = ?", tenantID)
	if q.Type != "" {
		query = query.Where("type = ?", q.Type)
	}
	if q.SessionID != "" {
		query = query.Where("session_id = ?", q.SessionID)
	}
	if q.Archived != nil {
		query = query.Where("archived = ?", *q.Archived)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	var results []*datatypes.KnowledgeObject
	err := query.Order("created_at DESC").Limit(limit).Offset(q.Offset).Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *objectRepo) Update(ctx context.Context, tx *gorm.DB, obj *datatypes.KnowledgeObject) error {
	return r.handle(tx).WithContext(ctx).Save(obj).Error
}

func (r *objectRepo) ListBySession(ctx context.Context, tx *gorm.DB, tenantID, sessionID string, types []datatypes.ObjectType, limit int) ([]*datatypes.KnowledgeObject, error) {
	query := r.handle(tx).WithContext(ctx).
		Where("tenant_id = ? AND session_id = ? AND archived = false", tenantID, sessionID)
	if len(types) > 0 {
		query = query.Where("type IN ?", types)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var results []*datatypes.KnowledgeObject
	if err := query.Order("created_at DESC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *objectRepo) ListCreatedSince(ctx context.Context, tx *gorm.DB, tenantID string, since time.Time, limit int) ([]*datatypes.KnowledgeObject, error) {
	query := r.handle(tx).WithContext(ctx).
		Where("tenant_id = ? AND created_at >= ? AND archived = false", tenantID, since)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var results []*datatypes.KnowledgeObject
	if err := query.Order("created_at ASC").Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

func (r *objectRepo) ListChildren(ctx context.Context, tx *gorm.DB, tenantID, parentID string) ([]*datatypes.KnowledgeObject, error) {
	var results []*datatypes.KnowledgeObject
	err := r.handle(tx).WithContext(ctx).
		Where("tenant_id = ? AND parent_id = ?", tenantID, parentID).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// FindByRequestID looks up objects by the request id stamped into metadata.
// This is the exchange idempotency check: a replayed request finds its
// earlier turns here and skips re-persisting them.
func (r *objectRepo) FindByRequestID(ctx context.Context, tx *gorm.DB, tenantID, sessionID, requestID string) ([]*datatypes.KnowledgeObject, error) {
	var results []*datatypes.KnowledgeObject
	err := r.handle(tx).WithContext(ctx).
		Where("tenant_id = ? AND session_id = ? AND metadata->>'request_id' = ?", tenantID, sessionID, requestID).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *objectRepo) CountBySession(ctx context.Context, tx *gorm.DB, tenantID, sessionID string, typ datatypes.ObjectType) (int64, error) {
	var count int64
	err := r.handle(tx).WithContext(ctx).
		Model(&datatypes.KnowledgeObject{}).
		Where("tenant_id = ? AND session_id = ? AND type = ?", tenantID, sessionID, typ).
		Count(&count).Error
	return count, err
}

// FindFactByContent finds an EXTRACTED_FACT whose bullet variant matches
// the text exactly. First rung of fact deduplication; the cosine rung
// runs against the vector index.
func (r *objectRepo) FindFactByContent(ctx context.Context, tx *gorm.DB, tenantID, content string) (*datatypes.KnowledgeObject, error) {
	var obj datatypes.KnowledgeObject
	err := r.handle(tx).WithContext(ctx).
		Joins("JOIN content_variants cv ON cv.knowledge_object_id = knowledge_objects.id").
		Where("knowledge_objects.tenant_id = ? AND knowledge_objects.type = ? AND cv.variant = ? AND cv.content = ?",
			tenantID, datatypes.ObjectExtractedFact, datatypes.VariantBulletFacts, content).
		First(&obj).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &obj, nil
}
