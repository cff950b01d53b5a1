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

// TenantRepo persists tenants and their API keys.
type TenantRepo interface {
	GetTenant(ctx context.Context, tx *gorm.DB, id string) (*datatypes.Tenant, error)
	CreateTenant(ctx context.Context, tx *gorm.DB, t *datatypes.Tenant) error
	ListTenants(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*datatypes.Tenant, error)
	GetAPIKeyByHash(ctx context.Context, tx *gorm.DB, keyHash string) (*datatypes.APIKey, error)
	CreateAPIKey(ctx context.Context, tx *gorm.DB, k *datatypes.APIKey) error
	ListAPIKeys(ctx context.Context, tx *gorm.DB, tenantID string) ([]*datatypes.APIKey, error)
	TouchKeyLastUsed(ctx context.Context, tx *gorm.DB, keyID string, at time.Time) error
	DeactivateAPIKey(ctx context.Context, tx *gorm.DB, tenantID, keyID string) error
}

type tenantRepo struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewTenantRepo builds the default TenantRepo.
func NewTenantRepo(db *gorm.DB, logger *slog.Logger) TenantRepo {
	return &tenantRepo{db: db, log: logger.With("repo", "TenantRepo")}
}

func (r *tenantRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *tenantRepo) GetTenant(ctx context.Context, tx *gorm.DB, id string) (*datatypes.Tenant, error) {
	var t datatypes.Tenant
	err := r.handle(tx).WithContext(ctx).Where("id = ?", id).First(&t).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *tenantRepo) CreateTenant(ctx context.Context, tx *gorm.DB, t *datatypes.Tenant) error {
	return r.handle(tx).WithContext(ctx).Create(t).Error
}

func (r *tenantRepo) ListTenants(ctx context.Context, tx *gorm.DB, limit, offset int) ([]*datatypes.Tenant, error) {
	if limit <= 0 {
		limit = 100
	}
	var results []*datatypes.Tenant
	err := r.handle(tx).WithContext(ctx).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

func (r *tenantRepo) GetAPIKeyByHash(ctx context.Context, tx *gorm.DB, keyHash string) (*datatypes.APIKey, error) {
	var k datatypes.APIKey
	err := r.handle(tx).WithContext(ctx).Where("key_hash = ?", keyHash).First(&k).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &k, nil
}

func (r *tenantRepo) CreateAPIKey(ctx context.Context, tx *gorm.DB, k *datatypes.APIKey) error {
	return r.handle(tx).WithContext(ctx).Create(k).Error
}

func (r *tenantRepo) ListAPIKeys(ctx context.Context, tx *gorm.DB, tenantID string) ([]*datatypes.APIKey, error) {
	var results []*datatypes.APIKey
	err := r.handle(tx).WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at ASC").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}

// TouchKeyLastUsed records key activity. Called asynchronously from the
// auth path, so it deliberately updates a single column without locking
// the row for anything else.
func (r *tenantRepo) TouchKeyLastUsed(ctx context.Context, tx *gorm.DB, keyID string, at time.Time) error {
	return r.handle(tx).WithContext(ctx).
		Model(&datatypes.APIKey{}).
		Where("id = ?", keyID).
		UpdateColumn("last_used_at", at).Error
}

func (r *tenantRepo) DeactivateAPIKey(ctx context.Context, tx *gorm.DB, tenantID, keyID string) error {
	return r.handle(tx).WithContext(ctx).
		Model(&datatypes.APIKey{}).
		Where("tenant_id = ? AND id = ?", tenantID, keyID).
		Update("active", false).Error
}
