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
	"gorm.io/gorm/clause"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// UsageTotals is the aggregate over one tenant window.
type UsageTotals struct {
	Requests        int64   `json:"requests"`
	InputTokens     int64   `json:"input_tokens"`
	OutputTokens    int64   `json:"output_tokens"`
	KnowledgeTokens int64   `json:"knowledge_tokens"`
	Cost            float64 `json:"cost"`
}

// UsageRepo persists append-only usage accounting rows.
type UsageRepo interface {
	// Insert appends one row. A duplicate request_id is silently
	// ignored; the returned bool reports whether a row was written.
	Insert(ctx context.Context, tx *gorm.DB, row *datatypes.UsageLog) (bool, error)

	// AggregateWindow sums a tenant's usage since the given time.
	AggregateWindow(ctx context.Context, tx *gorm.DB, tenantID string, since time.Time) (*UsageTotals, error)

	// CountSince counts a tenant's requests since the given time, used
	// for plan-level window caps.
	CountSince(ctx context.Context, tx *gorm.DB, tenantID string, since time.Time) (int64, error)
}

type usageRepo struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewUsageRepo builds the default UsageRepo.
func NewUsageRepo(db *gorm.DB, logger *slog.Logger) UsageRepo {
	return &usageRepo{db: db, log: logger.With("repo", "UsageRepo")}
}

func (r *usageRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

// Insert appends the row with conflict-ignore on request_id. Replayed
// exchanges therefore bill exactly once.
func (r *usageRepo) Insert(ctx context.Context, tx *gorm.DB, row *datatypes.UsageLog) (bool, error) {
	res := r.handle(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *usageRepo) AggregateWindow(ctx context.Context, tx *gorm.DB, tenantID string, since time.Time) (*UsageTotals, error) {
	var totals UsageTotals
	err := r.handle(tx).WithContext(ctx).
		Model(&datatypes.UsageLog{}).
		Select(
			"COUNT(*) AS requests, "+
				"COALESCE(SUM(llm_input_tokens), 0) AS input_tokens, "+
				"COALESCE(SUM(llm_output_tokens), 0) AS output_tokens, "+
				"COALESCE(SUM(knowledge_tokens_used), 0) AS knowledge_tokens, "+
				"COALESCE(SUM(cost_estimate), 0) AS cost").
		Where("tenant_id = ? AND timestamp >= ?", tenantID, since).
		Scan(&totals).Error
	if err != nil {
		return nil, err
	}
	return &totals, nil
}

func (r *usageRepo) CountSince(ctx context.Context, tx *gorm.DB, tenantID string, since time.Time) (int64, error) {
	var count int64
	err := r.handle(tx).WithContext(ctx).
		Model(&datatypes.UsageLog{}).
		Where("tenant_id = ? AND timestamp >= ?", tenantID, since).
		Count(&count).Error
	return count, err
}
