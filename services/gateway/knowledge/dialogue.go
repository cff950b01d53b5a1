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

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// DialogueRepo persists per-session rolling summaries.
type DialogueRepo interface {
	Get(ctx context.Context, tx *gorm.DB, tenantID, sessionID string) (*datatypes.DialogueState, error)
	GetOrCreate(ctx context.Context, tx *gorm.DB, tenantID, sessionID, userID string) (*datatypes.DialogueState, error)
	Save(ctx context.Context, tx *gorm.DB, state *datatypes.DialogueState) error
}

type dialogueRepo struct {
	db  *gorm.DB
	log *slog.Logger
}

// NewDialogueRepo builds the default DialogueRepo.
func NewDialogueRepo(db *gorm.DB, logger *slog.Logger) DialogueRepo {
	return &dialogueRepo{db: db, log: logger.With("repo", "DialogueRepo")}
}

func (r *dialogueRepo) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *dialogueRepo) Get(ctx context.Context, tx *gorm.DB, tenantID, sessionID string) (*datatypes.DialogueState, error) {
	var state datatypes.DialogueState
	err := r.handle(tx).WithContext(ctx).
		Where("tenant_id = ? AND session_id = ?", tenantID, sessionID).
		First(&state).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

// GetOrCreate returns the session's state, creating an empty one on first
// use. Concurrent first turns race on the unique (tenant_id, session_id)
// index; the loser's insert is a no-op and both readers see one row.
func (r *dialogueRepo) GetOrCreate(ctx context.Context, tx *gorm.DB, tenantID, sessionID, userID string) (*datatypes.DialogueState, error) {
	state := &datatypes.DialogueState{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		SessionID:     sessionID,
		LastUpdatedAt: time.Now().UTC(),
	}
	if userID != "" {
		state.UserID = &userID
	}
	err := r.handle(tx).WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(state).Error
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, tx, tenantID, sessionID)
}

func (r *dialogueRepo) Save(ctx context.Context, tx *gorm.DB, state *datatypes.DialogueState) error {
	state.LastUpdatedAt = time.Now().UTC()
	return r.handle(tx).WithContext(ctx).Save(state).Error
}
