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
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// migrationLockKey is the advisory lock serializing migration runs when
// several gateway instances start against the same database.
const migrationLockKey int64 = 0x67747753 // "gtwS"

// SchemaMigration is one applied row in the migration ledger.
type SchemaMigration struct {
	Version   int64     `gorm:"primaryKey" json:"version"`
	Name      string    `gorm:"type:text;not null" json:"name"`
	AppliedAt time.Time `gorm:"not null;default:now()" json:"applied_at"`
}

func (SchemaMigration) TableName() string { return "schema_migrations" }

// migration is one schema change. Apply runs inside the same transaction
// that records the ledger row, so a failed change leaves no trace.
type migration struct {
	Version int64
	Name    string
	Apply   func(tx *gorm.DB) error
}

// migrations is the ordered, append-only history of the schema. New
// changes go at the end with the next version; existing entries are
// frozen once released.
var migrations = []migration{
	{
		Version: 1,
		Name:    "base_tables",
		Apply: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&datatypes.Tenant{},
				&datatypes.APIKey{},
				&datatypes.KnowledgeObject{},
				&datatypes.ContentVariant{},
				&datatypes.Embedding{},
				&datatypes.KnowledgeRelationship{},
				&datatypes.DialogueState{},
				&datatypes.UsageLog{},
			)
		},
	},
	{
		Version: 2,
		Name:    "variant_payload_exclusivity",
		Apply: func(tx *gorm.DB) error {
			// Exactly one of content / storage_uri per variant. Mirrors
			// ContentVariant.Validate so a bypassing write still fails.
			return tx.Exec(`
				ALTER TABLE content_variants ADD CONSTRAINT chk_variant_payload CHECK (
					((content IS NOT NULL AND content <> '') AND (storage_uri IS NULL OR storage_uri = ''))
					OR
					((content IS NULL OR content = '') AND (storage_uri IS NOT NULL AND storage_uri <> ''))
				)
			`).Error
		},
	},
	{
		Version: 3,
		Name:    "object_request_id_lookup",
		Apply: func(tx *gorm.DB) error {
			// Exchange idempotency checks filter on the request id stamped
			// into metadata; without this the check is a sequential scan.
			return tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_ko_request_id
				ON knowledge_objects (tenant_id, session_id, (metadata->>'request_id'))
				WHERE (metadata->>'request_id') IS NOT NULL
			`).Error
		},
	},
	{
		Version: 4,
		Name:    "relationship_integrity_checks",
		Apply: func(tx *gorm.DB) error {
			if err := tx.Exec(`
				ALTER TABLE knowledge_relationships
				ADD CONSTRAINT chk_rel_no_self_edge CHECK (source_id <> target_id)
			`).Error; err != nil {
				return err
			}
			return tx.Exec(`
				ALTER TABLE knowledge_relationships
				ADD CONSTRAINT chk_rel_confidence CHECK (confidence >= 0 AND confidence <= 1)
			`).Error
		},
	},
}

// Migrate brings the schema to the latest version this binary knows.
//
// # Description
//
// Applies pending migrations in version order, each atomically with its
// ledger row, under an advisory lock so concurrent instances serialize.
// A ledger that this binary cannot reconcile, a version newer than the
// binary supports, an unknown version, or a gap below the high-water
// mark, is an error: the caller must refuse to start rather than serve
// against a schema it does not understand.
//
// # Inputs
//
//   - db: An open gorm handle from Open.
//
// # Outputs
//
//   - error: Non-nil when the ledger is inconsistent or a change failed.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("create schema_migrations ledger: %w", err)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(`SELECT pg_advisory_xact_lock(?)`, migrationLockKey).Error; err != nil {
			return fmt.Errorf("acquire migration lock: %w", err)
		}

		var rows []SchemaMigration
		if err := tx.Order("version ASC").Find(&rows).Error; err != nil {
			return fmt.Errorf("read migration ledger: %w", err)
		}

		applied, err := checkLedger(rows)
		if err != nil {
			return err
		}

		for _, m := range migrations {
			if applied[m.Version] {
				continue
			}
			start := time.Now()
			if err := m.Apply(tx); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
			}
			row := SchemaMigration{Version: m.Version, Name: m.Name, AppliedAt: time.Now().UTC()}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("record migration %d: %w", m.Version, err)
			}
			slog.Info("Applied schema migration",
				"version", m.Version, "name", m.Name, "took", time.Since(start))
		}
		return nil
	})
}

// checkLedger reconciles applied rows against the migrations this binary
// knows. A version newer than the binary supports, an unknown version, or
// an applied version above a gap all mean the schema and the binary have
// diverged; serving against it is unsafe.
func checkLedger(rows []SchemaMigration) (map[int64]bool, error) {
	latest := migrations[len(migrations)-1].Version
	known := make(map[int64]string, len(migrations))
	for _, m := range migrations {
		known[m.Version] = m.Name
	}

	applied := make(map[int64]bool, len(rows))
	for _, row := range rows {
		if row.Version > latest {
			return nil, fmt.Errorf("schema version %d is newer than this binary supports (%d); refusing to start", row.Version, latest)
		}
		if _, ok := known[row.Version]; !ok {
			return nil, fmt.Errorf("schema ledger contains unknown version %d; refusing to start", row.Version)
		}
		applied[row.Version] = true
	}

	sawGap := false
	for _, m := range migrations {
		if !applied[m.Version] {
			sawGap = true
			continue
		}
		if sawGap {
			return nil, fmt.Errorf("schema ledger has version %d applied above a gap; refusing to start", m.Version)
		}
	}
	return applied, nil
}

// SchemaVersion returns the highest applied version, 0 for a fresh
// database.
func SchemaVersion(db *gorm.DB) (int64, error) {
	if !db.Migrator().HasTable(&SchemaMigration{}) {
		return 0, nil
	}
	var version *int64
	err := db.Model(&SchemaMigration{}).Select("MAX(version)").Scan(&version).Error
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if version == nil {
		return 0, nil
	}
	return *version, nil
}

// LatestSchemaVersion is the version this binary migrates to.
func LatestSchemaVersion() int64 {
	return migrations[len(migrations)-1].Version
}
