package knowledge

import (
	"context"
	"log/slog"

	"gorm.io/gorm"
)

// Store bundles the repositories over one database handle. Services take
// the whole store; handlers take the store through the services.
type Store struct {
	db *gorm.DB

	Objects       ObjectRepo
	Variants      VariantRepo
	Embeddings    EmbeddingRepo
	Relationships RelationshipRepo
	Dialogue      DialogueRepo
	Tenants       TenantRepo
	Usage         UsageRepo
}

// NewStore wires every repository onto db.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:            db,
		Objects:       NewObjectRepo(db, logger),
		Variants:      NewVariantRepo(db, logger),
		Embeddings:    NewEmbeddingRepo(db, logger),
		Relationships: NewRelationshipRepo(db, logger),
		Dialogue:      NewDialogueRepo(db, logger),
		Tenants:       NewTenantRepo(db, logger),
		Usage:         NewUsageRepo(db, logger),
	}
}

// DB exposes the raw handle for migrations and health checks.
func (s *Store) DB() *gorm.DB { return s.db }

// Transaction runs fn inside one database transaction. Repositories accept
// the tx handle so multi-table writes commit atomically. A store assembled
// without a database handle (fake repositories) runs fn directly with a nil
// tx, which the repositories treat as their default handle.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s.db == nil {
		return fn(nil)
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// Ping verifies the database connection, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// SchemaVersion reports the highest applied migration, used by the health
// endpoint.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	return SchemaVersion(s.db.WithContext(ctx))
}
