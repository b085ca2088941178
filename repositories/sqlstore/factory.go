package sqlstore

import (
	"context"

	"go.uber.org/zap"

	"github.com/upb/reward-governance/config"
	"github.com/upb/reward-governance/repositories"
)

// RepositoryFactory creates and manages all repositories
type RepositoryFactory struct {
	db     *DB
	logger *zap.Logger
}

// NewRepositoryFactory opens the configured database and creates the schema
func NewRepositoryFactory(ctx context.Context, cfg config.PersistenceConfig, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewRepositoryFactoryFromDB(db, logger), nil
}

// NewRepositoryFactoryFromDB builds a factory around an open pool
func NewRepositoryFactoryFromDB(db *DB, logger *zap.Logger) *RepositoryFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RepositoryFactory{db: db, logger: logger}
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		Rewards:        NewRewardRepository(f.db, f.logger),
		ActionTraces:   NewActionTraceRepository(f.db, f.logger),
		EpisodeMetrics: NewEpisodeMetricsRepository(f.db, f.logger),
		AuditLogs:      NewAuditRepository(f.db, f.logger),
	}
}

// GetTransactionManager returns a transaction manager
func (f *RepositoryFactory) GetTransactionManager() repositories.TransactionManager {
	return NewTransactionManager(f.db, f.logger)
}

// GetDB returns the database connection
func (f *RepositoryFactory) GetDB() *DB {
	return f.db
}

// Close closes the database connection
func (f *RepositoryFactory) Close() error {
	return f.db.Close()
}
