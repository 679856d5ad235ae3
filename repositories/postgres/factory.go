package postgres

import (
	"context"

	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/config"
	"github.com/upb/gateway-dataplane/repositories"
)

// RepositoryFactory creates and manages the catalog repositories and the
// consumption store that share one connection pool
type RepositoryFactory struct {
	db     *DB
	logger *zap.Logger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.Logger) (*RepositoryFactory, error) {
	db, err := NewDB(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	return &RepositoryFactory{db: db, logger: logger}, nil
}

// InitSchema creates the catalog and consumption tables when missing
func (f *RepositoryFactory) InitSchema(ctx context.Context) error {
	return f.db.InitSchema(ctx)
}

// NewRepositories creates all repository instances
func (f *RepositoryFactory) NewRepositories() *repositories.Repositories {
	return &repositories.Repositories{
		APISpecs:      NewAPISpecRepository(f.db, f.logger),
		Products:      NewProductRepository(f.db, f.logger),
		Subscriptions: NewSubscriptionRepository(f.db, f.logger),
	}
}

// NewConsumptionStore creates the quota store on the factory's pool
func (f *RepositoryFactory) NewConsumptionStore() *ConsumptionStore {
	return NewConsumptionStore(f.db, f.GetTransactionManager(), f.logger)
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
