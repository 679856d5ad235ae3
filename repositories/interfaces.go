package repositories

import (
	"context"
	"errors"

	"github.com/upb/gateway-dataplane/models"
)

// ErrNotFound is returned by repositories when the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// TransactionManager manages database transactions
type TransactionManager interface {
	// Begin starts a new transaction
	Begin(ctx context.Context) (Transaction, error)

	// InTransaction executes a function within a transaction
	// Automatically commits if function succeeds, rolls back on error
	InTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error
}

// Transaction represents a database transaction
type Transaction interface {
	// Commit commits the transaction
	Commit() error

	// Rollback rolls back the transaction
	Rollback() error

	// Context returns the transaction context
	Context() context.Context
}

// APISpecRepository reads API specifications with their policy filters
type APISpecRepository interface {
	// GetAPISpec retrieves an API specification by ID, filters included
	GetAPISpec(ctx context.Context, id string) (*models.APISpec, error)

	// List retrieves all API specifications
	List(ctx context.Context) ([]*models.APISpec, error)
}

// ProductRepository reads products
type ProductRepository interface {
	// GetByID retrieves a product by ID
	GetByID(ctx context.Context, id int64) (*models.Product, error)

	// GetByAPISpecID retrieves the product an API specification belongs to
	GetByAPISpecID(ctx context.Context, apiSpecID string) (*models.Product, error)
}

// SubscriptionRepository reads subscriptions with their plan and prices
type SubscriptionRepository interface {
	// GetByID retrieves a subscription by ID
	GetByID(ctx context.Context, id int64) (*models.Subscription, error)

	// GetByConsumerKey retrieves the subscription bound to a consumer key
	GetByConsumerKey(ctx context.Context, consumerKey string) (*models.Subscription, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	APISpecs      APISpecRepository
	Products      ProductRepository
	Subscriptions SubscriptionRepository
}
