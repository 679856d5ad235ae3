package quota

import (
	"context"
	"time"

	"github.com/upb/gateway-dataplane/models"
)

// Store persists consumption records. Consume and Reset must be atomic per
// (subscription, product): concurrent callers never both observe the same
// consumed value.
type Store interface {
	// Consume evaluates and commits one consumption attempt.
	Consume(ctx context.Context, facts *models.PlanFacts, amount int64, now time.Time) (Decision, error)
	// Reset flags the live record for reset in periodKey.
	Reset(ctx context.Context, subscriptionID, productID int64, periodKey string) (bool, error)
	// Get returns a copy of the live record, or nil if there is none.
	Get(ctx context.Context, subscriptionID, productID int64) (*models.ConsumptionRecord, error)
	// List returns copies of all live records of a subscription.
	List(ctx context.Context, subscriptionID int64) ([]*models.ConsumptionRecord, error)
	// History returns the rolled-over and archived records of a product.
	History(ctx context.Context, subscriptionID, productID int64) ([]*models.ConsumptionRecord, error)
	// Archive moves all live records of a subscription into history.
	Archive(ctx context.Context, subscriptionID int64) (int, error)
}
