package quota

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/services"
)

// FactsProvider supplies the plan terms the ledger accounts against.
type FactsProvider interface {
	FactsFor(ctx context.Context, subscriptionID, productID int64) (*models.PlanFacts, error)
	Products(ctx context.Context, subscriptionID int64) ([]*models.PlanFacts, error)
}

// Ledger is the single writer of consumption state. It is callable from
// any exchange phase; it does not know which filter consumes.
type Ledger struct {
	store  Store
	facts  FactsProvider
	now    func() time.Time
	logger *zap.Logger
}

// NewLedger creates a new Ledger over the given store.
func NewLedger(store Store, facts FactsProvider, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:  store,
		facts:  facts,
		now:    time.Now,
		logger: logger,
	}
}

// TryConsume atomically admits amount against the current period quota.
// A denial is a Decision, not an error; nothing is committed on denial.
func (l *Ledger) TryConsume(ctx context.Context, subscriptionID, productID, amount int64) (Decision, error) {
	if amount <= 0 {
		return Decision{}, services.NewDomainError(services.ErrorTypeValidation, "consumption amount must be positive", nil).
			WithDetail("amount", amount)
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	facts, err := l.facts.FactsFor(ctx, subscriptionID, productID)
	if err != nil {
		return Decision{}, err
	}
	return l.Consume(ctx, facts, amount)
}

// Consume is TryConsume with facts already resolved by the caller.
func (l *Ledger) Consume(ctx context.Context, facts *models.PlanFacts, amount int64) (Decision, error) {
	if amount <= 0 {
		return Decision{}, services.NewDomainError(services.ErrorTypeValidation, "consumption amount must be positive", nil).
			WithDetail("amount", amount)
	}

	decision, err := l.store.Consume(ctx, facts, amount, l.now())
	if err != nil {
		l.logger.Error("failed to record consumption",
			zap.Int64("subscription_id", facts.SubscriptionID),
			zap.Int64("product_id", facts.ProductID),
			zap.Error(err))
		return Decision{}, services.WrapInternal("failed to record consumption", err)
	}

	if !decision.Admitted {
		l.logger.Warn("quota exhausted",
			zap.Int64("subscription_id", facts.SubscriptionID),
			zap.Int64("product_id", facts.ProductID),
			zap.String("period", decision.PeriodKey),
			zap.Int64("limit", decision.Limit),
			zap.Int64("amount", amount))
	}
	return decision, nil
}

// RequestReset flags the product counter for reset at the next consumption.
// It reports false when a reset is pending or already happened this period.
func (l *Ledger) RequestReset(ctx context.Context, subscriptionID, productID int64) (bool, error) {
	facts, err := l.facts.FactsFor(ctx, subscriptionID, productID)
	if err != nil {
		return false, err
	}
	key, _ := CurrentPeriod(facts, l.now())

	ok, err := l.store.Reset(ctx, subscriptionID, productID, key)
	if err != nil {
		return false, services.WrapInternal("failed to reset consumption", err)
	}

	l.logger.Info("consumption reset requested",
		zap.Int64("subscription_id", subscriptionID),
		zap.Int64("product_id", productID),
		zap.String("period", key),
		zap.Bool("applied", ok))
	return ok, nil
}

// Archive moves the live records of an ended subscription into history.
func (l *Ledger) Archive(ctx context.Context, subscriptionID int64) (int, error) {
	n, err := l.store.Archive(ctx, subscriptionID)
	if err != nil {
		return n, services.WrapInternal("failed to archive consumption", err)
	}
	l.logger.Info("archived consumption records",
		zap.Int64("subscription_id", subscriptionID),
		zap.Int("count", n))
	return n, nil
}

// History returns past period records of one product.
func (l *Ledger) History(ctx context.Context, subscriptionID, productID int64) ([]*models.ConsumptionRecord, error) {
	records, err := l.store.History(ctx, subscriptionID, productID)
	if err != nil {
		return nil, services.WrapInternal("failed to read consumption history", err)
	}
	return records, nil
}

// Snapshot reports the current-period usage of every product of the
// subscription's plan. Products never consumed report their full quota.
func (l *Ledger) Snapshot(ctx context.Context, subscriptionID int64) ([]models.ProductConsumptionDetails, error) {
	products, err := l.facts.Products(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	records, err := l.store.List(ctx, subscriptionID)
	if err != nil {
		return nil, services.WrapInternal("failed to read consumption", err)
	}

	byProduct := make(map[int64]*models.ConsumptionRecord, len(records))
	for _, rec := range records {
		byProduct[rec.ProductID] = rec
	}

	now := l.now()
	details := make([]models.ProductConsumptionDetails, 0, len(products))
	for _, facts := range products {
		details = append(details, snapshotDetails(facts, byProduct[facts.ProductID], now))
	}
	return details, nil
}

func snapshotDetails(facts *models.PlanFacts, rec *models.ConsumptionRecord, now time.Time) models.ProductConsumptionDetails {
	key, _ := CurrentPeriod(facts, now)

	consumed := int64(0)
	if rec != nil && rec.PeriodKey == key && !rec.ResetFlag {
		consumed = rec.Consumed
	}
	remaining := facts.Quota - consumed
	if remaining < 0 {
		remaining = 0
	}

	d := models.ProductConsumptionDetails{
		ProductID:     facts.ProductID,
		ProductName:   facts.ProductName,
		APICallsTotal: facts.Quota,
		RemainingHit:  remaining,
		Consumption:   consumed,
		Price:         periodPrice(facts, consumed),
		PeriodKey:     key,
	}
	if rec != nil && !rec.LastAPICall.IsZero() {
		last := rec.LastAPICall
		d.LastAPICall = &last
	}
	return d
}

// periodPrice is the fixed period price, or the consumed share of it for
// usage based pricing.
func periodPrice(facts *models.PlanFacts, consumed int64) decimal.Decimal {
	if facts.PriceType != models.PricingUsageBased {
		return facts.Price
	}
	if facts.Quota <= 0 {
		return decimal.Zero
	}
	return facts.Price.
		Mul(decimal.NewFromInt(consumed)).
		Div(decimal.NewFromInt(facts.Quota)).
		Round(2)
}
