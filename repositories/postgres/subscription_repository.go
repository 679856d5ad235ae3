package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/repositories"
)

const subscriptionQuery = `
	SELECT s.subscription_id, COALESCE(s.consumer_key, ''), s.project_id, s.status, s.renewal_type,
		s.subscription_period, s.trial, s.start_date, s.end_date, s.next_billing_date,
		s.last_renewal_date, s.next_renewal_date, s.cancellation_date,
		p.plan_id, p.name, p.definition_type, p.plan_status
	FROM subscriptions s
	JOIN plans p ON p.plan_id = s.plan_id
`

const planPricesQuery = `
	SELECT pp.id, pp.product_id, pr.name, pp.plan_id, pp.price_type, pp.monthly_price, pp.yearly_price,
		pp.lifetime_price, pp.api_calls_quota, pp.time_unit, pp.period_options, pp.renewal_options
	FROM product_plan_prices pp
	JOIN products pr ON pr.product_id = pp.product_id
	WHERE pp.plan_id = $1
	ORDER BY pp.product_id
`

// SubscriptionRepository implements the repositories.SubscriptionRepository interface
type SubscriptionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSubscriptionRepository creates a new subscription repository
func NewSubscriptionRepository(db *DB, logger *zap.Logger) repositories.SubscriptionRepository {
	return &SubscriptionRepository{
		db:     db,
		logger: logger,
	}
}

// GetByID retrieves a subscription with its plan prices
func (r *SubscriptionRepository) GetByID(ctx context.Context, id int64) (*models.Subscription, error) {
	return r.get(ctx, subscriptionQuery+` WHERE s.subscription_id = $1`, id)
}

// GetByConsumerKey retrieves the subscription bound to a consumer key
func (r *SubscriptionRepository) GetByConsumerKey(ctx context.Context, consumerKey string) (*models.Subscription, error) {
	return r.get(ctx, subscriptionQuery+` WHERE s.consumer_key = $1`, consumerKey)
}

func (r *SubscriptionRepository) get(ctx context.Context, query string, arg interface{}) (*models.Subscription, error) {
	executor := GetExecutor(ctx, r.db)
	sub := &models.Subscription{}

	err := executor.QueryRowContext(ctx, query, arg).Scan(
		&sub.ID,
		&sub.ConsumerKey,
		&sub.ProjectID,
		&sub.Status,
		&sub.RenewalType,
		&sub.Period,
		&sub.Trial,
		&sub.StartDate,
		&sub.EndDate,
		&sub.NextBillingDate,
		&sub.LastRenewalDate,
		&sub.NextRenewalDate,
		&sub.CancellationDate,
		&sub.Plan.ID,
		&sub.Plan.Name,
		&sub.Plan.DefinitionType,
		&sub.Plan.Status,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("subscription %v: %w", arg, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	prices, err := r.planPrices(ctx, sub.Plan)
	if err != nil {
		return nil, err
	}
	sub.Plan.Prices = prices

	return sub, nil
}

func (r *SubscriptionRepository) planPrices(ctx context.Context, plan models.Plan) ([]models.ProductPlanPrice, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, planPricesQuery, plan.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan prices: %w", err)
	}
	defer rows.Close()

	var prices []models.ProductPlanPrice
	for rows.Next() {
		var (
			p              models.ProductPlanPrice
			periodOptions  []string
			renewalOptions []string
		)
		if err := rows.Scan(
			&p.ID,
			&p.ProductID,
			&p.ProductName,
			&p.PlanID,
			&p.PriceType,
			&p.MonthlyPrice,
			&p.YearlyPrice,
			&p.LifetimePrice,
			&p.APICallsQuota,
			&p.TimeUnit,
			pq.Array(&periodOptions),
			pq.Array(&renewalOptions),
		); err != nil {
			return nil, fmt.Errorf("failed to scan plan price: %w", err)
		}

		p.PlanName = plan.Name
		for _, o := range periodOptions {
			p.PeriodOptions = append(p.PeriodOptions, models.SubscriptionPeriodOption(o))
		}
		for _, o := range renewalOptions {
			p.RenewalOptions = append(p.RenewalOptions, models.RenewalType(o))
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan prices: %w", err)
	}

	return prices, nil
}

// ProductRepository implements the repositories.ProductRepository interface
type ProductRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *DB, logger *zap.Logger) repositories.ProductRepository {
	return &ProductRepository{
		db:     db,
		logger: logger,
	}
}

// GetByID retrieves a product with the API specifications it groups
func (r *ProductRepository) GetByID(ctx context.Context, id int64) (*models.Product, error) {
	query := `
		SELECT p.product_id, p.name, p.status,
			COALESCE(ARRAY_AGG(a.api_spec_id ORDER BY a.api_spec_id) FILTER (WHERE a.api_spec_id IS NOT NULL), '{}')
		FROM products p
		LEFT JOIN api_specs a ON a.product_id = p.product_id
		WHERE p.product_id = $1
		GROUP BY p.product_id, p.name, p.status
	`
	return r.get(ctx, query, id)
}

// GetByAPISpecID retrieves the product an API specification belongs to
func (r *ProductRepository) GetByAPISpecID(ctx context.Context, apiSpecID string) (*models.Product, error) {
	query := `
		SELECT p.product_id, p.name, p.status,
			COALESCE(ARRAY_AGG(a.api_spec_id ORDER BY a.api_spec_id) FILTER (WHERE a.api_spec_id IS NOT NULL), '{}')
		FROM products p
		LEFT JOIN api_specs a ON a.product_id = p.product_id
		WHERE p.product_id = (SELECT product_id FROM api_specs WHERE api_spec_id = $1)
		GROUP BY p.product_id, p.name, p.status
	`
	return r.get(ctx, query, apiSpecID)
}

func (r *ProductRepository) get(ctx context.Context, query string, arg interface{}) (*models.Product, error) {
	executor := GetExecutor(ctx, r.db)
	product := &models.Product{}

	err := executor.QueryRowContext(ctx, query, arg).Scan(
		&product.ID,
		&product.Name,
		&product.Status,
		pq.Array(&product.APISpecIDs),
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("product for %v: %w", arg, repositories.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}

	return product, nil
}
