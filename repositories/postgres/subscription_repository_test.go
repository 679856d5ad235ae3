package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/repositories"
)

var (
	subscriptionCols = []string{
		"subscription_id", "consumer_key", "project_id", "status", "renewal_type",
		"subscription_period", "trial", "start_date", "end_date", "next_billing_date",
		"last_renewal_date", "next_renewal_date", "cancellation_date",
		"plan_id", "name", "definition_type", "plan_status",
	}
	planPriceCols = []string{
		"id", "product_id", "name", "plan_id", "price_type", "monthly_price", "yearly_price",
		"lifetime_price", "api_calls_quota", "time_unit", "period_options", "renewal_options",
	}
)

func TestSubscriptionRepository_GetByConsumerKey(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSubscriptionRepository(db, zap.NewNop())
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE s.consumer_key = \$1`).
		WithArgs("ck-123").
		WillReturnRows(sqlmock.NewRows(subscriptionCols).AddRow(
			int64(1), "ck-123", int64(77), "ACTIVE", "AUTO", "MONTHLY", false,
			start, end, nil, nil, nil, nil,
			int64(5), "Gold", "STANDARD", "PUBLISHED"))
	mock.ExpectQuery(`FROM product_plan_prices`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows(planPriceCols).AddRow(
			int64(100), int64(10), "Orders", int64(5), "FIXED_QUOTA_CHARGES", "49.90", "499.00",
			"0", int64(1000), "DAY", "{MONTHLY,YEARLY}", "{AUTO}"))

	sub, err := repo.GetByConsumerKey(context.Background(), "ck-123")
	require.NoError(t, err)

	assert.Equal(t, int64(1), sub.ID)
	assert.Equal(t, models.SubscriptionActive, sub.Status)
	require.NotNil(t, sub.EndDate)
	assert.Equal(t, end, *sub.EndDate)
	assert.Nil(t, sub.CancellationDate)
	assert.Equal(t, "Gold", sub.Plan.Name)

	require.Len(t, sub.Plan.Prices, 1)
	price := sub.Plan.Prices[0]
	assert.Equal(t, "Gold", price.PlanName)
	assert.Equal(t, "49.9", price.MonthlyPrice.String())
	assert.Equal(t, models.TimeUnitDay, price.TimeUnit)
	assert.Equal(t, []models.SubscriptionPeriodOption{models.PeriodMonthly, models.PeriodYearly}, price.PeriodOptions)
	assert.Equal(t, []models.RenewalType{models.RenewalAuto}, price.RenewalOptions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriptionRepository_GetByID_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSubscriptionRepository(db, zap.NewNop())

	mock.ExpectQuery(`WHERE s.subscription_id = \$1`).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), 9)
	assert.True(t, errors.Is(err, repositories.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProductRepository(t *testing.T) {
	tests := []struct {
		name    string
		call    func(repositories.ProductRepository) (*models.Product, error)
		pattern string
		arg     interface{}
	}{
		{
			name:    "by id",
			call:    func(r repositories.ProductRepository) (*models.Product, error) { return r.GetByID(context.Background(), 10) },
			pattern: `WHERE p.product_id = \$1`,
			arg:     int64(10),
		},
		{
			name:    "by api spec",
			call:    func(r repositories.ProductRepository) (*models.Product, error) { return r.GetByAPISpecID(context.Background(), "orders") },
			pattern: `WHERE api_spec_id = \$1`,
			arg:     "orders",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			repo := NewProductRepository(db, zap.NewNop())

			mock.ExpectQuery(tt.pattern).
				WithArgs(tt.arg).
				WillReturnRows(sqlmock.NewRows([]string{"product_id", "name", "status", "api_spec_ids"}).
					AddRow(int64(10), "Orders", "PUBLISHED", "{orders,orders-v2}"))

			product, err := tt.call(repo)
			require.NoError(t, err)
			assert.Equal(t, models.ProductPublished, product.Status)
			assert.Equal(t, []string{"orders", "orders-v2"}, product.APISpecIDs)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
