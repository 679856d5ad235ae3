package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/models"
)

var consumptionCols = []string{"subscription_id", "product_id", "period_key", "consumed", "last_api_call", "reset_flag", "reset_period_key"}

func newMockStore(t *testing.T) (*ConsumptionStore, sqlmock.Sqlmock) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	logger := zap.NewNop()
	db := NewDBFromConn(conn, logger)
	return NewConsumptionStore(db, NewTransactionManager(db, logger), logger), mock
}

func dayFacts(quota int64) *models.PlanFacts {
	return &models.PlanFacts{
		SubscriptionID: 1,
		ProductID:      10,
		Quota:          quota,
		TimeUnit:       models.TimeUnitDay,
		PeriodAnchor:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func expectLock(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectExec(`INSERT INTO subscription_consumption \(subscription_id`).
		WithArgs(int64(1), int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs(int64(1), int64(10)).
		WillReturnRows(rows)
}

func TestConsumptionStore_ConsumeFreshRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	expectLock(mock, sqlmock.NewRows(consumptionCols).AddRow(int64(1), int64(10), "", int64(0), nil, false, ""))
	mock.ExpectExec(`UPDATE subscription_consumption`).
		WithArgs(int64(1), int64(10), "2024-03-05", int64(1), sqlmock.AnyArg(), false, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d, err := store.Consume(context.Background(), dayFacts(5), 1, now)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, int64(4), d.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumptionStore_ConsumeDeniedCommitsNothing(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	expectLock(mock, sqlmock.NewRows(consumptionCols).AddRow(int64(1), int64(10), "2024-03-05", int64(3), now, false, ""))
	mock.ExpectCommit()

	d, err := store.Consume(context.Background(), dayFacts(3), 1, now)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, 12*time.Hour, d.RetryAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumptionStore_ConsumeRollsOverIntoHistory(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2024, 3, 5, 0, 0, 1, 0, time.UTC)
	last := time.Date(2024, 3, 4, 23, 59, 0, 0, time.UTC)

	mock.ExpectBegin()
	expectLock(mock, sqlmock.NewRows(consumptionCols).AddRow(int64(1), int64(10), "2024-03-04", int64(3), last, false, ""))
	mock.ExpectExec(`INSERT INTO subscription_consumption_history`).
		WithArgs(int64(1), int64(10), "2024-03-04", int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE subscription_consumption`).
		WithArgs(int64(1), int64(10), "2024-03-05", int64(2), sqlmock.AnyArg(), false, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	d, err := store.Consume(context.Background(), dayFacts(3), 2, now)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
	assert.Equal(t, "2024-03-05", d.PeriodKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumptionStore_ConsumeRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO subscription_consumption \(subscription_id`).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.Consume(context.Background(), dayFacts(3), 1, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumptionStore_Reset(t *testing.T) {
	t.Run("flags the live row", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		expectLock(mock, sqlmock.NewRows(consumptionCols).AddRow(int64(1), int64(10), "2024-03-05", int64(3), nil, false, ""))
		mock.ExpectExec(`UPDATE subscription_consumption`).
			WithArgs(int64(1), int64(10), "2024-03-05", int64(3), nil, true, "2024-03-05").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		ok, err := store.Reset(context.Background(), 1, 10, "2024-03-05")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already reset this period", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		expectLock(mock, sqlmock.NewRows(consumptionCols).AddRow(int64(1), int64(10), "2024-03-05", int64(1), nil, false, "2024-03-05"))
		mock.ExpectCommit()

		ok, err := store.Reset(context.Background(), 1, 10, "2024-03-05")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestConsumptionStore_List(t *testing.T) {
	store, mock := newMockStore(t)
	last := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM subscription_consumption`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(consumptionCols).
			AddRow(int64(1), int64(10), "2024-03-05", int64(3), last, false, "").
			AddRow(int64(1), int64(20), "2024-03-05", int64(7), nil, true, "2024-03-05"))

	records, err := store.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, last, records[0].LastAPICall)
	assert.True(t, records[1].ResetFlag)
	assert.True(t, records[1].LastAPICall.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumptionStore_Archive(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO subscription_consumption_history`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM subscription_consumption`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := store.Archive(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumptionStore_History(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`FROM subscription_consumption_history`).
		WithArgs(int64(1), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"subscription_id", "product_id", "period_key", "consumed", "last_api_call", "archived"}).
			AddRow(int64(1), int64(10), "2024-03-04", int64(3), nil, false).
			AddRow(int64(1), int64(10), "2024-03-05", int64(1), nil, true))

	records, err := store.History(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2024-03-04", records[0].PeriodKey)
	assert.True(t, records[1].Archived)
	assert.NoError(t, mock.ExpectationsWereMet())
}
