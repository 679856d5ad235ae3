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
	apiSpecCols = []string{"api_spec_id", "name", "context_path", "status", "backend_url", "product_id", "predicates", "updated_at"}
	filterCols  = []string{"policy_definition_id", "api_spec_id", "policy_name", "http_exchange", "policy_description", "args", "filter_order", "created_at", "updated_at"}
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewDBFromConn(conn, zap.NewNop()), mock
}

func TestAPISpecRepository_GetAPISpec(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAPISpecRepository(db, zap.NewNop())
	now := time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM api_specs WHERE api_spec_id`).
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows(apiSpecCols).AddRow(
			"orders", "Orders API", "/orders", "PUBLISHED", "http://orders:8080", int64(10),
			[]byte(`[{"name":"Method","args":{"methods":"GET,POST"}}]`), now))
	mock.ExpectQuery(`FROM policy_filters WHERE api_spec_id`).
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows(filterCols).
			AddRow(int64(1), "orders", "REQUEST_QUOTA", "REQUEST", "", []byte(`{"amount":"2"}`), int64(10), now, now).
			AddRow(int64(2), "orders", "FLATTEN_JSON_RESPONSE", "RESPONSE", "flatten", nil, int64(5), now, now).
			AddRow(int64(3), "orders", "ADD_REQUEST_HEADER", "SYSTEM_REQUEST", "", []byte(`{"name":"X-Gw","value":"1"}`), int64(1), now, now))

	spec, err := repo.GetAPISpec(context.Background(), "orders")
	require.NoError(t, err)

	assert.Equal(t, models.ApiStatusPublished, spec.Status)
	assert.Equal(t, int64(10), spec.ProductID)
	require.Len(t, spec.Predicates, 1)
	assert.Equal(t, models.PredicateMethod, spec.Predicates[0].Name)

	require.Len(t, spec.RequestPolicies, 2)
	assert.Equal(t, "2", spec.RequestPolicies[0].Args["amount"])
	assert.Equal(t, models.ExchangeSystemRequest, spec.RequestPolicies[1].Exchange)
	require.Len(t, spec.ResponsePolicies, 1)
	assert.Nil(t, spec.ResponsePolicies[0].Args)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAPISpecRepository_GetAPISpec_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAPISpecRepository(db, zap.NewNop())

	mock.ExpectQuery(`FROM api_specs WHERE api_spec_id`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetAPISpec(context.Background(), "missing")
	assert.True(t, errors.Is(err, repositories.ErrNotFound))
}

func TestAPISpecRepository_GetAPISpec_BadFilterArgs(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAPISpecRepository(db, zap.NewNop())
	now := time.Now()

	mock.ExpectQuery(`FROM api_specs WHERE api_spec_id`).
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows(apiSpecCols).AddRow("orders", "Orders", "/orders", "PUBLISHED", "", int64(0), nil, now))
	mock.ExpectQuery(`FROM policy_filters`).
		WithArgs("orders").
		WillReturnRows(sqlmock.NewRows(filterCols).
			AddRow(int64(7), "orders", "REQUEST_QUOTA", "REQUEST", "", []byte(`{"amount":`), int64(1), now, now))

	_, err := repo.GetAPISpec(context.Background(), "orders")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy filter 7")
}

func TestAPISpecRepository_List(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAPISpecRepository(db, zap.NewNop())
	now := time.Now()

	mock.ExpectQuery(`FROM api_specs ORDER BY api_spec_id`).
		WillReturnRows(sqlmock.NewRows(apiSpecCols).
			AddRow("billing", "Billing", "/billing", "PUBLISHED", "", int64(20), nil, now).
			AddRow("orders", "Orders", "/orders", "DEPRECATED", "", int64(10), nil, now))
	mock.ExpectQuery(`FROM policy_filters ORDER BY api_spec_id`).
		WillReturnRows(sqlmock.NewRows(filterCols).
			AddRow(int64(1), "orders", "MOCK_RESPONSE", "REQUEST", "", []byte(`{"status":"200"}`), int64(1), now, now))

	specs, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Empty(t, specs[0].RequestPolicies)
	require.Len(t, specs[1].RequestPolicies, 1)
	assert.Equal(t, models.PolicyMockResponse, specs[1].RequestPolicies[0].PolicyName)
	assert.NoError(t, mock.ExpectationsWereMet())
}
