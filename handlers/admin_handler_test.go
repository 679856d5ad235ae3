package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/models"
	"github.com/upb/gateway-dataplane/services"
	"github.com/upb/gateway-dataplane/services/policy"
)

// MockConsumptionLedger is a mock implementation of ConsumptionLedger
type MockConsumptionLedger struct {
	mock.Mock
}

func (m *MockConsumptionLedger) Snapshot(ctx context.Context, subscriptionID int64) ([]models.ProductConsumptionDetails, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.ProductConsumptionDetails), args.Error(1)
}

func (m *MockConsumptionLedger) RequestReset(ctx context.Context, subscriptionID, productID int64) (bool, error) {
	args := m.Called(ctx, subscriptionID, productID)
	return args.Bool(0), args.Error(1)
}

func (m *MockConsumptionLedger) Archive(ctx context.Context, subscriptionID int64) (int, error) {
	args := m.Called(ctx, subscriptionID)
	return args.Int(0), args.Error(1)
}

func (m *MockConsumptionLedger) History(ctx context.Context, subscriptionID, productID int64) ([]*models.ConsumptionRecord, error) {
	args := m.Called(ctx, subscriptionID, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.ConsumptionRecord), args.Error(1)
}

// MockPlanCache is a mock implementation of PlanCache
type MockPlanCache struct {
	mock.Mock
}

func (m *MockPlanCache) Invalidate(apiSpecID string) {
	m.Called(apiSpecID)
}

func (m *MockPlanCache) GetCacheStats() policy.CacheStats {
	return m.Called().Get(0).(policy.CacheStats)
}

// MockChainCache is a mock implementation of ChainCache
type MockChainCache struct {
	mock.Mock
}

func (m *MockChainCache) Forget(apiSpecID string) {
	m.Called(apiSpecID)
}

// MockSubscriptionCache is a mock implementation of SubscriptionCache
type MockSubscriptionCache struct {
	mock.Mock
}

func (m *MockSubscriptionCache) Invalidate(subscriptionID int64) {
	m.Called(subscriptionID)
}

type adminFixture struct {
	ledger *MockConsumptionLedger
	plans  *MockPlanCache
	chains *MockChainCache
	subs   *MockSubscriptionCache
	router http.Handler
}

func newAdminFixture() *adminFixture {
	f := &adminFixture{
		ledger: new(MockConsumptionLedger),
		plans:  new(MockPlanCache),
		chains: new(MockChainCache),
		subs:   new(MockSubscriptionCache),
	}
	h := NewAdminHandler(f.ledger, f.plans, f.chains, f.subs, zap.NewNop())

	r := chi.NewRouter()
	r.Get("/admin/subscriptions/{subscriptionID}/consumption", h.HandleConsumption)
	r.Get("/admin/subscriptions/{subscriptionID}/products/{productID}/history", h.HandleHistory)
	r.Post("/admin/subscriptions/{subscriptionID}/products/{productID}/reset", h.HandleReset)
	r.Post("/admin/subscriptions/{subscriptionID}/archive", h.HandleArchive)
	r.Post("/admin/apis/{apiSpecID}/invalidate", h.HandleInvalidateAPI)
	r.Get("/admin/plans/stats", h.HandlePlanStats)
	f.router = r
	return f
}

func (f *adminFixture) do(method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&envelope))
	require.NoError(t, json.Unmarshal(envelope.Data, into))
}

func TestAdminHandler_Consumption(t *testing.T) {
	t.Run("returns the snapshot", func(t *testing.T) {
		f := newAdminFixture()
		f.ledger.On("Snapshot", mock.Anything, int64(42)).Return([]models.ProductConsumptionDetails{
			{ProductID: 10, ProductName: "Orders", APICallsTotal: 100, RemainingHit: 97, Consumption: 3, Price: decimal.RequireFromString("4.50")},
		}, nil)

		w := f.do(http.MethodGet, "/admin/subscriptions/42/consumption")

		assert.Equal(t, http.StatusOK, w.Code)
		var details []models.ProductConsumptionDetails
		decodeData(t, w, &details)
		require.Len(t, details, 1)
		assert.Equal(t, int64(97), details[0].RemainingHit)
		assert.True(t, decimal.RequireFromString("4.5").Equal(details[0].Price))
		f.ledger.AssertExpectations(t)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		f := newAdminFixture()
		f.ledger.On("Snapshot", mock.Anything, int64(42)).
			Return(nil, services.NewDomainError(services.ErrorTypeNotSubscribed, "unknown subscription credential", nil))

		w := f.do(http.MethodGet, "/admin/subscriptions/42/consumption")

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		f := newAdminFixture()

		w := f.do(http.MethodGet, "/admin/subscriptions/abc/consumption")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		f.ledger.AssertNotCalled(t, "Snapshot", mock.Anything, mock.Anything)
	})
}

func TestAdminHandler_History(t *testing.T) {
	f := newAdminFixture()
	f.ledger.On("History", mock.Anything, int64(42), int64(10)).Return(nil, nil)

	w := f.do(http.MethodGet, "/admin/subscriptions/42/products/10/history")

	assert.Equal(t, http.StatusOK, w.Code)
	var records []*models.ConsumptionRecord
	decodeData(t, w, &records)
	assert.Empty(t, records)
	assert.NotNil(t, records)
}

func TestAdminHandler_Reset(t *testing.T) {
	tests := []struct {
		name    string
		applied bool
	}{
		{name: "applied", applied: true},
		{name: "already reset this period", applied: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAdminFixture()
			f.ledger.On("RequestReset", mock.Anything, int64(42), int64(10)).Return(tt.applied, nil)

			w := f.do(http.MethodPost, "/admin/subscriptions/42/products/10/reset")

			assert.Equal(t, http.StatusOK, w.Code)
			var result ResetResult
			decodeData(t, w, &result)
			assert.Equal(t, ResetResult{SubscriptionID: 42, ProductID: 10, Applied: tt.applied}, result)
		})
	}

	t.Run("bad product id", func(t *testing.T) {
		f := newAdminFixture()

		w := f.do(http.MethodPost, "/admin/subscriptions/42/products/0/reset")

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "productID must be a positive integer")
	})
}

func TestAdminHandler_Archive(t *testing.T) {
	f := newAdminFixture()
	f.ledger.On("Archive", mock.Anything, int64(42)).Return(3, nil)
	f.subs.On("Invalidate", int64(42)).Return()

	w := f.do(http.MethodPost, "/admin/subscriptions/42/archive")

	assert.Equal(t, http.StatusOK, w.Code)
	var result ArchiveResult
	decodeData(t, w, &result)
	assert.Equal(t, 3, result.Archived)
	f.subs.AssertExpectations(t)
}

func TestAdminHandler_InvalidateAPI(t *testing.T) {
	f := newAdminFixture()
	f.plans.On("Invalidate", "orders").Return()
	f.chains.On("Forget", "orders").Return()

	w := f.do(http.MethodPost, "/admin/apis/orders/invalidate")

	assert.Equal(t, http.StatusOK, w.Code)
	f.plans.AssertExpectations(t)
	f.chains.AssertExpectations(t)
}

func TestAdminHandler_PlanStats(t *testing.T) {
	f := newAdminFixture()
	f.plans.On("GetCacheStats").Return(policy.CacheStats{Size: 2, MaxSize: 10, Hits: 3, Misses: 1, HitRate: 0.75})

	w := f.do(http.MethodGet, "/admin/plans/stats")

	assert.Equal(t, http.StatusOK, w.Code)
	var stats policy.CacheStats
	decodeData(t, w, &stats)
	assert.Equal(t, 0.75, stats.HitRate)
	assert.Equal(t, 2, stats.Size)
}
