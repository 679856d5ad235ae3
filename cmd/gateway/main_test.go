package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/upb/gateway-dataplane/app"
	"github.com/upb/gateway-dataplane/config"
	"github.com/upb/gateway-dataplane/middleware"
	"github.com/upb/gateway-dataplane/routes"
)

func TestInitLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.ObservabilityConfig
		wantErr string
	}{
		{name: "default json logger", cfg: config.ObservabilityConfig{LogLevel: "info", LogFormat: "json"}},
		{name: "development console logger", cfg: config.ObservabilityConfig{LogLevel: "debug", LogFormat: "console"}},
		{name: "text alias", cfg: config.ObservabilityConfig{LogLevel: "warn", LogFormat: "text"}},
		{name: "defaults when not set", cfg: config.ObservabilityConfig{}},
		{name: "invalid log level", cfg: config.ObservabilityConfig{LogLevel: "invalid"}, wantErr: "invalid log level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := initLogger(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Nil(t, logger)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			_ = logger.Sync()
		})
	}
}

const routesCatalog = `
products:
  - id: 10
    name: Orders
    status: PUBLISHED
apis:
  - id: orders
    name: Orders API
    contextPath: /orders
    status: PUBLISHED
    backendUrl: %s
    productId: 10
    requestPolicies:
      - id: 1
        policyName: REQUEST_QUOTA
        httpExchange: REQUEST
        order: 10
        args: {amount: "1"}
plans:
  - id: 5
    name: Gold
    definitionType: STANDARD
    status: PUBLISHED
    prices:
      - id: 100
        productId: 10
        priceType: FIXED_QUOTA_CHARGES
        monthlyPrice: "10"
        apiCallsQuota: 1
        timeUnit: DAY
        periodOptions: [MONTHLY]
subscriptions:
  - id: 1
    consumerKey: ck-123
    projectId: 77
    planId: 5
    status: ACTIVE
    startDate: 2024-01-01T00:00:00Z
`

const adminSecret = "test-admin-secret"

func setupRouter(t *testing.T, secret string) http.Handler {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"method":"` + r.Method + `","path":"` + r.URL.Path + `"}`))
	}))
	t.Cleanup(backend.Close)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(routesCatalog, backend.URL)), 0o644))

	cfg := &config.Config{
		Environment: "test",
		Server: config.ServerConfig{
			AllowedOrigins:   []string{"http://localhost:5173"},
			AdminTokenSecret: secret,
		},
		Gateway: config.GatewayConfig{
			CatalogSource:         config.BackendFile,
			CatalogPath:           path,
			LedgerBackend:         config.BackendMemory,
			PlanCacheSize:         16,
			SubscriptionCacheSize: 16,
			BackendTimeout:        5 * time.Second,
			MaxBodyBytes:          1024,
		},
		Observability: config.ObservabilityConfig{
			LogLevel:       "error",
			MetricsEnabled: true,
			MetricsPath:    "/metrics",
		},
	}

	ctx := context.Background()
	deps, err := app.NewDependencies(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = deps.Close(ctx) })

	return routes.SetupRoutes(deps)
}

func adminToken(t *testing.T, roles ...string) string {
	t.Helper()
	claims := middleware.Claims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(adminSecret))
	require.NoError(t, err)
	return signed
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	router := setupRouter(t, "")

	t.Run("liveness", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("readiness without infrastructure", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "gateway_cache_entries")
	})
}

func TestGatewayRoutes(t *testing.T) {
	router := setupRouter(t, "")

	t.Run("exchange reaches the backend", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/gateway/orders/items/7", strings.NewReader(`{}`))
		req.Header.Set(middleware.HeaderConsumerKey, "ck-123")

		w := serve(router, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Exchange-ID"))
		assert.JSONEq(t, `{"method":"POST","path":"/items/7"}`, w.Body.String())
	})

	t.Run("quota exhausted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/gateway/orders/items", nil)
		req.Header.Set(middleware.HeaderConsumerKey, "ck-123")

		w := serve(router, req)

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})

	t.Run("missing credential", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodGet, "/gateway/orders/items", nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unknown api", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/gateway/missing/items", nil)
		req.Header.Set(middleware.HeaderConsumerKey, "ck-123")

		w := serve(router, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("body too large", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/gateway/orders/items", strings.NewReader(strings.Repeat("x", 2048)))
		req.Header.Set(middleware.HeaderConsumerKey, "ck-123")

		w := serve(router, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestAdminRoutes(t *testing.T) {
	t.Run("open without a token secret", func(t *testing.T) {
		router := setupRouter(t, "")

		w := serve(router, httptest.NewRequest(http.MethodGet, "/admin/plans/stats", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})

	router := setupRouter(t, adminSecret)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{name: "no token", wantStatus: http.StatusUnauthorized},
		{name: "garbage token", token: "not-a-jwt", wantStatus: http.StatusUnauthorized},
		{name: "missing admin role", token: adminToken(t, "viewer"), wantStatus: http.StatusForbidden},
		{name: "admin", token: adminToken(t, "admin"), wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin/subscriptions/1/consumption", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}

			w := serve(router, req)

			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}

	t.Run("reset after consumption", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/gateway/orders/items", nil)
		req.Header.Set(middleware.HeaderConsumerKey, "ck-123")
		require.Equal(t, http.StatusOK, serve(router, req).Code)

		reset := httptest.NewRequest(http.MethodPost, "/admin/subscriptions/1/products/10/reset", nil)
		reset.Header.Set("Authorization", "Bearer "+adminToken(t, "admin"))
		w := serve(router, reset)
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Data struct {
				Applied bool `json:"applied"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.True(t, body.Data.Applied)
	})
}

func TestNotFound(t *testing.T) {
	router := setupRouter(t, "")

	w := serve(router, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}
