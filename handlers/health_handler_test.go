package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readinessData(t *testing.T, w *httptest.ResponseRecorder) (string, map[string]interface{}) {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	data := response["data"].(map[string]interface{})
	checks, _ := data["checks"].(map[string]interface{})
	return data["status"].(string), checks
}

func TestHandleHealth(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop(), nil)

	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	status, _ := readinessData(t, w)
	assert.Equal(t, "healthy", status)
}

func TestHandleReadiness(t *testing.T) {
	logger := zap.NewNop()

	t.Run("healthy when database is available", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

		handler := NewHealthHandler(logger, map[string]HealthCheck{"database": DatabaseCheck(db)})

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		status, checks := readinessData(t, w)
		assert.Equal(t, "healthy", status)
		assert.Equal(t, "healthy", checks["database"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy when database ping fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(sql.ErrConnDone)

		handler := NewHealthHandler(logger, map[string]HealthCheck{"database": DatabaseCheck(db)})

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		status, checks := readinessData(t, w)
		assert.Equal(t, "unhealthy", status)
		assert.Equal(t, "unhealthy", checks["database"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy when database query fails", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(sql.ErrConnDone)

		handler := NewHealthHandler(logger, map[string]HealthCheck{"database": DatabaseCheck(db)})

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("one failing check fails readiness", func(t *testing.T) {
		handler := NewHealthHandler(logger, map[string]HealthCheck{
			"catalog": func(context.Context) error { return nil },
			"redis":   func(context.Context) error { return errors.New("connection refused") },
		})

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		_, checks := readinessData(t, w)
		assert.Equal(t, "healthy", checks["catalog"])
		assert.Equal(t, "unhealthy", checks["redis"])
	})

	t.Run("healthy with no checks", func(t *testing.T) {
		handler := NewHealthHandler(logger, nil)

		w := httptest.NewRecorder()
		handler.HandleReadiness(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRedisCheck_Unreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	assert.Error(t, RedisCheck(client)(context.Background()))
}
