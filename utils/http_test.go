package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var response ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func TestWriteJSON(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusOK, map[string]string{"message": "test"})
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
		assert.Equal(t, "test", response["message"])
	})

	t.Run("nil data", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusNoContent, nil)
		require.NoError(t, err)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteOK(t *testing.T) {
	w := httptest.NewRecorder()

	require.NoError(t, WriteOK(w, map[string]int64{"consumed": 3}))
	assert.Equal(t, http.StatusOK, w.Code)

	var response SuccessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	dataMap := response.Data.(map[string]interface{})
	assert.EqualValues(t, 3, dataMap["consumed"])
}

func TestWriteErrorCode(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteErrorCode(w, http.StatusForbidden, "subscription_expired", "subscription expired",
		map[string]interface{}{"subscription_id": 7})
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, w.Code)
	response := decodeError(t, w)
	assert.Equal(t, "subscription_expired", response.Error)
	assert.Equal(t, "subscription expired", response.Message)
	assert.EqualValues(t, 7, response.Details["subscription_id"])
}

func TestWriteHelpers(t *testing.T) {
	tests := []struct {
		name        string
		write       func(w http.ResponseWriter) error
		wantStatus  int
		wantCode    string
		wantMessage string
	}{
		{
			name:        "bad request",
			write:       func(w http.ResponseWriter) error { return WriteBadRequest(w, "bad id", nil) },
			wantStatus:  http.StatusBadRequest,
			wantCode:    "bad_request",
			wantMessage: "bad id",
		},
		{
			name:        "unauthorized default message",
			write:       func(w http.ResponseWriter) error { return WriteUnauthorized(w, "") },
			wantStatus:  http.StatusUnauthorized,
			wantCode:    "unauthorized",
			wantMessage: "Unauthorized",
		},
		{
			name:        "forbidden",
			write:       func(w http.ResponseWriter) error { return WriteForbidden(w, "Insufficient permissions") },
			wantStatus:  http.StatusForbidden,
			wantCode:    "forbidden",
			wantMessage: "Insufficient permissions",
		},
		{
			name:        "not found default message",
			write:       func(w http.ResponseWriter) error { return WriteNotFound(w, "") },
			wantStatus:  http.StatusNotFound,
			wantCode:    "not_found",
			wantMessage: "Resource not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tt.write(w))

			assert.Equal(t, tt.wantStatus, w.Code)
			response := decodeError(t, w)
			assert.Equal(t, tt.wantCode, response.Error)
			assert.Equal(t, tt.wantMessage, response.Message)
		})
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		status   int
		wantCode string
	}{
		{http.StatusBadRequest, "bad_request"},
		{http.StatusUnauthorized, "unauthorized"},
		{http.StatusForbidden, "forbidden"},
		{http.StatusNotFound, "not_found"},
		{http.StatusRequestEntityTooLarge, "payload_too_large"},
		{http.StatusTooManyRequests, "rate_limit_exceeded"},
		{http.StatusBadGateway, "bad_gateway"},
		{http.StatusServiceUnavailable, "service_unavailable"},
		{http.StatusTeapot, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, WriteError(w, tt.status, "message", nil))

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.wantCode, decodeError(t, w).Error)
		})
	}
}
