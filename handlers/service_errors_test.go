package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/services"
	"github.com/upb/gateway-dataplane/utils"
)

func TestHandleServiceError(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
	}{
		{
			name:           "not found error",
			err:            services.ErrAPISpecNotFound,
			expectedStatus: http.StatusNotFound,
			expectedError:  "not_found",
		},
		{
			name:           "validation error",
			err:            services.ErrInvalidInput,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "bad_request",
		},
		{
			name:           "not subscribed",
			err:            services.ErrNotSubscribed,
			expectedStatus: http.StatusForbidden,
			expectedError:  "not_subscribed",
		},
		{
			name:           "subscription expired",
			err:            services.ErrSubscriptionExpired,
			expectedStatus: http.StatusForbidden,
			expectedError:  "subscription_expired",
		},
		{
			name:           "subscription canceled",
			err:            services.ErrSubscriptionCanceled,
			expectedStatus: http.StatusForbidden,
			expectedError:  "subscription_canceled",
		},
		{
			name:           "quota denied",
			err:            services.ErrQuotaDenied,
			expectedStatus: http.StatusTooManyRequests,
			expectedError:  "quota_exceeded",
		},
		{
			name:           "rate limited",
			err:            services.ErrRateLimited,
			expectedStatus: http.StatusTooManyRequests,
			expectedError:  "rate_limit_exceeded",
		},
		{
			name:           "configuration error",
			err:            services.NewConfigurationError("orders", []string{"QUOTA is not allowed in RESPONSE"}),
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "configuration_error",
		},
		{
			name:           "policy execution error",
			err:            services.NewPolicyExecutionError("JSON_TRANSFORMER", errors.New("not an object")),
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "policy_execution_failed",
		},
		{
			name:           "backend error",
			err:            services.ErrBackendUnavailable,
			expectedStatus: http.StatusBadGateway,
			expectedError:  "backend_unavailable",
		},
		{
			name:           "canceled",
			err:            services.WrapError(services.ErrorTypeCanceled, "exchange canceled", context.Canceled),
			expectedStatus: StatusClientClosedRequest,
			expectedError:  "client_closed_request",
		},
		{
			name:           "internal error",
			err:            services.ErrInternal,
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
		{
			name:           "unknown error",
			err:            errors.New("some unknown error"),
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			HandleServiceError(w, tt.err, logger)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

			assert.Equal(t, tt.expectedError, response.Error)
			assert.NotEmpty(t, response.Message)
		})
	}
}

func TestHandleServiceErrorWithDetails(t *testing.T) {
	logger := zap.NewNop()

	err := services.NewDomainError(services.ErrorTypeSubscriptionExpired, "subscription expired", nil).
		WithDetail("subscription_id", 7).
		WithDetail("end_date", "2024-01-31T00:00:00Z")

	w := httptest.NewRecorder()
	HandleServiceError(w, err, logger)

	assert.Equal(t, http.StatusForbidden, w.Code)

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

	assert.Equal(t, "subscription_expired", response.Error)
	assert.Equal(t, float64(7), response.Details["subscription_id"])
	assert.Equal(t, "2024-01-31T00:00:00Z", response.Details["end_date"])
}

func TestHandleServiceErrorHidesInternalDetails(t *testing.T) {
	err := services.NewConfigurationError("orders", []string{"unknown policy FOO"})

	w := httptest.NewRecorder()
	HandleServiceError(w, err, zap.NewNop())

	var response utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	assert.Nil(t, response.Details)
	assert.NotContains(t, w.Body.String(), "FOO")
}

func TestHandleServiceErrorNil(t *testing.T) {
	w := httptest.NewRecorder()

	HandleServiceError(w, nil, zap.NewNop())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestHandleValidationError(t *testing.T) {
	logger := zap.NewNop()

	t.Run("field validation error", func(t *testing.T) {
		err := &utils.ValidationError{
			Message: "Validation failed",
			Fields:  map[string]string{"subscriptionID": "subscriptionID must be a positive integer"},
		}

		w := httptest.NewRecorder()
		HandleValidationError(w, err, logger)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

		assert.Equal(t, "bad_request", response.Error)
		assert.Equal(t, "Validation failed", response.Message)
		assert.Equal(t, "subscriptionID must be a positive integer", response.Details["subscriptionID"])
	})

	t.Run("generic error", func(t *testing.T) {
		w := httptest.NewRecorder()
		HandleValidationError(w, errors.New("generic validation error"), logger)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response utils.ErrorResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&response))

		assert.Equal(t, "bad_request", response.Error)
		assert.Equal(t, "generic validation error", response.Message)
	})
}
