package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/gateway-dataplane/services"
	"github.com/upb/gateway-dataplane/utils"
)

// StatusClientClosedRequest is the non standard status used when the caller
// went away before the exchange finished.
const StatusClientClosedRequest = 499

// HandleServiceError maps domain errors to HTTP responses
func HandleServiceError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if err == nil {
		return
	}

	details := services.GetErrorDetails(err)
	status, code, message := http.StatusInternalServerError, "internal_error", "An internal error occurred"

	switch errType := services.GetErrorType(err); {
	case services.IsNotFoundError(err):
		status, code, message = http.StatusNotFound, "not_found", err.Error()

	case services.IsValidationError(err):
		status, code, message = http.StatusBadRequest, "bad_request", err.Error()

	case services.IsSubscriptionDenial(err):
		status, code, message = http.StatusForbidden, string(errType), err.Error()

	case errType == services.ErrorTypeQuotaDenied:
		status, code, message = http.StatusTooManyRequests, "quota_exceeded", err.Error()

	case errType == services.ErrorTypeRateLimited:
		status, code, message = http.StatusTooManyRequests, "rate_limit_exceeded", err.Error()

	case services.IsConfigurationError(err):
		// Violations stay in the log, callers cannot act on them.
		logger.Error("policy configuration error", zap.Error(err), zap.Any("details", details))
		status, code, message = http.StatusInternalServerError, "configuration_error", "API policy configuration is invalid"
		details = nil

	case services.IsPolicyExecutionError(err):
		logger.Error("policy execution failed", zap.Error(err))
		status, code, message = http.StatusInternalServerError, "policy_execution_failed", "policy execution failed"
		details = nil

	case services.IsBackendError(err):
		status, code, message = http.StatusBadGateway, "backend_unavailable", err.Error()

	case errType == services.ErrorTypeCanceled:
		status, code, message = StatusClientClosedRequest, "client_closed_request", err.Error()

	case services.IsInternalError(err):
		logger.Error("internal server error", zap.Error(err))
		details = nil

	default:
		logger.Error("unhandled error type",
			zap.Error(err),
			zap.String("error_type", string(errType)))
		message = "An unexpected error occurred"
		details = nil
	}

	if err := utils.WriteErrorCode(w, status, code, message, details); err != nil {
		logger.Error("failed to write error response", zap.Error(err))
	}
}

// HandleValidationError handles validation errors from request parsing
func HandleValidationError(w http.ResponseWriter, err error, logger *zap.Logger) {
	if utils.IsValidationError(err) {
		fields := utils.GetValidationFields(err)
		details := make(map[string]interface{})
		for k, v := range fields {
			details[k] = v
		}
		if err := utils.WriteBadRequest(w, "Validation failed", details); err != nil {
			logger.Error("failed to write validation error response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteBadRequest(w, err.Error(), nil); err != nil {
		logger.Error("failed to write validation error response", zap.Error(err))
	}
}
