package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound             ErrorType = "not_found"
	ErrorTypeValidation           ErrorType = "validation"
	ErrorTypeConfiguration        ErrorType = "configuration"
	ErrorTypePolicyExecution      ErrorType = "policy_execution"
	ErrorTypeQuotaDenied          ErrorType = "quota_denied"
	ErrorTypeRateLimited          ErrorType = "rate_limited"
	ErrorTypeNotSubscribed        ErrorType = "not_subscribed"
	ErrorTypeSubscriptionExpired  ErrorType = "subscription_expired"
	ErrorTypeSubscriptionCanceled ErrorType = "subscription_canceled"
	ErrorTypeBackend              ErrorType = "backend"
	ErrorTypeCanceled             ErrorType = "canceled"
	ErrorTypeInternal             ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinel values are matched with errors.Is (by type). Never call WithDetail on them;
// build a fresh error with NewDomainError instead.
var (
	ErrAPISpecNotFound      = NewDomainError(ErrorTypeNotFound, "api specification not found", nil)
	ErrSubscriptionNotFound = NewDomainError(ErrorTypeNotFound, "subscription not found", nil)
	ErrProductNotFound      = NewDomainError(ErrorTypeNotFound, "product not found", nil)

	ErrInvalidInput  = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidAmount = NewDomainError(ErrorTypeValidation, "consumption amount must be positive", nil)

	ErrConfiguration   = NewDomainError(ErrorTypeConfiguration, "invalid policy configuration", nil)
	ErrPolicyExecution = NewDomainError(ErrorTypePolicyExecution, "policy execution failed", nil)

	ErrQuotaDenied = NewDomainError(ErrorTypeQuotaDenied, "quota exhausted", nil)
	ErrRateLimited = NewDomainError(ErrorTypeRateLimited, "rate limit exceeded", nil)

	ErrNotSubscribed        = NewDomainError(ErrorTypeNotSubscribed, "not subscribed", nil)
	ErrSubscriptionExpired  = NewDomainError(ErrorTypeSubscriptionExpired, "subscription expired", nil)
	ErrSubscriptionCanceled = NewDomainError(ErrorTypeSubscriptionCanceled, "subscription canceled", nil)

	ErrBackendUnavailable = NewDomainError(ErrorTypeBackend, "backend unavailable", nil)
	ErrExchangeCanceled   = NewDomainError(ErrorTypeCanceled, "exchange canceled", nil)

	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrDatabaseError     = NewDomainError(ErrorTypeInternal, "database error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
)

// Error type checking helper functions

func hasType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsConfigurationError checks if an error is a policy configuration error
func IsConfigurationError(err error) bool {
	return hasType(err, ErrorTypeConfiguration)
}

// IsPolicyExecutionError checks if an error was raised by a filter at runtime
func IsPolicyExecutionError(err error) bool {
	return hasType(err, ErrorTypePolicyExecution)
}

// IsDenial reports whether err is a quota or rate limit denial.
func IsDenial(err error) bool {
	return hasType(err, ErrorTypeQuotaDenied) || hasType(err, ErrorTypeRateLimited)
}

// IsSubscriptionDenial reports whether err is one of the plan resolver outcomes.
func IsSubscriptionDenial(err error) bool {
	return hasType(err, ErrorTypeNotSubscribed) ||
		hasType(err, ErrorTypeSubscriptionExpired) ||
		hasType(err, ErrorTypeSubscriptionCanceled)
}

// IsBackendError checks if an error came from the upstream service
func IsBackendError(err error) bool {
	return hasType(err, ErrorTypeBackend)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// NewConfigurationError builds a configuration error for one API specification.
func NewConfigurationError(apiSpecID string, violations []string) *DomainError {
	return NewDomainError(ErrorTypeConfiguration, "invalid policy configuration", nil).
		WithDetail("api_spec_id", apiSpecID).
		WithDetail("violations", violations)
}

// NewPolicyExecutionError wraps a filter failure with the policy that raised it.
func NewPolicyExecutionError(policyName string, err error) *DomainError {
	return NewDomainError(ErrorTypePolicyExecution, "policy execution failed", err).
		WithDetail("policy", policyName)
}
