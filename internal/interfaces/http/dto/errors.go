package dto

import "net/http"

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeUnknown is used when the error type is unknown
	ErrCodeUnknown = "ERR_UNKNOWN"
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
)

// Validation error codes
const (
	// ErrCodeValidation is the base code for validation errors
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeValidationRequired is used when a required field is missing
	ErrCodeValidationRequired = "ERR_VALIDATION_REQUIRED"
	// ErrCodeValidationFormat is used when a field has invalid format
	ErrCodeValidationFormat = "ERR_VALIDATION_FORMAT"
)

// Authentication error codes
const (
	// ErrCodeUnauthorized is used when authentication is required but missing/invalid
	ErrCodeUnauthorized = "ERR_UNAUTHORIZED"
	// ErrCodeForbidden is used when the caller lacks permission
	ErrCodeForbidden = "ERR_FORBIDDEN"
	// ErrCodeTokenExpired is used when the auth token has expired
	ErrCodeTokenExpired = "ERR_TOKEN_EXPIRED"
	// ErrCodeTokenInvalid is used when the auth token is invalid
	ErrCodeTokenInvalid = "ERR_TOKEN_INVALID"
)

// Resource error codes
const (
	// ErrCodeNotFound is used when a resource is not found
	ErrCodeNotFound = "ERR_NOT_FOUND"
	// ErrCodeAlreadyExists is used when trying to create a duplicate resource
	ErrCodeAlreadyExists = "ERR_ALREADY_EXISTS"
	// ErrCodeConflict is used for general resource conflicts
	ErrCodeConflict = "ERR_CONFLICT"
	// ErrCodeConcurrencyConflict is used when optimistic locking fails
	ErrCodeConcurrencyConflict = "ERR_CONCURRENCY_CONFLICT"
	// ErrCodeClaimConflict is used when a row is claimed by another worker
	ErrCodeClaimConflict = "ERR_CLAIM_CONFLICT"
	// ErrCodeRetryExhausted is used when conflict retries ran out
	ErrCodeRetryExhausted = "ERR_RETRY_EXHAUSTED"
)

// Billing rule error codes
const (
	// ErrCodeInvalidState is used when an operation is invalid for current state
	ErrCodeInvalidState = "ERR_INVALID_STATE"
	// ErrCodeInvalidTransition is used for disallowed tier transitions
	ErrCodeInvalidTransition = "ERR_INVALID_TRANSITION"
	// ErrCodeDowngradePending is used when a downgrade is already scheduled
	ErrCodeDowngradePending = "ERR_DOWNGRADE_PENDING"
	// ErrCodeNoSubscription is used when an org has no billing subscription
	ErrCodeNoSubscription = "ERR_NO_SUBSCRIPTION"
	// ErrCodeNoProviderCustomer is used when no provider customer is on record
	ErrCodeNoProviderCustomer = "ERR_NO_PROVIDER_CUSTOMER"
	// ErrCodeStaleEvent is used when a provider event predates applied state
	ErrCodeStaleEvent = "ERR_STALE_EVENT"
)

// Input error codes
const (
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidInput is used for invalid input data
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
	// ErrCodeInvalidJSON is used when JSON parsing fails
	ErrCodeInvalidJSON = "ERR_INVALID_JSON"
	// ErrCodeInvalidSignature is used when webhook signature verification fails
	ErrCodeInvalidSignature = "ERR_INVALID_SIGNATURE"
)

// Rate limiting error codes
const (
	// ErrCodeRateLimited is used when rate limit is exceeded
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
)

// Upstream error codes
const (
	// ErrCodeUpstreamProvider is used when the payment provider call failed
	ErrCodeUpstreamProvider = "ERR_UPSTREAM_PROVIDER"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	// General errors
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	// Validation errors -> 422 Unprocessable Entity
	ErrCodeValidation:         http.StatusUnprocessableEntity,
	ErrCodeValidationRequired: http.StatusUnprocessableEntity,
	ErrCodeValidationFormat:   http.StatusUnprocessableEntity,

	// Auth errors
	ErrCodeUnauthorized: http.StatusUnauthorized,
	ErrCodeForbidden:    http.StatusForbidden,
	ErrCodeTokenExpired: http.StatusUnauthorized,
	ErrCodeTokenInvalid: http.StatusUnauthorized,

	// Resource errors -> 404 / 409
	ErrCodeNotFound:            http.StatusNotFound,
	ErrCodeAlreadyExists:       http.StatusConflict,
	ErrCodeConflict:            http.StatusConflict,
	ErrCodeConcurrencyConflict: http.StatusConflict,
	ErrCodeClaimConflict:       http.StatusConflict,
	ErrCodeRetryExhausted:      http.StatusConflict,

	// Billing rule errors -> 422 Unprocessable Entity
	ErrCodeInvalidState:       http.StatusUnprocessableEntity,
	ErrCodeInvalidTransition:  http.StatusUnprocessableEntity,
	ErrCodeDowngradePending:   http.StatusUnprocessableEntity,
	ErrCodeNoSubscription:     http.StatusUnprocessableEntity,
	ErrCodeNoProviderCustomer: http.StatusUnprocessableEntity,
	ErrCodeStaleEvent:         http.StatusUnprocessableEntity,

	// Input errors -> 400 Bad Request
	ErrCodeBadRequest:       http.StatusBadRequest,
	ErrCodeInvalidInput:     http.StatusBadRequest,
	ErrCodeInvalidJSON:      http.StatusBadRequest,
	ErrCodeInvalidSignature: http.StatusBadRequest,

	// Rate limiting -> 429 Too Many Requests
	ErrCodeRateLimited: http.StatusTooManyRequests,

	// Upstream provider -> 502 Bad Gateway
	ErrCodeUpstreamProvider: http.StatusBadGateway,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DomainErrorCodeMapping maps domain error codes to the standardized format
var DomainErrorCodeMapping = map[string]string{
	"NOT_FOUND":            ErrCodeNotFound,
	"ALREADY_EXISTS":       ErrCodeAlreadyExists,
	"INVALID_INPUT":        ErrCodeInvalidInput,
	"INVALID_STATE":        ErrCodeInvalidState,
	"UNAUTHORIZED":         ErrCodeUnauthorized,
	"FORBIDDEN":            ErrCodeForbidden,
	"CONCURRENCY_CONFLICT": ErrCodeConcurrencyConflict,
	"CLAIM_CONFLICT":       ErrCodeClaimConflict,
	"RETRY_EXHAUSTED":      ErrCodeRetryExhausted,
	"DUPLICATE_EVENT":      ErrCodeAlreadyExists,
	"STALE_EVENT":          ErrCodeStaleEvent,
	"UPSTREAM_PROVIDER":    ErrCodeUpstreamProvider,
	"INVALID_TRANSITION":   ErrCodeInvalidTransition,
	"DOWNGRADE_PENDING":    ErrCodeDowngradePending,
	"NO_DOWNGRADE":         ErrCodeInvalidState,
	"NO_SUBSCRIPTION":      ErrCodeNoSubscription,
	"NO_PROVIDER_CUSTOMER": ErrCodeNoProviderCustomer,
	"INVALID_SIGNATURE":    ErrCodeInvalidSignature,
	"REASON_REQUIRED":      ErrCodeValidationRequired,
	"INTERNAL_ERROR":       ErrCodeInternal,
}

// NormalizeErrorCode converts a domain error code to the standardized format.
// INVALID_* codes not listed explicitly normalize to ERR_INVALID_INPUT; other
// unknown codes pass through as-is.
func NormalizeErrorCode(code string) string {
	if newCode, ok := DomainErrorCodeMapping[code]; ok {
		return newCode
	}
	if len(code) > 8 && code[:8] == "INVALID_" {
		return ErrCodeInvalidInput
	}
	return code
}
