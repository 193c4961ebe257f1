package shared

// DomainError is an error with a stable machine-readable code. The HTTP
// layer maps codes to status codes and response bodies.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DomainError) Error() string {
	return e.Message
}

// Is matches by code, so a copied or re-worded DomainError still
// compares equal to its sentinel under errors.Is.
func (e *DomainError) Is(target error) bool {
	de, ok := target.(*DomainError)
	return ok && de.Code == e.Code
}

// NewDomainError creates a domain error with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// Common domain errors
var (
	ErrNotFound            = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists       = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidInput        = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrConcurrencyConflict = NewDomainError("CONCURRENCY_CONFLICT", "Resource was modified by another process")
	ErrUnauthorized        = NewDomainError("UNAUTHORIZED", "Not authorized to perform this action")
	ErrForbidden           = NewDomainError("FORBIDDEN", "Access to this resource is forbidden")
	ErrInvalidState        = NewDomainError("INVALID_STATE", "Operation not allowed in current state")

	// Reconciliation errors
	ErrDuplicateEvent   = NewDomainError("DUPLICATE_EVENT", "Event was already processed")
	ErrStaleEvent       = NewDomainError("STALE_EVENT", "Event is older than the last applied provider state")
	ErrRetryExhausted   = NewDomainError("RETRY_EXHAUSTED", "Operation failed after maximum retry attempts")
	ErrClaimConflict    = NewDomainError("CLAIM_CONFLICT", "Row is already claimed by another worker")
	ErrUpstreamProvider = NewDomainError("UPSTREAM_PROVIDER", "Payment provider request failed")
)
