package shared

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	// ErrConnection indicates the event broker is unreachable. Connection
	// attempts are retried with bounded backoff before this becomes fatal.
	ErrConnection = NewDomainError("ERR_CONNECTION", "Event broker unreachable")

	// ErrConnectionExhausted is returned once the connect retry budget
	// (attempt ceiling or cumulative retry time) has been spent.
	ErrConnectionExhausted = NewDomainError("ERR_CONNECTION_EXHAUSTED", "Event broker connection retries exhausted")

	// ErrNotConnected is returned by Publish before a successful Connect.
	ErrNotConnected = NewDomainError("ERR_NOT_CONNECTED", "Event publisher is not connected")

	// ErrPublish indicates a single append failed. The publisher never
	// retries internally; the caller owns retry policy.
	ErrPublish = NewDomainError("ERR_PUBLISH", "Failed to publish event to stream")

	// ErrDuplicateProcessing means another consumer already holds the
	// (message, stream, group) key. Treated as "already handled".
	ErrDuplicateProcessing = NewDomainError("ERR_DUPLICATE_PROCESSING", "Message is already being processed")

	// ErrStaleProcessing marks the reclaim path for abandoned processing
	// records. Logged, never fatal.
	ErrStaleProcessing = NewDomainError("ERR_STALE_PROCESSING", "Processing record is stale and was reclaimed")

	ErrInsufficientCredits = NewDomainError("ERR_INSUFFICIENT_CREDITS", "Insufficient credits available")
	ErrPermissionDenied    = NewDomainError("ERR_PERMISSION_DENIED", "Access denied: insufficient permissions")

	// ErrCreditConfigUnavailable is the fail-open soft failure: cost
	// resolution degrades to zero and the operation proceeds.
	ErrCreditConfigUnavailable = NewDomainError("ERR_CREDIT_CONFIG_UNAVAILABLE", "Credit configuration unavailable, defaulting cost to zero")

	ErrNotFound     = NewDomainError("NOT_FOUND", "Resource not found")
	ErrInvalidInput = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrUnauthorized = NewDomainError("UNAUTHORIZED", "Not authorized to perform this action")
)
