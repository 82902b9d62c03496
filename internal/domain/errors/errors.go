package errors

import (
	"errors"
	"fmt"
)

var (
	// Routing errors
	ErrRoutingFailed = errors.New("routing failed")

	// Bank errors
	ErrCreditAccountNotFound = errors.New("credit account not found")
	ErrBankUnavailable       = errors.New("bank unavailable")
	ErrBankRejected          = errors.New("request rejected by bank")
	ErrMalformedResponse     = errors.New("malformed bank response")
	ErrCircuitOpen           = errors.New("bank circuit breaker open")

	// Transfer errors
	ErrTransferNotFound       = errors.New("transfer not found")
	ErrTransferInProgress     = errors.New("transfer already in progress")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrMaxRetriesExceeded     = errors.New("max retries exceeded")

	// Reconciliation errors
	ErrReconciliationNotFound = errors.New("reconciliation item not found")

	// Idempotency errors
	ErrMissingIdempotencyKey   = errors.New("missing idempotency key")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match any validation error with errors.Is(err, ErrValidationFailed).
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
