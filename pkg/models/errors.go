package models

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated is returned when no authenticated identity backs a call
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrPermissionDenied is returned when the identity lacks the required permission
	ErrPermissionDenied = errors.New("permission denied")

	// ErrScopeViolation is returned when an identity touches a target outside its scope
	ErrScopeViolation = errors.New("scope violation")

	// ErrInvalidToken is returned when a session token fails shape or MAC checks
	ErrInvalidToken = errors.New("invalid token")

	// ErrBoundMismatch is returned when a token is presented from a different binding
	ErrBoundMismatch = errors.New("session binding mismatch")

	// ErrRateLimited is returned when a per-agent rate gate rejects the call
	ErrRateLimited = errors.New("rate limited")

	// ErrSchemaInvalid is returned when a payload does not validate for its event type
	ErrSchemaInvalid = errors.New("schema invalid")

	// ErrIntegrityViolation is returned when the integrity chain is broken or contested
	ErrIntegrityViolation = errors.New("integrity violation")

	// ErrIO is returned when a durable read or write fails
	ErrIO = errors.New("io error")

	// ErrTimeout is returned when a deadline elapses before completion
	ErrTimeout = errors.New("timeout")

	// ErrCircuitOpen is returned when the escalation circuit breaker is open
	ErrCircuitOpen = errors.New("circuit open")

	// ErrLagging is returned to subscribers dropped for unconsumed backlog
	ErrLagging = errors.New("subscriber lagging")

	// ErrConflict is returned when a write contradicts existing log state
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// Unwrap ties validation failures to the schema_invalid kind
func (e *ValidationError) Unwrap() error {
	return ErrSchemaInvalid
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
