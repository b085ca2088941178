package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypePersistence   ErrorType = "persistence"
	ErrorTypeInternal      ErrorType = "internal"
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

// Is implements errors.Is. Two domain errors match when type and message match,
// so wrapping a sentinel with extra details still satisfies errors.Is.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Message == t.Message
}

// WithDetail returns a copy of the error carrying an extra detail.
// Sentinels are never mutated.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DomainError{Type: e.Type, Message: e.Message, Err: e.Err, Details: details}
}

// Wrap returns a copy of the error wrapping cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	cp := e.WithDetail("cause", fmt.Sprint(cause))
	cp.Err = cause
	return cp
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

// Domain error variables

var (
	// Configuration Errors
	ErrUnknownVerifierKind   = NewDomainError(ErrorTypeConfiguration, "unknown verifier kind", nil)
	ErrInvalidVerifierConfig = NewDomainError(ErrorTypeConfiguration, "invalid verifier configuration", nil)
	ErrInvalidSafetyConfig   = NewDomainError(ErrorTypeConfiguration, "invalid safety configuration", nil)
	ErrInvalidEnsemble       = NewDomainError(ErrorTypeConfiguration, "invalid ensemble configuration", nil)

	// Validation Errors
	ErrInvalidInput     = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidRule      = NewDomainError(ErrorTypeValidation, "invalid compliance rule", nil)
	ErrRuleFileInvalid  = NewDomainError(ErrorTypeValidation, "invalid compliance rule file", nil)
	ErrEmptyEpisodeID   = NewDomainError(ErrorTypeValidation, "episode id cannot be empty", nil)
	ErrInvalidEventType = NewDomainError(ErrorTypeValidation, "invalid audit event type", nil)

	// Not Found Errors
	ErrVerifierNotFound = NewDomainError(ErrorTypeNotFound, "verifier instance not found", nil)
	ErrEpisodeNotFound  = NewDomainError(ErrorTypeNotFound, "episode not found", nil)
	ErrStepNotFound     = NewDomainError(ErrorTypeNotFound, "step not found", nil)

	// Conflict Errors
	ErrDuplicateVerifier = NewDomainError(ErrorTypeConflict, "verifier already registered", nil)

	// Persistence Errors
	ErrPersistenceUnavailable = NewDomainError(ErrorTypePersistence, "persistence requested but no store is available", nil)
	ErrPersistenceFailed      = NewDomainError(ErrorTypePersistence, "failed to persist record", nil)
	ErrPersistBufferFull      = NewDomainError(ErrorTypePersistence, "persistence buffer full", nil)
	ErrWriterNotStarted       = NewDomainError(ErrorTypePersistence, "persistence writer not started", nil)

	// Internal Errors
	ErrInternal         = NewDomainError(ErrorTypeInternal, "internal error", nil)
	ErrEvaluationFailed = NewDomainError(ErrorTypeInternal, "verifier evaluation failed", nil)
)

// Error type checking helper functions

// IsConfigurationError checks if an error is a configuration error
func IsConfigurationError(err error) bool {
	return GetErrorType(err) == ErrorTypeConfiguration
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return GetErrorType(err) == ErrorTypeConflict
}

// IsPersistenceError checks if an error is a persistence error
func IsPersistenceError(err error) bool {
	return GetErrorType(err) == ErrorTypePersistence
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
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

// WrapPersistence wraps an error as a persistence error
func WrapPersistence(message string, err error) error {
	return NewDomainError(ErrorTypePersistence, message, err)
}
