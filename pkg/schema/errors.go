package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeStorage       = "STORAGE_ERROR"
	ErrCodeEncryption    = "ENCRYPTION_ERROR"
	ErrCodeDecryption    = "DECRYPTION_ERROR"
	ErrCodeDuplicateStep = "DUPLICATE_STEP"
)

// AegisError is the structured error type for all aegis operations.
type AegisError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *AegisError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AegisError) Unwrap() error {
	return e.Cause
}

// NewError creates a new AegisError.
func NewError(code, message string) *AegisError {
	return &AegisError{Code: code, Message: message}
}

// NewErrorf creates a new AegisError with a formatted message.
func NewErrorf(code, format string, args ...any) *AegisError {
	return &AegisError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *AegisError) WithCause(err error) *AegisError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *AegisError) WithDetails(details map[string]any) *AegisError {
	e.Details = details
	return e
}

// IsCode reports whether err is an AegisError carrying the given code.
func IsCode(err error, code string) bool {
	var ae *AegisError
	return errors.As(err, &ae) && ae.Code == code
}
