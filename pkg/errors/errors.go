// Package errors provides the structured error system used across the
// trainers. It defines error codes, categories, and wrapping helpers so
// configuration mistakes fail fast and loudly instead of silently
// corrupting a training run.
package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeValidation indicates invalid input tensors or parameters
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeConfiguration indicates an unrecognized or inconsistent
	// configuration value (loss variant, sync method, option range)
	ErrorTypeConfiguration ErrorType = "CONFIGURATION"

	// ErrorTypeNotImplemented indicates an abstract entry point that must
	// be reached through a concrete trainer, not directly
	ErrorTypeNotImplemented ErrorType = "NOT_IMPLEMENTED"

	// ErrorTypeInternal indicates an unexpected internal error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeTimeout indicates operation timeout
	ErrorTypeTimeout ErrorType = "TIMEOUT"
)

// AppError represents a structured application error
type AppError struct {
	// Code is the error code (e.g., "CFG_001")
	Code string `json:"code"`

	// Type categorizes the error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Details contains additional error context
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds additional context to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// ToJSON serializes the error for structured log output
func (e *AppError) ToJSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// New creates a new AppError
func New(code string, errType ErrorType, message string) *AppError {
	return &AppError{
		Code:    code,
		Type:    errType,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new AppError with formatted message
func Newf(code string, errType ErrorType, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with AppError context
func Wrap(err error, code string, message string) *AppError {
	if err == nil {
		return nil
	}

	// If already an AppError, keep its type
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Code:    code,
			Type:    appErr.Type,
			Message: message,
			Cause:   appErr,
			Details: make(map[string]interface{}),
		}
	}

	return &AppError{
		Code:    code,
		Type:    ErrorTypeInternal,
		Message: message,
		Cause:   err,
		Details: make(map[string]interface{}),
	}
}

// Is checks if an error matches a specific code
func Is(err error, code string) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Code == code
}

// IsType checks if an error matches a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Type == errType
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return "UNKNOWN"
	}

	return appErr.Code
}

// Common error constructors for frequent use cases

// ValidationError creates a validation error
func ValidationError(message string) *AppError {
	return New("VALIDATION_ERROR", ErrorTypeValidation, message)
}

// ValidationErrorf creates a validation error with formatted message
func ValidationErrorf(format string, args ...interface{}) *AppError {
	return Newf("VALIDATION_ERROR", ErrorTypeValidation, format, args...)
}

// ConfigurationError creates a configuration error
func ConfigurationError(message string) *AppError {
	return New("CONFIGURATION_ERROR", ErrorTypeConfiguration, message)
}

// ConfigurationErrorf creates a configuration error with formatted message
func ConfigurationErrorf(format string, args ...interface{}) *AppError {
	return Newf("CONFIGURATION_ERROR", ErrorTypeConfiguration, format, args...)
}

// NotImplementedError creates a not-implemented error for abstract entry points
func NotImplementedError(entryPoint string) *AppError {
	return Newf("NOT_IMPLEMENTED", ErrorTypeNotImplemented, "'%s' is not implemented", entryPoint)
}

// InternalError creates an internal error
func InternalError(message string) *AppError {
	return New("INTERNAL_ERROR", ErrorTypeInternal, message)
}

// InternalErrorf creates an internal error with formatted message
func InternalErrorf(format string, args ...interface{}) *AppError {
	return Newf("INTERNAL_ERROR", ErrorTypeInternal, format, args...)
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) *AppError {
	return Newf("TIMEOUT", ErrorTypeTimeout, "operation '%s' timed out", operation)
}
