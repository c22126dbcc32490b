// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Agent protocol error codes
// - Sentinel errors for all error conditions
// - Error category checking functions
// - ErrorToCode and CodeToError mapping
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Agent protocol error codes - carried in agent error envelopes
// ============================================================================

const (
	CodeUnknown          int32 = 1
	CodeInvalidRequest   int32 = 2
	CodeNotFound         int32 = 3
	CodeAlreadyExists    int32 = 4
	CodeContainerMissing int32 = 5
	CodePermissionDenied int32 = 6
	CodeInternal         int32 = 7
	CodeTimeout          int32 = 8
	CodeUnsupported      int32 = 9
	CodeScriptFailed     int32 = 10
)

// CodeName returns a human-readable name for an error code.
func CodeName(code int32) string {
	switch code {
	case CodeUnknown:
		return "Unknown"
	case CodeInvalidRequest:
		return "InvalidRequest"
	case CodeNotFound:
		return "NotFound"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeContainerMissing:
		return "ContainerMissing"
	case CodePermissionDenied:
		return "PermissionDenied"
	case CodeInternal:
		return "Internal"
	case CodeTimeout:
		return "Timeout"
	case CodeUnsupported:
		return "Unsupported"
	case CodeScriptFailed:
		return "ScriptFailed"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Directory object errors
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrContainerMissing = errors.New("container missing")
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnsupported      = errors.New("operation not supported")
	ErrEnumeration      = errors.New("enumeration failed")
	ErrScriptFailed     = errors.New("script failed")
	ErrPasswordRejected = errors.New("password rejected")
	ErrNoPassword       = errors.New("no recoverable password")

	// Transport errors
	ErrTransport        = errors.New("transport error")
	ErrTimeout          = errors.New("timeout")
	ErrConnectionFailed = errors.New("connection failed")

	// Validation errors
	ErrInvalidName    = errors.New("invalid name")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidPolicy  = errors.New("invalid policy")
	ErrUnknownSource  = errors.New("unknown attribute source")
	ErrUnknownHandler = errors.New("unknown change handler")

	// Run errors
	ErrLocked   = errors.New("sync type is locked by another run")
	ErrInternal = errors.New("internal error")
	ErrDatabase = errors.New("database error")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is errors.Join.
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists returns true if err is an already-exists error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsContainerMissing returns true if the parent container of an object is absent.
func IsContainerMissing(err error) bool {
	return errors.Is(err, ErrContainerMissing)
}

// IsPermissionDenied returns true if the directory refused the operation.
// These are reported to administrators rather than retried.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidPolicy) ||
		errors.Is(err, ErrUnknownSource) ||
		errors.Is(err, ErrUnknownHandler)
}

// IsTransport returns true if err is a transport-related error.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed)
}

// IsRetriable returns true if a later run may succeed without intervention.
func IsRetriable(err error) bool {
	return IsTransport(err) || errors.Is(err, ErrDatabase)
}

// IsRecoverable returns true if err concerns a single object or event and
// the run may continue with the next one.
func IsRecoverable(err error) bool {
	return IsTransport(err) ||
		IsPermissionDenied(err) ||
		IsAlreadyExists(err) ||
		IsContainerMissing(err) ||
		IsNotFound(err) ||
		errors.Is(err, ErrScriptFailed) ||
		errors.Is(err, ErrPasswordRejected) ||
		errors.Is(err, ErrUnsupported)
}

// ============================================================================
// Error to wire code mapping
// ============================================================================

// ErrorToCode maps a sentinel error to its agent protocol code.
func ErrorToCode(err error) int32 {
	if err == nil {
		return CodeUnknown
	}

	switch {
	case IsNotFound(err):
		return CodeNotFound
	case IsAlreadyExists(err):
		return CodeAlreadyExists
	case IsContainerMissing(err):
		return CodeContainerMissing
	case IsPermissionDenied(err):
		return CodePermissionDenied
	case IsValidation(err):
		return CodeInvalidRequest
	case Is(err, ErrTimeout):
		return CodeTimeout
	case Is(err, ErrUnsupported):
		return CodeUnsupported
	case Is(err, ErrScriptFailed):
		return CodeScriptFailed
	default:
		return CodeInternal
	}
}

// CodeToError maps a wire code to a sentinel error (for clients).
func CodeToError(code int32) error {
	switch code {
	case CodeInvalidRequest:
		return ErrInvalidConfig
	case CodeNotFound:
		return ErrNotFound
	case CodeAlreadyExists:
		return ErrAlreadyExists
	case CodeContainerMissing:
		return ErrContainerMissing
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeTimeout:
		return ErrTimeout
	case CodeUnsupported:
		return ErrUnsupported
	case CodeScriptFailed:
		return ErrScriptFailed
	default:
		return ErrInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewAlreadyExists creates an already-exists error with context.
func NewAlreadyExists(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrAlreadyExists)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
