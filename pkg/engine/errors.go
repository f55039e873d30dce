package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a plugin failure.
type ErrorClass string

const (
	// ErrorClassValidation indicates a malformed descriptor.
	// Validation always runs before any mutation, so nothing was touched.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassConflict indicates a path exists with an unexpected node type
	// and wiping was not forced.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassIntegrity indicates a post-condition was not met,
	// e.g. an extracted archive is missing expected paths.
	ErrorClassIntegrity ErrorClass = "integrity"

	// ErrorClassPermission indicates an ownership or mode change failed.
	ErrorClassPermission ErrorClass = "permission"

	// ErrorClassTransport indicates a download or subprocess invocation failed.
	ErrorClassTransport ErrorClass = "transport"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource identifies the offending target (path, unit, key).
	Resource string `json:"resource,omitempty"`

	// Operation is the primitive being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if inner := e.unwrapMessage(); inner != "" {
		msg += ": " + inner
	}
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)", e.Class, msg, e.Resource, e.Operation)
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)", e.Class, msg, e.Resource)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

type engineErrorJSON struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Cause     string                 `json:"cause,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// MarshalJSON encodes the wrapped error as its message under "cause".
func (e *EngineError) MarshalJSON() ([]byte, error) {
	return json.Marshal(engineErrorJSON{
		Class:     e.Class,
		Message:   e.Message,
		Code:      e.Code,
		Resource:  e.Resource,
		Operation: e.Operation,
		Cause:     e.unwrapMessage(),
		Details:   e.Details,
	})
}

// UnmarshalJSON restores an error encoded by MarshalJSON. The cause comes
// back as a plain error carrying the original message.
func (e *EngineError) UnmarshalJSON(data []byte) error {
	var v engineErrorJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = EngineError{
		Class:     v.Class,
		Message:   v.Message,
		Code:      v.Code,
		Resource:  v.Resource,
		Operation: v.Operation,
		Details:   v.Details,
	}
	if v.Cause != "" {
		e.Err = errors.New(v.Cause)
	}
	return nil
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassValidation,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Code:    ErrCodeConflict,
		Err:     err,
	}
}

// NewIntegrityError creates a new integrity error.
func NewIntegrityError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassIntegrity,
		Message: message,
		Code:    ErrCodeIntegrity,
		Err:     err,
	}
}

// NewPermissionError creates a new permission error.
func NewPermissionError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermission,
		Message: message,
		Code:    ErrCodePermissionDenied,
		Err:     err,
	}
}

// NewTransportError creates a new transport error.
func NewTransportError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransport,
		Message: message,
		Code:    ErrCodeTransport,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the first EngineError in the chain, or an
// empty class for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsValidation returns true if the error is classified as a validation error.
func IsValidation(err error) bool {
	return ClassOf(err) == ErrorClassValidation
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return ClassOf(err) == ErrorClassConflict
}

// IsIntegrity returns true if the error is classified as an integrity failure.
func IsIntegrity(err error) bool {
	return ClassOf(err) == ErrorClassIntegrity
}

// IsPermission returns true if the error is classified as a permission failure.
func IsPermission(err error) bool {
	return ClassOf(err) == ErrorClassPermission
}

// IsTransport returns true if the error is classified as a transport failure.
func IsTransport(err error) bool {
	return ClassOf(err) == ErrorClassTransport
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeIntegrity        = "INTEGRITY_ERROR"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTransport        = "TRANSPORT_FAILED"
	ErrCodeNonZeroExit      = "NON_ZERO_EXIT"
	ErrCodeTimeout          = "TIMEOUT"
)
