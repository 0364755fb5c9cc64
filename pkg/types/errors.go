package types

import "fmt"

// ErrorType represents different categories of sync errors
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeTransport     ErrorType = "transport"
	ErrorTypeMalformed     ErrorType = "malformed_message"
	ErrorTypeSnapshot      ErrorType = "snapshot"
	ErrorTypeRefresh       ErrorType = "refresh"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeExternal      ErrorType = "external"
)

// SyncError represents a structured error in the appointment sync subsystem
type SyncError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string, details map[string]interface{}) *SyncError {
	return &SyncError{
		Type:    ErrorTypeValidation,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// NewTransportError creates a new transport error
func NewTransportError(code, message string, cause error) *SyncError {
	return &SyncError{
		Type:    ErrorTypeTransport,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewMalformedMessageError creates an error for a message that could not be normalized
func NewMalformedMessageError(code, message string, cause error) *SyncError {
	return &SyncError{
		Type:    ErrorTypeMalformed,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewSnapshotError creates a new snapshot fetch error
func NewSnapshotError(code, message string, cause error) *SyncError {
	return &SyncError{
		Type:    ErrorTypeSnapshot,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewRefreshError creates a new single-record refresh error
func NewRefreshError(code, message string, cause error) *SyncError {
	return &SyncError{
		Type:    ErrorTypeRefresh,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewExternalError creates an error for a failed call to an upstream service
func NewExternalError(code, message string, details map[string]interface{}) *SyncError {
	return &SyncError{
		Type:    ErrorTypeExternal,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Common error codes
const (
	ErrCodeInvalidInput     = "INVALID_INPUT"
	ErrCodeInvalidConfig    = "INVALID_CONFIG"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeUpstreamStatus   = "UPSTREAM_STATUS"
	ErrCodeUpstreamRejected = "UPSTREAM_REJECTED"
	ErrCodeDecodeFailed     = "DECODE_FAILED"
	ErrCodeDialFailed       = "DIAL_FAILED"
	ErrCodeSubscribeFailed  = "SUBSCRIBE_FAILED"
	ErrCodeConnectionLost   = "CONNECTION_LOST"
	ErrCodeNormalizeFailed  = "NORMALIZE_FAILED"
	ErrCodeSnapshotFailed   = "SNAPSHOT_FAILED"
	ErrCodeRefreshFailed    = "REFRESH_FAILED"
	ErrCodeInactive         = "INACTIVE"
)
