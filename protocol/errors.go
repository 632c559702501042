package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode represents standardized error codes across transport layers
type ErrorCode int

const (
	// Connection errors (1000-1099)
	ErrorCodeConnectionRefused       ErrorCode = 1001
	ErrorCodeTimeout                 ErrorCode = 1002
	ErrorCodeAuthFailed              ErrorCode = 1003
	ErrorCodeProtocolVersionMismatch ErrorCode = 1004

	// Protocol errors (2000-2099)
	ErrorCodeProtocolError ErrorCode = 2001

	// Procedure errors (3000-3099)
	ErrorCodeProcedureFailed   ErrorCode = 3001
	ErrorCodeProcedureNotFound ErrorCode = 3002
	ErrorCodeRequestTooLarge   ErrorCode = 3013
	ErrorCodeConflict          ErrorCode = 3009
	ErrorCodeThrottled         ErrorCode = 3029
)

// TransportError represents an error with structured error code
type TransportError struct {
	Code        ErrorCode              `json:"code"`
	Message     string                 `json:"message"`
	Details     map[string]interface{} `json:"details,omitempty"`
	IsRetryable bool                   `json:"isRetryable"`
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if len(e.Details) > 0 {
		detailsJSON, _ := json.Marshal(e.Details)
		return fmt.Sprintf("[%d] %s (details: %s)", e.Code, e.Message, string(detailsJSON))
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// NewTransportError creates a new transport error
func NewTransportError(code ErrorCode, message string, details map[string]interface{}) *TransportError {
	return &TransportError{
		Code:        code,
		Message:     message,
		Details:     details,
		IsRetryable: isRetryable(code),
	}
}

// isRetryable determines if an error code represents a retryable error
func isRetryable(code ErrorCode) bool {
	switch code {
	case ErrorCodeTimeout,
		ErrorCodeThrottled:
		return true
	default:
		return false
	}
}

// IsRetryable reports whether err, or any error it wraps, is a retryable
// transport error.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.IsRetryable
	}
	return false
}

// ConnectionError creates a connection-related transport error
func ConnectionError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeConnectionRefused, message, details)
}

// TimeoutError creates a timeout transport error
func TimeoutError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeTimeout, message, details)
}

// AuthError creates an authentication transport error
func AuthError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeAuthFailed, message, details)
}

// ProtocolVersionMismatchError creates a protocol version mismatch error
func ProtocolVersionMismatchError(message string, details map[string]interface{}) *TransportError {
	return NewTransportError(ErrorCodeProtocolVersionMismatch, message, details)
}

// RequestTooLargeError is returned by servers for frames above their limit
func RequestTooLargeError(limit int) *TransportError {
	return NewTransportError(ErrorCodeRequestTooLarge, "request too large", map[string]interface{}{
		"limit": limit,
	})
}

// ProcedureNotFoundError is returned by servers for unknown procedure names
func ProcedureNotFoundError(name string) *TransportError {
	return NewTransportError(ErrorCodeProcedureNotFound, "procedure not found", map[string]interface{}{
		"procedure": name,
	})
}
