package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dan-strohschein/syndrdb-bulkload/protocol"
)

// ConnectionError represents connection-related failures.
type ConnectionError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
}

// Error implements the error interface. It returns compact JSON; use
// FormatError for a human-oriented form.
func (e *ConnectionError) Error() string {
	return errorJSON(e.Code, e.Type, e.Message, e.Details, e.Cause)
}

// FormatError formats the error based on debug mode setting.
// When debugMode=false: returns simple "CODE: message" format.
// When debugMode=true: returns indented JSON with stack trace and timestamp.
func (e *ConnectionError) FormatError(debugMode bool) string {
	if !debugMode {
		return shortForm(e.Code, e.Message, e.Cause)
	}
	return debugForm(e.Code, e.Type, e.Message, e.Details, e.Cause, e.StackTrace, e.Timestamp)
}

// Unwrap returns the underlying cause error for errors.Is and errors.As compatibility.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ProtocolError represents protocol-level errors (malformed responses, etc).
type ProtocolError struct {
	Code       string                 `json:"code"`
	Type       string                 `json:"type"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace []string               `json:"stack_trace,omitempty"`
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return errorJSON(e.Code, e.Type, e.Message, e.Details, e.Cause)
}

// FormatError formats the error based on debug mode.
func (e *ProtocolError) FormatError(debugMode bool) string {
	if !debugMode {
		return shortForm(e.Code, e.Message, e.Cause)
	}
	return debugForm(e.Code, e.Type, e.Message, e.Details, e.Cause, e.StackTrace, time.Time{})
}

// Unwrap returns the underlying cause error.
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// StateError represents invalid state for an operation.
type StateError struct {
	Code     string          `json:"code"`
	Type     string          `json:"type"`
	Message  string          `json:"message"`
	Required ConnectionState `json:"-"`
	Actual   ConnectionState `json:"-"`
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return errorJSON(e.Code, e.Type, e.Message, map[string]interface{}{
		"requiredState": e.Required.String(),
		"currentState":  e.Actual.String(),
	}, nil)
}

// FormatError formats the error based on debug mode.
func (e *StateError) FormatError(debugMode bool) string {
	if !debugMode {
		return shortForm(e.Code, e.Message, nil)
	}
	return e.Error()
}

// ErrInvalidState creates a StateError for operations attempted in wrong state.
func ErrInvalidState(operation string, required, actual ConnectionState) error {
	return &StateError{
		Code:     "INVALID_STATE",
		Type:     "STATE_ERROR",
		Message:  fmt.Sprintf("%s requires %s state, currently %s", operation, required, actual),
		Required: required,
		Actual:   actual,
	}
}

// ProcedureError is returned when the server ran a stored procedure and
// reported failure. StatusCode follows HTTP conventions (404 unknown procedure,
// 409 conflict, 413 request too large, 429 throttled).
type ProcedureError struct {
	Procedure    string
	PartitionKey string
	StatusCode   int
	ActivityID   string
	Message      string
	Cause        *protocol.TransportError
}

// Error implements the error interface.
func (e *ProcedureError) Error() string {
	return fmt.Sprintf("procedure %s failed (status %d, activity %s): %s",
		e.Procedure, e.StatusCode, e.ActivityID, e.Message)
}

// FormatError formats the error based on debug mode.
func (e *ProcedureError) FormatError(debugMode bool) string {
	if !debugMode {
		return fmt.Sprintf("PROCEDURE_FAILED: %s: %s", e.Procedure, e.Message)
	}
	var cause error
	if e.Cause != nil {
		cause = e.Cause
	}
	return debugForm("PROCEDURE_FAILED", "PROCEDURE_ERROR", e.Message, map[string]interface{}{
		"procedure":    e.Procedure,
		"partitionKey": e.PartitionKey,
		"statusCode":   e.StatusCode,
		"activityId":   e.ActivityID,
	}, cause, nil, time.Time{})
}

// Unwrap exposes the server's structured error, so protocol.IsRetryable sees
// throttling and timeouts.
func (e *ProcedureError) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// IsNotFound reports whether err means the procedure does not exist.
func IsNotFound(err error) bool {
	var pe *ProcedureError
	return errors.As(err, &pe) && pe.StatusCode == 404
}

// Helper functions

func errorJSON(code, typ, message string, details map[string]interface{}, cause error) string {
	errorData := map[string]interface{}{
		"code":    code,
		"type":    typ,
		"message": message,
	}
	if len(details) > 0 {
		errorData["details"] = details
	}
	if cause != nil {
		errorData["cause"] = map[string]interface{}{
			"message": cause.Error(),
		}
	}
	b, _ := json.Marshal(errorData)
	return string(b)
}

func shortForm(code, message string, cause error) string {
	if cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %s)", code, message, cause.Error())
	}
	return fmt.Sprintf("%s: %s", code, message)
}

func debugForm(code, typ, message string, details map[string]interface{}, cause error, stack []string, ts time.Time) string {
	errorData := map[string]interface{}{
		"code":    code,
		"type":    typ,
		"message": message,
	}
	if len(details) > 0 {
		errorData["details"] = details
	}
	if cause != nil {
		errorData["cause"] = map[string]interface{}{
			"message": cause.Error(),
		}
	}
	if len(stack) > 0 {
		errorData["stack_trace"] = stack
	}
	if !ts.IsZero() {
		errorData["timestamp"] = ts.Format(time.RFC3339Nano)
	}
	b, _ := json.MarshalIndent(errorData, "", "  ")
	return string(b)
}

// FormatError is a helper to format any error with debug mode support.
func FormatError(err error, debugMode bool) string {
	if err == nil {
		return ""
	}

	type debugFormatter interface {
		FormatError(bool) string
	}

	var formatter debugFormatter
	if errors.As(err, &formatter) {
		return formatter.FormatError(debugMode)
	}

	return err.Error()
}
