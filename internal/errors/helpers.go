package errors

import (
	"fmt"
	"net/http"
)

// Common error creators for frequent use cases

// NewValidationError creates a validation error with field context
func NewValidationError(field, value, message string) *AppError {
	return New(ErrCodeInvalidInput, message).
		WithContext("field", field).
		WithContext("value", value).
		WithUserMessage(fmt.Sprintf("Invalid %s: %s", field, message))
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key).
		WithUserMessage("Configuration error")
}

// NewDatabaseError creates a database error with operation context.
// Storage errors are worker-local and retried, so they are retryable
// by default.
func NewDatabaseError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeLocalStorage, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Storage operation failed")
}

// NewTransportError classifies a federation send failure by HTTP status.
// 5xx and timeouts are transient; a 4xx means the remote rejected the
// transaction framing permanently.
func NewTransportError(destination string, statusCode int, err error) *AppError {
	if statusCode >= 400 && statusCode < 500 {
		return Wrap(err, ErrCodePermanentRejection, "remote rejected transaction").
			WithContext("destination", destination).
			WithContext("status_code", statusCode)
	}
	return WrapRetryable(err, ErrCodeTransientNetwork, "federation send failed").
		WithContext("destination", destination).
		WithContext("status_code", statusCode)
}

// NewNetworkError wraps a connection-level failure (no HTTP response).
func NewNetworkError(destination string, err error) *AppError {
	return WrapRetryable(err, ErrCodeTransientNetwork, "connection failed").
		WithContext("destination", destination)
}

// NewCursorError reports a malformed sync cursor. Reported to the caller
// as a client error, never retried internally.
func NewCursorError(cursor string) *AppError {
	return New(ErrCodeInvalidCursor, "malformed sync cursor").
		WithContext("cursor", cursor).
		WithUserMessage("Invalid since token")
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration).
		WithUserMessage("Operation timed out, please try again")
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier).
		WithUserMessage(fmt.Sprintf("%s not found", resource))
}

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidCursor, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeTimeout:
		return http.StatusRequestTimeout
	case ErrCodeTransientNetwork:
		return http.StatusBadGateway
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery, ErrCodeLocalStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the standardized HTTP error body
type HTTPErrorResponse struct {
	Error struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Context interface{} `json:"context,omitempty"`
	} `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ToHTTPResponse converts an error to a standardized HTTP response
func ToHTTPResponse(err error, requestID string) HTTPErrorResponse {
	response := HTTPErrorResponse{
		RequestID: requestID,
	}

	if appErr, ok := err.(*AppError); ok {
		response.Error.Code = appErr.Code
		response.Error.Message = GetUserMessage(err)
		if len(appErr.Context) > 0 {
			response.Error.Context = appErr.Context
		}
	} else {
		response.Error.Code = ErrCodeInternalError
		response.Error.Message = GetUserMessage(err)
	}

	return response
}
