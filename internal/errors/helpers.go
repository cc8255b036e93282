package errors

import (
	"fmt"
	"net/http"
)

// Common error creators for the realtime layer

// NewConnectionError creates a transport connection error. Connection errors are
// always retryable: the transport reconnects on its own.
func NewConnectionError(operation string, err error) *AppError {
	return WrapRetryable(err, ErrCodeConnection, fmt.Sprintf("connection %s failed", operation)).
		WithContext("operation", operation)
}

// NewSubscriptionError creates an error for a rejected channel subscription
func NewSubscriptionError(channel string, status int, message string) *AppError {
	return New(ErrCodeSubscription, message).
		WithContext("channel", channel).
		WithContext("status", status)
}

// NewMalformedEventError creates an error for an inbound payload missing identifying fields
func NewMalformedEventError(channel, event, reason string) *AppError {
	return New(ErrCodeMalformedEvent, reason).
		WithContext("channel", channel).
		WithContext("event", event)
}

// NewSendError creates a send failure for a backend call. Status 0 means the
// request never produced a response.
func NewSendError(endpoint string, statusCode int, err error) *AppError {
	retryable := statusCode == 0 || statusCode >= 500 || statusCode == http.StatusTooManyRequests || statusCode == http.StatusRequestTimeout

	appErr := Wrap(err, ErrCodeSendFailure, "backend send failed").
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)
	appErr.Retryable = retryable
	return appErr
}

// NewConfigError creates a configuration error
func NewConfigError(key, message string) *AppError {
	return New(ErrCodeInvalidConfig, message).
		WithContext("config_key", key)
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation)
}

// NewTimeoutError creates a timeout error with context
func NewTimeoutError(operation string, duration string) *AppError {
	return New(ErrCodeTimeout, fmt.Sprintf("%s timed out after %s", operation, duration)).
		WithContext("operation", operation).
		WithContext("timeout", duration)
}

// NewNotFoundError creates a not found error with resource context
func NewNotFoundError(resource, identifier string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource)).
		WithContext("resource", resource).
		WithContext("identifier", identifier)
}

// NewInvalidStateError reports an operation attempted from the wrong state
func NewInvalidStateError(resource, state, operation string) *AppError {
	return New(ErrCodeInvalidState, fmt.Sprintf("cannot %s %s in state %s", operation, resource, state)).
		WithContext("resource", resource).
		WithContext("state", state)
}

// HTTPStatusCode maps error codes to HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeSendFailure, ErrCodeUpstream, ErrCodeConnection:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HTTPErrorResponse is the JSON body written for failed HTTP requests
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
	response := HTTPErrorResponse{RequestID: requestID}
	response.Error.Code = GetCode(err)

	if appErr, ok := err.(*AppError); ok {
		response.Error.Message = appErr.Message
		if len(appErr.Context) > 0 {
			public := make(map[string]interface{})
			for k, v := range appErr.Context {
				if k != "token" && k != "secret" && k != "body" {
					public[k] = v
				}
			}
			if len(public) > 0 {
				response.Error.Context = public
			}
		}
	} else {
		response.Error.Message = "An internal error occurred"
	}

	return response
}
