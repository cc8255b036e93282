package service

// Logging Standards for aquadrop
//
// This file defines standard field names, log levels, and patterns
// to ensure consistent logging across the realtime core.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldConversationID = "conversation_id"
	LogFieldLocalID        = "local_id"
	LogFieldMessageID      = "message_id"
	LogFieldOrderID        = "order_id"
	LogFieldUserID         = "user_id"
	LogFieldDriverID       = "driver_id"

	// Realtime fields
	LogFieldChannel  = "channel"
	LogFieldEvent    = "event"
	LogFieldRefCount = "ref_count"
	LogFieldState    = "state"
	LogFieldOutcome  = "outcome"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"

	// Message fields
	LogFieldStatus    = "status"
	LogFieldBody      = "body"
	LogFieldDirection = "direction" // "incoming" or "outgoing"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"

	// Network and external services
	LogFieldEndpoint   = "endpoint"
	LogFieldStatusCode = "status_code"
	LogFieldUpstream   = "upstream"

	// HTTP request fields
	LogFieldRequestID = "request_id"
	LogFieldTraceID   = "trace_id"
	LogFieldMethod    = "method"
	LogFieldURL       = "url"
	LogFieldRoute     = "route"
	LogFieldRemoteIP  = "remote_ip"
	LogFieldUserAgent = "user_agent"
	LogFieldSize      = "response_size"

	// Error and debugging
	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: subscribe/unsubscribe traffic, dispatch details, merge outcomes.
// INFO: connection established, service start/stop, sends confirmed.
// WARN: dropped malformed events, failed sends, reconnect attempts, stale pending messages.
// ERROR: store failures, connection loop stopped, unrecoverable protocol errors.

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Failed operations: "Failed to [operation]"
// Dropped input: "Dropping [what]: [reason]"
// External services: "[Service] request completed" / "Failed to connect to [service]"

// Example Usage:
//
// logger.WithFields(logrus.Fields{
//     LogFieldConversationID: convID,
//     LogFieldLocalID:        privacy.MaskLocalID(msg.LocalID),
//     LogFieldDirection:      "outgoing",
// }).Info("Message confirmed")
