package service

import (
	"context"

	"aquadrop/internal/models"
	"aquadrop/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerbose marks ctx so that message content and identifiers are logged unmasked
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// LogWithContext creates a logger entry with optional sensitive information
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	return logger.WithField("verbose", IsVerboseLogging(ctx))
}

// messageFields returns log fields for a message, masked unless ctx is verbose
func messageFields(ctx context.Context, m *models.Message) logrus.Fields {
	if m == nil {
		return logrus.Fields{}
	}
	if IsVerboseLogging(ctx) {
		return logrus.Fields{
			LogFieldConversationID: m.ConversationID,
			LogFieldLocalID:        m.LocalID,
			LogFieldMessageID:      m.ID.String(),
			LogFieldUserID:         m.SenderID,
			LogFieldStatus:         string(m.Status),
			LogFieldBody:           m.Body,
		}
	}
	return logrus.Fields{
		LogFieldConversationID: m.ConversationID,
		LogFieldLocalID:        privacy.MaskLocalID(m.LocalID),
		LogFieldMessageID:      m.ID.String(),
		LogFieldUserID:         privacy.MaskUserID(m.SenderID),
		LogFieldStatus:         string(m.Status),
	}
}

// LogMessageEvent logs a message lifecycle step with appropriate privacy controls
func LogMessageEvent(ctx context.Context, logger *logrus.Logger, direction string, m *models.Message, msg string) {
	logger.WithFields(messageFields(ctx, m)).WithField(LogFieldDirection, direction).Debug(msg)
}
