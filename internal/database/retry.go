package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"aquadrop/internal/constants"
)

// retryableDBOperationNoReturn runs operation until it succeeds, fails with a
// non-retryable error, or runs out of attempts. Backoff grows linearly.
func retryableDBOperationNoReturn(ctx context.Context, operation func() error, operationName string) error {
	var lastErr error

	maxAttempts := constants.DefaultDatabaseRetryAttempts
	step := time.Duration(constants.DefaultDatabaseRetryBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(constants.DefaultDatabaseMaxBackoffMs) * time.Millisecond

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableDBError(err) {
			return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
		}
		if attempt == maxAttempts {
			break
		}

		backoff := time.Duration(attempt) * step
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxAttempts, lastErr)
}

// isRetryableDBError reports whether SQLite may succeed on a later attempt
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	msg := err.Error()
	for _, transient := range []string{"database is locked", "database table is locked", "SQLITE_BUSY", "disk I/O error"} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
