package utils

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// InitialBackoff is the wait before the first retry. It doubles on every attempt.
var InitialBackoff = 250 * time.Millisecond

// Retry calls fn until it succeeds, maxRetries retries are exhausted or ctx
// is done. maxRetries of zero means a single attempt.
func Retry(ctx context.Context, maxRetries uint, what string, fn func(ctx context.Context) error) error {
	backoff := InitialBackoff
	var err error
	for attempt := uint(0); attempt <= maxRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == maxRetries {
			break
		}
		slog.Debug("Retrying", "operation", what, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("%s failed after %d retries: %w", what, maxRetries, err)
}
