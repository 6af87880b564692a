// Package util provides shared utility functions for stashmirror.
package util

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"stashmirror/internal/common"
)

// DatabaseRetryOptions returns retry options optimized for database operations.
// Uses linear backoff (100ms, 200ms, 300ms) suitable for transient lock errors.
func DatabaseRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(300 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsDatabaseLocked),
		retry.Context(ctx),
	}
}

// UpstreamRetryOptions returns retry options for calls to the upstream source.
// Only transient network failures are retried; shape errors abort immediately.
func UpstreamRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(4),
		retry.Delay(250 * time.Millisecond),
		retry.MaxDelay(5 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsUpstreamTransient),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DatabaseRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DatabaseRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsDatabaseLocked returns true if the error indicates a database lock.
func IsDatabaseLocked(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsUpstreamTransient returns true for errors worth retrying against the
// upstream source: timeouts, connection resets, 5xx responses.
func IsUpstreamTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, common.ErrUpstreamShape) {
		return false
	}
	if errors.Is(err, common.ErrUpstreamUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset")
}
