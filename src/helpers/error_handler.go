package helpers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Custom Error Types
// -----------------------------------------------------------------------------

type PoolError struct {
	Message string
	Cause   error
}

func (e *PoolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *PoolError) Unwrap() error {
	return e.Cause
}

// -----------------------------------------------------------------------------
// Request validation
// -----------------------------------------------------------------------------

var (
	ErrInvalidDate  = errors.New("invalid date")
	ErrInvalidRange = errors.New("invalid range")
)

// InvalidDate wraps a parse failure so errors.Is(err, ErrInvalidDate) holds.
func InvalidDate(cause error) error {
	return fmt.Errorf("%w: %v", ErrInvalidDate, cause)
}

func InvalidRange(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidRange, fmt.Sprintf(format, args...))
}

// -----------------------------------------------------------------------------
// Upstream
// -----------------------------------------------------------------------------

type UpstreamKind string

const (
	UpstreamRateLimited       UpstreamKind = "RateLimited"
	UpstreamUnavailable       UpstreamKind = "Unavailable"
	UpstreamMalformedResponse UpstreamKind = "MalformedResponse"
)

type UpstreamError struct {
	PoolError
	Kind UpstreamKind
}

func NewUpstreamError(kind UpstreamKind, cause error, format string, args ...interface{}) *UpstreamError {
	return &UpstreamError{
		PoolError: PoolError{Message: fmt.Sprintf(format, args...), Cause: cause},
		Kind:      kind,
	}
}

// Is matches another *UpstreamError of the same kind, so a bare
// &UpstreamError{Kind: UpstreamRateLimited} can be used as a target.
func (e *UpstreamError) Is(target error) bool {
	t, ok := target.(*UpstreamError)
	return ok && (t.Kind == "" || t.Kind == e.Kind)
}

// -----------------------------------------------------------------------------
// Storage
// -----------------------------------------------------------------------------

type StorageKind string

const (
	StorageConnectionFailed StorageKind = "ConnectionFailed"
	StorageWriteConflict    StorageKind = "WriteConflict"
	StorageSchemaError      StorageKind = "SchemaError"
)

type StorageError struct {
	PoolError
	Kind StorageKind
}

func NewStorageError(kind StorageKind, cause error, format string, args ...interface{}) *StorageError {
	return &StorageError{
		PoolError: PoolError{Message: fmt.Sprintf(format, args...), Cause: cause},
		Kind:      kind,
	}
}

func (e *StorageError) Is(target error) bool {
	t, ok := target.(*StorageError)
	return ok && (t.Kind == "" || t.Kind == e.Kind)
}

// -----------------------------------------------------------------------------

// ErrorKind names the taxonomy entry of err for API responses.
func ErrorKind(err error) string {
	var ue *UpstreamError
	var se *StorageError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ue):
		return "Upstream" + string(ue.Kind)
	case errors.As(err, &se):
		return "Storage" + string(se.Kind)
	case errors.Is(err, ErrInvalidDate):
		return "InvalidDate"
	case errors.Is(err, ErrInvalidRange):
		return "InvalidRange"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled"
	}
	return "Internal"
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff runs fn up to attempts times, doubling baseDelay between tries.
// Only errors accepted by retryable are retried; a nil predicate retries everything.
func RetryWithBackoff(ctx context.Context, attempts int, baseDelay time.Duration, retryable func(error) bool, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseDelay
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts-1 || (retryable != nil && !retryable(lastErr)) {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	return lastErr
}
