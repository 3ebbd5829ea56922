package helpers

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{NewUpstreamError(UpstreamRateLimited, nil, "blocked"), "UpstreamRateLimited"},
		{fmt.Errorf("wrapped: %w", NewUpstreamError(UpstreamUnavailable, nil, "down")), "UpstreamUnavailable"},
		{NewStorageError(StorageConnectionFailed, errors.New("dial"), "ping"), "StorageConnectionFailed"},
		{InvalidDate(errors.New("bad")), "InvalidDate"},
		{InvalidRange("start after end"), "InvalidRange"},
		{context.Canceled, "Cancelled"},
		{fmt.Errorf("fetch: %w", context.DeadlineExceeded), "Cancelled"},
		{errors.New("boom"), "Internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorKind(tc.err), "%v", tc.err)
	}
}

func TestTypedErrorsMatchByKind(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("get: %w", NewStorageError(StorageConnectionFailed, cause, "query"))

	assert.True(t, errors.Is(err, &StorageError{Kind: StorageConnectionFailed}))
	assert.True(t, errors.Is(err, &StorageError{}))
	assert.False(t, errors.Is(err, &StorageError{Kind: StorageSchemaError}))
	assert.False(t, errors.Is(err, &UpstreamError{}))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "get: query: connection refused", err.Error())

	assert.True(t, errors.Is(InvalidRange("too long"), ErrInvalidRange))
}

func TestRetryWithBackoff(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), 3, time.Millisecond, nil, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryWithBackoffStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("schema")
	calls := 0
	err := RetryWithBackoff(context.Background(), 5, time.Millisecond,
		func(err error) bool { return !errors.Is(err, permanent) },
		func(context.Context) error {
			calls++
			return permanent
		})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoffHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryWithBackoff(ctx, 3, time.Hour, nil, func(context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestProxyManagerRotation(t *testing.T) {
	pm := NewProxyManager([]string{"10.0.0.1:3128", "", "socks5://10.0.0.2:1080", "ftp://nope"}, "")
	require.True(t, pm.HasProxies())

	assert.Equal(t, "http://10.0.0.1:3128", pm.GetCurrentProxy())
	assert.Equal(t, "socks5://10.0.0.2:1080", pm.RotateProxy())
	assert.Equal(t, "http://10.0.0.1:3128", pm.RotateProxy())
	assert.NotEmpty(t, pm.GetUserAgent())

	fixed := NewProxyManager(nil, "pool-observer/1.0")
	assert.False(t, fixed.HasProxies())
	assert.Equal(t, "", fixed.RotateProxy())
	assert.Equal(t, "pool-observer/1.0", fixed.GetUserAgent())
}
