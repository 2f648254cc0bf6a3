package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/tgmux/internal/types"
)

func TestRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.True(t, policy.ShouldRetry(errors.New("connection refused"), 1))
	assert.False(t, policy.ShouldRetry(errors.New("error"), 3), "no retry after max attempts")

	assert.Equal(t, 1*time.Second, policy.NextDelay(1))
	assert.Equal(t, 4*time.Second, policy.NextDelay(3))
}

func TestRetryPolicyNonRetryable(t *testing.T) {
	policy := DefaultRetryPolicy()

	for _, err := range []error{
		nil,
		types.NewInputError("bad"),
		&types.ProtocolError{Code: 401, Message: "Unauthorized", Fatal: true},
		&types.ProtocolError{Code: 404, Message: "Not Found"},
		fmt.Errorf("connect: %w", context.Canceled),
	} {
		assert.False(t, policy.ShouldRetry(err, 1), "%v", err)
	}

	assert.True(t, policy.ShouldRetry(&types.ProtocolError{Code: 502, Message: "Bad Gateway"}, 1))
	assert.True(t, policy.ShouldRetry(&types.ProtocolError{Code: 429, Message: "Too Many Requests"}, 1))
}

func TestRetryPolicyMaxDelayCap(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: 1 * time.Second,
		Multiplier:   10.0,
		MaxDelay:     30 * time.Second,
	}
	assert.Equal(t, policy.MaxDelay, policy.NextDelay(5))
}

func TestRetryPolicyExecute(t *testing.T) {
	policy := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 10 * time.Millisecond}

	calls := 0
	err := policy.Execute(t.Context(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("temporary failure")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = policy.Execute(t.Context(), func(ctx context.Context) error {
		calls++
		return errors.New("temporary failure")
	})
	assert.Error(t, err, "attempts exhausted")
	assert.Equal(t, 3, calls)

	calls = 0
	err = policy.Execute(t.Context(), func(ctx context.Context) error {
		calls++
		return types.ErrUnauthorized
	})
	assert.ErrorIs(t, err, types.ErrUnauthorized)
	assert.Equal(t, 1, calls)
}
