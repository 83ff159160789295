package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4), "capped at MaxDelay")
	assert.Equal(t, time.Second, p.Delay(0), "attempt numbers below one are treated as the first")
}

func TestPolicy_Exhausted(t *testing.T) {
	p := DefaultPolicy()
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}

func TestWithExponentialBackoff_SucceedsAfterRetry(t *testing.T) {
	p := Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2}
	calls := 0

	result := WithExponentialBackoff(context.Background(), p, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("not yet")
		}
		return nil
	})

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 2, calls)
	assert.NoError(t, result.LastError)
}

func TestDo_ReturnsLastError(t *testing.T) {
	p := Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2}
	sentinel := errors.New("redis down")

	err := Do(context.Background(), p, func(ctx context.Context, attempt int) error {
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
}

func TestWithExponentialBackoff_StopsOnContextCancel(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := WithExponentialBackoff(ctx, p, func(ctx context.Context, attempt int) error {
		return errors.New("fail")
	})

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.ErrorIs(t, result.LastError, context.Canceled)
}
