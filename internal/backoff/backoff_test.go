package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialNextDelay(t *testing.T) {
	e := New(3)

	d, again := e.NextDelay(0)
	require.True(t, again)
	assert.Equal(t, time.Second, d)

	d, again = e.NextDelay(1)
	require.True(t, again)
	assert.Equal(t, 2*time.Second, d)

	_, again = e.NextDelay(2)
	assert.False(t, again, "third attempt is the last; no further retry")
}

func TestExponentialCapsAtMaxDelay(t *testing.T) {
	e := New(10)
	d, again := e.NextDelay(8)
	require.True(t, again)
	assert.Equal(t, 30*time.Second, d)
}

func TestRetrySucceedsWithoutExhaustingAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), New(3), func(attempt int) error {
		calls++
		if attempt == 1 {
			return nil
		}
		return errors.New("not yet")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	want := errors.New("boom")
	err := Retry(context.Background(), New(3), func(attempt int) error {
		calls++
		return want
	})
	assert.Equal(t, want, err)
	assert.Equal(t, 3, calls)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, New(3), func(attempt int) error {
		return errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
