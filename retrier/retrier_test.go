package retrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetrier(3, time.Millisecond, 5*time.Millisecond, 2, 0)

	attempts := 0
	err := r.Run(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRunExhaustsAttempts(t *testing.T) {
	r := NewRetrier(2, time.Millisecond, 5*time.Millisecond, 2, 0)
	sentinel := errors.New("permanent")

	attempts := 0
	err := r.Run(context.Background(), func() error {
		attempts++
		return sentinel
	})

	require.ErrorIs(t, err, sentinel)
	assert.Equal(t, 2, attempts)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := NewRetrier(5, time.Hour, time.Hour, 2, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := r.Run(ctx, func() error {
		attempts++
		return errors.New("transient")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}
