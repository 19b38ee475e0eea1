package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRetry(t *testing.T) {
	calls := 0
	err := Retry("flaky", func() error {
		calls++
		if calls < RetryAttempts {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, RetryAttempts, calls)

	calls = 0
	err = Retry("corrupted", func() error {
		calls++
		return fmt.Errorf("decode block: %w", ErrCorrupted)
	})
	require.ErrorIs(t, err, ErrCorrupted)
	require.Equal(t, 1, calls)

	calls = 0
	err = Retry("down", func() error {
		calls++
		return errors.New("connection refused")
	})
	require.EqualError(t, err, "connection refused")
	require.Equal(t, RetryAttempts, calls)
}
