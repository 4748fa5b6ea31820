package util

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDatabaseLocked(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"locked", errors.New("database is locked"), true},
		{"wrapped_locked", errors.New("save envelope: database is locked (5)"), true},
		{"other", errors.New("no such table: envelopes"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsDatabaseLocked(tt.err))
		})
	}
}

func TestRetryWithResult(t *testing.T) {
	t.Parallel()

	t.Run("retries locked errors", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		got, err := RetryWithResult(context.Background(), func() (int, error) {
			attempts++
			if attempts < 3 {
				return 0, errors.New("database is locked")
			}
			return 42, nil
		}, DatabaseRetryOptions(context.Background())...)
		require.NoError(t, err)
		assert.Equal(t, 42, got)
		assert.Equal(t, 3, attempts)
	})

	t.Run("does not retry non-lock errors", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		_, err := RetryWithResult(context.Background(), func() (int, error) {
			attempts++
			return 0, errors.New("no such table")
		}, DatabaseRetryOptions(context.Background())...)
		require.Error(t, err)
		assert.Equal(t, 1, attempts)
	})
}
