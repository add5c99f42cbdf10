package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	assert.Equal(t, "validation", Kind(Validation("qty %d", 0)))
	assert.Equal(t, "not_found", Kind(NotFound("order", "x")))
	assert.Equal(t, "invalid_transition", Kind(InvalidTransition("order", "A", "B")))
	assert.Equal(t, "insufficient_stock", Kind(fmt.Errorf("line 1: %w", ErrInsufficientStock)))
	assert.Equal(t, "internal", Kind(errors.New("boom")))
	assert.Equal(t, "", Kind(nil))
}

func TestRetryOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("success after one conflict", func(t *testing.T) {
		calls := 0
		v, err := RetryOnce(ctx, time.Millisecond, func() (int, error) {
			calls++
			if calls == 1 {
				return 0, Conflict("lost race")
			}
			return 7, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
		assert.Equal(t, 2, calls)
	})

	t.Run("second conflict surfaces", func(t *testing.T) {
		calls := 0
		_, err := RetryOnce(ctx, time.Millisecond, func() (int, error) {
			calls++
			return 0, Conflict("lost race")
		})
		require.Error(t, err)
		assert.True(t, Retryable(err))
		assert.Equal(t, 2, calls)
	})

	t.Run("non retryable is not retried", func(t *testing.T) {
		calls := 0
		_, err := RetryOnce(ctx, time.Millisecond, func() (int, error) {
			calls++
			return 0, ErrInsufficientStock
		})
		require.ErrorIs(t, err, ErrInsufficientStock)
		assert.Equal(t, 1, calls)
	})
}
