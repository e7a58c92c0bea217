package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("serialization failure")

func fastRetrier(opts ...Option) *Retrier {
	base := []Option{
		WithInitialDelay(time.Millisecond),
		WithMaxDelay(2 * time.Millisecond),
		WithJitter(0),
	}
	return New(append(base, opts...)...)
}

func TestRetrier_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	var retried []int

	r := fastRetrier(
		WithMaxAttempts(4),
		WithOnRetry(func(attempt int, err error, _ time.Duration) {
			retried = append(retried, attempt)
			assert.ErrorIs(t, err, errTransient)
		}),
	)

	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errTransient)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetrier_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	plain := errors.New("constraint violation")

	err := fastRetrier(WithMaxAttempts(5)).Do(context.Background(), func(context.Context) error {
		calls++
		return plain
	})

	assert.Same(t, plain, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_PermanentIsUnwrapped(t *testing.T) {
	calls := 0
	err := fastRetrier(WithRetryIf(func(error) bool { return true })).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errTransient)
	})

	assert.Same(t, errTransient, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := fastRetrier(WithMaxAttempts(3)).Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(errTransient)
	})

	assert.Same(t, errTransient, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := fastRetrier().Do(ctx, func(context.Context) error {
		t.Fatal("operation must not run on a cancelled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDatabaseRetrier_UsesPredicate(t *testing.T) {
	calls := 0
	r := DatabaseRetrier(func(err error) bool { return errors.Is(err, errTransient) })

	value, err := DoWithData(context.Background(), r, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errTransient
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, value)
	assert.Equal(t, 3, r.Config().MaxAttempts)
}
