package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRedisDown = errors.New("dial tcp: connection refused")

func failing(context.Context) error { return errRedisDown }
func passing(context.Context) error { return nil }

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time          { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestCircuitBreaker_TripsAndRecovers(t *testing.T) {
	clock := newClock()
	var transitions []string

	cb := New("game-rules",
		Profile{FailureThreshold: 2, SuccessThreshold: 1, Cooldown: 5 * time.Second},
		WithClock(clock.Now),
		WithOnStateChange(func(_ string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		}),
	)
	ctx := context.Background()

	assert.ErrorIs(t, cb.Execute(ctx, failing), errRedisDown)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, failing), errRedisDown)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, passing)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsRejected(err))

	clock.Advance(5 * time.Second)
	require.NoError(t, cb.Execute(ctx, passing))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newClock()
	cb := New("star-totals", Profile{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	clock.Advance(time.Second)

	assert.ErrorIs(t, cb.Execute(ctx, failing), errRedisDown)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, passing), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenAdmitsOneCall(t *testing.T) {
	clock := newClock()
	cb := New("star-totals", Profile{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	clock.Advance(time.Second)

	err := cb.Execute(ctx, func(ctx context.Context) error {
		assert.Equal(t, StateHalfOpen, cb.State())
		assert.ErrorIs(t, cb.Execute(ctx, passing), ErrTooManyRequests)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CancelledCallerIsNotAFailure(t *testing.T) {
	cb := New("game-rules", Profile{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	err := cb.Execute(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
	assert.Zero(t, cb.Counts().Requests)

	assert.ErrorIs(t, cb.Execute(ctx, passing), context.Canceled)
	assert.Zero(t, cb.Counts().Requests)
}

func TestCacheBreaker_Status(t *testing.T) {
	clock := newClock()
	cb := New("redis-star-totals", CacheProfile, WithClock(clock.Now))
	ctx := context.Background()

	require.NoError(t, cb.Execute(ctx, passing))
	status := cb.Status()
	assert.Equal(t, "closed", status.State)
	assert.Nil(t, status.RetryAt)
	assert.NoError(t, status.Err())

	for i := 0; i < CacheProfile.FailureThreshold; i++ {
		_ = cb.Execute(ctx, failing)
	}

	status = cb.Status()
	assert.Equal(t, "redis-star-totals", status.Name)
	assert.Equal(t, "open", status.State)
	assert.Equal(t, 1+CacheProfile.FailureThreshold, status.Requests)
	assert.Equal(t, CacheProfile.FailureThreshold, status.TotalFailures)
	require.NotNil(t, status.RetryAt)
	assert.Equal(t, clock.now.Add(CacheProfile.Cooldown), *status.RetryAt)
	assert.ErrorContains(t, status.Err(), "circuit redis-star-totals is open until 2024-01-01T00:00:10Z")
}

func TestPublisherBreaker_ToleratesMoreFailures(t *testing.T) {
	cb := PublisherBreaker(nil)
	ctx := context.Background()

	assert.Equal(t, "event-fanout", cb.Name())
	for i := 0; i < CacheProfile.FailureThreshold; i++ {
		_ = cb.Execute(ctx, failing)
	}
	assert.Equal(t, StateClosed, cb.State())

	for i := CacheProfile.FailureThreshold; i < FanoutProfile.FailureThreshold; i++ {
		_ = cb.Execute(ctx, failing)
	}
	assert.Equal(t, StateOpen, cb.State())
}
