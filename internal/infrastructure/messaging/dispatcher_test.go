package messaging

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingokids/progression-hub/internal/domain/shared"
)

func newTestDispatcher(t *testing.T) (*InMemoryEventBus, *Dispatcher) {
	t.Helper()
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{Logger: quietLogger()})
	cfg := DefaultDispatcherConfig(bus)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.Logger = quietLogger()
	d := NewDispatcher(cfg)
	d.Use(RecoveryMiddleware(quietLogger()))
	d.Use(LoggingMiddleware(quietLogger()))
	t.Cleanup(d.Stop)
	return bus, d
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	bus, d := newTestDispatcher(t)

	calls := 0
	require.NoError(t, d.Register(shared.EventStarAdvanced, "flaky", func(shared.Event) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}))

	require.NoError(t, bus.Publish(shared.NewStarAdvancedEvent("kid-1", "l", "lv", "u", 0, 1, at)))

	assert.Equal(t, 3, calls)
	assert.Equal(t, EventCounters{Published: 1, Delivered: 1, Retries: 2}, bus.Metrics().For(shared.EventStarAdvanced),
		"dispatcher reports into the bus metrics")
	assert.Zero(t, d.DeadLetters().Summary().Size)
}

func TestDispatcher_DeadLettersAfterExhaustion(t *testing.T) {
	bus, d := newTestDispatcher(t)

	require.NoError(t, d.Register(shared.EventStarAdvanced, "broken", func(shared.Event) error {
		return errors.New("always")
	}))
	require.NoError(t, bus.Publish(shared.NewStarAdvancedEvent("kid-9", "l", "lv", "u", 1, 2, at)))

	entries := d.DeadLetters().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "broken", entries[0].Handler)
	assert.Equal(t, "kid-9", entries[0].KidID)
	assert.Equal(t, shared.EventStarAdvanced, entries[0].EventType)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, "always", entries[0].Error)

	counters := bus.Metrics().For(shared.EventStarAdvanced)
	assert.Equal(t, int64(1), counters.DeadLettered)
	assert.Equal(t, int64(2), counters.Retries)
	assert.Equal(t, int64(1), counters.Failed)

	summary := d.DeadLetters().Summary()
	assert.Equal(t, 1, summary.Size)
	assert.Equal(t, map[shared.EventType]int{shared.EventStarAdvanced: 1}, summary.ByType)
	require.NotNil(t, summary.Latest)
	assert.Equal(t, "kid-9", summary.Latest.KidID)
}

func TestDispatcher_PanicIsNotRetried(t *testing.T) {
	bus, d := newTestDispatcher(t)

	calls := 0
	require.NoError(t, d.Register(shared.EventGemAwarded, "panicky", func(shared.Event) error {
		calls++
		panic("nil map")
	}))
	require.NoError(t, bus.Publish(shared.NewGemAwardedEvent("kid", "l", 1, 1, at)))

	assert.Equal(t, 1, calls)
	entries := d.DeadLetters().Entries()
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Error, ErrHandlerPanic.Error())
}

func TestDispatcher_RegisterValidation(t *testing.T) {
	_, d := newTestDispatcher(t)
	assert.Error(t, d.Register(shared.EventGemAwarded, "", func(shared.Event) error { return nil }))
	assert.Error(t, d.Register(shared.EventGemAwarded, "x", nil))
}

func TestDeadLetterQueue_DropsOldest(t *testing.T) {
	q := NewDeadLetterQueue(2)
	for _, kid := range []string{"kid-1", "kid-2", "kid-3"} {
		q.add(DeadLetter{EventType: shared.EventStarAdvanced, KidID: kid})
	}

	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "kid-2", entries[0].KidID)
	assert.Equal(t, "kid-3", entries[1].KidID)
	assert.Equal(t, int64(1), q.Summary().Dropped)
}
