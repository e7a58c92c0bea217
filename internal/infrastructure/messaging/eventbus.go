// Package messaging delivers domain events after commit. The in-memory bus
// runs handlers on a bounded worker pool; the Redis bus additionally fans
// selected events out to other API instances over Redis pub/sub.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/lingokids/progression-hub/internal/domain/shared"
)

var (
	// ErrEventBusClosed is returned once the bus has been closed on shutdown.
	ErrEventBusClosed = errors.New("event bus is closed")

	// ErrHandlerPanic wraps a recovered handler panic.
	ErrHandlerPanic = errors.New("handler panicked")

	errNilEvent   = errors.New("event cannot be nil")
	errNilHandler = errors.New("handler cannot be nil")
)

// ══════════════════════════════════════════════════════════════════════════════
// IN-MEMORY EVENT BUS
// ══════════════════════════════════════════════════════════════════════════════

// InMemoryEventBus delivers events to the handlers of this process.
type InMemoryEventBus struct {
	mu       sync.RWMutex
	handlers map[shared.EventType][]shared.EventHandler
	closed   bool

	async    bool
	workers  *semaphore.Weighted
	inflight sync.WaitGroup

	metrics *EventMetrics
	logger  *slog.Logger
}

// InMemoryEventBusConfig contains configuration for InMemoryEventBus.
type InMemoryEventBusConfig struct {
	// AsyncMode returns from Publish before handlers run, so a slow cache
	// invalidation never holds up the HTTP response.
	AsyncMode bool

	// WorkerPoolSize bounds concurrent handler executions.
	WorkerPoolSize int

	Logger *slog.Logger
}

// DefaultInMemoryEventBusConfig returns the API defaults.
func DefaultInMemoryEventBusConfig() InMemoryEventBusConfig {
	return InMemoryEventBusConfig{
		AsyncMode:      true,
		WorkerPoolSize: 10,
	}
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus(config InMemoryEventBusConfig) *InMemoryEventBus {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 10
	}

	return &InMemoryEventBus{
		handlers: make(map[shared.EventType][]shared.EventHandler),
		async:    config.AsyncMode,
		workers:  semaphore.NewWeighted(int64(config.WorkerPoolSize)),
		metrics:  NewEventMetrics(),
		logger:   config.Logger,
	}
}

// Subscribe registers a handler for eventType.
func (b *InMemoryEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	if handler == nil {
		return errNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrEventBusClosed
	}
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// Publish delivers an event raised on this instance. Handler errors are
// logged and counted, never returned to the command that published.
func (b *InMemoryEventBus) Publish(event shared.Event) error {
	return b.deliver(event, false)
}

func (b *InMemoryEventBus) deliver(event shared.Event, remote bool) error {
	if event == nil {
		return errNilEvent
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrEventBusClosed
	}
	handlers := slices.Clone(b.handlers[event.EventType()])
	// Added under the read lock so Close cannot miss an in-flight delivery.
	if b.async {
		b.inflight.Add(len(handlers))
	}
	b.mu.RUnlock()

	b.metrics.update(event.EventType(), func(c *EventCounters) {
		if remote {
			c.Remote++
		} else {
			c.Published++
		}
	})

	for _, handler := range handlers {
		if b.async {
			go b.runPooled(event, handler)
			continue
		}
		b.run(event, handler)
	}
	return nil
}

func (b *InMemoryEventBus) runPooled(event shared.Event, handler shared.EventHandler) {
	defer b.inflight.Done()

	// Acquire fails only on a cancelled context.
	_ = b.workers.Acquire(context.Background(), 1)
	defer b.workers.Release(1)

	b.run(event, handler)
}

func (b *InMemoryEventBus) run(event shared.Event, handler shared.EventHandler) {
	start := time.Now()
	err := callHandler(handler, event)
	b.metrics.recordHandler(event.EventType(), time.Since(start), err)

	if err != nil {
		b.logger.Error("event handler failed",
			"event_type", event.EventType(),
			"aggregate_id", event.AggregateID(),
			"error", err,
		)
	}
}

func callHandler(handler shared.EventHandler, event shared.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return handler(event)
}

// Close stops accepting events and waits for running handlers.
func (b *InMemoryEventBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.inflight.Wait()
	b.logger.Info("event bus closed")
	return nil
}

// Metrics returns the per-event-type counters.
func (b *InMemoryEventBus) Metrics() *EventMetrics {
	return b.metrics
}
