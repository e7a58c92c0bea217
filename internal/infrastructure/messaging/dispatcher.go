package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// DISPATCHER
// ══════════════════════════════════════════════════════════════════════════════

// Dispatcher registers named handlers on a bus. A failing handler is retried
// with backoff; a delivery that still fails is dead-lettered together with
// the kid it concerned.
type Dispatcher struct {
	bus         shared.EventSubscriber
	middlewares []Middleware
	retrier     *retry.Retrier
	deadLetters *DeadLetterQueue
	metrics     *EventMetrics
	logger      *slog.Logger
	mu          sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// DispatcherConfig contains configuration for the Dispatcher.
type DispatcherConfig struct {
	Bus shared.EventSubscriber

	// MaxAttempts includes the first call.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	DeadLetterCapacity int

	// Metrics receives retry and dead-letter counts. Defaults to the bus's
	// metrics when the bus exposes them.
	Metrics *EventMetrics

	Logger *slog.Logger
}

// DefaultDispatcherConfig returns the API defaults.
func DefaultDispatcherConfig(bus shared.EventSubscriber) DispatcherConfig {
	cfg := DispatcherConfig{
		Bus:                bus,
		MaxAttempts:        3,
		InitialBackoff:     100 * time.Millisecond,
		MaxBackoff:         2 * time.Second,
		DeadLetterCapacity: 1000,
	}
	if mb, ok := bus.(interface{ Metrics() *EventMetrics }); ok {
		cfg.Metrics = mb.Metrics()
	}
	return cfg
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(config DispatcherConfig) *Dispatcher {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Metrics == nil {
		config.Metrics = NewEventMetrics()
	}

	logger := config.Logger.With("component", "dispatcher")
	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		bus: config.Bus,
		retrier: retry.New(
			retry.WithMaxAttempts(config.MaxAttempts),
			retry.WithInitialDelay(config.InitialBackoff),
			retry.WithMaxDelay(config.MaxBackoff),
			// Panics are not retried.
			retry.WithRetryIf(func(err error) bool { return !errors.Is(err, ErrHandlerPanic) }),
		),
		deadLetters: NewDeadLetterQueue(config.DeadLetterCapacity),
		metrics:     config.Metrics,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Middleware wraps handler execution.
type Middleware func(name string, next shared.EventHandler) shared.EventHandler

// Use adds middleware. It applies to handlers registered afterwards.
func (d *Dispatcher) Use(middleware Middleware) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.middlewares = append(d.middlewares, middleware)
}

// Register subscribes handler to eventType under name.
func (d *Dispatcher) Register(eventType shared.EventType, name string, handler shared.EventHandler) error {
	if handler == nil {
		return errNilHandler
	}
	if name == "" {
		return errors.New("handler name is required")
	}

	d.mu.RLock()
	chain := handler
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		chain = d.middlewares[i](name, chain)
	}
	d.mu.RUnlock()

	d.logger.Debug("registered handler", "event_type", eventType, "handler", name)

	return d.bus.Subscribe(eventType, func(event shared.Event) error {
		return d.deliver(name, chain, event)
	})
}

func (d *Dispatcher) deliver(name string, handler shared.EventHandler, event shared.Event) error {
	attempts := 0
	err := d.retrier.Do(d.ctx, func(context.Context) error {
		attempts++
		return handler(event)
	})

	d.metrics.update(event.EventType(), func(c *EventCounters) {
		c.Retries += int64(attempts - 1)
		if err != nil {
			c.DeadLettered++
		}
	})
	if err == nil {
		return nil
	}

	d.deadLetters.add(DeadLetter{
		EventType: event.EventType(),
		KidID:     event.AggregateID(),
		Handler:   name,
		Error:     err.Error(),
		Attempts:  attempts,
		FailedAt:  time.Now().UTC(),
	})
	d.logger.Warn("event dead-lettered",
		"handler", name,
		"event_type", event.EventType(),
		"kid_id", event.AggregateID(),
		"attempts", attempts,
	)
	return fmt.Errorf("handler %s failed after %d attempts: %w", name, attempts, err)
}

// Stop cancels pending retries.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.logger.Info("dispatcher stopped")
}

// DeadLetters returns the dead letter queue.
func (d *Dispatcher) DeadLetters() *DeadLetterQueue {
	return d.deadLetters
}

// ══════════════════════════════════════════════════════════════════════════════
// MIDDLEWARE
// ══════════════════════════════════════════════════════════════════════════════

// RecoveryMiddleware converts handler panics into ErrHandlerPanic.
func RecoveryMiddleware(logger *slog.Logger) Middleware {
	return func(name string, next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic recovered",
						"handler", name,
						"event_type", event.EventType(),
						"panic", r,
						"stack", string(debug.Stack()),
					)
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next(event)
		}
	}
}

// LoggingMiddleware logs every handler attempt.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	return func(name string, next shared.EventHandler) shared.EventHandler {
		return func(event shared.Event) error {
			start := time.Now()
			err := next(event)

			attrs := []any{
				"handler", name,
				"event_type", event.EventType(),
				"kid_id", event.AggregateID(),
				"duration", time.Since(start),
			}
			if err != nil {
				logger.Warn("handler attempt failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("handler completed", attrs...)
			}
			return err
		}
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// DEAD LETTER QUEUE
// ══════════════════════════════════════════════════════════════════════════════

// DeadLetter is one delivery that exhausted its retries.
type DeadLetter struct {
	EventType shared.EventType `json:"event_type"`

	// KidID is the event's aggregate ID; game_rules for rule imports.
	KidID    string    `json:"kid_id"`
	Handler  string    `json:"handler"`
	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// DeadLetterQueue keeps the most recent dead letters, dropping the oldest
// at capacity.
type DeadLetterQueue struct {
	mu       sync.Mutex
	entries  []DeadLetter
	capacity int
	dropped  int64
}

// NewDeadLetterQueue creates a queue holding up to capacity entries.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	if capacity <= 0 {
		capacity = 1000
	}
	return &DeadLetterQueue{capacity: capacity}
}

func (q *DeadLetterQueue) add(entry DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.capacity {
		q.entries = q.entries[1:]
		q.dropped++
	}
	q.entries = append(q.entries, entry)
}

// Entries returns the queued dead letters, oldest first.
func (q *DeadLetterQueue) Entries() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, len(q.entries))
	copy(out, q.entries)
	return out
}

// DeadLetterSummary is the /metrics view of the queue.
type DeadLetterSummary struct {
	Size    int                      `json:"size"`
	Dropped int64                    `json:"dropped,omitempty"`
	ByType  map[shared.EventType]int `json:"by_type,omitempty"`
	Latest  *DeadLetter              `json:"latest,omitempty"`
}

// Summary counts queued dead letters per event type.
func (q *DeadLetterQueue) Summary() DeadLetterSummary {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := DeadLetterSummary{Size: len(q.entries), Dropped: q.dropped}
	if len(q.entries) == 0 {
		return s
	}
	s.ByType = make(map[shared.EventType]int)
	for _, e := range q.entries {
		s.ByType[e.EventType]++
	}
	latest := q.entries[len(q.entries)-1]
	s.Latest = &latest
	return s
}
