package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/pkg/circuitbreaker"
)

// DefaultChannel is the Redis channel used for event fan-out.
const DefaultChannel = "progression-hub:events"

// RedisClient is the pub/sub surface the bus needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channels ...string) (<-chan RedisMessage, error)
	Close() error
}

// RedisMessage is one message received from Redis pub/sub.
type RedisMessage struct {
	Channel string
	Payload string
	Err     error
}

// RedisEventBus delivers events locally and forwards the fan-out types to
// every other API instance on the channel. An instance skips its own
// messages, so local handlers see each event once.
type RedisEventBus struct {
	client     RedisClient
	local      *InMemoryEventBus
	channel    string
	instanceID string
	fanout     map[shared.EventType]bool
	breaker    *circuitbreaker.CircuitBreaker
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// RedisEventBusConfig contains configuration for RedisEventBus.
type RedisEventBusConfig struct {
	Client RedisClient

	// ChannelName defaults to DefaultChannel.
	ChannelName string

	// InstanceID identifies this process; a random UUID when empty.
	InstanceID string

	// FanoutTypes limits which events leave the process. Empty forwards
	// every type.
	FanoutTypes []shared.EventType

	LocalBusConfig InMemoryEventBusConfig

	Logger *slog.Logger
}

// NewRedisEventBus creates the bus and starts its subscriber.
func NewRedisEventBus(config RedisEventBusConfig) (*RedisEventBus, error) {
	if config.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.ChannelName == "" {
		config.ChannelName = DefaultChannel
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.LocalBusConfig.Logger == nil {
		config.LocalBusConfig.Logger = config.Logger
	}

	logger := config.Logger.With("component", "redis_event_bus", "instance_id", config.InstanceID)

	var fanout map[shared.EventType]bool
	if len(config.FanoutTypes) > 0 {
		fanout = make(map[shared.EventType]bool, len(config.FanoutTypes))
		for _, t := range config.FanoutTypes {
			fanout[t] = true
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisEventBus{
		client:     config.Client,
		local:      NewInMemoryEventBus(config.LocalBusConfig),
		channel:    config.ChannelName,
		instanceID: config.InstanceID,
		fanout:     fanout,
		breaker: circuitbreaker.PublisherBreaker(func(name string, from, to circuitbreaker.State) {
			logger.Warn("fan-out breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		}),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	messages, err := b.client.Subscribe(ctx, b.channel)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}
	b.wg.Add(1)
	go b.receive(messages)

	return b, nil
}

// Subscribe registers a local handler; it sees local and remote events.
func (b *RedisEventBus) Subscribe(eventType shared.EventType, handler shared.EventHandler) error {
	return b.local.Subscribe(eventType, handler)
}

// Publish forwards fan-out types over Redis, then delivers locally. A Redis
// failure is logged and local delivery still happens.
func (b *RedisEventBus) Publish(event shared.Event) error {
	if event == nil {
		return errNilEvent
	}
	if b.closed.Load() {
		return ErrEventBusClosed
	}

	if b.fansOut(event.EventType()) {
		if err := b.forward(event); err != nil {
			b.logger.Error("event fan-out failed",
				"event_type", event.EventType(),
				"aggregate_id", event.AggregateID(),
				"error", err,
			)
		} else {
			b.local.metrics.update(event.EventType(), func(c *EventCounters) { c.FannedOut++ })
		}
	}

	return b.local.Publish(event)
}

func (b *RedisEventBus) fansOut(eventType shared.EventType) bool {
	return b.fanout == nil || b.fanout[eventType]
}

func (b *RedisEventBus) forward(event shared.Event) error {
	data, err := json.Marshal(newEnvelope(b.instanceID, event))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.breaker.Execute(b.ctx, func(ctx context.Context) error {
		return b.client.Publish(ctx, b.channel, string(data))
	})
}

func (b *RedisEventBus) receive(messages <-chan RedisMessage) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.Err != nil {
				b.logger.Error("redis subscription error", "error", msg.Err)
				continue
			}
			b.handleRemote(msg.Payload)
		}
	}
}

func (b *RedisEventBus) handleRemote(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		b.logger.Error("malformed fan-out message", "error", err)
		return
	}
	if env.InstanceID == b.instanceID {
		return
	}

	if err := b.local.deliver(env.event(), true); err != nil {
		b.logger.Error("failed to deliver remote event", "event_id", env.ID, "error", err)
	}
}

// Close stops the subscriber and the local bus.
func (b *RedisEventBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.cancel()
	b.wg.Wait()

	if err := b.local.Close(); err != nil {
		b.logger.Error("failed to close local bus", "error", err)
	}
	if err := b.client.Close(); err != nil {
		b.logger.Error("failed to close redis pubsub", "error", err)
	}

	b.logger.Info("redis event bus closed")
	return nil
}

// Metrics returns the local bus counters, fan-out included.
func (b *RedisEventBus) Metrics() *EventMetrics {
	return b.local.Metrics()
}

// Breaker exposes the fan-out breaker for health reporting.
func (b *RedisEventBus) Breaker() *circuitbreaker.CircuitBreaker {
	return b.breaker
}

// ══════════════════════════════════════════════════════════════════════════════
// WIRE FORMAT
// ══════════════════════════════════════════════════════════════════════════════

type envelope struct {
	ID          string                 `json:"id"`
	InstanceID  string                 `json:"instance_id"`
	EventType   shared.EventType       `json:"event_type"`
	AggregateID string                 `json:"aggregate_id"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Payload     map[string]interface{} `json:"payload"`
}

func newEnvelope(instanceID string, event shared.Event) envelope {
	return envelope{
		ID:          uuid.NewString(),
		InstanceID:  instanceID,
		EventType:   event.EventType(),
		AggregateID: event.AggregateID(),
		OccurredAt:  event.OccurredAt(),
		Payload:     event.Payload(),
	}
}

func (e envelope) event() *remoteEvent {
	return &remoteEvent{env: e}
}

// remoteEvent is an event raised by another instance. Handlers get the
// payload as decoded JSON, not the typed domain event.
type remoteEvent struct {
	env envelope
}

func (e *remoteEvent) EventType() shared.EventType     { return e.env.EventType }
func (e *remoteEvent) AggregateID() string             { return e.env.AggregateID }
func (e *remoteEvent) OccurredAt() time.Time           { return e.env.OccurredAt }
func (e *remoteEvent) Payload() map[string]interface{} { return e.env.Payload }
