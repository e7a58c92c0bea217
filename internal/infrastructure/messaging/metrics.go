package messaging

import (
	"sync"
	"time"

	"github.com/lingokids/progression-hub/internal/domain/shared"
)

// EventCounters is the life of one event type on this instance.
type EventCounters struct {
	// Published counts events raised by this instance's commands.
	Published int64 `json:"published"`

	// Remote counts events received from other instances.
	Remote int64 `json:"remote,omitempty"`

	// FannedOut counts events sent to other instances over Redis.
	FannedOut int64 `json:"fanned_out,omitempty"`

	Delivered    int64 `json:"delivered"`
	Failed       int64 `json:"failed"`
	Retries      int64 `json:"retries,omitempty"`
	DeadLettered int64 `json:"dead_lettered,omitempty"`
}

func (c *EventCounters) add(o EventCounters) {
	c.Published += o.Published
	c.Remote += o.Remote
	c.FannedOut += o.FannedOut
	c.Delivered += o.Delivered
	c.Failed += o.Failed
	c.Retries += o.Retries
	c.DeadLettered += o.DeadLettered
}

// EventMetrics is shared by the bus and the dispatcher registered on it,
// so one /metrics entry shows an event type from publish to dead letter.
type EventMetrics struct {
	mu          sync.Mutex
	byType      map[shared.EventType]*EventCounters
	handlerRuns int64
	handlerTime time.Duration
}

// NewEventMetrics creates an empty tracker.
func NewEventMetrics() *EventMetrics {
	return &EventMetrics{byType: make(map[shared.EventType]*EventCounters)}
}

func (m *EventMetrics) update(eventType shared.EventType, fn func(*EventCounters)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.byType[eventType]
	if !ok {
		c = &EventCounters{}
		m.byType[eventType] = c
	}
	fn(c)
}

func (m *EventMetrics) recordHandler(eventType shared.EventType, took time.Duration, err error) {
	m.update(eventType, func(c *EventCounters) {
		if err != nil {
			c.Failed++
		} else {
			c.Delivered++
		}
	})

	m.mu.Lock()
	m.handlerRuns++
	m.handlerTime += took
	m.mu.Unlock()
}

// For returns the counters of one event type.
func (m *EventMetrics) For(eventType shared.EventType) EventCounters {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.byType[eventType]; ok {
		return *c
	}
	return EventCounters{}
}

// EventMetricsSnapshot is the /metrics view of EventMetrics.
type EventMetricsSnapshot struct {
	ByType                 map[shared.EventType]EventCounters `json:"by_type"`
	Total                  EventCounters                      `json:"total"`
	AverageHandlerDuration time.Duration                      `json:"average_handler_duration_ns"`
}

// Snapshot returns a copy of the counters.
func (m *EventMetrics) Snapshot() EventMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := EventMetricsSnapshot{ByType: make(map[shared.EventType]EventCounters, len(m.byType))}
	for t, c := range m.byType {
		snap.ByType[t] = *c
		snap.Total.add(*c)
	}
	if m.handlerRuns > 0 {
		snap.AverageHandlerDuration = m.handlerTime / time.Duration(m.handlerRuns)
	}
	return snap
}
