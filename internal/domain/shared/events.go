package shared

import "time"

// EventType represents the type of domain event.
type EventType string

// Every event carries the kid ID as its aggregate ID, except rule imports
// which use RulesAggregateID.
const (
	EventKidEconomyOpened      EventType = "economy.opened"
	EventEnergyPurchased       EventType = "economy.energy_purchased"
	EventEnergyAdjusted        EventType = "economy.energy_adjusted"
	EventLessonStarted         EventType = "progression.lesson_started"
	EventLessonAttemptRecorded EventType = "progression.attempt_recorded"
	EventStarAdvanced          EventType = "progression.star_advanced"
	EventGemAwarded            EventType = "progression.gem_awarded"
	EventGameRulesImported     EventType = "rules.imported"
)

// RulesAggregateID is the aggregate ID of rule catalogue events.
const RulesAggregateID = "game_rules"

// Event is the base interface for all domain events.
type Event interface {
	EventType() EventType
	OccurredAt() time.Time
	AggregateID() string
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
	Version     int       `json:"version"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() string   { return e.AggregateId }

// NewBaseEvent creates a base event stamped at `at`.
func NewBaseEvent(eventType EventType, aggregateID string, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     1,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Economy Events
// ═══════════════════════════════════════════════════════════════════════════

// KidEconomyOpenedEvent is emitted when a kid's economy row is created.
type KidEconomyOpenedEvent struct {
	BaseEvent
	KidID  string `json:"kid_id"`
	Energy int    `json:"energy"`
}

func (e KidEconomyOpenedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kid_id": e.KidID,
		"energy": e.Energy,
	}
}

func NewKidEconomyOpenedEvent(kidID string, energy int, at time.Time) KidEconomyOpenedEvent {
	return KidEconomyOpenedEvent{
		BaseEvent: NewBaseEvent(EventKidEconomyOpened, kidID, at),
		KidID:     kidID,
		Energy:    energy,
	}
}

// EnergyPurchasedEvent is emitted after coins were exchanged for energy.
type EnergyPurchasedEvent struct {
	BaseEvent
	KidID          string `json:"kid_id"`
	Cost           int    `json:"cost"`
	EnergyAfter    int    `json:"energy_after"`
	CoinAfter      int    `json:"coin_after"`
	PurchasesToday int    `json:"purchases_today"`
}

func (e EnergyPurchasedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kid_id":          e.KidID,
		"cost":            e.Cost,
		"energy_after":    e.EnergyAfter,
		"coin_after":      e.CoinAfter,
		"purchases_today": e.PurchasesToday,
	}
}

func NewEnergyPurchasedEvent(kidID string, cost, energyAfter, coinAfter, purchasesToday int, at time.Time) EnergyPurchasedEvent {
	return EnergyPurchasedEvent{
		BaseEvent:      NewBaseEvent(EventEnergyPurchased, kidID, at),
		KidID:          kidID,
		Cost:           cost,
		EnergyAfter:    energyAfter,
		CoinAfter:      coinAfter,
		PurchasesToday: purchasesToday,
	}
}

// EnergyAdjustedEvent is emitted on an administrative energy change.
type EnergyAdjustedEvent struct {
	BaseEvent
	KidID       string `json:"kid_id"`
	Delta       int    `json:"delta"`
	EnergyAfter int    `json:"energy_after"`
}

func (e EnergyAdjustedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kid_id":       e.KidID,
		"delta":        e.Delta,
		"energy_after": e.EnergyAfter,
	}
}

func NewEnergyAdjustedEvent(kidID string, delta, energyAfter int, at time.Time) EnergyAdjustedEvent {
	return EnergyAdjustedEvent{
		BaseEvent:   NewBaseEvent(EventEnergyAdjusted, kidID, at),
		KidID:       kidID,
		Delta:       delta,
		EnergyAfter: energyAfter,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Progression Events
// ═══════════════════════════════════════════════════════════════════════════

// LessonStartedEvent is emitted when a lesson start was charged.
type LessonStartedEvent struct {
	BaseEvent
	KidID       string `json:"kid_id"`
	LessonID    string `json:"lesson_id"`
	LevelID     string `json:"level_id"`
	UnitID      string `json:"unit_id"`
	EnergySpent int    `json:"energy_spent"`
	EnergyAfter int    `json:"energy_after"`
}

func (e LessonStartedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kid_id":       e.KidID,
		"lesson_id":    e.LessonID,
		"level_id":     e.LevelID,
		"unit_id":      e.UnitID,
		"energy_spent": e.EnergySpent,
		"energy_after": e.EnergyAfter,
	}
}

func NewLessonStartedEvent(kidID, lessonID, levelID, unitID string, spent, energyAfter int, at time.Time) LessonStartedEvent {
	return LessonStartedEvent{
		BaseEvent:   NewBaseEvent(EventLessonStarted, kidID, at),
		KidID:       kidID,
		LessonID:    lessonID,
		LevelID:     levelID,
		UnitID:      unitID,
		EnergySpent: spent,
		EnergyAfter: energyAfter,
	}
}

// LessonAttemptRecordedEvent is emitted for every committed attempt.
type LessonAttemptRecordedEvent struct {
	BaseEvent
	KidID       string `json:"kid_id"`
	LessonID    string `json:"lesson_id"`
	LevelID     string `json:"level_id"`
	UnitID      string `json:"unit_id"`
	TargetTier  int    `json:"target_tier"`
	Won         bool   `json:"won"`
	Branch      string `json:"branch"`
	CoinReward  int    `json:"coin_reward"`
	GemReward   int    `json:"gem_reward"`
	EnergySpent int    `json:"energy_spent"`
	StarAfter   int    `json:"star_after"`
}

func (e LessonAttemptRecordedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kid_id":       e.KidID,
		"lesson_id":    e.LessonID,
		"level_id":     e.LevelID,
		"unit_id":      e.UnitID,
		"target_tier":  e.TargetTier,
		"won":          e.Won,
		"branch":       e.Branch,
		"coin_reward":  e.CoinReward,
		"gem_reward":   e.GemReward,
		"energy_spent": e.EnergySpent,
		"star_after":   e.StarAfter,
	}
}

// StarAdvancedEvent is emitted when a lesson's mastery tier goes up,
// including creation at tier 1.
type StarAdvancedEvent struct {
	BaseEvent
	KidID    string `json:"kid_id"`
	LessonID string `json:"lesson_id"`
	LevelID  string `json:"level_id"`
	UnitID   string `json:"unit_id"`
	FromStar int    `json:"from_star"`
	ToStar   int    `json:"to_star"`
}

func (e StarAdvancedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kid_id":    e.KidID,
		"lesson_id": e.LessonID,
		"level_id":  e.LevelID,
		"unit_id":   e.UnitID,
		"from_star": e.FromStar,
		"to_star":   e.ToStar,
	}
}

func NewStarAdvancedEvent(kidID, lessonID, levelID, unitID string, from, to int, at time.Time) StarAdvancedEvent {
	return StarAdvancedEvent{
		BaseEvent: NewBaseEvent(EventStarAdvanced, kidID, at),
		KidID:     kidID,
		LessonID:  lessonID,
		LevelID:   levelID,
		UnitID:    unitID,
		FromStar:  from,
		ToStar:    to,
	}
}

// GemAwardedEvent is emitted once per lesson, on the first HARD replay win.
type GemAwardedEvent struct {
	BaseEvent
	KidID    string `json:"kid_id"`
	LessonID string `json:"lesson_id"`
	Amount   int    `json:"amount"`
	GemTotal int    `json:"gem_total"`
}

func (e GemAwardedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"kid_id":    e.KidID,
		"lesson_id": e.LessonID,
		"amount":    e.Amount,
		"gem_total": e.GemTotal,
	}
}

func NewGemAwardedEvent(kidID, lessonID string, amount, total int, at time.Time) GemAwardedEvent {
	return GemAwardedEvent{
		BaseEvent: NewBaseEvent(EventGemAwarded, kidID, at),
		KidID:     kidID,
		LessonID:  lessonID,
		Amount:    amount,
		GemTotal:  total,
	}
}

// GameRulesImportedEvent is emitted after a rule batch was upserted.
type GameRulesImportedEvent struct {
	BaseEvent
	Count int      `json:"count"`
	Keys  []string `json:"keys"`
}

func (e GameRulesImportedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"count": e.Count,
		"keys":  e.Keys,
	}
}

func NewGameRulesImportedEvent(keys []string, at time.Time) GameRulesImportedEvent {
	return GameRulesImportedEvent{
		BaseEvent: NewBaseEvent(EventGameRulesImported, RulesAggregateID, at),
		Count:     len(keys),
		Keys:      keys,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Bus contracts
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
