package economy

import (
	"time"

	"github.com/lingokids/progression-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// STATE (kid_economy)
// ══════════════════════════════════════════════════════════════════════════════

// State - экономическое состояние ребёнка.
type State struct {
	// KidID - идентификатор ребёнка (выдаётся сервисом учётных записей).
	KidID string

	// Coin - монеты, всегда >= 0.
	Coin int

	// Gem - гемы, всегда >= 0.
	Gem int

	// Energy - текущая энергия. Регенерация и покупка не поднимают её выше
	// MaxEnergy, но и не срезают значение, уже превышающее максимум.
	Energy int

	// CountBuyEnergy - количество покупок энергии в сутки LastEnergyPurchaseAt.
	CountBuyEnergy int

	// LastEnergyRegenAt - момент последнего применения регенерации.
	LastEnergyRegenAt time.Time

	// LastEnergyPurchaseAt - момент последней покупки; nil, если покупок не было.
	LastEnergyPurchaseAt *time.Time

	// CurrentLevelID, CurrentUnitID - где ребёнок играл последним.
	CurrentLevelID string
	CurrentUnitID  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewState создаёт состояние нового ребёнка со стартовой энергией политики.
func NewState(kidID string, policy Policy, now time.Time) (*State, error) {
	if err := shared.ValidateID("kidId", kidID); err != nil {
		return nil, err
	}
	return &State{
		KidID:             kidID,
		Energy:            policy.InitialEnergy,
		LastEnergyRegenAt: now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Clone возвращает глубокую копию состояния.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastEnergyPurchaseAt != nil {
		t := *s.LastEnergyPurchaseAt
		c.LastEnergyPurchaseAt = &t
	}
	return &c
}

// Credit начисляет монеты и гемы. Проверок нет: награды неотрицательны.
func (s *State) Credit(coin, gem int) {
	s.Coin += coin
	s.Gem += gem
}

// Debit списывает монеты. При нехватке возвращает ErrInsufficientFunds и
// ничего не меняет.
func (s *State) Debit(coin int) error {
	if s.Coin < coin {
		return shared.ErrInsufficientFunds
	}
	s.Coin -= coin
	return nil
}

// CanSpendEnergy сообщает, хватает ли энергии.
func (s *State) CanSpendEnergy(amount int) bool {
	return s.Energy >= amount
}

// SpendEnergy списывает энергию. При нехватке возвращает
// ErrInsufficientEnergy и ничего не меняет.
func (s *State) SpendEnergy(amount int) error {
	if !s.CanSpendEnergy(amount) {
		return shared.ErrInsufficientEnergy
	}
	s.Energy -= amount
	return nil
}

// MoveTo запоминает текущий уровень и юнит.
func (s *State) MoveTo(levelID, unitID string) {
	s.CurrentLevelID = levelID
	s.CurrentUnitID = unitID
}

// Touch обновляет UpdatedAt.
func (s *State) Touch(now time.Time) {
	s.UpdatedAt = now
}
