package query

import (
	"context"
	"time"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET ECONOMY QUERY
// Полное экономическое состояние ребёнка для экрана магазина и профиля.
// ══════════════════════════════════════════════════════════════════════════════

// GetEconomyQuery запрашивает экономику ребёнка.
type GetEconomyQuery = KidQuery

// EconomyDTO - состояние kid_economy после проекции регенерации.
type EconomyDTO struct {
	KidID  string `json:"kidId"`
	Coin   int    `json:"coin"`
	Gem    int    `json:"gem"`
	Energy int    `json:"energy"`

	MaxEnergy   int        `json:"maxEnergy"`
	NextRegenAt *time.Time `json:"nextRegenAt,omitempty"`

	// PurchasesToday и NextPurchaseCost считаются в часовом поясе сервиса.
	PurchasesToday   int `json:"purchasesToday"`
	NextPurchaseCost int `json:"nextPurchaseCost"`

	CurrentLevelID string `json:"currentLevelId,omitempty"`
	CurrentUnitID  string `json:"currentUnitId,omitempty"`

	LastEnergyRegenAt    time.Time  `json:"lastEnergyRegenAt"`
	LastEnergyPurchaseAt *time.Time `json:"lastEnergyPurchaseAt,omitempty"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// GetEconomyHandler обрабатывает запрос экономики.
type GetEconomyHandler struct {
	economyRepo economy.Repository
	policy      economy.Policy
	clock       timeutil.Clock
}

// NewGetEconomyHandler создаёт обработчик.
func NewGetEconomyHandler(economyRepo economy.Repository, policy economy.Policy, clock timeutil.Clock) *GetEconomyHandler {
	return &GetEconomyHandler{economyRepo: economyRepo, policy: policy, clock: clock}
}

// Handle выполняет запрос.
func (h *GetEconomyHandler) Handle(ctx context.Context, q GetEconomyQuery) (*EconomyDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	now := h.clock.Now()
	state, err := loadProjected(ctx, h.economyRepo, h.policy, q.KidID, now)
	if err != nil {
		return nil, err
	}
	return NewEconomyDTO(state, h.policy, now), nil
}

// NewEconomyDTO строит DTO из состояния, к которому уже применена
// регенерация на момент now.
func NewEconomyDTO(state *economy.State, policy economy.Policy, now time.Time) *EconomyDTO {
	dto := &EconomyDTO{
		KidID:                state.KidID,
		Coin:                 state.Coin,
		Gem:                  state.Gem,
		Energy:               state.Energy,
		MaxEnergy:            policy.MaxEnergy,
		PurchasesToday:       policy.PurchasesToday(state, now),
		NextPurchaseCost:     policy.PurchaseCost(state, now),
		CurrentLevelID:       state.CurrentLevelID,
		CurrentUnitID:        state.CurrentUnitID,
		LastEnergyRegenAt:    state.LastEnergyRegenAt,
		LastEnergyPurchaseAt: state.LastEnergyPurchaseAt,
		UpdatedAt:            state.UpdatedAt,
	}
	if at, ok := policy.NextRegenAt(state); ok {
		dto.NextRegenAt = &at
	}
	return dto
}
