package query

import (
	"context"
	"time"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET ENERGY QUERY
// Текущая энергия с учётом регенерации и момент следующей единицы.
// ══════════════════════════════════════════════════════════════════════════════

// GetEnergyQuery запрашивает энергию ребёнка.
type GetEnergyQuery = KidQuery

// EnergyDTO - энергия на момент запроса.
type EnergyDTO struct {
	Energy    int `json:"energy"`
	MaxEnergy int `json:"maxEnergy"`

	// NextRegenAt - nil, если энергия на максимуме.
	NextRegenAt *time.Time `json:"nextRegenAt,omitempty"`
}

// GetEnergyHandler обрабатывает запрос энергии.
type GetEnergyHandler struct {
	economyRepo economy.Repository
	policy      economy.Policy
	clock       timeutil.Clock
}

// NewGetEnergyHandler создаёт обработчик.
func NewGetEnergyHandler(economyRepo economy.Repository, policy economy.Policy, clock timeutil.Clock) *GetEnergyHandler {
	return &GetEnergyHandler{economyRepo: economyRepo, policy: policy, clock: clock}
}

// Handle выполняет запрос.
func (h *GetEnergyHandler) Handle(ctx context.Context, q GetEnergyQuery) (*EnergyDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	state, err := loadProjected(ctx, h.economyRepo, h.policy, q.KidID, h.clock.Now())
	if err != nil {
		return nil, err
	}

	dto := &EnergyDTO{Energy: state.Energy, MaxEnergy: h.policy.MaxEnergy}
	if at, ok := h.policy.NextRegenAt(state); ok {
		dto.NextRegenAt = &at
	}
	return dto, nil
}
