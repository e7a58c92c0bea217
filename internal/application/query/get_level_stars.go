package query

import (
	"context"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET LEVEL STARS QUERY
// Звёзды по юнитам и урокам одного уровня (карта мира).
// ══════════════════════════════════════════════════════════════════════════════

// GetLevelStarsQuery запрашивает звёзды уровня.
type GetLevelStarsQuery struct {
	KidID   string
	LevelID string
}

// Validate проверяет корректность запроса.
func (q GetLevelStarsQuery) Validate() error {
	return shared.ValidateIDs("kidId", q.KidID, "levelId", q.LevelID)
}

// GetLevelStarsHandler обрабатывает запрос звёзд уровня.
type GetLevelStarsHandler struct {
	economyRepo economy.Repository
	masteryRepo progression.MasteryRepository
}

// NewGetLevelStarsHandler создаёт обработчик.
func NewGetLevelStarsHandler(economyRepo economy.Repository, masteryRepo progression.MasteryRepository) *GetLevelStarsHandler {
	return &GetLevelStarsHandler{economyRepo: economyRepo, masteryRepo: masteryRepo}
}

// Handle выполняет запрос. Уровень без записей возвращается с пустым
// списком юнитов.
func (h *GetLevelStarsHandler) Handle(ctx context.Context, q GetLevelStarsQuery) (*progression.LevelStars, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	if _, err := h.economyRepo.Get(ctx, q.KidID); err != nil {
		return nil, err
	}

	records, err := h.masteryRepo.ListByLevel(ctx, q.KidID, q.LevelID)
	if err != nil {
		return nil, err
	}

	summary := progression.SummarizeLevel(q.LevelID, records)
	return &summary, nil
}
