package query

import (
	"context"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/progression"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET TOTAL STARS QUERY
// Сумма звёзд по всем урокам ребёнка. Результат кэшируется; RecordAttempt
// сбрасывает кэш сразу после коммита, другие инстансы узнают об этом из
// события progression.star_advanced.
// ══════════════════════════════════════════════════════════════════════════════

// GetTotalStarsQuery запрашивает сумму звёзд.
type GetTotalStarsQuery = KidQuery

// StarTotalCache - версионированный кэш сумм звёзд. Ошибки кэша не
// возвращаются: промах и недоступность выглядят одинаково.
//
// Get возвращает версию, действующую на момент чтения; сумма, посчитанная
// после этого, сохраняется под ней. Сброс кэша повышает версию, поэтому
// запись, начатая до сброса, никогда не будет прочитана.
type StarTotalCache interface {
	Get(ctx context.Context, kidID string) (total int, version int64, hit bool)
	Set(ctx context.Context, kidID string, version int64, total int)
}

// TotalStarsDTO - сумма звёзд ребёнка.
type TotalStarsDTO struct {
	KidID string `json:"kidId"`
	Total int    `json:"total"`

	Cached bool `json:"-"`
}

// GetTotalStarsHandler обрабатывает запрос суммы звёзд.
type GetTotalStarsHandler struct {
	economyRepo economy.Repository
	masteryRepo progression.MasteryRepository
	cache       StarTotalCache
}

// NewGetTotalStarsHandler создаёт обработчик. cache может быть nil.
func NewGetTotalStarsHandler(
	economyRepo economy.Repository,
	masteryRepo progression.MasteryRepository,
	cache StarTotalCache,
) *GetTotalStarsHandler {
	return &GetTotalStarsHandler{
		economyRepo: economyRepo,
		masteryRepo: masteryRepo,
		cache:       cache,
	}
}

// Handle выполняет запрос. Для неизвестного ребёнка возвращает
// ErrKidNotFound.
func (h *GetTotalStarsHandler) Handle(ctx context.Context, q GetTotalStarsQuery) (*TotalStarsDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var version int64
	if h.cache != nil {
		total, v, ok := h.cache.Get(ctx, q.KidID)
		if ok {
			return &TotalStarsDTO{KidID: q.KidID, Total: total, Cached: true}, nil
		}
		version = v
	}

	if _, err := h.economyRepo.Get(ctx, q.KidID); err != nil {
		return nil, err
	}

	total, err := h.masteryRepo.SumStars(ctx, q.KidID, progression.StarFilter{})
	if err != nil {
		return nil, err
	}

	if h.cache != nil {
		h.cache.Set(ctx, q.KidID, version, total)
	}
	return &TotalStarsDTO{KidID: q.KidID, Total: total}, nil
}
