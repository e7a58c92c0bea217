package query

import (
	"context"

	"github.com/lingokids/progression-hub/internal/domain/progression"
)

// FindGameRuleQuery запрашивает правило по ключу.
type FindGameRuleQuery struct {
	Key progression.RuleKey
}

// GameRuleDTO - правило игры.
type GameRuleDTO struct {
	LevelID              string `json:"levelId"`
	UnitID               string `json:"unitId"`
	Type                 string `json:"type"`
	FirstPlayReward      int    `json:"firstPlayReward"`
	ReplaySuccessReward  int    `json:"replaySuccessReward"`
	ReplayFailureReward  int    `json:"replayFailureReward"`
	EnergyCost           int    `json:"energyCost"`
	UnlockingRequirement *int   `json:"unlockingRequirement"`
}

// NewGameRuleDTO converts a domain rule.
func NewGameRuleDTO(rule *progression.GameRule) *GameRuleDTO {
	return &GameRuleDTO{
		LevelID:              rule.LevelID,
		UnitID:               rule.UnitID,
		Type:                 string(rule.Type),
		FirstPlayReward:      rule.FirstPlayReward,
		ReplaySuccessReward:  rule.ReplaySuccessReward,
		ReplayFailureReward:  rule.ReplayFailureReward,
		EnergyCost:           rule.EnergyCost,
		UnlockingRequirement: rule.UnlockingRequirement,
	}
}

// FindGameRuleHandler обрабатывает поиск правила.
type FindGameRuleHandler struct {
	rules progression.RuleLookup
}

// NewFindGameRuleHandler создаёт обработчик.
func NewFindGameRuleHandler(rules progression.RuleLookup) *FindGameRuleHandler {
	return &FindGameRuleHandler{rules: rules}
}

// Handle возвращает ErrRuleNotFound, если правило не настроено.
func (h *FindGameRuleHandler) Handle(ctx context.Context, q FindGameRuleQuery) (*GameRuleDTO, error) {
	if err := q.Key.Validate(); err != nil {
		return nil, err
	}

	rule, err := h.rules.Find(ctx, q.Key)
	if err != nil {
		return nil, err
	}
	return NewGameRuleDTO(rule), nil
}
