package query

import (
	"context"
	"errors"

	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// IS CHALLENGE UNLOCKED QUERY
// Открыт ли челлендж юнита: сумма звёзд по урокам (type=lesson) юнита
// сравнивается с unlocking_requirement правила челленджа.
// ══════════════════════════════════════════════════════════════════════════════

// IsChallengeUnlockedQuery запрашивает состояние челленджа.
type IsChallengeUnlockedQuery struct {
	KidID   string
	LevelID string
	UnitID  string
}

// Validate проверяет корректность запроса.
func (q IsChallengeUnlockedQuery) Validate() error {
	return shared.ValidateIDs("kidId", q.KidID, "levelId", q.LevelID, "unitId", q.UnitID)
}

// ChallengeStatusDTO - состояние челленджа.
type ChallengeStatusDTO struct {
	Unlocked bool `json:"unlocked"`

	// RuleConfigured - false, если правило челленджа не настроено; тогда
	// челлендж закрыт.
	RuleConfigured bool `json:"ruleConfigured"`

	// Requirement - nil, если требование не задано.
	Requirement *int `json:"requirement,omitempty"`

	Stars int `json:"stars"`
}

// IsChallengeUnlockedHandler обрабатывает запрос.
type IsChallengeUnlockedHandler struct {
	rules       progression.RuleLookup
	masteryRepo progression.MasteryRepository
}

// NewIsChallengeUnlockedHandler создаёт обработчик.
func NewIsChallengeUnlockedHandler(rules progression.RuleLookup, masteryRepo progression.MasteryRepository) *IsChallengeUnlockedHandler {
	return &IsChallengeUnlockedHandler{rules: rules, masteryRepo: masteryRepo}
}

// Handle выполняет запрос.
func (h *IsChallengeUnlockedHandler) Handle(ctx context.Context, q IsChallengeUnlockedQuery) (*ChallengeStatusDTO, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	key := progression.RuleKey{LevelID: q.LevelID, UnitID: q.UnitID, Type: progression.LessonTypeChallenge}
	rule, err := h.rules.Find(ctx, key)
	if errors.Is(err, shared.ErrRuleNotFound) {
		return &ChallengeStatusDTO{}, nil
	}
	if err != nil {
		return nil, err
	}

	stars, err := h.masteryRepo.SumStars(ctx, q.KidID, progression.StarFilter{
		LevelID: q.LevelID,
		UnitID:  q.UnitID,
		Type:    progression.LessonTypeLesson,
	})
	if err != nil {
		return nil, err
	}

	return &ChallengeStatusDTO{
		Unlocked:       progression.IsChallengeUnlocked(rule, stars),
		RuleConfigured: true,
		Requirement:    rule.UnlockingRequirement,
		Stars:          stars,
	}, nil
}
