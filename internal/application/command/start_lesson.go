package command

import (
	"context"
	"fmt"

	"github.com/lingokids/progression-hub/config"
	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/pkg/logger"
	"github.com/lingokids/progression-hub/pkg/timeutil"
	"github.com/lingokids/progression-hub/pkg/tracing"
)

// ══════════════════════════════════════════════════════════════════════════════
// START LESSON COMMAND
// Списывает стоимость урока в энергии при его запуске. Правило для
// (level, unit, type) обязано быть настроено.
//
// Списание включается флагом progression.lesson_start_charge (раскатка по
// детям). Пока флаг выключен, команда только возвращает текущую энергию.
// ══════════════════════════════════════════════════════════════════════════════

// FeatureChecker проверяет флаг для конкретного ребёнка.
type FeatureChecker interface {
	IsEnabled(featureName string, ctx *config.FeatureContext) bool
}

// StartLessonCommand содержит урок, который запускает ребёнок.
type StartLessonCommand struct {
	KidID    string
	LevelID  string
	UnitID   string
	LessonID string
	Type     progression.LessonType
}

// Validate проверяет корректность команды.
func (c StartLessonCommand) Validate() error {
	if err := shared.ValidateIDs(
		"kidId", c.KidID,
		"levelId", c.LevelID,
		"unitId", c.UnitID,
		"lessonId", c.LessonID,
	); err != nil {
		return err
	}
	if !c.Type.Valid() {
		return shared.InvalidInput("Validate", fmt.Sprintf("unknown lesson type %q", c.Type))
	}
	return nil
}

func (c StartLessonCommand) ruleKey() progression.RuleKey {
	return progression.RuleKey{LevelID: c.LevelID, UnitID: c.UnitID, Type: c.Type}
}

// StartLessonResult содержит энергию после запуска.
type StartLessonResult struct {
	Energy      int
	EnergySpent int

	// Charged - false, если списание выключено флагом.
	Charged bool
}

// StartLessonHandler обрабатывает запуск урока.
type StartLessonHandler struct {
	store          progression.Store
	rules          progression.RuleLookup
	policy         economy.Policy
	clock          timeutil.Clock
	features       FeatureChecker
	eventPublisher shared.EventPublisher
	logger         *logger.Logger
}

// NewStartLessonHandler создаёт обработчик. При features == nil списание
// выполняется всегда.
func NewStartLessonHandler(
	store progression.Store,
	rules progression.RuleLookup,
	policy economy.Policy,
	clock timeutil.Clock,
	features FeatureChecker,
	eventPublisher shared.EventPublisher,
	log *logger.Logger,
) *StartLessonHandler {
	return &StartLessonHandler{
		store:          store,
		rules:          rules,
		policy:         policy,
		clock:          clock,
		features:       features,
		eventPublisher: eventPublisher,
		logger:         orNop(log).With(logger.Component("start_lesson")),
	}
}

func (h *StartLessonHandler) chargeEnabled(kidID string) bool {
	if h.features == nil {
		return true
	}
	return h.features.IsEnabled(config.FeatureLessonStartCharge, config.ForKid(kidID))
}

// Handle выполняет команду.
func (h *StartLessonHandler) Handle(ctx context.Context, cmd StartLessonCommand) (result *StartLessonResult, err error) {
	ctx, span := tracing.Start(ctx, "command.StartLesson",
		tracing.KidAttr(cmd.KidID),
		tracing.LessonAttr(cmd.LessonID),
	)
	defer func() { tracing.End(span, err) }()

	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	rule, err := h.rules.Find(ctx, cmd.ruleKey())
	if err != nil {
		return nil, err
	}

	now := h.clock.Now()

	if !h.chargeEnabled(cmd.KidID) {
		state, err := h.store.Economy().Get(ctx, cmd.KidID)
		if err != nil {
			return nil, err
		}
		projected := h.policy.ProjectRegen(state, now)
		return &StartLessonResult{Energy: projected.Energy}, nil
	}

	err = h.store.Do(ctx, func(ctx context.Context, tx progression.Tx) error {
		state, err := tx.Economy().GetForUpdate(ctx, cmd.KidID)
		if err != nil {
			return err
		}
		h.policy.ApplyPassiveRegen(state, now)

		if err := state.SpendEnergy(rule.EnergyCost); err != nil {
			return err
		}
		state.MoveTo(cmd.LevelID, cmd.UnitID)
		state.Touch(now)

		if err := tx.Economy().Save(ctx, state); err != nil {
			return err
		}

		result = &StartLessonResult{
			Energy:      state.Energy,
			EnergySpent: rule.EnergyCost,
			Charged:     true,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	publishAll(h.eventPublisher, h.logger, shared.NewLessonStartedEvent(
		cmd.KidID, cmd.LessonID, cmd.LevelID, cmd.UnitID,
		result.EnergySpent, result.Energy, now,
	))
	return result, nil
}
