package command

import (
	"context"
	"fmt"
	"time"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/pkg/logger"
	"github.com/lingokids/progression-hub/pkg/timeutil"
	"github.com/lingokids/progression-hub/pkg/tracing"
)

// ══════════════════════════════════════════════════════════════════════════════
// RECORD ATTEMPT COMMAND
// Записывает результат прохождения урока: списывает энергию, начисляет
// монеты и гемы, продвигает уровень мастерства.
//
// Порядок внутри транзакции:
// 1. Блокировка строки kid_economy и пассивная регенерация
// 2. Проверка энергии, затем проверка уровня сложности
// 3. Сохранение состояния и записи мастерства
// ══════════════════════════════════════════════════════════════════════════════

// starInvalidateTimeout ограничивает синхронный сброс кэша звёзд.
const starInvalidateTimeout = 2 * time.Second

// RecordAttemptCommand содержит данные о попытке.
type RecordAttemptCommand struct {
	KidID    string
	LevelID  string
	UnitID   string
	LessonID string

	// Type - lesson или challenge.
	Type progression.LessonType

	// TargetTier - уровень сложности, на котором играл ребёнок (1..3).
	TargetTier progression.Tier

	Won bool
}

func (c RecordAttemptCommand) attempt() progression.Attempt {
	return progression.Attempt{
		KidID:      c.KidID,
		LevelID:    c.LevelID,
		UnitID:     c.UnitID,
		LessonID:   c.LessonID,
		Type:       c.Type,
		TargetTier: c.TargetTier,
		Won:        c.Won,
	}
}

// Validate проверяет корректность команды.
func (c RecordAttemptCommand) Validate() error {
	return c.attempt().Validate()
}

// RecordAttemptResult содержит результат записи попытки.
type RecordAttemptResult struct {
	// State - экономика ребёнка после попытки.
	State *economy.State

	// Record - запись мастерства; nil после проигранной первой попытки.
	Record *progression.MasteryRecord

	Outcome *progression.Outcome

	// RuleConfigured - false, если для (level, unit, type) правило не
	// настроено и применялось нулевое правило.
	RuleConfigured bool
}

// StarTotalInvalidator сбрасывает закэшированную сумму звёзд ребёнка.
type StarTotalInvalidator interface {
	Invalidate(ctx context.Context, kidID string) error
}

// RecordAttemptHandler обрабатывает команду записи попытки.
type RecordAttemptHandler struct {
	uow            progression.UnitOfWork
	rules          progression.RuleLookup
	stars          StarTotalInvalidator
	policy         economy.Policy
	clock          timeutil.Clock
	eventPublisher shared.EventPublisher
	logger         *logger.Logger
}

// NewRecordAttemptHandler создаёт обработчик. rules может быть кэшем поверх
// репозитория правил, stars может быть nil.
func NewRecordAttemptHandler(
	uow progression.UnitOfWork,
	rules progression.RuleLookup,
	stars StarTotalInvalidator,
	policy economy.Policy,
	clock timeutil.Clock,
	eventPublisher shared.EventPublisher,
	log *logger.Logger,
) *RecordAttemptHandler {
	return &RecordAttemptHandler{
		uow:            uow,
		rules:          rules,
		stars:          stars,
		policy:         policy,
		clock:          clock,
		eventPublisher: eventPublisher,
		logger:         orNop(log).With(logger.Component("record_attempt")),
	}
}

// Handle выполняет команду.
func (h *RecordAttemptHandler) Handle(ctx context.Context, cmd RecordAttemptCommand) (result *RecordAttemptResult, err error) {
	ctx, span := tracing.Start(ctx, "command.RecordAttempt",
		tracing.KidAttr(cmd.KidID),
		tracing.LessonAttr(cmd.LessonID),
	)
	defer func() { tracing.End(span, err) }()

	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	attempt := cmd.attempt()

	// Правила читаются вне транзакции: каталог меняется только импортом.
	rule, configured, err := progression.LookupOrZero(ctx, h.rules, attempt.RuleKey())
	if err != nil {
		return nil, fmt.Errorf("record_attempt: failed to look up rule: %w", err)
	}

	now := h.clock.Now()

	err = h.uow.Do(ctx, func(ctx context.Context, tx progression.Tx) error {
		state, err := tx.Economy().GetForUpdate(ctx, cmd.KidID)
		if err != nil {
			return err
		}
		h.policy.ApplyPassiveRegen(state, now)

		existing, _, err := tx.Mastery().Get(ctx, cmd.KidID, cmd.LessonID)
		if err != nil {
			return err
		}

		outcome, err := progression.Resolve(state, existing, rule, attempt, now)
		if err != nil {
			return err
		}
		state.Touch(now)

		if err := tx.Economy().Save(ctx, state); err != nil {
			return err
		}
		if outcome.RecordChanged {
			if err := tx.Mastery().Save(ctx, outcome.Record); err != nil {
				return err
			}
		}

		result = &RecordAttemptResult{
			State:          state,
			Record:         outcome.Record,
			Outcome:        outcome,
			RuleConfigured: configured,
		}
		return nil
	})
	if err != nil {
		if shared.CodeOf(err) == shared.CodeInternal {
			h.logger.Error("record attempt failed",
				logger.KidID(cmd.KidID),
				logger.LessonID(cmd.LessonID),
				logger.Err(err),
			)
		}
		return nil, err
	}

	h.logger.Debug("attempt recorded",
		logger.KidID(cmd.KidID),
		logger.LessonID(cmd.LessonID),
		logger.Tier(cmd.TargetTier.Int()),
		logger.String("branch", string(result.Outcome.Branch)),
	)

	if result.Outcome.StarAfter > result.Outcome.StarBefore {
		h.invalidateStars(ctx, cmd.KidID)
	}

	publishAll(h.eventPublisher, h.logger, attemptEvents(cmd, result, now)...)
	return result, nil
}

// invalidateStars сбрасывает кэш до ответа клиенту: следующий GetTotalStars
// того же ребёнка уже видит новую сумму. Другие экземпляры узнают об
// изменении из события progression.star_advanced.
func (h *RecordAttemptHandler) invalidateStars(ctx context.Context, kidID string) {
	if h.stars == nil {
		return
	}
	// Попытка уже зафиксирована: отмена запроса не должна оставить кэш устаревшим.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), starInvalidateTimeout)
	defer cancel()

	if err := h.stars.Invalidate(ctx, kidID); err != nil {
		h.logger.Warn("failed to invalidate star total", logger.KidID(kidID), logger.Err(err))
	}
}

func attemptEvents(cmd RecordAttemptCommand, result *RecordAttemptResult, now time.Time) []shared.Event {
	out := result.Outcome
	events := []shared.Event{
		shared.LessonAttemptRecordedEvent{
			BaseEvent:   shared.NewBaseEvent(shared.EventLessonAttemptRecorded, cmd.KidID, now),
			KidID:       cmd.KidID,
			LessonID:    cmd.LessonID,
			LevelID:     cmd.LevelID,
			UnitID:      cmd.UnitID,
			TargetTier:  cmd.TargetTier.Int(),
			Won:         cmd.Won,
			Branch:      string(out.Branch),
			CoinReward:  out.CoinReward,
			GemReward:   out.GemReward,
			EnergySpent: out.EnergySpent,
			StarAfter:   out.StarAfter.Int(),
		},
	}

	if out.StarAfter > out.StarBefore {
		events = append(events, shared.NewStarAdvancedEvent(
			cmd.KidID, cmd.LessonID, cmd.LevelID, cmd.UnitID,
			out.StarBefore.Int(), out.StarAfter.Int(), now,
		))
	}
	if out.GemUnlocked {
		events = append(events, shared.NewGemAwardedEvent(cmd.KidID, cmd.LessonID, out.GemReward, result.State.Gem, now))
	}
	return events
}
