package command

import (
	"context"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/pkg/logger"
	"github.com/lingokids/progression-hub/pkg/timeutil"
	"github.com/lingokids/progression-hub/pkg/tracing"
)

// ══════════════════════════════════════════════════════════════════════════════
// ADJUST ENERGY COMMAND
// Административная поправка энергии. Сначала применяется регенерация, затем
// delta. Нулевая delta просто сохраняет результат регенерации.
// ══════════════════════════════════════════════════════════════════════════════

// AdjustEnergyCommand содержит поправку.
type AdjustEnergyCommand struct {
	KidID string

	// Delta - изменение энергии; положительная поправка ограничивается
	// MaxEnergy.
	Delta int
}

// Validate проверяет корректность команды.
func (c AdjustEnergyCommand) Validate() error {
	return shared.ValidateID("kidId", c.KidID)
}

// AdjustEnergyResult содержит состояние после поправки.
type AdjustEnergyResult struct {
	State *economy.State

	Regenerated int

	// Applied - фактическое изменение от delta после ограничения.
	Applied int
}

// AdjustEnergyHandler обрабатывает поправку энергии.
type AdjustEnergyHandler struct {
	uow            progression.UnitOfWork
	policy         economy.Policy
	clock          timeutil.Clock
	eventPublisher shared.EventPublisher
	logger         *logger.Logger
}

// NewAdjustEnergyHandler создаёт обработчик.
func NewAdjustEnergyHandler(
	uow progression.UnitOfWork,
	policy economy.Policy,
	clock timeutil.Clock,
	eventPublisher shared.EventPublisher,
	log *logger.Logger,
) *AdjustEnergyHandler {
	return &AdjustEnergyHandler{
		uow:            uow,
		policy:         policy,
		clock:          clock,
		eventPublisher: eventPublisher,
		logger:         orNop(log).With(logger.Component("adjust_energy")),
	}
}

// Handle выполняет поправку. Если результат стал бы отрицательным,
// возвращается ErrInsufficientEnergy и ничего не сохраняется.
func (h *AdjustEnergyHandler) Handle(ctx context.Context, cmd AdjustEnergyCommand) (result *AdjustEnergyResult, err error) {
	ctx, span := tracing.Start(ctx, "command.AdjustEnergy", tracing.KidAttr(cmd.KidID))
	defer func() { tracing.End(span, err) }()

	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	now := h.clock.Now()

	err = h.uow.Do(ctx, func(ctx context.Context, tx progression.Tx) error {
		state, err := tx.Economy().GetForUpdate(ctx, cmd.KidID)
		if err != nil {
			return err
		}
		regenerated := h.policy.ApplyPassiveRegen(state, now)

		applied, err := h.policy.AdjustEnergy(state, cmd.Delta)
		if err != nil {
			return err
		}
		state.Touch(now)

		if err := tx.Economy().Save(ctx, state); err != nil {
			return err
		}

		result = &AdjustEnergyResult{State: state, Regenerated: regenerated, Applied: applied}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("energy adjusted",
		logger.KidID(cmd.KidID),
		logger.Int("delta", cmd.Delta),
		logger.Int("applied", result.Applied),
		logger.Int("energy", result.State.Energy),
	)

	if cmd.Delta != 0 {
		publishAll(h.eventPublisher, h.logger, shared.NewEnergyAdjustedEvent(cmd.KidID, result.Applied, result.State.Energy, now))
	}
	return result, nil
}
