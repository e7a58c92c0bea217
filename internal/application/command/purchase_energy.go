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
// PURCHASE ENERGY COMMAND
// Обменивает монеты на энергию по дневной лестнице цен. Счётчик покупок
// сбрасывается в начале календарных суток часового пояса сервиса.
// ══════════════════════════════════════════════════════════════════════════════

// PurchaseEnergyCommand содержит ID ребёнка.
type PurchaseEnergyCommand struct {
	KidID string
}

// Validate проверяет корректность команды.
func (c PurchaseEnergyCommand) Validate() error {
	return shared.ValidateID("kidId", c.KidID)
}

// PurchaseEnergyResult содержит состояние после покупки и её цену.
type PurchaseEnergyResult struct {
	State *economy.State
	Cost  int

	// EnergyGained может быть меньше EnergyPerPurchase из-за ограничения
	// MaxEnergy.
	EnergyGained   int
	PurchasesToday int
}

// PurchaseEnergyHandler обрабатывает покупку энергии.
type PurchaseEnergyHandler struct {
	uow            progression.UnitOfWork
	policy         economy.Policy
	clock          timeutil.Clock
	eventPublisher shared.EventPublisher
	logger         *logger.Logger
}

// NewPurchaseEnergyHandler создаёт обработчик.
func NewPurchaseEnergyHandler(
	uow progression.UnitOfWork,
	policy economy.Policy,
	clock timeutil.Clock,
	eventPublisher shared.EventPublisher,
	log *logger.Logger,
) *PurchaseEnergyHandler {
	return &PurchaseEnergyHandler{
		uow:            uow,
		policy:         policy,
		clock:          clock,
		eventPublisher: eventPublisher,
		logger:         orNop(log).With(logger.Component("purchase_energy")),
	}
}

// Handle выполняет покупку. При нехватке монет возвращает
// ErrInsufficientFunds, ничего не сохраняется.
func (h *PurchaseEnergyHandler) Handle(ctx context.Context, cmd PurchaseEnergyCommand) (result *PurchaseEnergyResult, err error) {
	ctx, span := tracing.Start(ctx, "command.PurchaseEnergy", tracing.KidAttr(cmd.KidID))
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
		h.policy.ApplyPassiveRegen(state, now)

		receipt, err := h.policy.PurchaseEnergy(state, now)
		if err != nil {
			return err
		}
		state.Touch(now)

		if err := tx.Economy().Save(ctx, state); err != nil {
			return err
		}

		result = &PurchaseEnergyResult{
			State:          state,
			Cost:           receipt.Cost,
			EnergyGained:   receipt.EnergyGained,
			PurchasesToday: receipt.PurchasesToday,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("energy purchased",
		logger.KidID(cmd.KidID),
		logger.Int("cost", result.Cost),
		logger.Int("purchases_today", result.PurchasesToday),
	)

	publishAll(h.eventPublisher, h.logger, shared.NewEnergyPurchasedEvent(
		cmd.KidID,
		result.Cost,
		result.State.Energy,
		result.State.Coin,
		result.PurchasesToday,
		now,
	))
	return result, nil
}
