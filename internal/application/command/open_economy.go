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
// OPEN ECONOMY COMMAND
// Создаёт экономику нового ребёнка: полная энергия, ноль монет и гемов.
// ══════════════════════════════════════════════════════════════════════════════

// OpenEconomyCommand содержит ID ребёнка, выданный сервисом учётных записей.
type OpenEconomyCommand struct {
	KidID string
}

// Validate проверяет корректность команды.
func (c OpenEconomyCommand) Validate() error {
	return shared.ValidateID("kidId", c.KidID)
}

// OpenEconomyHandler обрабатывает команду открытия экономики.
type OpenEconomyHandler struct {
	uow            progression.UnitOfWork
	policy         economy.Policy
	clock          timeutil.Clock
	eventPublisher shared.EventPublisher
	logger         *logger.Logger
}

// NewOpenEconomyHandler создаёт обработчик.
func NewOpenEconomyHandler(
	uow progression.UnitOfWork,
	policy economy.Policy,
	clock timeutil.Clock,
	eventPublisher shared.EventPublisher,
	log *logger.Logger,
) *OpenEconomyHandler {
	return &OpenEconomyHandler{
		uow:            uow,
		policy:         policy,
		clock:          clock,
		eventPublisher: eventPublisher,
		logger:         orNop(log).With(logger.Component("open_economy")),
	}
}

// Handle создаёт строку kid_economy. Повторный вызов возвращает
// ErrKidAlreadyExists.
func (h *OpenEconomyHandler) Handle(ctx context.Context, cmd OpenEconomyCommand) (state *economy.State, err error) {
	ctx, span := tracing.Start(ctx, "command.OpenEconomy", tracing.KidAttr(cmd.KidID))
	defer func() { tracing.End(span, err) }()

	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	now := h.clock.Now()
	state, err = economy.NewState(cmd.KidID, h.policy, now)
	if err != nil {
		return nil, err
	}

	err = h.uow.Do(ctx, func(ctx context.Context, tx progression.Tx) error {
		return tx.Economy().Create(ctx, state)
	})
	if err != nil {
		return nil, err
	}

	h.logger.Info("kid economy opened", logger.KidID(cmd.KidID), logger.Int("energy", state.Energy))
	publishAll(h.eventPublisher, h.logger, shared.NewKidEconomyOpenedEvent(cmd.KidID, state.Energy, now))
	return state, nil
}
