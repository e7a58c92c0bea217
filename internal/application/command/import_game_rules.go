package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/pkg/logger"
	"github.com/lingokids/progression-hub/pkg/timeutil"
	"github.com/lingokids/progression-hub/pkg/tracing"
)

// ══════════════════════════════════════════════════════════════════════════════
// IMPORT GAME RULES COMMAND
// Загружает пачку правил одной транзакцией и сбрасывает их кэш.
// ══════════════════════════════════════════════════════════════════════════════

// RuleInvalidator сбрасывает закэшированные правила.
type RuleInvalidator interface {
	Invalidate(ctx context.Context, keys ...progression.RuleKey) error
}

// ImportGameRulesCommand содержит правила для загрузки.
type ImportGameRulesCommand struct {
	Rules []progression.GameRule
}

// Validate проверяет каждое правило и уникальность ключей.
func (c ImportGameRulesCommand) Validate() error {
	if len(c.Rules) == 0 {
		return shared.InvalidInput("Validate", "no rules to import")
	}

	var errs []error
	seen := make(map[progression.RuleKey]bool, len(c.Rules))
	for i, rule := range c.Rules {
		if err := rule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		if seen[rule.Key()] {
			errs = append(errs, shared.InvalidInput("Validate", fmt.Sprintf("rule %d: duplicate key %s", i, rule.Key())))
		}
		seen[rule.Key()] = true
	}
	return errors.Join(errs...)
}

// ImportGameRulesResult содержит загруженные ключи.
type ImportGameRulesResult struct {
	Imported int
	Keys     []string
}

// ImportGameRulesHandler обрабатывает загрузку правил.
type ImportGameRulesHandler struct {
	uow            progression.UnitOfWork
	invalidator    RuleInvalidator
	clock          timeutil.Clock
	eventPublisher shared.EventPublisher
	logger         *logger.Logger
}

// NewImportGameRulesHandler создаёт обработчик. invalidator может быть nil,
// если кэш правил не используется.
func NewImportGameRulesHandler(
	uow progression.UnitOfWork,
	invalidator RuleInvalidator,
	clock timeutil.Clock,
	eventPublisher shared.EventPublisher,
	log *logger.Logger,
) *ImportGameRulesHandler {
	return &ImportGameRulesHandler{
		uow:            uow,
		invalidator:    invalidator,
		clock:          clock,
		eventPublisher: eventPublisher,
		logger:         orNop(log).With(logger.Component("import_game_rules")),
	}
}

// Handle выполняет загрузку.
func (h *ImportGameRulesHandler) Handle(ctx context.Context, cmd ImportGameRulesCommand) (result *ImportGameRulesResult, err error) {
	ctx, span := tracing.Start(ctx, "command.ImportGameRules")
	defer func() { tracing.End(span, err) }()

	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	err = h.uow.Do(ctx, func(ctx context.Context, tx progression.Tx) error {
		return tx.Rules().Upsert(ctx, cmd.Rules)
	})
	if err != nil {
		return nil, fmt.Errorf("import_game_rules: failed to upsert rules: %w", err)
	}

	keys := make([]progression.RuleKey, len(cmd.Rules))
	names := make([]string, len(cmd.Rules))
	for i, rule := range cmd.Rules {
		keys[i] = rule.Key()
		names[i] = rule.Key().String()
	}

	if h.invalidator != nil {
		if err := h.invalidator.Invalidate(ctx, keys...); err != nil {
			// Записи в кэше истекут по TTL.
			h.logger.Warn("failed to invalidate rule cache", logger.Int("rules", len(keys)), logger.Err(err))
		}
	}

	h.logger.Info("game rules imported", logger.Int("rules", len(keys)))
	publishAll(h.eventPublisher, h.logger, shared.NewGameRulesImportedEvent(names, h.clock.Now()))

	return &ImportGameRulesResult{Imported: len(keys), Keys: names}, nil
}
