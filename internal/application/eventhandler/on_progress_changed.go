// Package eventhandler содержит обработчики доменных событий.
package eventhandler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lingokids/progression-hub/internal/domain/shared"
)

// ═══════════════════════════════════════════════════════════════════════════
// ON PROGRESS CHANGED HANDLER
// Сбрасывает закэшированную сумму звёзд ребёнка, когда звезда урока
// повысилась. Инстанс, записавший попытку, сбрасывает кэш сам сразу после
// коммита; обработчик догоняет локальные кэши остальных инстансов, куда
// событие приходит через Redis. Опирается только на AggregateID.
// ═══════════════════════════════════════════════════════════════════════════

// StarCacheInvalidator сбрасывает сумму звёзд ребёнка.
type StarCacheInvalidator interface {
	Invalidate(ctx context.Context, kidID string) error
}

// Subscriber регистрирует обработчики (messaging.Dispatcher).
type Subscriber interface {
	Register(eventType shared.EventType, name string, handler shared.EventHandler) error
}

// OnProgressChangedConfig содержит конфигурацию обработчика.
type OnProgressChangedConfig struct {
	// Timeout ограничивает одну операцию с кэшем.
	Timeout time.Duration
}

// DefaultOnProgressChangedConfig возвращает конфигурацию по умолчанию.
func DefaultOnProgressChangedConfig() OnProgressChangedConfig {
	return OnProgressChangedConfig{Timeout: 2 * time.Second}
}

// OnProgressChangedHandler обрабатывает события прогресса.
type OnProgressChangedHandler struct {
	stars  StarCacheInvalidator
	logger *slog.Logger
	config OnProgressChangedConfig
}

// NewOnProgressChangedHandler создаёт обработчик.
func NewOnProgressChangedHandler(stars StarCacheInvalidator, logger *slog.Logger, config OnProgressChangedConfig) *OnProgressChangedHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultOnProgressChangedConfig().Timeout
	}
	return &OnProgressChangedHandler{
		stars:  stars,
		logger: logger.With("handler", "on_progress_changed"),
		config: config,
	}
}

// Register подписывает обработчик на события, меняющие сумму звёзд.
func (h *OnProgressChangedHandler) Register(sub Subscriber) error {
	return sub.Register(shared.EventStarAdvanced, "star_cache_invalidation", h.Handle)
}

// Handle сбрасывает кэш. Ошибка возвращается диспетчеру для повтора.
func (h *OnProgressChangedHandler) Handle(event shared.Event) error {
	kidID := event.AggregateID()
	if kidID == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	if err := h.stars.Invalidate(ctx, kidID); err != nil {
		return fmt.Errorf("invalidate star total for %s: %w", kidID, err)
	}

	h.logger.Debug("star total invalidated", "kid_id", kidID, "event_type", event.EventType())
	return nil
}
