// Package command contains write operations (CQRS - Commands).
//
// Каждая команда выполняется в одной транзакции UnitOfWork. Доменные события
// публикуются только после коммита; ошибки публикации не влияют на результат.
package command

import (
	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/pkg/logger"
)

// publishAll отправляет события после коммита. Ошибки только логируются.
func publishAll(publisher shared.EventPublisher, log *logger.Logger, events ...shared.Event) {
	if publisher == nil {
		return
	}
	for _, event := range events {
		if err := publisher.Publish(event); err != nil {
			log.Warn("failed to publish event",
				logger.String("event_type", string(event.EventType())),
				logger.String("aggregate_id", event.AggregateID()),
				logger.Err(err),
			)
		}
	}
}

func orNop(log *logger.Logger) *logger.Logger {
	if log == nil {
		return logger.Nop()
	}
	return log
}
