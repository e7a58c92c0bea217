package progression

import (
	"context"
	"errors"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Эти интерфейсы определяют контракт для работы с хранилищем данных.
// Реализации находятся в infrastructure/persistence.
// ══════════════════════════════════════════════════════════════════════════════

// StarFilter ограничивает суммирование звёзд. Пустые поля не фильтруют.
type StarFilter struct {
	LevelID string
	UnitID  string
	Type    LessonType
}

// MasteryRepository определяет операции над lesson_mastery.
type MasteryRepository interface {
	// Get возвращает запись по (kidID, lessonID). found=false, если записи
	// нет; запись никогда не создаётся неявно.
	Get(ctx context.Context, kidID, lessonID string) (rec *MasteryRecord, found bool, err error)

	// Save вставляет или обновляет запись.
	Save(ctx context.Context, rec *MasteryRecord) error

	// ListByKid возвращает все записи ребёнка.
	ListByKid(ctx context.Context, kidID string) ([]*MasteryRecord, error)

	// ListByLevel возвращает записи ребёнка в пределах уровня.
	ListByLevel(ctx context.Context, kidID, levelID string) ([]*MasteryRecord, error)

	// SumStars суммирует Star по записям ребёнка, подходящим под фильтр.
	SumStars(ctx context.Context, kidID string, filter StarFilter) (int, error)
}

// RuleLookup находит правило игры.
type RuleLookup interface {
	// Find возвращает ErrRuleNotFound, если правило не настроено.
	Find(ctx context.Context, key RuleKey) (*GameRule, error)
}

// RuleRepository - хранилище правил игры.
type RuleRepository interface {
	RuleLookup

	// Upsert вставляет или заменяет правила.
	Upsert(ctx context.Context, rules []GameRule) error

	// List возвращает все правила, упорядоченные по ключу.
	List(ctx context.Context) ([]GameRule, error)
}

// LookupOrZero находит правило; при его отсутствии возвращает ZeroRule и
// found=false.
func LookupOrZero(ctx context.Context, lookup RuleLookup, key RuleKey) (rule GameRule, found bool, err error) {
	r, err := lookup.Find(ctx, key)
	if errors.Is(err, shared.ErrRuleNotFound) {
		return ZeroRule(key), false, nil
	}
	if err != nil {
		return GameRule{}, false, err
	}
	return *r, true, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// UNIT OF WORK
// ══════════════════════════════════════════════════════════════════════════════

// Tx - репозитории, привязанные к одной транзакции.
type Tx interface {
	Economy() economy.Repository
	Mastery() MasteryRepository
	Rules() RuleRepository
}

// UnitOfWork выполняет fn в одной транзакции. Если fn возвращает ошибку,
// все изменения откатываются.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store - UnitOfWork плюс репозитории вне транзакции для операций чтения.
type Store interface {
	UnitOfWork
	Tx
}
