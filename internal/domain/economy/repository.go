package economy

import "context"

// ══════════════════════════════════════════════════════════════════════════════
// REPOSITORY INTERFACES
// Реализации находятся в infrastructure/persistence (postgres, memory).
// ══════════════════════════════════════════════════════════════════════════════

// Repository определяет операции над строками kid_economy.
type Repository interface {
	// Create сохраняет новое состояние.
	// Возвращает ErrKidAlreadyExists, если строка уже есть.
	Create(ctx context.Context, state *State) error

	// Get возвращает состояние без блокировки.
	// Возвращает ErrKidNotFound, если строки нет.
	Get(ctx context.Context, kidID string) (*State, error)

	// GetForUpdate возвращает состояние и блокирует строку до конца
	// транзакции. Вне транзакции ведёт себя как Get.
	// Возвращает ErrKidNotFound, если строки нет.
	GetForUpdate(ctx context.Context, kidID string) (*State, error)

	// Save перезаписывает состояние целиком.
	// Возвращает ErrKidNotFound, если строки нет.
	Save(ctx context.Context, state *State) error
}
