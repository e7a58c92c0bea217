// Package query contains read operations (CQRS - Queries).
//
// Запросы ничего не записывают: регенерация энергии проецируется в памяти
// на момент чтения.
package query

import (
	"context"
	"time"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/shared"
)

// KidQuery - запрос по одному ребёнку.
type KidQuery struct {
	KidID string
}

// Validate проверяет ID ребёнка.
func (q KidQuery) Validate() error {
	return shared.ValidateID("kidId", q.KidID)
}

// loadProjected читает экономику ребёнка и применяет регенерацию к копии.
func loadProjected(ctx context.Context, repo economy.Repository, policy economy.Policy, kidID string, now time.Time) (*economy.State, error) {
	state, err := repo.Get(ctx, kidID)
	if err != nil {
		return nil, err
	}
	return policy.ProjectRegen(state, now), nil
}
