package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ECONOMY REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// EconomyRepository implements economy.Repository for PostgreSQL.
type EconomyRepository struct {
	db Querier
}

// NewEconomyRepository creates a repository over db, which may be a
// *Connection or a pgx.Tx.
func NewEconomyRepository(db Querier) *EconomyRepository {
	return &EconomyRepository{db: db}
}

const economyColumns = `
	kid_id, coin, gem, energy, count_buy_energy,
	last_energy_regen_at, last_energy_purchase_at,
	current_level_id, current_unit_id, created_at, updated_at`

// Create inserts a new kid_economy row.
func (r *EconomyRepository) Create(ctx context.Context, s *economy.State) error {
	query := `
		INSERT INTO kid_economy (` + economyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.Exec(ctx, query,
		s.KidID,
		s.Coin,
		s.Gem,
		s.Energy,
		s.CountBuyEnergy,
		s.LastEnergyRegenAt,
		s.LastEnergyPurchaseAt,
		s.CurrentLevelID,
		s.CurrentUnitID,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.ErrKidAlreadyExists
		}
		return fmt.Errorf("failed to create kid economy: %w", err)
	}
	return nil
}

// Get returns the row without locking it.
func (r *EconomyRepository) Get(ctx context.Context, kidID string) (*economy.State, error) {
	query := `SELECT ` + economyColumns + ` FROM kid_economy WHERE kid_id = $1`
	return scanEconomy(r.db.QueryRow(ctx, query, kidID))
}

// GetForUpdate returns the row and locks it until the surrounding
// transaction ends.
func (r *EconomyRepository) GetForUpdate(ctx context.Context, kidID string) (*economy.State, error) {
	query := `SELECT ` + economyColumns + ` FROM kid_economy WHERE kid_id = $1 FOR UPDATE`
	return scanEconomy(r.db.QueryRow(ctx, query, kidID))
}

// Save overwrites the mutable columns of the row.
func (r *EconomyRepository) Save(ctx context.Context, s *economy.State) error {
	query := `
		UPDATE kid_economy SET
			coin = $1,
			gem = $2,
			energy = $3,
			count_buy_energy = $4,
			last_energy_regen_at = $5,
			last_energy_purchase_at = $6,
			current_level_id = $7,
			current_unit_id = $8,
			updated_at = $9
		WHERE kid_id = $10
	`

	tag, err := r.db.Exec(ctx, query,
		s.Coin,
		s.Gem,
		s.Energy,
		s.CountBuyEnergy,
		s.LastEnergyRegenAt,
		s.LastEnergyPurchaseAt,
		s.CurrentLevelID,
		s.CurrentUnitID,
		s.UpdatedAt,
		s.KidID,
	)
	if err != nil {
		return fmt.Errorf("failed to save kid economy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrKidNotFound
	}
	return nil
}

func scanEconomy(row pgx.Row) (*economy.State, error) {
	var s economy.State
	err := row.Scan(
		&s.KidID,
		&s.Coin,
		&s.Gem,
		&s.Energy,
		&s.CountBuyEnergy,
		&s.LastEnergyRegenAt,
		&s.LastEnergyPurchaseAt,
		&s.CurrentLevelID,
		&s.CurrentUnitID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrKidNotFound
		}
		return nil, fmt.Errorf("failed to scan kid economy: %w", err)
	}

	s.LastEnergyRegenAt = s.LastEnergyRegenAt.UTC()
	if s.LastEnergyPurchaseAt != nil {
		t := s.LastEnergyPurchaseAt.UTC()
		s.LastEnergyPurchaseAt = &t
	}
	return &s, nil
}
