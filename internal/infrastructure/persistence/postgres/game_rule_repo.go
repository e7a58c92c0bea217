package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// GAME RULE REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// GameRuleRepository implements progression.RuleRepository for PostgreSQL.
type GameRuleRepository struct {
	db Querier
}

// NewGameRuleRepository creates a repository over db.
func NewGameRuleRepository(db Querier) *GameRuleRepository {
	return &GameRuleRepository{db: db}
}

const gameRuleColumns = `
	level_id, unit_id, type, first_play_reward, replay_success_reward,
	replay_failure_reward, energy_cost, unlocking_requirement`

// Find returns the rule for key or shared.ErrRuleNotFound.
func (r *GameRuleRepository) Find(ctx context.Context, key progression.RuleKey) (*progression.GameRule, error) {
	query := `SELECT ` + gameRuleColumns + ` FROM game_rules WHERE level_id = $1 AND unit_id = $2 AND type = $3`

	rule, err := scanGameRule(r.db.QueryRow(ctx, query, key.LevelID, key.UnitID, string(key.Type)))
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to find game rule %s: %w", key, err)
	}
	return rule, nil
}

// Upsert inserts or replaces rules as a single batch.
func (r *GameRuleRepository) Upsert(ctx context.Context, rules []progression.GameRule) error {
	if len(rules) == 0 {
		return nil
	}

	query := `
		INSERT INTO game_rules (` + gameRuleColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (level_id, unit_id, type) DO UPDATE SET
			first_play_reward = EXCLUDED.first_play_reward,
			replay_success_reward = EXCLUDED.replay_success_reward,
			replay_failure_reward = EXCLUDED.replay_failure_reward,
			energy_cost = EXCLUDED.energy_cost,
			unlocking_requirement = EXCLUDED.unlocking_requirement,
			updated_at = NOW()
	`

	batch := &pgx.Batch{}
	for _, rule := range rules {
		batch.Queue(query,
			rule.LevelID,
			rule.UnitID,
			string(rule.Type),
			rule.FirstPlayReward,
			rule.ReplaySuccessReward,
			rule.ReplayFailureReward,
			rule.EnergyCost,
			rule.UnlockingRequirement,
		)
	}

	sender, ok := r.db.(batchSender)
	if !ok {
		for _, rule := range rules {
			if _, err := r.db.Exec(ctx, query,
				rule.LevelID, rule.UnitID, string(rule.Type),
				rule.FirstPlayReward, rule.ReplaySuccessReward, rule.ReplayFailureReward,
				rule.EnergyCost, rule.UnlockingRequirement,
			); err != nil {
				return fmt.Errorf("failed to upsert game rule %s: %w", rule.Key(), err)
			}
		}
		return nil
	}

	results := sender.SendBatch(ctx, batch)
	defer results.Close()

	for _, rule := range rules {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to upsert game rule %s: %w", rule.Key(), err)
		}
	}
	return nil
}

// List returns all rules ordered by key.
func (r *GameRuleRepository) List(ctx context.Context) ([]progression.GameRule, error) {
	query := `SELECT ` + gameRuleColumns + ` FROM game_rules ORDER BY level_id, unit_id, type`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list game rules: %w", err)
	}
	defer rows.Close()

	var out []progression.GameRule
	for rows.Next() {
		rule, err := scanGameRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan game rule: %w", err)
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

// batchSender is implemented by pgx.Tx and *pgxpool.Pool.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func scanGameRule(row pgx.Row) (*progression.GameRule, error) {
	var rule progression.GameRule
	var lessonType string

	if err := row.Scan(
		&rule.LevelID,
		&rule.UnitID,
		&lessonType,
		&rule.FirstPlayReward,
		&rule.ReplaySuccessReward,
		&rule.ReplayFailureReward,
		&rule.EnergyCost,
		&rule.UnlockingRequirement,
	); err != nil {
		return nil, err
	}

	rule.Type = progression.LessonType(lessonType)
	return &rule, nil
}
