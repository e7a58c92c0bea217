package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATOR
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator applies the embedded migrations and tracks them in
// schema_migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a migrator with the embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

// EnsureMigrationTable creates the tracking table if needed.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns applied versions with their timestamps.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	rows, err := m.conn.pool.Query(ctx, fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName))
	if err != nil {
		return nil, fmt.Errorf("query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}
	return applied, rows.Err()
}

// Migrate applies all pending migrations, each in its own transaction.
// It returns the number of migrations applied.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, mig := range m.migrations {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		if mig.UpSQL == "" {
			return count, fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("execute migration %d: %w", mig.Version, err)
			}
			_, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName), mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return count, fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
		count++
	}

	return count, nil
}

// Rollback reverts the last applied migration. It returns the reverted
// version, or 0 when nothing was applied.
func (m *Migrator) Rollback(ctx context.Context) (int, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return 0, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return 0, err
	}

	last := 0
	for v := range applied {
		if v > last {
			last = v
		}
	}
	if last == 0 {
		return 0, nil
	}

	var mig *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == last {
			mig = &m.migrations[i]
			break
		}
	}
	if mig == nil || mig.DownSQL == "" {
		return 0, fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, last)
	}

	err = m.conn.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, mig.DownSQL); err != nil {
			return fmt.Errorf("rollback migration %d: %w", last, err)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName), last)
		return err
	})
	if err != nil {
		return 0, err
	}
	return last, nil
}

// Status returns every embedded migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Migration, len(m.migrations))
	copy(result, m.migrations)
	for i := range result {
		if at, ok := applied[result[i].Version]; ok {
			result[i].IsApplied = true
			result[i].AppliedAt = at
		}
	}
	return result, nil
}

// GetMigrations returns all embedded migrations in version order.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_kid_economy", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_lesson_mastery", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "create_game_rules", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: KID ECONOMY
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
CREATE TABLE IF NOT EXISTS kid_economy (
    kid_id VARCHAR(64) PRIMARY KEY,
    coin INTEGER NOT NULL DEFAULT 0,
    gem INTEGER NOT NULL DEFAULT 0,
    energy INTEGER NOT NULL DEFAULT 120,
    count_buy_energy INTEGER NOT NULL DEFAULT 0,
    last_energy_regen_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    last_energy_purchase_at TIMESTAMP WITH TIME ZONE,
    current_level_id VARCHAR(64) NOT NULL DEFAULT '',
    current_unit_id VARCHAR(64) NOT NULL DEFAULT '',
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT kid_economy_coin_non_negative CHECK (coin >= 0),
    CONSTRAINT kid_economy_gem_non_negative CHECK (gem >= 0),
    CONSTRAINT kid_economy_energy_non_negative CHECK (energy >= 0),
    CONSTRAINT kid_economy_count_non_negative CHECK (count_buy_energy >= 0)
);
`

const migration001Down = `
DROP TABLE IF EXISTS kid_economy;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: LESSON MASTERY
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS lesson_mastery (
    kid_id VARCHAR(64) NOT NULL REFERENCES kid_economy(kid_id) ON DELETE CASCADE,
    lesson_id VARCHAR(64) NOT NULL,
    level_id VARCHAR(64) NOT NULL,
    unit_id VARCHAR(64) NOT NULL,
    type VARCHAR(16) NOT NULL,
    star SMALLINT NOT NULL,
    is_gem_unlocked BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (kid_id, lesson_id),
    CONSTRAINT lesson_mastery_valid_type CHECK (type IN ('lesson', 'challenge')),
    CONSTRAINT lesson_mastery_valid_star CHECK (star BETWEEN 1 AND 3)
);

-- Star sums for challenge unlocking and the world map.
CREATE INDEX IF NOT EXISTS idx_lesson_mastery_scope ON lesson_mastery(kid_id, level_id, unit_id);
`

const migration002Down = `
DROP TABLE IF EXISTS lesson_mastery;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: GAME RULES
// ══════════════════════════════════════════════════════════════════════════════

const migration003Up = `
CREATE TABLE IF NOT EXISTS game_rules (
    level_id VARCHAR(64) NOT NULL,
    unit_id VARCHAR(64) NOT NULL,
    type VARCHAR(16) NOT NULL,
    first_play_reward INTEGER NOT NULL DEFAULT 0,
    replay_success_reward INTEGER NOT NULL DEFAULT 0,
    replay_failure_reward INTEGER NOT NULL DEFAULT 0,
    energy_cost INTEGER NOT NULL DEFAULT 0,
    unlocking_requirement INTEGER,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    PRIMARY KEY (level_id, unit_id, type),
    CONSTRAINT game_rules_valid_type CHECK (type IN ('lesson', 'challenge')),
    CONSTRAINT game_rules_non_negative CHECK (
        first_play_reward >= 0 AND replay_success_reward >= 0 AND
        replay_failure_reward >= 0 AND energy_cost >= 0
    )
);
`

const migration003Down = `
DROP TABLE IF EXISTS game_rules;
`
