package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// UNIT OF WORK
// ══════════════════════════════════════════════════════════════════════════════

// UnitOfWork implements progression.UnitOfWork. Serialization failures,
// deadlocks and row lock timeouts rerun the whole transaction.
type UnitOfWork struct {
	conn    *Connection
	retrier *retry.Retrier
}

// NewUnitOfWork creates a unit of work over conn.
func NewUnitOfWork(conn *Connection) *UnitOfWork {
	return &UnitOfWork{
		conn:    conn,
		retrier: retry.DatabaseRetrier(IsRetryableError),
	}
}

// Do runs fn inside a transaction.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx progression.Tx) error) error {
	return u.retrier.Do(ctx, func(ctx context.Context) error {
		return u.conn.inTx(ctx, func(tx pgx.Tx) error {
			return fn(ctx, newTxRepos(tx))
		})
	})
}

// Economy returns a non-transactional economy repository.
func (u *UnitOfWork) Economy() economy.Repository { return NewEconomyRepository(u.conn.pool) }

// Mastery returns a non-transactional mastery repository.
func (u *UnitOfWork) Mastery() progression.MasteryRepository {
	return NewMasteryRepository(u.conn.pool)
}

// Rules returns a non-transactional game rule repository.
func (u *UnitOfWork) Rules() progression.RuleRepository { return NewGameRuleRepository(u.conn.pool) }

type txRepos struct {
	economy *EconomyRepository
	mastery *MasteryRepository
	rules   *GameRuleRepository
}

func newTxRepos(tx pgx.Tx) *txRepos {
	return &txRepos{
		economy: NewEconomyRepository(tx),
		mastery: NewMasteryRepository(tx),
		rules:   NewGameRuleRepository(tx),
	}
}

func (t *txRepos) Economy() economy.Repository            { return t.economy }
func (t *txRepos) Mastery() progression.MasteryRepository { return t.mastery }
func (t *txRepos) Rules() progression.RuleRepository      { return t.rules }
