package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/lingokids/progression-hub/internal/domain/progression"
)

// ══════════════════════════════════════════════════════════════════════════════
// MASTERY REPOSITORY IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// MasteryRepository implements progression.MasteryRepository for PostgreSQL.
type MasteryRepository struct {
	db Querier
}

// NewMasteryRepository creates a repository over db.
func NewMasteryRepository(db Querier) *MasteryRepository {
	return &MasteryRepository{db: db}
}

const masteryColumns = `
	kid_id, lesson_id, level_id, unit_id, type, star,
	is_gem_unlocked, created_at, updated_at`

// Get returns the record for (kidID, lessonID); found is false when absent.
func (r *MasteryRepository) Get(ctx context.Context, kidID, lessonID string) (*progression.MasteryRecord, bool, error) {
	query := `SELECT ` + masteryColumns + ` FROM lesson_mastery WHERE kid_id = $1 AND lesson_id = $2`

	rec, err := scanMastery(r.db.QueryRow(ctx, query, kidID, lessonID))
	if err != nil {
		if IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get lesson mastery: %w", err)
	}
	return rec, true, nil
}

// Save upserts the record. Scope columns are written only on insert.
func (r *MasteryRepository) Save(ctx context.Context, rec *progression.MasteryRecord) error {
	query := `
		INSERT INTO lesson_mastery (` + masteryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (kid_id, lesson_id) DO UPDATE SET
			star = EXCLUDED.star,
			is_gem_unlocked = EXCLUDED.is_gem_unlocked,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.db.Exec(ctx, query,
		rec.KidID,
		rec.LessonID,
		rec.LevelID,
		rec.UnitID,
		string(rec.Type),
		int(rec.Star),
		rec.IsGemUnlocked,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save lesson mastery: %w", err)
	}
	return nil
}

// ListByKid returns all of the kid's records ordered by lesson.
func (r *MasteryRepository) ListByKid(ctx context.Context, kidID string) ([]*progression.MasteryRecord, error) {
	query := `SELECT ` + masteryColumns + ` FROM lesson_mastery WHERE kid_id = $1 ORDER BY lesson_id`

	rows, err := r.db.Query(ctx, query, kidID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lesson mastery: %w", err)
	}
	return scanMasteryRows(rows)
}

// ListByLevel returns the kid's records within a level.
func (r *MasteryRepository) ListByLevel(ctx context.Context, kidID, levelID string) ([]*progression.MasteryRecord, error) {
	query := `SELECT ` + masteryColumns + ` FROM lesson_mastery WHERE kid_id = $1 AND level_id = $2 ORDER BY unit_id, lesson_id`

	rows, err := r.db.Query(ctx, query, kidID, levelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list lesson mastery by level: %w", err)
	}
	return scanMasteryRows(rows)
}

// SumStars sums star over records matching filter.
func (r *MasteryRepository) SumStars(ctx context.Context, kidID string, f progression.StarFilter) (int, error) {
	query, args := buildStarSumQuery(kidID, f)

	var sum int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum stars: %w", err)
	}
	return sum, nil
}

func buildStarSumQuery(kidID string, f progression.StarFilter) (string, []interface{}) {
	conds := []string{"kid_id = $1"}
	args := []interface{}{kidID}

	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		conds = append(conds, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("level_id", f.LevelID)
	add("unit_id", f.UnitID)
	add("type", string(f.Type))

	return "SELECT COALESCE(SUM(star), 0) FROM lesson_mastery WHERE " + strings.Join(conds, " AND "), args
}

func scanMastery(row pgx.Row) (*progression.MasteryRecord, error) {
	var rec progression.MasteryRecord
	var lessonType string
	var star int

	if err := row.Scan(
		&rec.KidID,
		&rec.LessonID,
		&rec.LevelID,
		&rec.UnitID,
		&lessonType,
		&star,
		&rec.IsGemUnlocked,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rec.Type = progression.LessonType(lessonType)
	rec.Star = progression.Tier(star)
	return &rec, nil
}

func scanMasteryRows(rows pgx.Rows) ([]*progression.MasteryRecord, error) {
	defer rows.Close()

	var out []*progression.MasteryRecord
	for rows.Next() {
		rec, err := scanMastery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lesson mastery: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
