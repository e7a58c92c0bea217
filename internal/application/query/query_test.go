package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/internal/infrastructure/persistence/memory"
	"github.com/lingokids/progression-hub/pkg/timeutil"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func seedKid(t *testing.T, store *memory.Store, kidID string, energy int) {
	t.Helper()
	st, err := economy.NewState(kidID, economy.DefaultPolicy(), t0)
	require.NoError(t, err)
	st.Energy = energy
	require.NoError(t, store.Economy().Create(context.Background(), st))
}

func saveRecords(t *testing.T, store *memory.Store, records ...*progression.MasteryRecord) {
	t.Helper()
	for _, rec := range records {
		require.NoError(t, store.Mastery().Save(context.Background(), rec))
	}
}

func record(lessonID, unitID string, typ progression.LessonType, star progression.Tier) *progression.MasteryRecord {
	return &progression.MasteryRecord{
		KidID:    "kid-1",
		LessonID: lessonID,
		LevelID:  "level-1",
		UnitID:   unitID,
		Type:     typ,
		Star:     star,
	}
}

func TestGetEnergy_ProjectsRegenWithoutWriting(t *testing.T) {
	store := memory.NewStore()
	seedKid(t, store, "kid-1", 100)
	clock := timeutil.NewFixedClock(t0.Add(11 * time.Minute))
	h := NewGetEnergyHandler(store.Economy(), economy.DefaultPolicy(), clock)

	dto, err := h.Handle(context.Background(), GetEnergyQuery{KidID: "kid-1"})
	require.NoError(t, err)
	assert.Equal(t, 102, dto.Energy)
	assert.Equal(t, 120, dto.MaxEnergy)
	require.NotNil(t, dto.NextRegenAt)
	assert.Equal(t, t0.Add(16*time.Minute), *dto.NextRegenAt)

	st, err := store.Economy().Get(context.Background(), "kid-1")
	require.NoError(t, err)
	assert.Equal(t, 100, st.Energy)
	assert.Equal(t, t0, st.LastEnergyRegenAt)
}

func TestGetEnergy_BelowThresholdAndFull(t *testing.T) {
	store := memory.NewStore()
	seedKid(t, store, "low", 10)
	seedKid(t, store, "full", 120)
	clock := timeutil.NewFixedClock(t0.Add(4*time.Minute + 59*time.Second))
	h := NewGetEnergyHandler(store.Economy(), economy.DefaultPolicy(), clock)

	dto, err := h.Handle(context.Background(), GetEnergyQuery{KidID: "low"})
	require.NoError(t, err)
	assert.Equal(t, 10, dto.Energy)

	dto, err = h.Handle(context.Background(), GetEnergyQuery{KidID: "full"})
	require.NoError(t, err)
	assert.Nil(t, dto.NextRegenAt)

	_, err = h.Handle(context.Background(), GetEnergyQuery{KidID: "nobody"})
	assert.ErrorIs(t, err, shared.ErrKidNotFound)
}

func TestGetEconomy(t *testing.T) {
	store := memory.NewStore()
	seedKid(t, store, "kid-1", 60)

	ctx := context.Background()
	st, err := store.Economy().Get(ctx, "kid-1")
	require.NoError(t, err)
	purchasedAt := t0
	st.Coin = 70
	st.CountBuyEnergy = 1
	st.LastEnergyPurchaseAt = &purchasedAt
	require.NoError(t, store.Economy().Save(ctx, st))

	clock := timeutil.NewFixedClock(t0.Add(time.Hour))
	dto, err := NewGetEconomyHandler(store.Economy(), economy.DefaultPolicy(), clock).
		Handle(ctx, GetEconomyQuery{KidID: "kid-1"})
	require.NoError(t, err)
	assert.Equal(t, 70, dto.Coin)
	assert.Equal(t, 72, dto.Energy)
	assert.Equal(t, 1, dto.PurchasesToday)
	assert.Equal(t, 50, dto.NextPurchaseCost)

	clock.Set(t0.Add(24 * time.Hour))
	dto, err = NewGetEconomyHandler(store.Economy(), economy.DefaultPolicy(), clock).
		Handle(ctx, GetEconomyQuery{KidID: "kid-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, dto.PurchasesToday)
	assert.Equal(t, 30, dto.NextPurchaseCost)
	assert.Equal(t, 120, dto.Energy)
}

type mapStarCache struct {
	totals map[string]int
	sets   int
}

func (c *mapStarCache) Get(_ context.Context, kidID string) (int, int64, bool) {
	v, ok := c.totals[kidID]
	return v, 0, ok
}

func (c *mapStarCache) Set(_ context.Context, kidID string, _ int64, total int) {
	c.sets++
	c.totals[kidID] = total
}

func TestGetTotalStars_ReadsThroughCache(t *testing.T) {
	store := memory.NewStore()
	seedKid(t, store, "kid-1", 120)
	saveRecords(t, store,
		record("a", "unit-1", progression.LessonTypeLesson, progression.TierHard),
		record("b", "unit-2", progression.LessonTypeChallenge, progression.TierMedium),
	)
	cache := &mapStarCache{totals: map[string]int{}}
	h := NewGetTotalStarsHandler(store.Economy(), store.Mastery(), cache)
	ctx := context.Background()

	dto, err := h.Handle(ctx, GetTotalStarsQuery{KidID: "kid-1"})
	require.NoError(t, err)
	assert.Equal(t, 5, dto.Total)
	assert.False(t, dto.Cached)

	dto, err = h.Handle(ctx, GetTotalStarsQuery{KidID: "kid-1"})
	require.NoError(t, err)
	assert.True(t, dto.Cached)
	assert.Equal(t, 1, cache.sets)

	_, err = h.Handle(ctx, GetTotalStarsQuery{KidID: "nobody"})
	assert.ErrorIs(t, err, shared.ErrKidNotFound)
	assert.Equal(t, 1, cache.sets, "unknown kids are not cached")
}

func TestGetTotalStars_WithoutCache(t *testing.T) {
	store := memory.NewStore()
	seedKid(t, store, "kid-1", 120)

	dto, err := NewGetTotalStarsHandler(store.Economy(), store.Mastery(), nil).
		Handle(context.Background(), GetTotalStarsQuery{KidID: "kid-1"})
	require.NoError(t, err)
	assert.Zero(t, dto.Total)
}

func TestGetLevelStars(t *testing.T) {
	store := memory.NewStore()
	seedKid(t, store, "kid-1", 120)
	saveRecords(t, store,
		record("a", "unit-1", progression.LessonTypeLesson, progression.TierHard),
		record("b", "unit-1", progression.LessonTypeLesson, progression.TierEasy),
		record("c", "unit-1", progression.LessonTypeChallenge, progression.TierMedium),
		record("d", "unit-2", progression.LessonTypeLesson, progression.TierMedium),
	)
	h := NewGetLevelStarsHandler(store.Economy(), store.Mastery())

	stars, err := h.Handle(context.Background(), GetLevelStarsQuery{KidID: "kid-1", LevelID: "level-1"})
	require.NoError(t, err)
	assert.Equal(t, 8, stars.Total)
	require.Len(t, stars.Units, 2)
	assert.Equal(t, "unit-1", stars.Units[0].UnitID)
	assert.Equal(t, 6, stars.Units[0].Total)
	assert.Equal(t, 4, stars.Units[0].LessonStars)
	assert.Len(t, stars.Units[0].Lessons, 3)

	empty, err := h.Handle(context.Background(), GetLevelStarsQuery{KidID: "kid-1", LevelID: "level-9"})
	require.NoError(t, err)
	assert.Empty(t, empty.Units)
}

func TestIsChallengeUnlocked(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.Rules().Upsert(ctx, []progression.GameRule{
		{LevelID: "level-1", UnitID: "unit-1", Type: progression.LessonTypeChallenge, UnlockingRequirement: progression.IntPtr(5)},
		{LevelID: "level-1", UnitID: "unit-2", Type: progression.LessonTypeChallenge},
	}))
	saveRecords(t, store,
		record("a", "unit-1", progression.LessonTypeLesson, progression.TierHard),
		record("b", "unit-1", progression.LessonTypeLesson, progression.TierEasy),
		record("c", "unit-1", progression.LessonTypeChallenge, progression.TierHard),
		record("d", "unit-2", progression.LessonTypeLesson, progression.TierHard),
	)
	h := NewIsChallengeUnlockedHandler(store.Rules(), store.Mastery())

	status, err := h.Handle(ctx, IsChallengeUnlockedQuery{KidID: "kid-1", LevelID: "level-1", UnitID: "unit-1"})
	require.NoError(t, err)
	assert.False(t, status.Unlocked, "challenge stars do not count")
	assert.Equal(t, 4, status.Stars)
	require.NotNil(t, status.Requirement)
	assert.Equal(t, 5, *status.Requirement)

	saveRecords(t, store, record("e", "unit-1", progression.LessonTypeLesson, progression.TierEasy))
	status, err = h.Handle(ctx, IsChallengeUnlockedQuery{KidID: "kid-1", LevelID: "level-1", UnitID: "unit-1"})
	require.NoError(t, err)
	assert.True(t, status.Unlocked)

	status, err = h.Handle(ctx, IsChallengeUnlockedQuery{KidID: "kid-1", LevelID: "level-1", UnitID: "unit-2"})
	require.NoError(t, err)
	assert.True(t, status.RuleConfigured)
	assert.False(t, status.Unlocked, "nil requirement never unlocks")

	status, err = h.Handle(ctx, IsChallengeUnlockedQuery{KidID: "kid-1", LevelID: "level-1", UnitID: "unit-3"})
	require.NoError(t, err)
	assert.False(t, status.RuleConfigured)
	assert.False(t, status.Unlocked)
}

func TestFindGameRule(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.Rules().Upsert(ctx, []progression.GameRule{
		{LevelID: "level-1", UnitID: "unit-1", Type: progression.LessonTypeLesson, FirstPlayReward: 5, EnergyCost: 6},
	}))
	h := NewFindGameRuleHandler(store.Rules())

	dto, err := h.Handle(ctx, FindGameRuleQuery{Key: progression.RuleKey{LevelID: "level-1", UnitID: "unit-1", Type: progression.LessonTypeLesson}})
	require.NoError(t, err)
	assert.Equal(t, 5, dto.FirstPlayReward)
	assert.Equal(t, "lesson", dto.Type)
	assert.Nil(t, dto.UnlockingRequirement)

	_, err = h.Handle(ctx, FindGameRuleQuery{Key: progression.RuleKey{LevelID: "level-1", UnitID: "unit-1", Type: progression.LessonTypeChallenge}})
	assert.ErrorIs(t, err, shared.ErrRuleNotFound)

	_, err = h.Handle(ctx, FindGameRuleQuery{Key: progression.RuleKey{LevelID: "level-1", UnitID: "unit-1", Type: "quiz"}})
	assert.Equal(t, shared.CodeInvalidInput, shared.CodeOf(err))
}
