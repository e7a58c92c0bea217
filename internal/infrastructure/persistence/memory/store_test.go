package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func seedKid(t *testing.T, s *Store, kidID string) {
	t.Helper()
	st, err := economy.NewState(kidID, economy.DefaultPolicy(), t0)
	require.NoError(t, err)
	require.NoError(t, s.Economy().Create(context.Background(), st))
}

func TestEconomyRepo_CreateGetSave(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedKid(t, s, "kid-1")

	st, err := s.Economy().Get(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, 120, st.Energy)

	st.Coin = 42
	require.NoError(t, s.Economy().Save(ctx, st))

	again, err := s.Economy().Get(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, 42, again.Coin)

	again.Coin = 7
	fresh, _ := s.Economy().Get(ctx, "kid-1")
	assert.Equal(t, 42, fresh.Coin, "returned states are copies")

	assert.ErrorIs(t, s.Economy().Create(ctx, st), shared.ErrKidAlreadyExists)

	_, err = s.Economy().Get(ctx, "nobody")
	assert.ErrorIs(t, err, shared.ErrKidNotFound)
	assert.ErrorIs(t, s.Economy().Save(ctx, &economy.State{KidID: "nobody"}), shared.ErrKidNotFound)
}

func TestDo_RollsBackOnError(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedKid(t, s, "kid-1")
	boom := errors.New("boom")

	err := s.Do(ctx, func(ctx context.Context, tx progression.Tx) error {
		st, err := tx.Economy().GetForUpdate(ctx, "kid-1")
		require.NoError(t, err)
		st.Coin = 999
		require.NoError(t, tx.Economy().Save(ctx, st))
		require.NoError(t, tx.Mastery().Save(ctx, &progression.MasteryRecord{KidID: "kid-1", LessonID: "l1", Star: progression.TierEasy}))

		inTx, err := tx.Economy().Get(ctx, "kid-1")
		require.NoError(t, err)
		assert.Equal(t, 999, inTx.Coin, "writes are visible inside the transaction")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	st, _ := s.Economy().Get(ctx, "kid-1")
	assert.Zero(t, st.Coin)
	_, found, err := s.Mastery().Get(ctx, "kid-1", "l1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDo_CommitsOnSuccess(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	err := s.Do(ctx, func(ctx context.Context, tx progression.Tx) error {
		st, err := economy.NewState("kid-2", economy.DefaultPolicy(), t0)
		if err != nil {
			return err
		}
		if err := tx.Economy().Create(ctx, st); err != nil {
			return err
		}
		return tx.Rules().Upsert(ctx, []progression.GameRule{{LevelID: "lv", UnitID: "u", Type: progression.LessonTypeLesson, EnergyCost: 3}})
	})
	require.NoError(t, err)

	_, err = s.Economy().Get(ctx, "kid-2")
	require.NoError(t, err)
	rule, err := s.Rules().Find(ctx, progression.RuleKey{LevelID: "lv", UnitID: "u", Type: progression.LessonTypeLesson})
	require.NoError(t, err)
	assert.Equal(t, 3, rule.EnergyCost)
	assert.Equal(t, 1, s.Stats()["game_rules"])
}

func TestDo_SerializesSameKid(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	seedKid(t, s, "kid-1")

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Do(ctx, func(ctx context.Context, tx progression.Tx) error {
				st, err := tx.Economy().GetForUpdate(ctx, "kid-1")
				if err != nil {
					return err
				}
				st.Coin++
				return tx.Economy().Save(ctx, st)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := s.Economy().Get(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, workers, st.Coin)
}

func TestDo_LockHonoursContext(t *testing.T) {
	s := NewStore()
	seedKid(t, s, "kid-1")

	locked := make(chan struct{})
	unlock := make(chan struct{})
	go func() {
		_ = s.Do(context.Background(), func(ctx context.Context, tx progression.Tx) error {
			_, err := tx.Economy().GetForUpdate(ctx, "kid-1")
			close(locked)
			<-unlock
			return err
		})
	}()
	<-locked

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Do(ctx, func(ctx context.Context, tx progression.Tx) error {
		_, err := tx.Economy().GetForUpdate(ctx, "kid-1")
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(unlock)
}

func TestMasteryRepo_SumsAndLists(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	repo := s.Mastery()

	records := []*progression.MasteryRecord{
		{KidID: "k", LessonID: "a", LevelID: "lv1", UnitID: "u1", Type: progression.LessonTypeLesson, Star: progression.TierHard},
		{KidID: "k", LessonID: "b", LevelID: "lv1", UnitID: "u1", Type: progression.LessonTypeLesson, Star: progression.TierMedium},
		{KidID: "k", LessonID: "c", LevelID: "lv1", UnitID: "u1", Type: progression.LessonTypeChallenge, Star: progression.TierEasy},
		{KidID: "k", LessonID: "d", LevelID: "lv1", UnitID: "u2", Type: progression.LessonTypeLesson, Star: progression.TierEasy},
		{KidID: "k", LessonID: "e", LevelID: "lv2", UnitID: "u1", Type: progression.LessonTypeLesson, Star: progression.TierHard},
		{KidID: "other", LessonID: "a", LevelID: "lv1", UnitID: "u1", Type: progression.LessonTypeLesson, Star: progression.TierHard},
	}
	for _, rec := range records {
		require.NoError(t, repo.Save(ctx, rec))
	}

	sum, err := repo.SumStars(ctx, "k", progression.StarFilter{LevelID: "lv1", UnitID: "u1", Type: progression.LessonTypeLesson})
	require.NoError(t, err)
	assert.Equal(t, 5, sum)

	total, err := repo.SumStars(ctx, "k", progression.StarFilter{})
	require.NoError(t, err)
	assert.Equal(t, 10, total)

	level, err := repo.ListByLevel(ctx, "k", "lv1")
	require.NoError(t, err)
	assert.Len(t, level, 4)

	all, err := repo.ListByKid(ctx, "k")
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "a", all[0].LessonID)
}

func TestRuleRepo_NotFoundAndList(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.Rules().Find(ctx, progression.RuleKey{LevelID: "x", UnitID: "y", Type: progression.LessonTypeChallenge})
	assert.ErrorIs(t, err, shared.ErrRuleNotFound)

	require.NoError(t, s.Rules().Upsert(ctx, []progression.GameRule{
		{LevelID: "lv2", UnitID: "u1", Type: progression.LessonTypeLesson},
		{LevelID: "lv1", UnitID: "u1", Type: progression.LessonTypeChallenge, UnlockingRequirement: progression.IntPtr(6)},
	}))

	rules, err := s.Rules().List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "lv1", rules[0].LevelID)
	require.NotNil(t, rules[0].UnlockingRequirement)
	assert.Equal(t, 6, *rules[0].UnlockingRequirement)
}
