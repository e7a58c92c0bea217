package progression

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/shared"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var scenarioRule = GameRule{
	LevelID:             "level-1",
	UnitID:              "unit-1",
	Type:                LessonTypeLesson,
	FirstPlayReward:     5,
	ReplaySuccessReward: 3,
	ReplayFailureReward: 1,
	EnergyCost:          6,
}

func richState() *economy.State {
	return &economy.State{KidID: "kid-1", Coin: 1000, Energy: 1000, LastEnergyRegenAt: now}
}

func attempt(tier Tier, won bool) Attempt {
	return Attempt{
		KidID:      "kid-1",
		LevelID:    "level-1",
		UnitID:     "unit-1",
		LessonID:   "lesson-1",
		Type:       LessonTypeLesson,
		TargetTier: tier,
		Won:        won,
	}
}

func TestResolve_Scenario(t *testing.T) {
	state := richState()
	var rec *MasteryRecord

	steps := []struct {
		tier   Tier
		won    bool
		branch Branch
		coin   int
		energy int
		star   Tier
		gem    int
	}{
		{TierEasy, true, BranchFirstWin, 1005, 994, TierEasy, 0},
		{TierEasy, true, BranchReplayWin, 1008, 988, TierEasy, 0},
		{TierEasy, false, BranchReplayLoss, 1009, 982, TierEasy, 0},
		{TierMedium, true, BranchTierUp, 1014, 976, TierMedium, 0},
		{TierHard, true, BranchTierUp, 1019, 970, TierHard, 0},
		{TierHard, true, BranchReplayWin, 1022, 964, TierHard, 1},
		{TierHard, true, BranchReplayWin, 1025, 958, TierHard, 1},
	}

	for i, step := range steps {
		out, err := Resolve(state, rec, scenarioRule, attempt(step.tier, step.won), now)
		require.NoError(t, err, "step %d", i+1)

		assert.Equal(t, step.branch, out.Branch, "step %d branch", i+1)
		assert.Equal(t, step.coin, state.Coin, "step %d coin", i+1)
		assert.Equal(t, step.energy, state.Energy, "step %d energy", i+1)
		assert.Equal(t, step.gem, state.Gem, "step %d gem", i+1)
		require.NotNil(t, out.Record)
		assert.Equal(t, step.star, out.Record.Star, "step %d star", i+1)
		rec = out.Record
	}

	assert.True(t, rec.IsGemUnlocked)
	assert.Equal(t, "level-1", state.CurrentLevelID)
	assert.Equal(t, "unit-1", state.CurrentUnitID)
}

func TestResolve_FirstAttemptLossCreatesNothing(t *testing.T) {
	state := richState()

	out, err := Resolve(state, nil, scenarioRule, attempt(TierEasy, false), now)
	require.NoError(t, err)

	assert.Equal(t, BranchFirstLoss, out.Branch)
	assert.Nil(t, out.Record)
	assert.False(t, out.RecordCreated)
	assert.Equal(t, 1000, state.Coin)
	assert.Equal(t, 994, state.Energy, "energy is still charged")
}

func TestResolve_FirstAttemptAboveEasyIsRejected(t *testing.T) {
	for _, tier := range []Tier{TierMedium, TierHard} {
		state := richState()
		before := state.Clone()

		_, err := Resolve(state, nil, scenarioRule, attempt(tier, true), now)

		assert.ErrorIs(t, err, shared.ErrInvalidTierUnlock)
		assert.Equal(t, shared.CodeInvalidTierUnlock, shared.CodeOf(err))
		assert.Equal(t, before, state, "no mutation on %s", tier)
	}
}

func TestResolve_SkippingATierIsRejected(t *testing.T) {
	state := richState()
	existing := &MasteryRecord{KidID: "kid-1", LessonID: "lesson-1", Star: TierEasy}
	before := state.Clone()

	_, err := Resolve(state, existing, scenarioRule, attempt(TierHard, true), now)

	assert.ErrorIs(t, err, shared.ErrInvalidTierUnlock)
	assert.Equal(t, before, state)
	assert.Equal(t, TierEasy, existing.Star)
}

func TestResolve_InsufficientEnergyWinsOverTierError(t *testing.T) {
	state := &economy.State{KidID: "kid-1", Coin: 10, Energy: 5}
	before := state.Clone()

	_, err := Resolve(state, nil, scenarioRule, attempt(TierHard, true), now)

	assert.ErrorIs(t, err, shared.ErrInsufficientEnergy)
	assert.Equal(t, before, state)
}

func TestResolve_LowerAndHigherTierBranches(t *testing.T) {
	existing := &MasteryRecord{KidID: "kid-1", LessonID: "lesson-1", Star: TierMedium, UpdatedAt: now.Add(-time.Hour)}

	tests := []struct {
		name   string
		tier   Tier
		won    bool
		branch Branch
		coin   int
	}{
		{"lower tier win pays replay success", TierEasy, true, BranchLowerTierWin, 3},
		{"lower tier loss pays replay failure", TierEasy, false, BranchLowerTierLoss, 1},
		{"higher tier loss pays nothing", TierHard, false, BranchHigherTierLoss, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := richState()
			out, err := Resolve(state, existing, scenarioRule, attempt(tt.tier, tt.won), now)
			require.NoError(t, err)

			assert.Equal(t, tt.branch, out.Branch)
			assert.Equal(t, 1000+tt.coin, state.Coin)
			assert.Equal(t, TierMedium, out.Record.Star)
			assert.False(t, out.RecordChanged)
			assert.Equal(t, existing.UpdatedAt, out.Record.UpdatedAt)
		})
	}
}

func TestResolve_HigherTierLossAtGapTwoIsNotAnError(t *testing.T) {
	existing := &MasteryRecord{Star: TierEasy}
	out, err := Resolve(richState(), existing, scenarioRule, attempt(TierHard, false), now)
	require.NoError(t, err)
	assert.Equal(t, BranchHigherTierLoss, out.Branch)
}

func TestResolve_ZeroRuleIsFree(t *testing.T) {
	state := &economy.State{KidID: "kid-1"}

	out, err := Resolve(state, nil, ZeroRule(attempt(TierEasy, true).RuleKey()), attempt(TierEasy, true), now)
	require.NoError(t, err)

	assert.Zero(t, state.Coin)
	assert.Zero(t, state.Energy)
	assert.True(t, out.RecordCreated)
	assert.Equal(t, "level-1", out.Record.LevelID)
	assert.Equal(t, "unit-1", out.Record.UnitID)
}

func TestResolve_TierIsMonotonic(t *testing.T) {
	state := richState()
	rec := &MasteryRecord{Star: TierHard, IsGemUnlocked: true}

	for _, tier := range []Tier{TierEasy, TierMedium, TierHard} {
		for _, won := range []bool{true, false} {
			out, err := Resolve(state, rec, scenarioRule, attempt(tier, won), now)
			require.NoError(t, err)
			assert.Equal(t, TierHard, out.Record.Star)
			assert.Zero(t, out.GemReward)
		}
	}
}

func TestResolve_InvalidInput(t *testing.T) {
	a := attempt(Tier(4), true)
	_, err := Resolve(richState(), nil, scenarioRule, a, now)
	assert.Equal(t, shared.CodeInvalidInput, shared.CodeOf(err))

	a = attempt(TierEasy, true)
	a.KidID = ""
	_, err = Resolve(richState(), nil, scenarioRule, a, now)
	assert.Equal(t, shared.CodeInvalidInput, shared.CodeOf(err))
}

func TestIsChallengeUnlocked(t *testing.T) {
	assert.False(t, IsChallengeUnlocked(nil, 100))
	assert.False(t, IsChallengeUnlocked(&GameRule{}, 100))
	assert.False(t, IsChallengeUnlocked(&GameRule{UnlockingRequirement: IntPtr(-1)}, 100))
	assert.False(t, IsChallengeUnlocked(&GameRule{UnlockingRequirement: IntPtr(6)}, 5))
	assert.True(t, IsChallengeUnlocked(&GameRule{UnlockingRequirement: IntPtr(6)}, 6))
	assert.True(t, IsChallengeUnlocked(&GameRule{UnlockingRequirement: IntPtr(0)}, 0))
}

func TestParseTierAndType(t *testing.T) {
	tier, err := ParseTier("medium")
	require.NoError(t, err)
	assert.Equal(t, TierMedium, tier)

	tier, err = ParseTier("3")
	require.NoError(t, err)
	assert.Equal(t, TierHard, tier)

	_, err = ParseTier("legendary")
	assert.Error(t, err)

	lt, err := ParseLessonType("Challenge")
	require.NoError(t, err)
	assert.Equal(t, LessonTypeChallenge, lt)

	_, err = ParseLessonType("quiz")
	assert.Error(t, err)
}
