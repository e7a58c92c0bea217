package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingokids/progression-hub/config"
	"github.com/lingokids/progression-hub/internal/application/query"
	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
	"github.com/lingokids/progression-hub/internal/infrastructure/persistence/memory"
	"github.com/lingokids/progression-hub/pkg/timeutil"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

var lessonRule = progression.GameRule{
	LevelID:             "level-1",
	UnitID:              "unit-1",
	Type:                progression.LessonTypeLesson,
	FirstPlayReward:     5,
	ReplaySuccessReward: 3,
	ReplayFailureReward: 1,
	EnergyCost:          6,
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(event shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []shared.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]shared.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType()
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type fixture struct {
	store  *memory.Store
	clock  *timeutil.FixedClock
	policy economy.Policy
	pub    *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memory.NewStore(),
		clock:  timeutil.NewFixedClock(t0),
		policy: economy.DefaultPolicy(),
		pub:    &recordingPublisher{},
	}
	require.NoError(t, f.store.Rules().Upsert(context.Background(), []progression.GameRule{lessonRule}))
	return f
}

func (f *fixture) seed(t *testing.T, kidID string, coin, energy int) {
	t.Helper()
	st, err := economy.NewState(kidID, f.policy, f.clock.Now())
	require.NoError(t, err)
	st.Coin = coin
	st.Energy = energy
	require.NoError(t, f.store.Economy().Create(context.Background(), st))
}

func (f *fixture) state(t *testing.T, kidID string) *economy.State {
	t.Helper()
	st, err := f.store.Economy().Get(context.Background(), kidID)
	require.NoError(t, err)
	return st
}

func (f *fixture) recordAttempt() *RecordAttemptHandler {
	return NewRecordAttemptHandler(f.store, f.store.Rules(), nil, f.policy, f.clock, f.pub, nil)
}

func lessonAttempt(tier progression.Tier, won bool) RecordAttemptCommand {
	return RecordAttemptCommand{
		KidID:      "kid-1",
		LevelID:    "level-1",
		UnitID:     "unit-1",
		LessonID:   "lesson-1",
		Type:       progression.LessonTypeLesson,
		TargetTier: tier,
		Won:        won,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// RecordAttempt
// ─────────────────────────────────────────────────────────────────────────────

func TestRecordAttempt_Scenario(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 1000, 1000)
	h := f.recordAttempt()
	ctx := context.Background()

	steps := []struct {
		tier   progression.Tier
		won    bool
		coin   int
		energy int
		star   progression.Tier
		gem    int
	}{
		{progression.TierEasy, true, 1005, 994, progression.TierEasy, 0},
		{progression.TierEasy, true, 1008, 988, progression.TierEasy, 0},
		{progression.TierEasy, false, 1009, 982, progression.TierEasy, 0},
		{progression.TierMedium, true, 1014, 976, progression.TierMedium, 0},
		{progression.TierHard, true, 1019, 970, progression.TierHard, 0},
		{progression.TierHard, true, 1022, 964, progression.TierHard, 1},
		{progression.TierHard, true, 1025, 958, progression.TierHard, 1},
	}

	for i, step := range steps {
		res, err := h.Handle(ctx, lessonAttempt(step.tier, step.won))
		require.NoError(t, err, "step %d", i)
		assert.True(t, res.RuleConfigured)
		assert.Equal(t, step.coin, res.State.Coin, "step %d coin", i)
		assert.Equal(t, step.energy, res.State.Energy, "step %d energy", i)
		assert.Equal(t, step.gem, res.State.Gem, "step %d gem", i)
		require.NotNil(t, res.Record)
		assert.Equal(t, step.star, res.Record.Star, "step %d star", i)

		stored, found, err := f.store.Mastery().Get(ctx, "kid-1", "lesson-1")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, step.star, stored.Star)
	}

	st := f.state(t, "kid-1")
	assert.Equal(t, 1025, st.Coin)
	assert.Equal(t, 1, st.Gem)
	assert.Equal(t, "level-1", st.CurrentLevelID)
	assert.Equal(t, "unit-1", st.CurrentUnitID)

	gems := 0
	stars := 0
	for _, typ := range f.pub.types() {
		switch typ {
		case shared.EventGemAwarded:
			gems++
		case shared.EventStarAdvanced:
			stars++
		}
	}
	assert.Equal(t, 1, gems, "gem is awarded once per lesson")
	assert.Equal(t, 3, stars, "creation plus two tier-ups")
}

func TestRecordAttempt_FirstLossCreatesNoRecord(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 0, 120)
	ctx := context.Background()

	res, err := f.recordAttempt().Handle(ctx, lessonAttempt(progression.TierEasy, false))
	require.NoError(t, err)
	assert.Nil(t, res.Record)
	assert.Equal(t, 114, res.State.Energy)
	assert.Equal(t, 0, res.State.Coin)

	_, found, err := f.store.Mastery().Get(ctx, "kid-1", "lesson-1")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []shared.EventType{shared.EventLessonAttemptRecorded}, f.pub.types())
}

func TestRecordAttempt_ErrorsLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name    string
		energy  int
		tier    progression.Tier
		wantErr error
	}{
		{"energy is checked first", 3, progression.TierHard, shared.ErrInsufficientEnergy},
		{"first attempt above easy", 120, progression.TierMedium, shared.ErrInvalidTierUnlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, "kid-1", 50, tt.energy)
			before := f.state(t, "kid-1")

			_, err := f.recordAttempt().Handle(context.Background(), lessonAttempt(tt.tier, true))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			assert.Equal(t, before, f.state(t, "kid-1"))
			assert.Empty(t, f.pub.types())
		})
	}
}

func TestRecordAttempt_UnknownKid(t *testing.T) {
	f := newFixture(t)
	_, err := f.recordAttempt().Handle(context.Background(), lessonAttempt(progression.TierEasy, true))
	assert.ErrorIs(t, err, shared.ErrKidNotFound)
}

func TestRecordAttempt_MissingRuleIsFree(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 10, 0)

	cmd := lessonAttempt(progression.TierEasy, true)
	cmd.UnitID = "unit-unconfigured"

	res, err := f.recordAttempt().Handle(context.Background(), cmd)
	require.NoError(t, err)
	assert.False(t, res.RuleConfigured)
	assert.Equal(t, 10, res.State.Coin)
	assert.Equal(t, 0, res.State.Energy)
	require.NotNil(t, res.Record)
	assert.Equal(t, progression.TierEasy, res.Record.Star)
}

func TestRecordAttempt_AppliesRegenBeforeSpending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 0, 4)
	f.clock.Advance(12 * time.Minute)

	res, err := f.recordAttempt().Handle(context.Background(), lessonAttempt(progression.TierEasy, true))
	require.NoError(t, err)
	assert.Equal(t, 0, res.State.Energy, "4 + 2 regenerated - 6")
	assert.Equal(t, f.clock.Now(), res.State.LastEnergyRegenAt)
}

func TestRecordAttempt_InvalidInput(t *testing.T) {
	f := newFixture(t)
	cmd := lessonAttempt(progression.Tier(4), true)
	_, err := f.recordAttempt().Handle(context.Background(), cmd)
	assert.Equal(t, shared.CodeInvalidInput, shared.CodeOf(err))

	cmd = lessonAttempt(progression.TierEasy, true)
	cmd.KidID = ""
	_, err = f.recordAttempt().Handle(context.Background(), cmd)
	assert.Equal(t, shared.CodeInvalidInput, shared.CodeOf(err))
}

// ─────────────────────────────────────────────────────────────────────────────
// OpenEconomy
// ─────────────────────────────────────────────────────────────────────────────

// versionedStarCache повторяет поведение redis.StarCache в памяти.
type versionedStarCache struct {
	mu          sync.Mutex
	versions    map[string]int64
	totals      map[string]int
	invalidated []string
	err         error
}

func newVersionedStarCache() *versionedStarCache {
	return &versionedStarCache{versions: map[string]int64{}, totals: map[string]int{}}
}

func (c *versionedStarCache) key(kidID string, version int64) string {
	return fmt.Sprintf("%s:%d", kidID, version)
}

func (c *versionedStarCache) Get(_ context.Context, kidID string) (int, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.versions[kidID]
	total, ok := c.totals[c.key(kidID, v)]
	return total, v, ok
}

func (c *versionedStarCache) Set(_ context.Context, kidID string, version int64, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[c.key(kidID, version)] = total
}

func (c *versionedStarCache) Invalidate(_ context.Context, kidID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, kidID)
	if c.err != nil {
		return c.err
	}
	c.versions[kidID]++
	return nil
}

func TestRecordAttempt_TotalStarsFreshAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 0, 120)
	cache := newVersionedStarCache()
	record := NewRecordAttemptHandler(f.store, f.store.Rules(), cache, f.policy, f.clock, f.pub, nil)
	totals := query.NewGetTotalStarsHandler(f.store.Economy(), f.store.Mastery(), cache)
	ctx := context.Background()

	before, err := totals.Handle(ctx, query.GetTotalStarsQuery{KidID: "kid-1"})
	require.NoError(t, err)
	assert.Equal(t, 0, before.Total)

	cached, err := totals.Handle(ctx, query.GetTotalStarsQuery{KidID: "kid-1"})
	require.NoError(t, err)
	require.True(t, cached.Cached)

	_, err = record.Handle(ctx, lessonAttempt(progression.TierEasy, true))
	require.NoError(t, err)

	after, err := totals.Handle(ctx, query.GetTotalStarsQuery{KidID: "kid-1"})
	require.NoError(t, err)
	assert.False(t, after.Cached)
	assert.Equal(t, 1, after.Total)
	assert.Equal(t, []string{"kid-1"}, cache.invalidated)
}

func TestRecordAttempt_InvalidatesOnlyWhenStarAdvances(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 0, 120)
	cache := newVersionedStarCache()
	h := NewRecordAttemptHandler(f.store, f.store.Rules(), cache, f.policy, f.clock, f.pub, nil)
	ctx := context.Background()

	_, err := h.Handle(ctx, lessonAttempt(progression.TierEasy, false))
	require.NoError(t, err)
	assert.Empty(t, cache.invalidated, "lost first attempt creates no star")

	_, err = h.Handle(ctx, lessonAttempt(progression.TierEasy, true))
	require.NoError(t, err)
	_, err = h.Handle(ctx, lessonAttempt(progression.TierEasy, true))
	require.NoError(t, err)
	assert.Equal(t, []string{"kid-1"}, cache.invalidated, "replay at the same tier keeps the total")
}

func TestRecordAttempt_InvalidationFailureDoesNotFailCommand(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 0, 120)
	cache := newVersionedStarCache()
	cache.err = errors.New("redis down")
	h := NewRecordAttemptHandler(f.store, f.store.Rules(), cache, f.policy, f.clock, f.pub, nil)

	res, err := h.Handle(context.Background(), lessonAttempt(progression.TierEasy, true))
	require.NoError(t, err)
	assert.Equal(t, progression.TierEasy, res.Outcome.StarAfter)
	assert.Equal(t, []string{"kid-1"}, cache.invalidated)
}

func TestOpenEconomy(t *testing.T) {
	f := newFixture(t)
	h := NewOpenEconomyHandler(f.store, f.policy, f.clock, f.pub, nil)
	ctx := context.Background()

	st, err := h.Handle(ctx, OpenEconomyCommand{KidID: "kid-9"})
	require.NoError(t, err)
	assert.Equal(t, 120, st.Energy)
	assert.Zero(t, st.Coin)
	assert.Zero(t, st.Gem)
	assert.Zero(t, st.CountBuyEnergy)
	assert.Equal(t, t0, st.LastEnergyRegenAt)
	assert.Nil(t, st.LastEnergyPurchaseAt)

	_, err = h.Handle(ctx, OpenEconomyCommand{KidID: "kid-9"})
	assert.ErrorIs(t, err, shared.ErrKidAlreadyExists)
	assert.Equal(t, []shared.EventType{shared.EventKidEconomyOpened}, f.pub.types())
}

// ─────────────────────────────────────────────────────────────────────────────
// PurchaseEnergy
// ─────────────────────────────────────────────────────────────────────────────

func TestPurchaseEnergy_LadderAndClamp(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 500, 0)
	h := NewPurchaseEnergyHandler(f.store, f.policy, f.clock, f.pub, nil)
	ctx := context.Background()

	want := []struct{ cost, energy, coin int }{
		{30, 60, 470},
		{50, 120, 420},
		{100, 120, 320},
		{100, 120, 220},
	}
	for i, w := range want {
		res, err := h.Handle(ctx, PurchaseEnergyCommand{KidID: "kid-1"})
		require.NoError(t, err, "purchase %d", i)
		assert.Equal(t, w.cost, res.Cost)
		assert.Equal(t, w.energy, res.State.Energy)
		assert.Equal(t, w.coin, res.State.Coin)
		assert.Equal(t, i+1, res.PurchasesToday)
	}
	assert.Len(t, f.pub.types(), 4)
}

func TestPurchaseEnergy_ResetsOnNextCalendarDay(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(time.Date(2024, 6, 1, 23, 59, 0, 0, time.UTC))
	f.seed(t, "kid-1", 500, 0)
	h := NewPurchaseEnergyHandler(f.store, f.policy, f.clock, nil, nil)
	ctx := context.Background()

	for _, cost := range []int{30, 50} {
		res, err := h.Handle(ctx, PurchaseEnergyCommand{KidID: "kid-1"})
		require.NoError(t, err)
		assert.Equal(t, cost, res.Cost)
	}

	f.clock.Advance(2 * time.Minute)
	res, err := h.Handle(ctx, PurchaseEnergyCommand{KidID: "kid-1"})
	require.NoError(t, err)
	assert.Equal(t, 30, res.Cost)
	assert.Equal(t, 1, res.PurchasesToday)
}

func TestPurchaseEnergy_InsufficientFundsMutatesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 0, 10)
	before := f.state(t, "kid-1")

	_, err := NewPurchaseEnergyHandler(f.store, f.policy, f.clock, f.pub, nil).
		Handle(context.Background(), PurchaseEnergyCommand{KidID: "kid-1"})
	assert.ErrorIs(t, err, shared.ErrInsufficientFunds)
	assert.Equal(t, shared.CodeInsufficientFunds, shared.CodeOf(err))
	assert.Equal(t, before, f.state(t, "kid-1"))
	assert.Empty(t, f.pub.types())
}

// ─────────────────────────────────────────────────────────────────────────────
// StartLesson
// ─────────────────────────────────────────────────────────────────────────────

func startCmd() StartLessonCommand {
	return StartLessonCommand{
		KidID:    "kid-1",
		LevelID:  "level-1",
		UnitID:   "unit-1",
		LessonID: "lesson-1",
		Type:     progression.LessonTypeLesson,
	}
}

func TestStartLesson_ChargesEnergy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 0, 10)
	h := NewStartLessonHandler(f.store, f.store.Rules(), f.policy, f.clock, config.NewFeatureFlags(), f.pub, nil)

	res, err := h.Handle(context.Background(), startCmd())
	require.NoError(t, err)
	assert.True(t, res.Charged)
	assert.Equal(t, 4, res.Energy)
	assert.Equal(t, 6, res.EnergySpent)

	st := f.state(t, "kid-1")
	assert.Equal(t, 4, st.Energy)
	assert.Equal(t, "unit-1", st.CurrentUnitID)
	assert.Equal(t, []shared.EventType{shared.EventLessonStarted}, f.pub.types())

	_, err = h.Handle(context.Background(), startCmd())
	assert.ErrorIs(t, err, shared.ErrInsufficientEnergy)
	assert.Equal(t, 4, f.state(t, "kid-1").Energy)
}

func TestStartLesson_RequiresConfiguredRule(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 0, 10)
	h := NewStartLessonHandler(f.store, f.store.Rules(), f.policy, f.clock, nil, f.pub, nil)

	cmd := startCmd()
	cmd.Type = progression.LessonTypeChallenge
	_, err := h.Handle(context.Background(), cmd)
	assert.ErrorIs(t, err, shared.ErrRuleNotFound)
	assert.Equal(t, 10, f.state(t, "kid-1").Energy)
}

func TestStartLesson_FlagDisabledDoesNotCharge(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 0, 10)
	flags := config.NewFeatureFlags()
	require.NoError(t, flags.DisableFeature(config.FeatureLessonStartCharge))
	f.clock.Advance(10 * time.Minute)

	h := NewStartLessonHandler(f.store, f.store.Rules(), f.policy, f.clock, flags, f.pub, nil)
	res, err := h.Handle(context.Background(), startCmd())
	require.NoError(t, err)
	assert.False(t, res.Charged)
	assert.Equal(t, 12, res.Energy, "regen is projected")

	st := f.state(t, "kid-1")
	assert.Equal(t, 10, st.Energy, "nothing is written")
	assert.Equal(t, t0, st.LastEnergyRegenAt)
	assert.Empty(t, f.pub.types())
}

// ─────────────────────────────────────────────────────────────────────────────
// AdjustEnergy
// ─────────────────────────────────────────────────────────────────────────────

func TestAdjustEnergy(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "kid-1", 0, 100)
	h := NewAdjustEnergyHandler(f.store, f.policy, f.clock, f.pub, nil)
	ctx := context.Background()

	res, err := h.Handle(ctx, AdjustEnergyCommand{KidID: "kid-1", Delta: 50})
	require.NoError(t, err)
	assert.Equal(t, 120, res.State.Energy)
	assert.Equal(t, 20, res.Applied)

	res, err = h.Handle(ctx, AdjustEnergyCommand{KidID: "kid-1", Delta: -20})
	require.NoError(t, err)
	assert.Equal(t, 100, res.State.Energy)

	_, err = h.Handle(ctx, AdjustEnergyCommand{KidID: "kid-1", Delta: -101})
	assert.ErrorIs(t, err, shared.ErrInsufficientEnergy)
	assert.Equal(t, 100, f.state(t, "kid-1").Energy)

	f.pub.reset()
	f.clock.Advance(15 * time.Minute)
	res, err = h.Handle(ctx, AdjustEnergyCommand{KidID: "kid-1"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Regenerated)
	assert.Equal(t, 103, f.state(t, "kid-1").Energy, "zero delta persists regen")
	assert.Empty(t, f.pub.types())
}

// ─────────────────────────────────────────────────────────────────────────────
// ImportGameRules
// ─────────────────────────────────────────────────────────────────────────────

type recordingInvalidator struct {
	keys []progression.RuleKey
	err  error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, keys ...progression.RuleKey) error {
	r.keys = append(r.keys, keys...)
	return r.err
}

func TestImportGameRules(t *testing.T) {
	f := newFixture(t)
	inv := &recordingInvalidator{err: errors.New("redis down")}
	h := NewImportGameRulesHandler(f.store, inv, f.clock, f.pub, nil)
	ctx := context.Background()

	challenge := progression.GameRule{
		LevelID:              "level-1",
		UnitID:               "unit-1",
		Type:                 progression.LessonTypeChallenge,
		FirstPlayReward:      10,
		EnergyCost:           12,
		UnlockingRequirement: progression.IntPtr(6),
	}
	updated := lessonRule
	updated.EnergyCost = 8

	res, err := h.Handle(ctx, ImportGameRulesCommand{Rules: []progression.GameRule{updated, challenge}})
	require.NoError(t, err, "cache failures do not fail the import")
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, []string{"level-1/unit-1/lesson", "level-1/unit-1/challenge"}, res.Keys)
	assert.Len(t, inv.keys, 2)

	rule, err := f.store.Rules().Find(ctx, lessonRule.Key())
	require.NoError(t, err)
	assert.Equal(t, 8, rule.EnergyCost)
	assert.Equal(t, []shared.EventType{shared.EventGameRulesImported}, f.pub.types())
}

func TestImportGameRules_Validation(t *testing.T) {
	f := newFixture(t)
	h := NewImportGameRulesHandler(f.store, nil, f.clock, nil, nil)
	ctx := context.Background()

	_, err := h.Handle(ctx, ImportGameRulesCommand{})
	assert.Equal(t, shared.CodeInvalidInput, shared.CodeOf(err))

	negative := lessonRule
	negative.EnergyCost = -1
	_, err = h.Handle(ctx, ImportGameRulesCommand{Rules: []progression.GameRule{lessonRule, lessonRule, negative}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")
	assert.Contains(t, err.Error(), "energyCost")
	assert.Equal(t, shared.CodeInvalidInput, shared.CodeOf(err))
}
