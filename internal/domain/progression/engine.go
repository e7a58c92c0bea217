package progression

import (
	"fmt"
	"time"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// ATTEMPT
// ══════════════════════════════════════════════════════════════════════════════

// Attempt is a reported lesson result.
type Attempt struct {
	KidID      string
	LevelID    string
	UnitID     string
	LessonID   string
	Type       LessonType
	TargetTier Tier
	Won        bool
}

// RuleKey returns the key of the rule governing the attempt.
func (a Attempt) RuleKey() RuleKey {
	return RuleKey{LevelID: a.LevelID, UnitID: a.UnitID, Type: a.Type}
}

// Validate checks identifiers, type and tier range.
func (a Attempt) Validate() error {
	if err := shared.ValidateIDs(
		"kidId", a.KidID,
		"levelId", a.LevelID,
		"unitId", a.UnitID,
		"lessonId", a.LessonID,
	); err != nil {
		return err
	}
	if !a.Type.Valid() {
		return shared.InvalidInput("Validate", fmt.Sprintf("unknown lesson type %q", a.Type))
	}
	if !a.TargetTier.Valid() {
		return shared.InvalidInput("Validate", fmt.Sprintf("tier %d out of range", a.TargetTier))
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// OUTCOME
// ══════════════════════════════════════════════════════════════════════════════

// Branch names the rule that classified an attempt.
type Branch string

const (
	BranchFirstWin       Branch = "first_win"
	BranchFirstLoss      Branch = "first_loss"
	BranchReplayWin      Branch = "replay_win"
	BranchReplayLoss     Branch = "replay_loss"
	BranchTierUp         Branch = "tier_up"
	BranchLowerTierWin   Branch = "lower_tier_win"
	BranchLowerTierLoss  Branch = "lower_tier_loss"
	BranchHigherTierLoss Branch = "higher_tier_loss"
)

// Outcome describes what an attempt changed.
type Outcome struct {
	Branch      Branch
	CoinReward  int
	GemReward   int
	EnergySpent int

	// StarBefore is 0 when no record existed.
	StarBefore Tier
	StarAfter  Tier

	GemUnlocked bool

	// Record is the mastery record after the attempt; nil after a lost
	// first attempt.
	Record        *MasteryRecord
	RecordCreated bool
	RecordChanged bool
}

// ══════════════════════════════════════════════════════════════════════════════
// RESOLVE
// ══════════════════════════════════════════════════════════════════════════════

// Resolve applies an attempt to state and returns the outcome. existing is
// the kid's record for the lesson or nil; it is never modified, the updated
// record is returned in Outcome.Record. All errors are detected before state
// is touched.
func Resolve(state *economy.State, existing *MasteryRecord, rule GameRule, a Attempt, now time.Time) (*Outcome, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}

	if !state.CanSpendEnergy(rule.EnergyCost) {
		return nil, shared.ErrInsufficientEnergy
	}

	out, err := classify(existing, rule, a)
	if err != nil {
		return nil, err
	}

	if err := state.SpendEnergy(rule.EnergyCost); err != nil {
		return nil, err
	}
	out.EnergySpent = rule.EnergyCost
	state.MoveTo(a.LevelID, a.UnitID)
	state.Credit(out.CoinReward, out.GemReward)

	switch {
	case out.RecordCreated:
		out.Record = &MasteryRecord{
			KidID:     a.KidID,
			LessonID:  a.LessonID,
			LevelID:   a.LevelID,
			UnitID:    a.UnitID,
			Type:      a.Type,
			Star:      TierEasy,
			CreatedAt: now,
			UpdatedAt: now,
		}
	case existing != nil:
		rec := existing.Clone()
		if out.RecordChanged {
			rec.Star = out.StarAfter
			if out.GemUnlocked {
				rec.IsGemUnlocked = true
			}
			rec.UpdatedAt = now
		}
		out.Record = rec
	}

	return out, nil
}

// classify picks the branch and rewards without touching anything.
func classify(existing *MasteryRecord, rule GameRule, a Attempt) (*Outcome, error) {
	target := a.TargetTier

	if existing == nil {
		if !a.Won {
			return &Outcome{Branch: BranchFirstLoss}, nil
		}
		if target != TierEasy {
			return nil, shared.ErrInvalidTierUnlock
		}
		return &Outcome{
			Branch:        BranchFirstWin,
			CoinReward:    rule.FirstPlayReward,
			StarAfter:     TierEasy,
			RecordCreated: true,
			RecordChanged: true,
		}, nil
	}

	star := existing.Star
	out := &Outcome{StarBefore: star, StarAfter: star}

	switch {
	case target == star && a.Won:
		out.Branch = BranchReplayWin
		out.CoinReward = rule.ReplaySuccessReward
		if star == TierHard && !existing.IsGemUnlocked {
			out.GemReward = 1
			out.GemUnlocked = true
			out.RecordChanged = true
		}

	case target == star:
		out.Branch = BranchReplayLoss
		out.CoinReward = rule.ReplayFailureReward

	case a.Won && target > star:
		if target-star >= 2 {
			return nil, shared.ErrInvalidTierUnlock
		}
		out.Branch = BranchTierUp
		out.CoinReward = rule.FirstPlayReward
		out.StarAfter = star + 1
		out.RecordChanged = true

	case a.Won:
		out.Branch = BranchLowerTierWin
		out.CoinReward = rule.ReplaySuccessReward

	case target < star:
		out.Branch = BranchLowerTierLoss
		out.CoinReward = rule.ReplayFailureReward

	default:
		out.Branch = BranchHigherTierLoss
	}

	return out, nil
}
