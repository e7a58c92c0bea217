// Package progression holds the lesson mastery model: mastery tiers (stars),
// per-unit game rules, and the state machine that turns a lesson attempt into
// coin, gem, star and energy changes.
package progression

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lingokids/progression-hub/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// TIER
// ══════════════════════════════════════════════════════════════════════════════

// Tier is a mastery level of a lesson, shown to kids as stars.
type Tier int

const (
	TierEasy   Tier = 1
	TierMedium Tier = 2
	TierHard   Tier = 3
)

func (t Tier) Valid() bool { return t >= TierEasy && t <= TierHard }

func (t Tier) Int() int { return int(t) }

func (t Tier) String() string {
	switch t {
	case TierEasy:
		return "EASY"
	case TierMedium:
		return "MEDIUM"
	case TierHard:
		return "HARD"
	default:
		return "Tier(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseTier accepts a tier name (EASY, MEDIUM, HARD) or number (1..3).
func ParseTier(s string) (Tier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "EASY", "1":
		return TierEasy, nil
	case "MEDIUM", "2":
		return TierMedium, nil
	case "HARD", "3":
		return TierHard, nil
	}
	return 0, shared.InvalidInput("ParseTier", fmt.Sprintf("unknown tier %q", s))
}

// ══════════════════════════════════════════════════════════════════════════════
// LESSON TYPE
// ══════════════════════════════════════════════════════════════════════════════

// LessonType distinguishes regular lessons from unit challenges.
type LessonType string

const (
	LessonTypeLesson    LessonType = "lesson"
	LessonTypeChallenge LessonType = "challenge"
)

func (t LessonType) Valid() bool {
	return t == LessonTypeLesson || t == LessonTypeChallenge
}

func (t LessonType) String() string { return string(t) }

// ParseLessonType parses a lesson type, case-insensitively.
func ParseLessonType(s string) (LessonType, error) {
	t := LessonType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", shared.InvalidInput("ParseLessonType", fmt.Sprintf("unknown lesson type %q", s))
	}
	return t, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MASTERY RECORD
// ══════════════════════════════════════════════════════════════════════════════

// MasteryRecord is a kid's progress on one lesson. It exists only after a
// won first attempt at EASY and is never deleted.
type MasteryRecord struct {
	KidID    string
	LessonID string

	// LevelID and UnitID are captured on creation and scope star sums.
	LevelID string
	UnitID  string
	Type    LessonType

	Star          Tier
	IsGemUnlocked bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy of r.
func (r *MasteryRecord) Clone() *MasteryRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// ══════════════════════════════════════════════════════════════════════════════
// GAME RULE
// ══════════════════════════════════════════════════════════════════════════════

// RuleKey identifies a game rule.
type RuleKey struct {
	LevelID string
	UnitID  string
	Type    LessonType
}

func (k RuleKey) String() string {
	return k.LevelID + "/" + k.UnitID + "/" + string(k.Type)
}

// Validate checks the key's identifiers and type.
func (k RuleKey) Validate() error {
	if err := shared.ValidateIDs("levelId", k.LevelID, "unitId", k.UnitID); err != nil {
		return err
	}
	if !k.Type.Valid() {
		return shared.InvalidInput("Validate", fmt.Sprintf("unknown lesson type %q", k.Type))
	}
	return nil
}

// GameRule holds rewards and costs for lessons of one type in one unit.
type GameRule struct {
	LevelID string
	UnitID  string
	Type    LessonType

	FirstPlayReward     int
	ReplaySuccessReward int
	ReplayFailureReward int
	EnergyCost          int

	// UnlockingRequirement is the star sum over the unit's lessons needed to
	// open the challenge. Nil means the challenge never unlocks.
	UnlockingRequirement *int
}

// Key returns the rule's identifier.
func (r GameRule) Key() RuleKey {
	return RuleKey{LevelID: r.LevelID, UnitID: r.UnitID, Type: r.Type}
}

// Validate checks identifiers and that amounts are non-negative.
func (r GameRule) Validate() error {
	if err := r.Key().Validate(); err != nil {
		return err
	}
	for field, v := range map[string]int{
		"firstPlayReward":     r.FirstPlayReward,
		"replaySuccessReward": r.ReplaySuccessReward,
		"replayFailureReward": r.ReplayFailureReward,
		"energyCost":          r.EnergyCost,
	} {
		if err := shared.NonNegative(field, v); err != nil {
			return err
		}
	}
	return nil
}

// ZeroRule is the permissive rule used when none is configured: no rewards,
// no cost, challenge locked.
func ZeroRule(key RuleKey) GameRule {
	return GameRule{LevelID: key.LevelID, UnitID: key.UnitID, Type: key.Type}
}

// IntPtr is a helper for UnlockingRequirement literals.
func IntPtr(v int) *int { return &v }

// IsChallengeUnlocked reports whether stars satisfy the rule's unlocking
// requirement. A nil rule or a nil or negative requirement never unlocks.
func IsChallengeUnlocked(rule *GameRule, stars int) bool {
	if rule == nil || rule.UnlockingRequirement == nil {
		return false
	}
	req := *rule.UnlockingRequirement
	if req < 0 {
		return false
	}
	return stars >= req
}
