package config

import (
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FeatureFlags manages feature toggles with kid-scoped percentage rollout.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// kidOverrides pins a flag for a single kid (kidID -> feature -> enabled).
	kidOverrides map[string]map[string]bool

	now func() time.Time
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// RolloutPercent (0-100). Kids are bucketed by a hash of their ID so a
	// kid stays in the same bucket across restarts.
	RolloutPercent int

	EnabledFrom  *time.Time
	EnabledUntil *time.Time
}

// FeatureContext provides context for feature flag evaluation.
type FeatureContext struct {
	KidID   string
	IsAdmin bool
}

// ForKid is shorthand for a kid-scoped evaluation context.
func ForKid(kidID string) *FeatureContext {
	return &FeatureContext{KidID: kidID}
}

// Predefined feature flag names.
const (
	// FeatureLessonStartCharge charges the rule's energy cost when a lesson starts.
	FeatureLessonStartCharge = "progression.lesson_start_charge"

	// FeatureCacheGameRules serves game rule lookups through Redis.
	FeatureCacheGameRules = "cache.game_rules"

	// FeatureCacheStarTotals caches total star counts in Redis.
	FeatureCacheStarTotals = "cache.star_totals"

	// FeatureRedisFanout publishes events to other instances over Redis.
	FeatureRedisFanout = "events.redis_fanout"
)

// LoadFeatureFlags loads defaults and FEATURE_* overrides.
func LoadFeatureFlags() *FeatureFlags {
	ff := NewFeatureFlags()
	ff.loadFromEnvironment(os.Getenv)
	return ff
}

// NewFeatureFlags returns the flag registry with default values only.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:     make(map[string]*Feature),
		kidOverrides: make(map[string]map[string]bool),
		now:          time.Now,
	}
	ff.initializeDefaults()
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	ff.features[FeatureLessonStartCharge] = &Feature{
		Name:           FeatureLessonStartCharge,
		Description:    "Charge energy when a lesson starts",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureCacheGameRules] = &Feature{
		Name:           FeatureCacheGameRules,
		Description:    "Read-through Redis cache for game rules",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureCacheStarTotals] = &Feature{
		Name:           FeatureCacheStarTotals,
		Description:    "Redis cache for total star counts",
		Enabled:        true,
		RolloutPercent: 100,
	}

	ff.features[FeatureRedisFanout] = &Feature{
		Name:           FeatureRedisFanout,
		Description:    "Fan events out to other instances via Redis pub/sub",
		Enabled:        true,
		RolloutPercent: 100,
	}
}

// loadFromEnvironment applies overrides.
// Format: FEATURE_<NAME>=true|false|<percent>
// Example: FEATURE_PROGRESSION_LESSON_START_CHARGE=25
func (ff *FeatureFlags) loadFromEnvironment(getenv func(string) string) {
	for name, feature := range ff.features {
		val := getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}

		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			if b {
				feature.RolloutPercent = 100
			} else {
				feature.RolloutPercent = 0
			}
			continue
		}

		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// featureNameToEnvKey converts a feature name to its environment variable.
// "cache.game_rules" -> "FEATURE_CACHE_GAME_RULES"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks if a feature is enabled for the given context. A nil
// context or empty KidID evaluates the flag globally.
func (ff *FeatureFlags) IsEnabled(featureName string, ctx *FeatureContext) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	if ctx != nil && ctx.KidID != "" {
		if overrides, ok := ff.kidOverrides[ctx.KidID]; ok {
			if enabled, ok := overrides[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok {
		return false
	}

	if ctx != nil && ctx.IsAdmin {
		return true
	}

	if !feature.Enabled {
		return false
	}

	now := ff.now()
	if feature.EnabledFrom != nil && now.Before(*feature.EnabledFrom) {
		return false
	}
	if feature.EnabledUntil != nil && now.After(*feature.EnabledUntil) {
		return false
	}

	if feature.RolloutPercent < 100 && ctx != nil && ctx.KidID != "" {
		return isInRollout(ctx.KidID, featureName, feature.RolloutPercent)
	}

	return feature.RolloutPercent > 0
}

// isInRollout hashes kid+feature into a 0-99 bucket.
func isInRollout(kidID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(kidID))

	return int(h.Sum32()%100) < percent
}

// SetKidOverride pins a feature for one kid.
func (ff *FeatureFlags) SetKidOverride(kidID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	if _, ok := ff.kidOverrides[kidID]; !ok {
		ff.kidOverrides[kidID] = make(map[string]bool)
	}
	ff.kidOverrides[kidID][featureName] = enabled
}

// ClearKidOverrides removes all overrides for a kid.
func (ff *FeatureFlags) ClearKidOverrides(kidID string) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	delete(ff.kidOverrides, kidID)
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}

	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}

	feature.RolloutPercent = percent
	feature.Enabled = percent > 0

	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// GetAllFeatures returns a copy of all feature configurations.
func (ff *FeatureFlags) GetAllFeatures() map[string]Feature {
	ff.mu.RLock()
	defer ff.mu.RUnlock()

	result := make(map[string]Feature, len(ff.features))
	for k, v := range ff.features {
		result[k] = *v
	}
	return result
}

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}
