// Package ruleset reads game rule seed files.
//
// A seed file is YAML:
//
//	levels:
//	  - id: level-1
//	    units:
//	      - id: unit-1
//	        lesson:
//	          first_play_reward: 5
//	          replay_success_reward: 3
//	          replay_failure_reward: 1
//	          energy_cost: 6
//	        challenge:
//	          first_play_reward: 10
//	          energy_cost: 10
//	          unlocking_requirement: 6
package ruleset

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"

	"github.com/lingokids/progression-hub/internal/domain/progression"
)

// File is the document root.
type File struct {
	Levels []Level `yaml:"levels"`
}

// Level groups units.
type Level struct {
	ID    string `yaml:"id"`
	Units []Unit `yaml:"units"`
}

// Unit holds at most one rule per lesson type.
type Unit struct {
	ID        string `yaml:"id"`
	Lesson    *Rule  `yaml:"lesson,omitempty"`
	Challenge *Rule  `yaml:"challenge,omitempty"`
}

// Rule is the YAML form of progression.GameRule without its key.
type Rule struct {
	FirstPlayReward      int  `yaml:"first_play_reward"`
	ReplaySuccessReward  int  `yaml:"replay_success_reward"`
	ReplayFailureReward  int  `yaml:"replay_failure_reward"`
	EnergyCost           int  `yaml:"energy_cost"`
	UnlockingRequirement *int `yaml:"unlocking_requirement,omitempty"`
}

// LoadFile parses and validates the seed file at path.
func LoadFile(path string) ([]progression.GameRule, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ruleset: open %s: %w", path, err)
	}
	defer f.Close()

	rules, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("ruleset: %s: %w", path, err)
	}
	return rules, nil
}

// Parse decodes rules from data.
func Parse(data []byte) ([]progression.GameRule, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads one YAML document and flattens it into rules. Unknown fields
// and duplicate keys are errors.
func Decode(r io.Reader) ([]progression.GameRule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var doc File
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty document")
		}
		return nil, fmt.Errorf("decode: %w", err)
	}

	return doc.Rules()
}

// Rules flattens the document and validates every rule.
func (f File) Rules() ([]progression.GameRule, error) {
	var (
		out  []progression.GameRule
		errs []error
		seen = make(map[progression.RuleKey]bool)
	)

	add := func(levelID, unitID string, t progression.LessonType, r *Rule) {
		if r == nil {
			return
		}
		rule := progression.GameRule{
			LevelID:              levelID,
			UnitID:               unitID,
			Type:                 t,
			FirstPlayReward:      r.FirstPlayReward,
			ReplaySuccessReward:  r.ReplaySuccessReward,
			ReplayFailureReward:  r.ReplayFailureReward,
			EnergyCost:           r.EnergyCost,
			UnlockingRequirement: r.UnlockingRequirement,
		}
		key := rule.Key()
		if seen[key] {
			errs = append(errs, fmt.Errorf("duplicate rule %s", key))
			return
		}
		seen[key] = true

		if err := rule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", key, err))
			return
		}
		out = append(out, rule)
	}

	for _, lvl := range f.Levels {
		for _, u := range lvl.Units {
			add(lvl.ID, u.ID, progression.LessonTypeLesson, u.Lesson)
			add(lvl.ID, u.ID, progression.LessonTypeChallenge, u.Challenge)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(out) == 0 {
		return nil, errors.New("no rules defined")
	}
	return out, nil
}

// Fingerprint returns an order-independent digest of the rule set.
func Fingerprint(rules []progression.GameRule) string {
	lines := make([]string, 0, len(rules))
	for _, r := range rules {
		req := "-"
		if r.UnlockingRequirement != nil {
			req = fmt.Sprint(*r.UnlockingRequirement)
		}
		lines = append(lines, fmt.Sprintf("%s|%d|%d|%d|%d|%s",
			r.Key(), r.FirstPlayReward, r.ReplaySuccessReward, r.ReplayFailureReward, r.EnergyCost, req))
	}
	sort.Strings(lines)

	h, _ := blake2b.New256(nil)
	for _, line := range lines {
		_, _ = io.WriteString(h, line)
		_, _ = h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
