// Package memory implements the economy and progression repositories in
// process memory. It backs STORAGE_DRIVER=memory and the application tests.
// Transactions stage writes and apply them on commit; kid rows are locked
// with per-kid semaphores so same-kid commands serialize.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/lingokids/progression-hub/internal/domain/economy"
	"github.com/lingokids/progression-hub/internal/domain/progression"
	"github.com/lingokids/progression-hub/internal/domain/shared"
)

type masteryKey struct {
	kidID    string
	lessonID string
}

// Store holds all data. The zero value is not usable; call NewStore.
type Store struct {
	mu        sync.RWMutex
	economies map[string]*economy.State
	mastery   map[masteryKey]*progression.MasteryRecord
	rules     map[progression.RuleKey]progression.GameRule

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		economies: make(map[string]*economy.State),
		mastery:   make(map[masteryKey]*progression.MasteryRecord),
		rules:     make(map[progression.RuleKey]progression.GameRule),
		locks:     make(map[string]chan struct{}),
	}
}

// Economy returns a non-transactional economy repository.
func (s *Store) Economy() economy.Repository { return &economyRepo{store: s} }

// Mastery returns a non-transactional mastery repository.
func (s *Store) Mastery() progression.MasteryRepository { return &masteryRepo{store: s} }

// Rules returns a non-transactional rule repository.
func (s *Store) Rules() progression.RuleRepository { return &ruleRepo{store: s} }

// Ping always succeeds; it lets the store act as a health dependency.
func (s *Store) Ping(context.Context) error { return nil }

// Stats reports row counts.
func (s *Store) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int{
		"kid_economy":    len(s.economies),
		"lesson_mastery": len(s.mastery),
		"game_rules":     len(s.rules),
	}
}

func (s *Store) kidLock(kidID string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	ch, ok := s.locks[kidID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[kidID] = ch
	}
	return ch
}

// ══════════════════════════════════════════════════════════════════════════════
// UNIT OF WORK
// ══════════════════════════════════════════════════════════════════════════════

type tx struct {
	store *Store

	economies map[string]*economy.State
	mastery   map[masteryKey]*progression.MasteryRecord
	rules     map[progression.RuleKey]progression.GameRule

	held map[string]chan struct{}
}

func (t *tx) Economy() economy.Repository            { return &economyRepo{store: t.store, tx: t} }
func (t *tx) Mastery() progression.MasteryRepository { return &masteryRepo{store: t.store, tx: t} }
func (t *tx) Rules() progression.RuleRepository      { return &ruleRepo{store: t.store, tx: t} }

func (t *tx) lock(ctx context.Context, kidID string) error {
	if _, ok := t.held[kidID]; ok {
		return nil
	}
	ch := t.store.kidLock(kidID)
	select {
	case ch <- struct{}{}:
		t.held[kidID] = ch
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *tx) release() {
	for id, ch := range t.held {
		<-ch
		delete(t.held, id)
	}
}

func (t *tx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range t.economies {
		s.economies[id] = st
	}
	for k, rec := range t.mastery {
		s.mastery[k] = rec
	}
	for k, r := range t.rules {
		s.rules[k] = r
	}
}

// Do runs fn in a transaction. Staged writes become visible only when fn
// returns nil.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx progression.Tx) error) error {
	t := &tx{
		store:     s,
		economies: make(map[string]*economy.State),
		mastery:   make(map[masteryKey]*progression.MasteryRecord),
		rules:     make(map[progression.RuleKey]progression.GameRule),
		held:      make(map[string]chan struct{}),
	}
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.commit()
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// ECONOMY
// ══════════════════════════════════════════════════════════════════════════════

type economyRepo struct {
	store *Store
	tx    *tx
}

func (r *economyRepo) lookup(kidID string) (*economy.State, bool) {
	if r.tx != nil {
		if st, ok := r.tx.economies[kidID]; ok {
			return st, true
		}
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	st, ok := r.store.economies[kidID]
	return st, ok
}

func (r *economyRepo) Create(ctx context.Context, state *economy.State) error {
	if r.tx == nil {
		r.store.mu.Lock()
		defer r.store.mu.Unlock()
		if _, ok := r.store.economies[state.KidID]; ok {
			return shared.ErrKidAlreadyExists
		}
		r.store.economies[state.KidID] = state.Clone()
		return nil
	}

	if err := r.tx.lock(ctx, state.KidID); err != nil {
		return err
	}
	if _, ok := r.lookup(state.KidID); ok {
		return shared.ErrKidAlreadyExists
	}
	r.tx.economies[state.KidID] = state.Clone()
	return nil
}

func (r *economyRepo) Get(_ context.Context, kidID string) (*economy.State, error) {
	st, ok := r.lookup(kidID)
	if !ok {
		return nil, shared.ErrKidNotFound
	}
	return st.Clone(), nil
}

func (r *economyRepo) GetForUpdate(ctx context.Context, kidID string) (*economy.State, error) {
	if r.tx != nil {
		if err := r.tx.lock(ctx, kidID); err != nil {
			return nil, err
		}
	}
	return r.Get(ctx, kidID)
}

func (r *economyRepo) Save(_ context.Context, state *economy.State) error {
	if _, ok := r.lookup(state.KidID); !ok {
		return shared.ErrKidNotFound
	}
	if r.tx != nil {
		r.tx.economies[state.KidID] = state.Clone()
		return nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.economies[state.KidID] = state.Clone()
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// MASTERY
// ══════════════════════════════════════════════════════════════════════════════

type masteryRepo struct {
	store *Store
	tx    *tx
}

func (r *masteryRepo) Get(_ context.Context, kidID, lessonID string) (*progression.MasteryRecord, bool, error) {
	key := masteryKey{kidID: kidID, lessonID: lessonID}
	if r.tx != nil {
		if rec, ok := r.tx.mastery[key]; ok {
			return rec.Clone(), true, nil
		}
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.mastery[key]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (r *masteryRepo) Save(_ context.Context, rec *progression.MasteryRecord) error {
	key := masteryKey{kidID: rec.KidID, lessonID: rec.LessonID}
	if r.tx != nil {
		r.tx.mastery[key] = rec.Clone()
		return nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.mastery[key] = rec.Clone()
	return nil
}

func (r *masteryRepo) list(kidID string, keep func(*progression.MasteryRecord) bool) []*progression.MasteryRecord {
	merged := make(map[string]*progression.MasteryRecord)

	r.store.mu.RLock()
	for k, rec := range r.store.mastery {
		if k.kidID == kidID {
			merged[k.lessonID] = rec
		}
	}
	r.store.mu.RUnlock()

	if r.tx != nil {
		for k, rec := range r.tx.mastery {
			if k.kidID == kidID {
				merged[k.lessonID] = rec
			}
		}
	}

	out := make([]*progression.MasteryRecord, 0, len(merged))
	for _, rec := range merged {
		if keep == nil || keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LessonID < out[j].LessonID })
	return out
}

func (r *masteryRepo) ListByKid(_ context.Context, kidID string) ([]*progression.MasteryRecord, error) {
	return r.list(kidID, nil), nil
}

func (r *masteryRepo) ListByLevel(_ context.Context, kidID, levelID string) ([]*progression.MasteryRecord, error) {
	return r.list(kidID, func(rec *progression.MasteryRecord) bool {
		return rec.LevelID == levelID
	}), nil
}

func (r *masteryRepo) SumStars(_ context.Context, kidID string, f progression.StarFilter) (int, error) {
	recs := r.list(kidID, func(rec *progression.MasteryRecord) bool {
		return (f.LevelID == "" || rec.LevelID == f.LevelID) &&
			(f.UnitID == "" || rec.UnitID == f.UnitID) &&
			(f.Type == "" || rec.Type == f.Type)
	})
	return progression.TotalStars(recs), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// RULES
// ══════════════════════════════════════════════════════════════════════════════

type ruleRepo struct {
	store *Store
	tx    *tx
}

func (r *ruleRepo) Find(_ context.Context, key progression.RuleKey) (*progression.GameRule, error) {
	if r.tx != nil {
		if rule, ok := r.tx.rules[key]; ok {
			return copyRule(rule), nil
		}
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rule, ok := r.store.rules[key]
	if !ok {
		return nil, shared.ErrRuleNotFound
	}
	return copyRule(rule), nil
}

func (r *ruleRepo) Upsert(_ context.Context, rules []progression.GameRule) error {
	if r.tx != nil {
		for _, rule := range rules {
			r.tx.rules[rule.Key()] = *copyRule(rule)
		}
		return nil
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, rule := range rules {
		r.store.rules[rule.Key()] = *copyRule(rule)
	}
	return nil
}

func (r *ruleRepo) List(_ context.Context) ([]progression.GameRule, error) {
	merged := make(map[progression.RuleKey]progression.GameRule)

	r.store.mu.RLock()
	for k, rule := range r.store.rules {
		merged[k] = rule
	}
	r.store.mu.RUnlock()

	if r.tx != nil {
		for k, rule := range r.tx.rules {
			merged[k] = rule
		}
	}

	out := make([]progression.GameRule, 0, len(merged))
	for _, rule := range merged {
		out = append(out, *copyRule(rule))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

func copyRule(rule progression.GameRule) *progression.GameRule {
	c := rule
	if rule.UnlockingRequirement != nil {
		c.UnlockingRequirement = progression.IntPtr(*rule.UnlockingRequirement)
	}
	return &c
}
