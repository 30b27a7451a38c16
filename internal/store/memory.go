package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// MemoryStore is an in-process RuleStore.
type MemoryStore struct {
	mu       sync.RWMutex
	rules    map[types.RuleID]*types.Rule
	versions map[types.RuleID][]Version
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rules:    make(map[types.RuleID]*types.Rule),
		versions: make(map[types.RuleID][]Version),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, rule *types.Rule) error {
	if rule.ID == "" {
		rule.ID = types.NewRuleID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", types.ErrRuleExists, rule.ID)
	}
	now := s.now()
	stamp(rule, now)
	s.rules[rule.ID] = rule.Clone()
	s.versions[rule.ID] = []Version{{Version: 1, Rule: rule.Clone(), RecordedAt: now}}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.RuleID) (*types.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, opts ListOptions) ([]*types.Rule, error) {
	s.mu.RLock()
	out := make([]*types.Rule, 0, len(s.rules))
	for _, r := range s.rules {
		if opts.match(r) {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Update(_ context.Context, rule *types.Rule, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.rules[rule.ID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrRuleNotFound, rule.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: %s at version %d, update based on %d",
			types.ErrVersionConflict, rule.ID, current.Version, expectedVersion)
	}

	now := s.now()
	rule.Version = expectedVersion + 1
	rule.CreatedAt = current.CreatedAt
	rule.UpdatedAt = now
	rule.TriggerCount = 0
	rule.LastTriggered = nil
	s.rules[rule.ID] = rule.Clone()
	s.versions[rule.ID] = append(s.versions[rule.ID], Version{Version: rule.Version, Rule: rule.Clone(), RecordedAt: now})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id types.RuleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: %s", types.ErrRuleNotFound, id)
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) History(_ context.Context, id types.RuleID) ([]Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.versions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrRuleNotFound, id)
	}
	out := make([]Version, len(versions))
	for i, v := range versions {
		out[i] = Version{Version: v.Version, Rule: v.Rule.Clone(), RecordedAt: v.RecordedAt}
	}
	return out, nil
}
