package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cadenza-automation/cadenza/internal/store"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// RuleValidator checks a definition before it is persisted.
type RuleValidator interface {
	Validate(rule *types.Rule) error
}

// Refresher rebuilds whatever depends on the enabled rule set.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// ActivitySource fills derived per-rule activity on read.
type ActivitySource interface {
	Decorate(rules ...*types.Rule)
}

// ImportResult summarizes an Import.
type ImportResult struct {
	Created []types.RuleID `json:"created"`
	Updated []types.RuleID `json:"updated"`
}

// Manager is the write path for rules: validation, per-rule serialization,
// persistence and engine refresh.
type Manager struct {
	store     store.RuleStore
	validator RuleValidator
	refresher Refresher
	activity  ActivitySource
	locks     store.KeyedMutex
	logger    zerolog.Logger
}

// NewManager wires a Manager. refresher and activity may be nil.
func NewManager(st store.RuleStore, v RuleValidator, refresher Refresher, activity ActivitySource, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     st,
		validator: v,
		refresher: refresher,
		activity:  activity,
		logger:    logger.With().Str("component", "rule-manager").Logger(),
	}
}

// Create validates and persists a new rule.
func (m *Manager) Create(ctx context.Context, rule *types.Rule) (*types.Rule, error) {
	if err := m.validator.Validate(rule); err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = types.NewRuleID()
	}
	unlock := m.locks.Lock(string(rule.ID))
	err := m.store.Create(ctx, rule)
	unlock()
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("rule_id", string(rule.ID)).Str("name", rule.Name).Msg("rule created")
	m.refresh(ctx)
	return m.decorate(rule.Clone()), nil
}

// Get returns a rule with its derived activity.
func (m *Manager) Get(ctx context.Context, id types.RuleID) (*types.Rule, error) {
	r, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.decorate(r), nil
}

// List returns matching rules with their derived activity.
func (m *Manager) List(ctx context.Context, opts store.ListOptions) ([]*types.Rule, error) {
	list, err := m.store.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	if m.activity != nil {
		m.activity.Decorate(list...)
	}
	return list, nil
}

// Update replaces the definition of id if expectedVersion is current.
func (m *Manager) Update(ctx context.Context, id types.RuleID, rule *types.Rule, expectedVersion int64) (*types.Rule, error) {
	rule.ID = id
	if err := m.validator.Validate(rule); err != nil {
		return nil, err
	}
	unlock := m.locks.Lock(string(id))
	err := m.store.Update(ctx, rule, expectedVersion)
	unlock()
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("rule_id", string(id)).Int64("version", rule.Version).Msg("rule updated")
	m.refresh(ctx)
	return m.decorate(rule.Clone()), nil
}

// SetEnabled toggles eligibility. History is untouched; in-flight executions
// of the rule finish against their snapshot.
func (m *Manager) SetEnabled(ctx context.Context, id types.RuleID, enabled bool) (*types.Rule, error) {
	unlock := m.locks.Lock(string(id))
	r, err := m.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	if r.Enabled == enabled {
		unlock()
		return m.decorate(r), nil
	}
	r.Enabled = enabled
	if enabled {
		// Platforms may have changed since the rule was last validated.
		if err := m.validator.Validate(r); err != nil {
			unlock()
			return nil, err
		}
	}
	err = m.store.Update(ctx, r, r.Version)
	unlock()
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("rule_id", string(id)).Bool("enabled", enabled).Msg("rule toggled")
	m.refresh(ctx)
	return m.decorate(r), nil
}

// Delete removes a rule. Its execution history and versions remain.
func (m *Manager) Delete(ctx context.Context, id types.RuleID) error {
	unlock := m.locks.Lock(string(id))
	err := m.store.Delete(ctx, id)
	unlock()
	if err != nil {
		return err
	}
	m.logger.Info().Str("rule_id", string(id)).Msg("rule deleted")
	m.refresh(ctx)
	return nil
}

// History returns every persisted version of a rule.
func (m *Manager) History(ctx context.Context, id types.RuleID) ([]store.Version, error) {
	return m.store.History(ctx, id)
}

// Import validates every rule first and persists nothing if any is
// invalid. Rules with an id that already exists replace the current
// version; the rest are created.
func (m *Manager) Import(ctx context.Context, rules []*types.Rule) (ImportResult, error) {
	var res ImportResult
	problems := &types.ValidationError{}
	for i, r := range rules {
		err := m.validator.Validate(r)
		if err == nil {
			continue
		}
		var verr *types.ValidationError
		if !errors.As(err, &verr) {
			return res, err
		}
		for _, p := range verr.Problems {
			problems.Add(fmt.Sprintf("rules[%d].%s", i, p.Field), p.Message)
		}
	}
	if err := problems.OrNil(); err != nil {
		return res, err
	}

	for _, r := range rules {
		created, err := m.upsert(ctx, r)
		if err != nil {
			m.refresh(ctx)
			return res, fmt.Errorf("import %q: %w", r.Name, err)
		}
		if created {
			res.Created = append(res.Created, r.ID)
		} else {
			res.Updated = append(res.Updated, r.ID)
		}
	}
	m.logger.Info().Int("created", len(res.Created)).Int("updated", len(res.Updated)).Msg("rules imported")
	m.refresh(ctx)
	return res, nil
}

func (m *Manager) upsert(ctx context.Context, r *types.Rule) (bool, error) {
	if r.ID == "" {
		r.ID = types.NewRuleID()
	}
	unlock := m.locks.Lock(string(r.ID))
	defer unlock()

	current, err := m.store.Get(ctx, r.ID)
	switch {
	case errors.Is(err, types.ErrRuleNotFound):
		return true, m.store.Create(ctx, r)
	case err != nil:
		return false, err
	}
	return false, m.store.Update(ctx, r, current.Version)
}

func (m *Manager) refresh(ctx context.Context) {
	if m.refresher == nil {
		return
	}
	if err := m.refresher.Refresh(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("refresh after rule change reported problems")
	}
}

func (m *Manager) decorate(r *types.Rule) *types.Rule {
	if m.activity != nil {
		m.activity.Decorate(r)
	}
	return r
}
