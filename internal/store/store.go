// Package store persists rule definitions.
//
// Two backends implement RuleStore: MemoryStore for tests and single-process
// deployments, SQLStore for SQLite/PostgreSQL. Both keep every persisted
// version of a rule and enforce optimistic concurrency on update.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// ListOptions filters List results. Zero value lists everything.
type ListOptions struct {
	Enabled  *bool
	Category types.Category
}

func (o ListOptions) match(r *types.Rule) bool {
	if o.Enabled != nil && r.Enabled != *o.Enabled {
		return false
	}
	if o.Category != "" && r.Category != o.Category {
		return false
	}
	return true
}

// Version is one persisted revision of a rule.
type Version struct {
	Version    int64       `json:"version"`
	Rule       *types.Rule `json:"rule"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// RuleStore is the durable source of truth for rule definitions.
type RuleStore interface {
	// Create persists a new rule as version 1.
	Create(ctx context.Context, rule *types.Rule) error
	// Get returns a copy of the rule.
	Get(ctx context.Context, id types.RuleID) (*types.Rule, error)
	// List returns copies of matching rules ordered by creation time.
	List(ctx context.Context, opts ListOptions) ([]*types.Rule, error)
	// Update replaces the rule if its stored version equals expectedVersion,
	// then bumps rule.Version.
	Update(ctx context.Context, rule *types.Rule, expectedVersion int64) error
	// Delete removes the rule. Its version history is retained.
	Delete(ctx context.Context, id types.RuleID) error
	// History returns every persisted version, oldest first.
	History(ctx context.Context, id types.RuleID) ([]Version, error)
}

// stamp prepares a rule for its first write.
func stamp(rule *types.Rule, now time.Time) {
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now
	rule.Version = 1
	rule.TriggerCount = 0
	rule.LastTriggered = nil
}

// KeyedMutex serializes writers per key without a global write lock.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its unlock func.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
