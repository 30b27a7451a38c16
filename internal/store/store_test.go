package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-automation/cadenza/internal/core/db"
	"github.com/cadenza-automation/cadenza/internal/types"
)

func sampleRule(name string) *types.Rule {
	return &types.Rule{
		Name:     name,
		Enabled:  true,
		Priority: types.PriorityMedium,
		Category: types.CategoryProductivity,
		Trigger: types.Trigger{
			Kind:     types.TriggerWebhook,
			Platform: "github",
			Event:    "push",
		},
		Conditions: []types.Condition{
			{Field: "branch", Operator: types.OpEquals, Value: types.String("main")},
		},
		Actions: []types.Action{
			{Type: types.ActionSendNotification, Platform: "slack", Operation: "post",
				Parameters: types.Params{"channel": types.String("#deploys")}},
		},
	}
}

func sqliteStore(t *testing.T) RuleStore {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.MigrateUp(ctx, conn))
	q, err := db.LoadQueries(conn)
	require.NoError(t, err)
	return NewSQLStore(q)
}

// runContract exercises the behavior every RuleStore must share.
func runContract(t *testing.T, newStore func(t *testing.T) RuleStore) {
	ctx := context.Background()

	t.Run("create assigns id and version 1", func(t *testing.T) {
		s := newStore(t)
		r := sampleRule("deploy alert")
		require.NoError(t, s.Create(ctx, r))
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, int64(1), r.Version)
		assert.False(t, r.CreatedAt.IsZero())

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.Name, got.Name)
		assert.Equal(t, types.String("main"), got.Conditions[0].Value)
		assert.Equal(t, "#deploys", got.Actions[0].Parameters.Get("channel"))
	})

	t.Run("create duplicate id", func(t *testing.T) {
		s := newStore(t)
		r := sampleRule("a")
		require.NoError(t, s.Create(ctx, r))
		dup := sampleRule("b")
		dup.ID = r.ID
		assert.ErrorIs(t, s.Create(ctx, dup), types.ErrRuleExists)
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nope")
		assert.ErrorIs(t, err, types.ErrRuleNotFound)
	})

	t.Run("returned rules are copies", func(t *testing.T) {
		s := newStore(t)
		r := sampleRule("a")
		require.NoError(t, s.Create(ctx, r))
		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		got.Conditions[0].Value = types.String("mutated")

		again, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, types.String("main"), again.Conditions[0].Value)
	})

	t.Run("list filters by enabled and category", func(t *testing.T) {
		s := newStore(t)
		on := sampleRule("on")
		off := sampleRule("off")
		off.Enabled = false
		mkt := sampleRule("marketing")
		mkt.Category = types.CategoryMarketing
		for _, r := range []*types.Rule{on, off, mkt} {
			require.NoError(t, s.Create(ctx, r))
		}

		all, err := s.List(ctx, ListOptions{})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		enabled := true
		got, err := s.List(ctx, ListOptions{Enabled: &enabled})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.List(ctx, ListOptions{Category: types.CategoryMarketing})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "marketing", got[0].Name)
	})

	t.Run("update bumps version and records history", func(t *testing.T) {
		s := newStore(t)
		r := sampleRule("a")
		require.NoError(t, s.Create(ctx, r))

		r.Name = "renamed"
		require.NoError(t, s.Update(ctx, r, 1))
		assert.Equal(t, int64(2), r.Version)

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.Equal(t, int64(2), got.Version)

		history, err := s.History(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, "a", history[0].Rule.Name)
		assert.Equal(t, "renamed", history[1].Rule.Name)
	})

	t.Run("stale update conflicts", func(t *testing.T) {
		s := newStore(t)
		r := sampleRule("a")
		require.NoError(t, s.Create(ctx, r))
		require.NoError(t, s.Update(ctx, r, 1))

		stale := sampleRule("stale")
		stale.ID = r.ID
		assert.ErrorIs(t, s.Update(ctx, stale, 1), types.ErrVersionConflict)
	})

	t.Run("update missing", func(t *testing.T) {
		s := newStore(t)
		r := sampleRule("ghost")
		r.ID = "ghost"
		assert.ErrorIs(t, s.Update(ctx, r, 1), types.ErrRuleNotFound)
	})

	t.Run("delete keeps history", func(t *testing.T) {
		s := newStore(t)
		r := sampleRule("a")
		require.NoError(t, s.Create(ctx, r))
		require.NoError(t, s.Delete(ctx, r.ID))

		_, err := s.Get(ctx, r.ID)
		assert.ErrorIs(t, err, types.ErrRuleNotFound)
		assert.ErrorIs(t, s.Delete(ctx, r.ID), types.ErrRuleNotFound)

		history, err := s.History(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("activity is not persisted", func(t *testing.T) {
		s := newStore(t)
		r := sampleRule("a")
		r.TriggerCount = 42
		require.NoError(t, s.Create(ctx, r))
		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Zero(t, got.TriggerCount)
		assert.Nil(t, got.LastTriggered)
	})
}

func TestMemoryStore(t *testing.T) {
	runContract(t, func(*testing.T) RuleStore { return NewMemoryStore() })
}

func TestSQLStore_SQLite(t *testing.T) {
	runContract(t, sqliteStore)
}

func TestMemoryStore_ConcurrentUpdatesOneWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r := sampleRule("a")
	require.NoError(t, s.Create(ctx, r))

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			next := r.Clone()
			results <- s.Update(ctx, next, 1)
		}()
	}
	wg.Wait()
	close(results)

	var ok, conflicts int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, types.ErrVersionConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, conflicts)
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	var km KeyedMutex
	var mu sync.Mutex
	inside := map[string]int{}
	maxSeen := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		key := []string{"a", "b"}[i%2]
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			mu.Lock()
			inside[key]++
			if inside[key] > maxSeen {
				maxSeen = inside[key]
			}
			mu.Unlock()

			mu.Lock()
			inside[key]--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, km.locks)
}
