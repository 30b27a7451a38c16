package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-automation/cadenza/internal/store"
	"github.com/cadenza-automation/cadenza/internal/types"
)

func validRule(name string) *types.Rule {
	return &types.Rule{
		Name:    name,
		Enabled: true,
		Trigger: types.Trigger{Kind: types.TriggerWebhook, Platform: "slack", Event: "ping"},
		Actions: []types.Action{action(types.ActionSendNotification, "slack")},
	}
}

func TestManager_InvalidRuleNotPersisted(t *testing.T) {
	h := newHarness(t, Config{})
	bad := validRule("")
	bad.Actions = nil
	bad.Trigger.Platform = "myspace"

	_, err := h.manager.Create(context.Background(), bad)
	require.ErrorIs(t, err, types.ErrValidation)
	var verr *types.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.GreaterOrEqual(t, len(verr.Problems), 3)

	list, err := h.manager.List(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManager_UpdateVersioning(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	r, err := h.manager.Create(ctx, validRule("v1"))
	require.NoError(t, err)

	next := validRule("v2")
	updated, err := h.manager.Update(ctx, r.ID, next, r.Version)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, err = h.manager.Update(ctx, r.ID, validRule("stale"), r.Version)
	assert.ErrorIs(t, err, types.ErrVersionConflict)

	history, err := h.manager.History(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestManager_SetEnabledRefreshesIndex(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	r, err := h.manager.Create(ctx, validRule("toggle"))
	require.NoError(t, err)
	ev := types.Event{TriggerKind: types.TriggerWebhook, Platform: "slack", Name: "ping"}
	assert.Len(t, h.engine.Candidates(ev), 1)

	got, err := h.manager.SetEnabled(ctx, r.ID, false)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Empty(t, h.engine.Candidates(ev))

	got, err = h.manager.SetEnabled(ctx, r.ID, true)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, int64(3), got.Version)
	assert.Len(t, h.engine.Candidates(ev), 1)
}

func TestManager_DeleteStopsMatching(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	r, err := h.manager.Create(ctx, validRule("gone"))
	require.NoError(t, err)
	require.NoError(t, h.manager.Delete(ctx, r.ID))

	assert.Empty(t, h.engine.Candidates(types.Event{TriggerKind: types.TriggerWebhook, Platform: "slack", Name: "ping"}))
	_, err = h.manager.Get(ctx, r.ID)
	assert.ErrorIs(t, err, types.ErrRuleNotFound)
	assert.ErrorIs(t, h.manager.Delete(ctx, r.ID), types.ErrRuleNotFound)
}

func TestManager_ImportIsAllOrNothingOnValidation(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	bad := validRule("bad")
	bad.Conditions = []types.Condition{{Field: "a", Operator: "roughly", Value: types.Number(1)}}
	_, err := h.manager.Import(ctx, []*types.Rule{validRule("good"), bad})
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems[0].Field, "rules[1].")

	list, err := h.manager.List(ctx, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestManager_ImportUpserts(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	existing, err := h.manager.Create(ctx, validRule("existing"))
	require.NoError(t, err)

	replacement := validRule("replaced")
	replacement.ID = existing.ID
	res, err := h.manager.Import(ctx, []*types.Rule{replacement, validRule("fresh")})
	require.NoError(t, err)
	assert.Equal(t, []types.RuleID{existing.ID}, res.Updated)
	assert.Len(t, res.Created, 1)

	got, err := h.manager.Get(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "replaced", got.Name)
	assert.Equal(t, int64(2), got.Version)
}
