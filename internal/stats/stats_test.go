package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-automation/cadenza/internal/execlog"
	"github.com/cadenza-automation/cadenza/internal/types"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

var allStatuses = []types.ExecutionStatus{
	types.StatusSuccess, types.StatusPartial, types.StatusFailed, types.StatusSkipped,
}

func mkEntry(i int, rule types.RuleID, status types.ExecutionStatus, category string) types.ExecutionEntry {
	return types.ExecutionEntry{
		ID:              types.ExecutionID(fmt.Sprintf("e%04d", i)),
		RuleID:          rule,
		RuleName:        string(rule),
		Category:        category,
		EventID:         types.EventID(fmt.Sprintf("ev%d", i)),
		Status:          status,
		ExecutionTimeMs: int64(i % 7 * 10),
		APICalls:        i % 3,
		Timestamp:       t0.Add(time.Duration(i) * time.Second),
	}
}

func TestSuccessRate(t *testing.T) {
	tests := []struct {
		name string
		in   map[types.ExecutionStatus]int64
		want float64
	}{
		{"empty", map[types.ExecutionStatus]int64{}, 0},
		{"only skipped", map[types.ExecutionStatus]int64{types.StatusSkipped: 5}, 0},
		{"all success", map[types.ExecutionStatus]int64{types.StatusSuccess: 3}, 100},
		{"mixed", map[types.ExecutionStatus]int64{
			types.StatusSuccess: 2, types.StatusFailed: 1, types.StatusPartial: 1, types.StatusSkipped: 10,
		}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, SuccessRate(tt.in), 1e-9)
		})
	}
}

func TestRecorder_UpdatesAfterAppend(t *testing.T) {
	ctx := context.Background()
	agg := NewAggregator()
	rec := NewRecorder(execlog.NewMemoryLog(), agg)

	require.NoError(t, rec.Append(ctx, mkEntry(1, "r1", types.StatusSuccess, "productivity")))
	require.NoError(t, rec.Append(ctx, mkEntry(2, "r1", types.StatusFailed, "productivity")))
	require.NoError(t, rec.Append(ctx, mkEntry(3, "r2", types.StatusSkipped, "marketing")))
	require.Error(t, rec.Append(ctx, types.ExecutionEntry{}))

	snap := agg.Snapshot(nil)
	assert.Equal(t, int64(3), snap.TotalExecutions)
	assert.InDelta(t, 50.0, snap.SuccessRate, 1e-9)
	assert.Equal(t, []CategoryCount{{"productivity", 2}, {"marketing", 1}}, snap.TopCategories)
	require.NotNil(t, snap.LastExecutionAt)
	assert.True(t, snap.LastExecutionAt.Equal(t0.Add(3*time.Second)))

	act := agg.Activity("r1")
	assert.Equal(t, int64(2), act.TriggerCount)
	require.NotNil(t, act.LastTriggered)
	assert.True(t, act.LastTriggered.Equal(t0.Add(2*time.Second)))

	// Skipped entries do not count as firing.
	assert.Equal(t, Activity{}, agg.Activity("r2"))
}

func TestSnapshot_RuleCounts(t *testing.T) {
	rules := []*types.Rule{
		{ID: "a", Enabled: true, Category: types.CategorySystem},
		{ID: "b", Enabled: false, Category: types.CategorySystem},
		{ID: "c", Enabled: true, Category: types.CategoryCustom, CustomCategory: "ops"},
	}
	snap := NewAggregator().Snapshot(rules)
	assert.Equal(t, 3, snap.TotalRules)
	assert.Equal(t, 2, snap.ActiveRules)
	assert.Equal(t, map[string]int{"system": 2, "custom:ops": 1}, snap.RulesByCategory)
	assert.Zero(t, snap.AverageExecutionTimeMs)
	assert.Nil(t, snap.LastExecutionAt)
}

func TestDecorate(t *testing.T) {
	agg := NewAggregator()
	agg.Observe(mkEntry(1, "r1", types.StatusPartial, "system"))
	r := &types.Rule{ID: "r1"}
	other := &types.Rule{ID: "r9", TriggerCount: 5}
	agg.Decorate(r, other)
	assert.Equal(t, int64(1), r.TriggerCount)
	assert.NotNil(t, r.LastTriggered)
	assert.Zero(t, other.TriggerCount)
}

// Eager counting and a full recompute from the log must agree, and the
// success rate must equal the formula over the log for any history.
func TestAggregator_EagerMatchesRecompute(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("eager equals recompute", prop.ForAll(
		func(codes []int) bool {
			ctx := context.Background()
			log := execlog.NewMemoryLog()
			eager := NewAggregator()
			rec := NewRecorder(log, eager)

			counts := map[types.ExecutionStatus]int64{}
			for i, c := range codes {
				st := allStatuses[c%len(allStatuses)]
				rule := types.RuleID(fmt.Sprintf("r%d", c%3))
				cat := []string{"system", "marketing"}[c%2]
				if err := rec.Append(ctx, mkEntry(i, rule, st, cat)); err != nil {
					return false
				}
				counts[st]++
			}

			lazy := NewAggregator()
			if err := lazy.Recompute(ctx, log); err != nil {
				return false
			}
			a, b := eager.Snapshot(nil), lazy.Snapshot(nil)

			var sum int64
			for _, n := range a.ByStatus {
				sum += n
			}
			want := SuccessRate(counts)
			return a.TotalExecutions == int64(len(codes)) &&
				sum == a.TotalExecutions &&
				a.TotalExecutions == b.TotalExecutions &&
				a.APICallsMade == b.APICallsMade &&
				a.SuccessRate == want && b.SuccessRate == want &&
				a.AverageExecutionTimeMs == b.AverageExecutionTimeMs &&
				eager.Activity("r1").TriggerCount == lazy.Activity("r1").TriggerCount
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
