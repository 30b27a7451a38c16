// Package stats derives aggregate counters from the execution log.
//
// The Aggregator is fed eagerly through Recorder on every append and can be
// rebuilt from scratch with Recompute. Per-rule activity (trigger count and
// last trigger time) lives here rather than on stored rules.
package stats

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cadenza-automation/cadenza/internal/execlog"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// CategoryCount is one row of TopCategories.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// Snapshot is the aggregate view served to dashboards.
type Snapshot struct {
	TotalExecutions        int64                           `json:"total_executions"`
	ByStatus               map[types.ExecutionStatus]int64 `json:"by_status"`
	SuccessRate            float64                         `json:"success_rate"`
	AverageExecutionTimeMs float64                         `json:"average_execution_time_ms"`
	APICallsMade           int64                           `json:"api_calls_made"`
	TopCategories          []CategoryCount                 `json:"top_categories"`
	TotalRules             int                             `json:"total_rules"`
	ActiveRules            int                             `json:"active_rules"`
	RulesByCategory        map[string]int                  `json:"rules_by_category"`
	LastExecutionAt        *time.Time                      `json:"last_execution_at,omitempty"`
}

// Activity is the per-rule view derived from the log.
type Activity struct {
	TriggerCount  int64
	LastTriggered *time.Time
}

type counters struct {
	total      int64
	byStatus   map[types.ExecutionStatus]int64
	totalMs    int64
	apiCalls   int64
	categories map[string]int64
	last       time.Time
	rules      map[types.RuleID]*Activity
}

func newCounters() counters {
	return counters{
		byStatus:   make(map[types.ExecutionStatus]int64),
		categories: make(map[string]int64),
		rules:      make(map[types.RuleID]*Activity),
	}
}

func (c *counters) observe(e types.ExecutionEntry) {
	c.total++
	c.byStatus[e.Status]++
	c.totalMs += e.ExecutionTimeMs
	c.apiCalls += int64(e.APICalls)
	c.categories[e.Category]++
	if e.Timestamp.After(c.last) {
		c.last = e.Timestamp
	}

	// A skipped entry means the rule did not fire.
	if e.Status == types.StatusSkipped {
		return
	}
	a, ok := c.rules[e.RuleID]
	if !ok {
		a = &Activity{}
		c.rules[e.RuleID] = a
	}
	a.TriggerCount++
	if a.LastTriggered == nil || e.Timestamp.After(*a.LastTriggered) {
		ts := e.Timestamp
		a.LastTriggered = &ts
	}
}

// Aggregator holds running counters. Safe for concurrent use.
type Aggregator struct {
	mu sync.RWMutex
	c  counters
}

func NewAggregator() *Aggregator {
	return &Aggregator{c: newCounters()}
}

// Observe folds one appended entry into the counters.
func (a *Aggregator) Observe(e types.ExecutionEntry) {
	a.mu.Lock()
	a.c.observe(e)
	a.mu.Unlock()
}

// Recompute rebuilds every counter from the log. Entries appended through
// a Recorder while the scan runs may be counted twice; run it before the
// engine starts.
func (a *Aggregator) Recompute(ctx context.Context, log execlog.Log) error {
	fresh := newCounters()
	if err := log.Scan(ctx, func(e types.ExecutionEntry) error {
		fresh.observe(e)
		return nil
	}); err != nil {
		return err
	}
	a.mu.Lock()
	a.c = fresh
	a.mu.Unlock()
	return nil
}

// Activity returns the trigger count and last trigger time of a rule.
func (a *Aggregator) Activity(id types.RuleID) Activity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	act, ok := a.c.rules[id]
	if !ok {
		return Activity{}
	}
	out := Activity{TriggerCount: act.TriggerCount}
	if act.LastTriggered != nil {
		ts := *act.LastTriggered
		out.LastTriggered = &ts
	}
	return out
}

// Decorate fills the derived activity fields of rules in place.
func (a *Aggregator) Decorate(rules ...*types.Rule) {
	for _, r := range rules {
		act := a.Activity(r.ID)
		r.TriggerCount = act.TriggerCount
		r.LastTriggered = act.LastTriggered
	}
}

// Snapshot combines log counters with the current rule set.
func (a *Aggregator) Snapshot(rules []*types.Rule) Snapshot {
	a.mu.RLock()
	s := Snapshot{
		TotalExecutions: a.c.total,
		ByStatus:        make(map[types.ExecutionStatus]int64, 4),
		APICallsMade:    a.c.apiCalls,
		TopCategories:   make([]CategoryCount, 0, len(a.c.categories)),
		RulesByCategory: make(map[string]int),
	}
	for _, st := range []types.ExecutionStatus{types.StatusSuccess, types.StatusPartial, types.StatusFailed, types.StatusSkipped} {
		s.ByStatus[st] = a.c.byStatus[st]
	}
	for cat, n := range a.c.categories {
		s.TopCategories = append(s.TopCategories, CategoryCount{Category: cat, Count: n})
	}
	if a.c.total > 0 {
		s.AverageExecutionTimeMs = float64(a.c.totalMs) / float64(a.c.total)
		last := a.c.last
		s.LastExecutionAt = &last
	}
	a.mu.RUnlock()

	s.SuccessRate = SuccessRate(s.ByStatus)
	sort.Slice(s.TopCategories, func(i, j int) bool {
		if s.TopCategories[i].Count != s.TopCategories[j].Count {
			return s.TopCategories[i].Count > s.TopCategories[j].Count
		}
		return s.TopCategories[i].Category < s.TopCategories[j].Category
	})

	s.TotalRules = len(rules)
	for _, r := range rules {
		if r.Enabled {
			s.ActiveRules++
		}
		s.RulesByCategory[r.CategoryLabel()]++
	}
	return s
}

// SuccessRate is success / (success + failed + partial) as a percentage,
// or 0 when no entry reached the executing state.
func SuccessRate(byStatus map[types.ExecutionStatus]int64) float64 {
	ok := byStatus[types.StatusSuccess]
	denom := ok + byStatus[types.StatusFailed] + byStatus[types.StatusPartial]
	if denom == 0 {
		return 0
	}
	return float64(ok) / float64(denom) * 100
}

// Recorder is an execlog.Log that updates an Aggregator after each
// successful append.
type Recorder struct {
	execlog.Log
	agg *Aggregator
}

func NewRecorder(log execlog.Log, agg *Aggregator) *Recorder {
	return &Recorder{Log: log, agg: agg}
}

func (r *Recorder) Append(ctx context.Context, e types.ExecutionEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := r.Log.Append(ctx, e); err != nil {
		return err
	}
	r.agg.Observe(e)
	return nil
}
