package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-automation/cadenza/internal/core/db"
	"github.com/cadenza-automation/cadenza/internal/core/telemetry"
	"github.com/cadenza-automation/cadenza/internal/dispatch"
	"github.com/cadenza-automation/cadenza/internal/execlog"
	"github.com/cadenza-automation/cadenza/internal/listener"
	"github.com/cadenza-automation/cadenza/internal/platform"
	"github.com/cadenza-automation/cadenza/internal/rules"
	"github.com/cadenza-automation/cadenza/internal/stats"
	"github.com/cadenza-automation/cadenza/internal/store"
	"github.com/cadenza-automation/cadenza/internal/types"
)

type harness struct {
	engine   *Engine
	manager  *Manager
	registry *platform.Registry
	disp     *dispatch.Dispatcher
	log      *execlog.MemoryLog
	agg      *stats.Aggregator
	store    *store.MemoryStore
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := zerolog.Nop()
	reg := platform.NewRegistry(logger)
	for _, id := range []types.PlatformID{"system", "gmail", "twitter", "slack"} {
		require.NoError(t, reg.Register(types.Platform{ID: id, Connected: true}))
	}

	dcfg := dispatch.DefaultConfig()
	dcfg.InitialBackoff = time.Millisecond
	dcfg.MaxBackoff = 5 * time.Millisecond
	dcfg.ActionTimeout = 2 * time.Second
	disp := dispatch.New(dcfg, dispatch.NewTable(), reg, telemetry.Noop(), logger)

	mem := execlog.NewMemoryLog()
	agg := stats.NewAggregator()
	st := store.NewMemoryStore()
	eng := New(cfg, Deps{
		Store:    st,
		Executor: disp,
		Log:      stats.NewRecorder(mem, agg),
		Logger:   logger,
	})
	mgr := NewManager(st, rules.NewValidator(reg, listener.ValidateTrigger), eng, agg, logger)
	eng.Start()
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })

	return &harness{engine: eng, manager: mgr, registry: reg, disp: disp, log: mem, agg: agg, store: st}
}

func (h *harness) entries(t *testing.T) []types.ExecutionEntry {
	t.Helper()
	page, err := h.log.Query(context.Background(), execlog.Filter{Limit: execlog.MaxLimit})
	require.NoError(t, err)
	return page.Entries
}

func (h *harness) waitEntries(t *testing.T, n int) []types.ExecutionEntry {
	t.Helper()
	require.Eventually(t, func() bool { return h.log.Len() >= n }, 3*time.Second, 5*time.Millisecond)
	return h.entries(t)
}

func okHandler(calls *atomic.Int32) dispatch.HandlerFunc {
	return func(context.Context, dispatch.Request) (dispatch.Response, error) {
		if calls != nil {
			calls.Add(1)
		}
		return dispatch.Response{Detail: "ok"}, nil
	}
}

func action(t types.ActionType, pl types.PlatformID) types.Action {
	return types.Action{Type: t, Platform: pl, Operation: "do"}
}

func scheduleEvent(name string) types.Event {
	return types.Event{TriggerKind: types.TriggerSchedule, Platform: "system", Name: name, OccurredAt: time.Now().UTC()}
}

func TestEngine_ScheduledRuleAllActionsSucceed(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.disp.Register("system", types.ActionGenerateReport, okHandler(nil)))
	require.NoError(t, h.disp.Register("gmail", types.ActionSendEmail, okHandler(nil)))

	_, err := h.manager.Create(context.Background(), &types.Rule{
		Name:     "morning report",
		Enabled:  true,
		Category: types.CategoryProductivity,
		Trigger:  types.Trigger{Kind: types.TriggerSchedule, Platform: "system", Event: "daily_9am"},
		Actions:  []types.Action{action(types.ActionGenerateReport, "system"), action(types.ActionSendEmail, "gmail")},
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Submit(context.Background(), scheduleEvent("daily_9am")))
	entries := h.waitEntries(t, 1)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, types.StatusSuccess, e.Status)
	require.Len(t, e.ExecutedActions, 2)
	assert.Equal(t, types.ActionGenerateReport, e.ExecutedActions[0].Type)
	assert.Equal(t, types.ActionSendEmail, e.ExecutedActions[1].Type)
	assert.Nil(t, e.ErrorMessage)
	assert.Equal(t, 2, e.APICalls)
	assert.Equal(t, "morning report", e.RuleName)
}

func TestEngine_ConditionMismatchWritesNothing(t *testing.T) {
	h := newHarness(t, Config{})
	var calls atomic.Int32
	require.NoError(t, h.disp.Register("twitter", types.ActionSendNotification, okHandler(&calls)))

	_, err := h.manager.Create(context.Background(), &types.Rule{
		Name:    "negative mention",
		Enabled: true,
		Trigger: types.Trigger{Kind: types.TriggerSocialMediaMention, Platform: "twitter", Event: "mention"},
		Conditions: []types.Condition{
			{Field: "sentiment", Operator: types.OpEquals, Value: types.String("negative")},
		},
		Actions: []types.Action{action(types.ActionSendNotification, "twitter")},
	})
	require.NoError(t, err)

	ev := types.Event{TriggerKind: types.TriggerSocialMediaMention, Platform: "twitter", Name: "mention",
		Fields: map[string]any{"sentiment": "positive"}}
	require.NoError(t, h.engine.Submit(context.Background(), ev))
	require.NoError(t, h.engine.Stop(context.Background()))

	assert.Zero(t, h.log.Len())
	assert.Zero(t, calls.Load())
}

func TestEngine_RecordSkipped(t *testing.T) {
	h := newHarness(t, Config{RecordSkipped: true})
	require.NoError(t, h.disp.Register("twitter", types.ActionSendNotification, okHandler(nil)))
	_, err := h.manager.Create(context.Background(), &types.Rule{
		Name:       "negative mention",
		Enabled:    true,
		Trigger:    types.Trigger{Kind: types.TriggerSocialMediaMention, Platform: "twitter", Event: "mention"},
		Conditions: []types.Condition{{Field: "sentiment", Operator: types.OpEquals, Value: types.String("negative")}},
		Actions:    []types.Action{action(types.ActionSendNotification, "twitter")},
	})
	require.NoError(t, err)

	ev := types.Event{TriggerKind: types.TriggerSocialMediaMention, Platform: "twitter", Name: "mention",
		Fields: map[string]any{"sentiment": "positive"}}
	require.NoError(t, h.engine.Submit(context.Background(), ev))
	entries := h.waitEntries(t, 1)
	assert.Equal(t, types.StatusSkipped, entries[0].Status)
	assert.Empty(t, entries[0].ExecutedActions)
}

func TestEngine_FirstActionFailsPermanently(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.disp.Register("slack", types.ActionSendNotification, okHandler(nil)))
	// No send_email capability for gmail: permanent failure.

	_, err := h.manager.Create(context.Background(), &types.Rule{
		Name:    "partial",
		Enabled: true,
		Trigger: types.Trigger{Kind: types.TriggerWebhook, Platform: "slack", Event: "ping"},
		Actions: []types.Action{action(types.ActionSendEmail, "gmail"), action(types.ActionSendNotification, "slack")},
	})
	require.NoError(t, err)

	require.NoError(t, h.engine.Submit(context.Background(),
		types.Event{TriggerKind: types.TriggerWebhook, Platform: "slack", Name: "ping"}))
	entries := h.waitEntries(t, 1)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, types.StatusPartial, e.Status)
	require.NotNil(t, e.ErrorMessage)
	assert.Contains(t, *e.ErrorMessage, "send_email")
	require.Len(t, e.ExecutedActions, 1)
	assert.Equal(t, types.ActionSendNotification, e.ExecutedActions[0].Type)
}

func TestEngine_DisableDuringExecution(t *testing.T) {
	h := newHarness(t, Config{})
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, h.disp.Register("slack", types.ActionSendNotification, dispatch.HandlerFunc(
		func(ctx context.Context, _ dispatch.Request) (dispatch.Response, error) {
			entered <- struct{}{}
			select {
			case <-release:
				return dispatch.Response{}, nil
			case <-ctx.Done():
				return dispatch.Response{}, ctx.Err()
			}
		})))

	r, err := h.manager.Create(context.Background(), &types.Rule{
		Name:    "slow",
		Enabled: true,
		Trigger: types.Trigger{Kind: types.TriggerUserAction, Platform: "slack", Event: "click"},
		Actions: []types.Action{action(types.ActionSendNotification, "slack")},
	})
	require.NoError(t, err)

	ev := types.Event{TriggerKind: types.TriggerUserAction, Platform: "slack", Name: "click"}
	require.NoError(t, h.engine.Submit(context.Background(), ev))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not start")
	}

	_, err = h.manager.SetEnabled(context.Background(), r.ID, false)
	require.NoError(t, err)
	close(release)

	entries := h.waitEntries(t, 1)
	assert.Equal(t, types.StatusSuccess, entries[0].Status)

	ev2 := ev
	ev2.Fields = map[string]any{"n": 2}
	require.NoError(t, h.engine.Submit(context.Background(), ev2))
	require.NoError(t, h.engine.Stop(context.Background()))
	assert.Equal(t, 1, h.log.Len())
	assert.Empty(t, h.engine.Candidates(ev2))
}

func TestEngine_DuplicateEventExecutesOnce(t *testing.T) {
	h := newHarness(t, Config{})
	var calls atomic.Int32
	require.NoError(t, h.disp.Register("system", types.ActionGenerateReport, okHandler(&calls)))
	_, err := h.manager.Create(context.Background(), &types.Rule{
		Name:    "report",
		Enabled: true,
		Trigger: types.Trigger{Kind: types.TriggerWebhook, Platform: "system", Event: "ping"},
		Actions: []types.Action{action(types.ActionGenerateReport, "system")},
	})
	require.NoError(t, err)

	withID := types.Event{ID: "delivery-1", TriggerKind: types.TriggerWebhook, Platform: "system", Name: "ping"}
	derived := types.Event{TriggerKind: types.TriggerWebhook, Platform: "system", Name: "ping",
		Fields: map[string]any{"a": 1}, OccurredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	for i := 0; i < 3; i++ {
		require.NoError(t, h.engine.Submit(context.Background(), withID))
		require.NoError(t, h.engine.Submit(context.Background(), derived))
	}
	require.NoError(t, h.engine.Stop(context.Background()))

	assert.Equal(t, 2, h.log.Len())
	assert.Equal(t, int32(2), calls.Load())
}

func TestEngine_DisconnectedActionPlatformFails(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.disp.Register("gmail", types.ActionSendEmail, okHandler(nil)))
	_, err := h.manager.Create(context.Background(), &types.Rule{
		Name:    "mail",
		Enabled: true,
		Trigger: types.Trigger{Kind: types.TriggerWebhook, Platform: "system", Event: "ping"},
		Actions: []types.Action{action(types.ActionSendEmail, "gmail")},
	})
	require.NoError(t, err)
	require.NoError(t, h.registry.Disconnect("gmail"))

	require.NoError(t, h.engine.Submit(context.Background(),
		types.Event{TriggerKind: types.TriggerWebhook, Platform: "system", Name: "ping"}))
	entries := h.waitEntries(t, 1)
	assert.Equal(t, types.StatusFailed, entries[0].Status)
	assert.Equal(t, 0, entries[0].APICalls)
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, *rules.CompiledRule, types.Event) dispatch.Result {
	panic("boom")
}

type failingDeduper struct{}

func (failingDeduper) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (failingDeduper) Release(context.Context, string) error { return nil }

func TestEngine_FaultsBecomeFailedEntries(t *testing.T) {
	tests := []struct {
		name    string
		deps    func(d *Deps)
		wantMsg string
	}{
		{"panic in execution", func(d *Deps) { d.Executor = panickingExecutor{} }, "panic: boom"},
		{"idempotency store down", func(d *Deps) { d.Deduper = failingDeduper{} }, "connection refused"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			mem := execlog.NewMemoryLog()
			deps := Deps{Store: st, Executor: panickingExecutor{}, Log: mem, Logger: zerolog.Nop()}
			tt.deps(&deps)

			require.NoError(t, st.Create(context.Background(), &types.Rule{
				Name:    "r",
				Enabled: true,
				Trigger: types.Trigger{Kind: types.TriggerWebhook, Platform: "system", Event: "ping"},
				Actions: []types.Action{action(types.ActionGenerateReport, "system")},
			}))
			eng := New(Config{}, deps)
			require.NoError(t, eng.Refresh(context.Background()))
			eng.Start()
			require.NoError(t, eng.Submit(context.Background(),
				types.Event{TriggerKind: types.TriggerWebhook, Platform: "system", Name: "ping"}))
			require.NoError(t, eng.Stop(context.Background()))

			page, err := mem.Query(context.Background(), execlog.Filter{})
			require.NoError(t, err)
			require.Len(t, page.Entries, 1)
			e := page.Entries[0]
			assert.Equal(t, types.StatusFailed, e.Status)
			require.NotNil(t, e.ErrorMessage)
			assert.Contains(t, *e.ErrorMessage, tt.wantMsg)
			assert.Contains(t, *e.ErrorMessage, types.ErrEngineFault.Error())
		})
	}
}

func TestEngine_SubmitAfterStop(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.engine.Stop(context.Background()))
	err := h.engine.Submit(context.Background(), scheduleEvent("x"))
	assert.ErrorIs(t, err, types.ErrEngineStopped)
}

func TestEngine_ActivityDerivedFromLog(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.disp.Register("system", types.ActionGenerateReport, okHandler(nil)))
	r, err := h.manager.Create(context.Background(), &types.Rule{
		Name:    "report",
		Enabled: true,
		Trigger: types.Trigger{Kind: types.TriggerSchedule, Platform: "system", Event: "tick"},
		Actions: []types.Action{action(types.ActionGenerateReport, "system")},
	})
	require.NoError(t, err)
	assert.Zero(t, r.TriggerCount)

	for i := 0; i < 3; i++ {
		ev := scheduleEvent("tick")
		ev.Fields = map[string]any{"i": i}
		require.NoError(t, h.engine.Submit(context.Background(), ev))
	}
	h.waitEntries(t, 3)

	got, err := h.manager.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TriggerCount)
	assert.NotNil(t, got.LastTriggered)
}

func TestEngine_OneEventFiresEveryMatchingRule(t *testing.T) {
	h := newHarness(t, Config{})
	var calls atomic.Int32
	require.NoError(t, h.disp.Register("system", types.ActionGenerateReport, okHandler(&calls)))
	// gmail has no send_email capability, so the second rule fails.

	trigger := types.Trigger{Kind: types.TriggerWebhook, Platform: "system", Event: "alert"}
	ok, err := h.manager.Create(context.Background(), &types.Rule{
		Name: "report", Enabled: true, Trigger: trigger,
		Actions: []types.Action{action(types.ActionGenerateReport, "system")},
	})
	require.NoError(t, err)
	bad, err := h.manager.Create(context.Background(), &types.Rule{
		Name: "mail", Enabled: true, Trigger: trigger,
		Actions: []types.Action{action(types.ActionSendEmail, "gmail")},
	})
	require.NoError(t, err)

	ev := types.Event{ID: "alert-7", TriggerKind: types.TriggerWebhook, Platform: "system", Name: "alert"}
	require.NoError(t, h.engine.Submit(context.Background(), ev))
	h.waitEntries(t, 2)
	require.NoError(t, h.engine.Submit(context.Background(), ev))
	require.NoError(t, h.engine.Stop(context.Background()))

	entries := h.entries(t)
	require.Len(t, entries, 2)
	status := map[types.RuleID]types.ExecutionStatus{}
	for _, e := range entries {
		assert.Equal(t, types.EventID("alert-7"), e.EventID)
		status[e.RuleID] = e.Status
	}
	assert.Equal(t, types.StatusSuccess, status[ok.ID])
	assert.Equal(t, types.StatusFailed, status[bad.ID])
	assert.Equal(t, int32(1), calls.Load())
}

// flakyLog fails the first n appends.
type flakyLog struct {
	execlog.Log
	failures atomic.Int32
}

func (l *flakyLog) Append(ctx context.Context, e types.ExecutionEntry) error {
	if l.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return l.Log.Append(ctx, e)
}

func newStandaloneEngine(t *testing.T, cfg Config, log execlog.Log, dedup Deduper, handler dispatch.Handler) *Engine {
	t.Helper()
	logger := zerolog.Nop()
	reg := platform.NewRegistry(logger)
	require.NoError(t, reg.Register(types.Platform{ID: "system", Connected: true}))
	disp := dispatch.New(dispatch.DefaultConfig(), dispatch.NewTable(), reg, telemetry.Noop(), logger)
	require.NoError(t, disp.Register("system", types.ActionGenerateReport, handler))

	st := store.NewMemoryStore()
	require.NoError(t, st.Create(context.Background(), &types.Rule{
		Name:    "report",
		Enabled: true,
		Trigger: types.Trigger{Kind: types.TriggerWebhook, Platform: "system", Event: "ping"},
		Actions: []types.Action{action(types.ActionGenerateReport, "system")},
	}))
	cfg.AppendBackoff = time.Millisecond
	eng := New(cfg, Deps{Store: st, Executor: disp, Log: log, Deduper: dedup, Logger: logger})
	require.NoError(t, eng.Refresh(context.Background()))
	eng.Start()
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng
}

func TestEngine_AppendRetried(t *testing.T) {
	mem := execlog.NewMemoryLog()
	log := &flakyLog{Log: mem}
	log.failures.Store(1)
	var calls atomic.Int32
	eng := newStandaloneEngine(t, Config{}, log, nil, okHandler(&calls))

	ev := types.Event{ID: "evt-1", TriggerKind: types.TriggerWebhook, Platform: "system", Name: "ping"}
	require.NoError(t, eng.Submit(context.Background(), ev))
	require.NoError(t, eng.Stop(context.Background()))

	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, int32(1), calls.Load())
}

type releaseCounter struct {
	*MemoryDeduper
	released atomic.Int32
}

func (d *releaseCounter) Release(ctx context.Context, key string) error {
	defer d.released.Add(1)
	return d.MemoryDeduper.Release(ctx, key)
}

func TestEngine_UnrecordedMatchRunsAgainOnRedelivery(t *testing.T) {
	mem := execlog.NewMemoryLog()
	log := &flakyLog{Log: mem}
	log.failures.Store(2)
	dedup := &releaseCounter{MemoryDeduper: NewMemoryDeduper()}
	var calls atomic.Int32
	eng := newStandaloneEngine(t, Config{AppendAttempts: 2}, log, dedup, okHandler(&calls))

	ev := types.Event{ID: "evt-1", TriggerKind: types.TriggerWebhook, Platform: "system", Name: "ping"}
	require.NoError(t, eng.Submit(context.Background(), ev))
	require.Eventually(t, func() bool { return dedup.released.Load() == 1 }, 3*time.Second, 5*time.Millisecond)
	assert.Zero(t, mem.Len())

	require.NoError(t, eng.Submit(context.Background(), ev))
	require.NoError(t, eng.Stop(context.Background()))

	assert.Equal(t, 1, mem.Len())
	assert.Equal(t, int32(2), calls.Load())
}

func TestEngine_SQLClaimsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite://:memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, db.MigrateUp(ctx, conn))
	q, err := db.LoadQueries(conn)
	require.NoError(t, err)
	log := execlog.NewSQLLog(q)

	var calls atomic.Int32
	ev := types.Event{ID: "nats-msg-42", TriggerKind: types.TriggerWebhook, Platform: "system", Name: "ping"}
	for i := 0; i < 2; i++ {
		eng := newStandaloneEngine(t, Config{}, log, NewSQLDeduper(q), okHandler(&calls))
		require.NoError(t, eng.Submit(ctx, ev))
		require.NoError(t, eng.Stop(ctx))
	}

	page, err := log.Query(ctx, execlog.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, int32(1), calls.Load())
}
