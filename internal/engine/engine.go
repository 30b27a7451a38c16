// Package engine matches events against enabled rules and runs them.
//
// Events enter through Submit into a bounded queue drained by a fixed worker
// pool. Each (event, rule) match runs in its own goroutine against an
// immutable compiled snapshot of the rule, bounded by a global semaphore.
// Every match that reaches the executing state writes exactly one entry to
// the execution log.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/cadenza-automation/cadenza/internal/core/telemetry"
	"github.com/cadenza-automation/cadenza/internal/dispatch"
	"github.com/cadenza-automation/cadenza/internal/execlog"
	"github.com/cadenza-automation/cadenza/internal/rules"
	"github.com/cadenza-automation/cadenza/internal/store"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// Config tunes the engine.
type Config struct {
	Workers                 int
	QueueSize               int
	MaxConcurrentExecutions int
	RecordSkipped           bool
	IdempotencyTTL          time.Duration
	// AppendAttempts bounds tries at writing an entry; AppendBackoff is the
	// first wait between them.
	AppendAttempts int
	AppendBackoff  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               1024,
		MaxConcurrentExecutions: 64,
		IdempotencyTTL:          24 * time.Hour,
		AppendAttempts:          5,
		AppendBackoff:           50 * time.Millisecond,
	}
}

// Executor runs a compiled rule's actions.
type Executor interface {
	Execute(ctx context.Context, rule *rules.CompiledRule, event types.Event) dispatch.Result
}

// ListenerSync keeps listeners in step with the enabled rule set.
type ListenerSync interface {
	Sync(rules []*types.Rule) error
}

// Deps are the engine's collaborators. Listeners and Telemetry are optional.
type Deps struct {
	Store     store.RuleStore
	Executor  Executor
	Log       execlog.Log
	Deduper   Deduper
	Listeners ListenerSync
	Telemetry *telemetry.Provider
	Logger    zerolog.Logger
}

type index map[types.MatchKey][]*rules.CompiledRule

// Engine is the rule execution runtime.
type Engine struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger
	tel  *telemetry.Provider

	idx atomic.Pointer[index]
	sem *semaphore.Weighted

	// ctx bounds executions; it is cancelled only when Stop gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	// mu guards stopped and queue close; Submit holds the read lock while
	// sending.
	mu       sync.RWMutex
	stopped  bool
	started  bool
	queue    chan types.Event
	workers  sync.WaitGroup
	inflight sync.WaitGroup

	refreshMu sync.Mutex
}

// New creates an engine. Call Refresh then Start.
func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxConcurrentExecutions <= 0 {
		cfg.MaxConcurrentExecutions = def.MaxConcurrentExecutions
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = def.IdempotencyTTL
	}
	if cfg.AppendAttempts <= 0 {
		cfg.AppendAttempts = def.AppendAttempts
	}
	if cfg.AppendBackoff <= 0 {
		cfg.AppendBackoff = def.AppendBackoff
	}
	if deps.Deduper == nil {
		deps.Deduper = NewMemoryDeduper()
	}
	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		log:    deps.Logger.With().Str("component", "engine").Logger(),
		tel:    tel,
		sem:    semaphore.NewWeighted(int64(cfg.MaxConcurrentExecutions)),
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan types.Event, cfg.QueueSize),
	}
	e.idx.Store(&index{})
	return e
}

// Start launches the worker pool.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopped {
		return
	}
	e.started = true
	for i := 0; i < e.cfg.Workers; i++ {
		e.workers.Add(1)
		go e.worker()
	}
	e.log.Info().Int("workers", e.cfg.Workers).Int("max_concurrent", e.cfg.MaxConcurrentExecutions).Msg("engine started")
}

// Submit enqueues an event, blocking while the queue is full.
func (e *Engine) Submit(ctx context.Context, ev types.Event) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.stopped {
		return types.ErrEngineStopped
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case e.queue <- ev:
		e.tel.RecordEvent(ctx, ev.Key().String())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh reloads enabled rules, rebuilds the match index and syncs
// listeners. Rules that fail to compile are left out and reported.
func (e *Engine) Refresh(ctx context.Context) error {
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	enabled := true
	list, err := e.deps.Store.List(ctx, store.ListOptions{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	next := make(index)
	active := make([]*types.Rule, 0, len(list))
	var errs []error
	for _, r := range list {
		cr, err := rules.Compile(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
			continue
		}
		key := r.Trigger.MatchKey()
		next[key] = append(next[key], cr)
		active = append(active, r)
	}
	for _, group := range next {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Rule.Priority.Rank() > group[j].Rule.Priority.Rank()
		})
	}
	e.idx.Store(&next)

	if e.deps.Listeners != nil {
		if err := e.deps.Listeners.Sync(active); err != nil && !errors.Is(err, types.ErrEngineStopped) {
			errs = append(errs, err)
		}
	}
	e.log.Debug().Int("rules", len(active)).Int("keys", len(next)).Msg("rule index rebuilt")
	return errors.Join(errs...)
}

// Candidates returns the compiled rules an event would be matched against.
func (e *Engine) Candidates(ev types.Event) []*rules.CompiledRule {
	idx := *e.idx.Load()
	return idx[ev.MatchKey()]
}

// Stop rejects new events, drains the queue and waits for in-flight
// executions. If ctx expires first, running dispatches are cancelled.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	close(e.queue)
	started := e.started
	e.mu.Unlock()

	if !started {
		// Nothing drains the queue; run what was accepted inline.
		e.workers.Add(1)
		go e.worker()
	}

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		e.log.Info().Msg("engine stopped")
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) worker() {
	defer e.workers.Done()
	for ev := range e.queue {
		e.process(ev)
	}
}

func (e *Engine) process(ev types.Event) {
	ev.ID = ev.Identity()
	candidates := e.Candidates(ev)
	if len(candidates) == 0 {
		e.log.Debug().Str("event_id", string(ev.ID)).Str("key", ev.Key().String()).Str("event", ev.Name).Msg("no rules for event")
		return
	}
	for _, cr := range candidates {
		if err := e.sem.Acquire(e.ctx, 1); err != nil {
			e.log.Warn().Str("rule_id", string(cr.Rule.ID)).Msg("engine cancelled before execution")
			return
		}
		e.inflight.Add(1)
		go func(cr *rules.CompiledRule) {
			defer e.inflight.Done()
			defer e.sem.Release(1)
			e.run(cr, ev)
		}(cr)
	}
}

// run drives one (event, rule) match to its terminal state.
func (e *Engine) run(cr *rules.CompiledRule, ev types.Event) {
	rule := cr.Rule
	start := time.Now()
	ctx, span := e.tel.StartSpan(e.ctx, "engine.execute",
		attribute.String("rule.id", string(rule.ID)),
		attribute.String("event.id", string(ev.ID)),
	)
	done := e.tel.ExecutionStarted(ctx)
	defer done()

	key := IdempotencyKey(rule.ID, ev.ID)
	claimed := false
	written := false
	var spanErr error
	defer func() {
		if r := recover(); r != nil {
			spanErr = fmt.Errorf("%w: panic: %v", types.ErrEngineFault, r)
			e.log.Error().Str("rule_id", string(rule.ID)).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("execution panicked")
			if !written {
				e.finish(ctx, e.faultEntry(rule, ev, spanErr, start), key, claimed)
			}
		}
		telemetry.EndSpan(span, spanErr)
	}()

	logger := e.log.With().Str("rule_id", string(rule.ID)).Str("event_id", string(ev.ID)).Logger()

	fresh, err := e.deps.Deduper.Claim(ctx, key, e.cfg.IdempotencyTTL)
	if err != nil {
		spanErr = fmt.Errorf("%w: idempotency claim: %v", types.ErrEngineFault, err)
		written = true
		e.finish(ctx, e.faultEntry(rule, ev, spanErr, start), key, false)
		return
	}
	if !fresh {
		logger.Debug().Msg("duplicate delivery ignored")
		return
	}
	claimed = true

	res := rules.Evaluate(cr.Conditions, ev.Fields)
	if !res.Matched {
		logger.Debug().Strs("missing_fields", res.Missing).Msg("conditions not met")
		if e.cfg.RecordSkipped {
			written = true
			e.finish(ctx, e.entry(rule, ev, types.StatusSkipped, nil, nil, 0, start), key, true)
		}
		return
	}

	result := e.deps.Executor.Execute(ctx, cr, ev)
	if msg := result.ErrorMessage(); msg != nil {
		spanErr = errors.New(*msg)
	}
	written = true
	e.finish(ctx, e.entry(rule, ev, result.Status, result.Executed, result.ErrorMessage(), result.APICalls, start), key, true)
	logger.Debug().Str("status", string(result.Status)).Int("api_calls", result.APICalls).Msg("rule executed")
}

func (e *Engine) entry(rule *types.Rule, ev types.Event, status types.ExecutionStatus, executed []types.ActionRecord, errMsg *string, apiCalls int, start time.Time) types.ExecutionEntry {
	if executed == nil {
		executed = []types.ActionRecord{}
	}
	return types.ExecutionEntry{
		ID:              types.NewExecutionID(),
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		Category:        rule.CategoryLabel(),
		EventID:         ev.ID,
		Status:          status,
		ExecutedActions: executed,
		ErrorMessage:    errMsg,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		APICalls:        apiCalls,
		Timestamp:       time.Now().UTC().Truncate(time.Millisecond),
	}
}

func (e *Engine) faultEntry(rule *types.Rule, ev types.Event, err error, start time.Time) types.ExecutionEntry {
	msg := err.Error()
	return e.entry(rule, ev, types.StatusFailed, nil, &msg, 0, start)
}

// finish writes the terminal entry. When the entry cannot be written the
// idempotency claim is released so a redelivery runs the match again.
func (e *Engine) finish(ctx context.Context, entry types.ExecutionEntry, key string, claimed bool) {
	// The entry must land even if the execution context was cancelled.
	ctx = context.WithoutCancel(ctx)
	err := e.record(ctx, entry)
	e.tel.RecordExecution(ctx, string(entry.Status), entry.Category, time.Duration(entry.ExecutionTimeMs)*time.Millisecond)
	if err == nil {
		return
	}
	logger := e.log.With().Str("rule_id", string(entry.RuleID)).Str("execution_id", string(entry.ID)).Logger()
	logger.Error().Err(err).Msg("failed to record execution")
	if !claimed {
		return
	}
	if err := e.deps.Deduper.Release(ctx, key); err != nil {
		logger.Error().Err(err).Msg("failed to release idempotency claim")
	}
}

func (e *Engine) record(ctx context.Context, entry types.ExecutionEntry) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.AppendBackoff
	b.MaxInterval = 20 * e.cfg.AppendBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.cfg.AppendAttempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := e.deps.Log.Append(ctx, entry)
		if errors.Is(err, types.ErrValidation) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		e.log.Warn().Err(err).Str("execution_id", string(entry.ID)).Dur("retry_in", wait).Msg("execution log append failed")
	})
}
