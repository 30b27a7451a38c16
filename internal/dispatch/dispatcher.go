// Package dispatch executes rule actions through registered capabilities.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cadenza-automation/cadenza/internal/core/telemetry"
	"github.com/cadenza-automation/cadenza/internal/rules"
	"github.com/cadenza-automation/cadenza/internal/types"
)

/*
 * Action dispatch.
 *
 * Every outside-world effect goes through Dispatch:
 *
 *   1. platform must be registered and connected        (permanent otherwise)
 *   2. (platform, action type) must have a handler      (permanent otherwise)
 *   3. wait for a per-platform concurrency slot
 *   4. invoke with a per-call timeout; retry transient failures with
 *      exponential backoff up to MaxAttempts total attempts
 *
 * Transient: ErrTransient, ErrRateLimited, call timeout. Everything else,
 * including malformed parameters and a platform that disconnects between
 * attempts, stops retrying immediately.
 *
 * Execute runs a rule's actions strictly in order. Continue-on-error unless
 * the rule is fail-fast. Status is success when every action succeeded,
 * partial when some did, failed when none did.
 */

// Availability reports whether a platform can be dispatched to.
type Availability interface {
	Available(id types.PlatformID) error
}

// Config tunes retries, timeouts and concurrency.
type Config struct {
	MaxAttempts          int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	ActionTimeout        time.Duration
	DefaultPlatformLimit int
	PlatformLimits       map[types.PlatformID]int
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          3,
		InitialBackoff:       200 * time.Millisecond,
		MaxBackoff:           5 * time.Second,
		ActionTimeout:        30 * time.Second,
		DefaultPlatformLimit: 8,
	}
}

// Outcome is the result of one Dispatch.
type Outcome struct {
	OK       bool
	Detail   string
	Elapsed  time.Duration
	Attempts int
	Err      error
}

// Result is the result of executing a rule's action list.
type Result struct {
	Status   types.ExecutionStatus
	Executed []types.ActionRecord
	Errors   []string
	APICalls int
}

// ErrorMessage joins action errors, or returns nil when there were none.
func (r Result) ErrorMessage() *string {
	if len(r.Errors) == 0 {
		return nil
	}
	msg := strings.Join(r.Errors, "; ")
	return &msg
}

// Dispatcher routes actions to capabilities.
type Dispatcher struct {
	cfg       Config
	table     *Table
	platforms Availability
	limiter   *platformLimiter
	telemetry *telemetry.Provider
	logger    zerolog.Logger
}

// New creates a Dispatcher.
func New(cfg Config, table *Table, platforms Availability, tel *telemetry.Provider, logger zerolog.Logger) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if table == nil {
		table = NewTable()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	return &Dispatcher{
		cfg:       cfg,
		table:     table,
		platforms: platforms,
		limiter:   newPlatformLimiter(cfg.DefaultPlatformLimit, cfg.PlatformLimits),
		telemetry: tel,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Register adds a capability to the dispatcher's table.
func (d *Dispatcher) Register(platform types.PlatformID, actionType types.ActionType, h Handler) error {
	return d.table.Register(platform, actionType, h)
}

// Table exposes the capability table.
func (d *Dispatcher) Table() *Table {
	return d.table
}

// Dispatch invokes one capability.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Outcome {
	start := time.Now()
	ctx, span := d.telemetry.StartSpan(ctx, "dispatch.action",
		attribute.String("platform", string(req.Platform)),
		attribute.String("action_type", string(req.Type)),
		attribute.String("operation", req.Operation),
	)

	out := d.dispatch(ctx, req)
	out.Elapsed = time.Since(start)

	span.SetAttributes(attribute.Int("attempts", out.Attempts))
	telemetry.EndSpan(span, out.Err)
	d.telemetry.RecordDispatch(ctx, string(req.Platform), string(req.Type), out.OK, out.Attempts, out.Elapsed)
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) Outcome {
	if err := d.available(req.Platform); err != nil {
		return Outcome{Err: err}
	}
	handler, err := d.table.Lookup(req.Platform, req.Type)
	if err != nil {
		return Outcome{Err: err}
	}

	release, err := d.limiter.acquire(ctx, req.Platform)
	if err != nil {
		return Outcome{Err: fmt.Errorf("wait for %s slot: %w", req.Platform, err)}
	}
	defer release()

	var (
		resp     Response
		attempts int
	)
	operation := func() error {
		if attempts > 0 {
			// The platform may have gone away while we were backing off.
			if err := d.available(req.Platform); err != nil {
				return backoff.Permanent(err)
			}
		}
		attempts++
		req.Attempt = attempts
		r, err := d.invoke(ctx, handler, req)
		if err == nil {
			resp = r
			return nil
		}
		if types.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Debug().
			Err(err).
			Str("platform", string(req.Platform)).
			Str("action_type", string(req.Type)).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Msg("transient dispatch failure, retrying")
	}

	err = backoff.RetryNotify(operation, d.policy(ctx), notify)
	if err != nil {
		return Outcome{Attempts: attempts, Err: err}
	}
	return Outcome{OK: true, Detail: resp.Detail, Attempts: attempts}
}

// invoke calls the handler with the per-call timeout and contains panics.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, req Request) (resp Response, err error) {
	callCtx := ctx
	if d.cfg.ActionTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.ActionTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s/%s panicked: %v", req.Platform, req.Type, r)
		}
	}()

	resp, err = h.Invoke(callCtx, req)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %v", types.ErrActionTimeout, d.cfg.ActionTimeout, err)
	}
	return resp, err
}

func (d *Dispatcher) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if d.cfg.InitialBackoff > 0 {
		b.InitialInterval = d.cfg.InitialBackoff
	}
	if d.cfg.MaxBackoff > 0 {
		b.MaxInterval = d.cfg.MaxBackoff
	}
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxAttempts-1)), ctx)
}

func (d *Dispatcher) available(id types.PlatformID) error {
	if d.platforms == nil {
		return nil
	}
	return d.platforms.Available(id)
}

// Execute runs the compiled rule's actions in order against event.
func (d *Dispatcher) Execute(ctx context.Context, rule *rules.CompiledRule, event types.Event) Result {
	var res Result
	succeeded := 0

	for i, action := range rule.Actions {
		a := action.Action
		params, err := rules.RenderParams(action, event)
		if err != nil {
			res.Errors = append(res.Errors, actionError(i, a, fmt.Errorf("%w: %v", types.ErrMalformedParameters, err)))
			if rule.Rule.FailFast {
				break
			}
			continue
		}

		out := d.Dispatch(ctx, Request{
			RuleID:    rule.Rule.ID,
			Platform:  a.Platform,
			Type:      a.Type,
			Operation: a.Operation,
			Params:    params,
			Event:     event,
		})
		res.APICalls += out.Attempts

		if out.OK {
			succeeded++
			res.Executed = append(res.Executed, types.ActionRecord{
				Type:      a.Type,
				Platform:  a.Platform,
				Operation: a.Operation,
				ElapsedMs: out.Elapsed.Milliseconds(),
				Attempts:  out.Attempts,
			})
			continue
		}

		res.Errors = append(res.Errors, actionError(i, a, out.Err))
		d.logger.Debug().
			Err(out.Err).
			Str("rule_id", string(rule.Rule.ID)).
			Int("action", i).
			Msg("action failed")
		if rule.Rule.FailFast {
			break
		}
	}

	switch {
	case succeeded == len(rule.Actions) && succeeded > 0:
		res.Status = types.StatusSuccess
	case succeeded > 0:
		res.Status = types.StatusPartial
	default:
		res.Status = types.StatusFailed
	}
	return res
}

func actionError(i int, a types.Action, err error) string {
	return fmt.Sprintf("action %d (%s on %s): %v", i, a.Type, a.Platform, err)
}
