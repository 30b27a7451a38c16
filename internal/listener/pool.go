// Package listener turns external occurrences into normalized events.
//
// A Pool keeps exactly one listener per (trigger kind, platform) pair that
// an enabled rule references. Each listener owns a buffered queue drained by
// a single goroutine, so events from one listener reach the sink in order.
// Schedule listeners generate their own events from interval tickers and
// cron specs; every other kind is fed through Deliver or a registered Source.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cadenza-automation/cadenza/internal/platform"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// Sink receives events in listener order. The engine's Submit is the
// production sink.
type Sink func(ctx context.Context, ev types.Event) error

// Platforms is the slice of the platform registry the pool needs.
type Platforms interface {
	Available(id types.PlatformID) error
	Subscribe(fn platform.ChangeFunc) func()
}

// Config tunes listener queues.
type Config struct {
	BufferSize int
}

const defaultBufferSize = 256

type sourceKey struct {
	platform types.PlatformID
	kind     types.TriggerKind
}

// Pool owns the set of running listeners.
type Pool struct {
	sink      Sink
	platforms Platforms
	cfg       Config
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()

	mu        sync.Mutex
	listeners map[types.ListenerKey]*listener
	sources   map[sourceKey]SourceFactory
	stopped   bool
}

// NewPool creates a pool and subscribes it to platform connection changes.
func NewPool(sink Sink, platforms Platforms, cfg Config, logger zerolog.Logger) *Pool {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		sink:      sink,
		platforms: platforms,
		cfg:       cfg,
		logger:    logger.With().Str("component", "listener-pool").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[types.ListenerKey]*listener),
		sources:   make(map[sourceKey]SourceFactory),
	}
	p.unsub = platforms.Subscribe(p.onPlatformChange)
	return p
}

// RegisterSource attaches a push source to every listener for (platform,
// kind). Running listeners pick it up immediately.
func (p *Pool) RegisterSource(platformID types.PlatformID, kind types.TriggerKind, factory SourceFactory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[sourceKey{platformID, kind}] = factory
	for key, l := range p.listeners {
		if key.Platform == platformID && key.Kind == kind {
			l.setSource(factory)
		}
	}
}

// Sync reconciles listeners with the enabled rules. Listeners whose pair is
// no longer referenced are stopped; their queued events are still forwarded.
func (p *Pool) Sync(rules []*types.Rule) error {
	type want struct {
		rules     int
		schedules map[string]schedule
	}
	desired := make(map[types.ListenerKey]*want)
	var errs []error
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		key := r.Trigger.Key()
		w, ok := desired[key]
		if !ok {
			w = &want{schedules: make(map[string]schedule)}
			desired[key] = w
		}
		w.rules++
		if key.Kind != types.TriggerSchedule {
			continue
		}
		s, ok, err := scheduleFor(r.Trigger)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
			continue
		}
		if ok {
			w.schedules[s.id()] = s
		}
	}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return types.ErrEngineStopped
	}
	var retired []*listener
	for key, l := range p.listeners {
		if _, ok := desired[key]; !ok {
			delete(p.listeners, key)
			retired = append(retired, l)
		}
	}
	for key, w := range desired {
		l, ok := p.listeners[key]
		if !ok {
			l = p.startListener(key)
			p.listeners[key] = l
		}
		l.update(w.rules, w.schedules)
	}
	p.mu.Unlock()

	for _, l := range retired {
		l.stop()
		p.logger.Info().Str("listener", l.key.String()).Msg("listener stopped")
	}
	return errors.Join(errs...)
}

// startListener must be called with p.mu held.
func (p *Pool) startListener(key types.ListenerKey) *listener {
	l := newListener(p.ctx, key, p.cfg.BufferSize, p.sink, p.logger)
	if f, ok := p.sources[sourceKey{key.Platform, key.Kind}]; ok {
		l.source = f
	}
	if err := p.platforms.Available(key.Platform); err != nil {
		l.suspend(err.Error())
	} else {
		l.resume()
	}
	p.logger.Info().Str("listener", key.String()).Str("state", string(l.health().State)).Msg("listener started")
	return l
}

// Deliver routes a pushed occurrence to its listener.
func (p *Pool) Deliver(ctx context.Context, ev types.Event) error {
	if !ev.TriggerKind.Valid() || ev.Platform == "" || ev.Name == "" {
		return fmt.Errorf("%w: event needs a known trigger kind, a platform and a name", types.ErrValidation)
	}
	if ev.TriggerKind == types.TriggerCustom && ev.CustomKind == "" {
		return fmt.Errorf("%w: custom event needs custom_kind", types.ErrValidation)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	p.mu.Lock()
	l, ok := p.listeners[ev.Key()]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNoListener, ev.Key())
	}
	return l.enqueue(ctx, ev)
}

// Health returns the state of every listener ordered by key.
func (p *Pool) Health() []Health {
	p.mu.Lock()
	out := make([]Health, 0, len(p.listeners))
	for _, l := range p.listeners {
		out = append(out, l.health())
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Stop halts every listener. Queued events are forwarded before it returns
// unless ctx expires first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	all := make([]*listener, 0, len(p.listeners))
	for key, l := range p.listeners {
		all = append(all, l)
		delete(p.listeners, key)
	}
	p.mu.Unlock()
	p.unsub()

	done := make(chan struct{})
	go func() {
		for _, l := range all {
			l.stop()
		}
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

// onPlatformChange reconciles listeners with the platform's current state.
// Notifications can arrive out of order, so the snapshot only names the
// platform and availability is read again under the pool lock.
func (p *Pool) onPlatformChange(pl types.Platform) {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.platforms.Available(pl.ID)
	for key, l := range p.listeners {
		if key.Platform != pl.ID {
			continue
		}
		if err == nil {
			if l.resume() {
				p.logger.Info().Str("listener", key.String()).Msg("listener resumed")
			}
		} else if l.suspend(err.Error()) {
			p.logger.Warn().Str("listener", key.String()).Err(err).Msg("listener suspended")
		}
	}
}
