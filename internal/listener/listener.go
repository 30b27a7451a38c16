package listener

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// State is a listener's lifecycle state.
type State string

const (
	StateRunning   State = "running"
	StateSuspended State = "suspended"
	StateStopped   State = "stopped"
)

// Health describes one listener.
type Health struct {
	Key         types.ListenerKey `json:"key"`
	State       State             `json:"state"`
	Reason      string            `json:"reason,omitempty"`
	Rules       int               `json:"rules"`
	Schedules   int               `json:"schedules"`
	QueueDepth  int               `json:"queue_depth"`
	Delivered   uint64            `json:"delivered"`
	Failed      uint64            `json:"failed"`
	LastEventAt *time.Time        `json:"last_event_at,omitempty"`
}

type listener struct {
	key     types.ListenerKey
	sink    Sink
	sinkCtx context.Context
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan types.Event
	done   chan struct{}

	// mu guards everything below. Senders hold the read lock while they
	// enqueue, so once stop holds the write lock the queue can be closed.
	mu          sync.RWMutex
	state       State
	reason      string
	rules       int
	schedules   map[string]schedule
	source      SourceFactory
	srcCancel   context.CancelFunc
	timerCancel context.CancelFunc
	cron        *cron.Cron

	delivered atomic.Uint64
	failed    atomic.Uint64
	lastEvent atomic.Int64
}

func newListener(parent context.Context, key types.ListenerKey, buffer int, sink Sink, logger zerolog.Logger) *listener {
	ctx, cancel := context.WithCancel(parent)
	l := &listener{
		key:       key,
		sink:      sink,
		sinkCtx:   parent,
		logger:    logger.With().Str("listener", key.String()).Logger(),
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(chan types.Event, buffer),
		done:      make(chan struct{}),
		state:     StateSuspended,
		reason:    "starting",
		schedules: make(map[string]schedule),
	}
	go l.forward()
	return l
}

func (l *listener) forward() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.sink(l.sinkCtx, ev); err != nil {
			l.failed.Add(1)
			l.logger.Warn().Err(err).Str("event", ev.Name).Msg("event not accepted")
			continue
		}
		l.delivered.Add(1)
	}
}

func (l *listener) enqueue(ctx context.Context, ev types.Event) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch l.state {
	case StateStopped:
		return fmt.Errorf("%w: %s", types.ErrNoListener, l.key)
	case StateSuspended:
		return fmt.Errorf("%w: %s: %s", types.ErrListenerSuspended, l.key, l.reason)
	}
	select {
	case l.queue <- ev:
		l.lastEvent.Store(ev.OccurredAt.UnixNano())
		return nil
	case <-l.ctx.Done():
		return fmt.Errorf("%w: %s", types.ErrNoListener, l.key)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// update applies the latest rule count and schedule set.
func (l *listener) update(rules int, schedules map[string]schedule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules = rules
	if sameSchedules(l.schedules, schedules) {
		return
	}
	l.schedules = schedules
	if l.state == StateRunning {
		l.disarmTimersLocked()
		l.armTimersLocked()
	}
}

func (l *listener) setSource(f SourceFactory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.source = f
	if l.state == StateRunning {
		l.disarmSourceLocked()
		l.armSourceLocked()
	}
}

// suspend reports whether the state changed.
func (l *listener) suspend(reason string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStopped {
		return false
	}
	changed := l.state != StateSuspended
	l.state = StateSuspended
	l.reason = reason
	l.disarmTimersLocked()
	l.disarmSourceLocked()
	return changed
}

// resume reports whether the state changed.
func (l *listener) resume() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateSuspended {
		return false
	}
	l.state = StateRunning
	l.reason = ""
	l.armSourceLocked()
	l.armTimersLocked()
	return true
}

// stop disarms all producers, closes the queue and waits for the forwarder
// to drain it.
func (l *listener) stop() {
	l.cancel()
	l.mu.Lock()
	if l.state != StateStopped {
		l.state = StateStopped
		l.reason = ""
		l.disarmTimersLocked()
		l.disarmSourceLocked()
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *listener) health() Health {
	l.mu.RLock()
	h := Health{
		Key:       l.key,
		State:     l.state,
		Reason:    l.reason,
		Rules:     l.rules,
		Schedules: len(l.schedules),
	}
	l.mu.RUnlock()
	h.QueueDepth = len(l.queue)
	h.Delivered = l.delivered.Load()
	h.Failed = l.failed.Load()
	if ns := l.lastEvent.Load(); ns != 0 {
		ts := time.Unix(0, ns).UTC()
		h.LastEventAt = &ts
	}
	return h
}

func (l *listener) armSourceLocked() {
	if l.source == nil {
		return
	}
	src, err := l.source(l.key)
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to build source")
		return
	}
	ctx, cancel := context.WithCancel(l.ctx)
	l.srcCancel = cancel
	go runSource(ctx, src, l.enqueue, l.logger)
}

func (l *listener) disarmSourceLocked() {
	if l.srcCancel != nil {
		l.srcCancel()
		l.srcCancel = nil
	}
}
