package listener

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// Trigger parameters understood by schedule listeners.
const (
	ParamCron     = "cron"
	ParamInterval = "interval"
)

// MinInterval is the shortest accepted schedule interval.
const MinInterval = time.Second

type schedule struct {
	event    string
	spec     string
	interval time.Duration
	cron     cron.Schedule
}

func (s schedule) id() string {
	return s.event + "|" + s.spec
}

// scheduleFor parses the timer of a schedule trigger. ok is false when the
// trigger carries neither parameter; its events are pushed externally.
func scheduleFor(t types.Trigger) (s schedule, ok bool, err error) {
	cronSpec := t.Parameters.Get(ParamCron)
	interval := t.Parameters.Get(ParamInterval)
	switch {
	case cronSpec != "" && interval != "":
		return s, false, fmt.Errorf("schedule trigger sets both %s and %s", ParamCron, ParamInterval)
	case cronSpec != "":
		sched, err := cron.ParseStandard(cronSpec)
		if err != nil {
			return s, false, fmt.Errorf("invalid cron spec %q: %w", cronSpec, err)
		}
		return schedule{event: t.Event, spec: "cron:" + cronSpec, cron: sched}, true, nil
	case interval != "":
		d, err := time.ParseDuration(interval)
		if err != nil {
			return s, false, fmt.Errorf("invalid interval %q: %w", interval, err)
		}
		if d < MinInterval {
			return s, false, fmt.Errorf("interval %s is shorter than %s", d, MinInterval)
		}
		return schedule{event: t.Event, spec: "every:" + d.String(), interval: d}, true, nil
	}
	return s, false, nil
}

// ValidateTrigger rejects schedule triggers with unusable timer parameters.
// It plugs into the rule validator.
func ValidateTrigger(t types.Trigger) error {
	if t.Kind != types.TriggerSchedule {
		return nil
	}
	_, _, err := scheduleFor(t)
	return err
}

func sameSchedules(a, b map[string]schedule) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}

func (l *listener) armTimersLocked() {
	if len(l.schedules) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(l.ctx)
	l.timerCancel = cancel

	var c *cron.Cron
	for _, s := range l.schedules {
		s := s
		if s.interval > 0 {
			go l.runInterval(ctx, s)
			continue
		}
		if c == nil {
			logger := cronLogger{l.logger}
			c = cron.New(
				cron.WithLocation(time.UTC),
				cron.WithLogger(logger),
				cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
			)
		}
		c.Schedule(s.cron, cron.FuncJob(func() { l.fire(ctx, s) }))
	}
	if c != nil {
		c.Start()
		l.cron = c
	}
}

func (l *listener) disarmTimersLocked() {
	if l.timerCancel != nil {
		l.timerCancel()
		l.timerCancel = nil
	}
	if l.cron != nil {
		l.cron.Stop()
		l.cron = nil
	}
}

// runInterval ticks on the monotonic clock until ctx is done.
func (l *listener) runInterval(ctx context.Context, s schedule) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.fire(ctx, s)
		}
	}
}

func (l *listener) fire(ctx context.Context, s schedule) {
	ev := types.Event{
		TriggerKind: types.TriggerSchedule,
		Platform:    l.key.Platform,
		Name:        s.event,
		Fields:      map[string]any{"schedule": s.spec},
		OccurredAt:  time.Now().UTC(),
	}
	if err := l.enqueue(ctx, ev); err != nil && ctx.Err() == nil {
		l.logger.Warn().Err(err).Str("schedule", s.spec).Msg("dropped schedule tick")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
