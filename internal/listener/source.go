package listener

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// Emit hands one event to the owning listener.
type Emit func(ctx context.Context, ev types.Event) error

// Source produces events for one listener. Run blocks until ctx is done or
// the source fails; a failed source is restarted with backoff.
type Source interface {
	Run(ctx context.Context, emit Emit) error
}

// SourceFactory builds the source for a listener key.
type SourceFactory func(key types.ListenerKey) (Source, error)

func runSource(ctx context.Context, src Source, emit Emit, logger zerolog.Logger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		err := safeRun(ctx, src, emit)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("source returned")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("source failed")
	}
	_ = backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}

func safeRun(ctx context.Context, src Source, emit Emit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("source panic: %v", r)
		}
	}()
	return src.Run(ctx, emit)
}

// PollSource calls Fetch on a fixed interval and emits whatever it returns.
// Fetch errors are logged and retried on the next tick.
type PollSource struct {
	Interval time.Duration
	Fetch    func(ctx context.Context, key types.ListenerKey) ([]types.Event, error)
	Key      types.ListenerKey
	Logger   zerolog.Logger
}

// NewPollSourceFactory returns a factory producing PollSources.
func NewPollSourceFactory(interval time.Duration, fetch func(ctx context.Context, key types.ListenerKey) ([]types.Event, error), logger zerolog.Logger) SourceFactory {
	return func(key types.ListenerKey) (Source, error) {
		if interval <= 0 {
			return nil, fmt.Errorf("poll interval must be positive")
		}
		return &PollSource{Interval: interval, Fetch: fetch, Key: key, Logger: logger}, nil
	}
}

func (s *PollSource) Run(ctx context.Context, emit Emit) error {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		events, err := s.Fetch(ctx, s.Key)
		if err != nil {
			s.Logger.Warn().Err(err).Str("listener", s.Key.String()).Msg("poll failed")
			continue
		}
		for _, ev := range events {
			ev.TriggerKind, ev.CustomKind, ev.Platform = s.Key.Kind, s.Key.CustomKind, s.Key.Platform
			if ev.OccurredAt.IsZero() {
				ev.OccurredAt = time.Now().UTC()
			}
			if err := emit(ctx, ev); err != nil {
				return err
			}
		}
	}
}
