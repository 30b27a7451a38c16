package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// NATSSource subscribes to <prefix>.<kind>.<platform>.<event...> and turns
// each message into an event. The message body is a JSON object of fields;
// the Nats-Msg-Id header, when present, becomes the event id.
type NATSSource struct {
	conn    *nats.Conn
	prefix  string
	key     types.ListenerKey
	logger  zerolog.Logger
	subject string
}

// NewNATSSourceFactory returns a factory subscribing every listener for the
// registered pair to its subject tree.
func NewNATSSourceFactory(conn *nats.Conn, prefix string, logger zerolog.Logger) SourceFactory {
	return func(key types.ListenerKey) (Source, error) {
		if conn == nil {
			return nil, fmt.Errorf("nats: no connection")
		}
		kind := string(key.Kind)
		if key.Kind == types.TriggerCustom {
			kind = "custom-" + key.CustomKind
		}
		return &NATSSource{
			conn:    conn,
			prefix:  prefix,
			key:     key,
			logger:  logger,
			subject: fmt.Sprintf("%s.%s.%s.>", prefix, kind, key.Platform),
		}, nil
	}
}

// Subject is the wildcard subject the source subscribes to.
func (s *NATSSource) Subject() string {
	return s.subject
}

func (s *NATSSource) Run(ctx context.Context, emit Emit) error {
	msgs := make(chan *nats.Msg, 64)
	sub, err := s.conn.ChanSubscribe(s.subject, msgs)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", s.subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	s.logger.Debug().Str("subject", s.subject).Msg("nats source subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-msgs:
			ev, err := s.decode(msg)
			if err != nil {
				s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed message")
				continue
			}
			if err := emit(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (s *NATSSource) decode(msg *nats.Msg) (types.Event, error) {
	base := strings.TrimSuffix(s.subject, ">")
	name := strings.TrimPrefix(msg.Subject, base)
	if name == "" || name == msg.Subject {
		return types.Event{}, fmt.Errorf("subject %q has no event name", msg.Subject)
	}

	fields := map[string]any{}
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &fields); err != nil {
			return types.Event{}, fmt.Errorf("body is not a JSON object: %w", err)
		}
	}
	ev := types.Event{
		TriggerKind: s.key.Kind,
		CustomKind:  s.key.CustomKind,
		Platform:    s.key.Platform,
		Name:        name,
		Fields:      fields,
		OccurredAt:  time.Now().UTC(),
	}
	if msg.Header != nil {
		if id := msg.Header.Get(nats.MsgIdHdr); id != "" {
			ev.ID = types.EventID(id)
		}
	}
	return ev, nil
}
