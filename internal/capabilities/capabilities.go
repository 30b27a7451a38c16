// Package capabilities provides built-in action handlers and installs them
// into a dispatcher from configuration bindings.
package capabilities

import (
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cadenza-automation/cadenza/internal/dispatch"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// Handler names accepted in bindings.
const (
	HandlerLog  = "log"
	HandlerHTTP = "http"
	HandlerNATS = "nats"
)

// Binding maps a (platform, action type) pair to a built-in handler.
type Binding struct {
	Platform types.PlatformID `mapstructure:"platform" json:"platform"`
	Action   types.ActionType `mapstructure:"action" json:"action"`
	Handler  string           `mapstructure:"handler" json:"handler"`
}

// Registrar accepts capability handlers. *dispatch.Dispatcher implements it.
type Registrar interface {
	Register(platform types.PlatformID, actionType types.ActionType, h dispatch.Handler) error
}

// SecretSource looks up signing secrets per platform.
type SecretSource interface {
	Secret(platform types.PlatformID) ([]byte, bool)
}

// Deps carries what the built-in handlers need. NATS may be nil when no
// binding uses the nats handler.
type Deps struct {
	Logger        zerolog.Logger
	HTTPClient    *http.Client
	Secrets       SecretSource
	NATS          *nats.Conn
	SubjectPrefix string
}

// Install registers a handler for every binding.
func Install(r Registrar, bindings []Binding, deps Deps) error {
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	var httpHandler, logHandler, natsHandler dispatch.Handler
	for _, b := range bindings {
		var h dispatch.Handler
		switch b.Handler {
		case HandlerLog:
			if logHandler == nil {
				logHandler = NewLogHandler(deps.Logger)
			}
			h = logHandler
		case HandlerHTTP:
			if httpHandler == nil {
				httpHandler = NewHTTPHandler(deps.HTTPClient, deps.Secrets)
			}
			h = httpHandler
		case HandlerNATS:
			if deps.NATS == nil {
				return fmt.Errorf("binding %s/%s: nats handler needs nats.url", b.Platform, b.Action)
			}
			if natsHandler == nil {
				natsHandler = NewNATSPublisher(deps.NATS, deps.SubjectPrefix)
			}
			h = natsHandler
		default:
			return fmt.Errorf("binding %s/%s: unknown handler %q", b.Platform, b.Action, b.Handler)
		}
		if err := r.Register(b.Platform, b.Action, h); err != nil {
			return err
		}
	}
	return nil
}

// envelope is the JSON body sent by the http and nats handlers.
type envelope struct {
	RuleID    types.RuleID     `json:"rule_id"`
	Platform  types.PlatformID `json:"platform"`
	Type      types.ActionType `json:"type"`
	Operation string           `json:"operation,omitempty"`
	Attempt   int              `json:"attempt"`
	Params    map[string]any   `json:"params"`
	Event     eventRef         `json:"event"`
}

type eventRef struct {
	ID         types.EventID     `json:"id"`
	Kind       types.TriggerKind `json:"kind"`
	Platform   types.PlatformID  `json:"platform"`
	Name       string            `json:"name"`
	OccurredAt time.Time         `json:"occurred_at"`
}

func newEnvelope(req dispatch.Request, drop ...string) envelope {
	params := req.Params.Natives()
	for _, k := range drop {
		delete(params, k)
	}
	return envelope{
		RuleID:    req.RuleID,
		Platform:  req.Platform,
		Type:      req.Type,
		Operation: req.Operation,
		Attempt:   req.Attempt,
		Params:    params,
		Event: eventRef{
			ID:         req.Event.ID,
			Kind:       req.Event.TriggerKind,
			Platform:   req.Event.Platform,
			Name:       req.Event.Name,
			OccurredAt: req.Event.OccurredAt,
		},
	}
}

// deliveryID is stable across retries of the same action for the same event.
func deliveryID(req dispatch.Request) string {
	return fmt.Sprintf("%s:%s:%s:%s", req.RuleID, req.Event.ID, req.Type, req.Operation)
}
