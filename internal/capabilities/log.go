package capabilities

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/cadenza-automation/cadenza/internal/dispatch"
)

// LogHandler records the action in the service log and always succeeds.
type LogHandler struct {
	logger zerolog.Logger
}

func NewLogHandler(logger zerolog.Logger) *LogHandler {
	return &LogHandler{logger: logger.With().Str("component", "capability-log").Logger()}
}

func (h *LogHandler) Invoke(_ context.Context, req dispatch.Request) (dispatch.Response, error) {
	h.logger.Info().
		Str("rule_id", string(req.RuleID)).
		Str("platform", string(req.Platform)).
		Str("action_type", string(req.Type)).
		Str("operation", req.Operation).
		Str("event_id", string(req.Event.ID)).
		Interface("params", req.Params.Natives()).
		Msg("action")
	return dispatch.Response{Detail: "logged"}, nil
}
