package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// statusFor maps sentinel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation),
		errors.Is(err, types.ErrInvalidPath),
		errors.Is(err, types.ErrInvalidOperator):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrRuleNotFound),
		errors.Is(err, types.ErrPlatformNotFound),
		errors.Is(err, types.ErrNoListener):
		return http.StatusNotFound
	case errors.Is(err, types.ErrRuleExists),
		errors.Is(err, types.ErrVersionConflict),
		errors.Is(err, types.ErrDuplicateEvent):
		return http.StatusConflict
	case errors.Is(err, types.ErrListenerSuspended),
		errors.Is(err, types.ErrEngineStopped),
		errors.Is(err, types.ErrPlatformDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error    string             `json:"error"`
	Details  string             `json:"details,omitempty"`
	Problems []types.FieldError `json:"problems,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	body := errorBody{Error: message}
	if err != nil {
		body.Details = err.Error()
		var verr *types.ValidationError
		if errors.As(err, &verr) {
			body.Problems = verr.Problems
		}
	}
	respondJSON(w, status, body)
}

// fail responds with the status mapped from err. Server-side failures are
// logged and their details withheld.
func (s *Service) fail(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusFor(err)
	if status >= 500 && status != http.StatusServiceUnavailable {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg(message)
		respondError(w, status, message, nil)
		return
	}
	respondError(w, status, message, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &types.ValidationError{Problems: []types.FieldError{{Field: "body", Message: err.Error()}}}
	}
	return nil
}
