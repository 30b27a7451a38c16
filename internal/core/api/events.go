package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cadenza-automation/cadenza/internal/core/auth"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// EventIDHeader lets webhook senders supply their own delivery identity.
const EventIDHeader = "X-Cadenza-Event-Id"

type acceptedEvent struct {
	EventID types.EventID     `json:"event_id"`
	Key     types.ListenerKey `json:"listener"`
}

// handleEvent ingests a normalized event.
func (s *Service) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev types.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := checkEvent(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid event", err)
		return
	}
	ev.ID = ev.Identity()
	s.deliver(w, r, ev)
}

// handleWebhook turns a raw JSON body into event fields. When a secret is
// configured for the platform the body must carry a valid signature.
func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	platform := types.PlatformID(chi.URLParam(r, "platformID"))
	name := chi.URLParam(r, "event")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "webhook body too large", err)
		return
	}
	if err := s.deps.Verifier.Verify(platform, body, r.Header.Get(auth.SignatureHeader)); err != nil {
		s.logger.Warn().Err(err).Str("platform", string(platform)).Msg("webhook signature rejected")
		respondError(w, http.StatusUnauthorized, "invalid webhook signature", err)
		return
	}

	var fields map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &fields); err != nil {
			respondError(w, http.StatusBadRequest, "webhook body must be a JSON object", err)
			return
		}
	}

	ev := types.Event{
		ID:          types.EventID(r.Header.Get(EventIDHeader)),
		TriggerKind: types.TriggerWebhook,
		Platform:    platform,
		Name:        name,
		Fields:      fields,
		OccurredAt:  s.now().UTC(),
	}
	q := r.URL.Query()
	if k := q.Get("kind"); k != "" {
		ev.TriggerKind = types.TriggerKind(k)
		ev.CustomKind = q.Get("custom_kind")
	}
	if err := checkEvent(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid event", err)
		return
	}
	if ev.ID == "" {
		ev.ID = webhookEventID(platform, name, body, ev.OccurredAt, s.deps.WebhookDedupeWindow)
	}
	s.deliver(w, r, ev)
}

// webhookEventID derives an identity for a delivery without an id header.
// Identical payloads received in the same window share an identity, so a
// sender's retry is deduplicated while a later genuine repeat is not.
func webhookEventID(platform types.PlatformID, name string, body []byte, received time.Time, window time.Duration) types.EventID {
	if window <= 0 {
		return types.EventID("webhook:" + uuid.NewString())
	}
	bucket := strconv.FormatInt(received.UnixNano()/int64(window), 10)
	sum := sha256.Sum256([]byte(string(platform) + "\x00" + name + "\x00" + bucket + "\x00" + string(body)))
	return types.EventID("sha256:" + hex.EncodeToString(sum[:]))
}

func (s *Service) deliver(w http.ResponseWriter, r *http.Request, ev types.Event) {
	if err := s.deps.Listeners.Deliver(r.Context(), ev); err != nil {
		if errors.Is(err, types.ErrNoListener) {
			s.logger.Debug().Str("listener", ev.Key().String()).Str("event", ev.Name).Msg("event has no listener")
		}
		s.fail(w, r, "event not accepted", err)
		return
	}
	respondJSON(w, http.StatusAccepted, acceptedEvent{EventID: ev.ID, Key: ev.Key()})
}

func checkEvent(ev *types.Event) error {
	verr := &types.ValidationError{}
	if !ev.TriggerKind.Valid() {
		verr.Add("trigger_kind", fmt.Sprintf("unknown trigger kind %q", ev.TriggerKind))
	}
	if ev.TriggerKind == types.TriggerCustom && ev.CustomKind == "" {
		verr.Add("custom_kind", "required for custom triggers")
	}
	if ev.Platform == "" {
		verr.Add("platform", "required")
	}
	if ev.Name == "" {
		verr.Add("event", "required")
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	return verr.OrNil()
}
