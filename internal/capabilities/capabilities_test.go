package capabilities

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadenza-automation/cadenza/internal/core/auth"
	"github.com/cadenza-automation/cadenza/internal/dispatch"
	"github.com/cadenza-automation/cadenza/internal/types"
)

type staticSecrets map[types.PlatformID][]byte

func (s staticSecrets) Secret(p types.PlatformID) ([]byte, bool) {
	v, ok := s[p]
	return v, ok
}

func request(params types.Params) dispatch.Request {
	return dispatch.Request{
		RuleID:    "rule-1",
		Platform:  "crm",
		Type:      types.ActionTriggerAPI,
		Operation: "sync_contact",
		Params:    params,
		Attempt:   1,
		Event: types.Event{
			ID:          "evt-1",
			TriggerKind: types.TriggerWebhook,
			Platform:    "crm",
			Name:        "contact_updated",
			OccurredAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
}

func TestHTTPHandler_SendsSignedEnvelope(t *testing.T) {
	secret := []byte("0123456789abcdef0123")
	var got envelope
	var sig, idem, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sig = r.Header.Get(auth.SignatureHeader)
		idem = r.Header.Get("Idempotency-Key")
		method = r.Method
		if mac, err := auth.ParseSignature(sig); err == nil && auth.VerifyHMAC(mac, auth.ComputeHMAC(secret, body)) {
			_ = json.Unmarshal(body, &got)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewHTTPHandler(srv.Client(), staticSecrets{"crm": secret})
	resp, err := h.Invoke(context.Background(), request(types.Params{
		ParamURL:    types.String(srv.URL + "/hook"),
		ParamMethod: types.String("put"),
		"contact":   types.String("c-9"),
	}))
	require.NoError(t, err)
	assert.Equal(t, "HTTP 202", resp.Detail)
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "rule-1:evt-1:trigger_api:sync_contact", idem)
	assert.Equal(t, types.RuleID("rule-1"), got.RuleID)
	assert.Equal(t, map[string]any{"contact": "c-9"}, got.Params)
	assert.Equal(t, "contact_updated", got.Event.Name)
}

func TestHTTPHandler_UnsignedWithoutSecret(t *testing.T) {
	var sig atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig.Store(r.Header.Get(auth.SignatureHeader))
	}))
	defer srv.Close()

	h := NewHTTPHandler(srv.Client(), staticSecrets{})
	_, err := h.Invoke(context.Background(), request(types.Params{ParamURL: types.String(srv.URL)}))
	require.NoError(t, err)
	assert.Equal(t, "", sig.Load())
}

func TestHTTPHandler_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, types.ErrRateLimited},
		{"server error", http.StatusBadGateway, types.ErrTransient},
		{"request timeout", http.StatusRequestTimeout, types.ErrTransient},
		{"client error", http.StatusNotFound, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			h := NewHTTPHandler(srv.Client(), nil)
			_, err := h.Invoke(context.Background(), request(types.Params{ParamURL: types.String(srv.URL)}))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			assert.NotErrorIs(t, err, types.ErrTransient)
			assert.NotErrorIs(t, err, types.ErrRateLimited)
			assert.NotErrorIs(t, err, types.ErrMalformedParameters)
		})
	}
}

func TestHTTPHandler_BadParameters(t *testing.T) {
	h := NewHTTPHandler(http.DefaultClient, nil)
	for _, params := range []types.Params{
		{},
		{ParamURL: types.String("not a url")},
		{ParamURL: types.String("ftp://example.com")},
		{ParamURL: types.String("https://example.com"), ParamMethod: types.String("DELETE")},
	} {
		_, err := h.Invoke(context.Background(), request(params))
		assert.ErrorIs(t, err, types.ErrMalformedParameters, "params %v", params)
	}
}

func TestHTTPHandler_ConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := NewHTTPHandler(&http.Client{Timeout: time.Second}, nil)
	_, err := h.Invoke(context.Background(), request(types.Params{ParamURL: types.String(url)}))
	assert.ErrorIs(t, err, types.ErrTransient)
}

func TestLogHandler(t *testing.T) {
	h := NewLogHandler(zerolog.Nop())
	resp, err := h.Invoke(context.Background(), request(types.Params{"title": types.String("weekly")}))
	require.NoError(t, err)
	assert.Equal(t, "logged", resp.Detail)
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := NewNATSPublisher(nil, "")
	req := request(nil)
	assert.Equal(t, "cadenza.actions.crm.sync_contact", p.Subject(req))

	req.Operation = ""
	assert.Equal(t, "cadenza.actions.crm.trigger_api", p.Subject(req))

	req.Params = types.Params{ParamSubject: types.String("ops.alerts")}
	assert.Equal(t, "ops.alerts", p.Subject(req))
}

type recordingRegistrar struct {
	bound map[string]dispatch.Handler
}

func (r *recordingRegistrar) Register(p types.PlatformID, a types.ActionType, h dispatch.Handler) error {
	if r.bound == nil {
		r.bound = map[string]dispatch.Handler{}
	}
	r.bound[string(p)+"/"+string(a)] = h
	return nil
}

func TestInstall(t *testing.T) {
	reg := &recordingRegistrar{}
	err := Install(reg, []Binding{
		{Platform: "system", Action: types.ActionGenerateReport, Handler: HandlerLog},
		{Platform: "system", Action: types.ActionSendNotification, Handler: HandlerLog},
		{Platform: "crm", Action: types.ActionTriggerAPI, Handler: HandlerHTTP},
	}, Deps{Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.Len(t, reg.bound, 3)
	assert.IsType(t, &LogHandler{}, reg.bound["system/generate_report"])
	assert.Same(t, reg.bound["system/generate_report"], reg.bound["system/send_notification"])
	assert.IsType(t, &HTTPHandler{}, reg.bound["crm/trigger_api"])

	err = Install(reg, []Binding{{Platform: "bus", Action: types.ActionCustomScript, Handler: HandlerNATS}}, Deps{})
	assert.ErrorContains(t, err, "nats.url")

	err = Install(reg, []Binding{{Platform: "x", Action: types.ActionCustomScript, Handler: "carrier-pigeon"}}, Deps{})
	assert.ErrorContains(t, err, "unknown handler")
}
