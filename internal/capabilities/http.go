package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cadenza-automation/cadenza/internal/core/auth"
	"github.com/cadenza-automation/cadenza/internal/dispatch"
	"github.com/cadenza-automation/cadenza/internal/types"
)

// Parameters read by the HTTP handler; everything else goes into the body.
const (
	ParamURL    = "url"
	ParamMethod = "method"
)

// HTTPHandler calls an external endpoint for trigger_api style actions.
// The body is a JSON envelope signed with the platform secret, if any.
type HTTPHandler struct {
	client  *http.Client
	secrets SecretSource
}

func NewHTTPHandler(client *http.Client, secrets SecretSource) *HTTPHandler {
	return &HTTPHandler{client: client, secrets: secrets}
}

func (h *HTTPHandler) Invoke(ctx context.Context, req dispatch.Request) (dispatch.Response, error) {
	target := req.Params.Get(ParamURL)
	u, err := url.Parse(target)
	if target == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return dispatch.Response{}, fmt.Errorf("%w: %s must be an absolute http(s) URL", types.ErrMalformedParameters, ParamURL)
	}
	method := strings.ToUpper(req.Params.Get(ParamMethod))
	switch method {
	case "":
		method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return dispatch.Response{}, fmt.Errorf("%w: unsupported method %q", types.ErrMalformedParameters, method)
	}

	body, err := json.Marshal(newEnvelope(req, ParamURL, ParamMethod))
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("%w: %v", types.ErrMalformedParameters, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return dispatch.Response{}, fmt.Errorf("%w: %v", types.ErrMalformedParameters, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "cadenza")
	httpReq.Header.Set("Idempotency-Key", deliveryID(req))
	if h.secrets != nil {
		if secret, ok := h.secrets.Secret(req.Platform); ok {
			httpReq.Header.Set(auth.SignatureHeader, auth.Sign(secret, body))
		}
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return dispatch.Response{}, ctxErr
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return dispatch.Response{}, fmt.Errorf("%w: %v", types.ErrActionTimeout, err)
		}
		return dispatch.Response{}, fmt.Errorf("%w: %v", types.ErrTransient, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return classify(resp.StatusCode)
}

func classify(code int) (dispatch.Response, error) {
	switch {
	case code >= 200 && code < 300:
		return dispatch.Response{Detail: fmt.Sprintf("HTTP %d", code)}, nil
	case code == http.StatusTooManyRequests:
		return dispatch.Response{}, fmt.Errorf("%w: HTTP %d", types.ErrRateLimited, code)
	case code == http.StatusRequestTimeout || code >= 500:
		return dispatch.Response{}, fmt.Errorf("%w: HTTP %d", types.ErrTransient, code)
	default:
		return dispatch.Response{}, fmt.Errorf("endpoint rejected action: HTTP %d", code)
	}
}
