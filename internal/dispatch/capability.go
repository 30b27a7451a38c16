package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// Request is one capability invocation.
type Request struct {
	RuleID    types.RuleID
	Platform  types.PlatformID
	Type      types.ActionType
	Operation string
	Params    types.Params
	Event     types.Event
	Attempt   int
}

// Response is what a capability reports on success.
type Response struct {
	Detail string
}

// Handler performs one kind of effect on one platform. Handlers classify
// their failures by wrapping types.ErrTransient, types.ErrRateLimited or
// types.ErrMalformedParameters; anything else is treated as permanent.
type Handler interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f HandlerFunc) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

type capabilityKey struct {
	platform   types.PlatformID
	actionType types.ActionType
}

// Table routes (platform, action type) to a handler.
type Table struct {
	mu       sync.RWMutex
	handlers map[capabilityKey]Handler
}

// NewTable creates an empty capability table.
func NewTable() *Table {
	return &Table{handlers: make(map[capabilityKey]Handler)}
}

// Register binds h to (platform, actionType), replacing any previous handler.
func (t *Table) Register(platform types.PlatformID, actionType types.ActionType, h Handler) error {
	if platform == "" {
		return fmt.Errorf("register capability: empty platform")
	}
	if !actionType.Valid() {
		return fmt.Errorf("register capability %s: unknown action type %q", platform, actionType)
	}
	if h == nil {
		return fmt.Errorf("register capability %s/%s: nil handler", platform, actionType)
	}
	t.mu.Lock()
	t.handlers[capabilityKey{platform, actionType}] = h
	t.mu.Unlock()
	return nil
}

// Lookup returns the handler for (platform, actionType).
func (t *Table) Lookup(platform types.PlatformID, actionType types.ActionType) (Handler, error) {
	t.mu.RLock()
	h, ok := t.handlers[capabilityKey{platform, actionType}]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", types.ErrCapabilityNotFound, actionType, platform)
	}
	return h, nil
}

// Capabilities lists registered action types per platform.
func (t *Table) Capabilities() map[types.PlatformID][]types.ActionType {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[types.PlatformID][]types.ActionType)
	for k := range t.handlers {
		out[k.platform] = append(out[k.platform], k.actionType)
	}
	return out
}
