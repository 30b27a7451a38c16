// Package platform tracks the platforms rules can listen to and act on.
package platform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cadenza-automation/cadenza/internal/types"
)

// ChangeFunc is called after a platform's descriptor or connection state changes.
type ChangeFunc func(p types.Platform)

// Registry maps platform ids to descriptors and connection state.
// Reads are concurrent; writes are serialized and never block on subscribers.
type Registry struct {
	mu          sync.RWMutex
	platforms   map[types.PlatformID]types.Platform
	subscribers map[int]ChangeFunc
	nextSub     int
	logger      zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		platforms:   make(map[types.PlatformID]types.Platform),
		subscribers: make(map[int]ChangeFunc),
		logger:      logger.With().Str("component", "platform-registry").Logger(),
	}
}

// Register adds or replaces a platform descriptor.
func (r *Registry) Register(p types.Platform) error {
	if p.ID == "" {
		return fmt.Errorf("register platform: empty id")
	}
	if p.Type != "" && !p.Type.Valid() {
		return fmt.Errorf("register platform %s: unknown type %q", p.ID, p.Type)
	}
	for _, k := range p.TriggerKinds {
		if !k.Valid() {
			return fmt.Errorf("register platform %s: unknown trigger kind %q", p.ID, k)
		}
	}
	for _, a := range p.ActionTypes {
		if !a.Valid() {
			return fmt.Errorf("register platform %s: unknown action type %q", p.ID, a)
		}
	}
	if p.Name == "" {
		p.Name = string(p.ID)
	}

	r.mu.Lock()
	r.platforms[p.ID] = clonePlatform(p)
	subs := r.snapshotSubscribers()
	r.mu.Unlock()

	r.logger.Info().Str("platform", string(p.ID)).Bool("connected", p.Connected).Msg("platform registered")
	notify(subs, p)
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id types.PlatformID) (types.Platform, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[id]
	if !ok {
		return types.Platform{}, fmt.Errorf("%w: %s", types.ErrPlatformNotFound, id)
	}
	return clonePlatform(p), nil
}

// List returns all platforms sorted by id.
func (r *Registry) List() []types.Platform {
	r.mu.RLock()
	out := make([]types.Platform, 0, len(r.platforms))
	for _, p := range r.platforms {
		out = append(out, clonePlatform(p))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns nil when id is registered and connected.
func (r *Registry) Available(id types.PlatformID) error {
	r.mu.RLock()
	p, ok := r.platforms[id]
	r.mu.RUnlock()
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", types.ErrPlatformNotFound, id)
	case !p.Connected:
		return fmt.Errorf("%w: %s", types.ErrPlatformDisconnected, id)
	}
	return nil
}

// Connect marks a platform connected.
func (r *Registry) Connect(id types.PlatformID) error {
	return r.setConnected(id, true)
}

// Disconnect marks a platform disconnected. Listeners suspend and dispatches
// to it fail permanently until it reconnects.
func (r *Registry) Disconnect(id types.PlatformID) error {
	return r.setConnected(id, false)
}

func (r *Registry) setConnected(id types.PlatformID, connected bool) error {
	r.mu.Lock()
	p, ok := r.platforms[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrPlatformNotFound, id)
	}
	if p.Connected == connected {
		r.mu.Unlock()
		return nil
	}
	p.Connected = connected
	r.platforms[id] = p
	subs := r.snapshotSubscribers()
	changed := clonePlatform(p)
	r.mu.Unlock()

	r.logger.Info().Str("platform", string(id)).Bool("connected", connected).Msg("platform connection changed")
	notify(subs, changed)
	return nil
}

// Subscribe registers fn for change notifications and returns a cancel func.
func (r *Registry) Subscribe(fn ChangeFunc) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subscribers, id)
		r.mu.Unlock()
	}
}

// Health reports connection state per platform.
func (r *Registry) Health() map[types.PlatformID]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.PlatformID]bool, len(r.platforms))
	for id, p := range r.platforms {
		out[id] = p.Connected
	}
	return out
}

// snapshotSubscribers must be called with r.mu held.
func (r *Registry) snapshotSubscribers() []ChangeFunc {
	subs := make([]ChangeFunc, 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

func notify(subs []ChangeFunc, p types.Platform) {
	for _, fn := range subs {
		fn(clonePlatform(p))
	}
}

func clonePlatform(p types.Platform) types.Platform {
	p.TriggerKinds = append([]types.TriggerKind(nil), p.TriggerKinds...)
	p.ActionTypes = append([]types.ActionType(nil), p.ActionTypes...)
	return p
}
