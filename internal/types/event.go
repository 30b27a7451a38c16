package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ListenerKey identifies one listener: a (kind, platform) pair. Custom kinds
// are distinguished by name.
type ListenerKey struct {
	Kind       TriggerKind `json:"kind"`
	CustomKind string      `json:"custom_kind,omitempty"`
	Platform   PlatformID  `json:"platform"`
}

func (k ListenerKey) String() string {
	if k.Kind == TriggerCustom && k.CustomKind != "" {
		return "custom:" + k.CustomKind + "/" + string(k.Platform)
	}
	return string(k.Kind) + "/" + string(k.Platform)
}

// Event is a normalized occurrence delivered by a listener.
type Event struct {
	ID          EventID        `json:"id,omitempty"`
	TriggerKind TriggerKind    `json:"trigger_kind"`
	CustomKind  string         `json:"custom_kind,omitempty"`
	Platform    PlatformID     `json:"platform"`
	Name        string         `json:"event"`
	Fields      map[string]any `json:"fields,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// Key returns the listener identity the event belongs to.
func (e Event) Key() ListenerKey {
	return ListenerKey{Kind: e.TriggerKind, CustomKind: e.CustomKind, Platform: e.Platform}
}

// MatchKey identifies the rules an event can fire: listener key plus event name.
type MatchKey struct {
	ListenerKey
	Event string
}

// MatchKey returns the rule lookup key for the event.
func (e Event) MatchKey() MatchKey {
	return MatchKey{ListenerKey: e.Key(), Event: e.Name}
}

// MatchKey returns the rule lookup key for the trigger.
func (t Trigger) MatchKey() MatchKey {
	return MatchKey{ListenerKey: t.Key(), Event: t.Event}
}

// Identity returns the event's delivery identity. A caller-supplied ID wins;
// otherwise the identity is a SHA-256 over the canonical JSON of the content,
// so a redelivered copy of the same occurrence maps to the same identity.
func (e Event) Identity() EventID {
	if e.ID != "" {
		return e.ID
	}
	canonical := struct {
		Kind       TriggerKind    `json:"k"`
		CustomKind string         `json:"c"`
		Platform   PlatformID     `json:"p"`
		Name       string         `json:"n"`
		Fields     map[string]any `json:"f"`
		OccurredAt int64          `json:"t"`
	}{e.TriggerKind, e.CustomKind, e.Platform, e.Name, e.Fields, e.OccurredAt.UnixNano()}
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(canonical)
	if err != nil {
		data = []byte(e.OccurredAt.String() + string(e.Platform) + e.Name)
	}
	sum := sha256.Sum256(data)
	return EventID("sha256:" + hex.EncodeToString(sum[:]))
}
