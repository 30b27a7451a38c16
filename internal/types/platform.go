package types

// PlatformType classifies platforms for display.
type PlatformType string

const (
	PlatformMainstream  PlatformType = "mainstream"
	PlatformAlternative PlatformType = "alternative"
	PlatformRegional    PlatformType = "regional"
	PlatformMessaging   PlatformType = "messaging"
)

// Valid reports whether t is a known platform type.
func (t PlatformType) Valid() bool {
	switch t {
	case PlatformMainstream, PlatformAlternative, PlatformRegional, PlatformMessaging:
		return true
	}
	return false
}

// Platform is a connection descriptor.
type Platform struct {
	ID           PlatformID    `json:"id" mapstructure:"id"`
	Name         string        `json:"name" mapstructure:"name"`
	Type         PlatformType  `json:"type" mapstructure:"type"`
	Connected    bool          `json:"connected" mapstructure:"connected"`
	TriggerKinds []TriggerKind `json:"trigger_kinds" mapstructure:"trigger_kinds"`
	ActionTypes  []ActionType  `json:"action_types" mapstructure:"action_types"`
}

// SupportsTrigger reports whether the platform emits events of kind k.
// An empty list means the platform accepts every kind.
func (p Platform) SupportsTrigger(k TriggerKind) bool {
	if len(p.TriggerKinds) == 0 {
		return true
	}
	for _, s := range p.TriggerKinds {
		if s == k {
			return true
		}
	}
	return false
}

// SupportsAction reports whether the platform accepts actions of type t.
// An empty list means the platform accepts every type.
func (p Platform) SupportsAction(t ActionType) bool {
	if len(p.ActionTypes) == 0 {
		return true
	}
	for _, s := range p.ActionTypes {
		if s == t {
			return true
		}
	}
	return false
}
