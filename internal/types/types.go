// Package types provides domain models shared across Cadenza components.
//
// Rules, triggers, conditions, actions, events, execution records and platform
// descriptors live here so that the store, engine, dispatcher and API layers
// agree on one vocabulary without importing each other.
//
// Closed enums are typed strings with a Valid method. Kinds that allow forward
// compatibility carry an explicit custom variant plus a free-form name.
package types

// RuleID represents a UUIDv7 rule identifier.
// String alias enables type safety while maintaining JSON string serialization.
type RuleID string

// ExecutionID represents a UUIDv7 execution log entry identifier.
type ExecutionID string

// EventID identifies one delivery of an event. Callers may supply their own
// delivery identity; otherwise it is derived from the event content.
type EventID string

// PlatformID identifies a registered platform ("system", "gmail", "slack").
type PlatformID string

// SystemPlatform is always registered; it hosts schedules and internal reports.
const SystemPlatform PlatformID = "system"

// Resource limits enforced on ingest.
const (
	// MaxRuleNameLength bounds rule names stored and denormalized into log entries.
	MaxRuleNameLength = 256

	// MaxConditions limits the condition chain evaluated per match.
	MaxConditions = 64

	// MaxActions limits the action list dispatched per execution.
	MaxActions = 32

	// MaxPathDepth prevents stack overflow during recursive path resolution.
	MaxPathDepth = 16

	// MaxNestedWildcards limits wildcard expansion in a condition field path.
	MaxNestedWildcards = 2

	// MaxPayloadSize limits webhook and event bodies accepted by ingestion.
	MaxPayloadSize = 1024 * 1024
)
