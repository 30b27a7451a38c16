package types

import "errors"

// Sentinel errors for Cadenza operations.
var (
	// ErrValidation indicates a malformed rule definition. Returned wrapped in
	// a *ValidationError that lists every problem found.
	ErrValidation = errors.New("validation failed")

	// ErrRuleNotFound indicates no rule exists with the given id.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrRuleExists indicates a create collided with an existing rule id.
	ErrRuleExists = errors.New("rule already exists")

	// ErrVersionConflict indicates an update was based on a stale rule version.
	ErrVersionConflict = errors.New("rule version conflict")

	// ErrFieldNotFound indicates a field path could not be resolved on an event.
	ErrFieldNotFound = errors.New("field not found")

	// ErrPathTooDeep indicates a field path exceeds MaxPathDepth.
	ErrPathTooDeep = errors.New("field path exceeds maximum depth")

	// ErrTooManyWildcards indicates a field path exceeds MaxNestedWildcards.
	ErrTooManyWildcards = errors.New("field path has too many wildcards")

	// ErrInvalidPath indicates a field path could not be parsed.
	ErrInvalidPath = errors.New("invalid field path")

	// ErrInvalidOperator indicates an unknown condition operator.
	ErrInvalidOperator = errors.New("invalid operator")

	// ErrPlatformNotFound indicates the platform is not registered.
	ErrPlatformNotFound = errors.New("platform not found")

	// ErrPlatformDisconnected indicates the platform is registered but not connected.
	ErrPlatformDisconnected = errors.New("platform disconnected")

	// ErrCapabilityNotFound indicates no handler is registered for (platform, action type).
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrMalformedParameters indicates action parameters were rejected.
	ErrMalformedParameters = errors.New("malformed action parameters")

	// ErrTransient marks a dispatch failure that may succeed on retry.
	ErrTransient = errors.New("transient dispatch failure")

	// ErrRateLimited indicates the platform refused the call due to rate limits.
	ErrRateLimited = errors.New("rate limited")

	// ErrActionTimeout indicates a capability call exceeded its deadline.
	ErrActionTimeout = errors.New("action timed out")

	// ErrEngineFault indicates an unexpected internal error while orchestrating a match.
	ErrEngineFault = errors.New("engine fault")

	// ErrEngineStopped indicates the engine no longer accepts events.
	ErrEngineStopped = errors.New("engine stopped")

	// ErrDuplicateEvent indicates the (rule, event) pair was already processed.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrNoListener indicates no listener is armed for the (kind, platform) pair.
	ErrNoListener = errors.New("no listener for trigger")

	// ErrListenerSuspended indicates the listener is suspended because its platform is unreachable.
	ErrListenerSuspended = errors.New("listener suspended")

	// ErrInvalidSignature indicates a webhook signature did not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// IsTransient reports whether err should be retried by the dispatcher.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrActionTimeout)
}
