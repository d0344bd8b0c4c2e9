package subscription

import "errors"

var (
	ErrNotFound      = errors.New("subscription not found")
	ErrAlreadyExists = errors.New("subscription already exists")

	// ErrConflict is returned when an optimistic update lost the race and
	// retries are exhausted. Callers should surface it as transient so the
	// external caller's retry semantics apply.
	ErrConflict = errors.New("subscription was modified concurrently")

	// ErrInvalidState is returned for a transition the current status does
	// not permit.
	ErrInvalidState = errors.New("invalid subscription state for transition")

	// ErrTrialNotAllowed is returned when the abuse guard rejects a trial.
	ErrTrialNotAllowed = errors.New("trial not allowed for this group")

	// ErrInvariantViolation marks persisted state that should be impossible
	// (for example a grace boundary before the trial start). Never silently
	// auto-corrected; routed to the operator alert path.
	ErrInvariantViolation = errors.New("subscription state invariant violated")
)
