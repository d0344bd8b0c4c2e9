package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines the persistence operations the lifecycle engine needs.
// All state lives behind this interface; the engine keeps no in-process
// cache of subscription status.
type Store interface {
	// CreateSubscription inserts a new row.
	// Returns ErrAlreadyExists when the group already has one.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// GetByGroupID returns the subscription for a group.
	// Returns ErrNotFound if none exists.
	GetByGroupID(ctx context.Context, groupID int64) (*Subscription, error)

	// GetByID returns a subscription by primary key.
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)

	// UpdateSubscription persists status and date changes with an optimistic
	// version check: the update applies only if the stored version equals
	// sub.Version, and increments it. Returns ErrConflict otherwise.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscriptionWithEvent applies UpdateSubscription and AppendEvent
	// atomically, so a crash cannot persist a transition without the event
	// row that makes it deduplicable.
	UpdateSubscriptionWithEvent(ctx context.Context, sub *Subscription, event *Event) error

	// ListInBoundaryWindow returns subscriptions in the given status whose
	// gating boundary (trialEnd, subscriptionEnd, or gracePeriodEnd,
	// depending on status) falls within [from, to).
	ListInBoundaryWindow(ctx context.Context, status Status, from, to time.Time) ([]*Subscription, error)

	// AppendEvent appends one immutable row to the event log.
	AppendEvent(ctx context.Context, event *Event) error

	// HasEventSince reports whether an event of the given type was logged
	// for the subscription at or after the given instant. This is the dedup
	// primitive for "already warned/transitioned today".
	HasEventSince(ctx context.Context, subID uuid.UUID, eventType EventType, since time.Time) (bool, error)

	// EventsForSubscription returns the audit trail, newest first. A
	// non-positive limit applies the store default.
	EventsForSubscription(ctx context.Context, subID uuid.UUID, limit int) ([]*Event, error)

	// HasActivationForPayment reports whether a subscription_activated event
	// carrying the given payment ID was already logged. Backs the activate
	// idempotence contract.
	HasActivationForPayment(ctx context.Context, subID, paymentID uuid.UUID) (bool, error)

	AbuseStore
}

// AbuseStore persists trial-abuse tracking records.
type AbuseStore interface {
	// CreateAbuseRecord records one granted trial.
	CreateAbuseRecord(ctx context.Context, rec *AbuseRecord) error

	// LatestAbuseByFingerprint returns the most recent record with the given
	// fingerprint, or ErrNotFound.
	LatestAbuseByFingerprint(ctx context.Context, fp string) (*AbuseRecord, error)

	// CountAbuseByCreator counts trials granted to a creator.
	CountAbuseByCreator(ctx context.Context, creatorUserID int64) (int, error)

	// FlagAbuseRecord sets the manual-review flag. The only permitted
	// mutation of an abuse record.
	FlagAbuseRecord(ctx context.Context, id uuid.UUID, reason string) error
}
