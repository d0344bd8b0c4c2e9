package subscription

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a group's subscription.
type Status string

const (
	StatusTrial       Status = "trial"
	StatusActive      Status = "active"
	StatusGracePeriod Status = "grace_period"
	StatusExpired     Status = "expired"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether no further transition except audit retention applies.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusCancelled
}

// Subscription is the durable lifecycle state for one group.
// Exactly one row exists per GroupID; rows are never physically deleted.
type Subscription struct {
	ID         uuid.UUID
	GroupID    int64
	PlanID     string
	Status     Status
	TrialStart time.Time
	TrialEnd   time.Time

	SubscriptionStart *time.Time
	SubscriptionEnd   *time.Time
	NextBillingDate   *time.Time
	GracePeriodEnd    *time.Time // set only while Status == grace_period

	// Version implements optimistic concurrency: every update must match the
	// version it read, so racing webhook and sweep mutations cannot silently
	// overwrite each other.
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Boundary returns the timestamp gating posting permission for the current
// status. Returns false for terminal states, which have no boundary.
func (s *Subscription) Boundary() (time.Time, bool) {
	switch s.Status {
	case StatusTrial:
		return s.TrialEnd, true
	case StatusActive:
		if s.SubscriptionEnd == nil {
			return time.Time{}, false
		}
		return *s.SubscriptionEnd, true
	case StatusGracePeriod:
		if s.GracePeriodEnd == nil {
			return time.Time{}, false
		}
		return *s.GracePeriodEnd, true
	default:
		return time.Time{}, false
	}
}

// PostingAllowedAt is a pure function of (status, stored boundary, now).
// No separate "is active" flag is persisted; permission is always re-derived
// from these fields so stored state cannot drift.
func (s *Subscription) PostingAllowedAt(now time.Time) bool {
	boundary, ok := s.Boundary()
	if !ok {
		return false
	}
	return boundary.After(now)
}

// EventType identifies an entry in the append-only subscription event log.
type EventType string

const (
	EventTrialStarted           EventType = "trial_started"
	EventTrialExpired           EventType = "trial_expired"
	EventSubscriptionLapsed     EventType = "subscription_lapsed"
	EventInvoiceCreated         EventType = "invoice_created"
	EventPaymentFinished        EventType = "payment_finished"
	EventSubscriptionActivated  EventType = "subscription_activated"
	EventGraceWarning           EventType = "grace_warning"
	EventSubscriptionExpired    EventType = "subscription_expired"
	EventSubscriptionCancelled  EventType = "subscription_cancelled"
	EventRenewalReminder        EventType = "renewal_reminder"
	EventPartialPaymentReminder EventType = "partial_payment_reminder"
)

// TrialWarning returns the event type for a warning N days before trial end.
func TrialWarning(days int) EventType {
	switch days {
	case 7:
		return "trial_warning_7d"
	case 3:
		return "trial_warning_3d"
	case 1:
		return "trial_warning_1d"
	default:
		return EventType("trial_warning_" + strconv.Itoa(days) + "d")
	}
}

// Event is one immutable row of the audit/dedup log. It is the sole source
// of truth for "has this notification or transition already been applied".
type Event struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	GroupID        int64
	Type           EventType
	Data           json.RawMessage
	CreatedAt      time.Time
}

// NewEvent builds an event with a marshaled data payload.
// Marshal failures fall back to an empty payload; the event itself must
// still be recorded because dedup depends on it.
func NewEvent(subID uuid.UUID, groupID int64, eventType EventType, data any) *Event {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte("{}")
	}
	return &Event{
		ID:             uuid.New(),
		SubscriptionID: subID,
		GroupID:        groupID,
		Type:           eventType,
		Data:           raw,
	}
}

// AbuseRecord tracks one granted trial for abuse lookups. Created alongside
// every trial grant; queried, never mutated except the flag.
type AbuseRecord struct {
	ID             uuid.UUID
	GroupID        int64
	Fingerprint    string
	CreatorUserID  int64
	TrialStartedAt time.Time
	Flagged        bool
	FlagReason     string
	CreatedAt      time.Time
}
