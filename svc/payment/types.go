package payment

import (
	"time"

	"github.com/google/uuid"

	"github.com/insightbot/billingcore/svc/plan"
)

// Status mirrors the payment gateway's invoice lifecycle, reduced to the
// states the engine acts on.
type Status string

const (
	StatusPending       Status = "pending"
	StatusConfirming    Status = "confirming"
	StatusFinished      Status = "finished"
	StatusFailed        Status = "failed"
	StatusExpired       Status = "expired"
	StatusPartiallyPaid Status = "partially_paid"
)

// mapGatewayStatus reduces the gateway's wire statuses to engine statuses.
// Unknown statuses are a validation failure, not something to guess at.
func mapGatewayStatus(s string) (Status, bool) {
	switch s {
	case "waiting":
		return StatusPending, true
	case "confirming", "confirmed", "sending":
		return StatusConfirming, true
	case "partially_paid":
		return StatusPartiallyPaid, true
	case "finished":
		return StatusFinished, true
	case "failed", "refunded":
		return StatusFailed, true
	case "expired":
		return StatusExpired, true
	default:
		return "", false
	}
}

// Payment is one invoice attempt. InvoiceID is the gateway's identifier and
// is globally unique; a payment transitions to finished at most once, and
// that transition is the only one permitted to trigger activation.
type Payment struct {
	ID                uuid.UUID
	SubscriptionID    uuid.UUID
	GroupID           int64
	Price             plan.Money
	AmountCrypto      string
	Currency          string // pay currency (btc, usdt, ...)
	PayAddress        string
	InvoiceID         string
	ExternalPaymentID string
	InvoiceURL        string
	Status            Status

	// Version implements the same optimistic concurrency scheme as
	// subscriptions, serializing duplicate webhook deliveries.
	Version int64

	CreatedAt   time.Time
	ConfirmedAt *time.Time
	ExpiresAt   time.Time
	RawPayload  []byte // last verified webhook body, kept for audit
}
