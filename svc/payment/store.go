package payment

import (
	"context"

	"github.com/google/uuid"
)

// Store persists payments. Implementations must enforce invoice uniqueness
// and optimistic version checks so concurrent webhook deliveries for the
// same invoice serialize instead of double-applying.
type Store interface {
	// CreatePayment inserts a new pending payment. Returns
	// ErrDuplicateInvoice when the invoice ID is already recorded.
	CreatePayment(ctx context.Context, p *Payment) error

	// GetByInvoiceID looks a payment up by the gateway invoice identifier.
	// Returns ErrNotFound when no payment references the invoice.
	GetByInvoiceID(ctx context.Context, invoiceID string) (*Payment, error)

	// GetBySubscriptionID returns the most recently created payment for a
	// subscription, or ErrNotFound.
	GetBySubscriptionID(ctx context.Context, subscriptionID uuid.UUID) (*Payment, error)

	// UpdatePayment persists changes using p.Version as the expected
	// version. Returns ErrConflict on a version mismatch and increments
	// p.Version on success.
	UpdatePayment(ctx context.Context, p *Payment) error
}
