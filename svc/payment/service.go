package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/insightbot/billingcore/pkg/qrcode"
	"github.com/insightbot/billingcore/svc/plan"
	"github.com/insightbot/billingcore/svc/subscription"
)

// SubscriptionDirectory is the slice of the subscription store the payment
// service needs: subscription lookup and event-log appends.
type SubscriptionDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*subscription.Subscription, error)
	AppendEvent(ctx context.Context, ev *subscription.Event) error
}

// Invoice is what the caller gets back after opening a renewal invoice:
// everything needed to present a payment prompt, including a QR code for
// the deposit address.
type Invoice struct {
	PaymentID   uuid.UUID
	InvoiceID   string
	InvoiceURL  string
	PayAddress  string
	PayAmount   string
	PayCurrency string
	Price       plan.Money
	ExpiresAt   time.Time
	QRCodePNG   []byte
}

// Service opens invoices against the gateway and records the resulting
// pending payments.
type Service struct {
	store   Store
	subs    SubscriptionDirectory
	plans   *plan.Catalog
	gateway Gateway
	ttl     time.Duration
	log     *slog.Logger
	now     func() time.Time
}

// ServiceOption configures the payment service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithInvoiceTTL overrides how long invoices stay payable.
func WithInvoiceTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the payment service. All four dependencies are required.
func NewService(store Store, subs SubscriptionDirectory, plans *plan.Catalog, gateway Gateway, opts ...ServiceOption) *Service {
	if store == nil {
		panic("payment: store is required")
	}
	if subs == nil {
		panic("payment: subscription directory is required")
	}
	if plans == nil {
		panic("payment: plan catalog is required")
	}
	if gateway == nil {
		panic("payment: gateway is required")
	}

	s := &Service{
		store:   store,
		subs:    subs,
		plans:   plans,
		gateway: gateway,
		ttl:     time.Hour,
		log:     slog.Default(),
		now:     time.Now,
	}
	if c, ok := gateway.(*Client); ok {
		s.ttl = c.InvoiceTTL()
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateInvoice opens a renewal invoice for the subscription in the given
// pay currency. The currency must be one the subscription's plan accepts.
// The returned invoice stays payable until ExpiresAt; a payment arriving
// after that is handled by the gateway's own expiry flow.
func (s *Service) CreateInvoice(ctx context.Context, subscriptionID uuid.UUID, payCurrency string) (*Invoice, error) {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == subscription.StatusCancelled {
		return nil, fmt.Errorf("%w: subscription is cancelled", subscription.ErrInvalidState)
	}

	pl, err := s.plans.Get(sub.PlanID)
	if err != nil {
		return nil, err
	}
	if !pl.SupportsCurrency(payCurrency) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, payCurrency)
	}

	now := s.now().UTC()

	// Reuse a still-payable invoice rather than opening a second one. Two
	// live invoices for the same renewal means one of them becomes an
	// orphan the reconciliation path has to explain.
	last, err := s.store.GetBySubscriptionID(ctx, sub.ID)
	switch {
	case err == nil:
		if last.Status == StatusPending && last.Currency == payCurrency && now.Before(last.ExpiresAt) {
			return s.presentInvoice(ctx, last), nil
		}
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	orderID := fmt.Sprintf("sub_%s_%d", sub.ID, now.Unix())

	gi, err := s.gateway.CreateInvoice(ctx, InvoiceRequest{
		OrderID:          orderID,
		OrderDescription: fmt.Sprintf("%s subscription, %d days", pl.Name, pl.BillingPeriodDays),
		PriceAmount:      pl.Price.Dollars(),
		PriceCurrency:    pl.Price.Currency,
		PayCurrency:      payCurrency,
	})
	if err != nil {
		return nil, err
	}

	p := &Payment{
		ID:                uuid.New(),
		SubscriptionID:    sub.ID,
		GroupID:           sub.GroupID,
		Price:             pl.Price,
		AmountCrypto:      gi.PayAmount,
		Currency:          payCurrency,
		PayAddress:        gi.PayAddress,
		InvoiceID:         gi.InvoiceID,
		ExternalPaymentID: gi.ExternalPaymentID,
		InvoiceURL:        gi.InvoiceURL,
		Status:            StatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(s.ttl),
	}
	if err := s.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}

	ev := subscription.NewEvent(sub.ID, sub.GroupID, subscription.EventInvoiceCreated, map[string]string{
		"payment_id":   p.ID.String(),
		"invoice_id":   p.InvoiceID,
		"pay_currency": payCurrency,
	})
	if err := s.subs.AppendEvent(ctx, ev); err != nil {
		// The invoice exists either way; losing the audit row is not worth
		// failing the renewal over.
		s.log.WarnContext(ctx, "failed to record invoice_created event",
			slog.String("subscription_id", sub.ID.String()),
			slog.Any("error", err))
	}

	return s.presentInvoice(ctx, p), nil
}

// presentInvoice shapes a pending payment into the caller-facing invoice,
// rendering the deposit address QR code on the way out.
func (s *Service) presentInvoice(ctx context.Context, p *Payment) *Invoice {
	var png []byte
	if p.PayAddress != "" {
		var err error
		png, err = qrcode.Generate(p.PayAddress, 256)
		if err != nil {
			s.log.WarnContext(ctx, "failed to render pay address QR code", slog.Any("error", err))
			png = nil
		}
	}

	return &Invoice{
		PaymentID:   p.ID,
		InvoiceID:   p.InvoiceID,
		InvoiceURL:  p.InvoiceURL,
		PayAddress:  p.PayAddress,
		PayAmount:   p.AmountCrypto,
		PayCurrency: p.Currency,
		Price:       p.Price,
		ExpiresAt:   p.ExpiresAt,
		QRCodePNG:   png,
	}
}

// GetByInvoiceID exposes payment lookup to callers outside the package.
func (s *Service) GetByInvoiceID(ctx context.Context, invoiceID string) (*Payment, error) {
	return s.store.GetByInvoiceID(ctx, invoiceID)
}
