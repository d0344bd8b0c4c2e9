package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/insightbot/billingcore/pkg/ipn"
	"github.com/insightbot/billingcore/pkg/metrics"
	"github.com/insightbot/billingcore/svc/subscription"
)

// Activator applies a confirmed payment to a subscription. The call must be
// idempotent per payment ID; the ingestor relies on that when webhook
// deliveries race or are replayed after a partial failure.
type Activator interface {
	Activate(ctx context.Context, subscriptionID, paymentID uuid.UUID) (*subscription.Subscription, error)
}

// EventLog is the slice of the subscription store the ingestor uses for
// audit rows and partial-payment reminder dedup.
type EventLog interface {
	AppendEvent(ctx context.Context, ev *subscription.Event) error
	HasEventSince(ctx context.Context, subID uuid.UUID, eventType subscription.EventType, since time.Time) (bool, error)
}

// Ingestor consumes payment gateway webhooks: verifies the signature over
// the raw body, resolves the referenced payment, applies the status change
// with optimistic concurrency, and triggers activation exactly once on the
// transition into finished.
type Ingestor struct {
	store     Store
	events    EventLog
	activator Activator
	notifier  subscription.Notifier
	secret    string
	metrics   *metrics.Collector
	log       *slog.Logger
	now       func() time.Time
	retries   int
}

// IngestorOption configures the ingestor.
type IngestorOption func(*Ingestor)

// WithIngestorLogger sets the ingestor logger.
func WithIngestorLogger(log *slog.Logger) IngestorOption {
	return func(i *Ingestor) {
		if log != nil {
			i.log = log
		}
	}
}

// WithIngestorMetrics replaces the metrics collector, for tests.
func WithIngestorMetrics(m *metrics.Collector) IngestorOption {
	return func(i *Ingestor) {
		if m != nil {
			i.metrics = m
		}
	}
}

// WithIngestorNotifier enables user-facing notices for partial payments.
func WithIngestorNotifier(n subscription.Notifier) IngestorOption {
	return func(i *Ingestor) { i.notifier = n }
}

// WithIngestorClock replaces the time source, for tests.
func WithIngestorClock(now func() time.Time) IngestorOption {
	return func(i *Ingestor) {
		if now != nil {
			i.now = now
		}
	}
}

// NewIngestor wires a webhook ingestor. An empty IPN secret is refused at
// construction so a misconfigured deployment cannot silently accept
// unsigned webhooks.
func NewIngestor(store Store, events EventLog, activator Activator, ipnSecret string, opts ...IngestorOption) (*Ingestor, error) {
	if store == nil {
		panic("payment: store is required")
	}
	if events == nil {
		panic("payment: event log is required")
	}
	if activator == nil {
		panic("payment: activator is required")
	}
	if ipnSecret == "" {
		return nil, errors.New("payment: IPN secret is required")
	}

	i := &Ingestor{
		store:     store,
		events:    events,
		activator: activator,
		secret:    ipnSecret,
		metrics:   metrics.Default(),
		log:       slog.Default(),
		now:       time.Now,
		retries:   3,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// flexID is an identifier that arrives as either a JSON number or a JSON
// string depending on the gateway version.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (f flexID) String() string { return string(f) }

// webhookPayload is the subset of the gateway IPN body the engine acts on.
type webhookPayload struct {
	InvoiceID     flexID  `json:"invoice_id"`
	PaymentID     flexID  `json:"payment_id"`
	PaymentStatus string  `json:"payment_status"`
	PayCurrency   string  `json:"pay_currency"`
	PayAmount     float64 `json:"pay_amount"`
	ActuallyPaid  float64 `json:"actually_paid"`
	OrderID       string  `json:"order_id"`
}

// ProcessWebhook handles one webhook delivery. The signature is verified
// over the raw body exactly as received. The returned error classifies the
// failure for the transport layer: ipn errors mean unauthorized,
// ErrInvalidPayload means a malformed body, ErrNotFound an unknown invoice,
// and anything else is retryable server-side trouble.
func (i *Ingestor) ProcessWebhook(ctx context.Context, rawBody []byte, signature string) error {
	if err := ipn.Verify(i.secret, rawBody, signature); err != nil {
		i.metrics.WebhookRejected("signature")
		return err
	}

	var wp webhookPayload
	if err := json.Unmarshal(rawBody, &wp); err != nil {
		i.metrics.WebhookRejected("malformed")
		return errors.Join(ErrInvalidPayload, err)
	}
	if wp.InvoiceID.String() == "" {
		i.metrics.WebhookRejected("malformed")
		return fmt.Errorf("%w: missing invoice_id", ErrInvalidPayload)
	}
	newStatus, ok := mapGatewayStatus(wp.PaymentStatus)
	if !ok {
		i.metrics.WebhookRejected("malformed")
		return fmt.Errorf("%w: unknown payment_status %q", ErrInvalidPayload, wp.PaymentStatus)
	}

	for attempt := 0; attempt < i.retries; attempt++ {
		p, err := i.store.GetByInvoiceID(ctx, wp.InvoiceID.String())
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				i.metrics.WebhookRejected("unknown_invoice")
			}
			return err
		}

		// finished is terminal: once a payment is confirmed, every later
		// delivery for the same invoice is acknowledged without effect.
		if p.Status == StatusFinished {
			return nil
		}
		if p.Status == newStatus {
			return nil
		}

		now := i.now().UTC()

		// A partial payment that outlives the invoice deadline is dead
		// money as far as the engine is concerned.
		if newStatus == StatusPartiallyPaid && now.After(p.ExpiresAt) {
			newStatus = StatusFailed
		}

		if newStatus == StatusFinished {
			// Activate before persisting the payment status. If we crash
			// between the two, the redelivered webhook sees a non-finished
			// payment, takes the finished edge again, and Activate's
			// per-payment idempotence absorbs the repeat.
			if _, err := i.activator.Activate(ctx, p.SubscriptionID, p.ID); err != nil {
				if !errors.Is(err, subscription.ErrInvalidState) {
					return fmt.Errorf("activate subscription %s: %w", p.SubscriptionID, err)
				}
				// Cancelled subscription; record the payment as finished
				// anyway so the money trail stays accurate.
				i.log.WarnContext(ctx, "confirmed payment for inactive subscription",
					slog.String("subscription_id", p.SubscriptionID.String()),
					slog.String("payment_id", p.ID.String()))
			}
			p.ConfirmedAt = &now
		}

		prev := p.Status
		p.Status = newStatus
		p.RawPayload = rawBody

		if err := i.store.UpdatePayment(ctx, p); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return err
		}

		i.metrics.WebhookProcessed(string(newStatus))
		i.log.InfoContext(ctx, "webhook applied",
			slog.String("invoice_id", p.InvoiceID),
			slog.String("from", string(prev)),
			slog.String("to", string(newStatus)))

		switch newStatus {
		case StatusFinished:
			i.metrics.PaymentConfirmed()
			i.appendEvent(ctx, p, subscription.EventPaymentFinished, map[string]any{
				"payment_id":    p.ID.String(),
				"invoice_id":    p.InvoiceID,
				"pay_currency":  wp.PayCurrency,
				"actually_paid": wp.ActuallyPaid,
			})
		case StatusPartiallyPaid:
			i.remindPartialPayment(ctx, p, wp)
		}
		return nil
	}

	return fmt.Errorf("%w: gave up after %d attempts", ErrConflict, i.retries)
}

// remindPartialPayment tells the group once, and only once, that the
// transfer came up short. Dedup rides on the event log keyed by the
// payment's lifetime, so gateway redeliveries stay quiet.
func (i *Ingestor) remindPartialPayment(ctx context.Context, p *Payment, wp webhookPayload) {
	seen, err := i.events.HasEventSince(ctx, p.SubscriptionID, subscription.EventPartialPaymentReminder, p.CreatedAt)
	if err != nil {
		i.log.WarnContext(ctx, "partial payment dedup lookup failed", slog.Any("error", err))
		return
	}
	if seen {
		return
	}

	data := map[string]any{
		"payment_id":    p.ID.String(),
		"invoice_id":    p.InvoiceID,
		"pay_amount":    wp.PayAmount,
		"actually_paid": wp.ActuallyPaid,
		"pay_currency":  wp.PayCurrency,
	}
	i.appendEvent(ctx, p, subscription.EventPartialPaymentReminder, data)

	if i.notifier != nil {
		i.notifier.Notify(ctx, p.GroupID, subscription.EventPartialPaymentReminder, data)
	}
}

func (i *Ingestor) appendEvent(ctx context.Context, p *Payment, eventType subscription.EventType, data any) {
	ev := subscription.NewEvent(p.SubscriptionID, p.GroupID, eventType, data)
	if err := i.events.AppendEvent(ctx, ev); err != nil {
		i.log.WarnContext(ctx, "failed to append payment event",
			slog.String("event_type", string(eventType)),
			slog.Any("error", err))
	}
}
