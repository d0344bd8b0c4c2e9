package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/insightbot/billingcore/pkg/pg"
	"github.com/insightbot/billingcore/svc/payment"
)

const paymentColumns = `id, subscription_id, group_id, price_amount, price_currency,
	amount_crypto, pay_currency, pay_address, invoice_id, external_payment_id, invoice_url,
	status, version, created_at, confirmed_at, expires_at, raw_payload`

func scanPayment(row rowScanner) (*payment.Payment, error) {
	var p payment.Payment
	err := row.Scan(
		&p.ID, &p.SubscriptionID, &p.GroupID, &p.Price.Amount, &p.Price.Currency,
		&p.AmountCrypto, &p.Currency, &p.PayAddress, &p.InvoiceID, &p.ExternalPaymentID, &p.InvoiceURL,
		&p.Status, &p.Version, &p.CreatedAt, &p.ConfirmedAt, &p.ExpiresAt, &p.RawPayload,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, payment.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreatePayment(ctx context.Context, p *payment.Payment) error {
	err := s.pool.QueryRow(ctx, `
INSERT INTO payments (id, subscription_id, group_id, price_amount, price_currency,
	amount_crypto, pay_currency, pay_address, invoice_id, external_payment_id, invoice_url,
	status, version, created_at, confirmed_at, expires_at, raw_payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14, $15, $16)
RETURNING version
`, p.ID, p.SubscriptionID, p.GroupID, p.Price.Amount, p.Price.Currency,
		p.AmountCrypto, p.Currency, p.PayAddress, p.InvoiceID, p.ExternalPaymentID, p.InvoiceURL,
		p.Status, p.CreatedAt, p.ConfirmedAt, p.ExpiresAt, p.RawPayload,
	).Scan(&p.Version)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return payment.ErrDuplicateInvoice
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *Store) GetByInvoiceID(ctx context.Context, invoiceID string) (*payment.Payment, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1`, invoiceID)
	return scanPayment(row)
}

func (s *Store) GetBySubscriptionID(ctx context.Context, subscriptionID uuid.UUID) (*payment.Payment, error) {
	row := s.pool.QueryRow(ctx, `
SELECT `+paymentColumns+`
FROM payments
WHERE subscription_id = $1
ORDER BY created_at DESC
LIMIT 1
`, subscriptionID)
	return scanPayment(row)
}

func (s *Store) UpdatePayment(ctx context.Context, p *payment.Payment) error {
	err := s.pool.QueryRow(ctx, `
UPDATE payments
SET status = $3, confirmed_at = $4, raw_payload = $5, version = version + 1
WHERE id = $1 AND version = $2
RETURNING version
`, p.ID, p.Version, p.Status, p.ConfirmedAt, p.RawPayload).Scan(&p.Version)
	if err == nil {
		return nil
	}
	if !pg.IsNotFoundError(err) {
		return fmt.Errorf("update payment: %w", err)
	}

	var exists bool
	if chkErr := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM payments WHERE id = $1)`, p.ID,
	).Scan(&exists); chkErr != nil {
		return fmt.Errorf("update payment: %w", chkErr)
	}
	if !exists {
		return payment.ErrNotFound
	}
	return payment.ErrConflict
}
