package payment_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insightbot/billingcore/pkg/metrics"
	"github.com/insightbot/billingcore/svc/payment"
	"github.com/insightbot/billingcore/svc/plan"
	"github.com/insightbot/billingcore/svc/subscription"
)

type fakeGateway struct {
	lastRequest payment.InvoiceRequest
	calls       int
	invoice     *payment.GatewayInvoice
	err         error
}

func (g *fakeGateway) CreateInvoice(_ context.Context, req payment.InvoiceRequest) (*payment.GatewayInvoice, error) {
	g.lastRequest = req
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return g.invoice, nil
}

func newInvoiceFixture(t *testing.T) (*payment.Service, *fakeGateway, *subscription.Subscription, *subscription.MemStore) {
	t.Helper()
	ctx := context.Background()

	subStore := subscription.NewMemStore()
	catalog := plan.Builtin()
	guard := subscription.NewGuard(subStore, subscription.GuardConfig{
		CooldownDays:        30,
		MaxTrialsPerCreator: 3,
	}, nil)
	subs := subscription.NewService(subStore, catalog, guard,
		subscription.WithMetrics(metrics.NewIsolated()),
	)
	sub, err := subs.StartTrial(ctx, 1, "Test Group", 10)
	require.NoError(t, err)

	gw := &fakeGateway{invoice: &payment.GatewayInvoice{
		InvoiceID:         "inv-42",
		ExternalPaymentID: "pay-42",
		InvoiceURL:        "https://gateway.example/i/42",
		PayAddress:        "bc1qexampleaddress",
		PayAmount:         "0.00042",
		PayCurrency:       "btc",
	}}

	svc := payment.NewService(payment.NewMemStore(), subStore, catalog, gw,
		payment.WithInvoiceTTL(time.Hour),
	)
	return svc, gw, sub, subStore
}

func TestCreateInvoice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("persists pending payment and returns invoice", func(t *testing.T) {
		t.Parallel()
		svc, gw, sub, subStore := newInvoiceFixture(t)

		inv, err := svc.CreateInvoice(ctx, sub.ID, "btc")
		require.NoError(t, err)

		assert.Equal(t, "inv-42", inv.InvoiceID)
		assert.Equal(t, "bc1qexampleaddress", inv.PayAddress)
		assert.Equal(t, 15.0, inv.Price.Dollars())
		assert.NotEmpty(t, inv.QRCodePNG, "QR code rendered for the pay address")

		assert.Equal(t, 15.0, gw.lastRequest.PriceAmount)
		assert.Equal(t, "usd", gw.lastRequest.PriceCurrency)
		assert.Contains(t, gw.lastRequest.OrderID, "sub_"+sub.ID.String())

		p, err := svc.GetByInvoiceID(ctx, "inv-42")
		require.NoError(t, err)
		assert.Equal(t, payment.StatusPending, p.Status)
		assert.Equal(t, sub.ID, p.SubscriptionID)

		audit := subStore.EventsOfType(sub.ID, subscription.EventInvoiceCreated)
		assert.Len(t, audit, 1)
	})

	t.Run("reuses a still-payable invoice instead of opening another", func(t *testing.T) {
		t.Parallel()
		svc, gw, sub, _ := newInvoiceFixture(t)

		first, err := svc.CreateInvoice(ctx, sub.ID, "btc")
		require.NoError(t, err)
		second, err := svc.CreateInvoice(ctx, sub.ID, "btc")
		require.NoError(t, err)

		assert.Equal(t, first.PaymentID, second.PaymentID)
		assert.Equal(t, first.InvoiceID, second.InvoiceID)
		assert.NotEmpty(t, second.QRCodePNG)
		assert.Equal(t, 1, gw.calls, "one gateway invoice for one renewal")
	})

	t.Run("rejects unsupported currency before calling gateway", func(t *testing.T) {
		t.Parallel()
		svc, gw, sub, _ := newInvoiceFixture(t)

		_, err := svc.CreateInvoice(ctx, sub.ID, "doge")
		assert.ErrorIs(t, err, payment.ErrUnsupportedCurrency)
		assert.Empty(t, gw.lastRequest.OrderID, "gateway must not be called")
	})

	t.Run("unknown subscription", func(t *testing.T) {
		t.Parallel()
		svc, _, _, _ := newInvoiceFixture(t)

		_, err := svc.CreateInvoice(ctx, uuid.UUID{1, 2, 3}, "btc")
		assert.ErrorIs(t, err, subscription.ErrNotFound)
	})

	t.Run("gateway failure propagates", func(t *testing.T) {
		t.Parallel()
		svc, gw, sub, _ := newInvoiceFixture(t)
		gw.err = payment.ErrGatewayUnavailable

		_, err := svc.CreateInvoice(ctx, sub.ID, "btc")
		assert.ErrorIs(t, err, payment.ErrGatewayUnavailable)
	})

	t.Run("cancelled subscription cannot open invoices", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()

		subStore := subscription.NewMemStore()
		catalog := plan.Builtin()
		guard := subscription.NewGuard(subStore, subscription.GuardConfig{CooldownDays: 30, MaxTrialsPerCreator: 3}, nil)
		subs := subscription.NewService(subStore, catalog, guard,
			subscription.WithMetrics(metrics.NewIsolated()))

		sub, err := subs.StartTrial(ctx, 2, "Cancelled Group", 20)
		require.NoError(t, err)
		require.NoError(t, subs.Cancel(ctx, sub.ID))

		svc := payment.NewService(payment.NewMemStore(), subStore, catalog, &fakeGateway{})
		_, err = svc.CreateInvoice(ctx, sub.ID, "btc")
		assert.ErrorIs(t, err, subscription.ErrInvalidState)
	})
}
