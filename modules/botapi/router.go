// Package botapi exposes the billing engine over HTTP for the bot process:
// trial signup, status checks, renewal invoices, cancellation, and the
// payment gateway webhook.
package botapi

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/insightbot/billingcore/pkg/clientip"
	"github.com/insightbot/billingcore/pkg/metrics"
	"github.com/insightbot/billingcore/pkg/ratelimiter"
	"github.com/insightbot/billingcore/pkg/requestid"
	"github.com/insightbot/billingcore/svc/payment"
	"github.com/insightbot/billingcore/svc/subscription"
)

// Deps carries everything the API surface needs. Subscriptions, Payments,
// and Ingestor are required; WebhookLimiter is optional and, when set,
// guards the webhook endpoint.
type Deps struct {
	Subscriptions  *subscription.Service
	Payments       *payment.Service
	Ingestor       *payment.Ingestor
	WebhookLimiter *ratelimiter.TokenBucket
	Metrics        *metrics.Collector
	Log            *slog.Logger
}

// Router assembles the billing API.
func Router(deps Deps) chi.Router {
	if deps.Subscriptions == nil {
		panic("botapi: subscription service is required")
	}
	if deps.Payments == nil {
		panic("botapi: payment service is required")
	}
	if deps.Ingestor == nil {
		panic("botapi: webhook ingestor is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Default()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}

	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/trials", h.startTrial)
		v1.Get("/groups/{groupID}/status", h.groupStatus)
		v1.Get("/groups/{groupID}/history", h.groupHistory)
		v1.Get("/groups/{groupID}/posting", h.postingAllowed)
		v1.Post("/subscriptions/{subscriptionID}/renewal", h.requestRenewal)
		v1.Post("/subscriptions/{subscriptionID}/cancel", h.cancel)

		v1.Group(func(wh chi.Router) {
			if deps.WebhookLimiter != nil {
				wh.Use(ratelimiter.Middleware(deps.WebhookLimiter, clientip.FromRequest))
			}
			wh.Post("/webhooks/payment", h.paymentWebhook)
		})
	})

	return r
}
