package botapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/insightbot/billingcore/pkg/ipn"
	"github.com/insightbot/billingcore/svc/payment"
	"github.com/insightbot/billingcore/svc/subscription"
)

// maxWebhookBody caps how much of a webhook request is read before
// signature verification.
const maxWebhookBody = 1 << 20

type handlers struct {
	deps Deps
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			h.deps.Log.Warn("failed to encode response", slog.Any("error", err))
		}
	}
}

func (h *handlers) respondError(w http.ResponseWriter, status int, msg string) {
	h.respond(w, status, errorResponse{Error: msg})
}

type startTrialRequest struct {
	GroupID       int64  `json:"group_id"`
	GroupTitle    string `json:"group_title"`
	CreatorUserID int64  `json:"creator_user_id"`
}

type subscriptionResponse struct {
	SubscriptionID string     `json:"subscription_id"`
	GroupID        int64      `json:"group_id"`
	Status         string     `json:"status"`
	TrialEnd       *time.Time `json:"trial_end,omitempty"`
}

func (h *handlers) startTrial(w http.ResponseWriter, r *http.Request) {
	var req startTrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.GroupID == 0 || req.CreatorUserID == 0 {
		h.respondError(w, http.StatusBadRequest, "group_id and creator_user_id are required")
		return
	}

	sub, err := h.deps.Subscriptions.StartTrial(r.Context(), req.GroupID, req.GroupTitle, req.CreatorUserID)
	switch {
	case err == nil:
	case errors.Is(err, subscription.ErrTrialNotAllowed):
		h.respondError(w, http.StatusForbidden, "trial not available for this group")
		return
	default:
		h.deps.Log.ErrorContext(r.Context(), "start trial failed", slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := subscriptionResponse{
		SubscriptionID: sub.ID.String(),
		GroupID:        sub.GroupID,
		Status:         string(sub.Status),
	}
	if sub.Status == subscription.StatusTrial {
		trialEnd := sub.TrialEnd
		resp.TrialEnd = &trialEnd
	}
	h.respond(w, http.StatusCreated, resp)
}

func (h *handlers) groupID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "groupID"), 10, 64)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid group id")
		return 0, false
	}
	return id, true
}

func (h *handlers) subscriptionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "subscriptionID"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid subscription id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *handlers) groupStatus(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.groupID(w, r)
	if !ok {
		return
	}

	info, err := h.deps.Subscriptions.Status(r.Context(), groupID)
	if err != nil {
		h.deps.Log.ErrorContext(r.Context(), "status lookup failed", slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.respond(w, http.StatusOK, info)
}

type historyEntry struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (h *handlers) groupHistory(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.groupID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := h.deps.Subscriptions.History(r.Context(), groupID, limit)
	switch {
	case errors.Is(err, subscription.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "no subscription for group")
		return
	case err != nil:
		h.deps.Log.ErrorContext(r.Context(), "history lookup failed", slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	entries := make([]historyEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, historyEntry{
			EventType: string(ev.Type),
			Data:      ev.Data,
			CreatedAt: ev.CreatedAt,
		})
	}
	h.respond(w, http.StatusOK, map[string]any{"events": entries})
}

func (h *handlers) postingAllowed(w http.ResponseWriter, r *http.Request) {
	groupID, ok := h.groupID(w, r)
	if !ok {
		return
	}

	allowed, err := h.deps.Subscriptions.PostingAllowed(r.Context(), groupID)
	if err != nil {
		h.deps.Log.ErrorContext(r.Context(), "posting check failed", slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	h.respond(w, http.StatusOK, map[string]bool{"posting_allowed": allowed})
}

type renewalRequest struct {
	PayCurrency string `json:"pay_currency"`
}

type invoiceResponse struct {
	PaymentID   string    `json:"payment_id"`
	InvoiceID   string    `json:"invoice_id"`
	InvoiceURL  string    `json:"invoice_url"`
	PayAddress  string    `json:"pay_address"`
	PayAmount   string    `json:"pay_amount"`
	PayCurrency string    `json:"pay_currency"`
	PriceUSD    float64   `json:"price_usd"`
	ExpiresAt   time.Time `json:"expires_at"`
	QRCodePNG   []byte    `json:"qr_code_png,omitempty"`
}

func (h *handlers) requestRenewal(w http.ResponseWriter, r *http.Request) {
	subID, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}

	var req renewalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inv, err := h.deps.Payments.CreateInvoice(r.Context(), subID, req.PayCurrency)
	switch {
	case err == nil:
	case errors.Is(err, subscription.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "subscription not found")
		return
	case errors.Is(err, payment.ErrUnsupportedCurrency):
		h.respondError(w, http.StatusBadRequest, "unsupported pay currency")
		return
	case errors.Is(err, subscription.ErrInvalidState):
		h.respondError(w, http.StatusConflict, "subscription cannot be renewed")
		return
	case errors.Is(err, payment.ErrGatewayUnavailable):
		h.respondError(w, http.StatusServiceUnavailable, "payment gateway unavailable")
		return
	default:
		h.deps.Log.ErrorContext(r.Context(), "create invoice failed", slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.respond(w, http.StatusCreated, invoiceResponse{
		PaymentID:   inv.PaymentID.String(),
		InvoiceID:   inv.InvoiceID,
		InvoiceURL:  inv.InvoiceURL,
		PayAddress:  inv.PayAddress,
		PayAmount:   inv.PayAmount,
		PayCurrency: inv.PayCurrency,
		PriceUSD:    inv.Price.Dollars(),
		ExpiresAt:   inv.ExpiresAt,
		QRCodePNG:   inv.QRCodePNG,
	})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	subID, ok := h.subscriptionID(w, r)
	if !ok {
		return
	}

	err := h.deps.Subscriptions.Cancel(r.Context(), subID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, subscription.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "subscription not found")
	case errors.Is(err, subscription.ErrInvalidState):
		h.respondError(w, http.StatusConflict, "subscription cannot be cancelled")
	default:
		h.deps.Log.ErrorContext(r.Context(), "cancel failed", slog.Any("error", err))
		h.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// paymentWebhook hands the raw body and signature header to the ingestor.
// The body must not be re-encoded before verification; the HMAC covers the
// exact bytes the gateway sent.
func (h *handlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	err = h.deps.Ingestor.ProcessWebhook(r.Context(), body, r.Header.Get(ipn.SignatureHeader))
	switch {
	case err == nil:
		// Includes duplicate deliveries: the gateway only needs to know we
		// have the event.
		h.respond(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, ipn.ErrMissingSignature):
		h.respondError(w, http.StatusBadRequest, "missing signature")
	case errors.Is(err, ipn.ErrInvalidSignature):
		h.respondError(w, http.StatusUnauthorized, "invalid signature")
	case errors.Is(err, payment.ErrInvalidPayload):
		h.respondError(w, http.StatusBadRequest, "invalid payload")
	case errors.Is(err, payment.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "unknown invoice")
	default:
		// Transient trouble: a 5xx makes the gateway redeliver, and
		// processing is idempotent.
		h.deps.Log.ErrorContext(r.Context(), "webhook processing failed", slog.Any("error", err))
		h.respondError(w, http.StatusServiceUnavailable, "temporary failure")
	}
}
