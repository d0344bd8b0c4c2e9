package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// GatewayConfig configures the crypto payment gateway client.
type GatewayConfig struct {
	APIKey         string        `env:"GATEWAY_API_KEY,required"`
	IPNSecret      string        `env:"GATEWAY_IPN_SECRET,required"`
	BaseURL        string        `env:"GATEWAY_API_URL" envDefault:"https://api.nowpayments.io/v1"`
	CallbackURL    string        `env:"GATEWAY_IPN_CALLBACK_URL"`
	InvoiceTTL     time.Duration `env:"GATEWAY_INVOICE_TTL" envDefault:"60m"`
	RequestTimeout time.Duration `env:"GATEWAY_REQUEST_TIMEOUT" envDefault:"15s"`
}

// InvoiceRequest describes a new invoice to open at the gateway.
type InvoiceRequest struct {
	OrderID          string
	OrderDescription string
	PriceAmount      float64
	PriceCurrency    string
	PayCurrency      string
}

// GatewayInvoice is the gateway's view of a freshly created invoice.
type GatewayInvoice struct {
	InvoiceID         string
	ExternalPaymentID string
	InvoiceURL        string
	PayAddress        string
	PayAmount         string
	PayCurrency       string
}

// Gateway abstracts the outbound payment gateway calls so services and
// tests do not depend on the HTTP client directly.
type Gateway interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*GatewayInvoice, error)
}

// Client talks to a NOWPayments-compatible REST API.
type Client struct {
	cfg  GatewayConfig
	http *http.Client
	log  *slog.Logger
}

// ClientOption configures the gateway client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithClientLogger sets the logger used for request diagnostics.
func WithClientLogger(log *slog.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// NewClient validates the gateway configuration and returns a client.
// Missing credentials are a deployment error and are reported up front
// rather than on the first request.
func NewClient(cfg GatewayConfig, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("payment: gateway API key is required")
	}
	if cfg.IPNSecret == "" {
		return nil, errors.New("payment: gateway IPN secret is required")
	}
	if cfg.InvoiceTTL <= 0 {
		cfg.InvoiceTTL = time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// IPNSecret exposes the shared webhook secret for the ingestor.
func (c *Client) IPNSecret() string { return c.cfg.IPNSecret }

// InvoiceTTL reports how long a created invoice stays payable.
func (c *Client) InvoiceTTL() time.Duration { return c.cfg.InvoiceTTL }

type invoiceRequestBody struct {
	PriceAmount      float64 `json:"price_amount"`
	PriceCurrency    string  `json:"price_currency"`
	PayCurrency      string  `json:"pay_currency"`
	OrderID          string  `json:"order_id"`
	OrderDescription string  `json:"order_description,omitempty"`
	IPNCallbackURL   string  `json:"ipn_callback_url,omitempty"`
}

type invoiceResponseBody struct {
	ID          json.Number `json:"id"`
	PaymentID   json.Number `json:"payment_id"`
	InvoiceURL  string      `json:"invoice_url"`
	PayAddress  string      `json:"pay_address"`
	PayAmount   json.Number `json:"pay_amount"`
	PayCurrency string      `json:"pay_currency"`
	Message     string      `json:"message"`
}

// CreateInvoice opens a new invoice at the gateway.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*GatewayInvoice, error) {
	body, err := json.Marshal(invoiceRequestBody{
		PriceAmount:      req.PriceAmount,
		PriceCurrency:    req.PriceCurrency,
		PayCurrency:      req.PayCurrency,
		OrderID:          req.OrderID,
		OrderDescription: req.OrderDescription,
		IPNCallbackURL:   c.cfg.CallbackURL,
	})
	if err != nil {
		return nil, fmt.Errorf("payment: marshal invoice request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/invoice", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("payment: build invoice request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Join(ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Join(ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		c.log.WarnContext(ctx, "gateway returned server error",
			slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		var ir invoiceResponseBody
		_ = json.Unmarshal(raw, &ir)
		return nil, fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, ir.Message)
	}

	var ir invoiceResponseBody
	if err := json.Unmarshal(raw, &ir); err != nil {
		return nil, fmt.Errorf("payment: decode invoice response: %w", err)
	}
	if ir.ID.String() == "" {
		return nil, fmt.Errorf("%w: response missing invoice id", ErrGatewayRejected)
	}

	return &GatewayInvoice{
		InvoiceID:         ir.ID.String(),
		ExternalPaymentID: ir.PaymentID.String(),
		InvoiceURL:        ir.InvoiceURL,
		PayAddress:        ir.PayAddress,
		PayAmount:         ir.PayAmount.String(),
		PayCurrency:       ir.PayCurrency,
	}, nil
}
