package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mrz1836/postmark"
)

var (
	ErrInvalidAlertConfig = errors.New("invalid alerter configuration")
	ErrFailedToSendAlert  = errors.New("failed to send operator alert")
)

// AlertConfig configures operator email alerts for conditions that need a
// human: invariant violations, confirmed payments on dead subscriptions.
type AlertConfig struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"ALERT_SENDER_EMAIL"`
	OperatorEmail        string `env:"ALERT_OPERATOR_EMAIL"`
}

// Enabled reports whether alerting is configured at all. Deployments
// without Postmark credentials simply run with alerts logged, not mailed.
func (c AlertConfig) Enabled() bool {
	return c.PostmarkServerToken != "" && c.OperatorEmail != ""
}

// Alerter mails the operator about conditions the engine cannot resolve on
// its own.
type Alerter struct {
	client *postmark.Client
	cfg    AlertConfig
	log    *slog.Logger
}

// NewAlerter validates the alert configuration and returns an Alerter.
func NewAlerter(cfg AlertConfig, log *slog.Logger) (*Alerter, error) {
	if cfg.PostmarkServerToken == "" {
		return nil, fmt.Errorf("%w: PostmarkServerToken is required", ErrInvalidAlertConfig)
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("%w: SenderEmail is required", ErrInvalidAlertConfig)
	}
	if cfg.OperatorEmail == "" {
		return nil, fmt.Errorf("%w: OperatorEmail is required", ErrInvalidAlertConfig)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Alerter{
		client: postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		cfg:    cfg,
		log:    log,
	}, nil
}

// Alert sends one operator email. Failures are logged and swallowed; an
// unreachable mail provider must not take the sweep down with it.
func (a *Alerter) Alert(ctx context.Context, subject string, details map[string]any) {
	body := fmt.Sprintf("Time: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	for k, v := range details {
		body += fmt.Sprintf("%s: %v\n", k, v)
	}

	resp, err := a.client.SendEmail(ctx, postmark.Email{
		From:     a.cfg.SenderEmail,
		To:       a.cfg.OperatorEmail,
		Subject:  "[billingcore] " + subject,
		Tag:      "operator-alert",
		TextBody: body,
	})
	if err == nil && resp.ErrorCode > 0 {
		err = fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message)
	}
	if err != nil {
		a.log.ErrorContext(ctx, "operator alert not delivered",
			slog.String("subject", subject),
			slog.Any("error", errors.Join(ErrFailedToSendAlert, err)))
	}
}
