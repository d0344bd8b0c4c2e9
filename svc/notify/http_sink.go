package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrSinkRejected is returned when the bot endpoint refuses a message.
var ErrSinkRejected = errors.New("notification sink rejected message")

// HTTPSinkConfig points the dispatcher at the bot process, which owns the
// actual chat transport.
type HTTPSinkConfig struct {
	URL     string        `env:"BOT_NOTIFY_URL"`
	Token   string        `env:"BOT_NOTIFY_TOKEN"`
	Timeout time.Duration `env:"BOT_NOTIFY_TIMEOUT" envDefault:"10s"`
}

// HTTPSink delivers messages by POSTing them to the bot's notification
// endpoint.
type HTTPSink struct {
	cfg  HTTPSinkConfig
	http *http.Client
}

// NewHTTPSink builds a sink for the configured bot endpoint.
func NewHTTPSink(cfg HTTPSinkConfig) (*HTTPSink, error) {
	if cfg.URL == "" {
		return nil, errors.New("notify: sink URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPSink{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type sinkMessage struct {
	GroupID int64  `json:"group_id"`
	Text    string `json:"text"`
}

func (s *HTTPSink) SendMessage(ctx context.Context, groupID int64, text string) error {
	body, err := json.Marshal(sinkMessage{GroupID: groupID, Text: text})
	if err != nil {
		return fmt.Errorf("notify: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("%w: status %d", ErrSinkRejected, resp.StatusCode)
	}
	return nil
}
