// Package webhook delivers inbound messages and critical alerts to the
// backend HTTP service.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vietddude/relay/internal/core/domain"
	"github.com/vietddude/relay/internal/relay/alert"
	"github.com/vietddude/relay/internal/relay/metrics"
)

// Config holds the backend endpoints.
type Config struct {
	MessageURL string        `yaml:"message_url"`
	AlertURL   string        `yaml:"alert_url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries uint64        `yaml:"max_retries"`
	// HealthGRPC is the backend's gRPC health endpoint; empty disables the
	// backend probe.
	HealthGRPC string `yaml:"health_grpc"`
}

// Client posts JSON payloads to the backend. Transient failures (5xx,
// network) are retried a couple of times with exponential backoff; 4xx
// responses are permanent.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 2
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  slog.Default(),
	}
}

// messagePayload is the webhook contract for inbound messages.
type messagePayload struct {
	EventID    string    `json:"event_id"`
	Peer       string    `json:"peer"`
	MessageID  string    `json:"message_id"`
	FromMe     bool      `json:"from_me"`
	Text       string    `json:"text"`
	PushName   string    `json:"push_name,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// DeliverMessage posts one inbound message to the backend.
func (c *Client) DeliverMessage(ctx context.Context, msg *domain.InboundMessage) error {
	payload := messagePayload{
		EventID:    uuid.New().String(),
		Peer:       msg.Peer.String(),
		MessageID:  msg.Key.ID,
		FromMe:     msg.Key.FromMe,
		Text:       msg.Text,
		PushName:   msg.PushName,
		ReceivedAt: msg.ReceivedAt,
	}
	err := c.post(ctx, c.cfg.MessageURL, payload)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		return fmt.Errorf("deliver message %s: %w", msg.Key.ID, err)
	}
	metrics.WebhookDeliveries.WithLabelValues("ok").Inc()
	return nil
}

// Notify implements alert.Notifier. Best-effort; the caller logs failures.
func (c *Client) Notify(ctx context.Context, a alert.Alert) error {
	url := c.cfg.AlertURL
	if url == "" {
		url = c.cfg.MessageURL
	}
	return c.post(ctx, url, a)
}

func (c *Client) post(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			return retry.RetryableError(fmt.Errorf("backend returned %d", resp.StatusCode))
		default:
			return fmt.Errorf("backend rejected payload with %d", resp.StatusCode)
		}
	})
}
