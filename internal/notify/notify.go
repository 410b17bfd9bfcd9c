package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/planboard/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Message is an email ready for delivery. Body is HTML.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (m Message) validate() error {
	if m.To == "" {
		return errors.New("message has no recipient")
	}
	if m.Subject == "" {
		return errors.New("message has no subject")
	}
	return nil
}

// Sender delivers notifications. Implementations must honour ctx cancellation.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	metrics *telemetry.Metrics
}

func NewLogSender(metrics *telemetry.Metrics) *LogSender {
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}
	return &LogSender{metrics: metrics}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	zerolog.Ctx(ctx).Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("body", msg.Body).
		Msg("Notification")

	s.metrics.NotificationsSentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("sender", "log")))
	return nil
}

// HTTPSender posts messages as JSON to a mail relay.
type HTTPSender struct {
	url     string
	token   string
	client  *http.Client
	metrics *telemetry.Metrics
}

type HTTPSenderOption func(*HTTPSender)

func WithHTTPClient(c *http.Client) HTTPSenderOption {
	return func(s *HTTPSender) { s.client = c }
}

func WithMetrics(m *telemetry.Metrics) HTTPSenderOption {
	return func(s *HTTPSender) { s.metrics = m }
}

func NewHTTPSender(url, token string, opts ...HTTPSenderOption) *HTTPSender {
	s := &HTTPSender{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewMetrics(nil)
	}
	return s
}

func (s *HTTPSender) Send(ctx context.Context, msg Message) error {
	if err := msg.validate(); err != nil {
		return err
	}

	attrs := metric.WithAttributes(attribute.String("sender", "http"))
	if err := s.post(ctx, msg); err != nil {
		s.metrics.NotificationErrorsTotal.Add(ctx, 1, attrs)
		return err
	}

	s.metrics.NotificationsSentTotal.Add(ctx, 1, attrs)
	zerolog.Ctx(ctx).Debug().Str("to", msg.To).Str("subject", msg.Subject).Msg("Notification delivered to relay")
	return nil
}

func (s *HTTPSender) post(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create relay request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach mail relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail relay returned %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}

	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
