// Package notify delivers block notifications to operators.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/triage-ai/bastion/internal/engine"
)

// Delivery statuses.
const (
	StatusDelivered = "delivered"
	StatusLogged    = "logged"
	StatusFailed    = "failed"
)

// SignatureHeader carries the hex HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Bastion-Signature"

// Sink delivers one notification and reports its delivery status.
type Sink interface {
	Deliver(ctx context.Context, channel string, severity engine.Severity, message string) (string, error)
}

// LogSink writes notifications to the log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a LogSink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, channel string, severity engine.Severity, message string) (string, error) {
	s.logger.Warn("security notification",
		zap.String("channel", channel),
		zap.String("severity", severity.String()),
		zap.String("message", message),
	)
	return StatusLogged, nil
}

// WebhookPayload is the JSON body posted by WebhookSink.
type WebhookPayload struct {
	Channel   string          `json:"channel"`
	Severity  engine.Severity `json:"severity"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// WebhookSink posts notifications as JSON to a URL.
type WebhookSink struct {
	url    string
	secret []byte
	client *http.Client
}

// NewWebhookSink returns a sink posting to url. A non-empty secret signs
// each body with HMAC-SHA256 in SignatureHeader.
func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookSink{
		url:    url,
		secret: []byte(secret),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, channel string, severity engine.Severity, message string) (string, error) {
	body, err := json.Marshal(WebhookPayload{
		Channel:   channel,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return StatusFailed, fmt.Errorf("Deliver: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return StatusFailed, fmt.Errorf("Deliver: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if len(s.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return StatusFailed, fmt.Errorf("Deliver: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return StatusFailed, fmt.Errorf("Deliver: webhook returned %s", resp.Status)
	}
	return StatusDelivered, nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
