package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	headerWebhookID        = "svix-id"
	headerWebhookTimestamp = "svix-timestamp"
	headerWebhookSignature = "svix-signature"

	webhookSecretPrefix = "whsec_"

	// DefaultWebhookTolerance bounds the clock skew accepted between sender and receiver.
	DefaultWebhookTolerance = 5 * time.Minute
)

var (
	ErrMissingWebhookHeaders = errors.New("missing webhook signature headers")
	ErrWebhookTimestamp      = errors.New("webhook timestamp outside tolerance")
	ErrInvalidSignature      = errors.New("webhook signature mismatch")
)

// WebhookVerifier checks identity provider webhook signatures. Each message is signed
// with HMAC-SHA256 over "<id>.<timestamp>.<body>".
type WebhookVerifier struct {
	key       []byte
	tolerance time.Duration
}

// NewWebhookVerifier accepts the signing secret as issued, with or without the whsec_ prefix.
func NewWebhookVerifier(secret string, tolerance time.Duration) (*WebhookVerifier, error) {
	if secret == "" {
		return nil, errors.New("webhook signing secret not provided")
	}
	key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(secret, webhookSecretPrefix))
	if err != nil {
		return nil, fmt.Errorf("failed to decode webhook secret: %w", err)
	}
	if tolerance <= 0 {
		tolerance = DefaultWebhookTolerance
	}
	return &WebhookVerifier{key: key, tolerance: tolerance}, nil
}

// Verify returns the message id when the headers carry a valid signature for body.
func (v *WebhookVerifier) Verify(h http.Header, body []byte, now time.Time) (string, error) {
	msgID := h.Get(headerWebhookID)
	timestamp := h.Get(headerWebhookTimestamp)
	signatures := h.Get(headerWebhookSignature)
	if msgID == "" || timestamp == "" || signatures == "" {
		return "", ErrMissingWebhookHeaders
	}

	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrWebhookTimestamp, timestamp)
	}
	skew := now.Sub(time.Unix(secs, 0))
	if skew > v.tolerance || skew < -v.tolerance {
		return "", ErrWebhookTimestamp
	}

	expected := v.sign(msgID, timestamp, body)
	for _, candidate := range strings.Fields(signatures) {
		version, sig, ok := strings.Cut(candidate, ",")
		if !ok || version != "v1" {
			continue
		}
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return msgID, nil
		}
	}

	return "", ErrInvalidSignature
}

func (v *WebhookVerifier) sign(msgID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	_, _ = mac.Write([]byte(msgID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
