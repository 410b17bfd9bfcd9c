package httpapi

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testWebhookSecret = "whsec_" + base64.StdEncoding.EncodeToString([]byte("planboard-test-signing-secret"))

func signedHeaders(v *WebhookVerifier, msgID string, ts time.Time, body []byte) http.Header {
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	h := http.Header{}
	h.Set(headerWebhookID, msgID)
	h.Set(headerWebhookTimestamp, timestamp)
	h.Set(headerWebhookSignature, "v1,"+v.sign(msgID, timestamp, body))
	return h
}

func TestNewWebhookVerifier(t *testing.T) {
	_, err := NewWebhookVerifier("", 0)
	require.Error(t, err)

	_, err = NewWebhookVerifier("whsec_not base64!", 0)
	require.Error(t, err)

	v, err := NewWebhookVerifier(testWebhookSecret, 0)
	require.NoError(t, err)
	require.Equal(t, DefaultWebhookTolerance, v.tolerance)

	// the prefix is optional
	bare, err := NewWebhookVerifier(testWebhookSecret[len(webhookSecretPrefix):], 0)
	require.NoError(t, err)
	require.Equal(t, v.key, bare.key)
}

func TestWebhookVerify(t *testing.T) {
	v, err := NewWebhookVerifier(testWebhookSecret, 0)
	require.NoError(t, err)

	now := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	body := []byte(`{"type":"user.created","data":{"id":"user_1"}}`)

	t.Run("valid", func(t *testing.T) {
		msgID, err := v.Verify(signedHeaders(v, "msg_1", now, body), body, now)
		require.NoError(t, err)
		require.Equal(t, "msg_1", msgID)
	})

	t.Run("one of several signatures matches", func(t *testing.T) {
		h := signedHeaders(v, "msg_1", now, body)
		h.Set(headerWebhookSignature, "v1,bm9wZQ== v2,abc "+h.Get(headerWebhookSignature))
		_, err := v.Verify(h, body, now)
		require.NoError(t, err)
	})

	t.Run("within tolerance", func(t *testing.T) {
		_, err := v.Verify(signedHeaders(v, "msg_1", now.Add(-4*time.Minute), body), body, now)
		require.NoError(t, err)
	})

	tests := []struct {
		name    string
		headers func() http.Header
		body    []byte
		target  error
	}{
		{
			name:    "missing headers",
			headers: func() http.Header { return http.Header{} },
			body:    body,
			target:  ErrMissingWebhookHeaders,
		},
		{
			name:    "tampered body",
			headers: func() http.Header { return signedHeaders(v, "msg_1", now, body) },
			body:    []byte(`{"type":"user.deleted","data":{"id":"user_1"}}`),
			target:  ErrInvalidSignature,
		},
		{
			name: "different message id",
			headers: func() http.Header {
				h := signedHeaders(v, "msg_1", now, body)
				h.Set(headerWebhookID, "msg_2")
				return h
			},
			body:   body,
			target: ErrInvalidSignature,
		},
		{
			name:    "too old",
			headers: func() http.Header { return signedHeaders(v, "msg_1", now.Add(-6*time.Minute), body) },
			body:    body,
			target:  ErrWebhookTimestamp,
		},
		{
			name:    "too far in the future",
			headers: func() http.Header { return signedHeaders(v, "msg_1", now.Add(6*time.Minute), body) },
			body:    body,
			target:  ErrWebhookTimestamp,
		},
		{
			name: "non numeric timestamp",
			headers: func() http.Header {
				h := signedHeaders(v, "msg_1", now, body)
				h.Set(headerWebhookTimestamp, now.Format(time.RFC3339))
				return h
			},
			body:   body,
			target: ErrWebhookTimestamp,
		},
		{
			name: "unversioned signature",
			headers: func() http.Header {
				h := signedHeaders(v, "msg_1", now, body)
				h.Set(headerWebhookSignature, h.Get(headerWebhookSignature)[len("v1,"):])
				return h
			},
			body:   body,
			target: ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.headers(), tt.body, now)
			require.ErrorIs(t, err, tt.target)
		})
	}
}
