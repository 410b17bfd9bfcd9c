package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestRequests(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantLevel string
	}{
		{"implicit ok", 0, "info"},
		{"accepted", http.StatusAccepted, "info"},
		{"server error", http.StatusBadGateway, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			handler := Requests(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NotEqual(t, zerolog.Disabled, zerolog.Ctx(r.Context()).GetLevel())
				if tt.status != 0 {
					w.WriteHeader(tt.status)
				}
				_, _ = w.Write([]byte("ok"))
			}))

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/identity", nil))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			require.Equal(t, tt.wantLevel, entry["level"])
			require.Equal(t, "POST", entry["method"])
			require.Equal(t, "/webhooks/identity", entry["path"])
			require.Equal(t, "http request", entry["message"])
			require.EqualValues(t, 2, entry["bytes"])

			want := tt.status
			if want == 0 {
				want = http.StatusOK
			}
			require.EqualValues(t, want, entry["status"])
		})
	}
}
