package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/planboard/internal/identity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type webhookResponse struct {
	Status string `json:"status"`
	JobID  string `json:"jobId,omitempty"`
}

// handleIdentityWebhook verifies a delivery and turns it into an orchestrator job. Any
// non 2xx response makes the provider redeliver, so storage errors are reported as 500.
func (s *Server) handleIdentityWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := zerolog.Ctx(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		s.rejectWebhook(r, "body")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	msgID, err := s.cfg.Webhook.Verify(r.Header, body, s.cfg.Now())
	if err != nil {
		log.Warn().Err(err).Msg("Rejected identity webhook")
		s.rejectWebhook(r, "signature")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	evt, err := identity.DecodeEvent(body)
	if err != nil {
		log.Warn().Err(err).Str("msg_id", msgID).Msg("Malformed identity webhook")
		s.rejectWebhook(r, "malformed")
		writeError(w, http.StatusBadRequest, "malformed event")
		return
	}

	jobID, queued, err := identity.Publish(ctx, s.cfg.Events, msgID, evt)
	if err != nil {
		log.Error().Err(err).Str("msg_id", msgID).Str("event_type", evt.Type).Msg("Failed to enqueue identity event")
		writeError(w, http.StatusInternalServerError, "failed to enqueue event")
		return
	}
	if !queued {
		log.Debug().Str("msg_id", msgID).Str("event_type", evt.Type).Msg("Ignored identity event")
		writeJSON(w, http.StatusAccepted, webhookResponse{Status: "ignored"})
		return
	}

	log.Info().Str("msg_id", msgID).Str("event_type", evt.Type).Str("job_id", jobID.String()).Msg("Identity event queued")
	writeJSON(w, http.StatusAccepted, webhookResponse{Status: "queued", JobID: jobID.String()})
}

func (s *Server) rejectWebhook(r *http.Request, reason string) {
	s.cfg.Metrics.WebhooksRejectedTotal.Add(r.Context(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}
