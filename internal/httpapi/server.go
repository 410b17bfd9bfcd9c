package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/planboard/internal/auth"
	"github.com/wolfeidau/planboard/internal/identity"
	"github.com/wolfeidau/planboard/internal/logger"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
	"github.com/wolfeidau/planboard/internal/telemetry"
)

const maxWebhookBytes = 1 << 20

// JobAdmin is the operator view of the orchestrator.
type JobAdmin interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.JobWithSteps, error)
	ListJobs(ctx context.Context, req *store.ListJobsRequest) ([]*models.Job, error)
	RetryJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

type Config struct {
	Jobs       JobAdmin
	Events     identity.Enqueuer
	Workspaces Workspaces
	Webhook    *WebhookVerifier
	// Authenticate verifies the caller for the workspace and admin routes, usually auth.Verifier.Middleware.
	Authenticate func(http.Handler) http.Handler
	CORSOrigins  []string
	// Ready reports whether dependencies such as the database are reachable.
	Ready   func(ctx context.Context) error
	Log     zerolog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

type Server struct {
	cfg Config
}

// NewRouter wires the webhook ingress, the workspace task endpoints, the operator job
// endpoints and health.
func NewRouter(cfg Config) http.Handler {
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NewMetrics(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(chimid.RequestID)
	r.Use(chimid.RealIP)
	r.Use(logger.Requests(cfg.Log))
	r.Use(chimid.Recoverer)

	r.Get("/healthz", s.handleHealth)

	if cfg.Webhook != nil && cfg.Events != nil {
		r.Post("/webhooks/identity", s.handleIdentityWebhook)
	}

	if cfg.Workspaces != nil && cfg.Authenticate != nil {
		r.Route("/workspaces", func(r chi.Router) {
			r.Use(withCORS(cfg.CORSOrigins))
			r.Use(cfg.Authenticate)
			r.Get("/", s.handleListWorkspaces)
			r.Post("/{workspaceID}/projects/{projectID}/tasks", s.handleCreateTask)
			r.Put("/{workspaceID}/tasks/{taskID}", s.handleUpdateTask)
		})
	}

	if cfg.Jobs != nil && cfg.Authenticate != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(withCORS(cfg.CORSOrigins))
			r.Use(cfg.Authenticate)
			r.Use(auth.RequireOperator)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/retry", s.handleRetryJob)
		})
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func withCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"code":    http.StatusText(status),
		"message": message,
	})
}
