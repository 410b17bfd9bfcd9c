package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
)

const maxListLimit = 500

type jobView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"maxAttempts"`
	OrderingKey string     `json:"orderingKey,omitempty"`
	RunAt       time.Time  `json:"runAt"`
	LastError   string     `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

type stepView struct {
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Output      json.RawMessage `json:"output,omitempty"`
	WakeAt      *time.Time      `json:"wakeAt,omitempty"`
	CompletedAt time.Time       `json:"completedAt"`
}

type jobDetailView struct {
	jobView
	Payload json.RawMessage `json:"payload"`
	Steps   []stepView      `json:"steps"`
}

func newJobView(j *models.Job) jobView {
	return jobView{
		ID:          j.ID.String(),
		Name:        j.Name,
		State:       string(j.State),
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		OrderingKey: j.OrderingKey,
		RunAt:       j.RunAt,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		CompletedAt: j.CompletedAt,
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &store.ListJobsRequest{
		State: models.JobState(q.Get("state")),
		Name:  q.Get("name"),
		Limit: 50,
	}
	if req.State != "" && !req.State.Valid() {
		writeError(w, http.StatusBadRequest, "unknown job state")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		req.Limit = limit
	}

	jobs, err := s.cfg.Jobs.ListJobs(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, newJobView(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := s.cfg.Jobs.GetJob(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	view := jobDetailView{
		jobView: newJobView(&job.Job),
		Payload: job.Job.Payload,
		Steps:   make([]stepView, 0, len(job.Steps)),
	}
	for _, st := range job.Steps {
		view.Steps = append(view.Steps, stepView{
			Name:        st.Name,
			Kind:        string(st.Kind),
			Output:      st.Output,
			WakeAt:      st.WakeAt,
			CompletedAt: st.CompletedAt,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}

	job, err := s.cfg.Jobs.RetryJob(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "job is not in a retryable state")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Job admin request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
