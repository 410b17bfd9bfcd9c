package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/planboard/internal/access"
	"github.com/wolfeidau/planboard/internal/auth"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/workspace"
)

const maxTaskBytes = 64 << 10

// Workspaces is the part of workspace.Service exposed over HTTP.
type Workspaces interface {
	ListWorkspaces(ctx context.Context, caller *access.Caller) ([]*models.Workspace, error)
	CreateTask(ctx context.Context, caller *access.Caller, workspaceID string, projectID uuid.UUID, in workspace.TaskInput) (*models.Task, error)
	UpdateTask(ctx context.Context, caller *access.Caller, workspaceID string, taskID uuid.UUID, in workspace.TaskInput) (*models.Task, error)
}

type workspaceView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	IsDefault bool      `json:"isDefault"`
	CreatedAt time.Time `json:"createdAt"`
}

type taskRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssigneeID  *string    `json:"assigneeId"`
	DueDate     *time.Time `json:"dueDate"`
}

type taskView struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Type        string     `json:"type"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	AssigneeID  *string    `json:"assigneeId,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func newTaskView(t *models.Task) taskView {
	return taskView{
		ID:          t.ID.String(),
		ProjectID:   t.ProjectID.String(),
		Title:       t.Title,
		Description: t.Description,
		Type:        string(t.Type),
		Status:      string(t.Status),
		Priority:    string(t.Priority),
		AssigneeID:  t.AssigneeID,
		DueDate:     t.DueDate,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func (req taskRequest) input() workspace.TaskInput {
	return workspace.TaskInput{
		Title:       req.Title,
		Description: req.Description,
		Type:        models.TaskType(req.Type),
		Status:      models.TaskStatus(req.Status),
		Priority:    models.Priority(req.Priority),
		AssigneeID:  req.AssigneeID,
		DueDate:     req.DueDate,
	}
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.cfg.Workspaces.ListWorkspaces(r.Context(), auth.CallerFromContext(r.Context()))
	if err != nil {
		writeAccessError(w, r, err)
		return
	}

	views := make([]workspaceView, 0, len(workspaces))
	for _, ws := range workspaces {
		views = append(views, workspaceView{
			ID:        ws.ID.String(),
			Name:      ws.Name,
			Slug:      ws.Slug,
			IsDefault: ws.IsDefault,
			CreatedAt: ws.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": views})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "projectID")
	if !ok {
		return
	}
	req, ok := decodeTaskRequest(w, r)
	if !ok {
		return
	}

	task, err := s.cfg.Workspaces.CreateTask(r.Context(), auth.CallerFromContext(r.Context()), chi.URLParam(r, "workspaceID"), projectID, req.input())
	if err != nil {
		writeAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTaskView(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathID(w, r, "taskID")
	if !ok {
		return
	}
	req, ok := decodeTaskRequest(w, r)
	if !ok {
		return
	}

	task, err := s.cfg.Workspaces.UpdateTask(r.Context(), auth.CallerFromContext(r.Context()), chi.URLParam(r, "workspaceID"), taskID, req.input())
	if err != nil {
		writeAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

func decodeTaskRequest(w http.ResponseWriter, r *http.Request) (*taskRequest, bool) {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBytes))
	dec.DisallowUnknownFields()

	var req taskRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return &req, true
}

// pathID parses a uuid path parameter. A malformed id cannot name anything, so it is a 404.
func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return uuid.Nil, false
	}
	return id, true
}

// writeAccessError keeps not found responses identical whether the resource is missing or
// belongs to another tenant.
func writeAccessError(w http.ResponseWriter, r *http.Request, err error) {
	status := access.HTTPStatus(err)
	switch {
	case status == http.StatusInternalServerError:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("Workspace request failed")
		writeError(w, status, "internal error")
	case status == http.StatusNotFound:
		writeError(w, status, "not found")
	case errors.Is(err, access.ErrInvalidInput):
		writeError(w, status, err.Error())
	default:
		writeError(w, status, http.StatusText(status))
	}
}
