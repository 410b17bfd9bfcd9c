package workspace

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/planboard/internal/access"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/orchestrator"
	"github.com/wolfeidau/planboard/internal/store"
	"github.com/wolfeidau/planboard/internal/workflow"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// Enqueuer accepts domain events for background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...orchestrator.EnqueueOption) (uuid.UUID, error)
}

// Service runs project, task and comment mutations through the workspace access gate.
type Service struct {
	store  store.Store
	gate   *access.Gate
	events Enqueuer
}

func NewService(s store.Store, gate *access.Gate, events Enqueuer) *Service {
	return &Service{store: s, gate: gate, events: events}
}

type ProjectInput struct {
	Name        string               `validate:"notblank"`
	Description string               `validate:"max=10000"`
	Status      models.ProjectStatus `validate:"omitempty,oneof=PLANNING ACTIVE ON_HOLD COMPLETED CANCELLED"`
	Priority    models.Priority      `validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	TeamLead    *string
	StartDate   *time.Time
	EndDate     *time.Time
	Progress    int `validate:"min=0,max=100"`
}

type TaskInput struct {
	Title       string            `validate:"notblank"`
	Description string            `validate:"max=10000"`
	Type        models.TaskType   `validate:"omitempty,oneof=TASK BUG FEATURE IMPROVEMENT OTHER"`
	Status      models.TaskStatus `validate:"omitempty,oneof=TODO IN_PROGRESS DONE"`
	Priority    models.Priority   `validate:"omitempty,oneof=LOW MEDIUM HIGH"`
	AssigneeID  *string
	DueDate     *time.Time
}

type commentInput struct {
	Content string `validate:"notblank"`
}

func validateInput(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %s", access.ErrInvalidInput, err)
	}
	return nil
}

// ListWorkspaces returns the workspaces of the caller's active organization they belong to.
// A caller seen for the first time is stored as a pending user.
func (s *Service) ListWorkspaces(ctx context.Context, caller *access.Caller) ([]*models.Workspace, error) {
	if caller == nil || caller.UserID == "" {
		return nil, access.ErrUnauthenticated
	}
	if caller.OrgID == "" {
		return nil, access.ErrNoActiveOrganization
	}

	created, err := s.store.EnsureUser(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	if created {
		zerolog.Ctx(ctx).Info().Str("user_id", caller.UserID).Msg("Created pending user on first request")
	}

	return s.store.ListWorkspacesForMember(ctx, caller.OrgID, caller.UserID)
}

func (s *Service) CreateProject(ctx context.Context, caller *access.Caller, workspaceID string, in ProjectInput) (*models.Project, error) {
	acc, err := s.gate.Resolve(ctx, caller, workspaceID, models.RoleOwner, models.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if err := validateInput(&in); err != nil {
		return nil, err
	}
	if err := checkDates(in.StartDate, in.EndDate); err != nil {
		return nil, err
	}

	lead := in.TeamLead
	if lead == nil {
		lead = &acc.UserID
	} else if err := s.requireWorkspaceUser(ctx, acc, *lead, "team lead"); err != nil {
		return nil, err
	}

	project := &models.Project{
		WorkspaceID: acc.Workspace.ID,
		Name:        in.Name,
		Description: in.Description,
		Status:      withDefault(in.Status, models.ProjectStatusPlanning),
		Priority:    withDefault(in.Priority, models.PriorityMedium),
		TeamLead:    lead,
		StartDate:   in.StartDate,
		EndDate:     in.EndDate,
		Progress:    in.Progress,
	}
	if err := s.store.CreateProject(ctx, project, acc.UserID); err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	return project, nil
}

func (s *Service) UpdateProject(ctx context.Context, caller *access.Caller, workspaceID string, projectID uuid.UUID, in ProjectInput) (*models.Project, error) {
	acc, err := s.gate.Resolve(ctx, caller, workspaceID, models.RoleOwner, models.RoleAdmin)
	if err != nil {
		return nil, err
	}

	project, err := s.store.GetProject(ctx, acc.Workspace.ID, projectID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if err := acc.RequireManage(project.TeamLead); err != nil {
		return nil, err
	}
	if err := validateInput(&in); err != nil {
		return nil, err
	}
	if err := checkDates(in.StartDate, in.EndDate); err != nil {
		return nil, err
	}

	project.Name = in.Name
	project.Description = in.Description
	project.Status = withDefault(in.Status, project.Status)
	project.Priority = withDefault(in.Priority, project.Priority)
	project.StartDate = in.StartDate
	project.EndDate = in.EndDate
	project.Progress = in.Progress
	if in.TeamLead != nil && (project.TeamLead == nil || *project.TeamLead != *in.TeamLead) {
		if err := s.requireWorkspaceUser(ctx, acc, *in.TeamLead, "team lead"); err != nil {
			return nil, err
		}
		project.TeamLead = in.TeamLead
	}

	if err := s.store.UpdateProject(ctx, project); err != nil {
		return nil, fmt.Errorf("failed to update project: %w", err)
	}
	return project, nil
}

// AddProjectMember adds the user with the given email to the project. Only the project
// lead or a workspace owner may do this.
func (s *Service) AddProjectMember(ctx context.Context, caller *access.Caller, workspaceID string, projectID uuid.UUID, email string) (*models.ProjectMember, error) {
	acc, err := s.gate.Resolve(ctx, caller, workspaceID, models.RoleOwner, models.RoleAdmin)
	if err != nil {
		return nil, err
	}

	project, err := s.store.GetProject(ctx, acc.Workspace.ID, projectID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if err := acc.RequireLeadOrOwner(project.TeamLead); err != nil {
		return nil, err
	}

	if email == "" {
		return nil, fmt.Errorf("%w: email is required", access.ErrInvalidInput)
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, lookupErr(err)
	}
	// users outside the workspace are reported like unknown addresses
	if _, err := s.store.GetMembership(ctx, acc.Workspace.OrganizationID, acc.Workspace.ID, user.ID); err != nil {
		return nil, lookupErr(err)
	}

	member, err := s.store.AddProjectMember(ctx, project.ID, user.ID)
	if err != nil {
		return nil, err
	}
	return member, nil
}

func (s *Service) CreateTask(ctx context.Context, caller *access.Caller, workspaceID string, projectID uuid.UUID, in TaskInput) (*models.Task, error) {
	acc, err := s.gate.Resolve(ctx, caller, workspaceID)
	if err != nil {
		return nil, err
	}
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	project, err := s.store.GetProject(ctx, acc.Workspace.ID, projectID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if err := acc.RequireManage(project.TeamLead); err != nil {
		return nil, err
	}
	if err := s.checkAssignee(ctx, acc, project.ID, in.AssigneeID); err != nil {
		return nil, err
	}

	task := &models.Task{
		ProjectID:   project.ID,
		Title:       in.Title,
		Description: in.Description,
		Type:        withDefault(in.Type, models.TaskTypeTask),
		Status:      withDefault(in.Status, models.TaskStatusTodo),
		Priority:    withDefault(in.Priority, models.PriorityMedium),
		AssigneeID:  in.AssigneeID,
		DueDate:     in.DueDate,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	if task.AssigneeID != nil {
		s.emitAssigned(ctx, task)
	}
	return task, nil
}

// UpdateTask replaces the task's mutable fields. A new assignee triggers an assignment
// notification.
func (s *Service) UpdateTask(ctx context.Context, caller *access.Caller, workspaceID string, taskID uuid.UUID, in TaskInput) (*models.Task, error) {
	acc, err := s.gate.Resolve(ctx, caller, workspaceID)
	if err != nil {
		return nil, err
	}

	detail, err := s.store.GetTask(ctx, acc.Workspace.ID, taskID)
	if err != nil {
		return nil, lookupErr(err)
	}
	if err := acc.RequireManage(detail.Project.TeamLead); err != nil {
		return nil, err
	}
	if err := validateInput(&in); err != nil {
		return nil, err
	}

	task := detail.Task
	reassigned := in.AssigneeID != nil && !task.AssignedTo(*in.AssigneeID)
	if reassigned {
		if err := s.checkAssignee(ctx, acc, task.ProjectID, in.AssigneeID); err != nil {
			return nil, err
		}
	}

	task.Title = in.Title
	task.Description = in.Description
	task.Type = withDefault(in.Type, task.Type)
	task.Status = withDefault(in.Status, task.Status)
	task.Priority = withDefault(in.Priority, task.Priority)
	task.AssigneeID = in.AssigneeID
	task.DueDate = in.DueDate

	if err := s.store.UpdateTask(ctx, &task); err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}

	if reassigned {
		s.emitAssigned(ctx, &task)
	}
	return &task, nil
}

func (s *Service) DeleteTask(ctx context.Context, caller *access.Caller, workspaceID string, taskID uuid.UUID) error {
	acc, err := s.gate.Resolve(ctx, caller, workspaceID)
	if err != nil {
		return err
	}

	detail, err := s.store.GetTask(ctx, acc.Workspace.ID, taskID)
	if err != nil {
		return lookupErr(err)
	}
	if err := acc.RequireManage(detail.Project.TeamLead); err != nil {
		return err
	}

	if err := s.store.DeleteTask(ctx, taskID); err != nil {
		return lookupErr(err)
	}
	return nil
}

func (s *Service) AddComment(ctx context.Context, caller *access.Caller, workspaceID string, taskID uuid.UUID, content string) (*models.Comment, error) {
	acc, err := s.gate.Resolve(ctx, caller, workspaceID)
	if err != nil {
		return nil, err
	}
	if err := validateInput(&commentInput{Content: content}); err != nil {
		return nil, err
	}

	if _, err := s.store.GetTask(ctx, acc.Workspace.ID, taskID); err != nil {
		return nil, lookupErr(err)
	}

	comment := &models.Comment{
		TaskID:  taskID,
		UserID:  acc.UserID,
		Content: content,
	}
	if err := s.store.AddComment(ctx, comment); err != nil {
		return nil, fmt.Errorf("failed to add comment: %w", err)
	}
	return comment, nil
}

// ListComments returns the task's comments, oldest first.
func (s *Service) ListComments(ctx context.Context, caller *access.Caller, workspaceID string, taskID uuid.UUID) ([]*models.Comment, error) {
	acc, err := s.gate.Resolve(ctx, caller, workspaceID)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.GetTask(ctx, acc.Workspace.ID, taskID); err != nil {
		return nil, lookupErr(err)
	}
	return s.store.ListComments(ctx, taskID)
}

func (s *Service) checkAssignee(ctx context.Context, acc *access.Access, projectID uuid.UUID, assigneeID *string) error {
	if assigneeID == nil {
		return nil
	}
	if err := s.requireWorkspaceUser(ctx, acc, *assigneeID, "assignee"); err != nil {
		return err
	}
	ok, err := s.store.IsProjectMember(ctx, projectID, *assigneeID)
	if err != nil {
		return fmt.Errorf("failed to check project membership: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: assignee is not a member of the project", access.ErrInvalidInput)
	}
	return nil
}

// requireWorkspaceUser rejects users without a membership in the caller's workspace.
func (s *Service) requireWorkspaceUser(ctx context.Context, acc *access.Access, userID, field string) error {
	_, err := s.store.GetMembership(ctx, acc.Workspace.OrganizationID, acc.Workspace.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s is not a member of the workspace", access.ErrInvalidInput, field)
	}
	if err != nil {
		return fmt.Errorf("failed to check workspace membership: %w", err)
	}
	return nil
}

// emitAssigned queues the assignment workflow. The task is already stored, so a failure
// is logged rather than returned.
func (s *Service) emitAssigned(ctx context.Context, task *models.Task) {
	_, err := s.events.Enqueue(ctx, workflow.EventTaskAssigned, workflow.TaskAssigned{
		TaskID:     task.ID,
		AssigneeID: task.AssigneeID,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("task_id", task.ID.String()).Msg("Failed to enqueue task assignment")
	}
}

func lookupErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return access.ErrNotFound
	}
	return err
}

func checkDates(start, end *time.Time) error {
	if start != nil && end != nil && end.Before(*start) {
		return fmt.Errorf("%w: end date is before start date", access.ErrInvalidInput)
	}
	return nil
}

func withDefault[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
