package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/planboard/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrLeaseLost = errors.New("job lease lost")

	ErrUserNotFound      = fmt.Errorf("user %w", ErrNotFound)
	ErrWorkspaceNotFound = fmt.Errorf("workspace %w", ErrNotFound)
	ErrMemberNotFound    = fmt.Errorf("membership %w", ErrNotFound)
	ErrProjectNotFound   = fmt.Errorf("project %w", ErrNotFound)
	ErrTaskNotFound      = fmt.Errorf("task %w", ErrNotFound)
	ErrJobNotFound       = fmt.Errorf("job %w", ErrNotFound)
	ErrStepNotFound      = fmt.Errorf("step %w", ErrNotFound)

	ErrProjectMemberExists = fmt.Errorf("project member already exists: %w", ErrConflict)
)

// UserStore manages users mirrored from the identity provider.
type UserStore interface {
	// UpsertUser creates the user or overwrites name, email and image.
	UpsertUser(ctx context.Context, user *models.User) error

	// EnsureUser creates a "Pending User" placeholder if id is unknown.
	// Existing users are left untouched. Returns true if a row was created.
	EnsureUser(ctx context.Context, id string) (bool, error)

	// DeleteUser removes the user. Returns false if the user did not exist.
	DeleteUser(ctx context.Context, id string) (bool, error)

	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// WorkspaceStore manages workspaces and their memberships.
type WorkspaceStore interface {
	// CreateDefaultWorkspace atomically creates the organization's default workspace and an
	// OWNER membership for ws.OwnerID. If a default workspace already exists it returns that
	// workspace with created set to false.
	CreateDefaultWorkspace(ctx context.Context, ws *models.Workspace) (existing *models.Workspace, created bool, err error)

	GetDefaultWorkspace(ctx context.Context, orgID string) (*models.Workspace, error)

	// DeleteOrganizationWorkspaces removes every workspace owned by the organization along
	// with their members, projects, tasks and comments.
	DeleteOrganizationWorkspaces(ctx context.Context, orgID string) (int64, error)

	// GetMembership returns the caller's membership in workspaceID, scoped to orgID.
	// A workspace in a different organization is reported as ErrMemberNotFound.
	GetMembership(ctx context.Context, orgID string, workspaceID uuid.UUID, userID string) (*models.Membership, error)

	// AddMemberIfAbsent adds a membership only if none exists for (user, workspace).
	// An existing membership keeps its role. Returns true if a row was created.
	AddMemberIfAbsent(ctx context.Context, workspaceID uuid.UUID, userID string, role models.Role) (bool, error)

	ListWorkspacesForMember(ctx context.Context, orgID string, userID string) ([]*models.Workspace, error)
}

// ProjectStore manages projects. Lookups are scoped by workspace so a resource is only
// ever resolved through the workspace the caller was granted.
type ProjectStore interface {
	// CreateProject stores the project and a project membership for creatorID atomically.
	CreateProject(ctx context.Context, project *models.Project, creatorID string) error
	GetProject(ctx context.Context, workspaceID, projectID uuid.UUID) (*models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error
	AddProjectMember(ctx context.Context, projectID uuid.UUID, userID string) (*models.ProjectMember, error)
	IsProjectMember(ctx context.Context, projectID uuid.UUID, userID string) (bool, error)
}

// TaskStore manages tasks and comments.
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.Task) error
	// GetTask returns the task only if its project belongs to workspaceID.
	GetTask(ctx context.Context, workspaceID, taskID uuid.UUID) (*models.TaskDetail, error)
	UpdateTask(ctx context.Context, task *models.Task) error
	DeleteTask(ctx context.Context, taskID uuid.UUID) error

	// LoadTaskWithProjectAndAssignee reads a task, its project and its assignee in one
	// atomic read. Used by background workflows that have no caller workspace.
	LoadTaskWithProjectAndAssignee(ctx context.Context, taskID uuid.UUID) (*models.TaskDetail, error)

	AddComment(ctx context.Context, comment *models.Comment) error
	ListComments(ctx context.Context, taskID uuid.UUID) ([]*models.Comment, error)
}

// Store groups the domain stores backed by a single transactional database.
type Store interface {
	UserStore
	WorkspaceStore
	ProjectStore
	TaskStore
}

// EnqueueRequest describes a job to add to the queue.
type EnqueueRequest struct {
	Name           string
	Payload        []byte
	IdempotencyKey string // empty disables deduplication
	OrderingKey    string // jobs sharing a key run one at a time in enqueue order
	MaxAttempts    int
	RunAt          time.Time
}

// ListJobsRequest filters jobs for operators.
type ListJobsRequest struct {
	State models.JobState // empty lists every state
	Name  string
	Limit int
}

// JobStore is the durable storage behind the orchestrator.
type JobStore interface {
	// EnqueueJob inserts a scheduled job. When the idempotency key already exists the
	// existing job is returned with created set to false.
	EnqueueJob(ctx context.Context, req *EnqueueRequest) (job *models.Job, created bool, err error)

	// ClaimJobs leases up to max due jobs. A job is due when it is scheduled with
	// RunAt <= now, or running with an expired lease. A job is skipped while an earlier job
	// with the same ordering key has not finished.
	ClaimJobs(ctx context.Context, now time.Time, max int, lease time.Duration) ([]*models.Job, error)

	// ExtendLease pushes the lease deadline of a running job.
	ExtendLease(ctx context.Context, jobID uuid.UUID, token uuid.UUID, until time.Time) error

	GetStep(ctx context.Context, jobID uuid.UUID, name string) (*models.StepRecord, error)

	// SaveStep records a completed step and resets the job attempt counter. Saving a step
	// that already exists keeps the first record and returns it with inserted set to false.
	SaveStep(ctx context.Context, token uuid.UUID, step *models.StepRecord) (saved *models.StepRecord, inserted bool, err error)

	// RescheduleJob releases the lease and schedules the job to run again at runAt.
	RescheduleJob(ctx context.Context, jobID uuid.UUID, token uuid.UUID, runAt time.Time, attempt int, lastErr string) error

	CompleteJob(ctx context.Context, jobID uuid.UUID, token uuid.UUID) error
	FailJob(ctx context.Context, jobID uuid.UUID, token uuid.UUID, attempt int, reason string) error

	GetJob(ctx context.Context, jobID uuid.UUID) (*models.JobWithSteps, error)
	ListJobs(ctx context.Context, req *ListJobsRequest) ([]*models.Job, error)

	// RetryJob moves a failed job back to scheduled with its attempt counter reset.
	// Recorded steps are kept so completed side effects do not repeat.
	RetryJob(ctx context.Context, jobID uuid.UUID, runAt time.Time) (*models.Job, error)

	// PurgeCompletedJobs deletes completed jobs finished before the cutoff.
	PurgeCompletedJobs(ctx context.Context, before time.Time) (int64, error)
}
