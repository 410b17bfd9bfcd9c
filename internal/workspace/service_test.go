package workspace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/planboard/internal/access"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/orchestrator"
	"github.com/wolfeidau/planboard/internal/store"
	"github.com/wolfeidau/planboard/internal/store/memory"
	"github.com/wolfeidau/planboard/internal/workflow"
)

type recordedEvent struct {
	name    string
	payload any
}

type recordingEnqueuer struct {
	mu     sync.Mutex
	events []recordedEvent
	err    error
}

func (e *recordingEnqueuer) Enqueue(ctx context.Context, name string, payload any, opts ...orchestrator.EnqueueOption) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return uuid.Nil, e.err
	}
	e.events = append(e.events, recordedEvent{name: name, payload: payload})
	return uuid.New(), nil
}

func (e *recordingEnqueuer) assigned() []workflow.TaskAssigned {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []workflow.TaskAssigned
	for _, evt := range e.events {
		if evt.name == workflow.EventTaskAssigned {
			out = append(out, evt.payload.(workflow.TaskAssigned))
		}
	}
	return out
}

type env struct {
	svc      *Service
	store    *memory.Store
	events   *recordingEnqueuer
	ws       *models.Workspace
	otherWS  *models.Workspace
	owner    *access.Caller
	admin    *access.Caller
	member   *access.Caller
	outsider *access.Caller
}

func setup(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	s := memory.NewStore()

	for _, u := range []struct{ id, email string }{
		{"u_owner", "owner@example.com"},
		{"u_admin", "admin@example.com"},
		{"u_member", "member@example.com"},
		{"u_outsider", "outsider@example.com"},
	} {
		email := u.email
		require.NoError(t, s.UpsertUser(ctx, &models.User{ID: u.id, Name: u.id, Email: &email}))
	}

	owner := "u_owner"
	ws, _, err := s.CreateDefaultWorkspace(ctx, &models.Workspace{OrganizationID: "org_1", Name: "Acme Workspace", Slug: "acme-default", OwnerID: &owner})
	require.NoError(t, err)
	_, err = s.AddMemberIfAbsent(ctx, ws.ID, "u_admin", models.RoleAdmin)
	require.NoError(t, err)
	_, err = s.AddMemberIfAbsent(ctx, ws.ID, "u_member", models.RoleMember)
	require.NoError(t, err)

	outsider := "u_outsider"
	otherWS, _, err := s.CreateDefaultWorkspace(ctx, &models.Workspace{OrganizationID: "org_2", Name: "Globex Workspace", Slug: "globex-default", OwnerID: &outsider})
	require.NoError(t, err)

	events := &recordingEnqueuer{}

	return &env{
		svc:      NewService(s, access.NewGate(s), events),
		store:    s,
		events:   events,
		ws:       ws,
		otherWS:  otherWS,
		owner:    &access.Caller{UserID: "u_owner", OrgID: "org_1"},
		admin:    &access.Caller{UserID: "u_admin", OrgID: "org_1"},
		member:   &access.Caller{UserID: "u_member", OrgID: "org_1"},
		outsider: &access.Caller{UserID: "u_outsider", OrgID: "org_2"},
	}
}

func (e *env) project(t *testing.T, lead string) *models.Project {
	t.Helper()
	p, err := e.svc.CreateProject(context.Background(), e.owner, e.ws.ID.String(), ProjectInput{Name: "Apollo", TeamLead: &lead})
	require.NoError(t, err)
	return p
}

func TestListWorkspaces(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	workspaces, err := e.svc.ListWorkspaces(ctx, e.member)
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	require.Equal(t, e.ws.ID, workspaces[0].ID)

	t.Run("first request creates a pending user", func(t *testing.T) {
		workspaces, err := e.svc.ListWorkspaces(ctx, &access.Caller{UserID: "u_new", OrgID: "org_1"})
		require.NoError(t, err)
		require.Empty(t, workspaces)

		u, err := e.store.GetUser(ctx, "u_new")
		require.NoError(t, err)
		require.Equal(t, models.PendingUserName, u.Name)
	})

	t.Run("requires an active organization", func(t *testing.T) {
		_, err := e.svc.ListWorkspaces(ctx, &access.Caller{UserID: "u_member"})
		require.ErrorIs(t, err, access.ErrNoActiveOrganization)

		_, err = e.svc.ListWorkspaces(ctx, nil)
		require.ErrorIs(t, err, access.ErrUnauthenticated)
	})
}

func TestProjects(t *testing.T) {
	ctx := context.Background()

	t.Run("create defaults the lead to the creator", func(t *testing.T) {
		e := setup(t)
		p, err := e.svc.CreateProject(ctx, e.admin, e.ws.ID.String(), ProjectInput{Name: "Apollo"})
		require.NoError(t, err)
		require.Equal(t, "u_admin", *p.TeamLead)
		require.Equal(t, models.ProjectStatusPlanning, p.Status)

		isMember, err := e.store.IsProjectMember(ctx, p.ID, "u_admin")
		require.NoError(t, err)
		require.True(t, isMember)
	})

	t.Run("create rejects invalid input", func(t *testing.T) {
		e := setup(t)
		tests := []ProjectInput{
			{Name: "   "},
			{Name: "Apollo", Progress: 101},
			{Name: "Apollo", Status: "ARCHIVED"},
			{Name: "Apollo", StartDate: ptr(time.Now()), EndDate: ptr(time.Now().Add(-time.Hour))},
		}
		for _, in := range tests {
			_, err := e.svc.CreateProject(ctx, e.owner, e.ws.ID.String(), in)
			require.ErrorIs(t, err, access.ErrInvalidInput)
		}
	})

	t.Run("members cannot create projects", func(t *testing.T) {
		e := setup(t)
		_, err := e.svc.CreateProject(ctx, e.member, e.ws.ID.String(), ProjectInput{Name: "Apollo"})
		require.ErrorIs(t, err, access.ErrInsufficientRole)
	})

	t.Run("other organizations see not found", func(t *testing.T) {
		e := setup(t)
		_, err := e.svc.CreateProject(ctx, e.outsider, e.ws.ID.String(), ProjectInput{Name: "Apollo"})
		require.ErrorIs(t, err, access.ErrNotFound)
	})

	t.Run("update", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")

		updated, err := e.svc.UpdateProject(ctx, e.admin, e.ws.ID.String(), p.ID, ProjectInput{Name: "Apollo 11", Status: models.ProjectStatusActive, Progress: 40})
		require.NoError(t, err)
		require.Equal(t, "Apollo 11", updated.Name)
		require.Equal(t, models.ProjectStatusActive, updated.Status)
		require.Equal(t, "u_owner", *updated.TeamLead)

		got, err := e.store.GetProject(ctx, e.ws.ID, p.ID)
		require.NoError(t, err)
		require.Equal(t, 40, got.Progress)
	})

	t.Run("update of a project in another workspace is not found", func(t *testing.T) {
		e := setup(t)
		foreign := &models.Project{WorkspaceID: e.otherWS.ID, Name: "Foreign"}
		require.NoError(t, e.store.CreateProject(ctx, foreign, "u_outsider"))

		_, err := e.svc.UpdateProject(ctx, e.owner, e.ws.ID.String(), foreign.ID, ProjectInput{Name: "Mine now"})
		require.ErrorIs(t, err, access.ErrNotFound)
	})
}

func TestAddProjectMember(t *testing.T) {
	ctx := context.Background()

	t.Run("owner adds by email", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_admin")

		m, err := e.svc.AddProjectMember(ctx, e.owner, e.ws.ID.String(), p.ID, "member@example.com")
		require.NoError(t, err)
		require.Equal(t, "u_member", m.UserID)

		_, err = e.svc.AddProjectMember(ctx, e.owner, e.ws.ID.String(), p.ID, "member@example.com")
		require.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("admin leading the project may add", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_admin")

		_, err := e.svc.AddProjectMember(ctx, e.admin, e.ws.ID.String(), p.ID, "member@example.com")
		require.NoError(t, err)
	})

	t.Run("admin not leading the project may not add", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")

		_, err := e.svc.AddProjectMember(ctx, e.admin, e.ws.ID.String(), p.ID, "member@example.com")
		require.ErrorIs(t, err, access.ErrInsufficientRole)
	})

	t.Run("unknown email", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")

		_, err := e.svc.AddProjectMember(ctx, e.owner, e.ws.ID.String(), p.ID, "nobody@example.com")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestUsersOutsideTheWorkspace(t *testing.T) {
	ctx := context.Background()

	t.Run("cannot be added to a project", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")

		_, err := e.svc.AddProjectMember(ctx, e.owner, e.ws.ID.String(), p.ID, "outsider@example.com")
		require.ErrorIs(t, err, access.ErrNotFound)

		isMember, err := e.store.IsProjectMember(ctx, p.ID, "u_outsider")
		require.NoError(t, err)
		require.False(t, isMember)
	})

	t.Run("cannot lead a new project", func(t *testing.T) {
		e := setup(t)
		lead := "u_outsider"
		_, err := e.svc.CreateProject(ctx, e.owner, e.ws.ID.String(), ProjectInput{Name: "Apollo", TeamLead: &lead})
		require.ErrorIs(t, err, access.ErrInvalidInput)
	})

	t.Run("cannot become lead of an existing project", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")
		lead := "u_outsider"

		_, err := e.svc.UpdateProject(ctx, e.owner, e.ws.ID.String(), p.ID, ProjectInput{Name: "Apollo", TeamLead: &lead})
		require.ErrorIs(t, err, access.ErrInvalidInput)

		got, err := e.store.GetProject(ctx, e.ws.ID, p.ID)
		require.NoError(t, err)
		require.Equal(t, "u_owner", *got.TeamLead)
	})

	t.Run("cannot be assigned even when listed on the project", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")
		_, err := e.store.AddProjectMember(ctx, p.ID, "u_outsider")
		require.NoError(t, err)

		assignee := "u_outsider"
		_, err = e.svc.CreateTask(ctx, e.owner, e.ws.ID.String(), p.ID, TaskInput{Title: "Checklist", AssigneeID: &assignee})
		require.ErrorIs(t, err, access.ErrInvalidInput)

		task, err := e.svc.CreateTask(ctx, e.owner, e.ws.ID.String(), p.ID, TaskInput{Title: "Checklist"})
		require.NoError(t, err)
		_, err = e.svc.UpdateTask(ctx, e.owner, e.ws.ID.String(), task.ID, TaskInput{Title: "Checklist", AssigneeID: &assignee})
		require.ErrorIs(t, err, access.ErrInvalidInput)

		require.Empty(t, e.events.assigned())
	})

	t.Run("workspace member can lead", func(t *testing.T) {
		e := setup(t)
		lead := "u_member"
		p, err := e.svc.CreateProject(ctx, e.owner, e.ws.ID.String(), ProjectInput{Name: "Apollo", TeamLead: &lead})
		require.NoError(t, err)
		require.Equal(t, "u_member", *p.TeamLead)
	})
}

func TestTasks(t *testing.T) {
	ctx := context.Background()

	t.Run("create with assignee emits task.assigned", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_member")
		_, err := e.svc.AddProjectMember(ctx, e.owner, e.ws.ID.String(), p.ID, "admin@example.com")
		require.NoError(t, err)

		assignee := "u_admin"
		task, err := e.svc.CreateTask(ctx, e.member, e.ws.ID.String(), p.ID, TaskInput{Title: "Checklist", AssigneeID: &assignee})
		require.NoError(t, err)
		require.Equal(t, models.TaskStatusTodo, task.Status)

		events := e.events.assigned()
		require.Len(t, events, 1)
		require.Equal(t, task.ID, events[0].TaskID)
		require.Equal(t, "u_admin", *events[0].AssigneeID)
	})

	t.Run("create without assignee emits nothing", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")

		_, err := e.svc.CreateTask(ctx, e.owner, e.ws.ID.String(), p.ID, TaskInput{Title: "Checklist"})
		require.NoError(t, err)
		require.Empty(t, e.events.assigned())
	})

	t.Run("assignee must be a project member", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")

		assignee := "u_member"
		_, err := e.svc.CreateTask(ctx, e.owner, e.ws.ID.String(), p.ID, TaskInput{Title: "Checklist", AssigneeID: &assignee})
		require.ErrorIs(t, err, access.ErrInvalidInput)
	})

	t.Run("member who does not lead cannot create", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")

		_, err := e.svc.CreateTask(ctx, e.member, e.ws.ID.String(), p.ID, TaskInput{Title: "Checklist"})
		require.ErrorIs(t, err, access.ErrInsufficientRole)
	})

	t.Run("blank title", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")

		_, err := e.svc.CreateTask(ctx, e.owner, e.ws.ID.String(), p.ID, TaskInput{Title: " "})
		require.ErrorIs(t, err, access.ErrInvalidInput)
	})

	t.Run("update emits only when the assignee changes", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")
		_, err := e.svc.AddProjectMember(ctx, e.owner, e.ws.ID.String(), p.ID, "member@example.com")
		require.NoError(t, err)

		task, err := e.svc.CreateTask(ctx, e.owner, e.ws.ID.String(), p.ID, TaskInput{Title: "Checklist"})
		require.NoError(t, err)

		assignee := "u_member"
		_, err = e.svc.UpdateTask(ctx, e.admin, e.ws.ID.String(), task.ID, TaskInput{Title: "Checklist", AssigneeID: &assignee})
		require.NoError(t, err)
		_, err = e.svc.UpdateTask(ctx, e.admin, e.ws.ID.String(), task.ID, TaskInput{Title: "Checklist v2", AssigneeID: &assignee, Status: models.TaskStatusInProgress})
		require.NoError(t, err)

		require.Len(t, e.events.assigned(), 1)

		detail, err := e.store.GetTask(ctx, e.ws.ID, task.ID)
		require.NoError(t, err)
		require.Equal(t, "Checklist v2", detail.Task.Title)
		require.Equal(t, models.TaskStatusInProgress, detail.Task.Status)
	})

	t.Run("enqueue failure does not fail the mutation", func(t *testing.T) {
		e := setup(t)
		e.events.err = errors.New("queue unavailable")
		p := e.project(t, "u_owner")

		assignee := "u_owner"
		task, err := e.svc.CreateTask(ctx, e.owner, e.ws.ID.String(), p.ID, TaskInput{Title: "Checklist", AssigneeID: &assignee})
		require.NoError(t, err)
		require.NotEqual(t, uuid.Nil, task.ID)
	})

	t.Run("delete", func(t *testing.T) {
		e := setup(t)
		p := e.project(t, "u_owner")
		task, err := e.svc.CreateTask(ctx, e.owner, e.ws.ID.String(), p.ID, TaskInput{Title: "Checklist"})
		require.NoError(t, err)

		require.ErrorIs(t, e.svc.DeleteTask(ctx, e.member, e.ws.ID.String(), task.ID), access.ErrInsufficientRole)
		require.ErrorIs(t, e.svc.DeleteTask(ctx, e.outsider, e.ws.ID.String(), task.ID), access.ErrNotFound)
		require.NoError(t, e.svc.DeleteTask(ctx, e.owner, e.ws.ID.String(), task.ID))
		require.ErrorIs(t, e.svc.DeleteTask(ctx, e.owner, e.ws.ID.String(), task.ID), access.ErrNotFound)
	})

	t.Run("task from another workspace is not found", func(t *testing.T) {
		e := setup(t)
		foreign := &models.Project{WorkspaceID: e.otherWS.ID, Name: "Foreign"}
		require.NoError(t, e.store.CreateProject(ctx, foreign, "u_outsider"))
		task := &models.Task{ProjectID: foreign.ID, Title: "Secret"}
		require.NoError(t, e.store.CreateTask(ctx, task))

		_, err := e.svc.UpdateTask(ctx, e.owner, e.ws.ID.String(), task.ID, TaskInput{Title: "Mine"})
		require.ErrorIs(t, err, access.ErrNotFound)
	})
}

func TestComments(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	p := e.project(t, "u_owner")
	task, err := e.svc.CreateTask(ctx, e.owner, e.ws.ID.String(), p.ID, TaskInput{Title: "Checklist"})
	require.NoError(t, err)

	_, err = e.svc.AddComment(ctx, e.member, e.ws.ID.String(), task.ID, "first")
	require.NoError(t, err)
	_, err = e.svc.AddComment(ctx, e.owner, e.ws.ID.String(), task.ID, "second")
	require.NoError(t, err)

	_, err = e.svc.AddComment(ctx, e.member, e.ws.ID.String(), task.ID, "  ")
	require.ErrorIs(t, err, access.ErrInvalidInput)

	_, err = e.svc.AddComment(ctx, e.outsider, e.ws.ID.String(), task.ID, "hello")
	require.ErrorIs(t, err, access.ErrNotFound)

	_, err = e.svc.AddComment(ctx, e.member, e.ws.ID.String(), uuid.New(), "hello")
	require.ErrorIs(t, err, access.ErrNotFound)

	comments, err := e.svc.ListComments(ctx, e.member, e.ws.ID.String(), task.ID)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	require.Equal(t, "first", comments[0].Content)
	require.Equal(t, "u_member", comments[0].UserID)
	require.Equal(t, "second", comments[1].Content)
}

func ptr[T any](v T) *T {
	return &v
}
