package memory

import (
	"sync"

	"github.com/google/uuid"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
)

var _ store.Store = (*Store)(nil)

type memberKey struct {
	userID      string
	workspaceID uuid.UUID
}

type projectMemberKey struct {
	projectID uuid.UUID
	userID    string
}

// Store implements store.Store using in-memory storage.
// A single lock guards every map so multi-row operations are atomic.
// This implementation is for development and testing only - data is lost on restart.
type Store struct {
	mu sync.RWMutex

	users          map[string]*models.User
	workspaces     map[uuid.UUID]*models.Workspace
	members        map[memberKey]*models.WorkspaceMember
	projects       map[uuid.UUID]*models.Project
	projectMembers map[projectMemberKey]*models.ProjectMember
	tasks          map[uuid.UUID]*models.Task
	comments       map[uuid.UUID]*models.Comment
}

// NewStore creates a new in-memory domain store.
func NewStore() *Store {
	return &Store{
		users:          make(map[string]*models.User),
		workspaces:     make(map[uuid.UUID]*models.Workspace),
		members:        make(map[memberKey]*models.WorkspaceMember),
		projects:       make(map[uuid.UUID]*models.Project),
		projectMembers: make(map[projectMemberKey]*models.ProjectMember),
		tasks:          make(map[uuid.UUID]*models.Task),
		comments:       make(map[uuid.UUID]*models.Comment),
	}
}

func newID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.Email = clonePtr(u.Email)
	return &c
}

func cloneWorkspace(w *models.Workspace) *models.Workspace {
	c := *w
	c.OwnerID = clonePtr(w.OwnerID)
	return &c
}

func cloneProject(p *models.Project) *models.Project {
	c := *p
	c.TeamLead = clonePtr(p.TeamLead)
	c.StartDate = clonePtr(p.StartDate)
	c.EndDate = clonePtr(p.EndDate)
	return &c
}

func cloneTask(t *models.Task) *models.Task {
	c := *t
	c.AssigneeID = clonePtr(t.AssigneeID)
	c.DueDate = clonePtr(t.DueDate)
	return &c
}
