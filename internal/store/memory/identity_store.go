package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
)

// UpsertUser creates the user or overwrites its mutable fields.
func (s *Store) UpsertUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	clone := cloneUser(user)
	clone.UpdatedAt = now
	if existing, ok := s.users[user.ID]; ok {
		clone.CreatedAt = existing.CreatedAt
	} else if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}

	s.users[user.ID] = clone
	return nil
}

// EnsureUser creates a placeholder user if the id is unknown.
func (s *Store) EnsureUser(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; ok {
		return false, nil
	}
	s.users[id] = models.NewPendingUser(id)
	return true, nil
}

// DeleteUser removes a user and mirrors the foreign key actions of the postgres schema.
func (s *Store) DeleteUser(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return false, nil
	}
	delete(s.users, id)

	for k := range s.members {
		if k.userID == id {
			delete(s.members, k)
		}
	}
	for k := range s.projectMembers {
		if k.userID == id {
			delete(s.projectMembers, k)
		}
	}
	for cid, c := range s.comments {
		if c.UserID == id {
			delete(s.comments, cid)
		}
	}
	for _, t := range s.tasks {
		if t.AssigneeID != nil && *t.AssigneeID == id {
			t.AssigneeID = nil
		}
	}
	for _, p := range s.projects {
		if p.TeamLead != nil && *p.TeamLead == id {
			p.TeamLead = nil
		}
	}
	for _, w := range s.workspaces {
		if w.OwnerID != nil && *w.OwnerID == id {
			w.OwnerID = nil
		}
	}

	return true, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return cloneUser(u), nil
}

// GetUserByEmail retrieves a user by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Email != nil && *u.Email == email {
			return cloneUser(u), nil
		}
	}
	return nil, store.ErrUserNotFound
}

// CreateDefaultWorkspace creates the default workspace and the owner membership in one step.
func (s *Store) CreateDefaultWorkspace(ctx context.Context, ws *models.Workspace) (*models.Workspace, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.defaultWorkspaceLocked(ws.OrganizationID); existing != nil {
		return cloneWorkspace(existing), false, nil
	}

	if ws.OwnerID == nil {
		return nil, false, fmt.Errorf("default workspace requires an owner")
	}
	if _, ok := s.users[*ws.OwnerID]; !ok {
		return nil, false, fmt.Errorf("owner: %w", store.ErrUserNotFound)
	}

	now := time.Now().UTC()
	clone := cloneWorkspace(ws)
	if clone.ID == uuid.Nil {
		clone.ID = newID()
	}
	clone.IsDefault = true
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.workspaces[clone.ID] = clone

	s.members[memberKey{userID: *ws.OwnerID, workspaceID: clone.ID}] = &models.WorkspaceMember{
		ID:          newID(),
		UserID:      *ws.OwnerID,
		WorkspaceID: clone.ID,
		Role:        models.RoleOwner,
		CreatedAt:   now,
	}

	return cloneWorkspace(clone), true, nil
}

// GetDefaultWorkspace returns the organization's default workspace.
func (s *Store) GetDefaultWorkspace(ctx context.Context, orgID string) (*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ws := s.defaultWorkspaceLocked(orgID)
	if ws == nil {
		return nil, store.ErrWorkspaceNotFound
	}
	return cloneWorkspace(ws), nil
}

func (s *Store) defaultWorkspaceLocked(orgID string) *models.Workspace {
	for _, w := range s.workspaces {
		if w.OrganizationID == orgID && w.IsDefault {
			return w
		}
	}
	return nil
}

// DeleteOrganizationWorkspaces removes the organization's workspaces and everything inside them.
func (s *Store) DeleteOrganizationWorkspaces(ctx context.Context, orgID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, w := range s.workspaces {
		if w.OrganizationID != orgID {
			continue
		}
		s.deleteWorkspaceLocked(id)
		deleted++
	}
	return deleted, nil
}

func (s *Store) deleteWorkspaceLocked(workspaceID uuid.UUID) {
	delete(s.workspaces, workspaceID)
	for k := range s.members {
		if k.workspaceID == workspaceID {
			delete(s.members, k)
		}
	}
	for pid, p := range s.projects {
		if p.WorkspaceID == workspaceID {
			s.deleteProjectLocked(pid)
		}
	}
}

// GetMembership returns the membership for (user, workspace) within the organization.
func (s *Store) GetMembership(ctx context.Context, orgID string, workspaceID uuid.UUID, userID string) (*models.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.members[memberKey{userID: userID, workspaceID: workspaceID}]
	if !ok {
		return nil, store.ErrMemberNotFound
	}
	ws, ok := s.workspaces[workspaceID]
	if !ok || ws.OrganizationID != orgID {
		return nil, store.ErrMemberNotFound
	}

	return &models.Membership{Member: *m, Workspace: *cloneWorkspace(ws)}, nil
}

// AddMemberIfAbsent adds a membership unless one already exists.
func (s *Store) AddMemberIfAbsent(ctx context.Context, workspaceID uuid.UUID, userID string, role models.Role) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[workspaceID]; !ok {
		return false, store.ErrWorkspaceNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return false, store.ErrUserNotFound
	}

	key := memberKey{userID: userID, workspaceID: workspaceID}
	if _, ok := s.members[key]; ok {
		return false, nil
	}

	s.members[key] = &models.WorkspaceMember{
		ID:          newID(),
		UserID:      userID,
		WorkspaceID: workspaceID,
		Role:        role,
		CreatedAt:   time.Now().UTC(),
	}
	return true, nil
}

// ListWorkspacesForMember lists the organization's workspaces the user belongs to.
func (s *Store) ListWorkspacesForMember(ctx context.Context, orgID string, userID string) ([]*models.Workspace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Workspace
	for _, w := range s.workspaces {
		if w.OrganizationID != orgID {
			continue
		}
		if _, ok := s.members[memberKey{userID: userID, workspaceID: w.ID}]; !ok {
			continue
		}
		result = append(result, cloneWorkspace(w))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}
