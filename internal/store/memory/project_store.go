package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/store"
)

// CreateProject stores a project and adds its creator as a project member.
func (s *Store) CreateProject(ctx context.Context, project *models.Project, creatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workspaces[project.WorkspaceID]; !ok {
		return store.ErrWorkspaceNotFound
	}
	if _, ok := s.users[creatorID]; !ok {
		return store.ErrUserNotFound
	}

	now := time.Now().UTC()
	if project.ID == uuid.Nil {
		project.ID = newID()
	}
	project.CreatedAt = now
	project.UpdatedAt = now

	s.projects[project.ID] = cloneProject(project)
	s.projectMembers[projectMemberKey{projectID: project.ID, userID: creatorID}] = &models.ProjectMember{
		ID:        newID(),
		ProjectID: project.ID,
		UserID:    creatorID,
		CreatedAt: now,
	}

	return nil
}

// GetProject returns the project if it belongs to the workspace.
func (s *Store) GetProject(ctx context.Context, workspaceID, projectID uuid.UUID) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[projectID]
	if !ok || p.WorkspaceID != workspaceID {
		return nil, store.ErrProjectNotFound
	}
	return cloneProject(p), nil
}

// UpdateProject overwrites the mutable project fields. The workspace cannot change.
func (s *Store) UpdateProject(ctx context.Context, project *models.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.projects[project.ID]
	if !ok {
		return store.ErrProjectNotFound
	}

	project.WorkspaceID = existing.WorkspaceID
	project.CreatedAt = existing.CreatedAt
	project.UpdatedAt = time.Now().UTC()
	s.projects[project.ID] = cloneProject(project)

	return nil
}

// AddProjectMember adds a user to a project.
func (s *Store) AddProjectMember(ctx context.Context, projectID uuid.UUID, userID string) (*models.ProjectMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[projectID]; !ok {
		return nil, store.ErrProjectNotFound
	}
	if _, ok := s.users[userID]; !ok {
		return nil, store.ErrUserNotFound
	}

	key := projectMemberKey{projectID: projectID, userID: userID}
	if _, ok := s.projectMembers[key]; ok {
		return nil, store.ErrProjectMemberExists
	}

	member := &models.ProjectMember{
		ID:        newID(),
		ProjectID: projectID,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	s.projectMembers[key] = member

	clone := *member
	return &clone, nil
}

// IsProjectMember reports whether the user belongs to the project.
func (s *Store) IsProjectMember(ctx context.Context, projectID uuid.UUID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.projectMembers[projectMemberKey{projectID: projectID, userID: userID}]
	return ok, nil
}

func (s *Store) deleteProjectLocked(projectID uuid.UUID) {
	delete(s.projects, projectID)
	for k := range s.projectMembers {
		if k.projectID == projectID {
			delete(s.projectMembers, k)
		}
	}
	for tid, t := range s.tasks {
		if t.ProjectID == projectID {
			s.deleteTaskLocked(tid)
		}
	}
}

// CreateTask stores a new task.
func (s *Store) CreateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.projects[task.ProjectID]; !ok {
		return store.ErrProjectNotFound
	}
	if task.AssigneeID != nil {
		if _, ok := s.users[*task.AssigneeID]; !ok {
			return store.ErrUserNotFound
		}
	}

	now := time.Now().UTC()
	if task.ID == uuid.Nil {
		task.ID = newID()
	}
	task.CreatedAt = now
	task.UpdatedAt = now
	s.tasks[task.ID] = cloneTask(task)

	return nil
}

// GetTask returns the task with its project and assignee if the project belongs to the workspace.
func (s *Store) GetTask(ctx context.Context, workspaceID, taskID uuid.UUID) (*models.TaskDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	detail, err := s.taskDetailLocked(taskID)
	if err != nil {
		return nil, err
	}
	if detail.Project.WorkspaceID != workspaceID {
		return nil, store.ErrTaskNotFound
	}
	return detail, nil
}

// LoadTaskWithProjectAndAssignee returns the task aggregate regardless of workspace.
func (s *Store) LoadTaskWithProjectAndAssignee(ctx context.Context, taskID uuid.UUID) (*models.TaskDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.taskDetailLocked(taskID)
}

func (s *Store) taskDetailLocked(taskID uuid.UUID) (*models.TaskDetail, error) {
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	p, ok := s.projects[t.ProjectID]
	if !ok {
		return nil, store.ErrTaskNotFound
	}

	detail := &models.TaskDetail{
		Task:    *cloneTask(t),
		Project: *cloneProject(p),
	}
	if t.AssigneeID != nil {
		if u, ok := s.users[*t.AssigneeID]; ok {
			detail.Assignee = cloneUser(u)
		}
	}
	return detail, nil
}

// UpdateTask overwrites the mutable task fields. The project cannot change.
func (s *Store) UpdateTask(ctx context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[task.ID]
	if !ok {
		return store.ErrTaskNotFound
	}
	if task.AssigneeID != nil {
		if _, ok := s.users[*task.AssigneeID]; !ok {
			return store.ErrUserNotFound
		}
	}

	task.ProjectID = existing.ProjectID
	task.CreatedAt = existing.CreatedAt
	task.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = cloneTask(task)

	return nil
}

// DeleteTask removes a task and its comments.
func (s *Store) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return store.ErrTaskNotFound
	}
	s.deleteTaskLocked(taskID)
	return nil
}

func (s *Store) deleteTaskLocked(taskID uuid.UUID) {
	delete(s.tasks, taskID)
	for cid, c := range s.comments {
		if c.TaskID == taskID {
			delete(s.comments, cid)
		}
	}
}

// AddComment stores a comment on a task.
func (s *Store) AddComment(ctx context.Context, comment *models.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[comment.TaskID]; !ok {
		return store.ErrTaskNotFound
	}
	if _, ok := s.users[comment.UserID]; !ok {
		return store.ErrUserNotFound
	}

	if comment.ID == uuid.Nil {
		comment.ID = newID()
	}
	comment.CreatedAt = time.Now().UTC()

	clone := *comment
	s.comments[comment.ID] = &clone
	return nil
}

// ListComments returns a task's comments, oldest first.
func (s *Store) ListComments(ctx context.Context, taskID uuid.UUID) ([]*models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Comment
	for _, c := range s.comments {
		if c.TaskID == taskID {
			clone := *c
			result = append(result, &clone)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}
